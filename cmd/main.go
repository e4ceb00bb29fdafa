package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rail-service/settlement_service/internal/api/routes"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
	"github.com/rail-service/settlement_service/internal/infrastructure/database"
	"github.com/rail-service/settlement_service/internal/infrastructure/di"
	"github.com/rail-service/settlement_service/internal/workers/deposit_watcher"
	"github.com/rail-service/settlement_service/internal/workers/reconciliation"
	"github.com/rail-service/settlement_service/pkg/graceful"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
	"github.com/rail-service/settlement_service/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing
	tracingShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Environment == "development",
	}, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}

	db, err := database.NewConnection(ctx, cfg.Database, log.Zap())
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := di.NewContainer(cfg, db, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	router := routes.SetupRoutes(container.Handlers(), routes.Options{
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		AdminAPIKey:     cfg.Server.AdminAPIKey,
	}, log)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        otelhttp.NewHandler(router, "settlement-api"),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// Deposit watcher
	watcher := deposit_watcher.NewWorker(
		container.Chains[cfg.Custody.Chain],
		container.DepositService,
		container.CursorRepo,
		&deposit_watcher.Config{
			PollInterval:  cfg.Workers.DepositPollInterval,
			Confirmations: cfg.Workers.Confirmations,
			MaxBlockRange: cfg.Workers.MaxBlockRange,
			StartBlock:    cfg.Workers.StartBlock,
		},
		log.With("worker", "deposit_watcher"),
	)
	go watcher.Start(ctx)

	// Reconciliation backfill and wallet snapshots
	reconciler := reconciliation.NewWorker(
		container.Chains[cfg.Custody.Chain],
		container.DepositService,
		container.WalletService,
		reconciliation.Config{
			Schedule:      cfg.Workers.ReconcileSchedule,
			Window:        cfg.Workers.BackfillWindow,
			Confirmations: cfg.Workers.Confirmations,
			MaxBlockRange: cfg.Workers.MaxBlockRange,
			Wallets:       reconciledWallets(cfg),
		},
		log.Zap().Named("reconciliation"),
	)
	if err := reconciler.Start(); err != nil {
		log.Fatal("Failed to start reconciliation worker", "error", err)
	}

	// Database pool metrics
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.RecordDBStats(db.Stats())
			}
		}
	}()

	shutdown := graceful.NewShutdownManager(server, log)
	shutdown.Register("tracing", tracingShutdown)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	shutdown.Register("container", func(context.Context) error {
		container.Close()
		return nil
	})
	shutdown.Register("reconciliation", func(context.Context) error {
		reconciler.Stop()
		return nil
	})
	shutdown.Register("deposit_watcher", func(context.Context) error {
		watcher.Stop()
		cancel()
		return nil
	})

	go func() {
		log.Info("Starting server",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"deposit_chain", cfg.Custody.Chain)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	shutdown.WaitForShutdown(ctx)
	log.Info("Server exited")
}

// reconciledWallets are the custodial and settlement wallets whose balances are snapshotted
func reconciledWallets(cfg *config.Config) []string {
	wallets := []string{cfg.Custody.Wallet}
	if cfg.Payout.SettlementWallet != "" && cfg.Payout.SettlementWallet != cfg.Custody.Wallet {
		wallets = append(wallets, cfg.Payout.SettlementWallet)
	}
	return wallets
}
