package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/domain/services/deposit"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// HeadReader reads the current head of the deposit chain
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DepositScanner records every deposit in a block range
type DepositScanner interface {
	Backfill(ctx context.Context, fromBlock, toBlock uint64) (*deposit.BackfillResult, error)
}

// WalletSnapshotter persists point-in-time wallet balances
type WalletSnapshotter interface {
	Snapshot(ctx context.Context, address string) (*entities.WalletSummary, error)
}

// Config holds worker configuration
type Config struct {
	Schedule      string
	Window        uint64
	Confirmations uint64
	MaxBlockRange uint64
	Wallets       []string
	RunTimeout    time.Duration
}

// Worker periodically re-scans a trailing block window for missed deposits
// and snapshots the custodial wallet balances
type Worker struct {
	head    HeadReader
	scanner DepositScanner
	wallets WalletSnapshotter
	config  Config
	cron    *cron.Cron
	logger  *zap.Logger
}

func NewWorker(head HeadReader, scanner DepositScanner, wallets WalletSnapshotter, config Config, logger *zap.Logger) *Worker {
	if config.Schedule == "" {
		config.Schedule = "*/10 * * * *"
	}
	if config.Window == 0 {
		config.Window = 5000
	}
	if config.MaxBlockRange == 0 {
		config.MaxBlockRange = 2000
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 5 * time.Minute
	}
	return &Worker{
		head:    head,
		scanner: scanner,
		wallets: wallets,
		config:  config,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
	}
}

func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.RunTimeout)
		defer cancel()
		w.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", w.config.Schedule, err)
	}

	w.cron.Start()
	w.logger.Info("Reconciliation worker started", zap.String("schedule", w.config.Schedule))
	return nil
}

// Stop waits for a running job to finish
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("Reconciliation worker stopped")
}

// Run performs one reconciliation pass
func (w *Worker) Run(ctx context.Context) {
	defer metrics.ObserveWorker("reconciliation", time.Now())

	if err := w.backfill(ctx); err != nil {
		w.logger.Error("Reconciliation backfill failed", zap.Error(err))
	}
	for _, address := range w.config.Wallets {
		summary, err := w.wallets.Snapshot(ctx, address)
		if err != nil {
			w.logger.Error("Wallet snapshot failed", zap.String("address", address), zap.Error(err))
			continue
		}
		w.logger.Debug("Wallet snapshot stored",
			zap.String("address", summary.Address),
			zap.Uint64("block_number", summary.BlockNumber))
	}
}

func (w *Worker) backfill(ctx context.Context) error {
	head, err := w.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if head < w.config.Confirmations {
		return nil
	}
	safe := head - w.config.Confirmations

	from := uint64(0)
	if safe > w.config.Window {
		from = safe - w.config.Window
	}

	total := deposit.BackfillResult{FromBlock: from, ToBlock: safe}
	for start := from; start <= safe; start += w.config.MaxBlockRange {
		end := start + w.config.MaxBlockRange - 1
		if end > safe {
			end = safe
		}
		res, err := w.scanner.Backfill(ctx, start, end)
		if err != nil {
			return fmt.Errorf("backfill %d-%d: %w", start, end, err)
		}
		total.Found += res.Found
		total.Recorded += res.Recorded
		total.AlreadyProcessed += res.AlreadyProcessed
		total.Failed += res.Failed
	}

	if total.Recorded > 0 || total.Failed > 0 {
		w.logger.Warn("Reconciliation found unrecorded deposits",
			zap.Uint64("from_block", total.FromBlock),
			zap.Uint64("to_block", total.ToBlock),
			zap.Int("recorded", total.Recorded),
			zap.Int("failed", total.Failed))
	} else {
		w.logger.Info("Reconciliation backfill clean",
			zap.Uint64("from_block", total.FromBlock),
			zap.Uint64("to_block", total.ToBlock),
			zap.Int("found", total.Found))
	}
	return nil
}
