package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/rail-service/settlement_service/internal/api/handlers"
	"github.com/rail-service/settlement_service/internal/api/middleware"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// Handlers groups every handler the router mounts
type Handlers struct {
	Health     *handlers.HealthHandler
	Deposits   *handlers.DepositHandlers
	Settlement *handlers.SettlementHandlers
	Balances   *handlers.BalanceHandlers
	Webhooks   *handlers.WebhookHandlers
}

// Options tune the global middleware
type Options struct {
	RateLimitPerMin int
	AdminAPIKey     string
}

// SetupRoutes configures all application routes
func SetupRoutes(h Handlers, opts Options, log *logger.Logger) *gin.Engine {
	router := gin.New()

	// Global middleware - order matters
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))

	// Health checks and metrics are not rate limited
	router.GET("/health/live", h.Health.Live)
	router.GET("/health/ready", h.Health.Ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Payout rail callbacks authenticate with a body signature
	router.POST("/webhooks/payout", h.Webhooks.PayoutStatus)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(middleware.NewRateLimiter(opts.RateLimitPerMin)))
	{
		deposits := v1.Group("/deposits")
		{
			deposits.GET("", h.Deposits.RecentDeposits)
			deposits.POST("", h.Deposits.RecordDeposit)
			deposits.GET("/:txHash", h.Deposits.VerifyDeposit)
			deposits.POST("/track", h.Deposits.TrackDeposit)
			deposits.POST("/track/:id/confirm", h.Deposits.ConfirmDeposit)
			deposits.POST("/swap", h.Settlement.DepositAndSwap)
		}

		v1.GET("/quotes", h.Settlement.Quote)
		v1.POST("/swaps", h.Settlement.Swap)
		v1.POST("/bridges", h.Settlement.Bridge)
		v1.POST("/settlements", h.Settlement.Settle)

		users := v1.Group("/users/:address")
		{
			users.GET("/balances", h.Balances.GetBalances)
			users.GET("/history", h.Balances.GetHistory)
		}

		wallets := v1.Group("/wallets/:address")
		{
			wallets.GET("", h.Balances.GetWalletSummary)
			wallets.GET("/snapshots", h.Balances.GetWalletSnapshots)
		}
	}

	if opts.AdminAPIKey != "" {
		admin := router.Group("/api/v1/admin", middleware.AdminKey(opts.AdminAPIKey))
		admin.POST("/deposits/backfill", h.Deposits.Backfill)
	}

	return router
}
