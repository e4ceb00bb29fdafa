package di

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_service/internal/adapters/payout"
	"github.com/rail-service/settlement_service/internal/api/handlers"
	"github.com/rail-service/settlement_service/internal/api/routes"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/domain/services/deposit"
	"github.com/rail-service/settlement_service/internal/domain/services/ledger"
	"github.com/rail-service/settlement_service/internal/domain/services/settlement"
	"github.com/rail-service/settlement_service/internal/domain/services/swap"
	"github.com/rail-service/settlement_service/internal/domain/services/wallet"
	"github.com/rail-service/settlement_service/internal/infrastructure/adapters/cctp"
	"github.com/rail-service/settlement_service/internal/infrastructure/cache"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
	"github.com/rail-service/settlement_service/internal/infrastructure/database"
	"github.com/rail-service/settlement_service/internal/infrastructure/queue"
	"github.com/rail-service/settlement_service/internal/infrastructure/repositories"
	"github.com/rail-service/settlement_service/pkg/logger"
)

const version = "1.0.0"

// Container holds every long-lived dependency of the service
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger

	// Infrastructure
	Chains    map[string]*chain.Client
	Signer    *chain.Signer
	Redis     cache.RedisClient
	Publisher *queue.DepositPublisher

	// Repositories
	TransactionRepo *repositories.TransactionRepository
	LedgerRepo      *repositories.LedgerRepository
	OfframpRepo     *repositories.OfframpRepository
	SnapshotRepo    *repositories.WalletSnapshotRepository
	CursorRepo      *repositories.CursorRepository

	// Services
	LedgerService     *ledger.Service
	DepositService    *deposit.Service
	SwapEngine        *swap.Engine
	Bridge            *cctp.Bridge
	PayoutClient      *payout.Client
	SettlementService *settlement.Service
	WalletService     *wallet.Service
}

// NewContainer builds the dependency graph. Redis and Kafka are optional: when they
// are unreachable or unconfigured the service runs without the cache or events.
func NewContainer(cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		Chains: make(map[string]*chain.Client, len(cfg.Chains)),
	}

	if err := c.initChains(); err != nil {
		c.Close()
		return nil, err
	}

	signer, err := chain.NewSigner(cfg.Custody.PrivateKey)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load signer: %w", err)
	}
	c.Signer = signer
	log.Info("Signer loaded", "address", strings.ToLower(signer.Address().Hex()))

	c.TransactionRepo = repositories.NewTransactionRepository(db)
	c.LedgerRepo = repositories.NewLedgerRepository(db)
	c.OfframpRepo = repositories.NewOfframpRepository(db)
	c.SnapshotRepo = repositories.NewWalletSnapshotRepository(db)
	c.CursorRepo = repositories.NewCursorRepository(db)

	c.LedgerService = ledger.NewService(c.LedgerRepo, log)
	c.initDeposits()

	tokens := c.tokens()
	c.SwapEngine = swap.NewEngine(c.depositChain(), signer, c.swapConfig(tokens), log)
	c.Bridge = c.buildBridge()
	c.PayoutClient = payout.NewClient(payout.Config{
		APIKey:            cfg.Payout.APIKey,
		BaseURL:           cfg.Payout.BaseURL,
		CallbackURL:       cfg.Payout.CallbackURL,
		Timeout:           cfg.Payout.Timeout,
		RequestsPerSecond: cfg.Payout.RequestsPerSecond,
	}, log)

	c.SettlementService = settlement.NewService(
		c.SwapEngine,
		c.Bridge,
		c.PayoutClient,
		c.LedgerService,
		c.TransactionRepo,
		c.OfframpRepo,
		c.DepositService,
		signer,
		c.settlementChains(),
		settlement.Config{
			SourceChain:      cfg.Custody.Chain,
			DepositToken:     cfg.Custody.TokenSymbol,
			BridgeToken:      "USDC",
			SettlementWallet: common.HexToAddress(cfg.Payout.SettlementWallet),
			FiatPrecision:    cfg.Payout.FiatPrecision,
		},
		log,
	)

	c.WalletService = wallet.NewService(c.depositChain(), tokens, c.SnapshotRepo, log.Zap())

	return c, nil
}

func (c *Container) initChains() error {
	for name, cc := range c.Config.Chains {
		client, err := chain.NewClient(chain.Config{
			Name:           name,
			Endpoints:      cc.RPCURLs,
			ExplorerURL:    cc.ExplorerURL,
			ReceiptTimeout: c.Config.Custody.ReceiptTimeout,
			PollInterval:   c.Config.Custody.ReceiptPollEvery,
		}, c.Logger.Zap())
		if err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
		c.Chains[name] = client
	}
	return nil
}

func (c *Container) initDeposits() {
	custody := c.Config.Custody
	c.DepositService = deposit.NewService(
		c.depositChain(),
		c.TransactionRepo,
		c.LedgerService,
		deposit.Config{
			Chain:           custody.Chain,
			TokenSymbol:     strings.ToUpper(custody.TokenSymbol),
			TokenAddress:    common.HexToAddress(custody.TokenAddress),
			TokenDecimals:   custody.TokenDecimals,
			CustodialWallet: common.HexToAddress(custody.Wallet),
		},
		c.Logger,
	)

	redisClient, err := cache.NewRedisClient(&c.Config.Redis, c.Logger.Zap())
	if err != nil {
		c.Logger.Warn("Redis unavailable, deposit verifications will not be cached", "error", err)
	} else {
		c.Redis = redisClient
		c.DepositService.SetCache(cache.NewVerificationCache(redisClient, c.Config.Redis.VerificationTTL, c.Logger.Zap()))
	}

	if len(c.Config.Kafka.Brokers) > 0 {
		c.Publisher = queue.NewDepositPublisher(queue.KafkaConfig{
			Brokers: c.Config.Kafka.Brokers,
			Topic:   c.Config.Kafka.DepositTopic,
		}, c.Logger.Zap())
		c.DepositService.SetPublisher(c.Publisher)
	} else {
		c.Logger.Info("Kafka brokers not configured, deposit events disabled")
	}
}

func (c *Container) depositChain() *chain.Client {
	return c.Chains[c.Config.Custody.Chain]
}

func (c *Container) tokens() []entities.Token {
	tokens := make([]entities.Token, 0, len(c.Config.Tokens)+1)
	seen := make(map[string]bool)
	for _, t := range c.Config.Tokens {
		tokens = append(tokens, entities.Token{Symbol: strings.ToUpper(t.Symbol), Address: t.Address, Decimals: t.Decimals})
		seen[strings.ToUpper(t.Symbol)] = true
	}
	custody := c.Config.Custody
	if !seen[strings.ToUpper(custody.TokenSymbol)] {
		tokens = append(tokens, entities.Token{
			Symbol:   strings.ToUpper(custody.TokenSymbol),
			Address:  custody.TokenAddress,
			Decimals: custody.TokenDecimals,
		})
	}
	return tokens
}

func (c *Container) swapConfig(tokens []entities.Token) swap.Config {
	dex := c.Config.DEX
	pairs := make([]swap.StablePair, 0, len(dex.StablePairs))
	for _, p := range dex.StablePairs {
		pairs = append(pairs, swap.StablePair{TokenA: p.TokenA, TokenB: p.TokenB, Fee: p.Fee})
	}
	return swap.Config{
		Chain:            c.Config.Custody.Chain,
		Factory:          common.HexToAddress(dex.Factory),
		Quoter:           common.HexToAddress(dex.Quoter),
		Router:           common.HexToAddress(dex.Router),
		FeeTiers:         dex.FeeTiers,
		StablePairs:      pairs,
		Tokens:           tokens,
		Deadline:         dex.Deadline,
		SwapGasLimit:     dex.SwapGasLimit,
		ApprovalGasLimit: dex.ApprovalGasLimit,
	}
}

// buildBridge registers every chain with a TokenMessenger address as a CCTP deployment
func (c *Container) buildBridge() *cctp.Bridge {
	iris := cctp.NewClient(cctp.Config{
		BaseURL:     c.Config.Bridge.BaseURL,
		Environment: c.Config.Bridge.Environment,
		Timeout:     c.Config.Bridge.Timeout,
	}, c.Logger.Zap())

	var deployments []cctp.Deployment
	for _, name := range c.chainNames() {
		cc := c.Config.Chains[name]
		if cc.TokenMessenger == "" || cc.MessageTransmitter == "" || cc.USDC == "" {
			continue
		}
		deployments = append(deployments, cctp.Deployment{
			Chain:              name,
			Client:             c.Chains[name],
			Domain:             cc.CCTPDomain,
			USDC:               common.HexToAddress(cc.USDC),
			TokenMessenger:     common.HexToAddress(cc.TokenMessenger),
			MessageTransmitter: common.HexToAddress(cc.MessageTransmitter),
		})
	}
	c.Logger.Info("CCTP deployments configured", "count", len(deployments))

	return cctp.NewBridge(iris, c.Signer, deployments, cctp.BridgeConfig{
		PollInterval:       c.Config.Bridge.PollInterval,
		AttestationTimeout: c.Config.Bridge.AttestationTimeout,
	}, c.Logger.Zap())
}

func (c *Container) settlementChains() map[string]settlement.SettlementChain {
	chains := make(map[string]settlement.SettlementChain)
	for name, cc := range c.Config.Chains {
		if cc.USDC == "" {
			continue
		}
		chains[name] = settlement.SettlementChain{Writer: c.Chains[name], USDC: common.HexToAddress(cc.USDC)}
	}
	return chains
}

func (c *Container) chainNames() []string {
	names := make([]string, 0, len(c.Config.Chains))
	for name := range c.Config.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers builds the HTTP handlers over the container's services
func (c *Container) Handlers() routes.Handlers {
	zl := c.Logger.Zap()

	checks := map[string]handlers.Pinger{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, c.DB) },
		"rpc": func(ctx context.Context) error {
			_, err := c.depositChain().BlockNumber(ctx)
			return err
		},
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}

	return routes.Handlers{
		Health:     handlers.NewHealthHandler(checks, zl, version),
		Deposits:   handlers.NewDepositHandlers(c.DepositService, zl),
		Settlement: handlers.NewSettlementHandlers(c.SwapEngine, c.SettlementService, zl),
		Balances:   handlers.NewBalanceHandlers(c.LedgerService, c.WalletService, zl),
		Webhooks:   handlers.NewWebhookHandlers(c.SettlementService, c.Config.Payout.WebhookSecret, zl),
	}
}

// Close releases chain connections, the event writer and Redis
func (c *Container) Close() {
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			c.Logger.Warn("Failed to close Kafka writer", "error", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Failed to close Redis", "error", err)
		}
	}
	for name, client := range c.Chains {
		client.Close()
		c.Logger.Debug("Chain client closed", "chain", name)
	}
}
