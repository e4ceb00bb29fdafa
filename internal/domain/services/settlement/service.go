package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rail-service/settlement_service/internal/adapters/payout"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/pkg/keylock"
	"github.com/rail-service/settlement_service/pkg/logger"
)

// Swapper executes swaps on the deposit chain
type Swapper interface {
	Chain() string
	Token(symbolOrAddress string) (entities.Token, error)
	ExecuteSwap(ctx context.Context, req entities.SwapRequest) *entities.SwapResult
}

// Bridger moves USDC between chains
type Bridger interface {
	Supports(chain string) bool
	Transfer(ctx context.Context, req entities.BridgeRequest) *entities.BridgeResult
}

// PayoutProvider quotes fiat rates and pays out
type PayoutProvider interface {
	GetExchangeRate(ctx context.Context, currency string) (*payout.ExchangeRateResponse, error)
	Pay(ctx context.Context, currency string, req payout.PayRequest) (*payout.PayResponse, error)
}

// Ledger is the balance ledger
type Ledger interface {
	Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error)
	AppendAll(ctx context.Context, reqs []entities.AppendRequest) ([]*entities.LedgerEntry, error)
	GetBalance(ctx context.Context, userAddress, chain, token string) (decimal.Decimal, error)
}

// RecordRepository persists transaction records
type RecordRepository interface {
	Create(ctx context.Context, record *entities.TransactionRecord) error
	GetByTrackingID(ctx context.Context, trackingID string) (*entities.TransactionRecord, error)
	// GetSwapForDeposit returns the successful deposit_and_swap record that consumed a deposit, or nil
	GetSwapForDeposit(ctx context.Context, depositTxHash string) (*entities.TransactionRecord, error)
	// MarkOfframped flags a record as paid out; false means it already was
	MarkOfframped(ctx context.Context, id uuid.UUID, payoutID string, at time.Time) (bool, error)
}

// OfframpRepository persists fiat payouts
type OfframpRepository interface {
	Create(ctx context.Context, tx *entities.OfframpTransaction) error
	GetByPayoutID(ctx context.Context, payoutID string) (*entities.OfframpTransaction, error)
	// UpdateStatus moves a pending payout to a terminal status; false means it was not pending
	UpdateStatus(ctx context.Context, payoutID string, status entities.OfframpStatus, errorMessage *string) (bool, error)
}

// DepositProcessor verifies and records deposits
type DepositProcessor interface {
	VerifyAndProcess(ctx context.Context, txHash string) (*entities.DepositResult, error)
}

// ChainWriter submits transactions on a settlement chain
type ChainWriter interface {
	Transact(ctx context.Context, signer *chain.Signer, call chain.Call) (*chain.Receipt, error)
	TxURL(txHash string) string
}

// SettlementChain is a chain funds can be paid out from
type SettlementChain struct {
	Writer ChainWriter
	USDC   common.Address
}

// Config holds orchestrator settings
type Config struct {
	SourceChain      string
	DepositToken     string
	BridgeToken      string
	SettlementWallet common.Address
	FiatPrecision    int32
}

// Service sequences swap, bridge, settlement transfer and payout for users
type Service struct {
	swapper  Swapper
	bridge   Bridger
	payouts  PayoutProvider
	ledger   Ledger
	records  RecordRepository
	offramps OfframpRepository
	deposits DepositProcessor
	signer   *chain.Signer
	chains   map[string]SettlementChain
	config   Config
	tracer   trace.Tracer
	logger   *logger.Logger

	locks *keylock.Map
	now   func() time.Time
}

// NewService creates a new settlement service
func NewService(
	swapper Swapper,
	bridge Bridger,
	payouts PayoutProvider,
	ledger Ledger,
	records RecordRepository,
	offramps OfframpRepository,
	deposits DepositProcessor,
	signer *chain.Signer,
	chains map[string]SettlementChain,
	config Config,
	logger *logger.Logger,
) *Service {
	if config.BridgeToken == "" {
		config.BridgeToken = "USDC"
	}
	if config.FiatPrecision == 0 {
		config.FiatPrecision = 2
	}
	byName := make(map[string]SettlementChain, len(chains))
	for name, c := range chains {
		byName[strings.ToLower(name)] = c
	}

	return &Service{
		swapper:  swapper,
		bridge:   bridge,
		payouts:  payouts,
		ledger:   ledger,
		records:  records,
		offramps: offramps,
		deposits: deposits,
		signer:   signer,
		chains:   byName,
		config:   config,
		tracer:   otel.Tracer("settlement_service/settlement"),
		logger:   logger,

		locks: keylock.New(),
		now:   time.Now,
	}
}

// lockUser serializes balance-spending operations of one user within this process
func (s *Service) lockUser(user string) func() {
	return s.locks.Lock("user:" + user)
}

// lockDeposit serializes work that consumes the same deposit within this process
func (s *Service) lockDeposit(txHash string) func() {
	return s.locks.Lock("deposit:" + strings.ToLower(txHash))
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
