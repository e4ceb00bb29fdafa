package deposit

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/services/ledger"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// ChainReader is the read side of the resilient chain client
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RecordRepository persists transaction records
type RecordRepository interface {
	Create(ctx context.Context, record *entities.TransactionRecord) error
	// CreateIfHashAbsent returns false when a record with the same hash already exists
	CreateIfHashAbsent(ctx context.Context, record *entities.TransactionRecord) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entities.TransactionRecord, error)
	GetByHash(ctx context.Context, txHash string) (*entities.TransactionRecord, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*entities.TransactionRecord, error)
	// FindPendingDeposit returns the oldest pending, hash-less deposit of user for exactly amount
	FindPendingDeposit(ctx context.Context, userAddress string, amount decimal.Decimal) (*entities.TransactionRecord, error)
	// PromotePending sets hash, amountOut and success on a record that is still pending and hash-less
	PromotePending(ctx context.Context, id uuid.UUID, txHash string, amountOut decimal.Decimal, blockNumber uint64) (bool, error)
}

// LedgerAppender credits verified deposits
type LedgerAppender interface {
	Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error)
}

// VerificationCache holds recent positive verifications
type VerificationCache interface {
	GetVerification(ctx context.Context, txHash string) (*entities.DepositVerification, error)
	SetVerification(ctx context.Context, v *entities.DepositVerification) error
}

// EventPublisher announces newly recorded deposits
type EventPublisher interface {
	PublishDepositRecorded(ctx context.Context, result *entities.DepositResult) error
}

// Config describes the custodial deposit token
type Config struct {
	Chain           string
	TokenSymbol     string
	TokenAddress    common.Address
	TokenDecimals   int32
	CustodialWallet common.Address
}

// Service verifies deposits to the custodial wallet and records them exactly once
type Service struct {
	chain     ChainReader
	records   RecordRepository
	ledger    LedgerAppender
	cache     VerificationCache
	publisher EventPublisher
	config    Config
	filter    chain.TransferFilter
	logger    *logger.Logger
}

// NewService creates a new deposit service
func NewService(
	chainReader ChainReader,
	records RecordRepository,
	ledger LedgerAppender,
	config Config,
	logger *logger.Logger,
) *Service {
	custodial := config.CustodialWallet
	return &Service{
		chain:   chainReader,
		records: records,
		ledger:  ledger,
		config:  config,
		filter:  chain.TransferFilter{Contract: config.TokenAddress, To: &custodial},
		logger:  logger,
	}
}

// SetCache sets the verification cache (optional)
func (s *Service) SetCache(cache VerificationCache) {
	s.cache = cache
}

// SetPublisher sets the deposit event publisher (optional)
func (s *Service) SetPublisher(publisher EventPublisher) {
	s.publisher = publisher
}

// Config returns the deposit token configuration
func (s *Service) Config() Config {
	return s.config
}

// VerifyDeposit checks that txHash transferred the custodial token to the custodial wallet.
// A nil verification with a nil error means the transaction is unknown or paid someone else.
func (s *Service) VerifyDeposit(ctx context.Context, txHash string) (*entities.DepositVerification, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if cached, err := s.cache.GetVerification(ctx, hash.Hex()); err == nil && cached != nil {
			return cached, nil
		}
	}

	receipt, err := s.chain.Receipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if receipt == nil {
		s.logger.Debug("Receipt not found", "tx_hash", hash.Hex())
		return nil, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		s.logger.Warn("Deposit transaction reverted", "tx_hash", hash.Hex())
		return nil, nil
	}

	transfers := chain.DecodeTransfers(receipt.Logs, s.filter)
	if len(transfers) == 0 {
		s.logger.Debug("No transfer to custodial wallet", "tx_hash", hash.Hex())
		return nil, nil
	}
	if len(transfers) > 1 {
		s.logger.Warn("Multiple transfers to custodial wallet, using the first", "tx_hash", hash.Hex(), "count", len(transfers))
	}

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	header, err := s.chain.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", blockNumber, err)
	}

	v := s.toVerification(transfers[0], blockNumber, header)
	v.TransactionHash = hash.Hex()

	if s.cache != nil {
		if err := s.cache.SetVerification(ctx, v); err != nil {
			s.logger.Warn("Failed to cache verification", "tx_hash", v.TransactionHash, "error", err)
		}
	}

	s.logger.Info("Deposit verified",
		"tx_hash", v.TransactionHash,
		"user_address", v.UserAddress,
		"amount", v.Amount.String(),
		"block_number", v.BlockNumber)

	return v, nil
}

// ProcessDeposit records a verification exactly once: it skips a known hash, promotes a
// matching pending tracking record, or records an untracked deposit. The ledger credit is
// keyed by the transaction hash, so a known deposit whose credit never landed is credited
// when it is seen again.
func (s *Service) ProcessDeposit(ctx context.Context, v *entities.DepositVerification) (*entities.DepositResult, error) {
	if v == nil || !v.Verified {
		return nil, fmt.Errorf("process deposit: verification is required")
	}
	v.UserAddress = normalize(v.UserAddress)

	// Check if the hash is already recorded (idempotency check)
	existing, err := s.records.GetByHash(ctx, v.TransactionHash)
	if err != nil {
		return nil, fmt.Errorf("check existing record: %w", err)
	}
	if existing != nil {
		return s.alreadyProcessed(ctx, v, existing)
	}

	pending, err := s.records.FindPendingDeposit(ctx, v.UserAddress, v.Amount)
	if err != nil {
		return nil, fmt.Errorf("find pending deposit: %w", err)
	}
	if pending != nil {
		promoted, err := s.records.PromotePending(ctx, pending.ID, v.TransactionHash, v.Amount, v.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("promote pending deposit: %w", err)
		}
		if promoted {
			s.applyPromotion(pending, v)
			return s.recorded(ctx, entities.DepositOutcomeMatched, pending, v)
		}
		// Another deposit claimed the tracking record first
		s.logger.Info("Pending deposit already claimed, recording as untracked",
			"tx_hash", v.TransactionHash,
			"record_id", pending.ID.String())
	}

	record := s.untrackedRecord(v)
	created, err := s.records.CreateIfHashAbsent(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("create untracked deposit: %w", err)
	}
	if !created {
		existing, err := s.records.GetByHash(ctx, v.TransactionHash)
		if err != nil {
			return nil, fmt.Errorf("reload record: %w", err)
		}
		return s.alreadyProcessed(ctx, v, existing)
	}

	return s.recorded(ctx, entities.DepositOutcomeUntracked, record, v)
}

// VerifyAndProcess verifies txHash and records the deposit
func (s *Service) VerifyAndProcess(ctx context.Context, txHash string) (*entities.DepositResult, error) {
	v, err := s.VerifyDeposit(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, domainerrors.DepositNotVerifiedError(txHash)
	}
	return s.ProcessDeposit(ctx, v)
}

// TrackDeposit creates the pending, hash-less placeholder a client requests before sending funds
func (s *Service) TrackDeposit(ctx context.Context, userAddress string, expectedAmount decimal.Decimal, trackingID string) (*entities.TransactionRecord, error) {
	if !common.IsHexAddress(userAddress) {
		return nil, domainerrors.ValidationError("user_address", "user address must be a hex address")
	}
	if !expectedAmount.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "expected amount must be positive")
	}
	if trackingID == "" {
		trackingID = uuid.New().String()
	}

	existing, err := s.records.GetByTrackingID(ctx, trackingID)
	if err != nil {
		return nil, fmt.Errorf("check tracking id: %w", err)
	}
	if existing != nil {
		return nil, domainerrors.ConflictError("tracking id", "already in use")
	}

	record := &entities.TransactionRecord{
		ID:          uuid.New(),
		UserAddress: normalize(userAddress),
		Operation:   entities.OperationDepositPending,
		FromToken:   s.config.TokenSymbol,
		ToToken:     s.config.TokenSymbol,
		AmountIn:    expectedAmount,
		Status:      entities.TransactionStatusPending,
		Timestamp:   time.Now().UTC(),
		Metadata: entities.RecordMetadata{
			TrackingID: trackingID,
			Chain:      s.config.Chain,
		},
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create tracking record: %w", err)
	}

	s.logger.Info("Deposit tracking created",
		"record_id", record.ID.String(),
		"tracking_id", trackingID,
		"user_address", record.UserAddress,
		"expected_amount", expectedAmount.String())

	return record, nil
}

// ConfirmDeposit verifies txHash and promotes the given tracking record with it
func (s *Service) ConfirmDeposit(ctx context.Context, recordID uuid.UUID, txHash, caller string) (*entities.DepositResult, error) {
	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if record == nil {
		return nil, domainerrors.NotFoundError("RECORD")
	}
	if caller != "" && normalize(caller) != record.UserAddress {
		return nil, domainerrors.RecordOwnershipError(recordID.String(), caller)
	}

	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if record.Status != entities.TransactionStatusPending {
		if strings.EqualFold(record.Hash(), hash.Hex()) {
			if err := s.credit(ctx, record); err != nil {
				return nil, err
			}
			return &entities.DepositResult{Outcome: entities.DepositOutcomeAlreadyProcessed, Record: record}, nil
		}
		return nil, domainerrors.RecordNotPendingError(recordID.String())
	}

	existing, err := s.records.GetByHash(ctx, hash.Hex())
	if err != nil {
		return nil, fmt.Errorf("check existing record: %w", err)
	}
	if existing != nil {
		return nil, domainerrors.AlreadyProcessedError(hash.Hex())
	}

	v, err := s.VerifyDeposit(ctx, hash.Hex())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, domainerrors.DepositNotVerifiedError(hash.Hex())
	}
	if v.UserAddress != record.UserAddress {
		return nil, domainerrors.RecordOwnershipError(recordID.String(), v.UserAddress)
	}
	if !v.Amount.Equal(record.AmountIn) {
		return nil, domainerrors.DepositAmountMismatchError(v.Amount.String(), record.AmountIn.String())
	}

	promoted, err := s.records.PromotePending(ctx, record.ID, v.TransactionHash, v.Amount, v.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("promote pending deposit: %w", err)
	}
	if !promoted {
		return nil, domainerrors.RecordNotPendingError(recordID.String())
	}

	s.applyPromotion(record, v)
	return s.recorded(ctx, entities.DepositOutcomeMatched, record, v)
}

func (s *Service) recorded(ctx context.Context, outcome entities.DepositOutcome, record *entities.TransactionRecord, v *entities.DepositVerification) (*entities.DepositResult, error) {
	result := &entities.DepositResult{Outcome: outcome, Record: record, Verification: v}

	if err := s.credit(ctx, record); err != nil {
		return nil, err
	}

	metrics.DepositsTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("Deposit recorded",
		"outcome", outcome,
		"tx_hash", v.TransactionHash,
		"record_id", record.ID.String(),
		"tracking_id", record.Metadata.TrackingID,
		"user_address", v.UserAddress,
		"amount", v.Amount.String())

	if s.publisher != nil {
		if err := s.publisher.PublishDepositRecorded(ctx, result); err != nil {
			s.logger.Warn("Failed to publish deposit event", "tx_hash", v.TransactionHash, "error", err)
		}
	}

	return result, nil
}

func (s *Service) alreadyProcessed(ctx context.Context, v *entities.DepositVerification, record *entities.TransactionRecord) (*entities.DepositResult, error) {
	if err := s.credit(ctx, record); err != nil {
		return nil, err
	}
	metrics.DepositsTotal.WithLabelValues(string(entities.DepositOutcomeAlreadyProcessed)).Inc()
	s.logger.Debug("Deposit already processed", "tx_hash", v.TransactionHash)
	return &entities.DepositResult{
		Outcome:      entities.DepositOutcomeAlreadyProcessed,
		Record:       record,
		Verification: v,
	}, nil
}

// credit appends the ledger credit of a recorded deposit. The ledger ignores a credit it
// already holds for the same hash. Records of other operations sharing the hash are left alone.
func (s *Service) credit(ctx context.Context, record *entities.TransactionRecord) error {
	if record.Operation != entities.OperationDeposit || record.Status != entities.TransactionStatusSuccess || record.Hash() == "" {
		return nil
	}
	amount := record.AmountIn
	if record.AmountOut.Valid {
		amount = record.AmountOut.Decimal
	}
	if _, err := s.ledger.Append(ctx, ledger.DepositCredit(record.UserAddress, s.config.Chain, s.config.TokenSymbol, amount, record.Hash())); err != nil {
		s.logger.Error("Deposit recorded but ledger credit failed",
			"tx_hash", record.Hash(),
			"record_id", record.ID.String(),
			"error", err)
		return fmt.Errorf("credit ledger: %w", err)
	}
	return nil
}

func (s *Service) applyPromotion(record *entities.TransactionRecord, v *entities.DepositVerification) {
	hash := v.TransactionHash
	record.TransactionHash = &hash
	record.Operation = entities.OperationDeposit
	record.Status = entities.TransactionStatusSuccess
	record.AmountOut = decimal.NewNullDecimal(v.Amount)
	record.Metadata.BlockNumber = v.BlockNumber
}

func (s *Service) untrackedRecord(v *entities.DepositVerification) *entities.TransactionRecord {
	hash := v.TransactionHash
	return &entities.TransactionRecord{
		ID:              uuid.New(),
		TransactionHash: &hash,
		UserAddress:     v.UserAddress,
		Operation:       entities.OperationDeposit,
		FromToken:       s.config.TokenSymbol,
		ToToken:         s.config.TokenSymbol,
		AmountIn:        v.Amount,
		AmountOut:       decimal.NewNullDecimal(v.Amount),
		Status:          entities.TransactionStatusSuccess,
		Timestamp:       time.Now().UTC(),
		Metadata: entities.RecordMetadata{
			Untracked:   true,
			Chain:       s.config.Chain,
			BlockNumber: v.BlockNumber,
		},
	}
}

func (s *Service) toVerification(ev chain.TransferEvent, blockNumber uint64, header *types.Header) *entities.DepositVerification {
	v := &entities.DepositVerification{
		TransactionHash: ev.TxHash.Hex(),
		UserAddress:     normalize(ev.From.Hex()),
		Amount:          chain.FromBaseUnits(ev.Value, s.config.TokenDecimals),
		BlockNumber:     blockNumber,
		Verified:        true,
	}
	if header != nil {
		v.Timestamp = time.Unix(int64(header.Time), 0).UTC()
	}
	return v
}

func parseTxHash(txHash string) (common.Hash, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(txHash))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, domainerrors.ValidationError("transaction_hash", "transaction hash must be 32 bytes of hex")
	}
	return common.BytesToHash(raw), nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
