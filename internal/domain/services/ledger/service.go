package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/pkg/keylock"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// Repository stores ledger entries. Entries are only ever inserted.
type Repository interface {
	// GetLatestEntry returns nil when the key has no entries
	GetLatestEntry(ctx context.Context, key entities.LedgerKey) (*entities.LedgerEntry, error)
	// FindEntry returns the entry of key written for operation and txHash, or nil
	FindEntry(ctx context.Context, key entities.LedgerKey, operation entities.LedgerOperation, txHash string) (*entities.LedgerEntry, error)
	InsertEntry(ctx context.Context, entry *entities.LedgerEntry) error
	ListEntries(ctx context.Context, key entities.LedgerKey, limit int) ([]*entities.LedgerEntry, error)
	ListLatestBalances(ctx context.Context, userAddress string) ([]*entities.Balance, error)
}

// Service maintains the append-only running balance per (user, chain, token).
// Appends for the same key are serialized in-process.
type Service struct {
	repo   Repository
	locks  *keylock.Map
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a new ledger service
func NewService(repo Repository, logger *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		locks:  keylock.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append computes balanceAfter from the latest entry for the key and inserts a new entry.
// An append carrying a transaction hash is applied at most once per key and operation:
// repeating it returns the entry already written.
func (s *Service) Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error) {
	req.UserAddress = normalizeAddress(req.UserAddress)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate append: %w", err)
	}
	key := req.Key()

	unlock := s.locks.Lock(key.String())
	defer unlock()

	if req.TransactionHash != "" {
		existing, err := s.repo.FindEntry(ctx, key, req.Operation, req.TransactionHash)
		if err != nil {
			return nil, fmt.Errorf("find entry: %w", err)
		}
		if existing != nil {
			s.logger.Debug("Ledger entry already appended",
				"user_address", key.UserAddress,
				"chain", key.Chain,
				"token", key.Token,
				"operation", req.Operation,
				"tx_hash", req.TransactionHash)
			return existing, nil
		}
	}

	latest, err := s.repo.GetLatestEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get latest entry: %w", err)
	}

	previous := decimal.Zero
	now := s.now()
	if latest != nil {
		previous = latest.BalanceAfter
		// Keep timestamps non-decreasing per key so "latest by timestamp" stays the last append
		if now.Before(latest.Timestamp) {
			now = latest.Timestamp
		}
	}

	entry := &entities.LedgerEntry{
		UserAddress:     key.UserAddress,
		Chain:           key.Chain,
		Token:           key.Token,
		Amount:          req.Amount,
		Operation:       req.Operation,
		TransactionHash: req.TransactionHash,
		BalanceAfter:    req.Operation.Apply(previous, req.Amount),
		Timestamp:       now,
	}

	if err := s.repo.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	metrics.LedgerAppendsTotal.WithLabelValues(string(req.Operation)).Inc()
	s.logger.Info("Ledger entry appended",
		"user_address", key.UserAddress,
		"chain", key.Chain,
		"token", key.Token,
		"operation", req.Operation,
		"amount", req.Amount.String(),
		"balance_after", entry.BalanceAfter.String(),
		"tx_hash", req.TransactionHash)

	return entry, nil
}

// AppendAll appends requests in order and stops at the first failure
func (s *Service) AppendAll(ctx context.Context, reqs []entities.AppendRequest) ([]*entities.LedgerEntry, error) {
	entries := make([]*entities.LedgerEntry, 0, len(reqs))
	for _, req := range reqs {
		entry, err := s.Append(ctx, req)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetBalance returns the latest balanceAfter for the key, or zero if there are no entries
func (s *Service) GetBalance(ctx context.Context, userAddress, chain, token string) (decimal.Decimal, error) {
	key := entities.LedgerKey{UserAddress: normalizeAddress(userAddress), Chain: chain, Token: token}
	latest, err := s.repo.GetLatestEntry(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get latest entry: %w", err)
	}
	if latest == nil {
		return decimal.Zero, nil
	}
	return latest.BalanceAfter, nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
