package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

// LedgerRepository stores the append-only user balance ledger
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetLatestEntry returns the last appended entry of key, ties on timestamp broken by id
func (r *LedgerRepository) GetLatestEntry(ctx context.Context, key entities.LedgerKey) (*entities.LedgerEntry, error) {
	query := `
		SELECT id, user_address, chain, token, amount, operation, transaction_hash, balance_after, timestamp
		FROM user_balance_ledger
		WHERE user_address = $1 AND chain = $2 AND token = $3
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`
	var entry entities.LedgerEntry
	if err := r.db.GetContext(ctx, &entry, query, key.UserAddress, key.Chain, key.Token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest ledger entry: %w", err)
	}
	return &entry, nil
}

// FindEntry returns the entry of key written for operation and txHash
func (r *LedgerRepository) FindEntry(ctx context.Context, key entities.LedgerKey, operation entities.LedgerOperation, txHash string) (*entities.LedgerEntry, error) {
	query := `
		SELECT id, user_address, chain, token, amount, operation, transaction_hash, balance_after, timestamp
		FROM user_balance_ledger
		WHERE user_address = $1 AND chain = $2 AND token = $3 AND operation = $4 AND transaction_hash = $5
		LIMIT 1
	`
	var entry entities.LedgerEntry
	if err := r.db.GetContext(ctx, &entry, query, key.UserAddress, key.Chain, key.Token, operation, txHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return &entry, nil
}

func (r *LedgerRepository) InsertEntry(ctx context.Context, entry *entities.LedgerEntry) error {
	query := `
		INSERT INTO user_balance_ledger (user_address, chain, token, amount, operation, transaction_hash, balance_after, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := r.db.QueryRowxContext(ctx, query,
		entry.UserAddress,
		entry.Chain,
		entry.Token,
		entry.Amount,
		entry.Operation,
		entry.TransactionHash,
		entry.BalanceAfter,
		entry.Timestamp,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListEntries returns up to limit entries of key, newest first
func (r *LedgerRepository) ListEntries(ctx context.Context, key entities.LedgerKey, limit int) ([]*entities.LedgerEntry, error) {
	query := `
		SELECT id, user_address, chain, token, amount, operation, transaction_hash, balance_after, timestamp
		FROM user_balance_ledger
		WHERE user_address = $1 AND chain = $2 AND token = $3
		ORDER BY timestamp DESC, id DESC
		LIMIT $4
	`
	var entries []*entities.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, key.UserAddress, key.Chain, key.Token, limit); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

// ListLatestBalances returns the latest balance of every (chain, token) of a user
func (r *LedgerRepository) ListLatestBalances(ctx context.Context, userAddress string) ([]*entities.Balance, error) {
	query := `
		SELECT DISTINCT ON (chain, token) user_address, chain, token, balance_after, timestamp
		FROM user_balance_ledger
		WHERE user_address = $1
		ORDER BY chain, token, timestamp DESC, id DESC
	`
	var balances []*entities.Balance
	if err := r.db.SelectContext(ctx, &balances, query, userAddress); err != nil {
		return nil, fmt.Errorf("list latest balances: %w", err)
	}
	return balances, nil
}
