package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

// WalletSnapshotRepository stores point-in-time wallet balances
type WalletSnapshotRepository struct {
	db *sqlx.DB
}

func NewWalletSnapshotRepository(db *sqlx.DB) *WalletSnapshotRepository {
	return &WalletSnapshotRepository{db: db}
}

func (r *WalletSnapshotRepository) CreateBatch(ctx context.Context, snapshots []entities.WalletBalanceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	query := `
		INSERT INTO wallet_balance_snapshots (id, address, chain, token, balance, block_number, captured_at)
		VALUES (:id, :address, :chain, :token, :balance, :block_number, :captured_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, snapshots); err != nil {
		return fmt.Errorf("insert wallet snapshots: %w", err)
	}
	return nil
}

// ListLatest returns the newest snapshot of every token of address on chain
func (r *WalletSnapshotRepository) ListLatest(ctx context.Context, address, chain string) ([]*entities.WalletBalanceSnapshot, error) {
	query := `
		SELECT DISTINCT ON (token) id, address, chain, token, balance, block_number, captured_at
		FROM wallet_balance_snapshots
		WHERE address = $1 AND chain = $2
		ORDER BY token, captured_at DESC
	`
	var rows []*entities.WalletBalanceSnapshot
	if err := r.db.SelectContext(ctx, &rows, query, address, chain); err != nil {
		return nil, fmt.Errorf("list wallet snapshots: %w", err)
	}
	return rows, nil
}
