package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

const offrampColumns = `id, user_address, tracking_id, payout_id, chain, token, amount, currency, rate, fiat_amount,
	shortcode, mobile_network, settlement_tx_hash, status, error_message, created_at, updated_at`

// OfframpRepository persists fiat payouts
type OfframpRepository struct {
	db *sqlx.DB
}

func NewOfframpRepository(db *sqlx.DB) *OfframpRepository {
	return &OfframpRepository{db: db}
}

func (r *OfframpRepository) Create(ctx context.Context, tx *entities.OfframpTransaction) error {
	query := `
		INSERT INTO offramp_transactions (` + offrampColumns + `)
		VALUES (:id, :user_address, :tracking_id, :payout_id, :chain, :token, :amount, :currency, :rate, :fiat_amount,
			:shortcode, :mobile_network, :settlement_tx_hash, :status, :error_message, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, tx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payout %s already stored: %w", tx.PayoutID, err)
		}
		return fmt.Errorf("create offramp transaction: %w", err)
	}
	return nil
}

func (r *OfframpRepository) GetByPayoutID(ctx context.Context, payoutID string) (*entities.OfframpTransaction, error) {
	var tx entities.OfframpTransaction
	err := r.db.GetContext(ctx, &tx, `SELECT `+offrampColumns+` FROM offramp_transactions WHERE payout_id = $1`, payoutID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get offramp transaction: %w", err)
	}
	return &tx, nil
}

// UpdateStatus moves a pending payout to a terminal status. It returns false when the
// payout is no longer pending.
func (r *OfframpRepository) UpdateStatus(ctx context.Context, payoutID string, status entities.OfframpStatus, errorMessage *string) (bool, error) {
	query := `
		UPDATE offramp_transactions
		SET status = $2, error_message = $3, updated_at = $4
		WHERE payout_id = $1 AND status = $5
	`
	res, err := r.db.ExecContext(ctx, query, payoutID, status, errorMessage, time.Now().UTC(), entities.OfframpStatusPending)
	if err != nil {
		return false, fmt.Errorf("update offramp status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByUser returns the newest payouts of a user
func (r *OfframpRepository) ListByUser(ctx context.Context, userAddress string, limit int) ([]*entities.OfframpTransaction, error) {
	query := `
		SELECT ` + offrampColumns + `
		FROM offramp_transactions
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var txs []*entities.OfframpTransaction
	if err := r.db.SelectContext(ctx, &txs, query, userAddress, limit); err != nil {
		return nil, fmt.Errorf("list offramp transactions: %w", err)
	}
	return txs, nil
}
