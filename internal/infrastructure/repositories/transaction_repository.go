package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

const transactionColumns = `id, transaction_hash, user_address, operation, from_token, to_token, amount_in,
	amount_out, status, error, gas_cost, timestamp, metadata`

// TransactionRepository persists transaction records. A hash, once set, is unique.
type TransactionRepository struct {
	db *sqlx.DB
}

func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, record *entities.TransactionRecord) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (:id, :transaction_hash, :user_address, :operation, :from_token, :to_token, :amount_in,
			:amount_out, :status, :error, :gas_cost, :timestamp, :metadata)
	`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s already recorded: %w", record.Hash(), err)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// CreateIfHashAbsent inserts record unless its hash is already stored
func (r *TransactionRepository) CreateIfHashAbsent(ctx context.Context, record *entities.TransactionRecord) (bool, error) {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (:id, :transaction_hash, :user_address, :operation, :from_token, :to_token, :amount_in,
			:amount_out, :status, :error, :gas_cost, :timestamp, :metadata)
		ON CONFLICT (transaction_hash) WHERE transaction_hash IS NOT NULL DO NOTHING
	`
	res, err := r.db.NamedExecContext(ctx, query, record)
	if err != nil {
		return false, fmt.Errorf("create transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.TransactionRecord, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *TransactionRepository) GetByHash(ctx context.Context, txHash string) (*entities.TransactionRecord, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_hash = $1`, strings.ToLower(txHash))
}

// GetByTrackingID returns the deposit record carrying trackingID
func (r *TransactionRepository) GetByTrackingID(ctx context.Context, trackingID string) (*entities.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE metadata->>'tracking_id' = $1
		  AND operation IN ($2, $3)
		ORDER BY timestamp ASC
		LIMIT 1
	`
	return r.getOne(ctx, query, trackingID, entities.OperationDepositPending, entities.OperationDeposit)
}

// FindPendingDeposit returns the oldest pending, hash-less deposit of user for exactly amount
func (r *TransactionRepository) FindPendingDeposit(ctx context.Context, userAddress string, amount decimal.Decimal) (*entities.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_address = $1
		  AND operation = $2
		  AND status = $3
		  AND transaction_hash IS NULL
		  AND amount_in = $4
		ORDER BY timestamp ASC
		LIMIT 1
	`
	return r.getOne(ctx, query, strings.ToLower(userAddress), entities.OperationDepositPending, entities.TransactionStatusPending, amount)
}

// PromotePending completes a pending deposit. It returns false when the record is no longer
// pending or already has a hash, so concurrent promotions succeed at most once.
func (r *TransactionRepository) PromotePending(ctx context.Context, id uuid.UUID, txHash string, amountOut decimal.Decimal, blockNumber uint64) (bool, error) {
	query := `
		UPDATE transactions
		SET transaction_hash = $2,
		    status = $3,
		    operation = $4,
		    amount_out = $5,
		    metadata = metadata || jsonb_build_object('block_number', $6::bigint)
		WHERE id = $1
		  AND status = $7
		  AND transaction_hash IS NULL
	`
	res, err := r.db.ExecContext(ctx, query,
		id,
		strings.ToLower(txHash),
		entities.TransactionStatusSuccess,
		entities.OperationDeposit,
		amountOut,
		int64(blockNumber),
		entities.TransactionStatusPending,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("promote pending deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetSwapForDeposit returns the successful deposit-and-swap record fed by depositTxHash
func (r *TransactionRepository) GetSwapForDeposit(ctx context.Context, depositTxHash string) (*entities.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE operation = $1
		  AND status = $2
		  AND metadata->>'deposit_tx_hash' = $3
		LIMIT 1
	`
	return r.getOne(ctx, query, entities.OperationDepositAndSwap, entities.TransactionStatusSuccess, strings.ToLower(depositTxHash))
}

// MarkOfframped flags a record as paid out. It returns false if it already was.
func (r *TransactionRepository) MarkOfframped(ctx context.Context, id uuid.UUID, payoutID string, at time.Time) (bool, error) {
	query := `
		UPDATE transactions
		SET metadata = metadata || jsonb_build_object('offramped', true, 'payout_id', $2::text, 'offramped_at', $3::timestamptz)
		WHERE id = $1
		  AND COALESCE((metadata->>'offramped')::boolean, false) = false
	`
	res, err := r.db.ExecContext(ctx, query, id, payoutID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark offramped: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByUser returns the newest records of a user
func (r *TransactionRepository) ListByUser(ctx context.Context, userAddress string, limit int) ([]*entities.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_address = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	var records []*entities.TransactionRecord
	if err := r.db.SelectContext(ctx, &records, query, strings.ToLower(userAddress), limit); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return records, nil
}

func (r *TransactionRepository) getOne(ctx context.Context, query string, args ...interface{}) (*entities.TransactionRecord, error) {
	var record entities.TransactionRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &record, nil
}
