package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CursorRepository remembers the last block a worker fully processed
type CursorRepository struct {
	db *sqlx.DB
}

func NewCursorRepository(db *sqlx.DB) *CursorRepository {
	return &CursorRepository{db: db}
}

// GetCursor returns false when the worker has no cursor yet
func (r *CursorRepository) GetCursor(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := r.db.GetContext(ctx, &block, `SELECT block_number FROM worker_cursors WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return uint64(block), true, nil
}

// SetCursor moves the cursor forward; it never moves it back
func (r *CursorRepository) SetCursor(ctx context.Context, name string, block uint64) error {
	query := `
		INSERT INTO worker_cursors (name, block_number, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET block_number = GREATEST(worker_cursors.block_number, EXCLUDED.block_number),
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, name, int64(block), time.Now().UTC()); err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}
