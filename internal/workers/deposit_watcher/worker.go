package deposit_watcher

import (
	"context"
	"time"

	"github.com/rail-service/settlement_service/internal/domain/services/deposit"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

const cursorName = "deposit_watcher"

// HeadReader reads the current head of the deposit chain
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DepositScanner records every deposit in a block range
type DepositScanner interface {
	Backfill(ctx context.Context, fromBlock, toBlock uint64) (*deposit.BackfillResult, error)
}

// CursorStore persists the last fully processed block
type CursorStore interface {
	GetCursor(ctx context.Context, name string) (uint64, bool, error)
	SetCursor(ctx context.Context, name string, block uint64) error
}

// Config holds worker configuration
type Config struct {
	PollInterval  time.Duration
	Confirmations uint64
	MaxBlockRange uint64
	// StartBlock is used when no cursor exists; zero starts at the current safe head
	StartBlock uint64
	// MaxBatches caps how many ranges one tick processes while catching up
	MaxBatches int
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  15 * time.Second,
		Confirmations: 3,
		MaxBlockRange: 2000,
		MaxBatches:    10,
	}
}

// Worker polls the deposit chain and records transfers to the custodial wallet
// as blocks reach the confirmation depth
type Worker struct {
	head    HeadReader
	scanner DepositScanner
	cursors CursorStore
	config  *Config
	logger  *logger.Logger
	stopCh  chan struct{}
}

// NewWorker creates a new deposit watcher
func NewWorker(head HeadReader, scanner DepositScanner, cursors CursorStore, config *Config, logger *logger.Logger) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Second
	}
	if config.MaxBlockRange == 0 {
		config.MaxBlockRange = 2000
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = 10
	}
	return &Worker{
		head:    head,
		scanner: scanner,
		cursors: cursors,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting deposit watcher",
		"poll_interval", w.config.PollInterval.String(),
		"confirmations", w.config.Confirmations,
		"max_block_range", w.config.MaxBlockRange)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Deposit watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Deposit watcher stopped")
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Stop stops the worker
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Poll scans confirmed blocks past the cursor, one bounded range at a time.
// The cursor only advances past a range whose deposits were all recorded.
func (w *Worker) Poll(ctx context.Context) {
	defer metrics.ObserveWorker(cursorName, time.Now())

	head, err := w.head.BlockNumber(ctx)
	if err != nil {
		w.logger.Error("Failed to read head block", "error", err)
		return
	}
	if head < w.config.Confirmations {
		return
	}
	safe := head - w.config.Confirmations

	cursor, ok, err := w.cursors.GetCursor(ctx, cursorName)
	if err != nil {
		w.logger.Error("Failed to read cursor", "error", err)
		return
	}
	from := cursor + 1
	if !ok {
		from = w.config.StartBlock
		if from == 0 {
			from = safe
		}
		w.logger.Info("No deposit cursor, starting fresh", "from_block", from)
	}

	for batch := 0; batch < w.config.MaxBatches && from <= safe; batch++ {
		if ctx.Err() != nil {
			return
		}
		to := from + w.config.MaxBlockRange - 1
		if to > safe {
			to = safe
		}

		result, err := w.scanner.Backfill(ctx, from, to)
		if err != nil {
			w.logger.Error("Deposit scan failed", "from_block", from, "to_block", to, "error", err)
			return
		}
		if result.Failed > 0 {
			w.logger.Warn("Deposits failed to record, retrying range next poll",
				"from_block", from,
				"to_block", to,
				"failed", result.Failed)
			return
		}

		if err := w.cursors.SetCursor(ctx, cursorName, to); err != nil {
			w.logger.Error("Failed to advance cursor", "block", to, "error", err)
			return
		}
		if result.Found > 0 {
			w.logger.Info("Deposit range processed",
				"from_block", from,
				"to_block", to,
				"recorded", result.Recorded,
				"already_processed", result.AlreadyProcessed)
		}
		from = to + 1
	}
}
