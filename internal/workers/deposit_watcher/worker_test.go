package deposit_watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_service/internal/domain/services/deposit"
	"github.com/rail-service/settlement_service/pkg/logger"
)

type fakeHead struct {
	head uint64
	err  error
}

func (f *fakeHead) BlockNumber(ctx context.Context) (uint64, error) { return f.head, f.err }

type scanCall struct{ from, to uint64 }

type fakeScanner struct {
	calls  []scanCall
	failed map[uint64]int
	err    error
}

func (f *fakeScanner) Backfill(ctx context.Context, fromBlock, toBlock uint64) (*deposit.BackfillResult, error) {
	f.calls = append(f.calls, scanCall{fromBlock, toBlock})
	if f.err != nil {
		return nil, f.err
	}
	return &deposit.BackfillResult{FromBlock: fromBlock, ToBlock: toBlock, Failed: f.failed[fromBlock]}, nil
}

type fakeCursors struct {
	block uint64
	set   bool
}

func (f *fakeCursors) GetCursor(ctx context.Context, name string) (uint64, bool, error) {
	return f.block, f.set, nil
}

func (f *fakeCursors) SetCursor(ctx context.Context, name string, block uint64) error {
	if block > f.block {
		f.block = block
	}
	f.set = true
	return nil
}

func newWorker(head *fakeHead, scanner *fakeScanner, cursors *fakeCursors, cfg *Config) *Worker {
	return NewWorker(head, scanner, cursors, cfg, logger.New("error", "test"))
}

func TestPoll_ScansConfirmedRangesInBatches(t *testing.T) {
	head := &fakeHead{head: 1003}
	scanner := &fakeScanner{}
	cursors := &fakeCursors{block: 500, set: true}
	w := newWorker(head, scanner, cursors, &Config{Confirmations: 3, MaxBlockRange: 200, MaxBatches: 10})

	w.Poll(context.Background())

	require.Len(t, scanner.calls, 3)
	assert.Equal(t, scanCall{501, 700}, scanner.calls[0])
	assert.Equal(t, scanCall{701, 900}, scanner.calls[1])
	assert.Equal(t, scanCall{901, 1000}, scanner.calls[2])
	assert.Equal(t, uint64(1000), cursors.block)

	// nothing new until the head moves
	w.Poll(context.Background())
	assert.Len(t, scanner.calls, 3)
}

func TestPoll_BatchCapLeavesRestForNextPoll(t *testing.T) {
	scanner := &fakeScanner{}
	cursors := &fakeCursors{block: 0, set: true}
	w := newWorker(&fakeHead{head: 10_000}, scanner, cursors, &Config{MaxBlockRange: 100, MaxBatches: 2})

	w.Poll(context.Background())

	assert.Len(t, scanner.calls, 2)
	assert.Equal(t, uint64(200), cursors.block)
}

func TestPoll_FreshStart(t *testing.T) {
	t.Run("at the safe head", func(t *testing.T) {
		scanner := &fakeScanner{}
		cursors := &fakeCursors{}
		w := newWorker(&fakeHead{head: 5000}, scanner, cursors, &Config{Confirmations: 5, MaxBlockRange: 100})

		w.Poll(context.Background())

		require.Len(t, scanner.calls, 1)
		assert.Equal(t, scanCall{4995, 4995}, scanner.calls[0])
	})

	t.Run("from the configured block", func(t *testing.T) {
		scanner := &fakeScanner{}
		cursors := &fakeCursors{}
		w := newWorker(&fakeHead{head: 5000}, scanner, cursors, &Config{StartBlock: 4900, MaxBlockRange: 1000})

		w.Poll(context.Background())

		require.Len(t, scanner.calls, 1)
		assert.Equal(t, scanCall{4900, 5000}, scanner.calls[0])
	})
}

func TestPoll_FailedRecordsHoldTheCursor(t *testing.T) {
	scanner := &fakeScanner{failed: map[uint64]int{201: 1}}
	cursors := &fakeCursors{block: 100, set: true}
	w := newWorker(&fakeHead{head: 400}, scanner, cursors, &Config{MaxBlockRange: 100})

	w.Poll(context.Background())

	assert.Len(t, scanner.calls, 2)
	assert.Equal(t, uint64(200), cursors.block)
}

func TestPoll_Errors(t *testing.T) {
	t.Run("head unavailable", func(t *testing.T) {
		scanner := &fakeScanner{}
		w := newWorker(&fakeHead{err: errors.New("rpc down")}, scanner, &fakeCursors{set: true}, nil)
		w.Poll(context.Background())
		assert.Empty(t, scanner.calls)
	})

	t.Run("head below confirmations", func(t *testing.T) {
		scanner := &fakeScanner{}
		w := newWorker(&fakeHead{head: 2}, scanner, &fakeCursors{set: true}, &Config{Confirmations: 3})
		w.Poll(context.Background())
		assert.Empty(t, scanner.calls)
	})

	t.Run("scan error", func(t *testing.T) {
		cursors := &fakeCursors{block: 10, set: true}
		w := newWorker(&fakeHead{head: 100}, &fakeScanner{err: errors.New("filter logs")}, cursors, nil)
		w.Poll(context.Background())
		assert.Equal(t, uint64(10), cursors.block)
	})
}
