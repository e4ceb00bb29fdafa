package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotate(t *testing.T) {
	ctx := context.Background()

	t.Run("falls through failing resources to the first healthy one", func(t *testing.T) {
		r := NewRotator(3)
		var calls []int

		got, err := Rotate(ctx, r, "eth_blockNumber", func(ctx context.Context, idx int) (string, error) {
			calls = append(calls, idx)
			if idx < 2 {
				return "", errors.New("connection refused")
			}
			return "endpoint-3", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "endpoint-3", got)
		assert.Equal(t, []int{0, 1, 2}, calls)
		assert.Equal(t, 2, r.Current())
	})

	t.Run("rotation is sticky across calls", func(t *testing.T) {
		r := NewRotator(3)
		_, _ = Rotate(ctx, r, "first", func(ctx context.Context, idx int) (int, error) {
			if idx == 0 {
				return 0, errors.New("down")
			}
			return idx, nil
		})

		var first int = -1
		_, err := Rotate(ctx, r, "second", func(ctx context.Context, idx int) (int, error) {
			if first < 0 {
				first = idx
			}
			return idx, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, first)
	})

	t.Run("wraps around the list", func(t *testing.T) {
		r := NewRotator(3)
		r.current.Store(2)
		var calls []int

		_, err := Rotate(ctx, r, "wrap", func(ctx context.Context, idx int) (int, error) {
			calls = append(calls, idx)
			if idx == 2 {
				return 0, errors.New("down")
			}
			return idx, nil
		})

		require.NoError(t, err)
		assert.Equal(t, []int{2, 0}, calls)
	})

	t.Run("returns an aggregated error naming the operation", func(t *testing.T) {
		r := NewRotator(3)
		attempts := 0

		_, err := Rotate(ctx, r, "eth_getTransactionReceipt", func(ctx context.Context, idx int) (int, error) {
			attempts++
			return 0, errors.New("timeout")
		})

		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, ErrResourcesExhausted)
		assert.Contains(t, err.Error(), "eth_getTransactionReceipt")

		var exhausted *ExhaustedError
		require.True(t, errors.As(err, &exhausted))
		assert.Len(t, exhausted.Errs, 3)
	})

	t.Run("permanent errors stop rotation", func(t *testing.T) {
		r := NewRotator(3)
		attempts := 0
		reverted := errors.New("execution reverted")

		_, err := Rotate(ctx, r, "send", func(ctx context.Context, idx int) (int, error) {
			attempts++
			return 0, Permanent(reverted)
		})

		assert.ErrorIs(t, err, reverted)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 0, r.Current())
	})

	t.Run("reports rotations through the hook", func(t *testing.T) {
		r := NewRotator(2)
		var moves [][2]int
		r.OnRotate = func(operation string, from, to int, err error) {
			moves = append(moves, [2]int{from, to})
		}

		_, _ = Rotate(ctx, r, "op", func(ctx context.Context, idx int) (int, error) {
			return 0, errors.New("down")
		})

		assert.Equal(t, [][2]int{{0, 1}, {1, 0}}, moves)
	})
}

func TestRetrier(t *testing.T) {
	policy := Policy{MaxRetries: 2}

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		got, err := DoWithResult(context.Background(), NewRetrier(policy, nil), func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("503")
			}
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, nil, func() error {
			calls++
			return errors.New("503")
		})

		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, nil, func() error {
			calls++
			return Permanent(errors.New("400 bad request"))
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
