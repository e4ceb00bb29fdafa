package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrResourcesExhausted matches every ExhaustedError
var ErrResourcesExhausted = errors.New("all resources failed")

// PermanentError marks a failure that another resource would reproduce
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Rotate and Retrier stop immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ExhaustedError aggregates the per-resource failures of one operation
type ExhaustedError struct {
	Operation string
	Attempts  int
	Errs      []error
}

func (e *ExhaustedError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Operation, e.Attempts, strings.Join(msgs, "; "))
}

func (e *ExhaustedError) Unwrap() []error { return e.Errs }

func (e *ExhaustedError) Is(target error) bool { return target == ErrResourcesExhausted }

// IsRetryable reports the aggregate as transient so callers may try again later
func (e *ExhaustedError) IsRetryable() bool { return true }

// Rotator keeps a sticky cursor over N interchangeable resources.
// The cursor is shared by all callers; a racing advance only costs an extra attempt.
type Rotator struct {
	size     int
	current  atomic.Int64
	OnRotate func(operation string, from, to int, err error)
}

// NewRotator creates a rotator over size resources
func NewRotator(size int) *Rotator {
	if size < 1 {
		size = 1
	}
	return &Rotator{size: size}
}

// Size returns the number of resources
func (r *Rotator) Size() int { return r.size }

// Current returns the index callers start from
func (r *Rotator) Current() int { return int(r.current.Load()) }

func (r *Rotator) advance(from int) int {
	next := (from + 1) % r.size
	r.current.CompareAndSwap(int64(from), int64(next))
	return next
}

// Rotate runs op against the current resource and, on any failure, moves to the
// next one (wrapping) until it succeeds or every resource has been tried once.
func Rotate[T any](ctx context.Context, r *Rotator, operation string, op func(ctx context.Context, idx int) (T, error)) (T, error) {
	var zero T
	errs := make([]error, 0, r.size)
	idx := r.Current()

	for attempt := 1; attempt <= r.size; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx, idx)
		if err == nil {
			return result, nil
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return zero, permanent.Err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s: %w", operation, err)
		}

		errs = append(errs, fmt.Errorf("resource %d: %w", idx, err))
		next := r.advance(idx)
		if r.OnRotate != nil {
			r.OnRotate(operation, idx, next, err)
		}
		idx = next
	}

	return zero, &ExhaustedError{Operation: operation, Attempts: len(errs), Errs: errs}
}
