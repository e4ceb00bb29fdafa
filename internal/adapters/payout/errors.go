package payout

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRate  = errors.New("payout provider returned a non-positive rate")
	ErrMissingPayID = errors.New("payout provider returned no payout id")
)

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("payout API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}

// IsRetryable reports whether the request may succeed if sent again
func (e *ErrorResponse) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
