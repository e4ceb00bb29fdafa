package cctp

import (
	"errors"
	"fmt"
)

// ErrorResponse represents an Iris API error response
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("Iris API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}

func (e *ErrorResponse) IsNotFound() bool {
	return e.StatusCode == 404
}

func (e *ErrorResponse) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsRetryable reports whether the request may succeed if sent again
func (e *ErrorResponse) IsRetryable() bool {
	return e.StatusCode >= 500 || e.IsRateLimited()
}

// ErrAttestationPending indicates the attestation is not yet complete
var ErrAttestationPending = errors.New("attestation pending")

// ErrAttestationTimeout indicates the attestation did not complete in time
var ErrAttestationTimeout = errors.New("attestation timed out")

// ErrNoMessages indicates no messages found for the transaction
var ErrNoMessages = errors.New("no messages found for transaction")

// ErrUnsupportedChain indicates a chain with no CCTP deployment configured
var ErrUnsupportedChain = errors.New("chain not configured for CCTP")

// isNotIndexed reports errors meaning Iris has not seen the burn yet
func isNotIndexed(err error) bool {
	if errors.Is(err, ErrNoMessages) {
		return true
	}
	var apiErr *ErrorResponse
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}
