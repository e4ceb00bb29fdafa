package errors

import (
	"errors"
	"fmt"
)

// Settlement-specific errors
var (
	// Validation
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientGas       = errors.New("insufficient native balance for gas")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNoPoolFound           = errors.New("no pool found")
	ErrUnknownToken          = errors.New("unknown token")
	ErrUnknownChain          = errors.New("unknown chain")

	// Business mismatch
	ErrDepositAmountMismatch = errors.New("deposit amount mismatch")
	ErrTrackingIDNotFound    = errors.New("tracking id not found")
	ErrRecordOwnership       = errors.New("record belongs to another user")
	ErrAlreadyProcessed      = errors.New("transaction already processed")
	ErrAlreadyPaidOut        = errors.New("record already paid out")
	ErrRecordNotPending      = errors.New("record is not pending")
	ErrDepositNotVerified    = errors.New("deposit could not be verified")

	// Chain
	ErrEndpointsExhausted  = errors.New("all rpc endpoints failed")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrReceiptTimeout      = errors.New("timed out waiting for receipt")
)

// EndpointsExhaustedError reports that every RPC endpoint failed the named operation.
// It is retryable: the caller may try again once an endpoint recovers.
func EndpointsExhaustedError(chain, operation string, err error) *DomainError {
	return &DomainError{
		Err:       fmt.Errorf("%w: %w: %w", ErrServiceUnavailable, ErrEndpointsExhausted, err),
		Code:      "RPC_ENDPOINTS_EXHAUSTED",
		Message:   fmt.Sprintf("%s: %s failed on every rpc endpoint: %v", chain, operation, err),
		Retryable: true,
	}
}

// InsufficientBalanceError reports a balance shortfall for a token
func InsufficientBalanceError(token, have, need string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInvalidInput, ErrInsufficientBalance),
		Code:    "INSUFFICIENT_BALANCE",
		Message: fmt.Sprintf("insufficient %s balance: have %s, need %s", token, have, need),
		Details: map[string]interface{}{
			"token": token,
			"have":  have,
			"need":  need,
		},
	}
}

// InsufficientGasError reports that the native balance cannot cover the estimated gas
func InsufficientGasError(have, need string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInvalidInput, ErrInsufficientGas),
		Code:    "INSUFFICIENT_GAS",
		Message: fmt.Sprintf("insufficient native balance for gas: have %s, need %s", have, need),
		Details: map[string]interface{}{
			"have": have,
			"need": need,
		},
	}
}

// NoPoolFoundError reports that no fee tier has a deployed pool for the pair
func NoPoolFoundError(tokenIn, tokenOut string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInvalidInput, ErrNoPoolFound),
		Code:    "NO_POOL_FOUND",
		Message: fmt.Sprintf("no pool found for %s/%s", tokenIn, tokenOut),
	}
}

// UnknownTokenError reports a token symbol that is not configured
func UnknownTokenError(symbol string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInvalidInput, ErrUnknownToken),
		Code:    "UNKNOWN_TOKEN",
		Message: fmt.Sprintf("unknown token %s", symbol),
	}
}

// UnknownChainError reports a chain with no configured deployment
func UnknownChainError(chain string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInvalidInput, ErrUnknownChain),
		Code:    "UNKNOWN_CHAIN",
		Message: fmt.Sprintf("chain %q is not configured", chain),
		Details: map[string]interface{}{"chain": chain},
	}
}

// DepositAmountMismatchError reports a deposited amount that does not fit the request
func DepositAmountMismatchError(deposited, requested string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrConflict, ErrDepositAmountMismatch),
		Code:    "DEPOSIT_AMOUNT_MISMATCH",
		Message: fmt.Sprintf("deposited amount %s does not match requested amount %s", deposited, requested),
		Details: map[string]interface{}{
			"deposited": deposited,
			"requested": requested,
		},
	}
}

// TrackingIDNotFoundError reports an unknown tracking id
func TrackingIDNotFoundError(trackingID string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrNotFound, ErrTrackingIDNotFound),
		Code:    "TRACKING_ID_NOT_FOUND",
		Message: fmt.Sprintf("tracking id %s not found", trackingID),
	}
}

// RecordOwnershipError reports a caller acting on someone else's record
func RecordOwnershipError(recordID, caller string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrUnauthorized, ErrRecordOwnership),
		Code:    "RECORD_OWNERSHIP",
		Message: "record does not belong to caller",
		Details: map[string]interface{}{
			"record_id": recordID,
			"caller":    caller,
		},
	}
}

// AlreadyProcessedError reports a transaction hash that already has a record
func AlreadyProcessedError(txHash string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrConflict, ErrAlreadyProcessed),
		Code:    "ALREADY_PROCESSED",
		Message: fmt.Sprintf("transaction %s already processed", txHash),
	}
}

// AlreadyPaidOutError reports a second payout attempt for the same record
func AlreadyPaidOutError(trackingID string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrConflict, ErrAlreadyPaidOut),
		Code:    "ALREADY_PAID_OUT",
		Message: fmt.Sprintf("record %s already paid out", trackingID),
	}
}

// RecordNotPendingError reports an attempt to promote a terminal record
func RecordNotPendingError(recordID string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrConflict, ErrRecordNotPending),
		Code:    "RECORD_NOT_PENDING",
		Message: fmt.Sprintf("record %s is not pending", recordID),
	}
}

// DepositNotVerifiedError reports a hash with no matching transfer to the custodial wallet
func DepositNotVerifiedError(txHash string) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %w", ErrInvalidInput, ErrDepositNotVerified),
		Code:    "DEPOSIT_NOT_VERIFIED",
		Message: fmt.Sprintf("no deposit to the custodial wallet found in %s", txHash),
	}
}
