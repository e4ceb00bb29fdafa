package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus represents the lifecycle of a transaction record
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// ValidTransactionTransitions defines allowed status transitions
var ValidTransactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {TransactionStatusSuccess, TransactionStatusFailed},
	TransactionStatusSuccess: {}, // Terminal state
	TransactionStatusFailed:  {}, // Terminal state
}

// IsValid checks if the status is known
func (s TransactionStatus) IsValid() bool {
	_, ok := ValidTransactionTransitions[s]
	return ok
}

// IsTerminal returns true once the record left pending
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusSuccess || s == TransactionStatusFailed
}

// CanTransitionTo checks if transition to new status is allowed
func (s TransactionStatus) CanTransitionTo(newStatus TransactionStatus) bool {
	for _, status := range ValidTransactionTransitions[s] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// ValidateTransition validates and returns error if transition is invalid
func (s TransactionStatus) ValidateTransition(newStatus TransactionStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid transaction status: %s", newStatus)
	}
	if !s.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid status transition from %s to %s", s, newStatus)
	}
	return nil
}

// TransactionOperation names what a record describes
type TransactionOperation string

const (
	OperationDepositPending TransactionOperation = "deposit_pending"
	OperationDeposit        TransactionOperation = "deposit"
	OperationDepositAndSwap TransactionOperation = "deposit_and_swap"
	OperationSwap           TransactionOperation = "swap"
	OperationBridge         TransactionOperation = "bridge"
	OperationOfframp        TransactionOperation = "offramp"
)

// RecordMetadata holds the known optional keys of a transaction record.
// It is stored as JSONB.
type RecordMetadata struct {
	TrackingID     string     `json:"tracking_id,omitempty"`
	Untracked      bool       `json:"untracked,omitempty"`
	Chain          string     `json:"chain,omitempty"`
	BlockNumber    uint64     `json:"block_number,omitempty"`
	DepositTxHash  string     `json:"deposit_tx_hash,omitempty"`
	ApprovalTxHash string     `json:"approval_tx_hash,omitempty"`
	Fee            uint32     `json:"fee,omitempty"`
	Offramped      bool       `json:"offramped,omitempty"`
	OfframpedAt    *time.Time `json:"offramped_at,omitempty"`
	PayoutID       string     `json:"payout_id,omitempty"`
}

// Value implements driver.Valuer
func (m RecordMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *RecordMetadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = RecordMetadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
}

// TransactionRecord is one meaningful on-chain event or swap attempt
type TransactionRecord struct {
	ID              uuid.UUID            `json:"id" db:"id"`
	TransactionHash *string              `json:"transaction_hash,omitempty" db:"transaction_hash"`
	UserAddress     string               `json:"user_address" db:"user_address"`
	Operation       TransactionOperation `json:"operation" db:"operation"`
	FromToken       string               `json:"from_token" db:"from_token"`
	ToToken         string               `json:"to_token" db:"to_token"`
	AmountIn        decimal.Decimal      `json:"amount_in" db:"amount_in"`
	AmountOut       decimal.NullDecimal  `json:"amount_out" db:"amount_out"`
	Status          TransactionStatus    `json:"status" db:"status"`
	Error           *string              `json:"error,omitempty" db:"error"`
	GasCost         decimal.NullDecimal  `json:"gas_cost" db:"gas_cost"`
	Timestamp       time.Time            `json:"timestamp" db:"timestamp"`
	Metadata        RecordMetadata       `json:"metadata" db:"metadata"`
}

// Hash returns the transaction hash or an empty string
func (r *TransactionRecord) Hash() string {
	if r.TransactionHash == nil {
		return ""
	}
	return *r.TransactionHash
}

// IsPaidOut reports whether the record was already flagged by a payout
func (r *TransactionRecord) IsPaidOut() bool {
	return r.Metadata.Offramped
}

// DepositVerification is the outcome of checking one transaction against the custodial wallet
type DepositVerification struct {
	TransactionHash string          `json:"transaction_hash"`
	UserAddress     string          `json:"user_address"`
	Amount          decimal.Decimal `json:"amount"`
	BlockNumber     uint64          `json:"block_number"`
	Timestamp       time.Time       `json:"timestamp"`
	Verified        bool            `json:"verified"`
}

// DepositOutcome tells what ProcessDeposit did with a verification
type DepositOutcome string

const (
	DepositOutcomeAlreadyProcessed DepositOutcome = "already_processed"
	DepositOutcomeMatched          DepositOutcome = "matched"
	DepositOutcomeUntracked        DepositOutcome = "untracked"
)

// DepositResult is returned by the deposit tracker after recording a verification
type DepositResult struct {
	Outcome      DepositOutcome       `json:"outcome"`
	Record       *TransactionRecord   `json:"record,omitempty"`
	Verification *DepositVerification `json:"verification"`
}

// Created reports whether the result produced a new ledger-affecting record
func (r *DepositResult) Created() bool {
	return r.Outcome == DepositOutcomeMatched || r.Outcome == DepositOutcomeUntracked
}
