package entities

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerOperation represents the event type of a balance ledger entry
type LedgerOperation string

const (
	LedgerOperationDeposit LedgerOperation = "deposit"
	LedgerOperationSwap    LedgerOperation = "swap"
	LedgerOperationBridge  LedgerOperation = "bridge"
	LedgerOperationOfframp LedgerOperation = "offramp"
)

// Validate checks if the operation is known
func (o LedgerOperation) Validate() error {
	switch o {
	case LedgerOperationDeposit, LedgerOperationSwap, LedgerOperationBridge, LedgerOperationOfframp:
		return nil
	default:
		return fmt.Errorf("invalid ledger operation: %s", o)
	}
}

// Apply returns the balance after applying amount to previous.
// deposit, swap and bridge add the signed amount, offramp subtracts it.
func (o LedgerOperation) Apply(previous, amount decimal.Decimal) decimal.Decimal {
	if o == LedgerOperationOfframp {
		return previous.Sub(amount)
	}
	return previous.Add(amount)
}

// LedgerKey identifies one running balance
type LedgerKey struct {
	UserAddress string `json:"user_address" db:"user_address"`
	Chain       string `json:"chain" db:"chain"`
	Token       string `json:"token" db:"token"`
}

func (k LedgerKey) String() string {
	return k.UserAddress + "/" + k.Chain + "/" + k.Token
}

// Validate checks that every part of the key is set
func (k LedgerKey) Validate() error {
	if k.UserAddress == "" {
		return fmt.Errorf("user address is required")
	}
	if k.Chain == "" {
		return fmt.Errorf("chain is required")
	}
	if k.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// LedgerEntry is an append-only row of the user balance ledger
type LedgerEntry struct {
	ID              int64           `json:"id" db:"id"`
	UserAddress     string          `json:"user_address" db:"user_address"`
	Chain           string          `json:"chain" db:"chain"`
	Token           string          `json:"token" db:"token"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Operation       LedgerOperation `json:"operation" db:"operation"`
	TransactionHash string          `json:"transaction_hash" db:"transaction_hash"`
	BalanceAfter    decimal.Decimal `json:"balance_after" db:"balance_after"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// Key returns the running balance this entry belongs to
func (e *LedgerEntry) Key() LedgerKey {
	return LedgerKey{UserAddress: e.UserAddress, Chain: e.Chain, Token: e.Token}
}

// AppendRequest describes one balance change
type AppendRequest struct {
	UserAddress     string
	Chain           string
	Token           string
	Amount          decimal.Decimal
	Operation       LedgerOperation
	TransactionHash string
}

// Key returns the running balance the request targets
func (r AppendRequest) Key() LedgerKey {
	return LedgerKey{UserAddress: r.UserAddress, Chain: r.Chain, Token: r.Token}
}

// Validate checks the request before it is appended
func (r AppendRequest) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if err := r.Operation.Validate(); err != nil {
		return err
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("amount must be non-zero")
	}
	if r.Operation == LedgerOperationOfframp && r.Amount.IsNegative() {
		return fmt.Errorf("offramp amount must be positive")
	}
	return nil
}

// Balance is the latest snapshot of one running balance
type Balance struct {
	LedgerKey
	Balance   decimal.Decimal `json:"balance" db:"balance_after"`
	UpdatedAt time.Time       `json:"updated_at" db:"timestamp"`
}
