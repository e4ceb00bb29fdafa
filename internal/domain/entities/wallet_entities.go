package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TokenBalance is a point-in-time on-chain token balance
type TokenBalance struct {
	Symbol   string          `json:"symbol"`
	Address  string          `json:"address"`
	Decimals int32           `json:"decimals"`
	Balance  decimal.Decimal `json:"balance"`
}

// WalletSummary is a point-in-time read of a wallet's balances.
// It is not authoritative for withdrawals, the ledger is.
type WalletSummary struct {
	Address       string          `json:"address"`
	Chain         string          `json:"chain"`
	NativeBalance decimal.Decimal `json:"native_balance"`
	Tokens        []TokenBalance  `json:"tokens"`
	BlockNumber   uint64          `json:"block_number"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NativeSymbol is the token column used for native balance snapshots
const NativeSymbol = "NATIVE"

// WalletBalanceSnapshot is a persisted row of a wallet summary
type WalletBalanceSnapshot struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Address     string          `json:"address" db:"address"`
	Chain       string          `json:"chain" db:"chain"`
	Token       string          `json:"token" db:"token"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	BlockNumber int64           `json:"block_number" db:"block_number"`
	CapturedAt  time.Time       `json:"captured_at" db:"captured_at"`
}

// Snapshots flattens the summary into one row per balance
func (w *WalletSummary) Snapshots() []WalletBalanceSnapshot {
	rows := make([]WalletBalanceSnapshot, 0, len(w.Tokens)+1)
	rows = append(rows, WalletBalanceSnapshot{
		ID:          uuid.New(),
		Address:     w.Address,
		Chain:       w.Chain,
		Token:       NativeSymbol,
		Balance:     w.NativeBalance,
		BlockNumber: int64(w.BlockNumber),
		CapturedAt:  w.Timestamp,
	})
	for _, t := range w.Tokens {
		rows = append(rows, WalletBalanceSnapshot{
			ID:          uuid.New(),
			Address:     w.Address,
			Chain:       w.Chain,
			Token:       t.Symbol,
			Balance:     t.Balance,
			BlockNumber: int64(w.BlockNumber),
			CapturedAt:  w.Timestamp,
		})
	}
	return rows
}
