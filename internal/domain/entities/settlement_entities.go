package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement step names, in execution order
const (
	SettlementStepSwap       = "swap"
	SettlementStepBridge     = "bridge"
	SettlementStepTransfer   = "settlement_transfer"
	SettlementStepRateLookup = "rate_lookup"
	SettlementStepPayout     = "payout"
)

// SettlementRequest asks the orchestrator to pay out a user's funds as fiat
type SettlementRequest struct {
	UserAddress       string          `json:"user_address"`
	TrackingID        string          `json:"tracking_id,omitempty"`
	Token             string          `json:"token"`
	Amount            decimal.Decimal `json:"amount"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
	DestChain         string          `json:"dest_chain"`
	Currency          string          `json:"currency"`
	Shortcode         string          `json:"shortcode"`
	MobileNetwork     string          `json:"mobile_network"`
}

// SettlementStep records the outcome of one pipeline step
type SettlementStep struct {
	Name        string          `json:"name"`
	State       StepState       `json:"state"`
	TxHash      string          `json:"tx_hash,omitempty"`
	ExplorerURL string          `json:"explorer_url,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Error       string          `json:"error,omitempty"`
}

// SettlementResult preserves every step, including the ones after a failure point
type SettlementResult struct {
	Success    bool                `json:"success"`
	Error      string              `json:"error,omitempty"`
	FailedStep string              `json:"failed_step,omitempty"`
	TrackingID string              `json:"tracking_id,omitempty"`
	Steps      []SettlementStep    `json:"steps"`
	Swap       *SwapResult         `json:"swap,omitempty"`
	Bridge     *BridgeResult       `json:"bridge,omitempty"`
	Offramp    *OfframpTransaction `json:"offramp,omitempty"`
}

// AddStep appends a step to the result
func (r *SettlementResult) AddStep(step SettlementStep) {
	r.Steps = append(r.Steps, step)
}

// Fail marks the result failed at the named step
func (r *SettlementResult) Fail(step string, err error) *SettlementResult {
	r.Success = false
	r.FailedStep = step
	r.Error = err.Error()
	return r
}

// OfframpStatus represents the payout state reported by the payout rail
type OfframpStatus string

const (
	OfframpStatusPending OfframpStatus = "pending"
	OfframpStatusSuccess OfframpStatus = "success"
	OfframpStatusFailed  OfframpStatus = "failed"
)

// IsTerminal returns true once the payout rail reported a final status
func (s OfframpStatus) IsTerminal() bool {
	return s == OfframpStatusSuccess || s == OfframpStatusFailed
}

// OfframpTransaction is a persisted fiat payout
type OfframpTransaction struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	UserAddress      string          `json:"user_address" db:"user_address"`
	TrackingID       *string         `json:"tracking_id,omitempty" db:"tracking_id"`
	PayoutID         string          `json:"payout_id" db:"payout_id"`
	Chain            string          `json:"chain" db:"chain"`
	Token            string          `json:"token" db:"token"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	Rate             decimal.Decimal `json:"rate" db:"rate"`
	FiatAmount       decimal.Decimal `json:"fiat_amount" db:"fiat_amount"`
	Shortcode        string          `json:"shortcode" db:"shortcode"`
	MobileNetwork    string          `json:"mobile_network" db:"mobile_network"`
	SettlementTxHash string          `json:"settlement_tx_hash" db:"settlement_tx_hash"`
	Status           OfframpStatus   `json:"status" db:"status"`
	ErrorMessage     *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// PayoutStatusUpdate is delivered by the payout rail webhook
type PayoutStatusUpdate struct {
	PayoutID string        `json:"payout_id"`
	Status   OfframpStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
}

// DepositAndSwapRequest verifies a deposit and immediately swaps part of it
type DepositAndSwapRequest struct {
	TransactionHash   string          `json:"transaction_hash"`
	UserAddress       string          `json:"user_address"`
	SwapAmount        decimal.Decimal `json:"swap_amount"`
	TokenOut          string          `json:"token_out"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
	TrackingID        string          `json:"tracking_id,omitempty"`
}

// DepositAndSwapResult bundles the recorded deposit with the swap outcome
type DepositAndSwapResult struct {
	Deposit *DepositResult     `json:"deposit"`
	Swap    *SwapResult        `json:"swap"`
	Record  *TransactionRecord `json:"record,omitempty"`
}
