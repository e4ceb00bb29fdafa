package entities

import (
	"github.com/shopspring/decimal"
)

// StepState represents the state of one pipeline step
type StepState string

const (
	StepStatePending StepState = "pending"
	StepStateSuccess StepState = "success"
	StepStateError   StepState = "error"
	StepStateSkipped StepState = "skipped"
)

// Bridge step names, in execution order
const (
	BridgeStepApprove     = "approve"
	BridgeStepBurn        = "burn"
	BridgeStepAttestation = "attestation"
	BridgeStepMint        = "mint"
)

// BridgeRequest asks the bridge collaborator to move USDC between chains
type BridgeRequest struct {
	SourceChain string          `json:"source_chain"`
	DestChain   string          `json:"dest_chain"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   string          `json:"recipient"`
}

// BridgeStep is one named step of a bridge transfer
type BridgeStep struct {
	Name        string    `json:"name"`
	State       StepState `json:"state"`
	TxHash      string    `json:"tx_hash,omitempty"`
	ExplorerURL string    `json:"explorer_url,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// BridgeResult holds every attempted step and a top-level state. Amount is what was
// burned; AmountReceived is what the mint delivered after the transfer fee.
type BridgeResult struct {
	State          StepState       `json:"state"`
	SourceChain    string          `json:"source_chain"`
	DestChain      string          `json:"dest_chain"`
	Amount         decimal.Decimal `json:"amount"`
	AmountReceived decimal.Decimal `json:"amount_received"`
	Steps          []BridgeStep    `json:"steps"`
	Error          string          `json:"error,omitempty"`
}

// Succeeded reports whether the whole transfer completed
func (r *BridgeResult) Succeeded() bool {
	return r != nil && r.State == StepStateSuccess
}

// Received returns the amount available on the destination chain
func (r *BridgeResult) Received() decimal.Decimal {
	if r.AmountReceived.IsPositive() {
		return r.AmountReceived
	}
	return r.Amount
}

// Step returns the named step, if present
func (r *BridgeResult) Step(name string) (BridgeStep, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return BridgeStep{}, false
}
