package entities

import (
	"github.com/shopspring/decimal"
)

// Token describes an ERC-20 token on one chain
type Token struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Address  string `json:"address" mapstructure:"address"`
	Decimals int32  `json:"decimals" mapstructure:"decimals"`
}

// Quote is a read-only swap price for an exact input amount.
// PriceImpact is |1 - amountOut/amountIn| * 100, an approximation that ignores the pool curve.
type Quote struct {
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	Fee         uint32          `json:"fee"`
	PoolAddress string          `json:"pool_address"`
	PriceImpact decimal.Decimal `json:"price_impact"`
}

// SwapRequest asks the swap engine for an exact-input swap
type SwapRequest struct {
	TokenIn           string          `json:"token_in" validate:"required"`
	TokenOut          string          `json:"token_out" validate:"required"`
	AmountIn          decimal.Decimal `json:"amount_in"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
}

// SwapResult is the structured outcome of a swap. Callers check Success.
type SwapResult struct {
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	TxHash           string          `json:"tx_hash,omitempty"`
	ApprovalTxHash   string          `json:"approval_tx_hash,omitempty"`
	TokenIn          string          `json:"token_in"`
	TokenOut         string          `json:"token_out"`
	AmountIn         decimal.Decimal `json:"amount_in"`
	AmountOut        decimal.Decimal `json:"amount_out"`
	AmountOutMinimum decimal.Decimal `json:"amount_out_minimum"`
	Fee              uint32          `json:"fee,omitempty"`
	GasUsed          uint64          `json:"gas_used,omitempty"`
	GasCost          decimal.Decimal `json:"gas_cost"`
	ExplorerURL      string          `json:"explorer_url,omitempty"`
}

// FailedSwap builds an unsuccessful result that keeps what is already known
func FailedSwap(req SwapRequest, err error) *SwapResult {
	return &SwapResult{
		Success:  false,
		Error:    err.Error(),
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		AmountIn: req.AmountIn,
	}
}
