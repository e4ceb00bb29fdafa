package payout

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

// ExchangeRateRequest asks for the current selling rate of a fiat currency
type ExchangeRateRequest struct {
	Currency string `json:"currency"`
}

// ExchangeRateResponse carries the selling rate in fiat per USDC
type ExchangeRateResponse struct {
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
}

// PayRequest instructs a mobile money payout funded by an on-chain transfer
type PayRequest struct {
	TransactionHash string          `json:"transactionHash"`
	Amount          decimal.Decimal `json:"amount"`
	Shortcode       string          `json:"shortcode"`
	MobileNetwork   string          `json:"mobileNetwork"`
	Chain           string          `json:"chain"`
	CallbackURL     string          `json:"callbackUrl,omitempty"`
}

// PayResponse identifies the payout the provider created
type PayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusCallback is the body the provider posts to the callback URL
type StatusCallback struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StatusUpdate maps the provider status onto the offramp status set.
// Unrecognised statuses map to pending and are rejected as non-terminal downstream.
func (c StatusCallback) StatusUpdate() entities.PayoutStatusUpdate {
	status := entities.OfframpStatusPending
	switch strings.ToLower(c.Status) {
	case "success", "successful", "completed":
		status = entities.OfframpStatusSuccess
	case "failed", "failure", "rejected", "reversed":
		status = entities.OfframpStatusFailed
	}
	return entities.PayoutStatusUpdate{PayoutID: c.ID, Status: status, Reason: c.Reason}
}

// ErrorResponse represents a payout API error body
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}
