package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

// Quoter prices swaps without executing them
type Quoter interface {
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*entities.Quote, error)
}

// SettlementService runs user-facing swaps, bridges and payouts
type SettlementService interface {
	Swap(ctx context.Context, userAddress string, req entities.SwapRequest) (*entities.SwapResult, error)
	Bridge(ctx context.Context, userAddress string, req entities.BridgeRequest) (*entities.BridgeResult, error)
	Settle(ctx context.Context, req entities.SettlementRequest) (*entities.SettlementResult, error)
	DepositAndSwap(ctx context.Context, req entities.DepositAndSwapRequest) (*entities.DepositAndSwapResult, error)
}

// SettlementHandlers serves quotes, swaps, bridges and fiat settlement
type SettlementHandlers struct {
	quoter  Quoter
	service SettlementService
	logger  *zap.Logger
}

// NewSettlementHandlers creates new settlement handlers
func NewSettlementHandlers(quoter Quoter, service SettlementService, logger *zap.Logger) *SettlementHandlers {
	return &SettlementHandlers{quoter: quoter, service: service, logger: logger}
}

// SwapRequest is the body of POST /api/v1/swaps
type SwapRequest struct {
	UserAddress       string          `json:"user_address" validate:"required,eth_addr"`
	TokenIn           string          `json:"token_in" validate:"required"`
	TokenOut          string          `json:"token_out" validate:"required,nefield=TokenIn"`
	AmountIn          decimal.Decimal `json:"amount_in" validate:"dpositive"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance" validate:"slippage"`
}

// BridgeRequest is the body of POST /api/v1/bridges
type BridgeRequest struct {
	UserAddress string          `json:"user_address" validate:"required,eth_addr"`
	SourceChain string          `json:"source_chain,omitempty"`
	DestChain   string          `json:"dest_chain" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"dpositive"`
	Recipient   string          `json:"recipient,omitempty" validate:"omitempty,eth_addr"`
}

// SettleRequest is the body of POST /api/v1/settlements
type SettleRequest struct {
	UserAddress       string          `json:"user_address" validate:"required,eth_addr"`
	TrackingID        string          `json:"tracking_id,omitempty"`
	Token             string          `json:"token" validate:"required"`
	Amount            decimal.Decimal `json:"amount" validate:"dpositive"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance" validate:"slippage"`
	DestChain         string          `json:"dest_chain,omitempty"`
	Currency          string          `json:"currency" validate:"required,len=3"`
	Shortcode         string          `json:"shortcode" validate:"required"`
	MobileNetwork     string          `json:"mobile_network" validate:"required"`
}

// DepositAndSwapRequest is the body of POST /api/v1/deposits/swap
type DepositAndSwapRequest struct {
	TransactionHash   string          `json:"transaction_hash" validate:"required"`
	UserAddress       string          `json:"user_address" validate:"required,eth_addr"`
	SwapAmount        decimal.Decimal `json:"swap_amount" validate:"dpositive"`
	TokenOut          string          `json:"token_out" validate:"required"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance" validate:"slippage"`
	TrackingID        string          `json:"tracking_id,omitempty"`
}

// Quote handles GET /api/v1/quotes?token_in=&token_out=&amount_in=
func (h *SettlementHandlers) Quote(c *gin.Context) {
	amountIn, err := decimal.NewFromString(c.Query("amount_in"))
	if err != nil || !amountIn.IsPositive() {
		respondBadRequest(c, "amount_in must be a positive decimal", nil)
		return
	}
	tokenIn, tokenOut := c.Query("token_in"), c.Query("token_out")
	if tokenIn == "" || tokenOut == "" {
		respondBadRequest(c, "token_in and token_out are required", nil)
		return
	}

	quote, err := h.quoter.Quote(c.Request.Context(), tokenIn, tokenOut, amountIn)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// Swap handles POST /api/v1/swaps
func (h *SettlementHandlers) Swap(c *gin.Context) {
	var req SwapRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Swap(c.Request.Context(), req.UserAddress, entities.SwapRequest{
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		AmountIn:          req.AmountIn,
		SlippageTolerance: req.SlippageTolerance,
	})
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(outcomeStatus(result.Success), result)
}

// Bridge handles POST /api/v1/bridges
func (h *SettlementHandlers) Bridge(c *gin.Context) {
	var req BridgeRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Bridge(c.Request.Context(), req.UserAddress, entities.BridgeRequest{
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		Amount:      req.Amount,
		Recipient:   req.Recipient,
	})
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(outcomeStatus(result.Succeeded()), result)
}

// Settle handles POST /api/v1/settlements
func (h *SettlementHandlers) Settle(c *gin.Context) {
	var req SettleRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Settle(c.Request.Context(), entities.SettlementRequest{
		UserAddress:       req.UserAddress,
		TrackingID:        req.TrackingID,
		Token:             req.Token,
		Amount:            req.Amount,
		SlippageTolerance: req.SlippageTolerance,
		DestChain:         req.DestChain,
		Currency:          req.Currency,
		Shortcode:         req.Shortcode,
		MobileNetwork:     req.MobileNetwork,
	})
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	if !result.Success {
		h.logger.Warn("Settlement stopped",
			zap.String("request_id", getRequestID(c)),
			zap.String("user_address", req.UserAddress),
			zap.String("failed_step", result.FailedStep),
			zap.String("error", result.Error))
	}
	c.JSON(outcomeStatus(result.Success), result)
}

// DepositAndSwap handles POST /api/v1/deposits/swap
func (h *SettlementHandlers) DepositAndSwap(c *gin.Context) {
	var req DepositAndSwapRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.DepositAndSwap(c.Request.Context(), entities.DepositAndSwapRequest{
		TransactionHash:   req.TransactionHash,
		UserAddress:       req.UserAddress,
		SwapAmount:        req.SwapAmount,
		TokenOut:          req.TokenOut,
		SlippageTolerance: req.SlippageTolerance,
		TrackingID:        req.TrackingID,
	})
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(outcomeStatus(result.Swap.Success), result)
}

// outcomeStatus reports on-chain failures that were recorded as 422 with the full result body
func outcomeStatus(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}
