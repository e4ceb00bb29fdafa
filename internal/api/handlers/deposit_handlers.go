package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/domain/services/deposit"
)

// DepositService is the deposit verifier and tracker
type DepositService interface {
	VerifyDeposit(ctx context.Context, txHash string) (*entities.DepositVerification, error)
	VerifyAndProcess(ctx context.Context, txHash string) (*entities.DepositResult, error)
	TrackDeposit(ctx context.Context, userAddress string, expectedAmount decimal.Decimal, trackingID string) (*entities.TransactionRecord, error)
	ConfirmDeposit(ctx context.Context, recordID uuid.UUID, txHash, caller string) (*entities.DepositResult, error)
	GetRecentDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]*entities.DepositVerification, error)
	Backfill(ctx context.Context, fromBlock, toBlock uint64) (*deposit.BackfillResult, error)
}

// DepositHandlers serves deposit verification and tracking
type DepositHandlers struct {
	service DepositService
	logger  *zap.Logger
}

// NewDepositHandlers creates new deposit handlers
func NewDepositHandlers(service DepositService, logger *zap.Logger) *DepositHandlers {
	return &DepositHandlers{service: service, logger: logger}
}

// TrackDepositRequest reserves a tracking id before funds are sent
type TrackDepositRequest struct {
	UserAddress string          `json:"user_address" validate:"required,eth_addr"`
	Amount      decimal.Decimal `json:"amount" validate:"dpositive"`
	TrackingID  string          `json:"tracking_id,omitempty" validate:"omitempty,max=64"`
}

// ConfirmDepositRequest attaches a transaction hash to a tracking record
type ConfirmDepositRequest struct {
	TransactionHash string `json:"transaction_hash" validate:"required"`
	UserAddress     string `json:"user_address" validate:"required,eth_addr"`
}

// RecordDepositRequest verifies and records a deposit by hash
type RecordDepositRequest struct {
	TransactionHash string `json:"transaction_hash" validate:"required"`
}

// BackfillRequest records every deposit in a block range
type BackfillRequest struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
}

// VerifyDeposit handles GET /api/v1/deposits/:txHash
func (h *DepositHandlers) VerifyDeposit(c *gin.Context) {
	v, err := h.service.VerifyDeposit(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	if v == nil {
		respondError(c, http.StatusNotFound, "DEPOSIT_NOT_FOUND", "No deposit to the custodial wallet in this transaction", nil)
		return
	}
	c.JSON(http.StatusOK, v)
}

// RecordDeposit handles POST /api/v1/deposits
func (h *DepositHandlers) RecordDeposit(c *gin.Context) {
	var req RecordDepositRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.VerifyAndProcess(c.Request.Context(), req.TransactionHash)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.Created() {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// TrackDeposit handles POST /api/v1/deposits/track
func (h *DepositHandlers) TrackDeposit(c *gin.Context) {
	var req TrackDepositRequest
	if !bindJSON(c, &req) {
		return
	}

	record, err := h.service.TrackDeposit(c.Request.Context(), req.UserAddress, req.Amount, req.TrackingID)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// ConfirmDeposit handles POST /api/v1/deposits/track/:id/confirm
func (h *DepositHandlers) ConfirmDeposit(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "Invalid record id", err)
		return
	}

	var req ConfirmDepositRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.ConfirmDeposit(c.Request.Context(), recordID, req.TransactionHash, req.UserAddress)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RecentDeposits handles GET /api/v1/deposits?from_block=&to_block=
func (h *DepositHandlers) RecentDeposits(c *gin.Context) {
	from, err := queryUint64(c, "from_block")
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}
	to, err := queryUint64(c, "to_block")
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	deposits, err := h.service.GetRecentDeposits(c.Request.Context(), from, to)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	if deposits == nil {
		deposits = []*entities.DepositVerification{}
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits, "count": len(deposits)})
}

// Backfill handles POST /api/v1/admin/deposits/backfill
func (h *DepositHandlers) Backfill(c *gin.Context) {
	var req BackfillRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Backfill(c.Request.Context(), req.FromBlock, req.ToBlock)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	h.logger.Info("Manual backfill finished",
		zap.Uint64("from_block", result.FromBlock),
		zap.Uint64("to_block", result.ToBlock),
		zap.Int("recorded", result.Recorded))
	c.JSON(http.StatusOK, result)
}
