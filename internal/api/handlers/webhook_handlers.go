package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/adapters/payout"
	"github.com/rail-service/settlement_service/internal/domain/entities"
)

const maxWebhookBody = 64 << 10

// PayoutStatusHandler applies payout rail callbacks
type PayoutStatusHandler interface {
	HandlePayoutStatus(ctx context.Context, update entities.PayoutStatusUpdate) (*entities.OfframpTransaction, error)
}

// WebhookHandlers receives signed callbacks from the payout rail
type WebhookHandlers struct {
	service PayoutStatusHandler
	secret  string
	logger  *zap.Logger
}

// NewWebhookHandlers creates new webhook handlers
func NewWebhookHandlers(service PayoutStatusHandler, secret string, logger *zap.Logger) *WebhookHandlers {
	return &WebhookHandlers{service: service, secret: secret, logger: logger}
}

// PayoutStatus handles POST /webhooks/payout
func (h *WebhookHandlers) PayoutStatus(c *gin.Context) {
	if h.secret == "" {
		h.logger.Error("Payout webhook secret not configured, rejecting callback")
		respondError(c, http.StatusUnauthorized, ErrCodeWebhookNotConfigured, "Webhook verification not configured", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		respondBadRequest(c, "Failed to read request body", err)
		return
	}

	if !payout.VerifySignature(h.secret, body, c.GetHeader(payout.SignatureHeader)) {
		h.logger.Warn("Invalid payout webhook signature",
			zap.String("request_id", getRequestID(c)),
			zap.String("client_ip", c.ClientIP()))
		respondError(c, http.StatusUnauthorized, ErrCodeInvalidSignature, "Invalid webhook signature", nil)
		return
	}

	var callback payout.StatusCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		respondBadRequest(c, MsgInvalidRequest, err)
		return
	}

	tx, err := h.service.HandlePayoutStatus(c.Request.Context(), callback.StatusUpdate())
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}

	h.logger.Info("Payout webhook applied",
		zap.String("payout_id", tx.PayoutID),
		zap.String("status", string(tx.Status)))
	c.JSON(http.StatusOK, gin.H{"payout_id": tx.PayoutID, "status": tx.Status})
}
