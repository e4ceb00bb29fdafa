package handlers

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

// LedgerReader exposes ledger balances and history
type LedgerReader interface {
	GetUserBalances(ctx context.Context, userAddress string) ([]*entities.Balance, error)
	GetHistory(ctx context.Context, userAddress, chain, token string, limit int) ([]*entities.LedgerEntry, error)
}

// WalletReader exposes on-chain wallet balances
type WalletReader interface {
	GetWalletSummary(ctx context.Context, address string) (*entities.WalletSummary, error)
	LatestSnapshots(ctx context.Context, address string) ([]*entities.WalletBalanceSnapshot, error)
}

// BalanceHandlers serves ledger and wallet balance queries
type BalanceHandlers struct {
	ledger LedgerReader
	wallet WalletReader
	logger *zap.Logger
}

// NewBalanceHandlers creates new balance handlers
func NewBalanceHandlers(ledger LedgerReader, wallet WalletReader, logger *zap.Logger) *BalanceHandlers {
	return &BalanceHandlers{ledger: ledger, wallet: wallet, logger: logger}
}

// GetBalances handles GET /api/v1/users/:address/balances
func (h *BalanceHandlers) GetBalances(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}

	balances, err := h.ledger.GetUserBalances(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	if balances == nil {
		balances = []*entities.Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"user_address": address, "balances": balances})
}

// GetHistory handles GET /api/v1/users/:address/history?chain=&token=&limit=
func (h *BalanceHandlers) GetHistory(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), address, c.Query("chain"), c.Query("token"), limit)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*entities.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"user_address": address, "entries": entries})
}

// GetWalletSummary handles GET /api/v1/wallets/:address
func (h *BalanceHandlers) GetWalletSummary(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}

	summary, err := h.wallet.GetWalletSummary(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetWalletSnapshots handles GET /api/v1/wallets/:address/snapshots
func (h *BalanceHandlers) GetWalletSnapshots(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}

	snapshots, err := h.wallet.LatestSnapshots(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	if snapshots == nil {
		snapshots = []*entities.WalletBalanceSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "snapshots": snapshots})
}

func addressParam(c *gin.Context) (string, bool) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		respondBadRequest(c, "Invalid address", nil)
		return "", false
	}
	return address, true
}
