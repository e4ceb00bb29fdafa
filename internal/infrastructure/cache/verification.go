package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

const (
	verificationPrefix     = "deposit:verification:"
	defaultVerificationTTL = 10 * time.Minute
)

// VerificationCache keeps recent positive deposit verifications for a short time.
// Only verified deposits are cached; a miss always falls through to the chain.
type VerificationCache struct {
	client RedisClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewVerificationCache(client RedisClient, ttl time.Duration, logger *zap.Logger) *VerificationCache {
	if ttl <= 0 {
		ttl = defaultVerificationTTL
	}
	return &VerificationCache{client: client, ttl: ttl, logger: logger}
}

func verificationKey(txHash string) string {
	return verificationPrefix + strings.ToLower(txHash)
}

// GetVerification returns nil, nil on a miss
func (c *VerificationCache) GetVerification(ctx context.Context, txHash string) (*entities.DepositVerification, error) {
	var v entities.DepositVerification
	if err := c.client.Get(ctx, verificationKey(txHash), &v); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached verification: %w", err)
	}
	if !v.Verified {
		return nil, nil
	}
	return &v, nil
}

// SetVerification stores v if it is a positive verification
func (c *VerificationCache) SetVerification(ctx context.Context, v *entities.DepositVerification) error {
	if v == nil || !v.Verified {
		return nil
	}
	if err := c.client.Set(ctx, verificationKey(v.TransactionHash), v, c.ttl); err != nil {
		return fmt.Errorf("cache verification: %w", err)
	}
	c.logger.Debug("Cached deposit verification", zap.String("tx_hash", v.TransactionHash), zap.Duration("ttl", c.ttl))
	return nil
}
