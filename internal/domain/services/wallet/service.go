package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
)

const nativeDecimals = 18

// ChainReader is the read side of the resilient chain client
type ChainReader interface {
	Name() string
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// SnapshotRepository persists wallet balance snapshots
type SnapshotRepository interface {
	CreateBatch(ctx context.Context, snapshots []entities.WalletBalanceSnapshot) error
	ListLatest(ctx context.Context, address, chain string) ([]*entities.WalletBalanceSnapshot, error)
}

// Service reads point-in-time wallet balances. The ledger stays authoritative for
// what a user may withdraw; these reads are for display and reconciliation.
type Service struct {
	chain     ChainReader
	tokens    []entities.Token
	snapshots SnapshotRepository
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(reader ChainReader, tokens []entities.Token, snapshots SnapshotRepository, logger *zap.Logger) *Service {
	return &Service{
		chain:     reader,
		tokens:    tokens,
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
	}
}

// GetWalletSummary reads the native balance and every configured token balance of address
func (s *Service) GetWalletSummary(ctx context.Context, address string) (*entities.WalletSummary, error) {
	if !common.IsHexAddress(address) {
		return nil, domainerrors.ValidationError("address", "invalid address")
	}
	owner := common.HexToAddress(address)

	summary := &entities.WalletSummary{
		Address: strings.ToLower(owner.Hex()),
		Chain:   s.chain.Name(),
		Tokens:  make([]entities.TokenBalance, len(s.tokens)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		head, err := s.chain.BlockNumber(gctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		summary.BlockNumber = head
		return nil
	})
	g.Go(func() error {
		wei, err := s.chain.BalanceAt(gctx, owner)
		if err != nil {
			return fmt.Errorf("get native balance: %w", err)
		}
		summary.NativeBalance = chain.FromBaseUnits(wei, nativeDecimals)
		return nil
	})
	for i, token := range s.tokens {
		i, token := i, token
		g.Go(func() error {
			raw, err := s.chain.TokenBalance(gctx, common.HexToAddress(token.Address), owner)
			if err != nil {
				return fmt.Errorf("get %s balance: %w", token.Symbol, err)
			}
			summary.Tokens[i] = entities.TokenBalance{
				Symbol:   token.Symbol,
				Address:  token.Address,
				Decimals: token.Decimals,
				Balance:  chain.FromBaseUnits(raw, token.Decimals),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.Timestamp = s.now().UTC()
	return summary, nil
}

// Snapshot reads the wallet summary and persists one snapshot row per balance
func (s *Service) Snapshot(ctx context.Context, address string) (*entities.WalletSummary, error) {
	summary, err := s.GetWalletSummary(ctx, address)
	if err != nil {
		return nil, err
	}

	rows := summary.Snapshots()
	if err := s.snapshots.CreateBatch(ctx, rows); err != nil {
		return nil, fmt.Errorf("store wallet snapshot: %w", err)
	}

	s.logger.Info("Wallet snapshot stored",
		zap.String("address", summary.Address),
		zap.String("chain", summary.Chain),
		zap.Uint64("block_number", summary.BlockNumber),
		zap.Int("rows", len(rows)))
	return summary, nil
}

// LatestSnapshots returns the most recent snapshot row of every token of address
func (s *Service) LatestSnapshots(ctx context.Context, address string) ([]*entities.WalletBalanceSnapshot, error) {
	if !common.IsHexAddress(address) {
		return nil, domainerrors.ValidationError("address", "invalid address")
	}
	rows, err := s.snapshots.ListLatest(ctx, strings.ToLower(address), s.chain.Name())
	if err != nil {
		return nil, fmt.Errorf("list wallet snapshots: %w", err)
	}
	return rows, nil
}
