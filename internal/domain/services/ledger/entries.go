package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// DepositCredit credits a verified deposit
func DepositCredit(user, chain, token string, amount decimal.Decimal, txHash string) entities.AppendRequest {
	return entities.AppendRequest{
		UserAddress:     user,
		Chain:           chain,
		Token:           token,
		Amount:          amount,
		Operation:       entities.LedgerOperationDeposit,
		TransactionHash: txHash,
	}
}

// SwapEntries debits the input token and credits the output token on the same chain
func SwapEntries(user, chain, tokenIn, tokenOut string, amountIn, amountOut decimal.Decimal, txHash string) []entities.AppendRequest {
	return []entities.AppendRequest{
		{
			UserAddress:     user,
			Chain:           chain,
			Token:           tokenIn,
			Amount:          amountIn.Neg(),
			Operation:       entities.LedgerOperationSwap,
			TransactionHash: txHash,
		},
		{
			UserAddress:     user,
			Chain:           chain,
			Token:           tokenOut,
			Amount:          amountOut,
			Operation:       entities.LedgerOperationSwap,
			TransactionHash: txHash,
		},
	}
}

// BridgeEntries debits what was burned on the source chain and credits what was minted
// on the destination chain
func BridgeEntries(user, token, sourceChain, destChain string, sent, received decimal.Decimal, sourceTxHash, destTxHash string) []entities.AppendRequest {
	return []entities.AppendRequest{
		{
			UserAddress:     user,
			Chain:           sourceChain,
			Token:           token,
			Amount:          sent.Neg(),
			Operation:       entities.LedgerOperationBridge,
			TransactionHash: sourceTxHash,
		},
		{
			UserAddress:     user,
			Chain:           destChain,
			Token:           token,
			Amount:          received,
			Operation:       entities.LedgerOperationBridge,
			TransactionHash: destTxHash,
		},
	}
}

// OfframpDebit debits a fiat payout
func OfframpDebit(user, chain, token string, amount decimal.Decimal, txHash string) entities.AppendRequest {
	return entities.AppendRequest{
		UserAddress:     user,
		Chain:           chain,
		Token:           token,
		Amount:          amount,
		Operation:       entities.LedgerOperationOfframp,
		TransactionHash: txHash,
	}
}

// GetHistory returns the most recent entries for a key, newest first
func (s *Service) GetHistory(ctx context.Context, userAddress, chain, token string, limit int) ([]*entities.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	key := entities.LedgerKey{UserAddress: normalizeAddress(userAddress), Chain: chain, Token: token}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("validate key: %w", err)
	}

	entries, err := s.repo.ListEntries(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// GetUserBalances returns the latest balance of every (chain, token) the user has entries for
func (s *Service) GetUserBalances(ctx context.Context, userAddress string) ([]*entities.Balance, error) {
	balances, err := s.repo.ListLatestBalances(ctx, normalizeAddress(userAddress))
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}
