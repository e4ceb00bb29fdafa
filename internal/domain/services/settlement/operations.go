package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/services/ledger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// Swap executes a swap on behalf of a user and moves their ledger balance with it.
// A failed swap is recorded and returned in the result, not as an error.
func (s *Service) Swap(ctx context.Context, userAddress string, req entities.SwapRequest) (*entities.SwapResult, error) {
	user := normalize(userAddress)
	if !common.IsHexAddress(user) {
		return nil, domainerrors.ValidationError("user_address", "invalid address")
	}
	if !req.AmountIn.IsPositive() {
		return nil, domainerrors.ValidationError("amount_in", "amount must be positive")
	}
	tokenIn, err := s.swapper.Token(req.TokenIn)
	if err != nil {
		return nil, err
	}

	unlock := s.lockUser(user)
	defer unlock()

	if err := s.requireBalance(ctx, user, s.swapper.Chain(), tokenIn.Symbol, req.AmountIn); err != nil {
		return nil, err
	}

	swap := s.swapper.ExecuteSwap(ctx, req)
	if _, err := s.recordSwap(ctx, user, entities.OperationSwap, swap, entities.RecordMetadata{}); err != nil {
		return swap, err
	}
	return swap, nil
}

// Bridge moves a user's bridge-token balance to another chain
func (s *Service) Bridge(ctx context.Context, userAddress string, req entities.BridgeRequest) (*entities.BridgeResult, error) {
	user := normalize(userAddress)
	if !common.IsHexAddress(user) {
		return nil, domainerrors.ValidationError("user_address", "invalid address")
	}
	if !req.Amount.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "amount must be positive")
	}
	if req.SourceChain == "" {
		req.SourceChain = s.swapper.Chain()
	}
	req.SourceChain = strings.ToLower(req.SourceChain)
	req.DestChain = strings.ToLower(req.DestChain)
	if !s.bridge.Supports(req.SourceChain) {
		return nil, domainerrors.UnknownChainError(req.SourceChain)
	}
	if !s.bridge.Supports(req.DestChain) {
		return nil, domainerrors.UnknownChainError(req.DestChain)
	}

	unlock := s.lockUser(user)
	defer unlock()

	if err := s.requireBalance(ctx, user, req.SourceChain, s.config.BridgeToken, req.Amount); err != nil {
		return nil, err
	}

	br := s.bridge.Transfer(ctx, req)
	if !br.Succeeded() {
		s.logger.Warn("Bridge transfer failed", "user_address", user, "error", br.Error)
		return br, nil
	}
	return br, s.recordBridge(ctx, user, s.config.BridgeToken, br, "")
}

// DepositAndSwap verifies and records a deposit, then swaps part of it. The deposited amount
// and the user's ledger balance must both cover the swap amount, and a deposit can feed at
// most one successful swap.
func (s *Service) DepositAndSwap(ctx context.Context, req entities.DepositAndSwapRequest) (*entities.DepositAndSwapResult, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.deposit_and_swap")
	defer span.End()

	user := normalize(req.UserAddress)
	if !common.IsHexAddress(user) {
		return nil, domainerrors.ValidationError("user_address", "invalid address")
	}
	if !req.SwapAmount.IsPositive() {
		return nil, domainerrors.ValidationError("swap_amount", "amount must be positive")
	}
	if _, err := s.swapper.Token(req.TokenOut); err != nil {
		return nil, err
	}
	tokenIn, err := s.swapper.Token(s.config.DepositToken)
	if err != nil {
		return nil, err
	}

	unlock := s.lockDeposit(req.TransactionHash)
	defer unlock()
	unlockUser := s.lockUser(user)
	defer unlockUser()

	existing, err := s.records.GetSwapForDeposit(ctx, strings.ToLower(req.TransactionHash))
	if err != nil {
		return nil, fmt.Errorf("check deposit swap: %w", err)
	}
	if existing != nil {
		return nil, domainerrors.AlreadyProcessedError(req.TransactionHash)
	}

	dep, err := s.deposits.VerifyAndProcess(ctx, req.TransactionHash)
	if err != nil {
		return nil, err
	}
	v := dep.Verification
	if normalize(v.UserAddress) != user {
		return nil, domainerrors.RecordOwnershipError(v.TransactionHash, user)
	}
	if req.TrackingID != "" && (dep.Record == nil || dep.Record.Metadata.TrackingID != req.TrackingID) {
		return nil, domainerrors.TrackingIDNotFoundError(req.TrackingID)
	}
	if v.Amount.LessThan(req.SwapAmount) {
		return nil, domainerrors.DepositAmountMismatchError(v.Amount.String(), req.SwapAmount.String())
	}
	// the deposit credit may already have been spent by other operations
	if err := s.requireBalance(ctx, user, s.swapper.Chain(), tokenIn.Symbol, req.SwapAmount); err != nil {
		return nil, err
	}

	swap := s.swapper.ExecuteSwap(ctx, entities.SwapRequest{
		TokenIn:           tokenIn.Symbol,
		TokenOut:          req.TokenOut,
		AmountIn:          req.SwapAmount,
		SlippageTolerance: req.SlippageTolerance,
	})

	result := &entities.DepositAndSwapResult{Deposit: dep, Swap: swap}
	meta := entities.RecordMetadata{TrackingID: req.TrackingID, DepositTxHash: v.TransactionHash}
	record, err := s.recordSwap(ctx, user, entities.OperationDepositAndSwap, swap, meta)
	result.Record = record
	return result, err
}

// HandlePayoutStatus applies a terminal status reported by the payout rail. A payout
// never leaves a terminal status, and repeating the same update is a no-op.
func (s *Service) HandlePayoutStatus(ctx context.Context, update entities.PayoutStatusUpdate) (*entities.OfframpTransaction, error) {
	if update.PayoutID == "" {
		return nil, domainerrors.ValidationError("payout_id", "payout id is required")
	}
	if !update.Status.IsTerminal() {
		return nil, domainerrors.ValidationError("status", fmt.Sprintf("status %q is not terminal", update.Status))
	}

	tx, err := s.offramps.GetByPayoutID(ctx, update.PayoutID)
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	if tx == nil {
		return nil, domainerrors.NotFoundError("PAYOUT")
	}
	if tx.Status.IsTerminal() {
		return settledPayout(tx, update)
	}

	var reason *string
	if update.Reason != "" {
		reason = &update.Reason
	}
	updated, err := s.offramps.UpdateStatus(ctx, update.PayoutID, update.Status, reason)
	if err != nil {
		return nil, fmt.Errorf("update payout status: %w", err)
	}
	if !updated {
		// lost a race with another callback
		if tx, err = s.offramps.GetByPayoutID(ctx, update.PayoutID); err != nil {
			return nil, fmt.Errorf("get payout: %w", err)
		}
		return settledPayout(tx, update)
	}

	tx.Status = update.Status
	tx.ErrorMessage = reason
	tx.UpdatedAt = s.now().UTC()
	metrics.PayoutsTotal.WithLabelValues(string(update.Status)).Inc()

	if update.Status == entities.OfframpStatusFailed {
		s.logger.Warn("Payout failed, funds remain in the settlement wallet",
			"payout_id", tx.PayoutID,
			"user_address", tx.UserAddress,
			"amount", tx.Amount.String(),
			"settlement_tx_hash", tx.SettlementTxHash,
			"reason", update.Reason)
	} else {
		s.logger.Info("Payout completed", "payout_id", tx.PayoutID, "user_address", tx.UserAddress)
	}
	return tx, nil
}

func settledPayout(tx *entities.OfframpTransaction, update entities.PayoutStatusUpdate) (*entities.OfframpTransaction, error) {
	if tx.Status == update.Status {
		return tx, nil
	}
	return nil, domainerrors.ConflictError("PAYOUT", fmt.Sprintf("payout %s is already %s", tx.PayoutID, tx.Status))
}

func (s *Service) requireBalance(ctx context.Context, user, chainName, token string, amount decimal.Decimal) error {
	balance, err := s.ledger.GetBalance(ctx, user, chainName, token)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.LessThan(amount) {
		return domainerrors.InsufficientBalanceError(token, balance.String(), amount.String())
	}
	return nil
}

// recordSwap moves the ledger balance for a successful swap and stores the attempt. The
// ledger is updated even when the record cannot be stored.
func (s *Service) recordSwap(ctx context.Context, user string, op entities.TransactionOperation, swap *entities.SwapResult, meta entities.RecordMetadata) (*entities.TransactionRecord, error) {
	meta.Chain = s.swapper.Chain()
	meta.ApprovalTxHash = swap.ApprovalTxHash
	meta.Fee = swap.Fee

	record := &entities.TransactionRecord{
		ID:          uuid.New(),
		UserAddress: user,
		Operation:   op,
		FromToken:   swap.TokenIn,
		ToToken:     swap.TokenOut,
		AmountIn:    swap.AmountIn,
		Timestamp:   s.now().UTC(),
		Metadata:    meta,
	}

	var errs []error
	if swap.Success {
		hash := strings.ToLower(swap.TxHash)
		record.TransactionHash = &hash
		record.Status = entities.TransactionStatusSuccess
		record.AmountOut = decimal.NewNullDecimal(swap.AmountOut)
		record.GasCost = decimal.NewNullDecimal(swap.GasCost)

		entries := ledger.SwapEntries(user, meta.Chain, swap.TokenIn, swap.TokenOut, swap.AmountIn, swap.AmountOut, hash)
		if _, err := s.ledger.AppendAll(ctx, entries); err != nil {
			s.logger.Error("Swap executed but ledger update failed", "tx_hash", swap.TxHash, "error", err)
			errs = append(errs, fmt.Errorf("update ledger for swap: %w", err))
		}
	} else {
		msg := swap.Error
		record.Status = entities.TransactionStatusFailed
		record.Error = &msg
	}

	if err := s.records.Create(ctx, record); err != nil {
		s.logger.Error("Failed to record swap", "tx_hash", swap.TxHash, "error", err)
		errs = append(errs, fmt.Errorf("record swap: %w", err))
	}
	return record, errors.Join(errs...)
}

// recordBridge moves the balance between chains for a completed transfer and stores it.
// The source is debited what was burned and the destination credited what was minted.
func (s *Service) recordBridge(ctx context.Context, user, token string, br *entities.BridgeResult, trackingID string) error {
	burn, _ := br.Step(entities.BridgeStepBurn)
	mint, _ := br.Step(entities.BridgeStepMint)
	hash := strings.ToLower(burn.TxHash)
	received := br.Received()

	var errs []error
	entries := ledger.BridgeEntries(user, token, br.SourceChain, br.DestChain, br.Amount, received, hash, strings.ToLower(mint.TxHash))
	if _, err := s.ledger.AppendAll(ctx, entries); err != nil {
		s.logger.Error("Bridge completed but ledger update failed", "tx_hash", burn.TxHash, "error", err)
		errs = append(errs, fmt.Errorf("update ledger for bridge: %w", err))
	}

	record := &entities.TransactionRecord{
		ID:              uuid.New(),
		TransactionHash: &hash,
		UserAddress:     user,
		Operation:       entities.OperationBridge,
		FromToken:       token,
		ToToken:         token,
		AmountIn:        br.Amount,
		AmountOut:       decimal.NewNullDecimal(received),
		Status:          entities.TransactionStatusSuccess,
		Timestamp:       s.now().UTC(),
		Metadata:        entities.RecordMetadata{TrackingID: trackingID, Chain: br.SourceChain},
	}
	if err := s.records.Create(ctx, record); err != nil {
		s.logger.Error("Failed to record bridge transfer", "tx_hash", burn.TxHash, "error", err)
		errs = append(errs, fmt.Errorf("record bridge: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("Bridge transfer recorded",
		"user_address", user,
		"source_chain", br.SourceChain,
		"dest_chain", br.DestChain,
		"amount", br.Amount.String(),
		"amount_received", received.String(),
		"burn_tx_hash", burn.TxHash,
		"mint_tx_hash", mint.TxHash)
	return nil
}
