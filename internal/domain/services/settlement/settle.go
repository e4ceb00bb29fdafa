package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rail-service/settlement_service/internal/adapters/payout"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/services/ledger"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

var oneDecimal = decimal.NewFromInt(1)

var settlementSteps = []string{
	entities.SettlementStepSwap,
	entities.SettlementStepBridge,
	entities.SettlementStepTransfer,
	entities.SettlementStepRateLookup,
	entities.SettlementStepPayout,
}

// Settle swaps, bridges and pays out part of a user's ledger balance as fiat. Steps run
// strictly in order since each one's output amount feeds the next. Request errors are
// returned before anything runs; once a step has run, failures are reported in the result
// together with every completed step's hash and nothing is rolled back.
func (s *Service) Settle(ctx context.Context, req entities.SettlementRequest) (*entities.SettlementResult, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.settle")
	defer span.End()

	req.UserAddress = normalize(req.UserAddress)
	if err := validateSettlement(req); err != nil {
		return nil, err
	}

	token, err := s.swapper.Token(req.Token)
	if err != nil {
		return nil, err
	}
	bridgeToken, err := s.swapper.Token(s.config.BridgeToken)
	if err != nil {
		return nil, err
	}

	source := s.swapper.Chain()
	dest := strings.ToLower(req.DestChain)
	if dest == "" {
		dest = source
	}
	settleChain, ok := s.chains[dest]
	if !ok {
		return nil, domainerrors.UnknownChainError(req.DestChain)
	}
	if dest != source && !s.bridge.Supports(dest) {
		return nil, domainerrors.UnknownChainError(req.DestChain)
	}

	unlock := s.lockUser(req.UserAddress)
	defer unlock()

	var record *entities.TransactionRecord
	if req.TrackingID != "" {
		if record, err = s.trackedRecord(ctx, req.UserAddress, req.TrackingID); err != nil {
			return nil, err
		}
	}

	balance, err := s.ledger.GetBalance(ctx, req.UserAddress, source, token.Symbol)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance.LessThan(req.Amount) {
		return nil, domainerrors.InsufficientBalanceError(token.Symbol, balance.String(), req.Amount.String())
	}

	span.SetAttributes(
		attribute.String("user_address", req.UserAddress),
		attribute.String("tracking_id", req.TrackingID),
		attribute.String("dest_chain", dest))
	s.logger.Info("Settlement started",
		"user_address", req.UserAddress,
		"tracking_id", req.TrackingID,
		"token", token.Symbol,
		"amount", req.Amount.String(),
		"dest_chain", dest,
		"currency", req.Currency)

	result := &entities.SettlementResult{TrackingID: req.TrackingID}
	amount := req.Amount
	settleHash := ""

	// swap into the bridge token
	err = s.runStep(ctx, result, entities.SettlementStepSwap, func(ctx context.Context) (entities.SettlementStep, error) {
		if strings.EqualFold(token.Symbol, bridgeToken.Symbol) {
			return entities.SettlementStep{State: entities.StepStateSkipped, Amount: amount}, nil
		}
		swap := s.swapper.ExecuteSwap(ctx, entities.SwapRequest{
			TokenIn:           token.Symbol,
			TokenOut:          bridgeToken.Symbol,
			AmountIn:          amount,
			SlippageTolerance: req.SlippageTolerance,
		})
		result.Swap = swap
		step := entities.SettlementStep{TxHash: swap.TxHash, ExplorerURL: swap.ExplorerURL, Amount: swap.AmountOut}
		if !swap.Success {
			return step, errors.New(swap.Error)
		}
		if _, err := s.recordSwap(ctx, req.UserAddress, entities.OperationSwap, swap, entities.RecordMetadata{TrackingID: req.TrackingID}); err != nil {
			return step, err
		}
		amount = swap.AmountOut
		return step, nil
	})
	if err != nil {
		return s.finish(result), nil
	}

	// bridge to the settlement chain
	err = s.runStep(ctx, result, entities.SettlementStepBridge, func(ctx context.Context) (entities.SettlementStep, error) {
		if dest == source {
			return entities.SettlementStep{State: entities.StepStateSkipped, Amount: amount}, nil
		}
		br := s.bridge.Transfer(ctx, entities.BridgeRequest{SourceChain: source, DestChain: dest, Amount: amount})
		result.Bridge = br
		if !br.Succeeded() {
			return bridgeStep(br, amount), errors.New(br.Error)
		}
		// the transfer fee is withheld from the mint
		amount = br.Received()
		return bridgeStep(br, amount), s.recordBridge(ctx, req.UserAddress, bridgeToken.Symbol, br, req.TrackingID)
	})
	if err != nil {
		return s.finish(result), nil
	}

	// hand the funds to the payout rail
	err = s.runStep(ctx, result, entities.SettlementStepTransfer, func(ctx context.Context) (entities.SettlementStep, error) {
		call, err := chain.TransferCall(settleChain.USDC, s.config.SettlementWallet, chain.ToBaseUnits(amount, bridgeToken.Decimals))
		if err != nil {
			return entities.SettlementStep{Amount: amount}, err
		}
		receipt, err := settleChain.Writer.Transact(ctx, s.signer, call)
		if err != nil {
			return entities.SettlementStep{Amount: amount}, fmt.Errorf("transfer to settlement wallet: %w", err)
		}
		settleHash = receipt.TxHash
		return entities.SettlementStep{TxHash: receipt.TxHash, ExplorerURL: settleChain.Writer.TxURL(receipt.TxHash), Amount: amount}, nil
	})
	if err != nil {
		return s.finish(result), nil
	}

	var rate *payout.ExchangeRateResponse
	err = s.runStep(ctx, result, entities.SettlementStepRateLookup, func(ctx context.Context) (entities.SettlementStep, error) {
		rate, err = s.payouts.GetExchangeRate(ctx, req.Currency)
		if err != nil {
			return entities.SettlementStep{}, err
		}
		return entities.SettlementStep{Amount: amount.Mul(rate.Rate).RoundDown(s.config.FiatPrecision)}, nil
	})
	if err != nil {
		return s.finish(result), nil
	}

	_ = s.runStep(ctx, result, entities.SettlementStepPayout, func(ctx context.Context) (entities.SettlementStep, error) {
		fiat := amount.Mul(rate.Rate).RoundDown(s.config.FiatPrecision)
		step := entities.SettlementStep{TxHash: settleHash, Amount: fiat}

		pay, err := s.payouts.Pay(ctx, req.Currency, payout.PayRequest{
			TransactionHash: settleHash,
			Amount:          amount,
			Shortcode:       req.Shortcode,
			MobileNetwork:   req.MobileNetwork,
			Chain:           dest,
		})
		if err != nil {
			return step, err
		}

		now := s.now().UTC()
		offramp := &entities.OfframpTransaction{
			ID:               uuid.New(),
			UserAddress:      req.UserAddress,
			PayoutID:         pay.ID,
			Chain:            dest,
			Token:            bridgeToken.Symbol,
			Amount:           amount,
			Currency:         strings.ToUpper(req.Currency),
			Rate:             rate.Rate,
			FiatAmount:       fiat,
			Shortcode:        req.Shortcode,
			MobileNetwork:    req.MobileNetwork,
			SettlementTxHash: settleHash,
			Status:           entities.OfframpStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if req.TrackingID != "" {
			trackingID := req.TrackingID
			offramp.TrackingID = &trackingID
		}
		result.Offramp = offramp

		return step, s.recordPayout(ctx, offramp, record)
	})

	return s.finish(result), nil
}

func validateSettlement(req entities.SettlementRequest) error {
	switch {
	case !common.IsHexAddress(req.UserAddress):
		return domainerrors.ValidationError("user_address", "invalid address")
	case req.Token == "":
		return domainerrors.ValidationError("token", "token is required")
	case !req.Amount.IsPositive():
		return domainerrors.ValidationError("amount", "amount must be positive")
	case req.SlippageTolerance.IsNegative() || req.SlippageTolerance.GreaterThanOrEqual(oneDecimal):
		return domainerrors.ValidationError("slippage_tolerance", "slippage tolerance must be in [0, 1)")
	case req.Currency == "":
		return domainerrors.ValidationError("currency", "currency is required")
	case req.Shortcode == "":
		return domainerrors.ValidationError("shortcode", "shortcode is required")
	case req.MobileNetwork == "":
		return domainerrors.ValidationError("mobile_network", "mobile network is required")
	}
	return nil
}

// trackedRecord loads the deposit a settlement pays out and checks it may still be paid out
func (s *Service) trackedRecord(ctx context.Context, user, trackingID string) (*entities.TransactionRecord, error) {
	record, err := s.records.GetByTrackingID(ctx, trackingID)
	if err != nil {
		return nil, fmt.Errorf("get record by tracking id: %w", err)
	}
	if record == nil {
		return nil, domainerrors.TrackingIDNotFoundError(trackingID)
	}
	if normalize(record.UserAddress) != user {
		return nil, domainerrors.RecordOwnershipError(record.ID.String(), user)
	}
	if record.Status != entities.TransactionStatusSuccess {
		return nil, domainerrors.DepositNotVerifiedError(trackingID)
	}
	if record.IsPaidOut() {
		return nil, domainerrors.AlreadyPaidOutError(trackingID)
	}
	return record, nil
}

// recordPayout debits the ledger, persists the offramp and flags the tracked record.
// Each step is attempted even when an earlier one fails.
func (s *Service) recordPayout(ctx context.Context, offramp *entities.OfframpTransaction, record *entities.TransactionRecord) error {
	var errs []error
	if _, err := s.ledger.Append(ctx, ledger.OfframpDebit(offramp.UserAddress, offramp.Chain, offramp.Token, offramp.Amount, offramp.SettlementTxHash)); err != nil {
		s.logger.Error("Payout requested but ledger debit failed", "payout_id", offramp.PayoutID, "error", err)
		errs = append(errs, fmt.Errorf("payout %s requested but ledger debit failed: %w", offramp.PayoutID, err))
	}

	if err := s.offramps.Create(ctx, offramp); err != nil {
		s.logger.Error("Payout requested but not persisted", "payout_id", offramp.PayoutID, "error", err)
		errs = append(errs, fmt.Errorf("payout %s requested but not persisted: %w", offramp.PayoutID, err))
	}

	if record != nil {
		marked, err := s.records.MarkOfframped(ctx, record.ID, offramp.PayoutID, offramp.CreatedAt)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mark record %s paid out: %w", record.ID, err))
		case !marked:
			s.logger.Warn("Tracked record was already paid out", "record_id", record.ID.String(), "payout_id", offramp.PayoutID)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("Payout requested",
		"payout_id", offramp.PayoutID,
		"user_address", offramp.UserAddress,
		"amount", offramp.Amount.String(),
		"fiat_amount", offramp.FiatAmount.String(),
		"currency", offramp.Currency)
	return nil
}

// runStep runs one pipeline step under its own span and appends its outcome to result
func (s *Service) runStep(ctx context.Context, result *entities.SettlementResult, name string, fn func(ctx context.Context) (entities.SettlementStep, error)) error {
	ctx, span := s.tracer.Start(ctx, "settlement."+name)
	defer span.End()

	step, err := fn(ctx)
	step.Name = name
	if err != nil {
		step.State = entities.StepStateError
		step.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Settlement step failed",
			"step", name,
			"tracking_id", result.TrackingID,
			"tx_hash", step.TxHash,
			"error", err)
		result.Fail(name, err)
	} else if step.State == "" {
		step.State = entities.StepStateSuccess
	}
	span.SetAttributes(attribute.String("state", string(step.State)), attribute.String("tx_hash", step.TxHash))
	metrics.SettlementStepsTotal.WithLabelValues(name, string(step.State)).Inc()

	result.AddStep(step)
	return err
}

// finish lists the steps that never ran as pending and sets the overall outcome
func (s *Service) finish(result *entities.SettlementResult) *entities.SettlementResult {
	ran := make(map[string]bool, len(result.Steps))
	for _, st := range result.Steps {
		ran[st.Name] = true
	}
	for _, name := range settlementSteps {
		if !ran[name] {
			result.AddStep(entities.SettlementStep{Name: name, State: entities.StepStatePending})
		}
	}
	result.Success = result.FailedStep == ""

	if result.Success {
		s.logger.Info("Settlement complete", "tracking_id", result.TrackingID)
	} else {
		s.logger.Warn("Settlement stopped", "tracking_id", result.TrackingID, "failed_step", result.FailedStep, "error", result.Error)
	}
	return result
}

func bridgeStep(br *entities.BridgeResult, amount decimal.Decimal) entities.SettlementStep {
	step := entities.SettlementStep{Amount: amount}
	for _, name := range []string{entities.BridgeStepMint, entities.BridgeStepBurn} {
		if bs, ok := br.Step(name); ok && bs.TxHash != "" {
			step.TxHash = bs.TxHash
			step.ExplorerURL = bs.ExplorerURL
			break
		}
	}
	return step
}
