package cctp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
)

// ChainClient is the chain access the bridge needs on each side of a transfer
type ChainClient interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Transact(ctx context.Context, signer *chain.Signer, call chain.Call) (*chain.Receipt, error)
	TxURL(txHash string) string
}

// Deployment describes the CCTP contracts on one chain
type Deployment struct {
	Chain              string
	Client             ChainClient
	Domain             uint32
	USDC               common.Address
	TokenMessenger     common.Address
	MessageTransmitter common.Address
}

// BridgeConfig controls attestation polling and the finality requested on burn
type BridgeConfig struct {
	PollInterval       time.Duration
	AttestationTimeout time.Duration
	FinalityThreshold  uint32
}

// Bridge moves USDC between chains with burn-and-mint
type Bridge struct {
	iris        AttestationClient
	signer      *chain.Signer
	deployments map[string]Deployment
	config      BridgeConfig
	logger      *zap.Logger
}

// NewBridge creates a CCTP bridge over the given deployments
func NewBridge(iris AttestationClient, signer *chain.Signer, deployments []Deployment, config BridgeConfig, logger *zap.Logger) *Bridge {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.AttestationTimeout <= 0 {
		config.AttestationTimeout = 30 * time.Minute
	}
	if config.FinalityThreshold == 0 {
		config.FinalityThreshold = FinalityThresholdStandard
	}

	byChain := make(map[string]Deployment, len(deployments))
	for _, d := range deployments {
		byChain[strings.ToLower(d.Chain)] = d
	}

	return &Bridge{
		iris:        iris,
		signer:      signer,
		deployments: byChain,
		config:      config,
		logger:      logger,
	}
}

// Supports reports whether a chain has a CCTP deployment configured
func (b *Bridge) Supports(chainName string) bool {
	_, ok := b.deployments[strings.ToLower(chainName)]
	return ok
}

// Transfer runs approve, burn, attestation and mint in order. Every attempted step is
// kept in the result, and a failure stops the sequence without undoing earlier steps.
func (b *Bridge) Transfer(ctx context.Context, req entities.BridgeRequest) *entities.BridgeResult {
	result := &entities.BridgeResult{
		State:       entities.StepStatePending,
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		Amount:      req.Amount,
	}

	src, dst, recipient, err := b.prepare(req)
	if err != nil {
		return b.fail(result, err)
	}
	amount := chain.ToBaseUnits(req.Amount, USDCDecimals)
	owner := b.signer.Address()

	// approve
	allowance, err := src.Client.Allowance(ctx, src.USDC, owner, src.TokenMessenger)
	if err != nil {
		return b.failStep(result, entities.BridgeStepApprove, fmt.Errorf("read allowance: %w", err))
	}
	if allowance.Cmp(amount) >= 0 {
		result.Steps = append(result.Steps, entities.BridgeStep{Name: entities.BridgeStepApprove, State: entities.StepStateSkipped})
	} else {
		call, err := chain.ApproveCall(src.USDC, src.TokenMessenger, amount)
		if err != nil {
			return b.failStep(result, entities.BridgeStepApprove, err)
		}
		receipt, err := src.Client.Transact(ctx, b.signer, call)
		if err != nil {
			return b.failStep(result, entities.BridgeStepApprove, err)
		}
		b.succeed(result, entities.BridgeStepApprove, src.Client, receipt.TxHash)
	}

	// burn
	fee := b.maxFee(ctx, src.Domain, dst.Domain, amount)
	call, err := depositForBurnCall(src.TokenMessenger, src.USDC, amount, dst.Domain, recipient, fee, b.config.FinalityThreshold)
	if err != nil {
		return b.failStep(result, entities.BridgeStepBurn, err)
	}
	burn, err := src.Client.Transact(ctx, b.signer, call)
	if err != nil {
		return b.failStep(result, entities.BridgeStepBurn, err)
	}
	b.succeed(result, entities.BridgeStepBurn, src.Client, burn.TxHash)

	// attestation
	msg, err := b.awaitAttestation(ctx, src.Domain, burn.TxHash)
	if err != nil {
		return b.failStep(result, entities.BridgeStepAttestation, err)
	}
	result.Steps = append(result.Steps, entities.BridgeStep{Name: entities.BridgeStepAttestation, State: entities.StepStateSuccess})

	// mint
	message, err := hexutil.Decode(msg.Message)
	if err != nil {
		return b.failStep(result, entities.BridgeStepMint, fmt.Errorf("decode message: %w", err))
	}
	attestation, err := hexutil.Decode(msg.Attestation)
	if err != nil {
		return b.failStep(result, entities.BridgeStepMint, fmt.Errorf("decode attestation: %w", err))
	}
	call, err = receiveMessageCall(dst.MessageTransmitter, message, attestation)
	if err != nil {
		return b.failStep(result, entities.BridgeStepMint, err)
	}
	mint, err := dst.Client.Transact(ctx, b.signer, call)
	if err != nil {
		return b.failStep(result, entities.BridgeStepMint, err)
	}
	b.succeed(result, entities.BridgeStepMint, dst.Client, mint.TxHash)
	result.AmountReceived = minted(mint, dst.USDC, recipient, amount, fee)

	result.State = entities.StepStateSuccess
	b.logger.Info("Bridge transfer complete",
		zap.String("source_chain", req.SourceChain),
		zap.String("dest_chain", req.DestChain),
		zap.String("amount", req.Amount.String()),
		zap.String("amount_received", result.AmountReceived.String()),
		zap.String("burn_tx_hash", burn.TxHash),
		zap.String("mint_tx_hash", mint.TxHash))
	return result
}

func (b *Bridge) prepare(req entities.BridgeRequest) (Deployment, Deployment, common.Address, error) {
	src, ok := b.deployments[strings.ToLower(req.SourceChain)]
	if !ok {
		return Deployment{}, Deployment{}, common.Address{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, req.SourceChain)
	}
	dst, ok := b.deployments[strings.ToLower(req.DestChain)]
	if !ok {
		return Deployment{}, Deployment{}, common.Address{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, req.DestChain)
	}
	if src.Domain == dst.Domain {
		return Deployment{}, Deployment{}, common.Address{}, domainerrors.ValidationError("dest_chain", "source and destination must differ")
	}
	if !req.Amount.IsPositive() {
		return Deployment{}, Deployment{}, common.Address{}, domainerrors.ValidationError("amount", "amount must be positive")
	}

	recipient := b.signer.Address()
	if req.Recipient != "" {
		if !common.IsHexAddress(req.Recipient) {
			return Deployment{}, Deployment{}, common.Address{}, domainerrors.ValidationError("recipient", "invalid address")
		}
		recipient = common.HexToAddress(req.Recipient)
	}
	return src, dst, recipient, nil
}

// maxFee caps the fee Circle may take, from the published minimum for the requested finality
func (b *Bridge) maxFee(ctx context.Context, srcDomain, dstDomain uint32, amount *big.Int) *big.Int {
	fees, err := b.iris.GetFees(ctx, srcDomain, dstDomain)
	if err != nil {
		b.logger.Warn("Failed to fetch CCTP fees, burning with zero max fee", zap.Error(err))
		return big.NewInt(0)
	}
	bps := fees.StandardFee.MinimumFee
	if b.config.FinalityThreshold <= FinalityThresholdFast {
		bps = fees.FastTransferFee.MinimumFee
	}
	fee := decimal.NewFromBigInt(amount, 0).Mul(decimal.NewFromFloat(bps)).Div(decimal.NewFromInt(10000)).Ceil()
	return fee.BigInt()
}

// minted sums the USDC the mint transferred to recipient. Without matching logs the
// full fee cap is assumed withheld.
func minted(receipt *chain.Receipt, usdc, recipient common.Address, burned, maxFee *big.Int) decimal.Decimal {
	transfers := chain.DecodeTransfers(receipt.Logs, chain.TransferFilter{Contract: usdc, To: &recipient})
	total := new(big.Int)
	for _, t := range transfers {
		total.Add(total, t.Value)
	}
	if len(transfers) == 0 {
		total.Sub(burned, maxFee)
	}
	return chain.FromBaseUnits(total, USDCDecimals)
}

func (b *Bridge) awaitAttestation(ctx context.Context, domain uint32, burnHash string) (*CCTPMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.AttestationTimeout)
	defer cancel()

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		resp, err := b.iris.GetAttestation(ctx, domain, burnHash)
		switch {
		case ctx.Err() != nil:
		case err == nil:
			for i := range resp.Messages {
				if resp.Messages[i].Ready() {
					return &resp.Messages[i], nil
				}
			}
		case isNotIndexed(err):
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: burn %s after %s", ErrAttestationTimeout, burnHash, b.config.AttestationTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bridge) succeed(result *entities.BridgeResult, step string, client ChainClient, txHash string) {
	result.Steps = append(result.Steps, entities.BridgeStep{
		Name:        step,
		State:       entities.StepStateSuccess,
		TxHash:      txHash,
		ExplorerURL: client.TxURL(txHash),
	})
}

func (b *Bridge) failStep(result *entities.BridgeResult, step string, err error) *entities.BridgeResult {
	result.Steps = append(result.Steps, entities.BridgeStep{Name: step, State: entities.StepStateError, Error: err.Error()})
	b.logger.Error("Bridge step failed",
		zap.String("step", step),
		zap.String("source_chain", result.SourceChain),
		zap.String("dest_chain", result.DestChain),
		zap.Error(err))
	return b.fail(result, err)
}

func (b *Bridge) fail(result *entities.BridgeResult, err error) *entities.BridgeResult {
	result.State = entities.StepStateError
	result.Error = err.Error()
	return result
}
