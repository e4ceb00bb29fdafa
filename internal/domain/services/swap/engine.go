package swap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// Fee tiers in basis points of a basis point (100 = 0.01%), lowest first
var DefaultFeeTiers = []uint32{100, 500, 3000, 10000}

// nativeDecimals is the precision of the chain's gas token
const nativeDecimals = 18

// ChainClient is the part of the resilient chain client the engine needs
type ChainClient interface {
	ReadContract(ctx context.Context, contractABI abi.ABI, contract common.Address, method string, args ...interface{}) ([]interface{}, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	SuggestFees(ctx context.Context) (chain.Fees, error)
	Transact(ctx context.Context, signer *chain.Signer, call chain.Call) (*chain.Receipt, error)
	TxURL(txHash string) string
}

// StablePair is a token pair that only ever trades on one known tier
type StablePair struct {
	TokenA string `mapstructure:"token_a"`
	TokenB string `mapstructure:"token_b"`
	Fee    uint32 `mapstructure:"fee"`
}

// Config holds the DEX deployment of one chain
type Config struct {
	Chain            string
	Factory          common.Address
	Quoter           common.Address
	Router           common.Address
	FeeTiers         []uint32
	StablePairs      []StablePair
	Tokens           []entities.Token
	Deadline         time.Duration
	SwapGasLimit     uint64
	ApprovalGasLimit uint64
}

// Engine discovers pools, quotes and executes slippage-bounded exact-input swaps
type Engine struct {
	chain  ChainClient
	signer *chain.Signer
	config Config
	tokens map[string]entities.Token
	now    func() time.Time
	logger *logger.Logger
}

// NewEngine creates a new swap engine
func NewEngine(client ChainClient, signer *chain.Signer, config Config, logger *logger.Logger) *Engine {
	if len(config.FeeTiers) == 0 {
		config.FeeTiers = DefaultFeeTiers
	}
	if config.Deadline <= 0 {
		config.Deadline = 20 * time.Minute
	}
	if config.SwapGasLimit == 0 {
		config.SwapGasLimit = 300000
	}
	if config.ApprovalGasLimit == 0 {
		config.ApprovalGasLimit = 60000
	}

	tokens := make(map[string]entities.Token, len(config.Tokens)*2)
	for _, t := range config.Tokens {
		tokens[strings.ToUpper(t.Symbol)] = t
		tokens[strings.ToLower(t.Address)] = t
	}

	return &Engine{
		chain:  client,
		signer: signer,
		config: config,
		tokens: tokens,
		now:    time.Now,
		logger: logger,
	}
}

// Chain returns the chain the engine trades on
func (e *Engine) Chain() string { return e.config.Chain }

// Token resolves a symbol or address to a configured token
func (e *Engine) Token(symbolOrAddress string) (entities.Token, error) {
	key := strings.TrimSpace(symbolOrAddress)
	if t, ok := e.tokens[strings.ToUpper(key)]; ok {
		return t, nil
	}
	if t, ok := e.tokens[strings.ToLower(key)]; ok {
		return t, nil
	}
	return entities.Token{}, domainerrors.UnknownTokenError(symbolOrAddress)
}

// FindPool tries the fee tiers lowest first and returns the first tier with a deployed pool.
// A configured stable pair only tries its own tier.
func (e *Engine) FindPool(ctx context.Context, tokenIn, tokenOut entities.Token) (uint32, common.Address, error) {
	for _, fee := range e.tiersFor(tokenIn, tokenOut) {
		values, err := e.chain.ReadContract(ctx, factoryABI, e.config.Factory, "getPool",
			common.HexToAddress(tokenIn.Address), common.HexToAddress(tokenOut.Address), new(big.Int).SetUint64(uint64(fee)))
		if err != nil {
			e.logger.Warn("getPool failed", "fee", fee, "token_in", tokenIn.Symbol, "token_out", tokenOut.Symbol, "error", err)
			continue
		}
		if len(values) != 1 {
			continue
		}
		pool, ok := values[0].(common.Address)
		if !ok || pool == (common.Address{}) {
			continue
		}
		return fee, pool, nil
	}
	return 0, common.Address{}, domainerrors.NoPoolFoundError(tokenIn.Symbol, tokenOut.Symbol)
}

func (e *Engine) tiersFor(a, b entities.Token) []uint32 {
	for _, p := range e.config.StablePairs {
		if (strings.EqualFold(p.TokenA, a.Symbol) && strings.EqualFold(p.TokenB, b.Symbol)) ||
			(strings.EqualFold(p.TokenA, b.Symbol) && strings.EqualFold(p.TokenB, a.Symbol)) {
			return []uint32{p.Fee}
		}
	}
	return e.config.FeeTiers
}

// Quote prices an exact input amount. PriceImpact is |1 - out/in| * 100 and does not
// model the pool curve.
func (e *Engine) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*entities.Quote, error) {
	if !amountIn.IsPositive() {
		return nil, domainerrors.ValidationError("amount_in", "amount must be positive")
	}
	in, err := e.Token(tokenIn)
	if err != nil {
		return nil, err
	}
	out, err := e.Token(tokenOut)
	if err != nil {
		return nil, err
	}
	return e.quote(ctx, in, out, amountIn)
}

func (e *Engine) quote(ctx context.Context, in, out entities.Token, amountIn decimal.Decimal) (*entities.Quote, error) {
	fee, pool, err := e.FindPool(ctx, in, out)
	if err != nil {
		return nil, err
	}

	values, err := e.chain.ReadContract(ctx, quoterABI, e.config.Quoter, "quoteExactInputSingle",
		common.HexToAddress(in.Address),
		common.HexToAddress(out.Address),
		new(big.Int).SetUint64(uint64(fee)),
		chain.ToBaseUnits(amountIn, in.Decimals),
		big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("quote: unexpected output count %d", len(values))
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("quote: unexpected output type %T", values[0])
	}

	amountOut := chain.FromBaseUnits(raw, out.Decimals)
	return &entities.Quote{
		TokenIn:     in.Symbol,
		TokenOut:    out.Symbol,
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		Fee:         fee,
		PoolAddress: pool.Hex(),
		PriceImpact: PriceImpact(amountIn, amountOut),
	}, nil
}

// PriceImpact returns |1 - amountOut/amountIn| * 100
func PriceImpact(amountIn, amountOut decimal.Decimal) decimal.Decimal {
	if amountIn.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(amountOut.Div(amountIn)).Abs().Mul(decimal.NewFromInt(100))
}

// MinimumOutput reduces a quote by the slippage tolerance, rounded down to the token precision
func MinimumOutput(quoted, slippage decimal.Decimal, decimals int32) decimal.Decimal {
	return quoted.Mul(decimal.NewFromInt(1).Sub(slippage)).RoundDown(decimals)
}

// ExecuteSwap runs an exact-input swap from the custodial wallet. It never returns an error:
// every failure is reported in the result and callers must check Success.
func (e *Engine) ExecuteSwap(ctx context.Context, req entities.SwapRequest) *entities.SwapResult {
	ctx, span := otel.Tracer("settlement_service/swap").Start(ctx, "swap.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("token_in", req.TokenIn),
		attribute.String("token_out", req.TokenOut),
		attribute.String("amount_in", req.AmountIn.String()))

	result, err := e.executeSwap(ctx, req)
	if err != nil {
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Swap failed",
			"token_in", req.TokenIn,
			"token_out", req.TokenOut,
			"amount_in", req.AmountIn.String(),
			"error", err)
		failed := entities.FailedSwap(req, err)
		if result != nil {
			failed.ApprovalTxHash = result.ApprovalTxHash
			failed.AmountOutMinimum = result.AmountOutMinimum
			failed.Fee = result.Fee
		}
		return failed
	}

	metrics.SwapsTotal.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.String("tx_hash", result.TxHash))
	e.logger.Info("Swap executed",
		"tx_hash", result.TxHash,
		"approval_tx_hash", result.ApprovalTxHash,
		"token_in", result.TokenIn,
		"token_out", result.TokenOut,
		"amount_in", result.AmountIn.String(),
		"amount_out", result.AmountOut.String(),
		"fee", result.Fee)
	return result
}

func (e *Engine) executeSwap(ctx context.Context, req entities.SwapRequest) (*entities.SwapResult, error) {
	if !req.AmountIn.IsPositive() {
		return nil, domainerrors.ValidationError("amount_in", "amount must be positive")
	}
	if req.SlippageTolerance.IsNegative() || req.SlippageTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, domainerrors.ValidationError("slippage_tolerance", "slippage tolerance must be in [0, 1)")
	}
	in, err := e.Token(req.TokenIn)
	if err != nil {
		return nil, err
	}
	out, err := e.Token(req.TokenOut)
	if err != nil {
		return nil, err
	}

	owner := e.signer.Address()
	tokenInAddr := common.HexToAddress(in.Address)
	rawIn := chain.ToBaseUnits(req.AmountIn, in.Decimals)

	if err := e.checkBalances(ctx, in, owner, rawIn); err != nil {
		return nil, err
	}

	result := &entities.SwapResult{
		TokenIn:  in.Symbol,
		TokenOut: out.Symbol,
		AmountIn: req.AmountIn,
	}

	// Approval and quoting touch different contracts and can run together. A failed
	// quote does not cancel an approval already in flight, so its hash is always reported.
	var (
		quote    *entities.Quote
		approval *chain.Receipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.ensureApproval(ctx, tokenInAddr, owner, rawIn)
		approval = r
		return err
	})
	g.Go(func() error {
		q, err := e.quote(gctx, in, out, req.AmountIn)
		quote = q
		return err
	})
	err = g.Wait()
	if approval != nil {
		result.ApprovalTxHash = approval.TxHash
	}
	if err != nil {
		return result, err
	}

	result.Fee = quote.Fee
	result.AmountOutMinimum = MinimumOutput(quote.AmountOut, req.SlippageTolerance, out.Decimals)

	data, err := packExactInputSingle(exactInputSingleParams{
		TokenIn:           tokenInAddr,
		TokenOut:          common.HexToAddress(out.Address),
		Fee:               new(big.Int).SetUint64(uint64(quote.Fee)),
		Recipient:         owner,
		Deadline:          big.NewInt(e.now().Add(e.config.Deadline).Unix()),
		AmountIn:          rawIn,
		AmountOutMinimum:  chain.ToBaseUnits(result.AmountOutMinimum, out.Decimals),
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return result, err
	}

	receipt, err := e.chain.Transact(ctx, e.signer, chain.Call{To: e.config.Router, Data: data})
	if err != nil {
		return result, fmt.Errorf("submit swap: %w", err)
	}

	result.Success = true
	result.TxHash = receipt.TxHash
	result.ExplorerURL = e.chain.TxURL(receipt.TxHash)
	result.GasUsed = receipt.GasUsed
	result.AmountOut = e.realizedOutput(receipt, out, owner, quote.AmountOut)

	gasCost := receipt.GasCost()
	if approval != nil {
		gasCost.Add(gasCost, approval.GasCost())
	}
	result.GasCost = chain.FromBaseUnits(gasCost, nativeDecimals)

	return result, nil
}

// checkBalances fails fast when the wallet cannot cover the input amount or the gas
func (e *Engine) checkBalances(ctx context.Context, in entities.Token, owner common.Address, rawIn *big.Int) error {
	balance, err := e.chain.TokenBalance(ctx, common.HexToAddress(in.Address), owner)
	if err != nil {
		return fmt.Errorf("read %s balance: %w", in.Symbol, err)
	}
	if balance.Cmp(rawIn) < 0 {
		return domainerrors.InsufficientBalanceError(in.Symbol,
			chain.FromBaseUnits(balance, in.Decimals).String(),
			chain.FromBaseUnits(rawIn, in.Decimals).String())
	}

	fees, err := e.chain.SuggestFees(ctx)
	if err != nil {
		return fmt.Errorf("suggest fees: %w", err)
	}
	gas := new(big.Int).SetUint64(e.config.SwapGasLimit + e.config.ApprovalGasLimit)
	needed := new(big.Int).Mul(gas, fees.FeeCap)

	native, err := e.chain.BalanceAt(ctx, owner)
	if err != nil {
		return fmt.Errorf("read native balance: %w", err)
	}
	if native.Cmp(needed) < 0 {
		return domainerrors.InsufficientGasError(
			chain.FromBaseUnits(native, nativeDecimals).String(),
			chain.FromBaseUnits(needed, nativeDecimals).String())
	}
	return nil
}

// ensureApproval approves the router for amount unless the allowance already covers it
func (e *Engine) ensureApproval(ctx context.Context, token, owner common.Address, amount *big.Int) (*chain.Receipt, error) {
	allowance, err := e.chain.Allowance(ctx, token, owner, e.config.Router)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}

	call, err := chain.ApproveCall(token, e.config.Router, amount)
	if err != nil {
		return nil, err
	}
	call.GasLimit = e.config.ApprovalGasLimit

	receipt, err := e.chain.Transact(ctx, e.signer, call)
	if err != nil {
		return nil, fmt.Errorf("approve router: %w", err)
	}
	e.logger.Info("Router approved", "token", token.Hex(), "tx_hash", receipt.TxHash, "amount", amount.String())
	return receipt, nil
}

// realizedOutput sums the output token transfers to the wallet, falling back to the quote
func (e *Engine) realizedOutput(receipt *chain.Receipt, out entities.Token, owner common.Address, quoted decimal.Decimal) decimal.Decimal {
	transfers := chain.DecodeTransfers(receipt.Logs, chain.TransferFilter{
		Contract: common.HexToAddress(out.Address),
		To:       &owner,
	})
	if len(transfers) == 0 {
		return quoted
	}
	total := new(big.Int)
	for _, t := range transfers {
		total.Add(total, t.Value)
	}
	return chain.FromBaseUnits(total, out.Decimals)
}
