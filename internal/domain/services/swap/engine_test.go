package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/pkg/logger"
)

var (
	usdc = entities.Token{Symbol: "USDC", Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6}
	weth = entities.Token{Symbol: "WETH", Address: "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14", Decimals: 18}
	eurc = entities.Token{Symbol: "EURC", Address: "0x08210F9170F89Ab7658F0B5E3fF39b0E03C594D4", Decimals: 6}

	factoryAddr = common.HexToAddress("0x0227628f3F023bb0B980b67D528571c95c6DaC1c")
	quoterAddr  = common.HexToAddress("0xEd1f6473345F45b75F8179591dd5bA1888cf2FB3")
	routerAddr  = common.HexToAddress("0x3bFA4769FB09eefC5a80d6E87c3B9C650f7Ae48E")
	poolAddr    = common.HexToAddress("0x3289680dD4d6C10bb19b899729cda5aEF58A0652")
)

type fakeDEX struct {
	mu sync.Mutex

	pools        map[uint32]common.Address
	getPoolFees  []uint32
	quoteOut     *big.Int
	tokenBalance *big.Int
	allowance    *big.Int
	native       *big.Int
	fees         chain.Fees
	calls        []chain.Call
	swapReceipt  func(owner common.Address) *chain.Receipt
	transactErr  error
	approveDelay time.Duration
}

func newFakeDEX() *fakeDEX {
	return &fakeDEX{
		pools:        map[uint32]common.Address{},
		quoteOut:     big.NewInt(100_000000),
		tokenBalance: chain.ToBaseUnits(decimal.NewFromInt(10), 18),
		allowance:    big.NewInt(0),
		native:       chain.ToBaseUnits(decimal.NewFromInt(1), 18),
		fees:         chain.Fees{TipCap: big.NewInt(1_000000000), FeeCap: big.NewInt(10_000000000)},
	}
}

func (f *fakeDEX) ReadContract(ctx context.Context, contractABI abi.ABI, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "getPool":
		fee := uint32(args[2].(*big.Int).Uint64())
		f.getPoolFees = append(f.getPoolFees, fee)
		return []interface{}{f.pools[fee]}, nil
	case "quoteExactInputSingle":
		return []interface{}{f.quoteOut}, nil
	}
	return nil, errors.New("unexpected method " + method)
}

func (f *fakeDEX) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return f.tokenBalance, nil
}

func (f *fakeDEX) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return f.allowance, nil
}

func (f *fakeDEX) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeDEX) SuggestFees(ctx context.Context) (chain.Fees, error) { return f.fees, nil }

func (f *fakeDEX) Transact(ctx context.Context, signer *chain.Signer, call chain.Call) (*chain.Receipt, error) {
	if call.To != routerAddr && f.approveDelay > 0 {
		select {
		case <-time.After(f.approveDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	hash := common.BigToHash(big.NewInt(int64(len(f.calls))))
	if call.To == routerAddr && f.swapReceipt != nil {
		r := f.swapReceipt(signer.Address())
		r.TxHash = hash.Hex()
		return r, nil
	}
	return &chain.Receipt{TxHash: hash.Hex(), Status: types.ReceiptStatusSuccessful, GasUsed: 50000, EffectiveGasPrice: big.NewInt(1)}, nil
}

func (f *fakeDEX) TxURL(txHash string) string { return "https://sepolia.etherscan.io/tx/" + txHash }

func (f *fakeDEX) routerCalls() []chain.Call {
	var out []chain.Call
	for _, c := range f.calls {
		if c.To == routerAddr {
			out = append(out, c)
		}
	}
	return out
}

func newTestSigner(t *testing.T) *chain.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := chain.NewSigner(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

func newTestEngine(t *testing.T, dex *fakeDEX) *Engine {
	t.Helper()
	e := NewEngine(dex, newTestSigner(t), Config{
		Chain:       "sepolia",
		Factory:     factoryAddr,
		Quoter:      quoterAddr,
		Router:      routerAddr,
		StablePairs: []StablePair{{TokenA: "USDC", TokenB: "EURC", Fee: 500}},
		Tokens:      []entities.Token{usdc, weth, eurc},
	}, logger.NewLogger("test"))
	e.now = func() time.Time { return time.Unix(1700000000, 0) }
	return e
}

func decodeSwapParams(t *testing.T, data []byte) *exactInputSingleParams {
	t.Helper()
	values, err := routerABI.Methods["exactInputSingle"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, values, 1)
	return abi.ConvertType(values[0], new(exactInputSingleParams)).(*exactInputSingleParams)
}

func TestFindPool_TriesTiersLowestFirst(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[3000] = poolAddr
	dex.pools[10000] = common.HexToAddress("0x9999999999999999999999999999999999999999")
	e := newTestEngine(t, dex)

	fee, pool, err := e.FindPool(context.Background(), weth, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint32(3000), fee)
	assert.Equal(t, poolAddr, pool)
	assert.Equal(t, []uint32{100, 500, 3000}, dex.getPoolFees)
}

func TestFindPool_StablePairUsesSingleTier(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[100] = poolAddr
	e := newTestEngine(t, dex)

	_, _, err := e.FindPool(context.Background(), eurc, usdc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domainerrors.ErrNoPoolFound))
	assert.Equal(t, []uint32{500}, dex.getPoolFees)
}

func TestFindPool_NoPool(t *testing.T) {
	e := newTestEngine(t, newFakeDEX())

	_, _, err := e.FindPool(context.Background(), weth, usdc)
	assert.ErrorIs(t, err, domainerrors.ErrNoPoolFound)
}

func TestQuote(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[500] = poolAddr
	dex.quoteOut = big.NewInt(99_000000)
	e := newTestEngine(t, dex)

	q, err := e.Quote(context.Background(), "usdc", "eurc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "99", q.AmountOut.String())
	assert.Equal(t, uint32(500), q.Fee)
	assert.Equal(t, poolAddr.Hex(), q.PoolAddress)
	assert.Equal(t, "1", q.PriceImpact.String())

	_, err = e.Quote(context.Background(), "DOGE", "USDC", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domainerrors.ErrUnknownToken)

	_, err = e.Quote(context.Background(), "USDC", "EURC", decimal.Zero)
	assert.True(t, domainerrors.IsInvalidInput(err))
}

func TestMinimumOutput(t *testing.T) {
	tests := []struct {
		name     string
		quoted   string
		slippage string
		decimals int32
		want     string
	}{
		{"three percent", "100", "0.03", 6, "97"},
		{"zero slippage", "100", "0", 6, "100"},
		{"rounds down to precision", "1.2345678", "0.01", 6, "1.222222"},
		{"whole units", "10", "0.15", 0, "8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MinimumOutput(decimal.RequireFromString(tt.quoted), decimal.RequireFromString(tt.slippage), tt.decimals)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestPriceImpact(t *testing.T) {
	assert.Equal(t, "3", PriceImpact(decimal.NewFromInt(100), decimal.NewFromInt(97)).String())
	assert.Equal(t, "5", PriceImpact(decimal.NewFromInt(100), decimal.NewFromInt(105)).String())
	assert.True(t, PriceImpact(decimal.Zero, decimal.NewFromInt(1)).IsZero())
}

func TestExecuteSwap_Success(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[500] = poolAddr
	dex.swapReceipt = func(owner common.Address) *chain.Receipt {
		return &chain.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			GasUsed:           150000,
			EffectiveGasPrice: big.NewInt(2),
			Logs: []*types.Log{{
				Address: common.HexToAddress(usdc.Address),
				Topics: []common.Hash{
					chain.TransferEventTopic,
					common.BytesToHash(poolAddr.Bytes()),
					common.BytesToHash(owner.Bytes()),
				},
				Data: common.LeftPadBytes(big.NewInt(98_500000).Bytes(), 32),
			}},
		}
	}
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn:           "WETH",
		TokenOut:          "USDC",
		AmountIn:          decimal.RequireFromString("0.05"),
		SlippageTolerance: decimal.RequireFromString("0.03"),
	})

	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.ApprovalTxHash)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, "https://sepolia.etherscan.io/tx/"+res.TxHash, res.ExplorerURL)
	assert.Equal(t, "97", res.AmountOutMinimum.String())
	assert.Equal(t, "98.5", res.AmountOut.String())
	assert.Equal(t, uint32(500), res.Fee)
	assert.Equal(t, uint64(150000), res.GasUsed)

	require.Len(t, dex.calls, 2)
	assert.Equal(t, common.HexToAddress(weth.Address), dex.calls[0].To)

	routed := dex.routerCalls()
	require.Len(t, routed, 1)
	params := decodeSwapParams(t, routed[0].Data)
	assert.Equal(t, "97000000", params.AmountOutMinimum.String())
	assert.Equal(t, "50000000000000000", params.AmountIn.String())
	assert.Equal(t, "500", params.Fee.String())
	assert.Equal(t, "1700001200", params.Deadline.String())
	assert.Equal(t, common.HexToAddress(usdc.Address), params.TokenOut)
}

func TestExecuteSwap_SkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[100] = poolAddr
	dex.allowance = chain.ToBaseUnits(decimal.NewFromInt(1000), 18)
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.RequireFromString("0.01"),
	})

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.ApprovalTxHash)
	require.Len(t, dex.calls, 1)
	assert.Equal(t, routerAddr, dex.calls[0].To)
	assert.Equal(t, "100", res.AmountOut.String())
}

func TestExecuteSwap_InsufficientBalanceSubmitsNothing(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[500] = poolAddr
	dex.tokenBalance = chain.ToBaseUnits(decimal.RequireFromString("0.01"), 18)
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.RequireFromString("0.03"),
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient")
	assert.Empty(t, dex.calls)
}

func TestExecuteSwap_InsufficientGasSubmitsNothing(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[500] = poolAddr
	dex.native = big.NewInt(1000)
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.RequireFromString("0.03"),
	})

	assert.False(t, res.Success)
	assert.Empty(t, dex.calls)
}

func TestExecuteSwap_NoPoolDoesNotSwap(t *testing.T) {
	dex := newFakeDEX()
	dex.allowance = chain.ToBaseUnits(decimal.NewFromInt(1000), 18)
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.RequireFromString("0.03"),
	})

	assert.False(t, res.Success)
	assert.Empty(t, dex.routerCalls())
}

func TestExecuteSwap_QuoteFailureKeepsApprovalHash(t *testing.T) {
	dex := newFakeDEX()
	dex.approveDelay = 50 * time.Millisecond
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.RequireFromString("0.03"),
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "pool")
	// the approval landed on chain even though no pool was found
	require.Len(t, dex.calls, 1)
	assert.Equal(t, common.HexToAddress(weth.Address), dex.calls[0].To)
	assert.NotEmpty(t, res.ApprovalTxHash)
	assert.Empty(t, dex.routerCalls())
}

func TestExecuteSwap_RejectsBadSlippage(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[500] = poolAddr
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.NewFromInt(1),
	})

	assert.False(t, res.Success)
	assert.Empty(t, dex.calls)
}

func TestExecuteSwap_SubmitFailure(t *testing.T) {
	dex := newFakeDEX()
	dex.pools[500] = poolAddr
	dex.allowance = chain.ToBaseUnits(decimal.NewFromInt(1000), 18)
	dex.transactErr = domainerrors.ErrTransactionReverted
	e := newTestEngine(t, dex)

	res := e.ExecuteSwap(context.Background(), entities.SwapRequest{
		TokenIn: "WETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(1), SlippageTolerance: decimal.RequireFromString("0.03"),
	})

	assert.False(t, res.Success)
	assert.Equal(t, "97", res.AmountOutMinimum.String())
	assert.Contains(t, res.Error, "submit swap")
}
