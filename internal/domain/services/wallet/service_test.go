package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
)

var (
	usdc = entities.Token{Symbol: "USDC", Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6}
	weth = entities.Token{Symbol: "WETH", Address: "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14", Decimals: 18}
)

const owner = "0xAbCd000000000000000000000000000000000001"

type fakeReader struct {
	head     uint64
	native   *big.Int
	balances map[common.Address]*big.Int
	tokenErr error
}

func (f *fakeReader) Name() string { return "sepolia" }

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeReader) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeReader) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return f.balances[token], nil
}

type fakeSnapshots struct {
	rows []entities.WalletBalanceSnapshot
	err  error
}

func (f *fakeSnapshots) CreateBatch(ctx context.Context, rows []entities.WalletBalanceSnapshot) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeSnapshots) ListLatest(ctx context.Context, address, chain string) ([]*entities.WalletBalanceSnapshot, error) {
	var out []*entities.WalletBalanceSnapshot
	for i := range f.rows {
		if f.rows[i].Address == address && f.rows[i].Chain == chain {
			out = append(out, &f.rows[i])
		}
	}
	return out, nil
}

func newTestService(reader *fakeReader, repo *fakeSnapshots) *Service {
	svc := NewService(reader, []entities.Token{usdc, weth}, repo, zap.NewNop())
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return svc
}

func testReader() *fakeReader {
	return &fakeReader{
		head:   5_000_000,
		native: new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17)),
		balances: map[common.Address]*big.Int{
			common.HexToAddress(usdc.Address): big.NewInt(1_250_500),
			common.HexToAddress(weth.Address): big.NewInt(0),
		},
	}
}

func TestGetWalletSummary(t *testing.T) {
	svc := newTestService(testReader(), &fakeSnapshots{})

	summary, err := svc.GetWalletSummary(context.Background(), owner)
	require.NoError(t, err)

	assert.Equal(t, "0xabcd000000000000000000000000000000000001", summary.Address)
	assert.Equal(t, "sepolia", summary.Chain)
	assert.Equal(t, uint64(5_000_000), summary.BlockNumber)
	assert.Equal(t, "1.5", summary.NativeBalance.String())
	require.Len(t, summary.Tokens, 2)
	assert.Equal(t, "USDC", summary.Tokens[0].Symbol)
	assert.Equal(t, "1.2505", summary.Tokens[0].Balance.String())
	assert.Equal(t, "WETH", summary.Tokens[1].Symbol)
	assert.True(t, summary.Tokens[1].Balance.IsZero())
	assert.Equal(t, int64(1700000000), summary.Timestamp.Unix())
}

func TestGetWalletSummary_Errors(t *testing.T) {
	reader := testReader()
	reader.tokenErr = errors.New("rpc down")
	svc := newTestService(reader, &fakeSnapshots{})

	_, err := svc.GetWalletSummary(context.Background(), owner)
	assert.ErrorContains(t, err, "rpc down")

	_, err = svc.GetWalletSummary(context.Background(), "not-an-address")
	assert.True(t, domainerrors.IsInvalidInput(err))
}

func TestSnapshot(t *testing.T) {
	repo := &fakeSnapshots{}
	svc := newTestService(testReader(), repo)

	_, err := svc.Snapshot(context.Background(), owner)
	require.NoError(t, err)

	require.Len(t, repo.rows, 3)
	assert.Equal(t, entities.NativeSymbol, repo.rows[0].Token)
	assert.Equal(t, "1.5", repo.rows[0].Balance.String())
	assert.Equal(t, "USDC", repo.rows[1].Token)
	for _, row := range repo.rows {
		assert.Equal(t, int64(5_000_000), row.BlockNumber)
	}

	latest, err := svc.LatestSnapshots(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, latest, 3)
}

func TestSnapshot_StoreFailure(t *testing.T) {
	svc := newTestService(testReader(), &fakeSnapshots{err: errors.New("db down")})

	_, err := svc.Snapshot(context.Background(), owner)
	assert.ErrorContains(t, err, "store wallet snapshot")
}
