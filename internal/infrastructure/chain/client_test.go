package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int

	chainID     *big.Int
	blockNumber func() (uint64, error)
	receipt     func(hash common.Hash) (*types.Receipt, error)
	send        func(tx *types.Transaction) error
	sent        []*types.Transaction
	baseFee     *big.Int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}, chainID: big.NewInt(11155111), baseFee: big.NewInt(10)}
}

func (f *fakeBackend) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeBackend) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	f.record("ChainID")
	return f.chainID, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.record("BlockNumber")
	if f.blockNumber != nil {
		return f.blockNumber()
	}
	return 1, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.record("HeaderByNumber")
	return &types.Header{Number: big.NewInt(1), Time: 1700000000, BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.record("TransactionReceipt")
	if f.receipt != nil {
		return f.receipt(hash)
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.record("FilterLogs")
	return nil, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.record("BalanceAt")
	return big.NewInt(0), nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.record("CallContract")
	return nil, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.record("PendingNonceAt")
	return 7, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.record("SuggestGasTipCap")
	return big.NewInt(2), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	f.record("EstimateGas")
	return 50000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.record("SendTransaction")
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(tx)
	}
	return nil
}

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, backends ...*fakeBackend) *Client {
	t.Helper()
	urls := make([]string, len(backends))
	byURL := make(map[string]Backend, len(backends))
	for i, b := range backends {
		urls[i] = "http://rpc-" + string(rune('a'+i))
		byURL[urls[i]] = b
	}

	c, err := NewClient(Config{
		Name:           "sepolia",
		Endpoints:      urls,
		ExplorerURL:    "https://sepolia.etherscan.io/",
		ReceiptTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, zap.NewNop(), WithDialer(func(ctx context.Context, url string) (Backend, error) {
		return byURL[url], nil
	}))
	require.NoError(t, err)
	return c
}

func failing(err error) func() (uint64, error) {
	return func() (uint64, error) { return 0, err }
}

func TestClient_Read(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the third endpoint's result when the first two fail", func(t *testing.T) {
		b1, b2, b3 := newFakeBackend(), newFakeBackend(), newFakeBackend()
		b1.blockNumber = failing(errors.New("connection refused"))
		b2.blockNumber = failing(errors.New("429 too many requests"))
		b3.blockNumber = func() (uint64, error) { return 42, nil }
		c := newTestClient(t, b1, b2, b3)

		n, err := c.BlockNumber(ctx)

		require.NoError(t, err)
		assert.Equal(t, uint64(42), n)
		assert.Equal(t, 3, b1.count("BlockNumber")+b2.count("BlockNumber")+b3.count("BlockNumber"))
	})

	t.Run("keeps using the endpoint it rotated to", func(t *testing.T) {
		b1, b2 := newFakeBackend(), newFakeBackend()
		b1.blockNumber = failing(errors.New("down"))
		c := newTestClient(t, b1, b2)

		_, err := c.BlockNumber(ctx)
		require.NoError(t, err)
		_, err = c.BlockNumber(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, b1.count("BlockNumber"))
		assert.Equal(t, 2, b2.count("BlockNumber"))
	})

	t.Run("aggregates failures from every endpoint", func(t *testing.T) {
		b1, b2 := newFakeBackend(), newFakeBackend()
		b1.blockNumber = failing(errors.New("down"))
		b2.blockNumber = failing(errors.New("timeout"))
		c := newTestClient(t, b1, b2)

		_, err := c.BlockNumber(ctx)

		require.Error(t, err)
		assert.ErrorIs(t, err, domainerrors.ErrEndpointsExhausted)
		assert.True(t, domainerrors.IsServiceUnavailable(err))
		assert.Contains(t, err.Error(), "eth_blockNumber")
	})

	t.Run("missing receipt is not an error", func(t *testing.T) {
		b1, b2 := newFakeBackend(), newFakeBackend()
		c := newTestClient(t, b1, b2)

		r, err := c.Receipt(ctx, common.HexToHash("0x01"))

		require.NoError(t, err)
		assert.Nil(t, r)
		assert.Equal(t, 0, b2.count("TransactionReceipt"))
	})
}

func TestClient_SendAndWait(t *testing.T) {
	ctx := context.Background()
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: 1, Gas: 21000, To: &common.Address{}, Value: big.NewInt(0)})

	minedReceipt := func(status uint64) func(common.Hash) (*types.Receipt, error) {
		return func(hash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{
				TxHash:            hash,
				Status:            status,
				GasUsed:           21000,
				EffectiveGasPrice: big.NewInt(3),
				BlockNumber:       big.NewInt(100),
			}, nil
		}
	}

	t.Run("re-broadcasts the same transaction on the next endpoint", func(t *testing.T) {
		b1, b2 := newFakeBackend(), newFakeBackend()
		b1.send = func(*types.Transaction) error { return errors.New("502 bad gateway") }
		b2.receipt = minedReceipt(types.ReceiptStatusSuccessful)
		c := newTestClient(t, b1, b2)

		r, err := c.SendAndWait(ctx, tx)

		require.NoError(t, err)
		assert.Equal(t, tx.Hash().Hex(), r.TxHash)
		assert.Equal(t, uint64(21000), r.GasUsed)
		assert.Equal(t, big.NewInt(63000), r.GasCost())
		require.Len(t, b2.sent, 1)
		assert.Equal(t, tx.Hash(), b2.sent[0].Hash())
	})

	t.Run("treats an already known transaction as submitted", func(t *testing.T) {
		b1 := newFakeBackend()
		b1.send = func(*types.Transaction) error { return errors.New("already known") }
		b1.receipt = minedReceipt(types.ReceiptStatusSuccessful)
		c := newTestClient(t, b1)

		_, err := c.SendAndWait(ctx, tx)
		require.NoError(t, err)
	})

	t.Run("rotates when the receipt does not arrive in time", func(t *testing.T) {
		b1, b2 := newFakeBackend(), newFakeBackend()
		b2.receipt = minedReceipt(types.ReceiptStatusSuccessful)
		c := newTestClient(t, b1, b2)

		r, err := c.SendAndWait(ctx, tx)

		require.NoError(t, err)
		assert.Equal(t, uint64(100), r.BlockNumber)
		assert.Equal(t, 1, b2.count("SendTransaction"))
	})

	t.Run("reverted transaction fails without rotating", func(t *testing.T) {
		b1, b2 := newFakeBackend(), newFakeBackend()
		b1.receipt = minedReceipt(types.ReceiptStatusFailed)
		c := newTestClient(t, b1, b2)

		_, err := c.SendAndWait(ctx, tx)

		assert.ErrorIs(t, err, domainerrors.ErrTransactionReverted)
		assert.Equal(t, 0, b2.count("SendTransaction"))
	})
}

func TestClient_Transact(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	b := newFakeBackend()
	b.receipt = func(hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)}, nil
	}
	c := newTestClient(t, b)

	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	call, err := TransferCall(token, common.HexToAddress("0xbb"), big.NewInt(1000))
	require.NoError(t, err)

	r, err := c.Transact(context.Background(), signer, call)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	sender, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60000), tx.Gas())
	assert.Equal(t, big.NewInt(22), tx.GasFeeCap())
	assert.Equal(t, tx.Hash().Hex(), r.TxHash)
	assert.Equal(t, "https://sepolia.etherscan.io/tx/"+r.TxHash, c.TxURL(r.TxHash))
}

func TestNewClient_RequiresEndpoints(t *testing.T) {
	_, err := NewClient(Config{Name: "base"}, nil)
	assert.Error(t, err)
}
