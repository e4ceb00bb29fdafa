package deposit

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
	"github.com/rail-service/settlement_service/pkg/logger"
)

var (
	tokenAddr     = common.HexToAddress("0x8292Bb45bf1Ee4d140127049757C2E0fF06317eD")
	custodialAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	userAddr      = common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	otherAddr     = common.HexToAddress("0xBBBB000000000000000000000000000000000002")
)

// fakeChain serves receipts and logs from memory
type fakeChain struct {
	mu          sync.Mutex
	receipts    map[common.Hash]*types.Receipt
	logs        []types.Log
	headerCalls map[uint64]int
	head        uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: map[common.Hash]*types.Receipt{}, headerCalls: map[uint64]int{}, head: 1000}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls[number.Uint64()]++
	return &types.Header{Number: number, Time: 1700000000 + number.Uint64()}, nil
}

func (f *fakeChain) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func units(amount string) *big.Int {
	return chain.ToBaseUnits(decimal.RequireFromString(amount), 18)
}

func transferLog(hash common.Hash, block uint64, from, to common.Address, value *big.Int) types.Log {
	return types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{chain.TransferEventTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: block,
		TxHash:      hash,
	}
}

func (f *fakeChain) addDeposit(hash common.Hash, block uint64, from, to common.Address, amount string) {
	l := transferLog(hash, block, from, to, units(amount))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        []*types.Log{&l},
	}
	f.logs = append(f.logs, l)
}

// memoryRecords mirrors the conditional writes of the Postgres repository
type memoryRecords struct {
	mu      sync.Mutex
	records map[uuid.UUID]*entities.TransactionRecord
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{records: map[uuid.UUID]*entities.TransactionRecord{}}
}

func clone(r *entities.TransactionRecord) *entities.TransactionRecord {
	c := *r
	return &c
}

func (m *memoryRecords) Create(ctx context.Context, r *entities.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = clone(r)
	return nil
}

func (m *memoryRecords) CreateIfHashAbsent(ctx context.Context, r *entities.TransactionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.Hash() == r.Hash() {
			return false, nil
		}
	}
	m.records[r.ID] = clone(r)
	return true, nil
}

func (m *memoryRecords) GetByID(ctx context.Context, id uuid.UUID) (*entities.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		return clone(r), nil
	}
	return nil, nil
}

func (m *memoryRecords) GetByHash(ctx context.Context, hash string) (*entities.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Hash() == hash {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (m *memoryRecords) GetByTrackingID(ctx context.Context, trackingID string) (*entities.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Metadata.TrackingID == trackingID {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (m *memoryRecords) FindPendingDeposit(ctx context.Context, user string, amount decimal.Decimal) (*entities.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UserAddress == user && r.Status == entities.TransactionStatusPending &&
			r.TransactionHash == nil && r.AmountIn.Equal(amount) {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (m *memoryRecords) PromotePending(ctx context.Context, id uuid.UUID, hash string, amountOut decimal.Decimal, block uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != entities.TransactionStatusPending || r.TransactionHash != nil {
		return false, nil
	}
	h := hash
	r.TransactionHash = &h
	r.Status = entities.TransactionStatusSuccess
	r.Operation = entities.OperationDeposit
	r.AmountOut = decimal.NewNullDecimal(amountOut)
	r.Metadata.BlockNumber = block
	return true, nil
}

func (m *memoryRecords) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// fakeLedger applies an append carrying a hash once per key and operation, like the real ledger
type fakeLedger struct {
	mu       sync.Mutex
	appends  []entities.AppendRequest
	failures int
}

func (f *fakeLedger) Append(ctx context.Context, req entities.AppendRequest) (*entities.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("db blip")
	}
	for _, a := range f.appends {
		if a.Key() == req.Key() && a.Operation == req.Operation && a.TransactionHash == req.TransactionHash {
			return &entities.LedgerEntry{Amount: a.Amount}, nil
		}
	}
	f.appends = append(f.appends, req)
	return &entities.LedgerEntry{Amount: req.Amount}, nil
}

type fakePublisher struct {
	published []*entities.DepositResult
}

func (f *fakePublisher) PublishDepositRecorded(ctx context.Context, r *entities.DepositResult) error {
	f.published = append(f.published, r)
	return nil
}

type fixture struct {
	svc       *Service
	chain     *fakeChain
	records   *memoryRecords
	ledger    *fakeLedger
	publisher *fakePublisher
}

func newFixture() *fixture {
	f := &fixture{
		chain:     newFakeChain(),
		records:   newMemoryRecords(),
		ledger:    &fakeLedger{},
		publisher: &fakePublisher{},
	}
	f.svc = NewService(f.chain, f.records, f.ledger, Config{
		Chain:           "sepolia",
		TokenSymbol:     "RLUSD",
		TokenAddress:    tokenAddr,
		TokenDecimals:   18,
		CustodialWallet: custodialAddr,
	}, logger.NewLogger("test"))
	f.svc.SetPublisher(f.publisher)
	return f
}

func hashOf(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }

func TestTrackAndConfirmDeposit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	record, err := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("50"), "order-1")
	require.NoError(t, err)
	assert.Equal(t, entities.TransactionStatusPending, record.Status)
	assert.Nil(t, record.TransactionHash)

	f.chain.addDeposit(hashOf(1), 120, userAddr, custodialAddr, "50")

	result, err := f.svc.ConfirmDeposit(ctx, record.ID, hashOf(1).Hex(), userAddr.Hex())
	require.NoError(t, err)

	assert.Equal(t, entities.DepositOutcomeMatched, result.Outcome)
	assert.Equal(t, entities.TransactionStatusSuccess, result.Record.Status)
	assert.Equal(t, "50", result.Record.AmountOut.Decimal.String())

	stored, _ := f.records.GetByID(ctx, record.ID)
	assert.Equal(t, entities.TransactionStatusSuccess, stored.Status)
	assert.Equal(t, hashOf(1).Hex(), stored.Hash())
	assert.Equal(t, "50", stored.AmountOut.Decimal.String())

	require.Len(t, f.ledger.appends, 1)
	assert.Equal(t, entities.LedgerOperationDeposit, f.ledger.appends[0].Operation)
	assert.Equal(t, "50", f.ledger.appends[0].Amount.String())
	assert.Len(t, f.publisher.published, 1)

	again, err := f.svc.ConfirmDeposit(ctx, record.ID, hashOf(1).Hex(), userAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, entities.DepositOutcomeAlreadyProcessed, again.Outcome)
	assert.Len(t, f.ledger.appends, 1)
}

func TestConfirmDeposit_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("caller does not own the record", func(t *testing.T) {
		f := newFixture()
		record, err := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("50"), "")
		require.NoError(t, err)

		_, err = f.svc.ConfirmDeposit(ctx, record.ID, hashOf(1).Hex(), otherAddr.Hex())
		assert.ErrorIs(t, err, domainerrors.ErrRecordOwnership)
		assert.True(t, domainerrors.IsUnauthorized(err))
	})

	t.Run("deposit sent by someone else", func(t *testing.T) {
		f := newFixture()
		record, _ := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("50"), "")
		f.chain.addDeposit(hashOf(2), 10, otherAddr, custodialAddr, "50")

		_, err := f.svc.ConfirmDeposit(ctx, record.ID, hashOf(2).Hex(), "")
		assert.ErrorIs(t, err, domainerrors.ErrRecordOwnership)
	})

	t.Run("amount differs from the tracked amount", func(t *testing.T) {
		f := newFixture()
		record, _ := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("50"), "")
		f.chain.addDeposit(hashOf(3), 10, userAddr, custodialAddr, "49.99")

		_, err := f.svc.ConfirmDeposit(ctx, record.ID, hashOf(3).Hex(), "")
		assert.ErrorIs(t, err, domainerrors.ErrDepositAmountMismatch)
		assert.Empty(t, f.ledger.appends)
	})

	t.Run("transaction did not pay the custodial wallet", func(t *testing.T) {
		f := newFixture()
		record, _ := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("50"), "")
		f.chain.addDeposit(hashOf(4), 10, userAddr, otherAddr, "50")

		_, err := f.svc.ConfirmDeposit(ctx, record.ID, hashOf(4).Hex(), "")
		assert.ErrorIs(t, err, domainerrors.ErrDepositNotVerified)
	})

	t.Run("unknown record", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.ConfirmDeposit(ctx, uuid.New(), hashOf(1).Hex(), "")
		assert.True(t, domainerrors.IsNotFound(err))
	})
}

func TestTrackDeposit_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.TrackDeposit(ctx, "not-an-address", decimal.RequireFromString("1"), "")
	assert.True(t, domainerrors.IsInvalidInput(err))

	_, err = f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.Zero, "")
	assert.True(t, domainerrors.IsInvalidInput(err))

	_, err = f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("1"), "dup")
	require.NoError(t, err)
	_, err = f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("1"), "dup")
	assert.True(t, domainerrors.IsConflict(err))
}

func TestVerifyDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown transaction is not an error", func(t *testing.T) {
		f := newFixture()
		v, err := f.svc.VerifyDeposit(ctx, hashOf(9).Hex())
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("malformed hash is a validation error", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.VerifyDeposit(ctx, "0x1234")
		assert.True(t, domainerrors.IsInvalidInput(err))
	})

	t.Run("decodes sender, amount and block time", func(t *testing.T) {
		f := newFixture()
		f.chain.addDeposit(hashOf(5), 77, userAddr, custodialAddr, "12.5")

		v, err := f.svc.VerifyDeposit(ctx, hashOf(5).Hex())

		require.NoError(t, err)
		require.NotNil(t, v)
		assert.True(t, v.Verified)
		assert.Equal(t, normalize(userAddr.Hex()), v.UserAddress)
		assert.Equal(t, "12.5", v.Amount.String())
		assert.Equal(t, uint64(77), v.BlockNumber)
		assert.Equal(t, int64(1700000077), v.Timestamp.Unix())
		assert.Equal(t, 0, f.records.count())
	})

	t.Run("reverted transaction is not a deposit", func(t *testing.T) {
		f := newFixture()
		f.chain.addDeposit(hashOf(6), 1, userAddr, custodialAddr, "1")
		f.chain.receipts[hashOf(6)].Status = types.ReceiptStatusFailed

		v, err := f.svc.VerifyDeposit(ctx, hashOf(6).Hex())
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestProcessDeposit_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.chain.addDeposit(hashOf(7), 5, userAddr, custodialAddr, "10")

	first, err := f.svc.VerifyAndProcess(ctx, hashOf(7).Hex())
	require.NoError(t, err)
	assert.Equal(t, entities.DepositOutcomeUntracked, first.Outcome)
	assert.True(t, first.Record.Metadata.Untracked)

	second, err := f.svc.VerifyAndProcess(ctx, hashOf(7).Hex())
	require.NoError(t, err)
	assert.Equal(t, entities.DepositOutcomeAlreadyProcessed, second.Outcome)

	assert.Equal(t, 1, f.records.count())
	assert.Len(t, f.ledger.appends, 1)
}

func TestProcessDeposit_RetryCreditsAfterLedgerFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("untracked deposit", func(t *testing.T) {
		f := newFixture()
		f.ledger.failures = 1
		f.chain.addDeposit(hashOf(8), 5, userAddr, custodialAddr, "10")

		_, err := f.svc.VerifyAndProcess(ctx, hashOf(8).Hex())
		require.Error(t, err)
		assert.Equal(t, 1, f.records.count())
		assert.Empty(t, f.ledger.appends)

		retry, err := f.svc.VerifyAndProcess(ctx, hashOf(8).Hex())
		require.NoError(t, err)
		assert.Equal(t, entities.DepositOutcomeAlreadyProcessed, retry.Outcome)
		require.Len(t, f.ledger.appends, 1)
		assert.Equal(t, "10", f.ledger.appends[0].Amount.String())
		assert.Equal(t, hashOf(8).Hex(), f.ledger.appends[0].TransactionHash)

		_, err = f.svc.VerifyAndProcess(ctx, hashOf(8).Hex())
		require.NoError(t, err)
		assert.Len(t, f.ledger.appends, 1)
		assert.Equal(t, 1, f.records.count())
	})

	t.Run("confirmed tracking record", func(t *testing.T) {
		f := newFixture()
		record, err := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("50"), "")
		require.NoError(t, err)
		f.chain.addDeposit(hashOf(12), 9, userAddr, custodialAddr, "50")
		f.ledger.failures = 1

		_, err = f.svc.ConfirmDeposit(ctx, record.ID, hashOf(12).Hex(), userAddr.Hex())
		require.Error(t, err)
		assert.Empty(t, f.ledger.appends)

		again, err := f.svc.ConfirmDeposit(ctx, record.ID, hashOf(12).Hex(), userAddr.Hex())
		require.NoError(t, err)
		assert.Equal(t, entities.DepositOutcomeAlreadyProcessed, again.Outcome)
		require.Len(t, f.ledger.appends, 1)
		assert.Equal(t, "50", f.ledger.appends[0].Amount.String())
	})
}

func TestBackfill_RetriedRangeCreditsMissedDeposit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.chain.addDeposit(hashOf(42), 10, userAddr, custodialAddr, "3")
	f.ledger.failures = 1

	first, err := f.svc.Backfill(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	second, err := f.svc.Backfill(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, 1, second.AlreadyProcessed)
	require.Len(t, f.ledger.appends, 1)
	assert.Equal(t, "3", f.ledger.appends[0].Amount.String())
}

func TestProcessDeposit_PendingMatchedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tracked, err := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("25"), "")
	require.NoError(t, err)
	f.chain.addDeposit(hashOf(10), 5, userAddr, custodialAddr, "25")
	f.chain.addDeposit(hashOf(11), 6, userAddr, custodialAddr, "25")

	first, err := f.svc.VerifyAndProcess(ctx, hashOf(10).Hex())
	require.NoError(t, err)
	second, err := f.svc.VerifyAndProcess(ctx, hashOf(11).Hex())
	require.NoError(t, err)

	assert.Equal(t, entities.DepositOutcomeMatched, first.Outcome)
	assert.Equal(t, tracked.ID, first.Record.ID)
	assert.Equal(t, entities.DepositOutcomeUntracked, second.Outcome)
	assert.NotEqual(t, tracked.ID, second.Record.ID)

	stored, _ := f.records.GetByID(ctx, tracked.ID)
	assert.Equal(t, hashOf(10).Hex(), stored.Hash())
	assert.Equal(t, 2, f.records.count())
	assert.Len(t, f.ledger.appends, 2)
}

func TestProcessDeposit_ConcurrentDuplicates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.TrackDeposit(ctx, userAddr.Hex(), decimal.RequireFromString("5"), "")
	require.NoError(t, err)
	f.chain.addDeposit(hashOf(20), 5, userAddr, custodialAddr, "5")

	v, err := f.svc.VerifyDeposit(ctx, hashOf(20).Hex())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copied := *v
			_, err := f.svc.ProcessDeposit(ctx, &copied)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.records.count())
	assert.Len(t, f.ledger.appends, 1)
}

func TestGetRecentDeposits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.chain.addDeposit(hashOf(30), 100, userAddr, custodialAddr, "1")
	f.chain.addDeposit(hashOf(31), 100, otherAddr, custodialAddr, "2")
	f.chain.addDeposit(hashOf(32), 150, userAddr, custodialAddr, "3")
	f.chain.addDeposit(hashOf(33), 900, userAddr, custodialAddr, "4")

	deposits, err := f.svc.GetRecentDeposits(ctx, 100, 200)

	require.NoError(t, err)
	require.Len(t, deposits, 3)
	assert.Equal(t, hashOf(31).Hex(), deposits[1].TransactionHash)
	assert.Equal(t, "2", deposits[1].Amount.String())
	assert.Equal(t, 1, f.chain.headerCalls[100])
	assert.Equal(t, 0, f.records.count())

	_, err = f.svc.GetRecentDeposits(ctx, 300, 200)
	assert.Error(t, err)

	all, err := f.svc.GetRecentDeposits(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBackfill(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.chain.addDeposit(hashOf(40), 10, userAddr, custodialAddr, "1")
	f.chain.addDeposit(hashOf(41), 11, otherAddr, custodialAddr, "2")

	first, err := f.svc.Backfill(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Recorded)

	second, err := f.svc.Backfill(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Recorded)
	assert.Equal(t, 2, second.AlreadyProcessed)
	assert.Len(t, f.ledger.appends, 2)
}
