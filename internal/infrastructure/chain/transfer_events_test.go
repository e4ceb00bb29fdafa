package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testToken     = common.HexToAddress("0x8292Bb45bf1Ee4d140127049757C2E0fF06317eD")
	testCustodial = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSender    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func transferLog(contract, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 10,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestTransferEventTopic(t *testing.T) {
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferEventTopic.Hex())
}

func TestDecodeTransferLog(t *testing.T) {
	value, _ := new(big.Int).SetString("50000000000000000000", 10)
	l := transferLog(testToken, testSender, testCustodial, value)

	ev, err := DecodeTransferLog(l)

	require.NoError(t, err)
	assert.Equal(t, testSender, ev.From)
	assert.Equal(t, testCustodial, ev.To)
	assert.Equal(t, 0, value.Cmp(ev.Value))
	assert.Equal(t, testToken, ev.Contract)

	again, err := DecodeTransferLog(l)
	require.NoError(t, err)
	assert.Equal(t, ev, again)
}

func TestDecodeTransferLog_Malformed(t *testing.T) {
	cases := map[string]*types.Log{
		"nil log":       nil,
		"missing topic": {Address: testToken, Topics: []common.Hash{TransferEventTopic}, Data: make([]byte, 32)},
		"wrong topic0":  {Address: testToken, Topics: []common.Hash{common.HexToHash("0x01"), {}, {}}, Data: make([]byte, 32)},
		"short data":    {Address: testToken, Topics: []common.Hash{TransferEventTopic, {}, {}}, Data: []byte{1}},
	}
	for name, l := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTransferLog(l)
			assert.ErrorIs(t, err, ErrMalformedTransferLog)
		})
	}
}

func TestDecodeTransfers_Filter(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	logs := []*types.Log{
		transferLog(testToken, testSender, other, big.NewInt(1)),
		transferLog(other, testSender, testCustodial, big.NewInt(2)),
		transferLog(testToken, testSender, testCustodial, big.NewInt(3)),
		{Address: testToken, Topics: []common.Hash{TransferEventTopic, {}, common.BytesToHash(testCustodial.Bytes())}},
	}

	events := DecodeTransfers(logs, TransferFilter{Contract: testToken, To: &testCustodial})

	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Value.Int64())

	all := DecodeTransfers(logs, TransferFilter{Contract: testToken})
	assert.Len(t, all, 2)
}

func TestTransferFilter_Query(t *testing.T) {
	q := TransferFilter{Contract: testToken, To: &testCustodial}.Query(100, 200)

	assert.Equal(t, []common.Address{testToken}, q.Addresses)
	assert.Equal(t, int64(100), q.FromBlock.Int64())
	assert.Equal(t, int64(200), q.ToBlock.Int64())
	require.Len(t, q.Topics, 3)
	assert.Nil(t, q.Topics[1])
	assert.Equal(t, common.BytesToHash(testCustodial.Bytes()), q.Topics[2][0])
}

func TestBaseUnits(t *testing.T) {
	raw := ToBaseUnits(decimal.RequireFromString("50.1234567"), 6)
	assert.Equal(t, "50123456", raw.String())
	assert.True(t, FromBaseUnits(raw, 6).Equal(decimal.RequireFromString("50.123456")))

	wei, _ := new(big.Int).SetString("50000000000000000000", 10)
	assert.Equal(t, "50", FromBaseUnits(wei, 18).String())
	assert.True(t, FromBaseUnits(nil, 18).IsZero())
}
