package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferEventTopic is topic0 of Transfer(address,address,uint256)
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var ErrMalformedTransferLog = errors.New("malformed transfer log")

// TransferEvent is a decoded ERC-20 Transfer log
type TransferEvent struct {
	Contract    common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// DecodeTransferLog decodes a Transfer log positionally: from and to are the lower
// 20 bytes of topics 1 and 2, value is the first data word.
func DecodeTransferLog(l *types.Log) (*TransferEvent, error) {
	if l == nil || len(l.Topics) != 3 || l.Topics[0] != TransferEventTopic {
		return nil, ErrMalformedTransferLog
	}
	if len(l.Data) < common.HashLength {
		return nil, ErrMalformedTransferLog
	}

	return &TransferEvent{
		Contract:    l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()[common.HashLength-common.AddressLength:]),
		To:          common.BytesToAddress(l.Topics[2].Bytes()[common.HashLength-common.AddressLength:]),
		Value:       new(big.Int).SetBytes(l.Data[:common.HashLength]),
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}

// TransferFilter restricts decoding to one token contract and, optionally, one recipient
type TransferFilter struct {
	Contract common.Address
	To       *common.Address
}

func (f TransferFilter) matches(l *types.Log) bool {
	if l.Address != f.Contract || len(l.Topics) == 0 || l.Topics[0] != TransferEventTopic {
		return false
	}
	if f.To != nil {
		return len(l.Topics) == 3 && l.Topics[2] == common.BytesToHash(f.To.Bytes())
	}
	return true
}

// DecodeTransfers returns every matching Transfer in logs, in log order.
// Logs that match the filter but cannot be decoded are skipped.
func DecodeTransfers(logs []*types.Log, f TransferFilter) []TransferEvent {
	var events []TransferEvent
	for _, l := range logs {
		if !f.matches(l) {
			continue
		}
		ev, err := DecodeTransferLog(l)
		if err != nil {
			continue
		}
		events = append(events, *ev)
	}
	return events
}

// Query builds the equivalent eth_getLogs filter for a block range
func (f TransferFilter) Query(fromBlock, toBlock uint64) ethereum.FilterQuery {
	topics := [][]common.Hash{{TransferEventTopic}}
	if f.To != nil {
		topics = append(topics, nil, []common.Hash{common.BytesToHash(f.To.Bytes())})
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{f.Contract},
		Topics:    topics,
	}
}
