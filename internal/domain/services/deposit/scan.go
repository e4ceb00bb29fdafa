package deposit

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/infrastructure/chain"
)

// GetRecentDeposits scans [fromBlock, toBlock] for transfers to the custodial wallet.
// toBlock 0 means the current head. The scan never writes to storage.
func (s *Service) GetRecentDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]*entities.DepositVerification, error) {
	if toBlock == 0 {
		head, err := s.chain.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("get head block: %w", err)
		}
		toBlock = head
	}
	if fromBlock > toBlock {
		return nil, domainerrors.ValidationError("from_block", fmt.Sprintf("from block %d is after to block %d", fromBlock, toBlock))
	}

	logs, err := s.chain.FilterLogs(ctx, s.filter.Query(fromBlock, toBlock))
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", fromBlock, toBlock, err)
	}

	ptrs := make([]*types.Log, len(logs))
	for i := range logs {
		ptrs[i] = &logs[i]
	}

	headers := make(map[uint64]*types.Header)
	var deposits []*entities.DepositVerification
	for _, ev := range chain.DecodeTransfers(ptrs, s.filter) {
		header, ok := headers[ev.BlockNumber]
		if !ok {
			header, err = s.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(ev.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("get block %d: %w", ev.BlockNumber, err)
			}
			headers[ev.BlockNumber] = header
		}
		deposits = append(deposits, s.toVerification(ev, ev.BlockNumber, header))
	}

	s.logger.Debug("Scanned deposits",
		"from_block", fromBlock,
		"to_block", toBlock,
		"logs", len(logs),
		"deposits", len(deposits))

	return deposits, nil
}

// BackfillResult summarizes one scan-and-record pass
type BackfillResult struct {
	FromBlock        uint64 `json:"from_block"`
	ToBlock          uint64 `json:"to_block"`
	Found            int    `json:"found"`
	Recorded         int    `json:"recorded"`
	AlreadyProcessed int    `json:"already_processed"`
	Failed           int    `json:"failed"`
}

// Backfill scans a block range and records every deposit it finds.
// Recording is idempotent, so overlapping ranges are safe.
func (s *Service) Backfill(ctx context.Context, fromBlock, toBlock uint64) (*BackfillResult, error) {
	deposits, err := s.GetRecentDeposits(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{FromBlock: fromBlock, ToBlock: toBlock, Found: len(deposits)}
	for _, v := range deposits {
		res, err := s.ProcessDeposit(ctx, v)
		if err != nil {
			result.Failed++
			s.logger.Error("Failed to record deposit", "tx_hash", v.TransactionHash, "error", err)
			continue
		}
		if res.Created() {
			result.Recorded++
		} else {
			result.AlreadyProcessed++
		}
	}
	return result, nil
}
