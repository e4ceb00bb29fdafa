package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// gasLimitBufferPercent is added on top of eth_estimateGas
const gasLimitBufferPercent = 20

// Signer holds the custodial key. Transactions from one signer are serialized
// so nonces are assigned in order.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mu      sync.Mutex
}

// NewSigner loads a hex-encoded secp256k1 private key
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's account
func (s *Signer) Address() common.Address { return s.address }

// SignTx signs tx for the given chain id
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// Call describes a contract call to submit
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Fees are EIP-1559 fee caps in wei
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// SuggestFees returns a tip and a fee cap of 2*baseFee + tip
func (c *Client) SuggestFees(ctx context.Context) (Fees, error) {
	tip, err := Read(ctx, c, "eth_maxPriorityFeePerGas", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return Fees{}, err
	}
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, err
	}

	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return Fees{TipCap: tip, FeeCap: feeCap}, nil
}

// EstimateCall returns the buffered gas limit for a call from the given account
func (c *Client) EstimateCall(ctx context.Context, from common.Address, call Call) (uint64, error) {
	if call.GasLimit > 0 {
		return call.GasLimit, nil
	}
	gas, err := c.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &call.To,
		Data:  call.Data,
		Value: call.Value,
	})
	if err != nil {
		return 0, err
	}
	return gas + gas*gasLimitBufferPercent/100, nil
}

// Transact builds, signs and submits an EIP-1559 transaction, then waits for its receipt
func (c *Client) Transact(ctx context.Context, signer *Signer, call Call) (*Receipt, error) {
	signer.mu.Lock()
	defer signer.mu.Unlock()

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := Read(ctx, c, "eth_getTransactionCount", func(ctx context.Context, b Backend) (uint64, error) {
		return b.PendingNonceAt(ctx, signer.address)
	})
	if err != nil {
		return nil, err
	}
	fees, err := c.SuggestFees(ctx)
	if err != nil {
		return nil, err
	}
	gas, err := c.EstimateCall(ctx, signer.address, call)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := call.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})

	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	c.logger.Info("submitting transaction",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))

	return c.SendAndWait(ctx, signed)
}
