// Package chain is the only way the settlement service talks to an EVM chain.
// Every call runs against the current RPC endpoint and rotates to the next one on failure.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/metrics"
	"github.com/rail-service/settlement_service/pkg/retry"
)

const (
	DefaultReceiptTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// Backend is the subset of the JSON-RPC API the service uses
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Dialer opens a backend for one endpoint URL
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthClient dials a go-ethereum JSON-RPC client
func DialEthClient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Config holds the endpoints of one chain
type Config struct {
	Name           string
	Endpoints      []string
	ExplorerURL    string
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Receipt is the mined outcome of a submitted transaction
type Receipt struct {
	TxHash            string
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Status            uint64
	Logs              []*types.Log
}

// GasCost returns gasUsed * effectiveGasPrice in wei
func (r *Receipt) GasCost() *big.Int {
	if r.EffectiveGasPrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

// Client executes reads and writes against an ordered list of RPC endpoints
type Client struct {
	name           string
	endpoints      []string
	explorerURL    string
	receiptTimeout time.Duration
	pollInterval   time.Duration
	dial           Dialer
	rotator        *retry.Rotator
	logger         *zap.Logger

	mu       sync.Mutex
	backends []Backend
	chainID  *big.Int
}

// Option configures a Client
type Option func(*Client)

// WithDialer replaces the go-ethereum dialer
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// NewClient creates a client. Endpoints are dialed lazily on first use.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("chain %s: at least one rpc endpoint is required", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		name:           cfg.Name,
		endpoints:      cfg.Endpoints,
		explorerURL:    strings.TrimRight(cfg.ExplorerURL, "/"),
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		dial:           DialEthClient,
		rotator:        retry.NewRotator(len(cfg.Endpoints)),
		logger:         logger.With(zap.String("chain", cfg.Name)),
		backends:       make([]Backend, len(cfg.Endpoints)),
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = DefaultReceiptTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	for _, opt := range opts {
		opt(c)
	}

	c.rotator.OnRotate = func(operation string, from, to int, err error) {
		metrics.RPCRotationsTotal.WithLabelValues(c.name, operation).Inc()
		c.logger.Warn("rpc endpoint failed, rotating",
			zap.String("operation", operation),
			zap.String("endpoint", c.endpoints[from]),
			zap.String("next_endpoint", c.endpoints[to]),
			zap.Error(err))
	}

	return c, nil
}

// Name returns the chain name
func (c *Client) Name() string { return c.name }

// TxURL returns the explorer link for a transaction hash
func (c *Client) TxURL(txHash string) string {
	if c.explorerURL == "" || txHash == "" {
		return ""
	}
	return c.explorerURL + "/tx/" + txHash
}

// Close closes every dialed backend
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.backends {
		if b != nil {
			b.Close()
			c.backends[i] = nil
		}
	}
}

func (c *Client) backend(ctx context.Context, idx int) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b := c.backends[idx]; b != nil {
		return b, nil
	}
	b, err := c.dial(ctx, c.endpoints[idx])
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoints[idx], err)
	}
	c.backends[idx] = b
	return b, nil
}

// Read runs fn against the current endpoint, rotating through all endpoints on failure
func Read[T any](ctx context.Context, c *Client, operation string, fn func(ctx context.Context, b Backend) (T, error)) (T, error) {
	result, err := retry.Rotate(ctx, c.rotator, operation, func(ctx context.Context, idx int) (T, error) {
		b, err := c.backend(ctx, idx)
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, b)
	})
	if err != nil {
		metrics.RPCRequestsTotal.WithLabelValues(c.name, operation, "error").Inc()
		if errors.Is(err, retry.ErrResourcesExhausted) {
			return result, domainerrors.EndpointsExhaustedError(c.name, operation, err)
		}
		return result, err
	}
	metrics.RPCRequestsTotal.WithLabelValues(c.name, operation, "ok").Inc()
	return result, nil
}

// ChainID returns the chain id, cached after the first successful read
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	id, err := Read(ctx, c, "eth_chainId", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.ChainID(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return Read(ctx, c, "eth_blockNumber", func(ctx context.Context, b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return Read(ctx, c, "eth_getBlockByNumber", func(ctx context.Context, b Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, number)
	})
}

// Receipt returns nil without error when the transaction is unknown
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return Read(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context, b Backend) (*types.Receipt, error) {
		r, err := b.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return Read(ctx, c, "eth_getLogs", func(ctx context.Context, b Backend) ([]types.Log, error) {
		return b.FilterLogs(ctx, q)
	})
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return Read(ctx, c, "eth_getBalance", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.BalanceAt(ctx, account, nil)
	})
}

func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error) {
	return Read(ctx, c, "eth_call", func(ctx context.Context, b Backend) ([]byte, error) {
		return b.CallContract(ctx, call, nil)
	})
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return Read(ctx, c, "eth_estimateGas", func(ctx context.Context, b Backend) (uint64, error) {
		return b.EstimateGas(ctx, call)
	})
}

// SendAndWait broadcasts a signed transaction and waits for its receipt.
// On endpoint failure the same signed transaction is re-broadcast on the next endpoint,
// so a transaction is never signed twice. A reverted receipt fails without rotating.
func (c *Client) SendAndWait(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	hash := tx.Hash()
	receipt, err := Read(ctx, c, "send_and_wait", func(ctx context.Context, b Backend) (*types.Receipt, error) {
		if err := b.SendTransaction(ctx, tx); err != nil && !isAlreadyKnown(err) {
			return nil, err
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()

		r, err := c.waitMined(waitCtx, b, hash)
		if err != nil {
			return nil, err
		}
		if r.Status != types.ReceiptStatusSuccessful {
			return r, retry.Permanent(fmt.Errorf("%w: %s", domainerrors.ErrTransactionReverted, hash.Hex()))
		}
		return r, nil
	})
	if err != nil {
		c.logger.Error("transaction failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return nil, err
	}

	c.logger.Info("transaction mined",
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("block_number", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed))

	return toReceipt(receipt), nil
}

func (c *Client) waitMined(ctx context.Context, b Backend, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := b.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			return r, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", domainerrors.ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:            r.TxHash.Hex(),
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		Status:            r.Status,
		Logs:              r.Logs,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}
