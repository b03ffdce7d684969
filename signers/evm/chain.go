package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

// ethBackend is the subset of *ethclient.Client the signers use
type ethBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ ethBackend = (*ethclient.Client)(nil)

// ChainConfig tunes RPC behaviour
type ChainConfig struct {
	// ConfirmationTimeout bounds the wait for a receipt (default 60s)
	ConfirmationTimeout time.Duration
	// PollInterval is the receipt polling period (default 1s)
	PollInterval time.Duration
	// Retry bounds retries of reads
	Retry RetryPolicy
	// Logger receives RPC diagnostics
	Logger logrus.FieldLogger
}

func (c ChainConfig) withDefaults() ChainConfig {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Retry.Attempts == 0 {
		c.Retry = DefaultRetryPolicy
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// ChainClient performs reads against an RPC endpoint. It implements
// x402evm.ChainReader and backs both signer types.
type ChainClient struct {
	backend ethBackend
	cfg     ChainConfig
}

// Dial connects to an RPC endpoint
func Dial(ctx context.Context, rpcURL string, cfg ChainConfig) (*ChainClient, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial RPC: %w", err)
	}
	return NewChainClient(client, cfg), client, nil
}

// NewChainClient wraps an ethclient
func NewChainClient(client *ethclient.Client, cfg ChainConfig) *ChainClient {
	return newChainClient(client, cfg)
}

func newChainClient(backend ethBackend, cfg ChainConfig) *ChainClient {
	return &ChainClient{backend: backend, cfg: cfg.withDefaults()}
}

// ChainID returns the chain id reported by the endpoint
func (c *ChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.cfg.Retry.do(ctx, "chainId", func(ctx context.Context) error {
		var err error
		id, err = c.backend.ChainID(ctx)
		return err
	})
	return id, err
}

// NativeBalance returns the native gas balance of address
func (c *ChainClient) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := c.cfg.Retry.do(ctx, "getBalance", func(ctx context.Context) error {
		var err error
		balance, err = c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	return balance, err
}

// ReadContract reads data from a smart contract
func (c *ChainClient) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{
		To:   &addr,
		Data: data,
	}

	var result []byte
	err = c.cfg.Retry.do(ctx, functionName, func(ctx context.Context) error {
		var err error
		result, err = c.backend.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		var se *x402.SettlementError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// TransactionExists reports whether the chain knows txHash
func (c *ChainClient) TransactionExists(ctx context.Context, txHash string) (bool, error) {
	var found bool
	err := c.cfg.Retry.do(ctx, "getTransaction", func(ctx context.Context) error {
		_, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// TransactionReceipt returns the receipt of txHash, or nil if it is not mined
func (c *ChainClient) TransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	var receipt *types.Receipt
	err := c.cfg.Retry.do(ctx, "getReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return convertReceipt(receipt), nil
}

// WaitForTransactionReceipt polls until txHash is mined. If the confirmation
// window closes first the transaction is reported pending, never failed: it
// may still land.
func (c *ChainClient) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			return convertReceipt(receipt), nil
		case err == nil, errors.Is(err, ethereum.NotFound), isTransient(err):
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				c.cfg.Logger.WithError(err).WithField("tx_hash", txHash).Warn("receipt poll failed, retrying")
			}
		case waitCtx.Err() != nil, errors.Is(err, context.Canceled):
			// The transaction is already broadcast
			return nil, x402.NewPendingError(txHash, c.cfg.ConfirmationTimeout)
		default:
			return nil, rpcUnavailable("getReceipt", err)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return nil, x402.NewPendingError(txHash, c.cfg.ConfirmationTimeout)
		}
	}
}

func convertReceipt(r *types.Receipt) *x402evm.TransactionReceipt {
	out := &x402evm.TransactionReceipt{
		Status:  r.Status,
		TxHash:  r.TxHash.Hex(),
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out.Logs = append(out.Logs, x402evm.Log{
			Address: l.Address.Hex(),
			Topics:  topics,
			Data:    l.Data,
		})
	}
	return out
}
