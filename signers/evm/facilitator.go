package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner for a facilitator
// wallet. It does not serialize writes itself; callers must not submit two
// transactions from the same wallet concurrently.
type FacilitatorSigner struct {
	*ChainClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

var _ x402evm.FacilitatorEvmSigner = (*FacilitatorSigner)(nil)

// NewFacilitatorSigner creates a facilitator signer from a hex-encoded key
func NewFacilitatorSigner(privateKeyHex string, client *ethclient.Client, chainID *big.Int, cfg ChainConfig) (*FacilitatorSigner, error) {
	return newFacilitatorSigner(privateKeyHex, newChainClient(client, cfg), chainID)
}

// NewFacilitatorSignerWithChain shares an existing ChainClient between wallets
func NewFacilitatorSignerWithChain(privateKeyHex string, chain *ChainClient, chainID *big.Int) (*FacilitatorSigner, error) {
	return newFacilitatorSigner(privateKeyHex, chain, chainID)
}

func newFacilitatorSigner(privateKeyHex string, chain *ChainClient, chainID *big.Int) (*FacilitatorSigner, error) {
	privateKey, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if chainID == nil {
		chainID = big.NewInt(x402evm.DefaultChainID)
	}
	return &FacilitatorSigner{
		ChainClient: chain,
		privateKey:  privateKey,
		address:     crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:     chainID,
	}, nil
}

// Address returns the facilitator wallet address
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// WriteContract signs and broadcasts a contract call from the wallet.
// The nonce is the wallet's pending nonce. A call that would revert is
// reported from gas estimation before anything is broadcast.
func (s *FacilitatorSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	var nonce uint64
	err = s.cfg.Retry.do(ctx, "getNonce", func(ctx context.Context) error {
		var err error
		nonce, err = s.backend.PendingNonceAt(ctx, s.address)
		return err
	})
	if err != nil {
		return "", err
	}

	var gasPrice *big.Int
	err = s.cfg.Retry.do(ctx, "gasPrice", func(ctx context.Context) error {
		var err error
		gasPrice, err = s.backend.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(contractAddress)
	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return "", x402evm.ParseRevertError(err, functionName)
		}
		s.cfg.Logger.WithError(err).WithField("function", functionName).Warn("gas estimation failed, using default limit")
		gasLimit = x402evm.DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	// Broadcast once; a resend is a caller decision
	if err := s.backend.SendTransaction(ctx, signedTx); err != nil {
		if isTransient(err) {
			return "", rpcUnavailable("sendTransaction", err)
		}
		return "", x402evm.ParseRevertError(err, functionName)
	}

	s.cfg.Logger.WithField("tx_hash", signedTx.Hash().Hex()).
		WithField("function", functionName).
		WithField("nonce", nonce).
		Debug("transaction submitted")

	return signedTx.Hash().Hex(), nil
}

func parsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, nil
}
