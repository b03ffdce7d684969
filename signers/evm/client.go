package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

// contractReader serves the signer's token reads (EIP-2612 nonces)
type contractReader interface {
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
}

// ClientSigner implements x402evm.ClientEvmSigner using an ECDSA private key.
// It signs EIP-2612 permits for a payer wallet.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	reader     contractReader
}

var _ x402evm.ClientEvmSigner = (*ClientSigner)(nil)

// NewClientSignerFromPrivateKey creates a client signer without chain access.
// ReadContract fails until a chain is attached, so SignPermit needs
// NewClientSigner instead.
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	return NewClientSigner(privateKeyHex, nil)
}

// NewClientSigner creates a client signer reading through chain.
//
// Example:
//
//	chain, _, err := evm.Dial(ctx, rpcURL, evm.ChainConfig{})
//	signer, err := evm.NewClientSigner("0x1234...", chain)
//	permit, err := x402evm.SignPermit(ctx, signer, params)
func NewClientSigner(privateKeyHex string, chain *ChainClient) (*ClientSigner, error) {
	privateKey, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	signer := &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
	if chain != nil {
		signer.reader = chain
	}
	return signer, nil
}

// Address returns the Ethereum address of the signer.
func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs EIP-712 typed data and returns a 65-byte r||s||v
// signature with v in {27, 28}.
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain x402evm.TypedDataDomain,
	types map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := x402evm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

// ReadContract reads data from a smart contract through the attached chain.
func (s *ClientSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("ReadContract requires a chain client; use NewClientSigner")
	}
	return s.reader.ReadContract(ctx, contractAddress, abiBytes, functionName, args...)
}
