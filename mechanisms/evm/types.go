package evm

import (
	"context"
	"math/big"
)

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PermitAuthorization is a signed EIP-2612 permit
type PermitAuthorization struct {
	Owner    string   `json:"owner"`
	Spender  string   `json:"spender"`
	Value    *big.Int `json:"value"`
	Nonce    *big.Int `json:"nonce"`
	Deadline *big.Int `json:"deadline"`
	V        uint8    `json:"v"`
	R        string   `json:"r"`
	S        string   `json:"s"`
}

// Log is an event emitted by a transaction.
// Topics are 0x-prefixed 32-byte hex strings.
type Log struct {
	Address string
	Topics  []string
	Data    []byte
}

// TransactionReceipt is the confirmed result of a transaction
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
	GasUsed     uint64
	Logs        []Log
}

// ClientEvmSigner signs permits on behalf of a token holder
type ClientEvmSigner interface {
	// Address returns the signer's address
	Address() string

	// SignTypedData signs EIP-712 typed data and returns a 65-byte signature
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)

	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
}

// FacilitatorEvmSigner is the chain collaborator of a facilitator wallet.
// Reads may run concurrently. Callers serialize WriteContract per wallet.
type FacilitatorEvmSigner interface {
	// Address returns the facilitator wallet address
	Address() string

	// NativeBalance returns the native gas balance of address in wei
	NativeBalance(ctx context.Context, address string) (*big.Int, error)

	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract signs and submits a contract call, returning the tx hash
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for confirmation. A confirmation
	// timeout is reported as an x402 pending error carrying the hash.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// ChainReader looks up settled transactions for proof verification
type ChainReader interface {
	// TransactionExists reports whether the chain knows the transaction
	TransactionExists(ctx context.Context, txHash string) (bool, error)

	// TransactionReceipt returns the receipt, or nil when not yet mined
	TransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}
