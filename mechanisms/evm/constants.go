// Package evm provides the EVM primitives of the paygate: ERC-20 and EIP-2612
// ABIs, EIP-712 permit hashing and signing, and on-chain proof verification.
package evm

import (
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// ERC-20 function names
	FunctionTransfer     = "transfer"
	FunctionTransferFrom = "transferFrom"
	FunctionBalanceOf    = "balanceOf"
	FunctionDecimals     = "decimals"
	FunctionName         = "name"
	FunctionSymbol       = "symbol"

	// EIP-2612 function names
	FunctionPermit = "permit"
	FunctionNonces = "nonces"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultChainID is BNB Smart Chain testnet
	DefaultChainID = 97

	// DefaultPermitVersion is the EIP-712 domain version most EIP-2612 tokens use
	DefaultPermitVersion = "1"

	// DefaultGasLimit is used when gas estimation fails
	DefaultGasLimit = 300000

	// TransferEventSignature is the canonical ERC-20 Transfer event
	TransferEventSignature = "Transfer(address,address,uint256)"
)

// TransferEventTopic is keccak256 of TransferEventSignature
var TransferEventTopic = crypto.Keccak256Hash([]byte(TransferEventSignature)).Hex()

var (
	// ERC20TransferABI for direct settlements out of the facilitator wallet
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20TransferFromABI for pulling funds after a permit
	ERC20TransferFromABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transferFrom",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20DecimalsABI for converting display amounts
	ERC20DecimalsABI = []byte(`[
		{
			"inputs": [],
			"name": "decimals",
			"outputs": [{"name": "", "type": "uint8"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20MetadataABI for reading the optional name and symbol
	ERC20MetadataABI = []byte(`[
		{
			"inputs": [],
			"name": "name",
			"outputs": [{"name": "", "type": "string"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "symbol",
			"outputs": [{"name": "", "type": "string"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP2612NoncesABI for reading the owner's permit nonce
	EIP2612NoncesABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"}
			],
			"name": "nonces",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP2612PermitABI for submitting a signed permit
	EIP2612PermitABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "permit",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

// GetPermitEIP712Types returns the EIP-712 types for an EIP-2612 permit
func GetPermitEIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Permit": {
			{Name: "owner", Type: "address"},
			{Name: "spender", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
}
