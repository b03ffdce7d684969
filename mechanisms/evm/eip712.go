package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData hashes EIP-712 typed data according to the specification
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// PermitDomain builds the EIP-712 domain of an EIP-2612 token
func PermitDomain(tokenName, tokenVersion string, chainID *big.Int, token string) TypedDataDomain {
	if tokenVersion == "" {
		tokenVersion = DefaultPermitVersion
	}
	if chainID == nil {
		chainID = big.NewInt(DefaultChainID)
	}
	return TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(token).Hex(),
	}
}

// PermitMessage builds the Permit struct message
func PermitMessage(owner, spender string, value, nonce, deadline *big.Int) map[string]interface{} {
	return map[string]interface{}{
		"owner":    common.HexToAddress(owner).Hex(),
		"spender":  common.HexToAddress(spender).Hex(),
		"value":    value,
		"nonce":    nonce,
		"deadline": deadline,
	}
}

// HashPermit hashes an EIP-2612 Permit message for the given token domain
func HashPermit(permit PermitAuthorization, domain TypedDataDomain) ([]byte, error) {
	if permit.Value == nil || permit.Nonce == nil || permit.Deadline == nil {
		return nil, fmt.Errorf("permit value, nonce and deadline are required")
	}
	message := PermitMessage(permit.Owner, permit.Spender, permit.Value, permit.Nonce, permit.Deadline)
	return HashTypedData(domain, GetPermitEIP712Types(), "Permit", message)
}

// RecoverPermitSigner recovers the address that signed a permit
func RecoverPermitSigner(permit PermitAuthorization, domain TypedDataDomain) (string, error) {
	digest, err := HashPermit(permit, domain)
	if err != nil {
		return "", err
	}

	sig, err := JoinSignature(permit.V, permit.R, permit.S)
	if err != nil {
		return "", err
	}
	// crypto.SigToPub expects a recovery id of 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
