package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/paygate"
)

// PermitParams describes the permit a token holder grants to a facilitator
type PermitParams struct {
	Token        string
	TokenName    string
	TokenVersion string
	ChainID      *big.Int
	Spender      string
	Value        *big.Int
	Deadline     *big.Int
}

// SignPermit signs an EIP-2612 permit letting Spender move Value of the
// signer's tokens until Deadline. The current nonce is read from the token,
// so a permit is only valid until the owner signs and uses another.
func SignPermit(ctx context.Context, signer ClientEvmSigner, params PermitParams) (*PermitAuthorization, error) {
	if !IsValidAddress(params.Token) {
		return nil, fmt.Errorf("invalid token address: %s", params.Token)
	}
	if !IsValidAddress(params.Spender) {
		return nil, fmt.Errorf("invalid spender address: %s", params.Spender)
	}
	if params.Value == nil || params.Value.Sign() <= 0 {
		return nil, fmt.Errorf("permit value must be positive")
	}
	if params.Deadline == nil || params.Deadline.Sign() <= 0 {
		return nil, fmt.Errorf("permit deadline is required")
	}

	owner := signer.Address()

	nonceResult, err := signer.ReadContract(
		ctx,
		params.Token,
		EIP2612NoncesABI,
		FunctionNonces,
		common.HexToAddress(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read EIP-2612 nonce: %w", err)
	}
	nonce, ok := nonceResult.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce type: %T", nonceResult)
	}

	domain := PermitDomain(params.TokenName, params.TokenVersion, params.ChainID, params.Token)
	message := PermitMessage(owner, params.Spender, params.Value, nonce, params.Deadline)

	signature, err := signer.SignTypedData(ctx, domain, GetPermitEIP712Types(), "Permit", message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign EIP-2612 permit: %w", err)
	}

	v, r, s, err := SplitSignature(signature)
	if err != nil {
		return nil, err
	}

	return &PermitAuthorization{
		Owner:    common.HexToAddress(owner).Hex(),
		Spender:  common.HexToAddress(params.Spender).Hex(),
		Value:    new(big.Int).Set(params.Value),
		Nonce:    nonce,
		Deadline: new(big.Int).Set(params.Deadline),
		V:        v,
		R:        r,
		S:        s,
	}, nil
}

// SettlementRequest is the body a client posts to a facilitator to settle
// with this permit. The nonce and spender are not sent; the facilitator reads
// the nonce on-chain and is itself the spender.
func (p PermitAuthorization) SettlementRequest() x402.PermitSettlementRequest {
	return x402.PermitSettlementRequest{
		Owner:    p.Owner,
		Value:    new(big.Int).Set(p.Value),
		Deadline: new(big.Int).Set(p.Deadline),
		V:        p.V,
		R:        p.R,
		S:        p.S,
	}
}
