package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/config"
	paygatehttp "github.com/x402-foundation/paygate/http"
	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
	"github.com/x402-foundation/paygate/pkg/logging"
	"github.com/x402-foundation/paygate/pkg/tokenmetadata"
	evmsigners "github.com/x402-foundation/paygate/signers/evm"
)

var payFlags struct {
	facilitator     string
	permitKey       string
	rpcURL          string
	token           string
	chainID         int64
	tokenName       string
	tokenVersion    string
	deadlineSeconds int64
}

var payCmd = &cobra.Command{
	Use:   "pay <resourceURL>",
	Short: "Pay for a resource and print the unlocked payload",
	Long: "Probe resourceURL, settle the 402 challenge through a facilitator and retry with the proof.\n" +
		"Without --permit-key the facilitator pays from its own float (direct mode).",
	Args: cobra.ExactArgs(1),
	RunE: runPay,
}

func init() {
	f := payCmd.Flags()
	f.StringVar(&payFlags.facilitator, "facilitator", "", "preferred facilitator name (default: first offered)")
	f.StringVar(&payFlags.permitKey, "permit-key", "", "payer private key; signs an EIP-2612 permit")
	f.StringVar(&payFlags.rpcURL, "rpc-url", "", "RPC endpoint for nonce and decimals reads (default RPC_URL)")
	f.StringVar(&payFlags.token, "token", "", "token contract address (default TOKEN_ADDRESS)")
	f.Int64Var(&payFlags.chainID, "chain-id", x402evm.DefaultChainID, "chain id of the permit domain")
	f.StringVar(&payFlags.tokenName, "token-name", "", "EIP-712 token name (default TOKEN_NAME, then the on-chain name)")
	f.StringVar(&payFlags.tokenVersion, "token-version", x402evm.DefaultPermitVersion, "EIP-712 token version")
	f.Int64Var(&payFlags.deadlineSeconds, "deadline-seconds", 3600, "permit lifetime")
	rootCmd.AddCommand(payCmd)
}

func runPay(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnv(envFile); err != nil {
		return err
	}
	level := config.Getenv("LOG_LEVEL", "info")
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.Configure(level, config.Getenv("LOG_FORMAT", "text")); err != nil {
		return err
	}
	logger := logging.NewModuleLogger("pay")

	opts := paygatehttp.PayOptions{PreferredFacilitator: payFlags.facilitator}
	if payFlags.permitKey != "" {
		signer, closeChain, err := permitSigner(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeChain()
		opts.SignPermit = signer
	}

	orchestrator := paygatehttp.NewOrchestrator(paygatehttp.WithOrchestratorLogger(logger))
	result, err := orchestrator.PayAndRequest(cmd.Context(), args[0], opts)
	if err != nil {
		var oe *paygatehttp.OrchestratorError
		if errors.As(err, &oe) && oe.Proof != nil {
			logger.WithField("tx_hash", oe.Proof.TxHash).Warn("payment settled but the resource refused the proof; retry with this hash instead of paying again")
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// permitSigner reads the payer's nonce and the token decimals through RPC and
// signs a permit for whichever facilitator the orchestrator picks
func permitSigner(ctx context.Context, logger logrus.FieldLogger) (paygatehttp.PermitSigner, func(), error) {
	rpcURL := payFlags.rpcURL
	if rpcURL == "" {
		rpcURL = config.Getenv("RPC_URL", "")
	}
	token := payFlags.token
	if token == "" {
		token = config.Getenv("TOKEN_ADDRESS", "")
	}
	if rpcURL == "" || !x402evm.IsValidAddress(token) {
		return nil, nil, x402.NewConfigurationError("permit payments need --rpc-url and --token (or RPC_URL and TOKEN_ADDRESS)")
	}

	chain, eth, err := evmsigners.Dial(ctx, rpcURL, evmsigners.ChainConfig{Logger: logging.NewModuleLogger("chain")})
	if err != nil {
		return nil, nil, err
	}
	signer, err := evmsigners.NewClientSigner(payFlags.permitKey, chain)
	if err != nil {
		eth.Close()
		return nil, nil, err
	}
	metadata := tokenmetadata.NewClient(chain)
	logger.WithField("payer", signer.Address()).Info("signing permits")

	sign := func(ctx context.Context, quote x402.FacilitatorQuote, challenge x402.PaymentChallenge) (*x402.PermitSettlementRequest, error) {
		if !x402evm.IsValidAddress(quote.Address) {
			return nil, fmt.Errorf("facilitator %s does not advertise a wallet address", quote.Name)
		}
		md, err := metadata.GetMetadata(ctx, token)
		if err != nil {
			return nil, err
		}
		tokenName := payFlags.tokenName
		if tokenName == "" {
			tokenName = config.Getenv("TOKEN_NAME", md.Name)
		}
		value, err := x402.ToTokenUnits(challenge.Price, md.Decimals)
		if err != nil {
			return nil, fmt.Errorf("invalid challenge price %q: %w", challenge.Price, err)
		}
		deadline := time.Now().Add(time.Duration(payFlags.deadlineSeconds) * time.Second).Unix()

		permit, err := x402evm.SignPermit(ctx, signer, x402evm.PermitParams{
			Token:        token,
			TokenName:    tokenName,
			TokenVersion: payFlags.tokenVersion,
			ChainID:      big.NewInt(payFlags.chainID),
			Spender:      quote.Address,
			Value:        value,
			Deadline:     big.NewInt(deadline),
		})
		if err != nil {
			return nil, err
		}
		req := permit.SettlementRequest()
		return &req, nil
	}
	return sign, eth.Close, nil
}
