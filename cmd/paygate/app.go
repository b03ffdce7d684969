package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/config"
	"github.com/x402-foundation/paygate/facilitator"
	paygatehttp "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/ledger"
	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
	ginrouter "github.com/x402-foundation/paygate/pkg/gin"
	echorouter "github.com/x402-foundation/paygate/pkg/echo"
	"github.com/x402-foundation/paygate/pkg/logging"
	"github.com/x402-foundation/paygate/pkg/stdlib"
	"github.com/x402-foundation/paygate/pkg/tokenmetadata"
	evmsigners "github.com/x402-foundation/paygate/signers/evm"
)

// app holds everything serve builds at startup and releases at shutdown
type app struct {
	server  *paygatehttp.Server
	limiter *paygatehttp.RateLimiter
	ledger  x402.SettlementLedger
	eth     *ethclient.Client
	logger  logrus.FieldLogger
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.NewModuleLogger("serve")
	a := &app{logger: logger}

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.Instrument(store, ledger.NewMetrics(prometheus.DefaultRegisterer))

	chain, eth, err := evmsigners.Dial(ctx, cfg.RPCURL, evmsigners.ChainConfig{
		ConfirmationTimeout: cfg.Chain.ConfirmationTimeout,
		PollInterval:        cfg.Chain.PollInterval,
		Retry: evmsigners.RetryPolicy{
			Attempts:  cfg.Chain.RetryAttempts,
			BaseDelay: cfg.Chain.RetryBaseDelay,
		},
		Logger: logging.NewModuleLogger("chain"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.eth = eth

	chainID := big.NewInt(cfg.ChainID)
	if remote, err := chain.ChainID(ctx); err != nil {
		a.Close()
		return nil, err
	} else if remote.Cmp(chainID) != 0 {
		a.Close()
		return nil, x402.NewConfigurationError(fmt.Sprintf("RPC_URL serves chain %s, CHAIN_ID is %s", remote, chainID))
	}

	token, err := tokenmetadata.NewClient(chain).GetMetadata(ctx, cfg.Token.Address)
	if err != nil {
		a.Close()
		return nil, err
	}
	decimals := token.Decimals
	if token.Name != "" && token.Name != cfg.Token.Name {
		logger.WithFields(logrus.Fields{"configured": cfg.Token.Name, "on_chain": token.Name}).
			Warn("TOKEN_NAME differs from the token contract; permit signatures will not verify")
	}

	registry, err := buildRegistry(cfg, chain, chainID, a.ledger)
	if err != nil {
		a.Close()
		return nil, err
	}

	verifier := x402evm.NewProofVerifier(chain, cfg.Token.Address,
		x402evm.WithRecipient(cfg.Merchant),
		x402evm.WithVerifierLogger(logging.NewModuleLogger("verifier")))

	gateway, err := paygatehttp.NewGateway(paygatehttp.GatewayConfig{
		Price:    cfg.Price,
		Asset:    cfg.Token.Symbol,
		Decimals: decimals,
		Payload:  cfg.ProtectedPayload,
	}, registry, verifier, a.ledger, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server = paygatehttp.NewServer(paygatehttp.ServerConfig{
		Asset:    cfg.Token.Symbol,
		Decimals: decimals,
		Merchant: cfg.Merchant,
	}, gateway, registry, a.ledger, logger)
	a.limiter = paygatehttp.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	logger.WithFields(logrus.Fields{
		"chain_id":     cfg.ChainID,
		"token":        cfg.Token.Address,
		"decimals":     decimals,
		"price":        cfg.Price,
		"facilitators": len(registry.Quotes()),
	}).Info("paygate assembled")
	return a, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (x402.SettlementLedger, error) {
	if cfg.DatabaseURL == "" {
		logging.NewModuleLogger("ledger").Warn("DATABASE_URL not set, settlements are kept in memory only")
		return ledger.NewMemoryLedger(), nil
	}
	store, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// buildRegistry creates one engine per live facilitator. Engines share a
// wallet queue and dedupe cache; facilitators without a key are advertised
// as offline.
func buildRegistry(cfg *config.Config, chain *evmsigners.ChainClient, chainID *big.Int, store x402.SettlementLedger) (*facilitator.Registry, error) {
	registry := facilitator.NewRegistry()
	queue := facilitator.NewWalletQueue(cfg.QueueWait)
	cache := x402.NewSettlementCache(facilitator.DefaultDedupeTTL)
	metrics := facilitator.NewMetrics(prometheus.DefaultRegisterer)

	for _, fc := range cfg.Facilitators {
		f := x402.Facilitator{
			Name:     fc.Name,
			FeeBps:   fc.FeeBps,
			Endpoint: "/facilitators/" + fc.Name,
		}
		if !fc.Live() {
			registry.RegisterOffline(f)
			continue
		}

		signer, err := evmsigners.NewFacilitatorSignerWithChain(fc.PrivateKey, chain, chainID)
		if err != nil {
			return nil, x402.NewConfigurationError(fmt.Sprintf("facilitator %s: %v", fc.Name, err))
		}
		engine, err := facilitator.NewEngine(facilitator.Config{
			Facilitator:  f,
			Token:        cfg.Token.Address,
			Asset:        cfg.Token.Symbol,
			Price:        cfg.Price,
			Merchant:     cfg.Merchant,
			ChainID:      chainID,
			TokenName:    cfg.Token.Name,
			TokenVersion: cfg.Token.Version,
			Faucet:       cfg.FaucetURL,
		}, signer, store,
			facilitator.WithLogger(logging.NewModuleLogger("facilitator")),
			facilitator.WithQueue(queue),
			facilitator.WithDedupeCache(cache),
			facilitator.WithHooks(metrics.Hooks()),
			facilitator.WithSettleTimeout(settleTimeout(cfg)),
		)
		if err != nil {
			return nil, err
		}
		registry.Register(engine)
	}
	return registry, nil
}

// settleTimeout covers the queue wait plus two confirmation windows, with
// slack for the reads and writes in between
func settleTimeout(cfg *config.Config) time.Duration {
	return cfg.QueueWait + 2*cfg.Chain.ConfirmationTimeout + 30*time.Second
}

// handler mounts the endpoints on the chosen router
func (a *app) handler(router string) (http.Handler, error) {
	switch router {
	case "gin", "":
		return ginrouter.NewRouter(a.server, ginrouter.Options{Logger: a.logger, Limiter: a.limiter}), nil
	case "echo":
		return echorouter.NewRouter(a.server, echorouter.Options{Logger: a.logger, Limiter: a.limiter}), nil
	case "stdlib":
		return stdlib.NewHandler(a.server, stdlib.Options{Logger: a.logger, Limiter: a.limiter}), nil
	default:
		return nil, fmt.Errorf("unknown router %q: want gin, echo or stdlib", router)
	}
}

// Close releases the ledger and the RPC connection
func (a *app) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close ledger")
		}
	}
	if a.eth != nil {
		a.eth.Close()
	}
}
