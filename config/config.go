// Package config loads paygate settings from the environment and an
// optional .env file
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	x402 "github.com/x402-foundation/paygate"
)

// DefaultFacilitators is used when FACILITATORS is unset
const DefaultFacilitators = "alpha:50,beta:100,gamma:200"

var (
	addressRegex    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	privateKeyRegex = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
	nameRegex       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

type Config struct {
	ListenAddr       string
	RPCURL           string
	ChainID          int64
	Token            TokenConfig
	Price            string
	Merchant         string
	Facilitators     []FacilitatorConfig
	DatabaseURL      string
	Chain            ChainConfig
	QueueWait        time.Duration
	RateLimit        RateLimitConfig
	Log              LogConfig
	ProtectedPayload string
	FaucetURL        string
}

type TokenConfig struct {
	Address string
	Name    string
	Version string
	Symbol  string
}

// FacilitatorConfig is one advertised facilitator. It is live only when a
// private key is configured for it.
type FacilitatorConfig struct {
	Name       string
	FeeBps     uint32
	PrivateKey string
}

// Live reports whether the facilitator can settle
func (f FacilitatorConfig) Live() bool {
	return f.PrivateKey != ""
}

// String never includes the private key
func (f FacilitatorConfig) String() string {
	return fmt.Sprintf("%s(%dbps, live=%t)", f.Name, f.FeeBps, f.Live())
}

type ChainConfig struct {
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile reads an explicit env file, which must exist
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, x402.NewConfigurationError(fmt.Sprintf("failed to read env file %s: %v", path, err))
	}
	return fromEnv()
}

// LoadEnv only loads env files into the process environment, for commands
// that read a few keys and skip validation. An empty path means an optional
// .env.
func LoadEnv(path string) error {
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return x402.NewConfigurationError(fmt.Sprintf("failed to read env file %s: %v", path, err))
	}
	return nil
}

// Getenv returns the trimmed value of key, or def when unset
func Getenv(key, def string) string {
	return getEnv(key, def)
}

func fromEnv() (*Config, error) {
	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		ListenAddr: getEnv("PAYGATE_LISTEN_ADDR", ":8080"),
		RPCURL:     required("RPC_URL"),
		ChainID:    int64(getIntEnv("CHAIN_ID", 97)),
		Token: TokenConfig{
			Address: required("TOKEN_ADDRESS"),
			Name:    getEnv("TOKEN_NAME", "USDx"),
			Version: getEnv("TOKEN_VERSION", "1"),
			Symbol:  getEnv("ASSET_SYMBOL", "USDx"),
		},
		Price:       getEnv("PRICE", "1"),
		Merchant:    required("MERCHANT_WALLET_ADDRESS"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Chain: ChainConfig{
			ConfirmationTimeout: getDurationEnv("CONFIRMATION_TIMEOUT", 60*time.Second),
			PollInterval:        getDurationEnv("RECEIPT_POLL_INTERVAL", time.Second),
			RetryAttempts:       getIntEnv("RPC_RETRY_ATTEMPTS", 3),
			RetryBaseDelay:      getDurationEnv("RPC_RETRY_BASE_DELAY", 250*time.Millisecond),
		},
		QueueWait: getDurationEnv("QUEUE_WAIT", 30*time.Second),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getFloatEnv("SETTLE_RATE_LIMIT", 5),
			Burst:             getIntEnv("SETTLE_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		ProtectedPayload: getEnv("PROTECTED_PAYLOAD", "Premium content unlocked."),
		FaucetURL:        getEnv("FAUCET_URL", ""),
	}

	facilitators, err := ParseFacilitators(getEnv("FACILITATORS", DefaultFacilitators))
	if err != nil {
		return nil, err
	}
	for i := range facilitators {
		facilitators[i].PrivateKey = strings.TrimSpace(os.Getenv(privateKeyEnv(facilitators[i].Name)))
	}
	cfg.Facilitators = facilitators

	if len(missing) > 0 {
		return nil, x402.NewConfigurationError("missing required settings: " + strings.Join(missing, ", "))
	}
	return cfg, nil
}

// ParseFacilitators parses "name:bps,name:bps" in priority order
func ParseFacilitators(spec string) ([]FacilitatorConfig, error) {
	var out []FacilitatorConfig
	seen := make(map[string]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, bps, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || !nameRegex.MatchString(name) {
			return nil, x402.NewConfigurationError(fmt.Sprintf("invalid facilitator entry %q: want name:bps", part))
		}
		fee, err := strconv.ParseUint(strings.TrimSpace(bps), 10, 32)
		if err != nil || fee > x402.BpsDenominator {
			return nil, x402.NewConfigurationError(fmt.Sprintf("invalid fee for facilitator %s: %q", name, bps))
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, x402.NewConfigurationError(fmt.Sprintf("duplicate facilitator %s", name))
		}
		seen[key] = true
		out = append(out, FacilitatorConfig{Name: name, FeeBps: uint32(fee)})
	}
	if len(out) == 0 {
		return nil, x402.NewConfigurationError("FACILITATORS lists no facilitators")
	}
	return out, nil
}

// Validate checks formats and that at least one facilitator is live
func (c *Config) Validate() error {
	var problems []string
	if !addressRegex.MatchString(c.Token.Address) {
		problems = append(problems, "TOKEN_ADDRESS is not a 0x-prefixed 20-byte address")
	}
	if !addressRegex.MatchString(c.Merchant) {
		problems = append(problems, "MERCHANT_WALLET_ADDRESS is not a 0x-prefixed 20-byte address")
	}
	if _, err := x402.ToTokenUnits(c.Price, 18); err != nil {
		problems = append(problems, fmt.Sprintf("PRICE is invalid: %v", err))
	}
	if c.ChainID <= 0 {
		problems = append(problems, "CHAIN_ID must be positive")
	}
	if c.Chain.ConfirmationTimeout <= 0 || c.Chain.PollInterval <= 0 {
		problems = append(problems, "CONFIRMATION_TIMEOUT and RECEIPT_POLL_INTERVAL must be positive")
	}
	if c.Chain.RetryAttempts < 1 {
		problems = append(problems, "RPC_RETRY_ATTEMPTS must be at least 1")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		problems = append(problems, "SETTLE_RATE_LIMIT and SETTLE_RATE_BURST must be positive")
	}

	live := 0
	for _, f := range c.Facilitators {
		if !f.Live() {
			continue
		}
		live++
		if !privateKeyRegex.MatchString(f.PrivateKey) {
			problems = append(problems, fmt.Sprintf("%s is not a 32-byte hex key", privateKeyEnv(f.Name)))
		}
	}
	if live == 0 {
		problems = append(problems, "no facilitator is live; set FACILITATOR_<NAME>_PRIVATE_KEY for at least one")
	}

	if len(problems) > 0 {
		return x402.NewConfigurationError(strings.Join(problems, "; "))
	}
	return nil
}

func privateKeyEnv(name string) string {
	return "FACILITATOR_" + strings.ToUpper(name) + "_PRIVATE_KEY"
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or whole seconds ("90")
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
