package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/x402-foundation/paygate/config"
	"github.com/x402-foundation/paygate/pkg/logging"
)

var (
	logLevel string
	envFile  string
)

var rootCmd = &cobra.Command{
	Use:          "paygate",
	Short:        "Pay-per-request gateway settled in ERC-20 tokens",
	Long:         "paygate guards a resource behind an HTTP 402 challenge, settles payments through competing facilitators and unlocks the resource once the transfer is verified on-chain.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "read settings from this file instead of .env")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates settings, then configures logging
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if envFile != "" {
		cfg, err = config.LoadFile(envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
