package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "CryptoTrader"
	version = "v0.4.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cryptotrader",
		Short:   "Per-symbol crypto trading engines under supervision",
		Version: version,
		Long: `CryptoTrader runs one trading engine per symbol. Engines consume live
market data, apply drawdown and sizing rules, and place idempotent orders,
while a supervisor restarts faulted engines within a restart budget.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return setupLogging(level)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start engines and the control surface",
		Long:  "Starts one engine per configured symbol, the supervisor and the HTTP control surface, and runs until SIGINT or SIGTERM",
		RunE:  runTrader,
	}
	runCmd.Flags().String("symbols", "", "Comma-separated symbols, overrides config")
	runCmd.Flags().Bool("paper", false, "Use the in-memory paper exchange")
	runCmd.Flags().Int("http-port", 0, "Control surface port, overrides config")
	runCmd.Flags().String("mode", "", "Default strategy mode, overrides config")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		RunE:  runConfigValidate,
	}
	configCmd.AddCommand(validateCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, configCmd, versionCmd)
	return rootCmd
}

// setupLogging picks human output on a terminal and JSON lines otherwise
func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}
