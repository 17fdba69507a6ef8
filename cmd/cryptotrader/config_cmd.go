package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/engine"
)

// runConfigValidate loads the config and reports the effective settings
func runConfigValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !engine.DefaultRegistry().Has(cfg.Mode) {
		return fmt.Errorf("invalid config: %w: %q", engine.ErrUnknownStrategy, cfg.Mode)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config OK\n")
	fmt.Fprintf(out, "  mode:     %s\n", cfg.Mode)
	fmt.Fprintf(out, "  symbols:  %v\n", cfg.Symbols)
	fmt.Fprintf(out, "  venue:    %s (%s)\n", cfg.Exchange.Venue, cfg.Exchange.Timeframe)
	fmt.Fprintf(out, "  state:    %s\n", cfg.State.Backend)
	fmt.Fprintf(out, "  recovery: max %d/h, backoff %s, auto=%t\n",
		cfg.Recovery.MaxRestartsPerHour, cfg.Recovery.BackoffBase, cfg.Recovery.AutoRecover)
	return nil
}
