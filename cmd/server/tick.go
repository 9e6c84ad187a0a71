package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single dispatcher tick and print its report",
	Long:  "Reap expired leases, claim one batch of pending jobs per task type, wait for them to settle, and exit.",
	RunE:  runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Server.LogLevel, debug)

	startCtx, cancel := context.WithTimeout(cmd.Context(), startupTimeout)
	d, err := connect(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer d.Close()

	_, invoker := newInvoker(cfg, logger)
	report, tickErr := newDispatcher(cfg, d.store, d.cache, invoker, logger).Tick(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if tickErr != nil {
		return fmt.Errorf("tick: %w", tickErr)
	}
	return nil
}
