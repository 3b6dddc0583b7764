package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/sweepoor/pkg/api"
	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only HTTP API",
	Long:  `Serve the recorded sweeps, their runs and the report artifacts over HTTP.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ldg := ledger.NewStore(log, &cfg.Database)
	if err := ldg.Start(ctx); err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}

	defer func() {
		if err := ldg.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop ledger")
		}
	}()

	store, err := storage.New(log, &cfg.Storage)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, &cfg.API, ldg, store)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
