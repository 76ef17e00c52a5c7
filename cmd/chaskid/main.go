// Package main provides chaskid, the Chaski-Confluent node runtime: a thin
// cobra wrapper that loads a config.Config, starts an internal/node.Node,
// and blocks until a shutdown signal arrives. Grounded on the donor's
// cmd/muti-metroo/main.go command-group structure and its runCmd
// signal-then-graceful-stop idiom.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaski-confluent/chaski/internal/config"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/node"
	"github.com/chaski-confluent/chaski/internal/wizard"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "chaskid",
		Short: "Chaski-Confluent node runtime",
		Long: `chaskid runs a single Chaski-Confluent node: it binds the node's
listener, dials configured seed peers, and serves the control-message
dispatcher (discovery, streaming, file transfer, CA, and remote-proxy
hooks) until shut down.`,
	}
	root.AddCommand(runCmd())
	root.AddCommand(initCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runNode(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to node configuration")
	return cmd
}

func initCmd() *cobra.Command {
	var existing string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively build a node configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if existing != "" {
				if err := w.LoadExisting(existing); err != nil {
					return fmt.Errorf("load existing config: %w", err)
				}
			}
			_, err := w.Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&existing, "config", "c", "", "Existing config file to edit, if any")
	return cmd
}

// runNode starts cfg's node, serves its metrics endpoint if configured, and
// blocks until SIGINT/SIGTERM, then stops everything with a bounded
// shutdown timeout.
func runNode(cfg *config.Config) error {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	logger.Info("chaskid running", logging.KeyAddress, n.LocalAddress())

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.Metrics().Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", logging.KeyError, err)
			}
		}()
		logger.Info("metrics server listening", logging.KeyAddress, cfg.Metrics.Address)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if err := n.Stop(); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	return nil
}
