// Command chaski-streamer-root is the thin wrapper named
// chaski_streamer_root in spec §6's CLI surface: it runs a node whose
// class is ChaskiStreamer, the well-known root of the streaming plane's
// topic tree that other nodes subscribe through.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaski-confluent/chaski/internal/config"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/node"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "chaski-streamer-root",
		Short: "Run the Chaski-Confluent streaming root node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = os.Getenv("CHASKI_STREAMER_ROOT")
			}
			if addr == "" {
				return fmt.Errorf("an address is required: pass -a or set CHASKI_STREAMER_ROOT")
			}

			cfg := config.Default()
			cfg.Node.Address = addr
			cfg.Node.Class = "ChaskiStreamer"
			cfg.Logging.Level = logLevel

			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create streamer node: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("start streamer node: %w", err)
			}
			logger.Info("chaski-streamer-root running", logging.KeyAddress, n.LocalAddress())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			return n.Stop()
		},
	}

	cmd.Flags().StringVarP(&addr, "address", "a", "", "Listen address, e.g. 0.0.0.0:65000 (falls back to CHASKI_STREAMER_ROOT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
