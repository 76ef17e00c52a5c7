// Command chaski-remote-proxy is the thin wrapper named
// chaski_remote_proxy -p <port> -n <name> <modules> in spec §6's CLI
// surface: it runs a node with the remote-object-proxy transport hooks
// (C9) enabled, exposing exactly the module import paths listed on the
// command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaski-confluent/chaski/internal/config"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/node"
	"github.com/chaski-confluent/chaski/internal/proxy"
	"github.com/spf13/cobra"
)

// unboundInvoker rejects every call. The object-graph/marshaling layer behind
// proxy_call is an explicit Non-goal: this binary wires the transport,
// allowlist, and auth gate end to end but leaves actual module dispatch to
// whatever embeds proxy.Server with a real Invoker.
type unboundInvoker struct{}

func (unboundInvoker) Invoke(ctx context.Context, modulePath, attrPath string, args, kwargs []byte) ([]byte, error) {
	return nil, fmt.Errorf("proxy: no invoker bound for %s.%s", modulePath, attrPath)
}

func main() {
	var (
		port     int
		name     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "chaski-remote-proxy <module> [module...]",
		Short: "Run a node exposing the remote-object proxy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := os.Getenv("CHASKI_REMOTE_PROXY")
			if port != 0 {
				addr = fmt.Sprintf("0.0.0.0:%d", port)
			}
			if addr == "" {
				return fmt.Errorf("a port is required: pass -p or set CHASKI_REMOTE_PROXY")
			}

			cfg := config.Default()
			cfg.Node.Address = addr
			cfg.Node.Class = "ChaskiRemote"
			if name != "" {
				cfg.Node.Subscriptions = []string{name}
			}
			cfg.Proxy.Enabled = true
			cfg.Proxy.AllowedModulePaths = args
			cfg.Logging.Level = logLevel

			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create proxy node: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("start proxy node: %w", err)
			}
			proxy.NewServer(cfg.Proxy, unboundInvoker{}, n.Dispatcher(), logger)

			logger.Info("chaski-remote-proxy running",
				logging.KeyAddress, n.LocalAddress(),
				"name", name,
				"modules", strings.Join(args, ","))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			return n.Stop()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (falls back to CHASKI_REMOTE_PROXY)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Name this proxy advertises to peers")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
