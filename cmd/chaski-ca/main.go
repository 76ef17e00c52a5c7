// Command chaski-ca is the thin wrapper named chaski_certificate_authority
// in spec §6's CLI surface: it runs a single node whose only job is to be
// the mesh's certificate authority, answering ca_request_certificate,
// ca_revoke, and ca_get_crl over plaintext (a brand-new peer has no
// certificate yet, so the CA's own listener cannot require TLS).
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
		addr       string
		root       string
		commonName string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "chaski-ca",
		Short: "Run the Chaski-Confluent certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = os.Getenv("CHASKI_CERTIFICATE_AUTHORITY")
			}
			if addr == "" {
				return fmt.Errorf("an address is required: pass -a or set CHASKI_CERTIFICATE_AUTHORITY")
			}

			cfg := config.Default()
			cfg.Node.Address = addr
			cfg.Node.Class = "ChaskiCA"
			cfg.CA.Enabled = true
			cfg.CA.Root = root
			cfg.CA.CommonName = commonName
			cfg.Logging.Level = logLevel

			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create ca node: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("start ca node: %w", err)
			}
			logger.Info("chaski-ca running", logging.KeyAddress, n.LocalAddress(), "ca_root", root)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			return n.Stop()
		},
	}

	cmd.Flags().StringVarP(&addr, "address", "a", "", "Listen address, e.g. 0.0.0.0:65001 (falls back to CHASKI_CERTIFICATE_AUTHORITY)")
	cmd.Flags().StringVar(&root, "root", "./ca", "CA root directory (ca.key, ca.crt, issued/, crl.pem)")
	cmd.Flags().StringVar(&commonName, "common-name", "Chaski-Confluent", "Root certificate common name")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
