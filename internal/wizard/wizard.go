// Package wizard provides an interactive setup wizard that walks an
// operator through producing a node config.Config and writing it to disk.
// Grounded on the donor's cmd/muti-metroo "setup" flow: a sequence of
// charmbracelet/huh form groups, one per configuration concern, feeding a
// single struct that is then marshaled to YAML.
package wizard

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/chaski-confluent/chaski/internal/config"
	"github.com/chaski-confluent/chaski/internal/proxy"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))

// Result is the wizard's output: the assembled config and the path it was
// written to (empty if the operator chose to print instead of save).
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard walks an operator through building a Config interactively.
type Wizard struct {
	existingCfg *config.Config
}

// New creates a setup wizard starting from config.Default().
func New() *Wizard {
	return &Wizard{existingCfg: config.Default()}
}

// LoadExisting seeds the wizard's defaults from an on-disk config, so
// re-running setup against an existing node edits rather than starts over.
func (w *Wizard) LoadExisting(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	w.existingCfg = cfg
	return nil
}

// Run executes the interactive form sequence and returns the assembled
// result. It does not write anything to disk unless the operator confirms
// a save path in the final group.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil, fmt.Errorf("setup wizard requires an interactive terminal")
	}
	w.printBanner()

	cfg := *w.existingCfg // copy, so we never mutate the seed defaults in place

	if err := w.askNode(&cfg); err != nil {
		return nil, err
	}
	if err := w.askSeedPeers(&cfg); err != nil {
		return nil, err
	}
	if err := w.askTLS(&cfg); err != nil {
		return nil, err
	}
	if err := w.askCA(&cfg); err != nil {
		return nil, err
	}
	if err := w.askProxy(&cfg); err != nil {
		return nil, err
	}
	if err := w.askLogging(&cfg); err != nil {
		return nil, err
	}

	configPath, save, err := w.askSave()
	if err != nil {
		return nil, err
	}
	if save {
		if err := w.writeConfig(&cfg, configPath); err != nil {
			return nil, fmt.Errorf("write config: %w", err)
		}
	}

	w.printSummary(&cfg, configPath, save)
	return &Result{Config: &cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) printBanner() {
	fmt.Println(bannerStyle.Render("Chaski-Confluent Node Setup"))
	fmt.Println("Configure a node's listener, transport, TLS material, and CA role.")
	fmt.Println()
}

func (w *Wizard) askNode(cfg *config.Config) error {
	class := cfg.Node.Class
	if class == "" {
		class = "ChaskiNode"
	}
	address := cfg.Node.Address
	var subsLine string
	if len(cfg.Node.Subscriptions) > 0 {
		subsLine = strings.Join(cfg.Node.Subscriptions, ",")
	}
	transportIdx := "tcp"
	if cfg.Node.Transport != "" {
		transportIdx = cfg.Node.Transport
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("host:port this node binds to").
				Placeholder("0.0.0.0:65432").
				Value(&address).
				Validate(validateHostPort),
			huh.NewSelect[string]().
				Title("Node class").
				Options(
					huh.NewOption("ChaskiNode (regular mesh peer)", "ChaskiNode"),
					huh.NewOption("ChaskiStreamer (streaming-plane peer)", "ChaskiStreamer"),
					huh.NewOption("ChaskiRemote (remote-proxy peer)", "ChaskiRemote"),
					huh.NewOption("ChaskiCA (certificate authority)", "ChaskiCA"),
				).
				Value(&class),
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP", "tcp"),
					huh.NewOption("QUIC", "quic"),
				).
				Value(&transportIdx),
			huh.NewInput().
				Title("Subscriptions (comma-separated, optional)").
				Value(&subsLine),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Node.Address = address
	cfg.Node.Class = class
	cfg.Node.Transport = transportIdx
	cfg.Node.Subscriptions = splitCSV(subsLine)
	return nil
}

func (w *Wizard) askSeedPeers(cfg *config.Config) error {
	var addMore bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Connect to seed peers on startup?").
			Value(&addMore),
	)).Run()
	if err != nil {
		return err
	}
	if !addMore {
		return nil
	}

	peersLine := strings.Join(cfg.Node.SeedPeers, "\n")
	err = huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title("Seed peer addresses, one per line").
			Description("e.g. ChaskiNode@10.0.0.2:65432, prefix with * to request pairing").
			Value(&peersLine),
	)).Run()
	if err != nil {
		return err
	}

	var peers []string
	for _, line := range strings.Split(peersLine, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			peers = append(peers, line)
		}
	}
	cfg.Node.SeedPeers = peers
	return nil
}

func (w *Wizard) askTLS(cfg *config.Config) error {
	enabled := cfg.TLS.Enabled
	mtls := cfg.TLS.MTLS
	location := cfg.TLS.Location
	if location == "" {
		location = "./tls"
	}

	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Enable TLS on this node's edges?").
			Value(&enabled),
	)).Run()
	if err != nil {
		return err
	}
	if !enabled {
		cfg.TLS.Enabled = false
		return nil
	}

	err = huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("TLS material directory").
			Description("must contain node.key, node.crt, ca.crt (and crl.pem when mTLS is on)").
			Value(&location),
		huh.NewConfirm().
			Title("Require mutual TLS (verify peer client certs)?").
			Value(&mtls),
	)).Run()
	if err != nil {
		return err
	}

	cfg.TLS.Enabled = true
	cfg.TLS.MTLS = mtls
	cfg.TLS.Location = location
	cfg.TLS.Key = location + "/node.key"
	cfg.TLS.Cert = location + "/node.crt"
	cfg.TLS.CA = location + "/ca.crt"
	return nil
}

func (w *Wizard) askCA(cfg *config.Config) error {
	if !cfg.TLS.Enabled {
		return nil
	}

	role := "none"
	switch {
	case cfg.CA.Enabled:
		role = "authority"
	case cfg.CA.CAPeerAddress != "":
		role = "peer"
	}

	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Certificate authority role").
			Options(
				huh.NewOption("None (TLS material provisioned out of band)", "none"),
				huh.NewOption("This node IS the certificate authority", "authority"),
				huh.NewOption("Refresh a CRL from a known CA peer", "peer"),
			).
			Value(&role),
	)).Run()
	if err != nil {
		return err
	}

	switch role {
	case "authority":
		caRoot := cfg.CA.Root
		if caRoot == "" {
			caRoot = "./ca"
		}
		commonName := cfg.CA.CommonName
		if commonName == "" {
			commonName = "Chaski-Confluent"
		}
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("CA root directory").Value(&caRoot),
			huh.NewInput().Title("Root certificate common name").Value(&commonName),
		)).Run()
		if err != nil {
			return err
		}
		cfg.CA.Enabled = true
		cfg.CA.Root = caRoot
		cfg.CA.CommonName = commonName
		cfg.CA.CAPeerAddress = ""
	case "peer":
		peerAddr := cfg.CA.CAPeerAddress
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("CA peer address").
				Placeholder("ChaskiCA@10.0.0.5:65001").
				Value(&peerAddr).
				Validate(validateNonEmpty),
		)).Run()
		if err != nil {
			return err
		}
		cfg.CA.Enabled = false
		cfg.CA.CAPeerAddress = peerAddr
	default:
		cfg.CA.Enabled = false
		cfg.CA.CAPeerAddress = ""
	}
	return nil
}

func (w *Wizard) askProxy(cfg *config.Config) error {
	enabled := cfg.Proxy.Enabled
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Enable the remote-object proxy transport hook?").
			Value(&enabled),
	)).Run()
	if err != nil {
		return err
	}
	if !enabled {
		cfg.Proxy.Enabled = false
		return nil
	}

	modulesLine := strings.Join(cfg.Proxy.AllowedModulePaths, ",")
	if modulesLine == "" {
		modulesLine = "*"
	}
	var password string

	err = huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Allowed module paths (comma-separated, * for all)").
			Value(&modulesLine),
		huh.NewInput().
			Title("Password (optional, leave blank to disable the auth gate)").
			EchoMode(huh.EchoModePassword).
			Value(&password),
	)).Run()
	if err != nil {
		return err
	}

	cfg.Proxy.Enabled = true
	cfg.Proxy.AllowedModulePaths = splitCSV(modulesLine)
	if password != "" {
		cfg.Proxy.PasswordHash = password // hashed by the caller before persisting, see writeConfig
	}
	return nil
}

func (w *Wizard) askLogging(cfg *config.Config) error {
	level := cfg.Logging.Level
	if level == "" {
		level = "info"
	}
	format := cfg.Logging.Format
	if format == "" {
		format = "text"
	}

	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Log level").
			Options(
				huh.NewOption("debug", "debug"),
				huh.NewOption("info", "info"),
				huh.NewOption("warn", "warn"),
				huh.NewOption("error", "error"),
			).
			Value(&level),
		huh.NewSelect[string]().
			Title("Log format").
			Options(
				huh.NewOption("text", "text"),
				huh.NewOption("json", "json"),
			).
			Value(&format),
	)).Run()
	if err != nil {
		return err
	}

	cfg.Logging.Level = level
	cfg.Logging.Format = format
	return nil
}

func (w *Wizard) askSave() (path string, save bool, err error) {
	path = "./config.yaml"
	save = true
	err = huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Save this configuration to disk now?").
			Value(&save),
	)).Run()
	if err != nil {
		return "", false, err
	}
	if !save {
		return "", false, nil
	}

	err = huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Config file path").
			Value(&path).
			Validate(validateYAMLPath),
	)).Run()
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if cfg.Proxy.PasswordHash != "" && len(cfg.Proxy.PasswordHash) != 64 {
		cfg.Proxy.PasswordHash = proxy.HashPassword(cfg.Proxy.PasswordHash)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (w *Wizard) printSummary(cfg *config.Config, path string, saved bool) {
	fmt.Println()
	fmt.Println(bannerStyle.Render("Setup complete"))
	fmt.Printf("  Address:    %s (%s, %s)\n", cfg.Node.Address, cfg.Node.Class, cfg.Node.Transport)
	fmt.Printf("  TLS:        enabled=%v mtls=%v\n", cfg.TLS.Enabled, cfg.TLS.MTLS)
	fmt.Printf("  CA role:    enabled=%v peer=%q\n", cfg.CA.Enabled, cfg.CA.CAPeerAddress)
	fmt.Printf("  Proxy:      enabled=%v\n", cfg.Proxy.Enabled)
	if saved {
		fmt.Printf("  Config written to %s\n", path)
		fmt.Printf("  Start it with: chaskid run -c %s\n", path)
	} else {
		fmt.Println("  Config not saved; re-run setup when ready.")
	}
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	_, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address (want host:port): %w", err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	return nil
}

func validateNonEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

func validateYAMLPath(s string) error {
	if s == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have a .yaml or .yml extension")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

