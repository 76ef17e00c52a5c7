// Package config loads the Chaski-Confluent node configuration, following
// the donor's struct-of-structs + gopkg.in/yaml.v3 layout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root node configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Streaming    StreamingConfig    `yaml:"streaming"`
	FileTransfer FileTransferConfig `yaml:"file_transfer"`
	TLS          TLSConfig          `yaml:"tls"`
	CA           CAConfig           `yaml:"ca"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// NodeConfig configures the node's own listener and connection policy
// (spec §4.4).
type NodeConfig struct {
	Address        string        `yaml:"address"` // host:port to bind
	Class          string        `yaml:"class"`   // e.g. ChaskiNode, ChaskiStreamer
	Subscriptions  []string      `yaml:"subscriptions"`
	SeedPeers      []string      `yaml:"seed_peers"` // may carry a leading '*' for paired=true
	MaxConnections int           `yaml:"max_connections"`
	Reconnections  int           `yaml:"reconnections"` // 0 means infinite
	LatencyUpdate  time.Duration `yaml:"latency_update"`
	KeepaliveMiss  time.Duration `yaml:"keepalive_miss"`
	Transport      string        `yaml:"transport"` // "tcp" (default) or "quic"
}

// DiscoveryConfig configures the gossip discovery engine (spec §4.5).
type DiscoveryConfig struct {
	Interval           time.Duration `yaml:"discovery_interval"`
	InitialTTL         int32         `yaml:"initial_ttl"`
	PairingIdleTimeout time.Duration `yaml:"pairing_idle_timeout"`
	PairingTimeout     time.Duration `yaml:"pairing_timeout"`
}

// StreamingConfig configures the publish/subscribe plane (spec §4.6).
type StreamingConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// FileTransferConfig configures chunked file transfer (spec §4.7).
type FileTransferConfig struct {
	Destination        string        `yaml:"destination"`
	ChunkSize          int           `yaml:"chunk_size"`
	MaxConcurrentFiles int           `yaml:"max_concurrent_files"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	RateLimitBytesSec  int           `yaml:"rate_limit_bytes_sec"` // 0 disables throttling
	Password           string        `yaml:"password"`             // presented when this node pushes a file
	PasswordHash       string        `yaml:"password_hash"`        // bcrypt hash gating incoming transfers
}

// TLSConfig mirrors the donor's GlobalTLSConfig dual file-path-or-inline-PEM
// pattern for node TLS material (spec §6 filesystem layout).
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MTLS     bool   `yaml:"mtls"`
	Location string `yaml:"location"` // directory holding node.key/node.crt/ca.crt/crl.pem

	Key     string `yaml:"key"` // path
	KeyPEM  string `yaml:"key_pem"`
	Cert    string `yaml:"cert"`
	CertPEM string `yaml:"cert_pem"`
	CA      string `yaml:"ca"`
	CAPEM   string `yaml:"ca_pem"`
}

// GetKeyPEM returns the inline key PEM, reading from file if empty.
func (t TLSConfig) GetKeyPEM() ([]byte, error) { return pemOrFile(t.KeyPEM, t.Key) }

// GetCertPEM returns the inline cert PEM, reading from file if empty.
func (t TLSConfig) GetCertPEM() ([]byte, error) { return pemOrFile(t.CertPEM, t.Cert) }

// GetCAPEM returns the inline CA PEM, reading from file if empty.
func (t TLSConfig) GetCAPEM() ([]byte, error) { return pemOrFile(t.CAPEM, t.CA) }

// HasTLS reports whether enough material is configured to attempt TLS.
func (t TLSConfig) HasTLS() bool {
	return t.Enabled && (t.KeyPEM != "" || t.Key != "") && (t.CertPEM != "" || t.Cert != "")
}

func pemOrFile(inline, path string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

// CAConfig configures the embedded certificate authority (spec §4.8). A node
// that is not itself the CA but still wants CRL-backed mutual-TLS rejection
// sets CAPeerAddress to a known ChaskiCA peer and periodically refreshes its
// CRL cache from it.
type CAConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Root           string        `yaml:"root"` // <ca_root> directory
	Country        string        `yaml:"country"`
	State          string        `yaml:"state"`
	Locality       string        `yaml:"locality"`
	Organization   string        `yaml:"organization"`
	CommonName     string        `yaml:"common_name"`
	RootValidity   time.Duration `yaml:"root_validity"`
	IssuedValidity time.Duration `yaml:"issued_validity"`
	CAPeerAddress  string        `yaml:"ca_peer_address"`
}

// MetricsConfig configures the ambient Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ProxyConfig configures the remote-object-proxy transport hooks (C9).
type ProxyConfig struct {
	Enabled            bool     `yaml:"enabled"`
	AllowedModulePaths []string `yaml:"allowed_module_paths"`
	PasswordHash       string   `yaml:"password_hash"`
	MaxInFlight        int      `yaml:"max_in_flight"`
}

// LoggingConfig configures the ambient structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with spec-mandated defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Class:          "ChaskiNode",
			MaxConnections: 50,
			Reconnections:  0,
			LatencyUpdate:  60 * time.Second,
			KeepaliveMiss:  14 * time.Second,
			Transport:      "tcp",
		},
		Discovery: DiscoveryConfig{
			Interval:           30 * time.Second,
			InitialTTL:         64,
			PairingIdleTimeout: 600 * time.Second,
			PairingTimeout:     5 * time.Second,
		},
		Streaming: StreamingConfig{
			QueueCapacity: 1024,
		},
		FileTransfer: FileTransferConfig{
			ChunkSize:          1024,
			MaxConcurrentFiles: 8,
			IdleTimeout:        30 * time.Second,
		},
		CA: CAConfig{
			CommonName:     "Chaski-Confluent",
			RootValidity:   10 * 365 * 24 * time.Hour,
			IssuedValidity: 365 * 24 * time.Hour,
		},
		Proxy: ProxyConfig{
			MaxInFlight: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
