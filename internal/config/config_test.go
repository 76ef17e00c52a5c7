package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Node.MaxConnections != 50 {
		t.Errorf("Node.MaxConnections = %d, want 50", cfg.Node.MaxConnections)
	}
	if cfg.Discovery.InitialTTL != 64 {
		t.Errorf("Discovery.InitialTTL = %d, want 64", cfg.Discovery.InitialTTL)
	}
	if cfg.Streaming.QueueCapacity != 1024 {
		t.Errorf("Streaming.QueueCapacity = %d, want 1024", cfg.Streaming.QueueCapacity)
	}
	if cfg.FileTransfer.MaxConcurrentFiles != 8 {
		t.Errorf("FileTransfer.MaxConcurrentFiles = %d, want 8", cfg.FileTransfer.MaxConcurrentFiles)
	}
	if cfg.CA.CommonName != "Chaski-Confluent" {
		t.Errorf("CA.CommonName = %q, want Chaski-Confluent", cfg.CA.CommonName)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yamlBody := "node:\n  address: 127.0.0.1:65430\n  max_connections: 12\ndiscovery:\n  initial_ttl: 8\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.Address != "127.0.0.1:65430" {
		t.Errorf("Node.Address = %q", cfg.Node.Address)
	}
	if cfg.Node.MaxConnections != 12 {
		t.Errorf("Node.MaxConnections = %d, want 12", cfg.Node.MaxConnections)
	}
	if cfg.Discovery.InitialTTL != 8 {
		t.Errorf("Discovery.InitialTTL = %d, want 8", cfg.Discovery.InitialTTL)
	}
	// Unset fields keep their defaults.
	if cfg.Streaming.QueueCapacity != 1024 {
		t.Errorf("Streaming.QueueCapacity = %d, want default 1024", cfg.Streaming.QueueCapacity)
	}
}

func TestTLSConfigInlinePEM(t *testing.T) {
	tls := TLSConfig{Enabled: true, KeyPEM: "KEYDATA", CertPEM: "CERTDATA"}
	if !tls.HasTLS() {
		t.Fatal("expected HasTLS true")
	}
	key, err := tls.GetKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if string(key) != "KEYDATA" {
		t.Errorf("got %q", key)
	}
}
