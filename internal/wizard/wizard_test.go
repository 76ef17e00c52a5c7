package wizard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chaski-confluent/chaski/internal/config"
)

func TestValidateHostPort(t *testing.T) {
	cases := map[string]bool{
		"":                    false,
		"127.0.0.1:65432":     true,
		"0.0.0.0:4433":        true,
		"no-port":             false,
		"127.0.0.1:not-a-port": false,
	}
	for addr, want := range cases {
		if err := validateHostPort(addr); (err == nil) != want {
			t.Errorf("validateHostPort(%q): err=%v, want ok=%v", addr, err, want)
		}
	}
}

func TestValidateYAMLPath(t *testing.T) {
	if err := validateYAMLPath(""); err == nil {
		t.Error("expected empty path to be rejected")
	}
	if err := validateYAMLPath("config.json"); err == nil {
		t.Error("expected non-yaml extension to be rejected")
	}
	if err := validateYAMLPath("config.yaml"); err != nil {
		t.Errorf("expected config.yaml to be accepted: %v", err)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" os, shutil ,, json")
	want := []string{"os", "shutil", "json"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestWriteConfigHashesPlaintextPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := *config.Default()
	cfg.Node.Address = "0.0.0.0:65432"
	cfg.Proxy.Enabled = true
	cfg.Proxy.PasswordHash = "hunter2" // a plaintext password entered in the form

	w := New()
	if err := w.writeConfig(&cfg, path); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written config: %v", err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if loaded.Proxy.PasswordHash == "hunter2" {
		t.Fatal("password was written in plaintext, expected a sha256 hash")
	}
	if len(loaded.Proxy.PasswordHash) != 64 {
		t.Fatalf("expected a 64-char hex hash, got %q", loaded.Proxy.PasswordHash)
	}
	if len(data) == 0 {
		t.Fatal("config file is empty")
	}
}

func TestLoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	w := New()
	cfg := *config.Default()
	cfg.Node.Address = "127.0.0.1:1"
	if err := w.writeConfig(&cfg, path); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}

	w2 := New()
	if err := w2.LoadExisting(path); err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}
	if w2.existingCfg.Node.Address != "127.0.0.1:1" {
		t.Fatalf("got %q", w2.existingCfg.Node.Address)
	}
}
