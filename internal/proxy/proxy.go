// Package proxy implements the remote-object-proxy transport hooks (C9): a
// bounded-concurrency proxy_call/proxy_call_response exchange layered on top
// of internal/dispatch, the same way internal/ca layers CA requests on top of
// it. Argument/return marshaling is the caller's concern; this package only
// ferries opaque bytes and enforces the module-path allowlist, optional
// shared-secret gate, and in-flight cap.
//
// Grounded on the donor's internal/rpc/rpc.go Config{Whitelist}/
// IsCommandAllowed pattern, repurposed from shell-command whitelisting to
// module-path whitelisting.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultMaxInFlight bounds concurrent proxy_call executions per node when
// config leaves MaxInFlight unset (spec §4.9: "bounded in-flight concurrency").
const DefaultMaxInFlight = 16

// Config configures the proxy layer's access control and concurrency cap.
type Config struct {
	// Enabled controls whether incoming proxy_call envelopes are served at all.
	Enabled bool

	// AllowedModulePaths whitelists which module_path values may be proxied.
	// Empty means nothing is allowed. "*" allows any path (testing only).
	AllowedModulePaths []string

	// PasswordHash is the hex-encoded SHA-256 hash of a shared secret. Empty
	// means no authentication is required.
	PasswordHash string

	// MaxInFlight caps concurrent calls being executed locally.
	MaxInFlight int
}

func (c Config) maxInFlight() int {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	return DefaultMaxInFlight
}

// IsModulePathAllowed reports whether path is permitted by the whitelist.
func (c Config) IsModulePathAllowed(path string) bool {
	if len(c.AllowedModulePaths) == 0 {
		return false
	}
	for _, allowed := range c.AllowedModulePaths {
		if allowed == "*" || allowed == path {
			return true
		}
	}
	// a whitelisted package path also covers its submodules, e.g. "os" covers "os/exec"
	for _, allowed := range c.AllowedModulePaths {
		if strings.HasPrefix(path, allowed+".") || strings.HasPrefix(path, allowed+"/") {
			return true
		}
	}
	return false
}

// ValidateAuth checks password against PasswordHash. An empty PasswordHash
// means authentication is not required.
func (c Config) ValidateAuth(password string) error {
	if c.PasswordHash == "" {
		return nil
	}
	if password == "" {
		return fmt.Errorf("proxy authentication required")
	}
	if HashPassword(password) != c.PasswordHash {
		return fmt.Errorf("invalid proxy credentials")
	}
	return nil
}

// HashPassword returns the hex-encoded SHA-256 hash of password, the form
// stored in Config.PasswordHash.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
