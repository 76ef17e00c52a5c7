package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
)

// DefaultCRLRefreshInterval is how often a non-CA node refreshes its cached
// CRL from the CA (spec §4.8: "constructs its SSL context from ... the
// latest CRL").
const DefaultCRLRefreshInterval = 5 * time.Minute

// CRLCache lets any node — not only the CA process itself — satisfy
// RevocationChecker by periodically fetching ca_get_crl from a ChaskiCA
// peer, so its own mutual-TLS listener can reject revoked peers without
// holding the CA's private key.
type CRLCache struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewCRLCache returns an empty cache; call Refresh before relying on it.
func NewCRLCache() *CRLCache {
	return &CRLCache{revoked: make(map[string]struct{})}
}

// IsRevoked satisfies RevocationChecker.
func (c *CRLCache) IsRevoked(serial *big.Int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.revoked[serial.Text(16)]
	return ok
}

// LoadPEM replaces the cached revoked set from a CRL PEM blob.
func (c *CRLCache) LoadPEM(crlPEM []byte) error {
	if len(crlPEM) == 0 {
		return nil
	}
	block, _ := pem.Decode(crlPEM)
	if block == nil {
		return fmt.Errorf("decode crl pem")
	}
	list, err := x509.ParseCRL(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse crl: %w", err)
	}
	revoked := make(map[string]struct{}, len(list.TBSCertList.RevokedCertificates))
	for _, rc := range list.TBSCertList.RevokedCertificates {
		if rc.SerialNumber != nil {
			revoked[rc.SerialNumber.Text(16)] = struct{}{}
		}
	}
	c.mu.Lock()
	c.revoked = revoked
	c.mu.Unlock()
	return nil
}

// Refresh fetches the current CRL from caEdge over disp and loads it.
func (c *CRLCache) Refresh(ctx context.Context, disp *dispatch.Dispatcher, caEdge *edge.Edge) error {
	crlPEM, err := RequestCRL(ctx, disp, caEdge)
	if err != nil {
		return err
	}
	return c.LoadPEM(crlPEM)
}

// RunPeriodic refreshes the cache every interval until ctx is cancelled,
// silently discarding refresh failures (a stale cache is safer than
// a node that stops accepting connections because the CA was briefly
// unreachable).
func (c *CRLCache) RunPeriodic(ctx context.Context, disp *dispatch.Dispatcher, caEdge *edge.Edge, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCRLRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx, disp, caEdge)
		}
	}
}
