package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// DefaultALPN is the ALPN protocol identifier chaski nodes negotiate.
const DefaultALPN = "chaski-confluent/1"

// TLSMaterial is the PEM-encoded key/cert/CA material needed to build a
// tls.Config, as loaded from config.TLSConfig (spec §6 filesystem layout).
type TLSMaterial struct {
	KeyPEM  []byte
	CertPEM []byte
	CAPEM   []byte
	MTLS    bool

	// VerifyPeerCertificate, when set, is chained into the tls.Config to
	// additionally reject revoked certificates (wired by internal/ca).
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// BuildServerTLSConfig constructs a server-side tls.Config. Mutual TLS is
// required when MTLS is set and CA material is supplied (without CAPEM no
// client certificate is requested): a peer whose certificate chain does not
// validate against the CA root is refused before any envelope is processed
// (spec §4.8).
func BuildServerTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse node keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{DefaultALPN},
		MinVersion:   tls.VersionTLS12,
	}
	if len(m.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CAPEM) {
			return nil, fmt.Errorf("parse CA root PEM")
		}
		cfg.ClientCAs = pool
		if m.MTLS {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	if m.VerifyPeerCertificate != nil {
		cfg.VerifyPeerCertificate = m.VerifyPeerCertificate
	}
	return cfg, nil
}

// BuildClientTLSConfig constructs a client-side tls.Config, presenting the
// node's own certificate when MTLS is required by the server.
func BuildClientTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cfg := &tls.Config{
		NextProtos: []string{DefaultALPN},
		MinVersion: tls.VersionTLS12,
	}
	if len(m.CertPEM) > 0 && len(m.KeyPEM) > 0 {
		cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse node keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if len(m.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CAPEM) {
			return nil, fmt.Errorf("parse CA root PEM")
		}
		cfg.RootCAs = pool
	}
	if m.VerifyPeerCertificate != nil {
		cfg.VerifyPeerCertificate = m.VerifyPeerCertificate
	}
	return cfg, nil
}
