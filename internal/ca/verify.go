package ca

import (
	"crypto/x509"
	"math/big"

	"github.com/chaski-confluent/chaski/internal/chaskierr"
)

// RevocationChecker reports whether a certificate serial has been revoked.
// *CA satisfies this directly; a non-CA node wires in its cached CRL lookup
// instead of holding a live CA.
type RevocationChecker interface {
	IsRevoked(serial *big.Int) bool
}

// VerifyPeerCertificate builds a tls.Config.VerifyPeerCertificate callback
// that rejects a chain whose leaf serial is on checker's CRL, layered on top
// of Go's normal chain validation (spec §4.8: "a peer... whose serial
// appears in the CRL is disconnected before any Chaski envelope is
// processed").
func VerifyPeerCertificate(checker RevocationChecker) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, chain := range verifiedChains {
			if len(chain) == 0 {
				continue
			}
			leaf := chain[0]
			if checker.IsRevoked(leaf.SerialNumber) {
				return chaskierr.ErrCertRevoked
			}
		}
		return nil
	}
}
