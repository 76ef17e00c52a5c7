package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"
)

// CRLState tracks revoked serials and the last-serialized CRL PEM.
type CRLState struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	pem     []byte
}

func loadOrInitCRL(path string, caCert *x509.Certificate, caKey *rsa.PrivateKey) (*CRLState, error) {
	s := &CRLState{revoked: make(map[string]time.Time)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.reserialize(caCert, caKey, path); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, fmt.Errorf("read crl: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode crl pem")
	}
	list, err := x509.ParseCRL(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse crl: %w", err)
	}
	for _, rc := range list.TBSCertList.RevokedCertificates {
		if rc.SerialNumber != nil {
			s.revoked[rc.SerialNumber.Text(16)] = rc.RevocationTime
		}
	}
	s.pem = data
	return s, nil
}

// Revoke adds serial to the revoked set and re-signs the CRL.
func (s *CRLState) Revoke(serial *big.Int, caCert *x509.Certificate, caKey *rsa.PrivateKey, path string) error {
	s.mu.Lock()
	s.revoked[serial.Text(16)] = time.Now()
	s.mu.Unlock()
	return s.reserialize(caCert, caKey, path)
}

// IsRevoked reports whether serial is on the CRL.
func (s *CRLState) IsRevoked(serial *big.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[serial.Text(16)]
	return ok
}

// PEM returns the last-serialized CRL.
func (s *CRLState) PEM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pem
}

func (s *CRLState) reserialize(caCert *x509.Certificate, caKey *rsa.PrivateKey, path string) error {
	s.mu.Lock()
	revoked := make([]pkix.RevokedCertificate, 0, len(s.revoked))
	for hexSerial, at := range s.revoked {
		n, ok := new(big.Int).SetString(hexSerial, 16)
		if !ok {
			continue
		}
		revoked = append(revoked, pkix.RevokedCertificate{SerialNumber: n, RevocationTime: at})
	}
	s.mu.Unlock()

	der, err := caCert.CreateCRL(rand.Reader, caKey, revoked, time.Now(), time.Now().Add(7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("sign crl: %w", err)
	}
	crlPEM := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	if err := writeFileAtomic(path, crlPEM, 0644); err != nil {
		return fmt.Errorf("write crl: %w", err)
	}

	s.mu.Lock()
	s.pem = crlPEM
	s.mu.Unlock()
	return nil
}
