// Package ca implements the Chaski-Confluent embedded certificate authority
// (C8): root key/cert bootstrap, CSR-based issuance, and CRL maintenance.
// Grounded on the donor's internal/certutil/certutil.go GeneratedCert/
// CertOptions shape, adapted from ECDSA P256 self-signed peer certs to a
// 4096-bit RSA root with real CSR signing and a CRL.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chaski-confluent/chaski/internal/chaskierr"
	"github.com/chaski-confluent/chaski/internal/logging"
	"log/slog"
)

// KeyBits is the root CA's RSA key size (spec §4.8: "4096-bit RSA key").
const KeyBits = 4096

// DefaultRootValidity is the root certificate's validity window.
const DefaultRootValidity = 10 * 365 * 24 * time.Hour

// DefaultIssuedValidity is how long an issued (leaf) certificate is valid.
const DefaultIssuedValidity = 365 * 24 * time.Hour

// SubjectAttrs names the CA's configured subject fields (spec §4.8).
type SubjectAttrs struct {
	Country      string
	State        string
	Locality     string
	Organization string
	CommonName   string
}

// Config configures a CA instance.
type Config struct {
	Root           string // <ca_root> directory
	Subject        SubjectAttrs
	RootValidity   time.Duration
	IssuedValidity time.Duration
	Logger         *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RootValidity == 0 {
		c.RootValidity = DefaultRootValidity
	}
	if c.IssuedValidity == 0 {
		c.IssuedValidity = DefaultIssuedValidity
	}
	if c.Subject.CommonName == "" {
		c.Subject.CommonName = "Chaski-Confluent"
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// CA holds the root key/certificate and CRL state, backed by the on-disk
// layout <root>/{ca.key, ca.crt, issued/<serial>.crt, crl.pem} (spec §6).
type CA struct {
	cfg Config

	mu         sync.Mutex
	key        *rsa.PrivateKey
	cert       *x509.Certificate
	certPEM    []byte
	nextSerial *big.Int

	crl *CRLState
}

func rootKeyPath(root string) string { return filepath.Join(root, "ca.key") }
func rootCertPath(root string) string { return filepath.Join(root, "ca.crt") }
func issuedDir(root string) string    { return filepath.Join(root, "issued") }
func issuedCertPath(root, serial string) string {
	return filepath.Join(issuedDir(root), serial+".crt")
}
func crlPath(root string) string { return filepath.Join(root, "crl.pem") }

// Open loads an existing CA from cfg.Root, generating and persisting a fresh
// root key/certificate on first start (spec §4.8: "On first start the CA
// generates a 4096-bit RSA key..."). A corrupted or missing key on a
// subsequent start is a fatal startup error.
func Open(cfg Config) (*CA, error) {
	cfg.setDefaults()
	if cfg.Root == "" {
		return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.Open", fmt.Errorf("ca root directory is required"))
	}
	if err := os.MkdirAll(issuedDir(cfg.Root), 0755); err != nil {
		return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.Open", fmt.Errorf("create ca root: %w", err))
	}

	c := &CA{cfg: cfg}

	keyExists := fileExists(rootKeyPath(cfg.Root))
	certExists := fileExists(rootCertPath(cfg.Root))

	switch {
	case keyExists && certExists:
		if err := c.load(); err != nil {
			return nil, err
		}
	case !keyExists && !certExists:
		if err := c.bootstrap(); err != nil {
			return nil, err
		}
	default:
		return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.Open", fmt.Errorf("ca root %q has a key or certificate but not both", cfg.Root))
	}

	crl, err := loadOrInitCRL(crlPath(cfg.Root), c.cert, c.key)
	if err != nil {
		return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.Open", fmt.Errorf("load crl: %w", err))
	}
	c.crl = crl
	c.nextSerial = big.NewInt(time.Now().UnixNano())

	return c, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// bootstrap generates a fresh 4096-bit RSA root key and self-signed
// certificate, writing both atomically to the CA root.
func (c *CA) bootstrap() error {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.bootstrap", fmt.Errorf("generate root key: %w", err))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.bootstrap", fmt.Errorf("generate serial: %w", err))
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      nonEmpty(c.cfg.Subject.Country),
			Province:     nonEmpty(c.cfg.Subject.State),
			Locality:     nonEmpty(c.cfg.Subject.Locality),
			Organization: nonEmpty(c.cfg.Subject.Organization),
			CommonName:   c.cfg.Subject.CommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(c.cfg.RootValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.bootstrap", fmt.Errorf("create root certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.bootstrap", fmt.Errorf("parse root certificate: %w", err))
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	if err := writeFileAtomic(rootKeyPath(c.cfg.Root), keyPEM, 0600); err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.bootstrap", fmt.Errorf("write root key: %w", err))
	}
	if err := writeFileAtomic(rootCertPath(c.cfg.Root), certPEM, 0644); err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.bootstrap", fmt.Errorf("write root certificate: %w", err))
	}

	c.key = key
	c.cert = cert
	c.certPEM = certPEM
	c.cfg.Logger.Info("ca root bootstrapped", "common_name", c.cfg.Subject.CommonName, "valid_until", cert.NotAfter)
	return nil
}

func (c *CA) load() error {
	keyPEM, err := os.ReadFile(rootKeyPath(c.cfg.Root))
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.load", fmt.Errorf("read root key: %w", err))
	}
	certPEM, err := os.ReadFile(rootCertPath(c.cfg.Root))
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.load", fmt.Errorf("read root certificate: %w", err))
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.load", fmt.Errorf("decode root key PEM"))
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.load", fmt.Errorf("parse root key: %w", err))
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.load", fmt.Errorf("decode root certificate PEM"))
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.load", fmt.Errorf("parse root certificate: %w", err))
	}

	c.key = key
	c.cert = cert
	c.certPEM = certPEM
	return nil
}

// RootCertPEM returns the root certificate in PEM form.
func (c *CA) RootCertPEM() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.certPEM
}

// IssueRequest is what IssueCertificate needs from a ca_request_certificate
// envelope (spec §4.8).
type IssueRequest struct {
	Subject SubjectAttrs
	IP      string
	CSRPEM  []byte // nil: CA generates a key+CSR on the requester's behalf
}

// IssueResult carries the signed material back to the requester.
type IssueResult struct {
	IssuedCertPEM []byte
	RootCertPEM   []byte
	PrivateKeyPEM []byte // set only when the CA generated the key
	Serial        string
}

// IssueCertificate signs a requester's CSR (or generates a key+CSR first),
// producing a leaf certificate valid for cfg.IssuedValidity with SAN entries
// for the requester's IP and common name (spec §4.8).
func (c *CA) IssueCertificate(req IssueRequest) (*IssueResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var csr *x509.CertificateRequest
	var privateKeyPEM []byte

	if len(req.CSRPEM) == 0 {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("generate requester key: %w", err))
		}
		csrTemplate := &x509.CertificateRequest{
			Subject: pkix.Name{
				Country:      nonEmpty(req.Subject.Country),
				Province:     nonEmpty(req.Subject.State),
				Locality:     nonEmpty(req.Subject.Locality),
				Organization: nonEmpty(req.Subject.Organization),
				CommonName:   req.Subject.CommonName,
			},
		}
		csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
		if err != nil {
			return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("create csr: %w", err))
		}
		csr, err = x509.ParseCertificateRequest(csrDER)
		if err != nil {
			return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("parse generated csr: %w", err))
		}
		privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	} else {
		block, _ := pem.Decode(req.CSRPEM)
		if block == nil {
			return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("decode csr pem"))
		}
		parsed, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("parse csr: %w", err))
		}
		if err := parsed.CheckSignature(); err != nil {
			return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("csr signature invalid: %w", err))
		}
		csr = parsed
	}

	serial := c.allocSerial()
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        csr.Subject,
		NotBefore:      now,
		NotAfter:       now.Add(c.cfg.IssuedValidity),
		KeyUsage:       x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:       []string{req.Subject.CommonName},
	}
	if ip := net.ParseIP(req.IP); ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.cert, csr.PublicKey, c.key)
	if err != nil {
		return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("sign certificate: %w", err))
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	serialHex := serial.Text(16)
	if err := writeFileAtomic(issuedCertPath(c.cfg.Root, serialHex), certPEM, 0644); err != nil {
		return nil, chaskierr.Wrap(chaskierr.KindCA, "ca.IssueCertificate", fmt.Errorf("store issued certificate: %w", err))
	}

	c.cfg.Logger.Info("certificate issued", "serial", serialHex, "common_name", req.Subject.CommonName, "ip", req.IP)

	return &IssueResult{
		IssuedCertPEM: certPEM,
		RootCertPEM:   c.certPEM,
		PrivateKeyPEM: privateKeyPEM,
		Serial:        serialHex,
	}, nil
}

// allocSerial returns a monotonically increasing serial number unique to
// this CA process lifetime (caller holds c.mu).
func (c *CA) allocSerial() *big.Int {
	s := new(big.Int).Set(c.nextSerial)
	c.nextSerial.Add(c.nextSerial, big.NewInt(1))
	return s
}

// Revoke appends serial to the CRL and re-serializes crl.pem (spec §4.8).
func (c *CA) Revoke(serial string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := new(big.Int).SetString(serial, 16)
	if !ok {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.Revoke", fmt.Errorf("malformed serial %q", serial))
	}
	if err := c.crl.Revoke(n, c.cert, c.key, crlPath(c.cfg.Root)); err != nil {
		return chaskierr.Wrap(chaskierr.KindCA, "ca.Revoke", err)
	}
	c.cfg.Logger.Info("certificate revoked", "serial", serial)
	return nil
}

// CRLPEM returns the current CRL in PEM form (spec §4.8 ca_get_crl).
func (c *CA) CRLPEM() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crl.PEM()
}

// IsRevoked reports whether serial appears on the current CRL.
func (c *CA) IsRevoked(serial *big.Int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crl.IsRevoked(serial)
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
