package ca

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenBootstrapsRootOnFirstStart(t *testing.T) {
	root := t.TempDir()
	c, err := Open(Config{Root: root, Subject: SubjectAttrs{CommonName: "Chaski-Confluent"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "ca.key")); err != nil {
		t.Fatalf("expected ca.key on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ca.crt")); err != nil {
		t.Fatalf("expected ca.crt on disk: %v", err)
	}
	block, _ := pem.Decode(c.RootCertPEM())
	if block == nil {
		t.Fatal("expected decodable root cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.IsCA {
		t.Fatal("expected root certificate to be a CA certificate")
	}
	if cert.Subject.CommonName != "Chaski-Confluent" {
		t.Fatalf("got CN %q", cert.Subject.CommonName)
	}
}

func TestOpenReloadsExistingRoot(t *testing.T) {
	root := t.TempDir()
	c1, err := Open(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Open(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	if string(c1.RootCertPEM()) != string(c2.RootCertPEM()) {
		t.Fatal("expected reloaded root cert to match the bootstrapped one")
	}
}

func TestIssueCertificateGeneratesKeyWhenNoCSRSupplied(t *testing.T) {
	root := t.TempDir()
	c, err := Open(Config{Root: root, Subject: SubjectAttrs{CommonName: "Chaski-Confluent"}})
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.IssueCertificate(IssueRequest{
		Subject: SubjectAttrs{CommonName: "node-a"},
		IP:      "127.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.PrivateKeyPEM) == 0 {
		t.Fatal("expected a generated private key when no CSR was supplied")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(result.RootCertPEM) {
		t.Fatal("failed to build trust pool from returned root cert")
	}
	block, _ := pem.Decode(result.IssuedCertPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		t.Fatalf("issued certificate does not chain to root: %v", err)
	}
	if leaf.Subject.CommonName != "node-a" {
		t.Fatalf("got CN %q", leaf.Subject.CommonName)
	}

	if _, err := os.Stat(issuedCertPath(root, result.Serial)); err != nil {
		t.Fatalf("expected issued cert stored under issued/<serial>.crt: %v", err)
	}
}

func TestRevokeUpdatesCRLAndIsRevoked(t *testing.T) {
	root := t.TempDir()
	c, err := Open(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.IssueCertificate(IssueRequest{Subject: SubjectAttrs{CommonName: "node-b"}, IP: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}

	block, _ := pem.Decode(result.IssuedCertPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if c.IsRevoked(leaf.SerialNumber) {
		t.Fatal("expected certificate to not be revoked yet")
	}

	if err := c.Revoke(result.Serial); err != nil {
		t.Fatal(err)
	}
	if !c.IsRevoked(leaf.SerialNumber) {
		t.Fatal("expected certificate to be revoked")
	}

	crlPEM := c.CRLPEM()
	if len(crlPEM) == 0 {
		t.Fatal("expected non-empty CRL PEM after revoke")
	}
	crlBlock, _ := pem.Decode(crlPEM)
	list, err := x509.ParseCRL(crlBlock.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, rc := range list.TBSCertList.RevokedCertificates {
		if rc.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected revoked serial to appear in re-serialized CRL")
	}
}

func TestVerifyPeerCertificateRejectsRevoked(t *testing.T) {
	root := t.TempDir()
	c, err := Open(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	result, err := c.IssueCertificate(IssueRequest{Subject: SubjectAttrs{CommonName: "node-c"}, IP: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(result.IssuedCertPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	verify := VerifyPeerCertificate(c)
	if err := verify(nil, [][]*x509.Certificate{{leaf}}); err != nil {
		t.Fatalf("expected non-revoked cert to pass: %v", err)
	}

	if err := c.Revoke(result.Serial); err != nil {
		t.Fatal(err)
	}
	if err := verify(nil, [][]*x509.Certificate{{leaf}}); err == nil {
		t.Fatal("expected revoked cert to be rejected")
	}
}
