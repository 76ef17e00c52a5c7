package ca

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/chaski-confluent/chaski/internal/address"
	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
)

// wirePair joins a client edge/dispatcher to a CA server edge/dispatcher
// over net.Pipe, both read loops running, mirroring the dispatch package's
// own testEdge idiom.
func wirePair(t *testing.T) (clientEdge *edge.Edge, clientDisp *dispatch.Dispatcher, caEdge *edge.Edge, caDisp *dispatch.Dispatcher) {
	t.Helper()
	c1, c2 := net.Pipe()
	clientAddr, _ := address.Parse("ChaskiNode@127.0.0.1:48501")
	caAddr, _ := address.Parse("ChaskiCA@127.0.0.1:48502")

	clientDisp = dispatch.New(nil)
	caDisp = dispatch.New(nil)

	clientEdge = edge.New(edge.Config{Conn: c1, Addr: caAddr, IsDialer: true, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = clientDisp.Dispatch(e, env)
	}})
	caEdge = edge.New(edge.Config{Conn: c2, Addr: clientAddr, IsDialer: false, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = caDisp.Dispatch(e, env)
	}})
	go clientEdge.RunReadLoop()
	go caEdge.RunReadLoop()
	t.Cleanup(func() {
		clientEdge.Close()
		caEdge.Close()
	})
	return
}

func TestRequestCertificateOverWire(t *testing.T) {
	root := t.TempDir()
	theCA, err := Open(Config{Root: root, Subject: SubjectAttrs{CommonName: "Chaski-Confluent"}})
	if err != nil {
		t.Fatal(err)
	}

	clientEdge, clientDisp, _, caDisp := wirePair(t)
	NewServer(theCA, caDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := RequestCertificate(ctx, clientDisp, clientEdge, envelope.CARequestCertificate{
		CommonName: "node-x",
		IP:         "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("RequestCertificate: %v", err)
	}
	if len(resp.IssuedCertPEM) == 0 {
		t.Fatal("expected issued certificate PEM")
	}
	if len(resp.PrivateKeyPEM) == 0 {
		t.Fatal("expected generated private key since no CSR was supplied")
	}
}

func TestGetCRLOverWire(t *testing.T) {
	root := t.TempDir()
	theCA, err := Open(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	clientEdge, clientDisp, _, caDisp := wirePair(t)
	NewServer(theCA, caDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	crlPEM, err := RequestCRL(ctx, clientDisp, clientEdge)
	if err != nil {
		t.Fatal(err)
	}
	if len(crlPEM) == 0 {
		t.Fatal("expected a (possibly empty-list) CRL PEM to be returned")
	}
}

func TestRevokeOverWire(t *testing.T) {
	root := t.TempDir()
	theCA, err := Open(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	result, err := theCA.IssueCertificate(IssueRequest{Subject: SubjectAttrs{CommonName: "node-y"}, IP: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}

	clientEdge, _, _, caDisp := wirePair(t)
	NewServer(theCA, caDisp, nil)

	if err := SendRevoke(clientEdge, result.Serial); err != nil {
		t.Fatal(err)
	}

	serial, ok := new(big.Int).SetString(result.Serial, 16)
	if !ok {
		t.Fatalf("bad serial %q", result.Serial)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if theCA.IsRevoked(serial) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected revocation to apply after ca_revoke envelope was processed")
}
