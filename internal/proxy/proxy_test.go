package proxy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/chaski-confluent/chaski/internal/address"
	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
)

// echoInvoker returns the args it was given, unless armed to fail.
type echoInvoker struct {
	fail    bool
	calls   chan struct{}
	release chan struct{}
}

func (e *echoInvoker) Invoke(ctx context.Context, modulePath, attrPath string, args, kwargs []byte) ([]byte, error) {
	if e.calls != nil {
		e.calls <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	if e.fail {
		return nil, errors.New("invoke failed")
	}
	return append([]byte(modulePath+"."+attrPath+":"), args...), nil
}

func wirePair(t *testing.T) (clientEdge *edge.Edge, clientDisp *dispatch.Dispatcher, serverDisp *dispatch.Dispatcher) {
	t.Helper()
	c1, c2 := net.Pipe()
	clientAddr, _ := address.Parse("ChaskiNode@127.0.0.1:49101")
	serverAddr, _ := address.Parse("ChaskiNode@127.0.0.1:49102")

	clientDisp = dispatch.New(nil)
	serverDisp = dispatch.New(nil)

	clientEdge = edge.New(edge.Config{Conn: c1, Addr: serverAddr, IsDialer: true, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = clientDisp.Dispatch(e, env)
	}})
	serverEdge := edge.New(edge.Config{Conn: c2, Addr: clientAddr, IsDialer: false, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = serverDisp.Dispatch(e, env)
	}})
	go clientEdge.RunReadLoop()
	go serverEdge.RunReadLoop()
	t.Cleanup(func() {
		clientEdge.Close()
		serverEdge.Close()
	})
	return
}

func TestCallRoundTrip(t *testing.T) {
	clientEdge, clientDisp, serverDisp := wirePair(t)
	cfg := Config{Enabled: true, AllowedModulePaths: []string{"os"}, MaxInFlight: 4}
	NewServer(cfg, &echoInvoker{}, serverDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := Call(ctx, clientDisp, clientEdge, envelope.ProxyCall{ModulePath: "os", AttrPath: "getcwd", Args: []byte("x")})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Result) != "os.getcwd:x" {
		t.Fatalf("got %q", resp.Result)
	}
}

func TestCallRejectsDisallowedModulePath(t *testing.T) {
	clientEdge, clientDisp, serverDisp := wirePair(t)
	cfg := Config{Enabled: true, AllowedModulePaths: []string{"os"}}
	NewServer(cfg, &echoInvoker{}, serverDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Call(ctx, clientDisp, clientEdge, envelope.ProxyCall{ModulePath: "shutil", AttrPath: "rmtree"})
	if err == nil {
		t.Fatal("expected disallowed module path to be rejected")
	}
}

func TestCallRequiresPasswordWhenConfigured(t *testing.T) {
	clientEdge, clientDisp, serverDisp := wirePair(t)
	cfg := Config{Enabled: true, AllowedModulePaths: []string{"*"}, PasswordHash: HashPassword("secret")}
	NewServer(cfg, &echoInvoker{}, serverDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Call(ctx, clientDisp, clientEdge, envelope.ProxyCall{ModulePath: "os", AttrPath: "getcwd"}); err == nil {
		t.Fatal("expected missing password to be rejected")
	}
	resp, err := Call(ctx, clientDisp, clientEdge, envelope.ProxyCall{ModulePath: "os", AttrPath: "getcwd", Password: "secret"})
	if err != nil {
		t.Fatalf("expected correct password to succeed: %v", err)
	}
	if string(resp.Result) != "os.getcwd:" {
		t.Fatalf("got %q", resp.Result)
	}
}

func TestCallReturnsInvokerError(t *testing.T) {
	clientEdge, clientDisp, serverDisp := wirePair(t)
	cfg := Config{Enabled: true, AllowedModulePaths: []string{"*"}}
	NewServer(cfg, &echoInvoker{fail: true}, serverDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Call(ctx, clientDisp, clientEdge, envelope.ProxyCall{ModulePath: "os", AttrPath: "getcwd"}); err == nil {
		t.Fatal("expected invoker error to propagate")
	}
}

func TestInFlightCapRejectsExcessConcurrentCalls(t *testing.T) {
	clientEdge, clientDisp, serverDisp := wirePair(t)
	inv := &echoInvoker{calls: make(chan struct{}, 8), release: make(chan struct{})}
	cfg := Config{Enabled: true, AllowedModulePaths: []string{"*"}, MaxInFlight: 1}
	NewServer(cfg, inv, serverDisp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		_, err := Call(ctx, clientDisp, clientEdge, envelope.ProxyCall{ModulePath: "os", AttrPath: "a"})
		errCh <- err
	}()
	<-inv.calls // first call has grabbed the single in-flight slot and is blocked on release

	// A second concurrent call against the same server dispatcher, over a
	// fresh edge, must be rejected immediately rather than queued, since the
	// server's semaphore is non-blocking.
	secondEdge, secondDisp := dialSecondClient(t, serverDisp)
	if _, err := Call(ctx, secondDisp, secondEdge, envelope.ProxyCall{ModulePath: "os", AttrPath: "b"}); err == nil {
		t.Fatal("expected second concurrent call to be rejected while the only in-flight slot is held")
	}

	close(inv.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first call should have succeeded once unblocked: %v", err)
	}
}

// dialSecondClient joins a fresh net.Pipe to the already-running serverDisp,
// letting a test drive a second concurrent call against the same Server.
func dialSecondClient(t *testing.T, serverDisp *dispatch.Dispatcher) (*edge.Edge, *dispatch.Dispatcher) {
	t.Helper()
	c1, c2 := net.Pipe()
	clientAddr, _ := address.Parse("ChaskiNode@127.0.0.1:49201")
	serverAddr, _ := address.Parse("ChaskiNode@127.0.0.1:49202")

	clientDisp := dispatch.New(nil)
	clientEdge := edge.New(edge.Config{Conn: c1, Addr: serverAddr, IsDialer: true, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = clientDisp.Dispatch(e, env)
	}})
	serverEdge := edge.New(edge.Config{Conn: c2, Addr: clientAddr, IsDialer: false, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = serverDisp.Dispatch(e, env)
	}})
	go clientEdge.RunReadLoop()
	go serverEdge.RunReadLoop()
	t.Cleanup(func() {
		clientEdge.Close()
		serverEdge.Close()
	})
	return clientEdge, clientDisp
}
