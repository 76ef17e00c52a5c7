package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaski-confluent/chaski/internal/config"
	"github.com/chaski-confluent/chaski/internal/streaming"
)

func freeAddr(t *testing.T, port int) string {
	t.Helper()
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func testConfig(addr string, subs []string, seeds []string) *config.Config {
	cfg := config.Default()
	cfg.Node.Address = addr
	cfg.Node.Subscriptions = subs
	cfg.Node.SeedPeers = seeds
	cfg.Discovery.Interval = 50 * time.Millisecond
	cfg.Discovery.PairingTimeout = time.Second
	cfg.Node.LatencyUpdate = time.Hour
	cfg.Node.KeepaliveMiss = time.Hour
	return cfg
}

func TestConnectEstablishesEdgeBothSides(t *testing.T) {
	addrA := freeAddr(t, 48301)
	addrB := freeAddr(t, 48302)

	nodeA, err := New(testConfig(addrA, []string{"alerts"}, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	nodeB, err := New(testConfig(addrB, []string{"alerts"}, nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := nodeA.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := nodeB.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer nodeA.Stop()
	defer nodeB.Stop()

	if err := nodeA.Connect("ChaskiNode@"+addrB, false); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(nodeA.Edges()) == 1 && len(nodeB.Edges()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("edges not established: A=%d B=%d", len(nodeA.Edges()), len(nodeB.Edges()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConnectPairedBypassesDiscovery(t *testing.T) {
	addrA := freeAddr(t, 48311)
	addrB := freeAddr(t, 48312)

	nodeA, _ := New(testConfig(addrA, []string{"orders"}, nil), nil)
	nodeB, _ := New(testConfig(addrB, []string{"orders"}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)
	defer nodeA.Stop()
	defer nodeB.Stop()

	if err := nodeA.Connect("*ChaskiNode@"+addrB, false); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(nodeA.EdgesPairedOn("orders")) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("paired edge never appeared on dialer side")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestDiscoveryPairsAlreadyConnectedPeers covers spec §8 scenario 1: two
// nodes dial a plain (non-immediate) edge and share a topic. Discovery must
// pair them over that existing edge rather than trying — and failing — to
// open a second, duplicate one.
func TestDiscoveryPairsAlreadyConnectedPeers(t *testing.T) {
	addrA := freeAddr(t, 48331)
	addrB := freeAddr(t, 48332)

	nodeA, _ := New(testConfig(addrA, []string{"orders"}, nil), nil)
	nodeB, _ := New(testConfig(addrB, []string{"orders"}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)
	defer nodeA.Stop()
	defer nodeB.Stop()

	if err := nodeA.Connect("ChaskiNode@"+addrB, false); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(nodeA.EdgesPairedOn("orders")) == 1 && len(nodeB.EdgesPairedOn("orders")) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("discovery never paired existing edge: A=%d B=%d",
				len(nodeA.EdgesPairedOn("orders")), len(nodeB.EdgesPairedOn("orders")))
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(nodeA.Edges()) != 1 || len(nodeB.Edges()) != 1 {
		t.Fatalf("pairing must reuse the existing edge, not open a second one: A=%d B=%d",
			len(nodeA.Edges()), len(nodeB.Edges()))
	}
}

// TestFileTransferWiredIntoNode covers review comment #3: the node must
// construct and expose a live filetransfer.Manager, not just carry config
// for one.
func TestFileTransferWiredIntoNode(t *testing.T) {
	addrA := freeAddr(t, 48341)
	addrB := freeAddr(t, 48342)

	dir := t.TempDir()
	cfgB := testConfig(addrB, nil, nil)
	cfgB.FileTransfer.Destination = dir

	nodeA, _ := New(testConfig(addrA, nil, nil), nil)
	nodeB, _ := New(cfgB, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)
	defer nodeA.Stop()
	defer nodeB.Stop()

	if err := nodeA.Connect("ChaskiNode@"+addrB, false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for len(nodeA.Edges()) == 0 {
		select {
		case <-deadline:
			t.Fatal("edge never established")
		case <-time.After(10 * time.Millisecond):
		}
	}

	src := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(src, []byte("hello from node A"), 0644); err != nil {
		t.Fatal(err)
	}

	if nodeA.FileTransfer() == nil || nodeB.FileTransfer() == nil {
		t.Fatal("FileTransfer() must return a live manager")
	}

	pushCtx, pushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pushCancel()
	if err := nodeA.FileTransfer().PushFile(pushCtx, nodeA.Edges()[0], "files", src); err != nil {
		t.Fatalf("PushFile: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "payload.txt"))
	if err != nil {
		t.Fatalf("receiving node never wrote file: %v", err)
	}
	if string(got) != "hello from node A" {
		t.Fatalf("got %q", got)
	}
}

// TestWithSessionStopsNodeOnReturn covers review comment #4's scoped-session
// consumption style: the node must be running while fn executes and fully
// stopped (edges closed) once it returns.
func TestWithSessionStopsNodeOnReturn(t *testing.T) {
	addrA := freeAddr(t, 48351)
	addrB := freeAddr(t, 48352)

	nodeA, _ := New(testConfig(addrA, []string{"alerts"}, nil), nil)
	nodeB, _ := New(testConfig(addrB, []string{"alerts"}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := nodeB.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer nodeB.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := nodeA.WithSession(ctx, func(q *streaming.Queue) {
			if err := nodeA.Connect("*ChaskiNode@"+addrB, false); err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			deadline := time.After(2 * time.Second)
			for len(nodeA.EdgesPairedOn("alerts")) == 0 {
				select {
				case <-deadline:
					t.Error("pairing never completed inside session")
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
			if err := nodeB.Streaming().Push("alerts", []byte("hi")); err != nil {
				t.Errorf("push: %v", err)
			}
			msgCtx, msgCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer msgCancel()
			if _, ok := q.Pop(msgCtx); !ok {
				t.Error("Pop: queue closed or context cancelled before message arrived")
			}
		})
		if err != nil {
			t.Errorf("WithSession: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WithSession never returned")
	}

	if len(nodeA.Edges()) != 0 {
		t.Fatalf("WithSession must close all edges on scope exit, got %d", len(nodeA.Edges()))
	}
}

func TestMaxConnectionsRejectsExtraEdge(t *testing.T) {
	addrA := freeAddr(t, 48321)
	addrB := freeAddr(t, 48322)

	cfgB := testConfig(addrB, nil, nil)
	cfgB.Node.MaxConnections = 1

	nodeA, _ := New(testConfig(addrA, nil, nil), nil)
	nodeB, _ := New(cfgB, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)
	defer nodeA.Stop()
	defer nodeB.Stop()

	if err := nodeA.Connect("ChaskiNode@"+addrB, false); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	addrA2 := freeAddr(t, 48323)
	nodeA2, _ := New(testConfig(addrA2, nil, nil), nil)
	nodeA2.Start(ctx)
	defer nodeA2.Stop()

	if err := nodeA2.Connect("ChaskiNode@"+addrB, false); err != nil {
		t.Fatalf("connect (handshake completes before rejection): %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(nodeA2.Edges()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("edge rejected by max_connections was never closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
