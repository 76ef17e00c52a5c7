package discovery

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chaski-confluent/chaski/internal/address"
	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
)

// fakeNetwork lets a set of fakeHosts dial each other over net.Pipe, letting
// these tests exercise the real handshake-free Edge/Dispatcher wiring
// without a listening socket or a full node.Node.
type fakeNetwork struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{hosts: make(map[string]*fakeHost)}
}

func (n *fakeNetwork) register(h *fakeHost) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[h.addr] = h
}

// connect wires a fresh edge pair between from and the host at toAddr,
// mirroring node.registerEdge's address-keyed (not direction-keyed)
// duplicate check: a second connect between the same pair of addresses
// fails exactly like the real node's ErrDuplicateEdge.
func (n *fakeNetwork) connect(from *fakeHost, toAddr string) (*edge.Edge, error) {
	n.mu.Lock()
	to, ok := n.hosts[toAddr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such host: %s", toAddr)
	}

	from.mu.Lock()
	_, dup := from.edges[toAddr]
	from.mu.Unlock()
	if dup {
		return nil, fmt.Errorf("duplicate edge to %s", toAddr)
	}
	to.mu.Lock()
	_, dup = to.edges[from.addr]
	to.mu.Unlock()
	if dup {
		return nil, fmt.Errorf("duplicate edge to %s", from.addr)
	}

	fromParsed, err := address.Parse(toAddr)
	if err != nil {
		return nil, err
	}
	toParsed, err := address.Parse(from.addr)
	if err != nil {
		return nil, err
	}

	c1, c2 := net.Pipe()
	eFrom := edge.New(edge.Config{Conn: c1, Addr: fromParsed, IsDialer: true, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = from.disp.Dispatch(e, env)
	}})
	eTo := edge.New(edge.Config{Conn: c2, Addr: toParsed, IsDialer: false, OnEnvelope: func(e *edge.Edge, env *envelope.Envelope) {
		_ = to.disp.Dispatch(e, env)
	}})
	go eFrom.RunReadLoop()
	go eTo.RunReadLoop()

	from.mu.Lock()
	from.edges[toAddr] = eFrom
	from.mu.Unlock()
	to.mu.Lock()
	to.edges[from.addr] = eTo
	to.mu.Unlock()

	return eFrom, nil
}

// fakeHost implements Host directly over fakeNetwork-managed edges, standing
// in for node.Node in these package-local tests.
type fakeHost struct {
	t       *testing.T
	addr    string
	subs    []string
	disp    *dispatch.Dispatcher
	network *fakeNetwork

	mu    sync.Mutex
	edges map[string]*edge.Edge

	dialErr error // when set, DialForPairing always fails without reaching the network
}

func newFakeHost(t *testing.T, network *fakeNetwork, addr string, subs []string) *fakeHost {
	t.Helper()
	h := &fakeHost{
		t:       t,
		addr:    addr,
		subs:    subs,
		disp:    dispatch.New(nil),
		network: network,
		edges:   make(map[string]*edge.Edge),
	}
	network.register(h)
	t.Cleanup(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, e := range h.edges {
			e.Close()
		}
	})
	return h
}

func (h *fakeHost) LocalAddress() string          { return h.addr }
func (h *fakeHost) LocalSubscriptions() []string  { return h.subs }

func (h *fakeHost) Edges() []*edge.Edge {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*edge.Edge, 0, len(h.edges))
	for _, e := range h.edges {
		out = append(out, e)
	}
	return out
}

func (h *fakeHost) DialForPairing(addr string) (*edge.Edge, error) {
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return h.network.connect(h, addr)
}

func testEngineConfig() Config {
	return Config{
		Interval:           time.Hour, // tests drive emission explicitly via Emit
		InitialTTL:         DefaultInitialTTL,
		PairingTimeout:     time.Second,
		PairingIdleTimeout: time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestRespondPairingReusesExistingEdge is the regression test for the
// ErrDuplicateEdge pairing deadlock (spec §8 scenario 1): two already
// directly-connected peers sharing a topic must pair over that edge. The
// host's DialForPairing is rigged to always fail, so the test only passes
// if respondPairing never needs it.
func TestRespondPairingReusesExistingEdge(t *testing.T) {
	network := newFakeNetwork()
	addrA := "ChaskiNode@127.0.0.1:49001"
	addrB := "ChaskiNode@127.0.0.1:49002"

	hostA := newFakeHost(t, network, addrA, []string{"orders"})
	hostB := newFakeHost(t, network, addrB, []string{"orders"})
	hostB.dialErr = fmt.Errorf("simulated ErrDuplicateEdge: dial must not be attempted")

	if _, err := network.connect(hostA, addrB); err != nil {
		t.Fatalf("initial connect: %v", err)
	}

	engineA := New(testEngineConfig(), hostA, hostA.disp)
	engineB := New(testEngineConfig(), hostB, hostB.disp)
	_ = engineB

	engineA.Emit("orders")

	waitFor(t, 2*time.Second, func() bool {
		return hostA.Edges()[0].IsPaired("orders") && hostB.Edges()[0].IsPaired("orders")
	})

	if len(hostA.Edges()) != 1 || len(hostB.Edges()) != 1 {
		t.Fatalf("pairing must reuse the existing edge, not dial a new one: A=%d B=%d",
			len(hostA.Edges()), len(hostB.Edges()))
	}
}

// TestPairingExclusivityFirstResponderWins covers spec §4.5's tie-breaking:
// when more than one peer responds to the same discovery, the initiator
// accepts only the first and declines the rest.
func TestPairingExclusivityFirstResponderWins(t *testing.T) {
	network := newFakeNetwork()
	addrA := "ChaskiNode@127.0.0.1:49011"
	addrB := "ChaskiNode@127.0.0.1:49012"
	addrC := "ChaskiNode@127.0.0.1:49013"

	hostA := newFakeHost(t, network, addrA, []string{"orders"})
	hostB := newFakeHost(t, network, addrB, []string{"orders"})
	hostC := newFakeHost(t, network, addrC, []string{"orders"})

	if _, err := network.connect(hostA, addrB); err != nil {
		t.Fatalf("connect A-B: %v", err)
	}
	if _, err := network.connect(hostA, addrC); err != nil {
		t.Fatalf("connect A-C: %v", err)
	}

	engineA := New(testEngineConfig(), hostA, hostA.disp)
	engineB := New(testEngineConfig(), hostB, hostB.disp)
	engineC := New(testEngineConfig(), hostC, hostC.disp)
	_, _ = engineB, engineC

	engineA.Emit("orders")

	waitFor(t, 2*time.Second, func() bool {
		paired := 0
		for _, e := range hostA.Edges() {
			if e.IsPaired("orders") {
				paired++
			}
		}
		return paired == 1
	})

	time.Sleep(100 * time.Millisecond) // let any (incorrect) second acceptance land

	paired := 0
	for _, e := range hostA.Edges() {
		if e.IsPaired("orders") {
			paired++
		}
	}
	if paired != 1 {
		t.Fatalf("exactly one responder must be accepted, got %d", paired)
	}
}

// TestTTLStopsForwarding covers spec §8's TTL-termination property: a
// discovery emitted with TTL 0 never reaches a node beyond the immediate
// neighbor.
func TestTTLStopsForwarding(t *testing.T) {
	network := newFakeNetwork()
	addrA := "ChaskiNode@127.0.0.1:49021"
	addrB := "ChaskiNode@127.0.0.1:49022"
	addrC := "ChaskiNode@127.0.0.1:49023"

	hostA := newFakeHost(t, network, addrA, nil)
	hostB := newFakeHost(t, network, addrB, nil) // not subscribed: pure forwarder
	hostC := newFakeHost(t, network, addrC, []string{"orders"})

	if _, err := network.connect(hostA, addrB); err != nil {
		t.Fatalf("connect A-B: %v", err)
	}
	if _, err := network.connect(hostB, addrC); err != nil {
		t.Fatalf("connect B-C: %v", err)
	}

	engineA := New(testEngineConfig(), hostA, hostA.disp)
	engineB := New(testEngineConfig(), hostB, hostB.disp)
	engineC := New(testEngineConfig(), hostC, hostC.disp)
	_, _ = engineB, engineC

	engineA.cfg.InitialTTL = 0 // Emit reads InitialTTL off the already-built engine
	engineA.Emit("orders")

	time.Sleep(200 * time.Millisecond)

	// C keeps only its setup edge to B; a discovery that reached it would
	// make it dial A for pairing and grow a second edge.
	if len(hostC.Edges()) != 1 {
		t.Fatal("TTL=0 discovery must not reach a node two hops away")
	}
}

// TestDiscoveryThroughIntermediary is spec §8's three-node scenario: A and C
// share a topic but are only connected via B, which does not subscribe to
// it. Discovery must cross B and establish a direct A-C edge.
func TestDiscoveryThroughIntermediary(t *testing.T) {
	network := newFakeNetwork()
	addrA := "ChaskiNode@127.0.0.1:49031"
	addrB := "ChaskiNode@127.0.0.1:49032"
	addrC := "ChaskiNode@127.0.0.1:49033"

	hostA := newFakeHost(t, network, addrA, []string{"orders"})
	hostB := newFakeHost(t, network, addrB, nil)
	hostC := newFakeHost(t, network, addrC, []string{"orders"})

	if _, err := network.connect(hostA, addrB); err != nil {
		t.Fatalf("connect A-B: %v", err)
	}
	if _, err := network.connect(hostB, addrC); err != nil {
		t.Fatalf("connect B-C: %v", err)
	}

	engineA := New(testEngineConfig(), hostA, hostA.disp)
	engineB := New(testEngineConfig(), hostB, hostB.disp)
	engineC := New(testEngineConfig(), hostC, hostC.disp)
	_, _ = engineB, engineC

	engineA.Emit("orders")

	waitFor(t, 2*time.Second, func() bool {
		return len(hostC.Edges()) == 2 // still connected to B, plus the new direct edge to A
	})

	var direct *edge.Edge
	for _, e := range hostC.Edges() {
		if e.Address.String() == addrA {
			direct = e
		}
	}
	if direct == nil {
		t.Fatal("no direct edge to A appeared on C")
	}
	waitFor(t, 2*time.Second, func() bool { return direct.IsPaired("orders") })
}

// TestRingLoopSuppression is spec §8's A-B-C-A scenario: a fully connected
// triangle where only C subscribes. Discovery must not loop back to A
// through C, and must terminate instead of forwarding indefinitely.
func TestRingLoopSuppression(t *testing.T) {
	network := newFakeNetwork()
	addrA := "ChaskiNode@127.0.0.1:49041"
	addrB := "ChaskiNode@127.0.0.1:49042"
	addrC := "ChaskiNode@127.0.0.1:49043"

	hostA := newFakeHost(t, network, addrA, nil)
	hostB := newFakeHost(t, network, addrB, nil)
	hostC := newFakeHost(t, network, addrC, []string{"orders"})

	if _, err := network.connect(hostA, addrB); err != nil {
		t.Fatalf("connect A-B: %v", err)
	}
	if _, err := network.connect(hostB, addrC); err != nil {
		t.Fatalf("connect B-C: %v", err)
	}
	if _, err := network.connect(hostC, addrA); err != nil {
		t.Fatalf("connect C-A: %v", err)
	}

	engineA := New(testEngineConfig(), hostA, hostA.disp)
	engineB := New(testEngineConfig(), hostB, hostB.disp)
	engineC := New(testEngineConfig(), hostC, hostC.disp)
	_, _ = engineB, engineC

	engineA.Emit("orders")

	// C already has a direct edge to A (the ring's closing edge), so pairing
	// happens over that instead of a fresh dial, and forwarding must never
	// send the discovery back around to A a second time.
	waitFor(t, 2*time.Second, func() bool {
		for _, e := range hostA.Edges() {
			if e.Address.String() == addrC && e.IsPaired("orders") {
				return true
			}
		}
		return false
	})

	time.Sleep(150 * time.Millisecond)

	if len(hostA.Edges()) != 2 || len(hostB.Edges()) != 2 || len(hostC.Edges()) != 2 {
		t.Fatalf("ring must stay triangle-shaped, no extra edges from a forwarding loop: A=%d B=%d C=%d",
			len(hostA.Edges()), len(hostB.Edges()), len(hostC.Edges()))
	}
}
