// Package discovery implements the Chaski-Confluent discovery engine (C5):
// TTL-bounded, subscription-driven gossip that establishes topic pairings
// without centralized coordination. The loop-suppression and seen-cache
// machinery is grounded on the donor's internal/flood package, repurposed
// from route-advertisement flooding to topic-pairing discovery.
package discovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/recovery"
)

// DefaultInterval is the default period between discovery emissions.
const DefaultInterval = 30 * time.Second

// DefaultInitialTTL is the default hop budget for a new discovery.
const DefaultInitialTTL = 64

// DefaultPairingTimeout bounds how long an initiator waits for the first
// pairing response before giving up (spec §5: "pairing response 5 s").
const DefaultPairingTimeout = 5 * time.Second

// DefaultPairingIdleTimeout is the default idle window before either side
// may unpair a (topic, peer) association.
const DefaultPairingIdleTimeout = 600 * time.Second

// Config configures the discovery engine's timing.
type Config struct {
	Interval           time.Duration
	InitialTTL         int32
	PairingTimeout     time.Duration
	PairingIdleTimeout time.Duration
	Logger             *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.InitialTTL == 0 {
		c.InitialTTL = DefaultInitialTTL
	}
	if c.PairingTimeout == 0 {
		c.PairingTimeout = DefaultPairingTimeout
	}
	if c.PairingIdleTimeout == 0 {
		c.PairingIdleTimeout = DefaultPairingIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

type seenKey struct {
	origin string
	id     string
}

type pendingDiscovery struct {
	acceptedEdge *edge.Edge
	timer        *time.Timer
}

// Host is the set of node operations the discovery engine needs. The Node
// implements this; discovery never reaches into Node's internals directly
// (spec §9's "cyclic references resolved by making the Node the sole owner
// of Edges" — discovery gets a narrow collaborator interface instead).
type Host interface {
	LocalAddress() string
	LocalSubscriptions() []string
	Edges() []*edge.Edge
	// DialForPairing establishes a brand-new outbound edge to addr and
	// registers it in the node's edge set, per spec §4.5 step 2 ("via a new
	// outbound connect").
	DialForPairing(addr string) (*edge.Edge, error)
}

// Engine runs the discovery ticker and handles discovery/pairing/
// pair_declined/unpair envelopes.
type Engine struct {
	cfg  Config
	host Host
	disp *dispatch.Dispatcher

	seenMu sync.Mutex
	seen   map[seenKey]time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingDiscovery // keyed by topic

	lastTrafficMu sync.Mutex
	lastTraffic   map[string]time.Time // key: edgeAddr+"|"+topic

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a discovery Engine and registers its handlers on disp.
func New(cfg Config, host Host, disp *dispatch.Dispatcher) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:         cfg,
		host:        host,
		disp:        disp,
		seen:        make(map[seenKey]time.Time),
		pending:     make(map[string]*pendingDiscovery),
		lastTraffic: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
	disp.Handle(envelope.CmdDiscovery, e.handleDiscovery)
	disp.Handle(envelope.CmdPairing, e.handlePairing)
	disp.Handle(envelope.CmdPairDeclined, e.handlePairDeclined)
	disp.Handle(envelope.CmdUnpair, e.handleUnpair)
	return e
}

// Start launches the discovery ticker and idle-unpair sweep.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.tickLoop()
	go e.idleSweepLoop()
}

// Stop halts background goroutines and waits for them to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	defer recovery.RecoverWithLog(e.cfg.Logger, "discovery.tick")
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.emitForUnpairedTopics()
		}
	}
}

// emitForUnpairedTopics starts one discovery per local topic not yet paired
// on any edge (spec §4.5: "emits a discovery envelope per local topic it is
// not yet paired on").
func (e *Engine) emitForUnpairedTopics() {
	for _, topic := range e.host.LocalSubscriptions() {
		if e.isPairedOnTopic(topic) {
			continue
		}
		e.Emit(topic)
	}
}

func (e *Engine) isPairedOnTopic(topic string) bool {
	for _, ed := range e.host.Edges() {
		if ed.IsPaired(topic) {
			return true
		}
	}
	return false
}

// Emit starts a new discovery for topic from this node.
func (e *Engine) Emit(topic string) {
	id := dispatch.NewEnvelopeID()
	local := e.host.LocalAddress()

	e.pendingMu.Lock()
	if _, exists := e.pending[topic]; exists {
		e.pendingMu.Unlock()
		return
	}
	pd := &pendingDiscovery{}
	pd.timer = time.AfterFunc(e.cfg.PairingTimeout, func() {
		e.pendingMu.Lock()
		delete(e.pending, topic)
		e.pendingMu.Unlock()
	})
	e.pending[topic] = pd
	e.pendingMu.Unlock()

	e.markSeen(local, id)

	payload, _ := envelope.EncodePayload(envelope.Discovery{
		PreviousNode: local,
		Visited:      []string{local},
		TTL:          e.cfg.InitialTTL,
		Topic:        topic,
	})
	env := &envelope.Envelope{
		Command:   envelope.CmdDiscovery,
		ID:        id,
		Origin:    local,
		Timestamp: time.Now().UnixNano(),
		TTL:       e.cfg.InitialTTL,
		Topic:     topic,
		Data:      payload,
	}
	for _, ed := range e.host.Edges() {
		_ = ed.Send(env)
	}
}

func (e *Engine) markSeen(origin, id string) bool {
	key := seenKey{origin: origin, id: id}
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, ok := e.seen[key]; ok {
		return false
	}
	e.seen[key] = time.Now()
	return true
}

// handleDiscovery implements the forwarding rules of spec §4.5.
func (e *Engine) handleDiscovery(from *edge.Edge, env *envelope.Envelope) {
	var d envelope.Discovery
	if err := envelope.DecodePayload(env.Data, &d); err != nil {
		e.cfg.Logger.Warn("discovery decode failed", logging.KeyError, err)
		return
	}

	if !e.markSeen(env.Origin, env.ID) {
		return // already processed this (origin, envelope_id): dedupe
	}

	local := e.host.LocalAddress()
	for _, v := range d.Visited {
		if v == local {
			return // loop suppression: we're already in the visited set
		}
	}

	if e.subscribesTo(d.Topic) && !e.isPairedWithAddr(d.PreviousNode, d.Topic) {
		go e.respondPairing(d.PreviousNode, d.Topic)
	}

	if d.TTL > 0 {
		newVisited := append(append([]string{}, d.Visited...), local)
		newEnv := &envelope.Envelope{
			Command: envelope.CmdDiscovery,
			ID:      env.ID,
			Origin:  env.Origin,
			Topic:   d.Topic,
			TTL:     d.TTL - 1,
		}
		payload, _ := envelope.EncodePayload(envelope.Discovery{
			PreviousNode: d.PreviousNode,
			Visited:      newVisited,
			TTL:          d.TTL - 1,
			Topic:        d.Topic,
		})
		newEnv.Data = payload

		visitedSet := make(map[string]bool, len(newVisited))
		for _, v := range newVisited {
			visitedSet[v] = true
		}
		for _, ed := range e.host.Edges() {
			if visitedSet[ed.Address.String()] {
				continue
			}
			_ = ed.Send(newEnv)
		}
	}
}

func (e *Engine) subscribesTo(topic string) bool {
	for _, t := range e.host.LocalSubscriptions() {
		if t == topic {
			return true
		}
	}
	return false
}

func (e *Engine) isPairedWithAddr(addr, topic string) bool {
	for _, ed := range e.host.Edges() {
		if ed.Address.String() == addr && ed.IsPaired(topic) {
			return true
		}
	}
	return false
}

// findEdge returns the live edge to addr, if any, regardless of direction.
func (e *Engine) findEdge(addr string) *edge.Edge {
	for _, ed := range e.host.Edges() {
		if ed.Address.String() == addr {
			return ed
		}
	}
	return nil
}

// respondPairing reuses an existing edge to previousNode if one is already up
// (the common case for directly-adjacent peers sharing a topic, spec §8
// scenario 1), falling back to a new outbound dial only when no edge exists
// yet. At most one live Edge exists per peer address regardless of direction
// (spec §3), so a fresh dial here would otherwise collide with an inbound
// edge from the same peer and the pairing would silently never happen.
func (e *Engine) respondPairing(previousNode, topic string) {
	ed := e.findEdge(previousNode)
	if ed == nil {
		var err error
		ed, err = e.host.DialForPairing(previousNode)
		if err != nil {
			e.cfg.Logger.Warn("discovery pairing dial failed", logging.KeyAddress, previousNode, logging.KeyError, err)
			return
		}
	}
	ed.SetPaired(topic, true)

	payload, _ := envelope.EncodePayload(envelope.Pairing{Address: e.host.LocalAddress(), Topic: topic})
	if err := ed.Send(&envelope.Envelope{
		Command: envelope.CmdPairing,
		Origin:  e.host.LocalAddress(),
		Topic:   topic,
		Data:    payload,
	}); err != nil {
		ed.SetPaired(topic, false)
	}
}

// handlePairing runs at the discovery initiator: the first responder is
// accepted, later ones are declined (spec §4.5 tie-breaking).
func (e *Engine) handlePairing(from *edge.Edge, env *envelope.Envelope) {
	var p envelope.Pairing
	if err := envelope.DecodePayload(env.Data, &p); err != nil {
		return
	}

	e.pendingMu.Lock()
	pd, ok := e.pending[p.Topic]
	if !ok {
		pd = &pendingDiscovery{}
		e.pending[p.Topic] = pd
	}
	if pd.acceptedEdge != nil {
		e.pendingMu.Unlock()
		declined, _ := envelope.EncodePayload(envelope.PairDeclined{Topic: p.Topic})
		_ = from.Send(&envelope.Envelope{Command: envelope.CmdPairDeclined, Topic: p.Topic, Data: declined})
		return
	}
	pd.acceptedEdge = from
	if pd.timer != nil {
		pd.timer.Stop()
	}
	e.pendingMu.Unlock()

	from.SetPaired(p.Topic, true)
}

func (e *Engine) handlePairDeclined(from *edge.Edge, env *envelope.Envelope) {
	var pd envelope.PairDeclined
	if err := envelope.DecodePayload(env.Data, &pd); err != nil {
		return
	}
	from.SetPaired(pd.Topic, false)
}

func (e *Engine) handleUnpair(from *edge.Edge, env *envelope.Envelope) {
	var u envelope.Unpair
	if err := envelope.DecodePayload(env.Data, &u); err != nil {
		return
	}
	from.SetPaired(u.Topic, false)
}

// Touch records traffic on (edge, topic), resetting its idle-unpair clock.
// The streaming plane calls this on every push/deliver.
func (e *Engine) Touch(edgeAddr, topic string) {
	e.lastTrafficMu.Lock()
	defer e.lastTrafficMu.Unlock()
	e.lastTraffic[edgeAddr+"|"+topic] = time.Now()
}

func (e *Engine) idleSweepLoop() {
	defer e.wg.Done()
	defer recovery.RecoverWithLog(e.cfg.Logger, "discovery.idleSweep")
	ticker := time.NewTicker(e.cfg.PairingIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepIdlePairings()
		}
	}
}

func (e *Engine) sweepIdlePairings() {
	now := time.Now()
	for _, ed := range e.host.Edges() {
		for _, topic := range ed.PairedTopics() {
			key := ed.Address.String() + "|" + topic
			e.lastTrafficMu.Lock()
			last, ok := e.lastTraffic[key]
			e.lastTrafficMu.Unlock()
			if !ok {
				last = now // no traffic recorded yet; start the clock now
				e.Touch(ed.Address.String(), topic)
				continue
			}
			if now.Sub(last) > e.cfg.PairingIdleTimeout {
				ed.SetPaired(topic, false)
				unpair, _ := envelope.EncodePayload(envelope.Unpair{Topic: topic})
				_ = ed.Send(&envelope.Envelope{Command: envelope.CmdUnpair, Topic: topic, Data: unpair})
			}
		}
	}
}
