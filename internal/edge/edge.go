// Package edge implements the Chaski-Confluent per-peer duplex connection
// (C2): framing, write serialization, keepalive/RTT, and pairing state.
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaski-confluent/chaski/internal/address"
	"github.com/chaski-confluent/chaski/internal/chaskierr"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/recovery"
)

// State mirrors the donor's atomic connection-state idiom
// (internal/peer/connection.go ConnectionState).
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultLatencyUpdate is the default keepalive ping interval (spec §4.2).
const DefaultLatencyUpdate = 60 * time.Second

// DefaultKeepaliveMiss is the default time after which a missed pong
// declares the edge dead: keepalive_interval * 2 with keepalive_interval=7s,
// matching spec's literal 14s default.
const DefaultKeepaliveMiss = 14 * time.Second

// Edge is a single peer connection: one socket, one write lock, one read
// loop, per spec §3/§4.2. At most one live Edge exists per peer address,
// regardless of direction; the Node enforces that invariant, not the Edge itself.
type Edge struct {
	Address  address.Address
	IsDialer bool

	conn   net.Conn
	reader *envelope.FrameReader
	writer *envelope.FrameWriter

	writeMu sync.Mutex

	state atomic.Int32

	subMu         sync.Mutex
	subscriptions map[string]bool
	pairedTopics  map[string]bool

	lastPingSentNs atomic.Int64
	lastPongRecvNs atomic.Int64
	rttNs          atomic.Int64

	reconnectAttempts atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger

	onEnvelope func(*Edge, *envelope.Envelope)
	onClose    func(*Edge, error)
}

// Config configures a new Edge.
type Config struct {
	Conn         net.Conn
	Addr         address.Address
	IsDialer     bool
	Logger       *slog.Logger
	OnEnvelope   func(*Edge, *envelope.Envelope)
	OnClose      func(*Edge, error)
	MaxFrameSize int
}

// New wraps conn as a ready-to-run Edge.
func New(cfg Config) *Edge {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	maxSize := cfg.MaxFrameSize
	if maxSize == 0 {
		maxSize = envelope.DefaultMaxFrameSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Edge{
		Address:       cfg.Addr,
		IsDialer:      cfg.IsDialer,
		conn:          cfg.Conn,
		reader:        envelope.NewFrameReaderSize(cfg.Conn, maxSize),
		writer:        envelope.NewFrameWriterSize(cfg.Conn, maxSize),
		subscriptions: make(map[string]bool),
		pairedTopics:  make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
		closed:        make(chan struct{}),
		logger:        cfg.Logger,
		onEnvelope:    cfg.OnEnvelope,
		onClose:       cfg.OnClose,
	}
	e.state.Store(int32(StateHandshaking))
	return e
}

// State returns the current connection state.
func (e *Edge) State() State { return State(e.state.Load()) }

// SetState updates the connection state.
func (e *Edge) SetState(s State) { e.state.Store(int32(s)) }

// Send serializes and writes env, holding the edge's single write lock for
// the duration (spec §4.2 send()).
func (e *Edge) Send(env *envelope.Envelope) error {
	if e.State() == StateClosed {
		return chaskierr.ErrEdgeClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.writer.WriteEnvelope(env); err != nil {
		return chaskierr.Wrap(chaskierr.KindTransport, "edge.Send", err)
	}
	return nil
}

// Ping sends a keepalive envelope carrying the current time.
func (e *Edge) Ping() error {
	now := time.Now().UnixNano()
	payload, err := envelope.EncodePayload(envelope.KeepalivePayload{SentAt: now})
	if err != nil {
		return err
	}
	e.lastPingSentNs.Store(now)
	return e.Send(&envelope.Envelope{
		Command:   envelope.CmdKeepalive,
		Origin:    e.Address.String(),
		Timestamp: now,
		Data:      payload,
	})
}

// HandlePong records RTT from a keepalive_response echoing sent_at.
func (e *Edge) HandlePong(sentAt int64) {
	now := time.Now().UnixNano()
	e.lastPongRecvNs.Store(now)
	if now > sentAt {
		e.rttNs.Store(now - sentAt)
	}
}

// RTT returns the last measured round-trip time.
func (e *Edge) RTT() time.Duration { return time.Duration(e.rttNs.Load()) }

// Close shuts down the read loop and socket, marking the edge terminal.
func (e *Edge) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.SetState(StateClosed)
		err = e.conn.Close()
		close(e.closed)
	})
	return err
}

// Done reports when the edge is closed.
func (e *Edge) Done() <-chan struct{} { return e.closed }

// SetSubscriptions replaces the peer's declared subscription set.
func (e *Edge) SetSubscriptions(subs []string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions = make(map[string]bool, len(subs))
	for _, s := range subs {
		e.subscriptions[s] = true
	}
}

// HasSubscription reports whether the peer declared interest in topic.
func (e *Edge) HasSubscription(topic string) bool {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.subscriptions[topic]
}

// SetPaired marks (topic) paired or unpaired on this edge.
func (e *Edge) SetPaired(topic string, paired bool) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if paired {
		e.pairedTopics[topic] = true
	} else {
		delete(e.pairedTopics, topic)
	}
}

// IsPaired reports whether this edge is paired on topic.
func (e *Edge) IsPaired(topic string) bool {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.pairedTopics[topic]
}

// PairedTopics returns a snapshot of the edge's paired topics.
func (e *Edge) PairedTopics() []string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	out := make([]string, 0, len(e.pairedTopics))
	for t := range e.pairedTopics {
		out = append(out, t)
	}
	return out
}

// RunReadLoop reads frames until error or cancellation, dispatching each
// decoded envelope to onEnvelope. On decode error or EOF the edge is closed
// and onClose is invoked, matching spec §4.2's "on decode error or EOF, the
// edge is closed and the node's reconnection logic is notified."
func (e *Edge) RunReadLoop() {
	defer recovery.RecoverWithLog(e.logger, "edge.readLoop")
	var closeErr error
	for {
		env, err := e.reader.ReadEnvelope()
		if err != nil {
			closeErr = err
			break
		}
		if env.Command == envelope.CmdKeepaliveResponse {
			var ka envelope.KeepalivePayload
			if decErr := envelope.DecodePayload(env.Data, &ka); decErr == nil {
				e.HandlePong(ka.SentAt)
			}
			continue
		}
		if e.onEnvelope != nil {
			e.onEnvelope(e, env)
		}
	}
	e.Close()
	if e.onClose != nil {
		e.onClose(e, closeErr)
	}
}

// RunKeepalive pings on interval and declares the edge dead (closing it) if
// no pong arrives within missAfter of the last ping (spec §4.2).
func (e *Edge) RunKeepalive(ctx context.Context, interval, missAfter time.Duration) {
	defer recovery.RecoverWithLog(e.logger, "edge.keepalive")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case <-ticker.C:
			if err := e.Ping(); err != nil {
				e.logger.Warn("keepalive send failed", logging.KeyEdge, e.Address.String(), logging.KeyError, err)
				e.Close()
				return
			}
			sentAt := e.lastPingSentNs.Load()
			timer := time.NewTimer(missAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-e.closed:
				timer.Stop()
				return
			case <-timer.C:
				if e.lastPongRecvNs.Load() < sentAt {
					e.logger.Warn("keepalive miss, closing edge", logging.KeyEdge, e.Address.String())
					e.Close()
					return
				}
			}
		}
	}
}

// String renders a short identifier for logging.
func (e *Edge) String() string {
	return fmt.Sprintf("Edge{addr=%s, state=%s, rtt=%s}", e.Address, e.State(), e.RTT())
}
