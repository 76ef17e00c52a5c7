// Package dispatch implements the Chaski-Confluent control-message
// dispatcher (C3): a command->handler table plus id->future request/response
// correlation with timeout, grounded on the donor's
// internal/stream/manager.go pendingRequests/time.AfterFunc idiom.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaski-confluent/chaski/internal/chaskierr"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
)

// DefaultRequestTimeout is the default correlated-request timeout (spec §4.3).
const DefaultRequestTimeout = 10 * time.Second

// Handler processes an envelope that was not a correlated response.
type Handler func(from *edge.Edge, env *envelope.Envelope)

// Dispatcher routes incoming envelopes to registered command handlers, and
// resolves outstanding requests by envelope id.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[envelope.Command]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	logger *slog.Logger
}

type pendingRequest struct {
	resultCh chan requestResult
	timer    *time.Timer
}

type requestResult struct {
	env *envelope.Envelope
	err error
}

// New constructs an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		handlers: make(map[envelope.Command]Handler),
		pending:  make(map[string]*pendingRequest),
		logger:   logger,
	}
}

// Handle registers a handler for a command. Registering for an already
// registered command replaces the previous handler.
func (d *Dispatcher) Handle(cmd envelope.Command, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

// Dispatch routes an incoming envelope: if its id matches a pending request
// it resolves that request's future; otherwise it is routed by command to a
// registered handler. Returns chaskierr.ErrUnknownCommand (a Protocol-kind
// error) if no handler is registered and no pending request matched — the
// caller (the edge's read loop owner) decides whether to close the edge.
func (d *Dispatcher) Dispatch(from *edge.Edge, env *envelope.Envelope) error {
	if !envelope.KnownCommands[env.Command] {
		return chaskierr.Wrap(chaskierr.KindProtocol, "dispatch", fmt.Errorf("unknown command %q", env.Command))
	}

	if env.ID != "" && d.resolvePending(env.ID, env, nil) {
		return nil
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Command]
	d.mu.RUnlock()
	if !ok {
		return chaskierr.ErrUnknownCommand
	}
	h(from, env)
	return nil
}

// NewEnvelopeID generates a random correlation id.
func NewEnvelopeID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Request installs a pending slot keyed by id, invokes send (which must
// transmit an envelope carrying that id), and waits for a matching response
// or the timeout (default 10s per spec §4.3). On timeout the slot is removed
// and RequestTimeout is returned.
func (d *Dispatcher) Request(ctx context.Context, id string, timeout time.Duration, send func() error) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	pr := &pendingRequest{resultCh: make(chan requestResult, 1)}
	d.pendingMu.Lock()
	d.pending[id] = pr
	d.pendingMu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		d.resolvePending(id, nil, chaskierr.ErrRequestTimeout)
	})

	if err := send(); err != nil {
		d.removePending(id)
		pr.timer.Stop()
		return nil, err
	}

	select {
	case r := <-pr.resultCh:
		return r.env, r.err
	case <-ctx.Done():
		d.resolvePending(id, nil, chaskierr.ErrCancelled)
		return nil, ctx.Err()
	}
}

// resolvePending delivers a result to a pending request's channel and
// removes it, returning true if a pending request with that id existed.
func (d *Dispatcher) resolvePending(id string, env *envelope.Envelope, err error) bool {
	d.pendingMu.Lock()
	pr, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
	if !ok {
		return false
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	select {
	case pr.resultCh <- requestResult{env: env, err: err}:
	default:
	}
	return true
}

func (d *Dispatcher) removePending(id string) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

// CancelAll resolves every outstanding request with Cancelled, used on node
// shutdown (spec §5: "Cancellation propagates to pending request slots,
// which resolve with Cancelled.").
func (d *Dispatcher) CancelAll() {
	d.pendingMu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.pendingMu.Unlock()
	for _, id := range ids {
		d.resolvePending(id, nil, chaskierr.ErrCancelled)
	}
}
