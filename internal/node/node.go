// Package node implements the Chaski-Confluent node core (C4): the edge
// set, accept loop, dial/reconnect logic, and the glue that wires the
// discovery engine (C5), streaming plane (C6), and control dispatcher (C3)
// together. Grounded on the donor's internal/peer/manager.go connection
// registry and internal/peer/reconnect.go backoff idiom.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chaski-confluent/chaski/internal/address"
	"github.com/chaski-confluent/chaski/internal/ca"
	"github.com/chaski-confluent/chaski/internal/chaskierr"
	"github.com/chaski-confluent/chaski/internal/config"
	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/discovery"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/filetransfer"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/metrics"
	"github.com/chaski-confluent/chaski/internal/recovery"
	"github.com/chaski-confluent/chaski/internal/streaming"
	"github.com/chaski-confluent/chaski/internal/transport"
)

// Node owns the local address, the edge set, and the background loops that
// keep the mesh connected (spec §4.4).
type Node struct {
	cfg    *config.Config
	local  address.Address
	logger *slog.Logger

	disp         *dispatch.Dispatcher
	discovery    *discovery.Engine
	streaming    *streaming.Plane
	fileTransfer *filetransfer.Manager

	transportKind transport.Kind
	clientTLS     *tls.Config
	serverTLS     *tls.Config

	ca         *ca.CA
	crlCache   *ca.CRLCache
	caPeerAddr string

	metrics *metrics.Metrics

	reconnector *Reconnector

	mu             sync.RWMutex
	edges          map[string]*edge.Edge
	persistentAddr map[string]string // address.Key() -> original configured addr (may carry leading '*')

	listener transport.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node from cfg. It does not bind a listener or dial seed
// peers; call Start for that.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	host, portStr, err := net.SplitHostPort(cfg.Node.Address)
	if err != nil {
		return nil, fmt.Errorf("node address %q: %w", cfg.Node.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("node address %q: invalid port: %w", cfg.Node.Address, err)
	}
	class := cfg.Node.Class
	if class == "" {
		class = string(address.ClassNode)
	}

	n := &Node{
		cfg:            cfg,
		local:          address.Address{Class: address.Class(class), Host: host, Port: port},
		logger:         logger,
		transportKind:  transport.Kind(cfg.Node.Transport),
		edges:          make(map[string]*edge.Edge),
		persistentAddr: make(map[string]string),
		metrics:        metrics.Default(),
	}

	if cfg.CA.Enabled {
		theCA, err := ca.Open(ca.Config{
			Root: cfg.CA.Root,
			Subject: ca.SubjectAttrs{
				Country:      cfg.CA.Country,
				State:        cfg.CA.State,
				Locality:     cfg.CA.Locality,
				Organization: cfg.CA.Organization,
				CommonName:   cfg.CA.CommonName,
			},
			RootValidity:   cfg.CA.RootValidity,
			IssuedValidity: cfg.CA.IssuedValidity,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open ca: %w", err)
		}
		n.ca = theCA
	} else if cfg.CA.CAPeerAddress != "" {
		n.crlCache = ca.NewCRLCache()
		n.caPeerAddr = cfg.CA.CAPeerAddress
	}

	if cfg.TLS.HasTLS() {
		keyPEM, err := cfg.TLS.GetKeyPEM()
		if err != nil {
			return nil, fmt.Errorf("load tls key: %w", err)
		}
		certPEM, err := cfg.TLS.GetCertPEM()
		if err != nil {
			return nil, fmt.Errorf("load tls cert: %w", err)
		}
		caPEM, err := cfg.TLS.GetCAPEM()
		if err != nil {
			return nil, fmt.Errorf("load tls ca: %w", err)
		}
		material := transport.TLSMaterial{KeyPEM: keyPEM, CertPEM: certPEM, CAPEM: caPEM, MTLS: cfg.TLS.MTLS}
		switch {
		case n.ca != nil:
			material.VerifyPeerCertificate = ca.VerifyPeerCertificate(n.ca)
		case n.crlCache != nil:
			material.VerifyPeerCertificate = ca.VerifyPeerCertificate(n.crlCache)
		}
		n.serverTLS, err = transport.BuildServerTLSConfig(material)
		if err != nil {
			return nil, fmt.Errorf("build server tls config: %w", err)
		}
		n.clientTLS, err = transport.BuildClientTLSConfig(material)
		if err != nil {
			return nil, fmt.Errorf("build client tls config: %w", err)
		}
	}

	n.disp = dispatch.New(logger)
	if n.ca != nil {
		ca.NewServer(n.ca, n.disp, logger)
	}
	n.discovery = discovery.New(discovery.Config{
		Interval:           cfg.Discovery.Interval,
		InitialTTL:         cfg.Discovery.InitialTTL,
		PairingTimeout:     cfg.Discovery.PairingTimeout,
		PairingIdleTimeout: cfg.Discovery.PairingIdleTimeout,
		Logger:             logger,
	}, n, n.disp)
	n.streaming = streaming.New(streaming.Config{
		QueueCapacity: cfg.Streaming.QueueCapacity,
		Logger:        logger,
		Touch:         n.discovery.Touch,
		Metrics:       n.metrics,
	}, n, n.disp)
	n.fileTransfer = filetransfer.New(filetransfer.Config{
		Destination:        cfg.FileTransfer.Destination,
		ChunkSize:          uint32(cfg.FileTransfer.ChunkSize),
		MaxConcurrentFiles: cfg.FileTransfer.MaxConcurrentFiles,
		IdleTimeout:        cfg.FileTransfer.IdleTimeout,
		RateLimitBytesSec:  int64(cfg.FileTransfer.RateLimitBytesSec),
		Logger:             logger,
		Metrics:            n.metrics,
		Password:           cfg.FileTransfer.Password,
		PasswordHash:       cfg.FileTransfer.PasswordHash,
	}, n.disp, n.handleFileReceived)

	reconnCfg := DefaultReconnectConfig()
	if cfg.Node.Reconnections > 0 {
		reconnCfg.MaxAttempts = cfg.Node.Reconnections
	}
	n.reconnector = NewReconnector(reconnCfg, n.handleReconnect)

	n.disp.Handle(envelope.CmdTooManyEdges, n.handleTooManyEdges)

	return n, nil
}

// Start binds the listener, launches the accept loop, the discovery
// engine's background loops, and dials any configured seed peers.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	listener, err := transport.Listen(n.transportKind, n.cfg.Node.Address, n.serverTLS)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.Node.Address, err)
	}
	n.listener = listener

	n.discovery.Start()
	n.fileTransfer.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer recovery.RecoverWithLog(n.logger, "node.acceptLoop")
		n.acceptLoop()
	}()

	for _, raw := range n.cfg.Node.SeedPeers {
		raw := raw
		a, err := address.Parse(raw)
		if err != nil {
			n.logger.Warn("invalid seed peer address", logging.KeyAddress, raw, logging.KeyError, err)
			continue
		}
		n.persistentAddr[a.Key()] = raw
		go func() {
			if err := n.Connect(raw, false); err != nil {
				n.logger.Warn("seed peer connect failed, scheduling retry", logging.KeyAddress, raw, logging.KeyError, err)
				n.reconnector.Schedule(raw)
			}
		}()
	}

	if n.crlCache != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer recovery.RecoverWithLog(n.logger, "node.crlRefreshLoop")
			n.runCRLRefresh()
		}()
	}

	n.logger.Info("node started", logging.KeyAddress, n.local.String(), logging.KeyTransport, string(n.transportKind))
	return nil
}

// runCRLRefresh dials the configured CA peer and keeps the local CRL cache
// fresh for the lifetime of the node, retrying the dial on failure (the node
// should keep serving with a stale or empty CRL rather than refuse to start
// just because the CA was briefly unreachable).
func (n *Node) runCRLRefresh() {
	for {
		caEdge, err := n.DialForPairing(n.caPeerAddr)
		if err != nil {
			n.logger.Warn("ca peer dial failed, retrying", logging.KeyAddress, n.caPeerAddr, logging.KeyError, err)
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(DefaultReconnectConfig().InitialDelay):
			}
			continue
		}
		if err := n.crlCache.Refresh(n.ctx, n.disp, caEdge); err != nil {
			n.logger.Warn("initial crl refresh failed", logging.KeyError, err)
		}
		n.crlCache.RunPeriodic(n.ctx, n.disp, caEdge, ca.DefaultCRLRefreshInterval)
		return
	}
}

// Stop cancels all background work, closes every edge, and releases the
// listener. It is safe to call once.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		n.listener.Close()
	}
	n.reconnector.Stop()
	n.discovery.Stop()
	n.streaming.Close()
	n.fileTransfer.Stop()

	n.mu.RLock()
	edges := make([]*edge.Edge, 0, len(n.edges))
	for _, e := range n.edges {
		edges = append(edges, e)
	}
	n.mu.RUnlock()
	for _, e := range edges {
		e.Close()
	}
	n.disp.CancelAll()
	n.wg.Wait()
	return nil
}

// LocalAddress implements discovery.Host and streaming use.
func (n *Node) LocalAddress() string { return n.local.String() }

// LocalSubscriptions implements discovery.Host and streaming.Host.
func (n *Node) LocalSubscriptions() []string {
	out := make([]string, len(n.cfg.Node.Subscriptions))
	copy(out, n.cfg.Node.Subscriptions)
	return out
}

// Edges implements discovery.Host: a snapshot of currently registered edges.
func (n *Node) Edges() []*edge.Edge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*edge.Edge, 0, len(n.edges))
	for _, e := range n.edges {
		out = append(out, e)
	}
	return out
}

// EdgesPairedOn implements streaming.Host: edges paired on topic.
func (n *Node) EdgesPairedOn(topic string) []*edge.Edge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*edge.Edge, 0)
	for _, e := range n.edges {
		if e.IsPaired(topic) {
			out = append(out, e)
		}
	}
	return out
}

// DialForPairing implements discovery.Host: it establishes a fresh outbound
// edge to addr (spec §4.5 step 2) without requesting immediate pairing;
// the discovery engine itself negotiates pairing over the new edge.
func (n *Node) DialForPairing(addr string) (*edge.Edge, error) {
	e, _, err := n.dial(addr, false)
	return e, err
}

// Connect dials addr and performs the handshake. When paired is true, or
// addr carries the leading '*' pairing-request marker, pairing is granted
// immediately on every overlapping topic, bypassing discovery negotiation
// (spec §9 Design Notes, Open Question (b)).
func (n *Node) Connect(addr string, paired bool) error {
	_, _, err := n.dial(addr, paired)
	return err
}

// dial establishes an outbound edge, granting local pairing on overlapping
// topics itself when requestPaired (the dialer's own request, not the
// acceptor's echoed reply) is set.
func (n *Node) dial(addr string, requestPaired bool) (*edge.Edge, *edge.HandshakeResult, error) {
	a, err := address.Parse(addr)
	if err != nil {
		return nil, nil, chaskierr.Wrap(chaskierr.KindProtocol, "node.dial", err)
	}
	requestPaired = requestPaired || a.Paired

	dialCtx, cancel := context.WithTimeout(n.ctx, edge.DefaultHandshakeTimeout)
	defer cancel()
	conn, err := transport.Dial(dialCtx, n.transportKind, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), n.clientTLS)
	if err != nil {
		return nil, nil, chaskierr.Wrap(chaskierr.KindTransport, "node.dial", err)
	}

	e := edge.New(edge.Config{
		Conn:     conn,
		Addr:     a,
		IsDialer: true,
		Logger:   n.logger,
		OnEnvelope: n.onEnvelope,
		OnClose:    n.handleEdgeClose,
	})

	result, err := edge.Handshake(e, n.LocalAddress(), n.LocalSubscriptions(), requestPaired, edge.DefaultHandshakeTimeout)
	if err != nil {
		e.Close()
		return nil, nil, chaskierr.Wrap(chaskierr.KindTransport, "node.dial", err)
	}

	if err := n.registerEdge(e, result); err != nil {
		e.Close()
		return nil, nil, err
	}

	e.SetState(edge.StateConnected)
	if requestPaired {
		n.markPairedOnOverlap(e)
	}
	n.wg.Add(2)
	go func() { defer n.wg.Done(); e.RunReadLoop() }()
	go func() { defer n.wg.Done(); e.RunKeepalive(n.ctx, n.cfg.Node.LatencyUpdate, n.cfg.Node.KeepaliveMiss) }()

	return e, result, nil
}

func (n *Node) onEnvelope(from *edge.Edge, env *envelope.Envelope) {
	if err := n.disp.Dispatch(from, env); err != nil {
		n.logger.Debug("dispatch failed", logging.KeyEdge, from.Address.String(), logging.KeyCommand, string(env.Command), logging.KeyError, err)
	}
}

// acceptLoop accepts inbound connections, performs the handshake, and
// enforces the max_connections cap before any further envelope is
// processed (spec §4.4).
func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}
		go n.handleAccept(conn)
	}
}

func (n *Node) handleAccept(conn net.Conn) {
	defer recovery.RecoverWithLog(n.logger, "node.handleAccept")

	e := edge.New(edge.Config{
		Conn:       conn,
		IsDialer:   false,
		Logger:     n.logger,
		OnEnvelope: n.onEnvelope,
		OnClose:    n.handleEdgeClose,
	})

	result, err := edge.Handshake(e, n.LocalAddress(), n.LocalSubscriptions(), false, edge.DefaultHandshakeTimeout)
	if err != nil {
		n.logger.Debug("inbound handshake failed", logging.KeyRemoteAddr, conn.RemoteAddr().String(), logging.KeyError, err)
		e.Close()
		return
	}
	remote, err := address.Parse(result.RemoteAddress)
	if err != nil {
		n.logger.Warn("inbound handshake declared invalid address", logging.KeyError, err)
		e.Close()
		return
	}
	e.Address = remote

	if err := n.registerEdge(e, result); err != nil {
		if errors.Is(err, chaskierr.ErrTooManyEdges) {
			n.rejectTooManyEdges(e)
		}
		e.Close()
		return
	}

	e.SetState(edge.StateConnected)
	if result.Paired {
		n.markPairedOnOverlap(e)
	}

	n.wg.Add(2)
	go func() { defer n.wg.Done(); e.RunReadLoop() }()
	go func() { defer n.wg.Done(); e.RunKeepalive(n.ctx, n.cfg.Node.LatencyUpdate, n.cfg.Node.KeepaliveMiss) }()
}

// registerEdge enforces the max_connections cap and the no-duplicate-edges
// invariant, then records subscriptions and adds the edge to the set.
func (n *Node) registerEdge(e *edge.Edge, result *edge.HandshakeResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	maxConn := n.cfg.Node.MaxConnections
	if maxConn > 0 && len(n.edges) >= maxConn {
		return chaskierr.ErrTooManyEdges
	}
	key := e.Address.Key()
	if _, exists := n.edges[key]; exists {
		return chaskierr.ErrDuplicateEdge
	}
	e.SetSubscriptions(result.Subscriptions)
	n.edges[key] = e
	n.metrics.RecordEdgeConnect()
	return nil
}

func (n *Node) rejectTooManyEdges(e *edge.Edge) {
	_ = e.Send(&envelope.Envelope{
		Command:   envelope.CmdTooManyEdges,
		Origin:    n.LocalAddress(),
		Timestamp: time.Now().UnixNano(),
	})
}

// markPairedOnOverlap grants immediate pairing on every topic both the
// local node and e's peer subscribe to, per Open Question (b).
func (n *Node) markPairedOnOverlap(e *edge.Edge) {
	for _, topic := range n.LocalSubscriptions() {
		if e.HasSubscription(topic) {
			e.SetPaired(topic, true)
		}
	}
}

func (n *Node) handleTooManyEdges(from *edge.Edge, _ *envelope.Envelope) {
	n.logger.Warn("peer rejected us: too many edges", logging.KeyEdge, from.Address.String())
	from.Close()
}

func (n *Node) handleEdgeClose(e *edge.Edge, closeErr error) {
	n.mu.Lock()
	key := e.Address.Key()
	var wasRegistered bool
	if existing, ok := n.edges[key]; ok && existing == e {
		delete(n.edges, key)
		wasRegistered = true
	}
	persistentAddr, isPersistent := n.persistentAddr[key]
	n.mu.Unlock()

	if wasRegistered {
		reason := "closed"
		if closeErr != nil {
			reason = "error"
		}
		n.metrics.RecordEdgeDisconnect(reason)
	}

	if closeErr != nil {
		n.logger.Info("edge closed", logging.KeyEdge, key, logging.KeyError, closeErr)
	} else {
		n.logger.Info("edge closed", logging.KeyEdge, key)
	}

	if isPersistent {
		n.reconnector.Schedule(persistentAddr)
	}
}

func (n *Node) handleReconnect(addr string) error {
	n.metrics.RecordReconnectAttempt()
	return n.Connect(addr, false)
}

// Broadcast sends env to every currently registered edge, returning the
// first error encountered (delivery to remaining edges still proceeds).
func (n *Node) Broadcast(env *envelope.Envelope) error {
	n.mu.RLock()
	edges := make([]*edge.Edge, 0, len(n.edges))
	for _, e := range n.edges {
		edges = append(edges, e)
	}
	n.mu.RUnlock()

	var firstErr error
	for _, e := range edges {
		if err := e.Send(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatcher exposes the control dispatcher for components built on top of
// the node (ca, proxy, and external callers of FileTransfer().PushFile).
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.disp }

// Streaming exposes the streaming plane.
func (n *Node) Streaming() *streaming.Plane { return n.streaming }

// WithSession is the scoped-session consumption style (spec §4.6/§9): it
// starts the node, hands fn the streaming queue, and stops the node again
// once fn returns, closing every edge. Use Start/Streaming().Queue()/Stop
// directly instead for the explicit-stream style, where the node should
// outlive a single reader.
func (n *Node) WithSession(ctx context.Context, fn func(*streaming.Queue)) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()
	fn(n.streaming.Queue())
	return nil
}

// Discovery exposes the discovery engine.
func (n *Node) Discovery() *discovery.Engine { return n.discovery }

// Config exposes the node's configuration.
func (n *Node) Config() *config.Config { return n.cfg }

// CA exposes the embedded certificate authority, or nil if this node is not
// configured as a ChaskiCA.
func (n *Node) CA() *ca.CA { return n.ca }

// Metrics exposes the node's Prometheus metrics instance.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// FileTransfer exposes the chunked file transfer manager (C7), so callers
// can PushFile over an edge returned by Connect/Edges.
func (n *Node) FileTransfer() *filetransfer.Manager { return n.fileTransfer }

// handleFileReceived is the default file_handling_callback (spec §4.7): it
// logs completed incoming transfers. Embedding applications that need the
// file itself should read it from the configured FileTransfer destination.
func (n *Node) handleFileReceived(f filetransfer.CompletedFile) {
	n.logger.Info("file transfer complete",
		logging.KeyFileID, f.Filename,
		logging.KeyAddress, f.Source,
		logging.KeyTopic, f.Topic,
		"size", f.Size,
	)
}
