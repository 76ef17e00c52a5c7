package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaski-confluent/chaski/internal/chaskierr"
	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/metrics"
)

// Invoker executes a single proxy_call against whatever object graph the
// embedding application exposes. Argument/return marshaling is the
// application's concern (spec §4.9: "out of scope here"); this package only
// ferries args/kwargs/result as opaque bytes.
type Invoker interface {
	Invoke(ctx context.Context, modulePath, attrPath string, args, kwargs []byte) ([]byte, error)
}

// Server wires proxy_call handling onto a node's control dispatcher,
// enforcing the module-path allowlist, optional password gate, and a bounded
// in-flight semaphore before handing off to the invoker.
type Server struct {
	cfg     Config
	invoker Invoker
	logger  *slog.Logger
	sem     chan struct{}
	metrics *metrics.Metrics
}

// NewServer registers the proxy_call handler on disp.
func NewServer(cfg Config, invoker Invoker, disp *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		cfg:     cfg,
		invoker: invoker,
		logger:  logger,
		sem:     make(chan struct{}, cfg.maxInFlight()),
		metrics: metrics.Default(),
	}
	disp.Handle(envelope.CmdProxyCall, s.handleCall)
	return s
}

func (s *Server) handleCall(from *edge.Edge, env *envelope.Envelope) {
	var req envelope.ProxyCall
	if err := envelope.DecodePayload(env.Data, &req); err != nil {
		s.logger.Warn("malformed proxy_call", logging.KeyError, err)
		s.respond(from, env.ID, nil, "malformed request")
		return
	}

	if !s.cfg.Enabled {
		s.respond(from, env.ID, nil, "proxy is disabled on this node")
		return
	}
	if err := s.cfg.ValidateAuth(req.Password); err != nil {
		s.logger.Warn("proxy_call rejected: auth", logging.KeyModule, req.ModulePath, logging.KeyEdge, from.Address.String())
		s.metrics.RecordProxyCall("auth")
		s.respond(from, env.ID, nil, chaskierr.ErrProxyAuth.Error())
		return
	}
	if !s.cfg.IsModulePathAllowed(req.ModulePath) {
		s.logger.Warn("proxy_call rejected: module not allowed", logging.KeyModule, req.ModulePath)
		s.metrics.RecordProxyCall("forbidden")
		s.respond(from, env.ID, nil, chaskierr.ErrProxyForbidden.Error())
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.metrics.RecordProxyCall("busy")
		s.respond(from, env.ID, nil, chaskierr.ErrProxyBusy.Error())
		return
	}
	defer func() { <-s.sem }()

	result, err := s.invoker.Invoke(context.Background(), req.ModulePath, req.AttrPath, req.Args, req.Kwargs)
	if err != nil {
		s.metrics.RecordProxyCall("error")
		s.respond(from, env.ID, nil, err.Error())
		return
	}
	s.metrics.RecordProxyCall("ok")
	s.respond(from, env.ID, result, "")
}

func (s *Server) respond(from *edge.Edge, id string, result []byte, errMsg string) {
	payload, err := envelope.EncodePayload(envelope.ProxyCallResponse{Result: result, Error: errMsg})
	if err != nil {
		return
	}
	_ = from.Send(&envelope.Envelope{
		Command:   envelope.CmdProxyCallResponse,
		ID:        id,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	})
}
