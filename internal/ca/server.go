package ca

import (
	"log/slog"
	"time"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/metrics"
)

// Server wires a CA's handlers onto a node's control dispatcher, so a node
// configured as a ChaskiCA answers ca_request_certificate/ca_revoke/
// ca_get_crl over the wire (spec §4.8).
type Server struct {
	ca      *CA
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewServer registers CA handlers on disp.
func NewServer(c *CA, disp *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{ca: c, logger: logger, metrics: metrics.Default()}
	disp.Handle(envelope.CmdCARequestCertificate, s.handleRequestCertificate)
	disp.Handle(envelope.CmdCARevoke, s.handleRevoke)
	disp.Handle(envelope.CmdCAGetCRL, s.handleGetCRL)
	return s
}

func (s *Server) handleRequestCertificate(from *edge.Edge, env *envelope.Envelope) {
	var req envelope.CARequestCertificate
	if err := envelope.DecodePayload(env.Data, &req); err != nil {
		s.logger.Warn("malformed ca_request_certificate", logging.KeyError, err)
		s.respondError(from, env.ID, "malformed request")
		return
	}

	result, err := s.ca.IssueCertificate(IssueRequest{
		Subject: SubjectAttrs{
			Country:      req.SubjectCountry,
			State:        req.SubjectState,
			Locality:     req.SubjectLocality,
			Organization: req.SubjectOrg,
			CommonName:   req.CommonName,
		},
		IP:     req.IP,
		CSRPEM: req.CSRPEM,
	})
	if err != nil {
		s.logger.Warn("certificate issuance failed", logging.KeyError, err)
		s.respondError(from, env.ID, err.Error())
		return
	}

	s.metrics.RecordCertIssued()

	payload, err := envelope.EncodePayload(envelope.CARequestCertificateResponse{
		IssuedCertPEM: result.IssuedCertPEM,
		RootCertPEM:   result.RootCertPEM,
		PrivateKeyPEM: result.PrivateKeyPEM,
	})
	if err != nil {
		return
	}
	_ = from.Send(&envelope.Envelope{
		Command:   envelope.CmdCARequestCertificateResponse,
		ID:        env.ID,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	})
}

func (s *Server) respondError(from *edge.Edge, id, reason string) {
	payload, err := envelope.EncodePayload(envelope.CARequestCertificateResponse{Error: reason})
	if err != nil {
		return
	}
	_ = from.Send(&envelope.Envelope{
		Command:   envelope.CmdCARequestCertificateResponse,
		ID:        id,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	})
}

func (s *Server) handleRevoke(from *edge.Edge, env *envelope.Envelope) {
	var r envelope.CARevoke
	if err := envelope.DecodePayload(env.Data, &r); err != nil {
		s.logger.Warn("malformed ca_revoke", logging.KeyError, err)
		return
	}
	if err := s.ca.Revoke(r.Serial); err != nil {
		s.logger.Warn("revoke failed", logging.KeySerial, r.Serial, logging.KeyError, err)
		return
	}
	s.metrics.RecordCertRevoked()
}

func (s *Server) handleGetCRL(from *edge.Edge, env *envelope.Envelope) {
	payload, err := envelope.EncodePayload(envelope.CAGetCRLResponse{CRLPEM: s.ca.CRLPEM()})
	if err != nil {
		return
	}
	_ = from.Send(&envelope.Envelope{
		Command:   envelope.CmdCAGetCRLResponse,
		ID:        env.ID,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	})
}
