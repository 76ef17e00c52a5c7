package ca

import (
	"context"
	"fmt"
	"time"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
)

// DefaultRequestTimeout bounds how long a client waits for the CA to answer
// ca_request_certificate/ca_get_crl, reusing C3's request/response timeout.
const DefaultRequestTimeout = dispatch.DefaultRequestTimeout

// RequestCertificate asks target (a ChaskiCA edge) to issue a certificate,
// via C3's correlated request/response (spec §4.8 ca_request_certificate).
// disp must be the dispatcher target's read loop feeds, so the response is
// matched to its pending id.
func RequestCertificate(ctx context.Context, disp *dispatch.Dispatcher, target *edge.Edge, req envelope.CARequestCertificate) (*envelope.CARequestCertificateResponse, error) {
	id := dispatch.NewEnvelopeID()
	env, err := disp.Request(ctx, id, DefaultRequestTimeout, func() error {
		payload, err := envelope.EncodePayload(req)
		if err != nil {
			return err
		}
		return target.Send(&envelope.Envelope{
			Command:   envelope.CmdCARequestCertificate,
			ID:        id,
			Timestamp: time.Now().UnixNano(),
			Data:      payload,
		})
	})
	if err != nil {
		return nil, err
	}
	var resp envelope.CARequestCertificateResponse
	if err := envelope.DecodePayload(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode ca_request_certificate_response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ca refused certificate request: %s", resp.Error)
	}
	return &resp, nil
}

// RequestCRL fetches the CA's current CRL (spec §4.8 ca_get_crl).
func RequestCRL(ctx context.Context, disp *dispatch.Dispatcher, target *edge.Edge) ([]byte, error) {
	id := dispatch.NewEnvelopeID()
	env, err := disp.Request(ctx, id, DefaultRequestTimeout, func() error {
		return target.Send(&envelope.Envelope{
			Command:   envelope.CmdCAGetCRL,
			ID:        id,
			Timestamp: time.Now().UnixNano(),
		})
	})
	if err != nil {
		return nil, err
	}
	var resp envelope.CAGetCRLResponse
	if err := envelope.DecodePayload(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode ca_get_crl_response: %w", err)
	}
	return resp.CRLPEM, nil
}

// SendRevoke asks the CA (target) to revoke serial. ca_revoke has no
// response payload in the closed command set, so this fires and forgets.
func SendRevoke(target *edge.Edge, serial string) error {
	payload, err := envelope.EncodePayload(envelope.CARevoke{Serial: serial})
	if err != nil {
		return err
	}
	return target.Send(&envelope.Envelope{
		Command:   envelope.CmdCARevoke,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	})
}
