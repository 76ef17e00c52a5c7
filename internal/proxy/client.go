package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
)

// DefaultRequestTimeout is the default proxy_call correlated-response wait.
const DefaultRequestTimeout = dispatch.DefaultRequestTimeout

// Call sends a proxy_call to target and blocks for the correlated
// proxy_call_response, the request/response half of spec §4.9's contract.
func Call(ctx context.Context, disp *dispatch.Dispatcher, target *edge.Edge, req envelope.ProxyCall) (*envelope.ProxyCallResponse, error) {
	id := dispatch.NewEnvelopeID()
	payload, err := envelope.EncodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("encode proxy_call: %w", err)
	}

	resp, err := disp.Request(ctx, id, DefaultRequestTimeout, func() error {
		return target.Send(&envelope.Envelope{
			Command:   envelope.CmdProxyCall,
			ID:        id,
			Timestamp: time.Now().UnixNano(),
			Data:      payload,
		})
	})
	if err != nil {
		return nil, err
	}

	var out envelope.ProxyCallResponse
	if err := envelope.DecodePayload(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode proxy_call_response: %w", err)
	}
	if out.Error != "" {
		return &out, fmt.Errorf("proxy call failed: %s", out.Error)
	}
	return &out, nil
}
