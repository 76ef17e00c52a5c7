package edge

import (
	"fmt"
	"time"

	"github.com/chaski-confluent/chaski/internal/envelope"
)

// DefaultHandshakeTimeout bounds the report_paired exchange.
const DefaultHandshakeTimeout = 10 * time.Second

// HandshakeResult carries what the remote peer declared.
type HandshakeResult struct {
	RemoteAddress string
	Subscriptions []string
	Paired        bool
}

// Handshake performs the report_paired exchange described in spec §4.4: the
// dialer sends first, the acceptor replies in kind. Both sides then hold the
// remote's declared address, subscriptions, and paired request.
func Handshake(e *Edge, localAddr string, localSubs []string, requestPaired bool, timeout time.Duration) (*HandshakeResult, error) {
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}

	send := func() error {
		payload, err := envelope.EncodePayload(envelope.ReportPaired{
			Address:       localAddr,
			Subscriptions: localSubs,
			Paired:        requestPaired,
		})
		if err != nil {
			return err
		}
		return e.Send(&envelope.Envelope{
			Command:   envelope.CmdReportPaired,
			Origin:    localAddr,
			Timestamp: time.Now().UnixNano(),
			Data:      payload,
		})
	}

	recv := func() (*HandshakeResult, error) {
		type result struct {
			env *envelope.Envelope
			err error
		}
		ch := make(chan result, 1)
		go func() {
			env, err := e.reader.ReadEnvelope()
			ch <- result{env, err}
		}()
		select {
		case r := <-ch:
			if r.err != nil {
				return nil, fmt.Errorf("handshake read: %w", r.err)
			}
			if r.env.Command != envelope.CmdReportPaired {
				return nil, fmt.Errorf("handshake: expected report_paired, got %s", r.env.Command)
			}
			var rp envelope.ReportPaired
			if err := envelope.DecodePayload(r.env.Data, &rp); err != nil {
				return nil, fmt.Errorf("handshake decode: %w", err)
			}
			return &HandshakeResult{RemoteAddress: rp.Address, Subscriptions: rp.Subscriptions, Paired: rp.Paired}, nil
		case <-time.After(timeout):
			return nil, fmt.Errorf("handshake timed out after %s", timeout)
		}
	}

	if e.IsDialer {
		if err := send(); err != nil {
			return nil, err
		}
		return recv()
	}
	result, err := recv()
	if err != nil {
		return nil, err
	}
	if err := send(); err != nil {
		return nil, err
	}
	return result, nil
}
