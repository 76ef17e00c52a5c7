// Package transport provides the pluggable Edge dial/listen backends: the
// default TCP(+TLS) transport and an optional QUIC transport, selected by
// node.transport config (SPEC_FULL.md §11 domain stack). Unlike the donor's
// transport package, there is no per-connection stream multiplexing: Edge
// owns one plain duplex net.Conn per peer.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Kind identifies which backend Dial/Listen use.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindQUIC Kind = "quic"
)

// Listener is a minimal net.Listener-like interface common to both backends.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Dial connects to addr using the named transport. When tlsConf is non-nil,
// TCP dials wrap the connection in TLS; QUIC always requires a tls.Config
// since QUIC mandates TLS 1.3.
func Dial(ctx context.Context, kind Kind, addr string, tlsConf *tls.Config) (net.Conn, error) {
	switch kind {
	case "", KindTCP:
		return dialTCP(ctx, addr, tlsConf)
	case KindQUIC:
		return dialQUIC(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Listen binds addr using the named transport.
func Listen(kind Kind, addr string, tlsConf *tls.Config) (Listener, error) {
	switch kind {
	case "", KindTCP:
		return listenTCP(addr, tlsConf)
	case KindQUIC:
		return listenQUIC(addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func dialTCP(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		return conn, nil
	}
	tconn := tls.Client(conn, tlsConf)
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tconn, nil
}

func listenTCP(addr string, tlsConf *tls.Config) (Listener, error) {
	var l net.Listener
	var err error
	if tlsConf != nil {
		l, err = tls.Listen("tcp", addr, tlsConf)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l}, nil
}

type tcpListener struct{ l net.Listener }

func (t *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := t.l.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.c, r.err
	case <-ctx.Done():
		t.l.Close()
		return nil, ctx.Err()
	}
}

func (t *tcpListener) Close() error   { return t.l.Close() }
func (t *tcpListener) Addr() net.Addr { return t.l.Addr() }
