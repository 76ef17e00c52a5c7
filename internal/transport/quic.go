package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultQUICALPN is the ALPN protocol identifier used for the optional QUIC
// edge transport.
const DefaultQUICALPN = "chaski-confluent"

func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	if tlsConf == nil {
		return nil, fmt.Errorf("quic transport requires a tls.Config")
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{DefaultQUICALPN}
	}
	qconn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "stream open failed")
		return nil, err
	}
	return &quicConn{stream: stream, conn: qconn}, nil
}

func listenQUIC(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil {
		return nil, fmt.Errorf("quic transport requires a tls.Config")
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{DefaultQUICALPN}
	}
	ql, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &quicListener{l: ql}, nil
}

type quicListener struct{ l *quic.Listener }

func (q *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := q.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return &quicConn{stream: stream, conn: conn}, nil
}

func (q *quicListener) Close() error   { return q.l.Close() }
func (q *quicListener) Addr() net.Addr { return q.l.Addr() }

// quicConn adapts a single QUIC stream plus its parent connection into a
// net.Conn, since Edge performs no multiplexing of its own.
type quicConn struct {
	stream quic.Stream
	conn   quic.Connection
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}
func (c *quicConn) LocalAddr() net.Addr            { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr           { return c.conn.RemoteAddr() }
func (c *quicConn) SetDeadline(t time.Time) error  { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
