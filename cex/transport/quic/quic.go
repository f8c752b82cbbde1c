// Package quic runs DTM sessions over a single bidirectional QUIC stream.
// QUIC supplies loss recovery and transport encryption; the DTM layer still
// authenticates and encrypts on its own, so the self-signed TLS identity
// here carries no trust.
package quic

import (
	"context"
	"io"
	"time"

	q "github.com/quic-go/quic-go"
)

// Listener accepts DTM session streams.
type Listener struct {
	inner *q.Listener
}

// Listen binds addr with a fresh self-signed TLS identity.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := newSelfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Addr returns the bound address string.
func (l *Listener) Addr() string { return l.inner.Addr().String() }

// Close stops accepting.
func (l *Listener) Close() error { return l.inner.Close() }

// Accept waits for a connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{conn: conn, stream: st}, nil
}

// Stream is one DTM session pipe over a QUIC connection. It satisfies the
// session layer's Conn contract.
type Stream struct {
	conn   q.Connection
	stream q.Stream
}

func (s *Stream) Read(p []byte) (int, error) { return s.stream.Read(p) }

func (s *Stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *Stream) SetReadDeadline(t time.Time) error { return s.stream.SetReadDeadline(t) }

// Close tears down the stream and the connection beneath it.
func (s *Stream) Close() error {
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

var _ io.ReadWriteCloser = (*Stream)(nil)

// Dial connects to addr and opens the session stream.
func Dial(ctx context.Context, addr string) (*Stream, error) {
	tlsConf, err := newSelfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{conn: conn, stream: st}, nil
}
