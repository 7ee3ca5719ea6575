package stream

import (
	"context"

	"github.com/sentrywire/sentrywire/internal/tunnel"
)

// TunnelStream adapts a tunnel.TcpStream to the Stream contract. It is the
// stream every ProxyConnection starts out with, before any plugin calls
// Wrap.
type TunnelStream struct {
	Base
	inner tunnel.TcpStream
}

// NewTunnelStream wraps a tunnel-library TCP stream.
func NewTunnelStream(inner tunnel.TcpStream) *TunnelStream {
	return &TunnelStream{inner: inner}
}

func (s *TunnelStream) Read(ctx context.Context, n int) ([]byte, error) {
	return s.DoRead(ctx, func(ctx context.Context, n int) ([]byte, error) {
		return s.inner.Read(ctx, n)
	}, n)
}

func (s *TunnelStream) Write(ctx context.Context, data []byte) error {
	if err := s.inner.Write(ctx, data); err != nil {
		return err
	}
	return s.inner.Drain(ctx)
}

func (s *TunnelStream) Close(force bool) {
	s.DoClose(func(force bool) {
		if force {
			s.inner.Close()
			return
		}
		s.inner.WriteEOF()
	}, force)
}
