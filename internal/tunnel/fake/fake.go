// Package fake provides an in-memory tunnel.Server implementation used by
// tests so the core pipeline can be exercised without a real WireGuard
// userspace stack. The actual tunnel implementation is explicitly out of
// scope for this repository.
package fake

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sentrywire/sentrywire/internal/tunnel"
)

// halfPipe is one direction of an in-memory byte stream: a bounded channel
// of chunks plus a close signal, so a blocked Read can observe either new
// data or the stream shutting down.
type halfPipe struct {
	data      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newHalfPipe() *halfPipe {
	return &halfPipe{data: make(chan []byte, 128), closed: make(chan struct{})}
}

func (h *halfPipe) write(b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case h.data <- cp:
		return nil
	case <-h.closed:
		return io.ErrClosedPipe
	}
}

func (h *halfPipe) closeHalf() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// Conn is one endpoint of an in-memory TCP connection. A connection is a
// pair of Conns sharing two halfPipes, one per direction, exactly like a
// real socket.
type Conn struct {
	read, write *halfPipe
	leftover    []byte
	closed      atomic.Bool
	extra       map[string]tunnel.Addr
}

var _ tunnel.TcpStream = (*Conn)(nil)

func newConnPair(src, dst tunnel.Addr) (near, far *Conn) {
	a2b := newHalfPipe()
	b2a := newHalfPipe()
	extra := map[string]tunnel.Addr{"peername": src, "original_dst": dst}
	near = &Conn{read: b2a, write: a2b, extra: extra}
	far = &Conn{read: a2b, write: b2a, extra: extra}
	return near, far
}

func (c *Conn) Read(ctx context.Context, n int) ([]byte, error) {
	if c.closed.Load() {
		return nil, nil
	}
	if len(c.leftover) > 0 {
		if len(c.leftover) <= n {
			b := c.leftover
			c.leftover = nil
			return b, nil
		}
		b := append([]byte(nil), c.leftover[:n]...)
		c.leftover = c.leftover[n:]
		return b, nil
	}

	select {
	case b, ok := <-c.read.data:
		if !ok {
			return nil, nil
		}
		if len(b) > n {
			c.leftover = b[n:]
			return append([]byte(nil), b[:n]...), nil
		}
		return b, nil
	case <-c.read.closed:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	return c.write.write(data)
}

func (c *Conn) Drain(ctx context.Context) error { return nil }

func (c *Conn) WriteEOF() { c.write.closeHalf() }

func (c *Conn) Close() {
	c.closed.Store(true)
	c.write.closeHalf()
}

func (c *Conn) ExtraInfo(name string) (tunnel.Addr, bool) {
	a, ok := c.extra[name]
	return a, ok
}

// DatagramOut records one datagram a Server sent toward its remote peer.
type DatagramOut struct {
	Data     []byte
	Dst, Src tunnel.Addr
}

// Server is the tunnel.Server half that the proxy core drives.
type Server struct {
	mu         sync.Mutex
	onTCP      tunnel.OnTcp
	onDatagram tunnel.OnDatagram
	onOther    tunnel.OnOther
	closed     chan struct{}
	closeOnce  sync.Once

	remote *Remote
}

var _ tunnel.Server = (*Server)(nil)

// Remote is the test-facing handle for "the peer at the other end of this
// tunnel" — the simulated real client or real upstream server.
type Remote struct {
	server       *Server
	incoming     chan *Conn
	Datagrams    chan DatagramOut
	OtherPackets chan []byte
}

// NewPair builds one fake tunnel: a Server for the core to drive and a
// Remote for the test to act as the tunnel's peer through.
func NewPair() (*Server, *Remote) {
	s := &Server{closed: make(chan struct{})}
	r := &Remote{
		server:       s,
		incoming:     make(chan *Conn, 16),
		Datagrams:    make(chan DatagramOut, 64),
		OtherPackets: make(chan []byte, 64),
	}
	s.remote = r
	return s, r
}

// Start registers the callbacks, mirroring the shape of
// tunnel.StartServer's signature without an actual bind.
func (s *Server) Start(onTCP tunnel.OnTcp, onDatagram tunnel.OnDatagram, onOther tunnel.OnOther) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTCP = onTCP
	s.onDatagram = onDatagram
	s.onOther = onOther
}

func (s *Server) NewConnection(ctx context.Context, src, dst tunnel.Addr) (tunnel.TcpStream, error) {
	near, far := newConnPair(src, dst)
	select {
	case s.remote.incoming <- far:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return near, nil
}

func (s *Server) SendDatagram(data []byte, dst, src tunnel.Addr) {
	select {
	case s.remote.Datagrams <- DatagramOut{Data: data, Dst: dst, Src: src}:
	default:
	}
}

func (s *Server) SendOtherPacket(data []byte) {
	select {
	case s.remote.OtherPackets <- data:
	default:
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Server) WaitClosed(ctx context.Context) error {
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial simulates the remote peer opening a new TCP connection through the
// tunnel (e.g. a client connecting in). Triggers the Server's onTCP
// callback with the accepted side and returns the remote side for the
// test to drive.
func (r *Remote) Dial(ctx context.Context, src, dst tunnel.Addr) (*Conn, error) {
	r.server.mu.Lock()
	onTCP := r.server.onTCP
	r.server.mu.Unlock()
	if onTCP == nil {
		return nil, io.ErrClosedPipe
	}
	remoteSide, serverSide := newConnPair(src, dst)
	go onTCP(ctx, serverSide)
	return remoteSide, nil
}

// Accept waits for a connection the Server originated toward this peer via
// NewConnection.
func (r *Remote) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-r.incoming:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendDatagram simulates the remote peer sending a datagram into the
// tunnel.
func (r *Remote) SendDatagram(data []byte, src, dst tunnel.Addr) {
	r.server.mu.Lock()
	onDatagram := r.server.onDatagram
	r.server.mu.Unlock()
	if onDatagram != nil {
		onDatagram(data, src, dst)
	}
}

// SendOther simulates the remote peer sending a raw "other" IP packet into
// the tunnel.
func (r *Remote) SendOther(data []byte) {
	r.server.mu.Lock()
	onOther := r.server.onOther
	r.server.mu.Unlock()
	if onOther != nil {
		onOther(data)
	}
}
