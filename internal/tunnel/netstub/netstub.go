// Package netstub provides a plain-socket tunnel.Server usable for local
// manual testing of the proxy pipeline without a real WireGuard userspace
// stack. It binds a plain TCP listener and a UDP socket on bindHost:
// bindPort and carries traffic in the clear — ownPrivateKey and
// peerPublicKeys are accepted (to match tunnel.StartServer's signature) but
// never used cryptographically. Do not point this at an untrusted network;
// it is the tunnel `sentrywire start` runs on, letting it demonstrate the
// hook chain against real sockets, matching what internal/tunnel/fake does
// in-process for tests.
package netstub

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/sentrywire/sentrywire/internal/tunnel"
)

// Server is a netstub tunnel endpoint.
type Server struct {
	listener *net.TCPListener
	udpConn  *net.UDPConn

	onTCP      tunnel.OnTcp
	onDatagram tunnel.OnDatagram
	onOther    tunnel.OnOther

	mu        sync.Mutex
	peerAddrs map[string]*net.UDPAddr // last-seen UDP peer, by source IP

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ tunnel.Server = (*Server)(nil)

// Start implements tunnel.StartServer.
func Start(ctx context.Context, bindHost string, bindPort int, ownPrivateKey string,
	peerPublicKeys []string, peerEndpoints []string,
	onTCP tunnel.OnTcp, onDatagram tunnel.OnDatagram, onOther tunnel.OnOther) (tunnel.Server, error) {
	tcpAddr := &net.TCPAddr{IP: net.ParseIP(bindHost), Port: bindPort}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	udpAddr := &net.UDPAddr{IP: net.ParseIP(bindHost), Port: bindPort}
	uc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return nil, err
	}

	s := &Server{
		listener:   ln,
		udpConn:    uc,
		onTCP:      onTCP,
		onDatagram: onDatagram,
		onOther:    onOther,
		peerAddrs:  map[string]*net.UDPAddr{},
		closed:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.readDatagrams(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		stream := &tcpStream{conn: conn}
		if s.onTCP != nil {
			go s.onTCP(ctx, stream)
		}
	}
}

func (s *Server) readDatagrams(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, raddr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		src := tunnel.Addr{IP: raddr.IP.String(), Port: raddr.Port}
		s.mu.Lock()
		s.peerAddrs[src.IP] = raddr
		s.mu.Unlock()
		if s.onDatagram != nil {
			data := append([]byte(nil), buf[:n]...)
			local := s.udpConn.LocalAddr().(*net.UDPAddr)
			dst := tunnel.Addr{IP: local.IP.String(), Port: local.Port}
			s.onDatagram(data, src, dst)
		}
	}
}

// NewConnection dials dst directly — netstub has no NAT/routing layer of
// its own, so "toward the peer" just means "connect to that address."
func (s *Server) NewConnection(ctx context.Context, src, dst tunnel.Addr) (tunnel.TcpStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(dst.IP, itoa(dst.Port)))
	if err != nil {
		return nil, err
	}
	return &tcpStream{conn: conn}, nil
}

func (s *Server) SendDatagram(data []byte, dst, src tunnel.Addr) {
	addr := &net.UDPAddr{IP: net.ParseIP(dst.IP), Port: dst.Port}
	_, _ = s.udpConn.WriteToUDP(data, addr)
}

// SendOtherPacket has no transport in netstub (plain TCP/UDP sockets carry
// no raw-IP "other" protocol path); it is a no-op.
func (s *Server) SendOtherPacket(data []byte) {}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.listener.Close()
		s.udpConn.Close()
		close(s.closed)
	})
}

func (s *Server) WaitClosed(ctx context.Context) error {
	select {
	case <-s.closed:
		s.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tcpStream adapts a net.Conn to tunnel.TcpStream.
type tcpStream struct {
	conn net.Conn
}

var _ tunnel.TcpStream = (*tcpStream)(nil)

func (t *tcpStream) Read(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := t.conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return buf[:read], nil
}

func (t *tcpStream) Write(ctx context.Context, data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpStream) Drain(ctx context.Context) error { return nil }

func (t *tcpStream) WriteEOF() {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func (t *tcpStream) Close() { _ = t.conn.Close() }

func (t *tcpStream) ExtraInfo(name string) (tunnel.Addr, bool) {
	switch name {
	case "peername":
		if ra, ok := t.conn.RemoteAddr().(*net.TCPAddr); ok {
			return tunnel.Addr{IP: ra.IP.String(), Port: ra.Port}, true
		}
	case "original_dst":
		if la, ok := t.conn.LocalAddr().(*net.TCPAddr); ok {
			return tunnel.Addr{IP: la.IP.String(), Port: la.Port}, true
		}
	}
	return tunnel.Addr{}, false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
