// Package tunnel defines the port this proxy consumes from the WireGuard
// tunnel library. The tunnel's own cryptography, routing, and
// NAT decisions are out of scope for this repository; this
// package only states the shape the core depends on, so the core can be
// built and tested against a fake without a real WireGuard implementation
// wired in.
package tunnel

import "context"

// Addr is a tunnel-side endpoint address.
type Addr struct {
	IP   string
	Port int
}

// TcpStream is one established TCP connection as handed to the core by a
// tunnel Server, either via the new-connection callback or returned from
// NewConnection.
type TcpStream interface {
	// Read returns at most n bytes. A zero-length, nil-error result means
	// EOF or a forced close on the remote side.
	Read(ctx context.Context, n int) ([]byte, error)
	// Write fully delivers data or returns a transport error.
	Write(ctx context.Context, data []byte) error
	// Drain blocks until a prior Write has been flushed to the wire.
	Drain(ctx context.Context) error
	// WriteEOF half-closes the stream: no more writes, but reads from the
	// peer continue until it closes its own side.
	WriteEOF()
	// Close immediately tears the stream down.
	Close()
	// ExtraInfo exposes transport metadata the WireGuard library derived
	// from the tunnel handshake, e.g. "peername" or "original_dst".
	ExtraInfo(name string) (Addr, bool)
}

// OnTcp is invoked once per newly accepted TCP connection.
type OnTcp func(ctx context.Context, conn TcpStream)

// OnDatagram is invoked once per received UDP datagram.
type OnDatagram func(data []byte, src, dst Addr)

// OnOther is invoked once per received non-TCP/UDP IP packet.
type OnOther func(data []byte)

// Server is one side of a WireGuard tunnel: a bound listener plus the
// ability to originate new TCP connections, datagrams, and raw IP packets
// toward the peer.
type Server interface {
	// NewConnection originates a TCP connection toward the peer on behalf
	// of a connection accepted on the other tunnel.
	NewConnection(ctx context.Context, src, dst Addr) (TcpStream, error)
	// SendDatagram sends a UDP datagram toward the peer.
	SendDatagram(data []byte, dst, src Addr)
	// SendOtherPacket sends a raw non-TCP/UDP IP packet toward the peer.
	SendOtherPacket(data []byte)
	// Close begins a graceful shutdown: stop accepting new connections.
	Close()
	// WaitClosed blocks until the server has fully shut down.
	WaitClosed(ctx context.Context) error
}

// StartServer starts one tunnel endpoint. Implementations bind bindHost:
// bindPort, authenticate with ownPrivateKey, and trust exactly the peers
// named by peerPublicKeys (optionally pinned to peerEndpoints).
type StartServer func(ctx context.Context, bindHost string, bindPort int, ownPrivateKey string,
	peerPublicKeys []string, peerEndpoints []string, onTCP OnTcp, onDatagram OnDatagram, onOther OnOther) (Server, error)
