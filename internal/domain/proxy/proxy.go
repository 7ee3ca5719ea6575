// Package proxy implements Proxy, which pairs two tunnel.Server endpoints
// (the untrusted network side and the protected service side) and routes
// every TCP connection, UDP datagram, and other IP packet between them
// through the plugin hook chain.
package proxy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/shared"
	"github.com/sentrywire/sentrywire/internal/stream"
	"github.com/sentrywire/sentrywire/internal/tunnel"
)

// Instrumentation receives connection-lifecycle events for metrics export.
// A Proxy with a nil Instrumentation simply skips recording.
type Instrumentation interface {
	ConnectionOpened(side string)
	ConnectionClosed(side string)
}

// Dispatcher is the hook surface Proxy needs beyond connection.Dispatcher:
// the stateless UDP/"other" hooks, which carry no *ProxyConnection.
type Dispatcher interface {
	connection.Dispatcher

	UDPDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte
	UDPFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome
	UDPLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome)
	UDPEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte

	OtherDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte
	OtherFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome
	OtherLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome)
	OtherEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte
}

// Proxy bridges the network-side and proxy-side tunnel servers.
type Proxy struct {
	ctx     context.Context
	network tunnel.Server
	service tunnel.Server

	dispatcher Dispatcher
	bufferSize int
	logger     *slog.Logger
	instr      Instrumentation

	wg sync.WaitGroup
}

// New builds a Proxy bridging two already-started tunnel servers. Callers
// obtain network and service by calling a tunnel.StartServer
// implementation once per side, passing this Proxy's
// HandleNetwork*/HandleService* methods as the on_tcp/on_udp/on_other
// callbacks — the tunnel library itself drives dispatch from
// there, so Proxy owns no listener of its own. ctx bounds every datagram
// and "other" packet handled (tunnel.OnDatagram/tunnel.OnOther carry no
// context of their own); it is cancelled by the caller on shutdown. instr
// may be nil.
func New(ctx context.Context, network, service tunnel.Server, dispatcher Dispatcher, bufferSize int, logger *slog.Logger, instr Instrumentation) *Proxy {
	return &Proxy{
		ctx:        ctx,
		network:    network,
		service:    service,
		dispatcher: dispatcher,
		bufferSize: bufferSize,
		logger:     logger,
		instr:      instr,
	}
}

// HandleNetworkTCP is the on_tcp callback for the network-side tunnel: a
// client on the untrusted network has connected in. It originates the
// matching connection toward the service side and wires the two streams
// into one ProxyConnection.
func (p *Proxy) HandleNetworkTCP(ctx context.Context, clientConn tunnel.TcpStream) {
	p.handleConnection(ctx, clientConn, p.service, "network")
}

// HandleServiceTCP is the on_tcp callback for the service-side tunnel: the
// protected service has opened a connection outward through its tunnel
// (less common, but symmetric with HandleNetworkTCP).
func (p *Proxy) HandleServiceTCP(ctx context.Context, serviceConn tunnel.TcpStream) {
	p.handleConnection(ctx, serviceConn, p.network, "service")
}

func (p *Proxy) handleConnection(ctx context.Context, accepted tunnel.TcpStream, originate tunnel.Server, side string) {
	src, _ := accepted.ExtraInfo("peername")
	dst, _ := accepted.ExtraInfo("original_dst")

	other, err := originate.NewConnection(ctx, src, dst)
	if err != nil {
		p.logger.Error("failed to originate paired connection", "error", err)
		accepted.Close()
		return
	}

	clientStream := stream.NewTunnelStream(accepted)
	serverStream := stream.NewTunnelStream(other)

	conn := connection.New(clientStream, serverStream, src, dst, p.bufferSize, p.dispatcher, p.logger)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.instr != nil {
			p.instr.ConnectionOpened(side)
		}
		p.dispatcher.TCPNewConnection(ctx, conn)
		conn.Init(ctx)
		_ = conn.WaitClosed(ctx)
		p.dispatcher.TCPConnectionClosed(ctx, conn)
		if p.instr != nil {
			p.instr.ConnectionClosed(side)
		}
	}()
}

// HandleNetworkDatagram is the on_udp callback for the network-side
// tunnel: a datagram arrived from the untrusted network, heading to the
// service.
func (p *Proxy) HandleNetworkDatagram(data []byte, src, dst tunnel.Addr) {
	p.handleDatagram(p.ctx, data, src, dst, shared.Inbound, p.service)
}

// HandleServiceDatagram is the on_udp callback for the service-side
// tunnel: a datagram originated from the protected service, heading
// outward.
func (p *Proxy) HandleServiceDatagram(data []byte, src, dst tunnel.Addr) {
	p.handleDatagram(p.ctx, data, src, dst, shared.Outbound, p.network)
}

func (p *Proxy) handleDatagram(ctx context.Context, data []byte, src, dst tunnel.Addr, dir shared.ProxyDirection, out tunnel.Server) {
	meta := shared.NewMetadata(src.IP, src.Port, dst.IP, dst.Port, dir)

	if o := p.dispatcher.UDPDecrypt(ctx, meta, data); o != nil {
		data = o
	}

	var outcome *shared.FilterOutcome
	if o := p.dispatcher.UDPFilter(ctx, meta, data); o != nil {
		outcome = o
		if o.Data != nil {
			data = o.Data
		}
	}

	p.dispatcher.UDPLog(ctx, meta, data, outcome)

	if outcome != nil && outcome.Action == shared.ActionReject {
		return
	}

	if o := p.dispatcher.UDPEncrypt(ctx, meta, data); o != nil {
		data = o
	}

	out.SendDatagram(data, dst, src)
}

// HandleNetworkOther is the on_other callback for the network-side tunnel.
func (p *Proxy) HandleNetworkOther(data []byte) {
	p.handleOther(p.ctx, data, shared.Inbound, p.service)
}

// HandleServiceOther is the on_other callback for the service-side tunnel.
func (p *Proxy) HandleServiceOther(data []byte) {
	p.handleOther(p.ctx, data, shared.Outbound, p.network)
}

func (p *Proxy) handleOther(ctx context.Context, data []byte, dir shared.ProxyDirection, out tunnel.Server) {
	meta := shared.Metadata{Direction: dir}

	if o := p.dispatcher.OtherDecrypt(ctx, meta, data); o != nil {
		data = o
	}

	var outcome *shared.FilterOutcome
	if o := p.dispatcher.OtherFilter(ctx, meta, data); o != nil {
		outcome = o
		if o.Data != nil {
			data = o.Data
		}
	}

	p.dispatcher.OtherLog(ctx, meta, data, outcome)

	if outcome != nil && outcome.Action == shared.ActionReject {
		return
	}

	if o := p.dispatcher.OtherEncrypt(ctx, meta, data); o != nil {
		data = o
	}

	out.SendOtherPacket(data)
}

// Close tears down both tunnel servers and waits for every in-flight
// connection handler to finish.
func (p *Proxy) Close(ctx context.Context) error {
	p.network.Close()
	p.service.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
