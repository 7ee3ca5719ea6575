// Package trafficdump is a bundled reference plugin that re-synthesizes
// observed TCP traffic as raw IP packets and replays them out a
// side-channel net.PacketConn, for feeding an offline packet-capture
// pipeline; UDP and other traffic are not dumped. For each ProxyConnection
// it fakes a TCP three-way handshake, one data segment plus an ACK per
// tcp_log payload, and a closing FIN exchange — entirely
// synthetic framing around real observed bytes, not a live capture of the
// connection's actual TCP segmentation. Standard library only: raw IP
// packet construction has no natural third-party home in this pack, and
// is what the plugin exists to demonstrate.
package trafficdump

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/shared"
)

// EnvDest names the environment variable holding the destination address
// synthesized packets are written toward (a net.IPAddr-parseable string).
// Defaults to 127.0.0.1.
const EnvDest = "TRAFFICDUMP_DEST"

const extraKey = "trafficdump_conn"

// Plugin re-synthesizes observed traffic as raw IP packets.
type Plugin struct {
	plugin.BasePlugin
	out  net.PacketConn
	dest net.Addr
}

var _ plugin.Plugin = (*Plugin)(nil)

// New opens a raw IPv4/TCP PacketConn. Opening a raw socket typically
// requires elevated privileges; a failure here becomes a plugin that
// faults on its first connection, consistent with the other bundled
// plugins' approach to configuration/environment errors.
func New() plugin.Plugin {
	out, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return &faultingPlugin{err: fmt.Errorf("trafficdump: open raw socket: %w", err)}
	}

	destHost := os.Getenv(EnvDest)
	if destHost == "" {
		destHost = "127.0.0.1"
	}
	dest, err := net.ResolveIPAddr("ip4", destHost)
	if err != nil {
		out.Close()
		return &faultingPlugin{err: fmt.Errorf("trafficdump: resolve %s: %w", EnvDest, err)}
	}

	return &Plugin{out: out, dest: dest}
}

func (p *Plugin) Name() string { return "trafficdump" }

func (p *Plugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	client := conn.ClientAddr()
	server := conn.ServerAddr()
	fc := newFakeTCPConn(client.IP, client.Port, server.IP, server.Port, p.send)
	conn.SetExtra(extraKey, fc)
	fc.handshake()
}

func (p *Plugin) TCPConnectionClosed(ctx context.Context, conn *connection.ProxyConnection) {
	if v, ok := conn.Extra(extraKey); ok {
		v.(*fakeTCPConn).sendClose()
	}
}

func (p *Plugin) TCPLog(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	v, ok := conn.Extra(extraKey)
	if !ok || len(data) == 0 {
		return
	}
	toServer := meta.ConnDirection != nil && *meta.ConnDirection == shared.ToServer
	v.(*fakeTCPConn).sendData(data, toServer)
}

func (p *Plugin) send(packet []byte) {
	_, _ = p.out.WriteTo(packet, p.dest)
}

type faultingPlugin struct {
	plugin.BasePlugin
	err error
}

func (p *faultingPlugin) Name() string { return "trafficdump" }

func (p *faultingPlugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	panic(fmt.Sprintf("trafficdump: %v", p.err))
}

// fakeTCPConn fabricates a TCP handshake/data/close sequence for one
// ProxyConnection so its already-decrypted bytes can be replayed as a
// standalone, independently-readable TCP stream.
type fakeTCPConn struct {
	srcIP, dstIP     net.IP
	srcPort, dstPort uint16
	clientSeq        uint32
	serverSeq        uint32
	send             func([]byte)
}

func newFakeTCPConn(srcIP string, srcPort int, dstIP string, dstPort int, send func([]byte)) *fakeTCPConn {
	return &fakeTCPConn{
		srcIP:     net.ParseIP(srcIP).To4(),
		dstIP:     net.ParseIP(dstIP).To4(),
		srcPort:   uint16(srcPort),
		dstPort:   uint16(dstPort),
		clientSeq: rand.Uint32(),
		serverSeq: rand.Uint32(),
		send:      send,
	}
}

const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagACK = 1 << 4
	flagPSH = 1 << 3
)

func (f *fakeTCPConn) handshake() {
	f.send(f.build(f.srcIP, f.dstIP, f.srcPort, f.dstPort, f.clientSeq, 0, flagSYN, nil))
	f.clientSeq++
	f.send(f.build(f.dstIP, f.srcIP, f.dstPort, f.srcPort, f.serverSeq, f.clientSeq, flagSYN|flagACK, nil))
	f.serverSeq++
	f.send(f.build(f.srcIP, f.dstIP, f.srcPort, f.dstPort, f.clientSeq, f.serverSeq, flagACK, nil))
}

func (f *fakeTCPConn) sendData(data []byte, toServer bool) {
	fromIP, toIP, fromPort, toPort := f.srcIP, f.dstIP, f.srcPort, f.dstPort
	fromSeq, toSeq := &f.clientSeq, &f.serverSeq
	if !toServer {
		fromIP, toIP, fromPort, toPort = f.dstIP, f.srcIP, f.dstPort, f.srcPort
		fromSeq, toSeq = &f.serverSeq, &f.clientSeq
	}

	f.send(f.build(fromIP, toIP, fromPort, toPort, *fromSeq, *toSeq, flagPSH|flagACK, data))
	*fromSeq += uint32(len(data))
	f.send(f.build(toIP, fromIP, toPort, fromPort, *toSeq, *fromSeq, flagACK, nil))
}

func (f *fakeTCPConn) sendClose() {
	f.send(f.build(f.srcIP, f.dstIP, f.srcPort, f.dstPort, f.clientSeq, f.serverSeq, flagFIN, nil))
	f.clientSeq++
	f.send(f.build(f.dstIP, f.srcIP, f.dstPort, f.srcPort, f.serverSeq, f.clientSeq, flagFIN|flagACK, nil))
	f.serverSeq++
	f.send(f.build(f.srcIP, f.dstIP, f.srcPort, f.dstPort, f.clientSeq, f.serverSeq, flagACK, nil))
}

// build assembles an IPv4 header, a TCP header (no options), and payload
// into one raw packet with both checksums computed.
func (f *fakeTCPConn) build(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte) []byte {
	tcpLen := 20 + len(payload)
	tcp := make([]byte, tcpLen)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = 5 << 4 // data offset: 5 32-bit words, no options
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 65535) // window
	copy(tcp[20:], payload)
	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksum(srcIP, dstIP, tcp))

	totalLen := 20 + tcpLen
	ip := make([]byte, totalLen)
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], uint16(rand.Uint32()))
	ip[6], ip[7] = 0x40, 0 // don't fragment
	ip[8] = 64             // TTL
	ip[9] = 6              // protocol: TCP
	copy(ip[12:16], srcIP)
	copy(ip[16:20], dstIP)
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip[:20]))
	copy(ip[20:], tcp)

	return ip
}

func ipChecksum(header []byte) uint16 {
	return checksum(header)
}

func tcpChecksum(srcIP, dstIP net.IP, tcp []byte) uint16 {
	pseudo := make([]byte, 12+len(tcp))
	copy(pseudo[0:4], srcIP)
	copy(pseudo[4:8], dstIP)
	pseudo[8] = 0
	pseudo[9] = 6 // TCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcp)))
	copy(pseudo[12:], tcp)
	return checksum(pseudo)
}

func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
