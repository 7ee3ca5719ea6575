// Package tlsterm is a bundled reference plugin demonstrating TLS
// termination via connection.Wrap: on tcp_new_connection, if the
// connection's destination port is 443, it installs a
// stream.WrapperStream on both peers that performs a real TLS handshake
// (server role toward the client, client role toward the service) using a
// self-signed certificate generated once at plugin construction. This
// lets later hooks (tcp_filter, tcp_log) see cleartext HTTP instead of
// opaque TLS records, the same MITM role a CONNECT-tunnel TLS terminator
// plays for HTTP, applied here to sentrywire's generic byte-stream hook
// chain instead.
package tlsterm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/shared"
	"github.com/sentrywire/sentrywire/internal/stream"
)

const terminationPort = 443

// Plugin installs TLS termination on connections bound for port 443.
type Plugin struct {
	plugin.BasePlugin
	cert tls.Certificate
}

var _ plugin.Plugin = (*Plugin)(nil)

// New generates a fresh self-signed certificate and returns a ready
// Plugin. A generation failure becomes a plugin that faults on its first
// connection rather than one silently skipping termination.
func New() plugin.Plugin {
	cert, err := generateSelfSigned()
	if err != nil {
		return &faultingPlugin{err: err}
	}
	return &Plugin{cert: cert}
}

func (p *Plugin) Name() string { return "tlsterm" }

func (p *Plugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	if conn.ServerAddr().Port != terminationPort {
		return
	}

	serverCfg := &tls.Config{Certificates: []tls.Certificate{p.cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // MITM by design: this plugin terminates TLS to inspect cleartext.

	toClient := newTLSWrapper(serverCfg, nil)
	toServer := newTLSWrapper(nil, clientCfg)

	conn.Wrap(map[shared.ConnectionDirection]*stream.WrapperStream{
		shared.ToClient: toClient,
		shared.ToServer: toServer,
	})
}

// tlsTransform adapts a Stream to crypto/tls's net.Conn-shaped handshake
// by wrapping the inner Stream in a streamConn and lazily driving a
// tls.Conn over it, as either the server or client side.
type tlsTransform struct {
	serverCfg *tls.Config
	clientCfg *tls.Config

	tlsConn *tls.Conn
}

func newTLSWrapper(serverCfg, clientCfg *tls.Config) *stream.WrapperStream {
	t := &tlsTransform{serverCfg: serverCfg, clientCfg: clientCfg}
	return stream.NewWrapperStream(t)
}

func (t *tlsTransform) ensure(inner stream.Stream) *tls.Conn {
	if t.tlsConn != nil {
		return t.tlsConn
	}
	conn := &streamConn{inner: inner}
	if t.serverCfg != nil {
		t.tlsConn = tls.Server(conn, t.serverCfg)
	} else {
		t.tlsConn = tls.Client(conn, t.clientCfg)
	}
	return t.tlsConn
}

func (t *tlsTransform) TransformRead(ctx context.Context, inner stream.Stream, n int) ([]byte, error) {
	c := t.ensure(inner)
	buf := make([]byte, n)
	read, err := c.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return buf[:read], nil
}

func (t *tlsTransform) TransformWrite(ctx context.Context, inner stream.Stream, data []byte) error {
	c := t.ensure(inner)
	_, err := c.Write(data)
	return err
}

// streamConn adapts a Stream to net.Conn so crypto/tls can drive a
// handshake and record layer over it. Deadlines are accepted and ignored:
// the forwarding goroutine that owns this stream provides its own
// lifetime via ctx, and Stream.Read/Write already block appropriately.
type streamConn struct {
	inner stream.Stream
}

func (c *streamConn) Read(p []byte) (int, error) {
	data, err := c.inner.Read(context.Background(), len(p))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (c *streamConn) Write(p []byte) (int, error) {
	if err := c.inner.Write(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *streamConn) Close() error                    { c.inner.Close(true); return nil }
func (c *streamConn) LocalAddr() net.Addr             { return streamAddr{} }
func (c *streamConn) RemoteAddr() net.Addr            { return streamAddr{} }
func (c *streamConn) SetDeadline(time.Time) error     { return nil }
func (c *streamConn) SetReadDeadline(time.Time) error { return nil }
func (c *streamConn) SetWriteDeadline(time.Time) error { return nil }

type streamAddr struct{}

func (streamAddr) Network() string { return "tunnel" }
func (streamAddr) String() string  { return "tunnel" }

// generateSelfSigned creates an ephemeral ECDSA certificate valid for 24
// hours from creation; it is not persisted and carries no CA relationship
// to anything the peer trusts, matching this plugin's role as a
// demonstration rather than a production interception CA.
func generateSelfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsterm: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsterm: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "sentrywire tlsterm"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"*"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsterm: create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

type faultingPlugin struct {
	plugin.BasePlugin
	err error
}

func (p *faultingPlugin) Name() string { return "tlsterm" }

func (p *faultingPlugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	panic(fmt.Sprintf("tlsterm: could not generate certificate: %v", p.err))
}
