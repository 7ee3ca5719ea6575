package connection_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/shared"
	"github.com/sentrywire/sentrywire/internal/stream"
	"github.com/sentrywire/sentrywire/internal/tunnel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStream is a minimal stream.Stream double: a channel of chunks to
// read, recorded writes, and instrumented Interrupt/ResetInterrupt/Closing
// so Wrap's bookkeeping can be asserted directly.
type mockStream struct {
	mu          sync.Mutex
	reads       chan []byte
	written     [][]byte
	closingFlag bool
	interrupted bool
	interruptN  int
	resetN      int
	closeForceN int
	closeHalfN  int
}

func newMockStream() *mockStream {
	return &mockStream{reads: make(chan []byte, 16)}
}

func (m *mockStream) push(b []byte) { m.reads <- b }

func (m *mockStream) Read(ctx context.Context, n int) ([]byte, error) {
	m.mu.Lock()
	interrupted := m.interrupted
	m.mu.Unlock()
	if interrupted {
		return nil, nil
	}
	select {
	case b, ok := <-m.reads:
		if !ok {
			return nil, nil
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockStream) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, append([]byte(nil), data...))
	return nil
}

func (m *mockStream) Close(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if force {
		m.closeForceN++
	} else {
		m.closeHalfN++
	}
}

func (m *mockStream) Closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closingFlag
}

func (m *mockStream) setClosing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closingFlag = v
}

func (m *mockStream) Interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

func (m *mockStream) Interrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = true
	m.interruptN++
}

func (m *mockStream) ResetInterrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = false
	m.resetN++
}

var _ stream.Stream = (*mockStream)(nil)

// identityTransform passes every Read/Write straight through to inner, so a
// WrapperStream built on it behaves exactly like the stream it wraps.
type identityTransform struct{}

func (identityTransform) TransformRead(ctx context.Context, inner stream.Stream, n int) ([]byte, error) {
	return inner.Read(ctx, n)
}

func (identityTransform) TransformWrite(ctx context.Context, inner stream.Stream, data []byte) error {
	return inner.Write(ctx, data)
}

// spyDispatcher implements connection.Dispatcher, recording every Metadata
// and context window it is handed so tests can assert on them without a
// real plugin.Manager.
type spyDispatcher struct {
	mu      sync.Mutex
	metas   []shared.Metadata
	windows []map[shared.ProxyDirection][]byte
	events  []string
}

func (d *spyDispatcher) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	d.mu.Lock()
	d.events = append(d.events, "new")
	d.mu.Unlock()
}

func (d *spyDispatcher) TCPConnectionClosed(ctx context.Context, conn *connection.ProxyConnection) {
	d.mu.Lock()
	d.events = append(d.events, "closed")
	d.mu.Unlock()
}

func (d *spyDispatcher) TCPDecrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	d.mu.Lock()
	d.metas = append(d.metas, meta)
	d.mu.Unlock()
	return nil
}

func (d *spyDispatcher) TCPFilter(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, window map[shared.ProxyDirection][]byte) *shared.FilterOutcome {
	d.mu.Lock()
	snap := make(map[shared.ProxyDirection][]byte, len(window))
	for k, v := range window {
		snap[k] = append([]byte(nil), v...)
	}
	d.windows = append(d.windows, snap)
	d.mu.Unlock()
	return nil
}

func (d *spyDispatcher) TCPLog(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
}

func (d *spyDispatcher) TCPEncrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	return nil
}

var _ connection.Dispatcher = (*spyDispatcher)(nil)

func (d *spyDispatcher) snapshotMetas() []shared.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]shared.Metadata(nil), d.metas...)
}

func (d *spyDispatcher) snapshotWindows() []map[shared.ProxyDirection][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[shared.ProxyDirection][]byte(nil), d.windows...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMetadataSymmetryBetweenDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientStream := newMockStream()
	serverStream := newMockStream()
	dispatcher := &spyDispatcher{}

	clientAddr := tunnel.Addr{IP: "10.0.0.1", Port: 1111}
	serverAddr := tunnel.Addr{IP: "10.0.0.2", Port: 443}

	conn := connection.New(clientStream, serverStream, clientAddr, serverAddr, 4096, dispatcher, discardLogger())
	conn.Init(ctx)

	clientStream.push([]byte("from client"))
	serverStream.push([]byte("from server"))

	waitFor(t, time.Second, func() bool { return len(dispatcher.snapshotMetas()) >= 2 })

	var toServer, toClient *shared.Metadata
	for _, m := range dispatcher.snapshotMetas() {
		m := m
		if m.ConnDirection == nil {
			t.Fatalf("expected stream-variant metadata, got %+v", m)
		}
		switch *m.ConnDirection {
		case shared.ToServer:
			toServer = &m
		case shared.ToClient:
			toClient = &m
		}
	}
	if toServer == nil || toClient == nil {
		t.Fatalf("expected one ToServer and one ToClient metadata, got %d events", len(dispatcher.snapshotMetas()))
	}

	if toServer.Direction != shared.Inbound {
		t.Errorf("client->server traffic should be Inbound, got %v", toServer.Direction)
	}
	if toServer.SrcIP != clientAddr.IP || toServer.SrcPort != clientAddr.Port {
		t.Errorf("toServer src = %s:%d, want %s:%d", toServer.SrcIP, toServer.SrcPort, clientAddr.IP, clientAddr.Port)
	}
	if toServer.DstIP != serverAddr.IP || toServer.DstPort != serverAddr.Port {
		t.Errorf("toServer dst = %s:%d, want %s:%d", toServer.DstIP, toServer.DstPort, serverAddr.IP, serverAddr.Port)
	}

	if toClient.Direction != shared.Outbound {
		t.Errorf("server->client traffic should be Outbound, got %v", toClient.Direction)
	}
	if toClient.SrcIP != serverAddr.IP || toClient.SrcPort != serverAddr.Port {
		t.Errorf("toClient src = %s:%d, want %s:%d", toClient.SrcIP, toClient.SrcPort, serverAddr.IP, serverAddr.Port)
	}
	if toClient.DstIP != clientAddr.IP || toClient.DstPort != clientAddr.Port {
		t.Errorf("toClient dst = %s:%d, want %s:%d", toClient.DstIP, toClient.DstPort, clientAddr.IP, clientAddr.Port)
	}

	clientStream.Close(true)
	serverStream.Close(true)
	_ = conn.WaitClosed(ctx)
}

func TestContextWindowCappedAndSliding(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientStream := newMockStream()
	serverStream := newMockStream()
	dispatcher := &spyDispatcher{}

	const windowCap = 8
	conn := connection.New(clientStream, serverStream, tunnel.Addr{}, tunnel.Addr{}, windowCap, dispatcher, discardLogger())
	conn.Init(ctx)

	clientStream.push([]byte("1234"))
	waitFor(t, time.Second, func() bool { return len(dispatcher.snapshotWindows()) >= 1 })
	w := dispatcher.snapshotWindows()[0]
	if string(w[shared.Inbound]) != "1234" {
		t.Fatalf("window after first chunk = %q, want %q", w[shared.Inbound], "1234")
	}

	clientStream.push([]byte("5678"))
	waitFor(t, time.Second, func() bool { return len(dispatcher.snapshotWindows()) >= 2 })
	w = dispatcher.snapshotWindows()[1]
	if string(w[shared.Inbound]) != "12345678" {
		t.Fatalf("window after second chunk = %q, want %q", w[shared.Inbound], "12345678")
	}

	clientStream.push([]byte("9"))
	waitFor(t, time.Second, func() bool { return len(dispatcher.snapshotWindows()) >= 3 })
	w = dispatcher.snapshotWindows()[2]
	if got := string(w[shared.Inbound]); got != "23456789" {
		t.Fatalf("window after overflow = %q, want %q (capped at %d, slid)", got, "23456789", windowCap)
	}
	if len(w[shared.Inbound]) != windowCap {
		t.Fatalf("window length = %d, want cap %d", len(w[shared.Inbound]), windowCap)
	}

	clientStream.Close(true)
	serverStream.Close(true)
	_ = conn.WaitClosed(ctx)
}

func TestWrapSkipsClosingDirection(t *testing.T) {
	clientStream := newMockStream()
	serverStream := newMockStream()
	dispatcher := &spyDispatcher{}

	conn := connection.New(clientStream, serverStream, tunnel.Addr{}, tunnel.Addr{}, 4096, dispatcher, discardLogger())

	clientStream.setClosing(true)
	conn.Wrap(map[shared.ConnectionDirection]*stream.WrapperStream{
		shared.ToClient: stream.NewWrapperStream(identityTransform{}),
	})

	if clientStream.interruptN != 0 || clientStream.resetN != 0 {
		t.Fatalf("Wrap should have skipped a closing stream, got interruptN=%d resetN=%d", clientStream.interruptN, clientStream.resetN)
	}
}

func TestWrapInstallsWrapperBeforeReadsResume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientStream := newMockStream()
	serverStream := newMockStream()
	dispatcher := &spyDispatcher{}

	conn := connection.New(clientStream, serverStream, tunnel.Addr{}, tunnel.Addr{}, 4096, dispatcher, discardLogger())

	conn.Wrap(map[shared.ConnectionDirection]*stream.WrapperStream{
		shared.ToClient: stream.NewWrapperStream(identityTransform{}),
	})

	if clientStream.interruptN != 1 || clientStream.resetN != 1 {
		t.Fatalf("expected one Interrupt/ResetInterrupt pair, got interruptN=%d resetN=%d", clientStream.interruptN, clientStream.resetN)
	}

	conn.Init(ctx)

	clientStream.push([]byte("through the wrapper"))
	waitFor(t, time.Second, func() bool { return len(dispatcher.snapshotMetas()) >= 1 })

	serverStream.mu.Lock()
	writes := append([][]byte(nil), serverStream.written...)
	serverStream.mu.Unlock()
	if len(writes) != 1 || string(writes[0]) != "through the wrapper" {
		t.Fatalf("data did not flow through the wrapped stream, server got %v", writes)
	}

	clientStream.Close(true)
	serverStream.Close(true)
	_ = conn.WaitClosed(ctx)
}

func TestForwardForceClosesPeerOnEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientStream := newMockStream()
	serverStream := newMockStream()
	dispatcher := &spyDispatcher{}

	conn := connection.New(clientStream, serverStream, tunnel.Addr{}, tunnel.Addr{}, 4096, dispatcher, discardLogger())
	conn.Init(ctx)

	// Client side goes quiet (clean EOF / forced close): the forwarding
	// task reading it should force-close the server-side stream rather
	// than leaving it to the server's cooperation, so the other
	// forwarding task (reading the server stream) isn't left hanging.
	close(clientStream.reads)

	waitFor(t, time.Second, func() bool {
		serverStream.mu.Lock()
		defer serverStream.mu.Unlock()
		return serverStream.closeForceN >= 1
	})

	clientStream.mu.Lock()
	halfClosed := clientStream.closeHalfN >= 1
	clientStream.mu.Unlock()
	if !halfClosed {
		t.Fatalf("expected the quiet client stream to be at least half-closed, got closeHalfN=%d", clientStream.closeHalfN)
	}
}
