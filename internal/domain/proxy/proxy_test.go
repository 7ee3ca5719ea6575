package proxy_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/domain/proxy"
	"github.com/sentrywire/sentrywire/internal/shared"
	"github.com/sentrywire/sentrywire/internal/tunnel"
	"github.com/sentrywire/sentrywire/internal/tunnel/fake"
	"go.uber.org/goleak"
)

// passthroughDispatcher forwards everything unchanged and records which
// hooks fired, so tests can assert dispatch order without a real plugin.Manager.
type passthroughDispatcher struct {
	mu     sync.Mutex
	events []string
}

func (d *passthroughDispatcher) record(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, name)
}

func (d *passthroughDispatcher) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *passthroughDispatcher) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	d.record("tcp_new_connection")
}
func (d *passthroughDispatcher) TCPConnectionClosed(ctx context.Context, conn *connection.ProxyConnection) {
	d.record("tcp_connection_closed")
}
func (d *passthroughDispatcher) TCPDecrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	return nil
}
func (d *passthroughDispatcher) TCPFilter(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, window map[shared.ProxyDirection][]byte) *shared.FilterOutcome {
	return nil
}
func (d *passthroughDispatcher) TCPLog(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
}
func (d *passthroughDispatcher) TCPEncrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	return nil
}

func (d *passthroughDispatcher) UDPDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	return nil
}
func (d *passthroughDispatcher) UDPFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome {
	return nil
}
func (d *passthroughDispatcher) UDPLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
}
func (d *passthroughDispatcher) UDPEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	return nil
}

func (d *passthroughDispatcher) OtherDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	return nil
}
func (d *passthroughDispatcher) OtherFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome {
	return nil
}
func (d *passthroughDispatcher) OtherLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
}
func (d *passthroughDispatcher) OtherEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	return nil
}

var _ proxy.Dispatcher = (*passthroughDispatcher)(nil)

// recordingInstrumentation captures ConnectionOpened/Closed calls by side.
type recordingInstrumentation struct {
	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
}

func newRecordingInstrumentation() *recordingInstrumentation {
	return &recordingInstrumentation{opened: map[string]int{}, closed: map[string]int{}}
}

func (r *recordingInstrumentation) ConnectionOpened(side string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened[side]++
}

func (r *recordingInstrumentation) ConnectionClosed(side string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[side]++
}

var _ proxy.Instrumentation = (*recordingInstrumentation)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleNetworkTCPBridgesToService(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network, networkRemote := fake.NewPair()
	service, serviceRemote := fake.NewPair()
	dispatcher := &passthroughDispatcher{}
	instr := newRecordingInstrumentation()

	p := proxy.New(ctx, network, service, dispatcher, 4096, discardLogger(), instr)
	network.Start(p.HandleNetworkTCP, p.HandleNetworkDatagram, p.HandleNetworkOther)

	src := tunnel.Addr{IP: "10.0.0.1", Port: 1111}
	dst := tunnel.Addr{IP: "10.0.0.2", Port: 443}

	clientSide, err := networkRemote.Dial(ctx, src, dst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	serviceSide, err := serviceRemote.Accept(ctx)
	if err != nil {
		t.Fatalf("accept on service side: %v", err)
	}

	payload := []byte("hello service")
	if err := clientSide.Write(ctx, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := serviceSide.Read(ctx, len(payload))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	deadline := time.After(time.Second)
	for {
		events := dispatcher.snapshot()
		if len(events) > 0 && events[0] == "tcp_new_connection" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tcp_new_connection never fired, got %v", events)
		case <-time.After(10 * time.Millisecond):
		}
	}

	clientSide.Close()
	serviceSide.Close()

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := dispatcher.snapshot()
	if events[0] != "tcp_new_connection" || events[len(events)-1] != "tcp_connection_closed" {
		t.Fatalf("unexpected hook order: %v", events)
	}

	if instr.opened["network"] != 1 {
		t.Fatalf("expected one network-side open, got %d", instr.opened["network"])
	}
	if instr.closed["network"] != 1 {
		t.Fatalf("expected one network-side close, got %d", instr.closed["network"])
	}
}

func TestHandleNetworkDatagramForwardsToService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network, networkRemote := fake.NewPair()
	service, serviceRemote := fake.NewPair()
	dispatcher := &passthroughDispatcher{}

	p := proxy.New(ctx, network, service, dispatcher, 4096, discardLogger(), nil)
	network.Start(p.HandleNetworkTCP, p.HandleNetworkDatagram, p.HandleNetworkOther)

	src := tunnel.Addr{IP: "10.0.0.1", Port: 5000}
	dst := tunnel.Addr{IP: "10.0.0.2", Port: 53}
	networkRemote.SendDatagram([]byte("query"), src, dst)

	select {
	case out := <-serviceRemote.Datagrams:
		if string(out.Data) != "query" {
			t.Fatalf("got %q, want %q", out.Data, "query")
		}
	case <-time.After(time.Second):
		t.Fatal("datagram never reached service side")
	}
}

func TestCloseWaitsForInFlightConnections(t *testing.T) {
	network, networkRemote := fake.NewPair()
	service, _ := fake.NewPair()
	dispatcher := &passthroughDispatcher{}

	ctx := context.Background()
	p := proxy.New(ctx, network, service, dispatcher, 4096, discardLogger(), nil)
	network.Start(p.HandleNetworkTCP, p.HandleNetworkDatagram, p.HandleNetworkOther)

	src := tunnel.Addr{IP: "10.0.0.1", Port: 1111}
	dst := tunnel.Addr{IP: "10.0.0.2", Port: 443}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), time.Second)
	defer cancelDial()
	if _, err := networkRemote.Dial(dialCtx, src, dst); err != nil {
		t.Fatalf("dial: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		t.Fatalf("close did not complete: %v", err)
	}
}
