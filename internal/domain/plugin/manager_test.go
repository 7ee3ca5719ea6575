package plugin_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/shared"
	"github.com/sentrywire/sentrywire/internal/stream"
	"github.com/sentrywire/sentrywire/internal/tunnel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noopStream is a stream.Stream that never produces data and records
// nothing; it exists only so a *connection.ProxyConnection can be
// constructed for tests that never call Init.
type noopStream struct{}

func (noopStream) Read(ctx context.Context, n int) ([]byte, error) { return nil, nil }
func (noopStream) Write(ctx context.Context, data []byte) error    { return nil }
func (noopStream) Close(force bool)                                {}
func (noopStream) Closing() bool                                   { return false }
func (noopStream) Interrupted() bool                               { return false }
func (noopStream) Interrupt()                                      {}
func (noopStream) ResetInterrupt()                                 {}

var _ stream.Stream = noopStream{}

func newTestConnection(dispatcher connection.Dispatcher) *connection.ProxyConnection {
	return connection.New(noopStream{}, noopStream{}, tunnel.Addr{}, tunnel.Addr{}, 4096, dispatcher, discardLogger())
}

// recordingPlugin is a configurable test double: it counts every hook
// invocation, can be told to panic on a specific hook, and can return a
// fixed value from TCPDecrypt so short-circuit priority is observable.
type recordingPlugin struct {
	plugin.BasePlugin
	name string

	mu            sync.Mutex
	newConnCalls  []*connection.ProxyConnection
	decryptCalls  int
	decryptReturn []byte
	panicOn       plugin.HookName
}

func newRecordingPlugin(name string) *recordingPlugin {
	return &recordingPlugin{name: name}
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	if p.panicOn == plugin.HookTCPNewConnection {
		panic("recordingPlugin: forced panic in tcp_new_connection")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newConnCalls = append(p.newConnCalls, conn)
}

func (p *recordingPlugin) TCPDecrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	if p.panicOn == plugin.HookTCPDecrypt {
		panic("recordingPlugin: forced panic in tcp_decrypt")
	}
	p.mu.Lock()
	p.decryptCalls++
	p.mu.Unlock()
	return p.decryptReturn
}

func (p *recordingPlugin) newConnCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.newConnCalls)
}

func (p *recordingPlugin) decryptCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decryptCalls
}

var _ plugin.Plugin = (*recordingPlugin)(nil)

func newManagerWithLoader(t *testing.T) (*plugin.Manager, *plugin.StaticLoader) {
	t.Helper()
	loader := plugin.NewStaticLoader()
	manager := plugin.NewManager(loader, "", discardLogger(), nil, nil)
	return manager, loader
}

func TestShortCircuitFirstNonNilInOrderWins(t *testing.T) {
	manager, loader := newManagerWithLoader(t)

	pa := newRecordingPlugin("a")
	pa.decryptReturn = []byte("a")
	pb := newRecordingPlugin("b")
	pb.decryptReturn = []byte("b")
	pc := newRecordingPlugin("c")
	pc.decryptReturn = []byte("c")

	loader.Register("a", func() plugin.Plugin { return pa })
	loader.Register("b", func() plugin.Plugin { return pb })
	loader.Register("c", func() plugin.Plugin { return pc })

	ctx := context.Background()
	if ok := manager.Reload(ctx); !ok {
		t.Fatalf("Reload reported failure")
	}

	order := manager.Loaded()
	if len(order) != 3 {
		t.Fatalf("expected 3 loaded plugins, got %v", order)
	}

	conn := newTestConnection(manager)
	result := manager.TCPDecrypt(ctx, conn, shared.Metadata{}, []byte("payload"))

	if string(result) != order[0] {
		t.Fatalf("TCPDecrypt returned %q, want the first plugin in dispatch order %q", result, order[0])
	}

	// Only the winning plugin (and any plugins dispatched before it) may
	// have been asked; every plugin up to and including the winner must
	// have been called exactly once, since short-circuit hooks run in
	// order until the first non-nil result.
	byName := map[string]*recordingPlugin{"a": pa, "b": pb, "c": pc}
	winnerIdx := 0
	for i, name := range order {
		if name == order[0] {
			winnerIdx = i
			break
		}
	}
	for i, name := range order {
		calls := byName[name].decryptCallCount()
		if i <= winnerIdx && calls != 1 {
			t.Errorf("plugin %q at position %d should have been called once, got %d", name, i, calls)
		} else if i > winnerIdx && calls != 0 {
			t.Errorf("plugin %q at position %d should not have been called after the winner, got %d", name, i, calls)
		}
	}
}

func TestFanoutHookRunsExactlyOncePerPlugin(t *testing.T) {
	manager, loader := newManagerWithLoader(t)

	plugins := []*recordingPlugin{
		newRecordingPlugin("a"),
		newRecordingPlugin("b"),
		newRecordingPlugin("c"),
	}
	for _, p := range plugins {
		p := p
		loader.Register(p.name, func() plugin.Plugin { return p })
	}

	ctx := context.Background()
	if ok := manager.Reload(ctx); !ok {
		t.Fatalf("Reload reported failure")
	}

	conn := newTestConnection(manager)
	manager.TCPNewConnection(ctx, conn)

	for _, p := range plugins {
		if got := p.newConnCallCount(); got != 1 {
			t.Errorf("plugin %q: tcp_new_connection called %d times, want exactly 1", p.name, got)
		}
	}
}

func TestFaultingPluginIsUnloadedAndIsolated(t *testing.T) {
	loader := plugin.NewStaticLoader()

	faulty := newRecordingPlugin("faulty")
	faulty.panicOn = plugin.HookTCPDecrypt
	healthy := newRecordingPlugin("healthy")
	healthy.decryptReturn = []byte("healthy-result")

	var faultedName string
	var faultedHook plugin.HookName
	manager := plugin.NewManager(loader, "", discardLogger(), nil, func(name string, hook plugin.HookName, err error) {
		faultedName = name
		faultedHook = hook
	})
	loader.Register("faulty", func() plugin.Plugin { return faulty })

	ctx := context.Background()
	// Load "faulty" on its own first so it precedes "healthy" in dispatch
	// order; StaticLoader.Discover returns candidates in map order.
	if ok := manager.Reload(ctx); !ok {
		t.Fatalf("Reload reported failure")
	}
	loader.Register("healthy", func() plugin.Plugin { return healthy })
	if ok := manager.Reload(ctx); !ok {
		t.Fatalf("Reload reported failure")
	}
	if len(manager.Loaded()) != 2 {
		t.Fatalf("expected 2 plugins loaded, got %v", manager.Loaded())
	}

	conn := newTestConnection(manager)
	result := manager.TCPDecrypt(ctx, conn, shared.Metadata{}, []byte("payload"))

	if string(result) != "healthy-result" {
		t.Fatalf("TCPDecrypt = %q, want the surviving plugin's result despite the panic", result)
	}

	loaded := manager.Loaded()
	for _, name := range loaded {
		if name == "faulty" {
			t.Fatalf("faulting plugin should have been unloaded, still present in %v", loaded)
		}
	}
	if len(loaded) != 1 || loaded[0] != "healthy" {
		t.Fatalf("expected only 'healthy' to remain loaded, got %v", loaded)
	}

	if faultedName != "faulty" || faultedHook != plugin.HookTCPDecrypt {
		t.Fatalf("onFault callback got (%q, %q), want (\"faulty\", %q)", faultedName, faultedHook, plugin.HookTCPDecrypt)
	}
}

func TestReloadReplaysOpenConnectionsForLateJoiners(t *testing.T) {
	manager, loader := newManagerWithLoader(t)

	ctx := context.Background()
	if ok := manager.Reload(ctx); !ok {
		t.Fatalf("initial Reload (no plugins) reported failure")
	}

	conn := newTestConnection(manager)
	manager.TCPNewConnection(ctx, conn)

	late := newRecordingPlugin("late")
	loader.Register("late", func() plugin.Plugin { return late })

	if ok := manager.Reload(ctx); !ok {
		t.Fatalf("Reload with the late-joining plugin reported failure")
	}

	deadline := time.After(time.Second)
	for late.newConnCallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("late-loaded plugin never saw a replayed tcp_new_connection for the already-open connection")
		case <-time.After(5 * time.Millisecond):
		}
	}

	late.mu.Lock()
	got := late.newConnCalls[0]
	late.mu.Unlock()
	if got != conn {
		t.Fatalf("replayed tcp_new_connection carried the wrong connection")
	}
}
