package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/shared"
)

// entry pairs a loaded Plugin with the Candidate it was loaded from, so a
// later Reload knows what to re-discover and re-load in its place.
type entry struct {
	candidate Candidate
	plugin    Plugin
}

// Instrumentation receives dispatch events for metrics export. A Manager
// with a nil Instrumentation simply skips recording — tests and callers
// that don't care about metrics can omit it.
type Instrumentation interface {
	HookInvoked(hook HookName, outcome string)
	PluginFaulted(name string)
	PluginsLoaded(n int)
}

// Manager discovers, loads, fault-isolates, and dispatches across a set of
// plugins. It implements connection.Dispatcher directly,
// so a ProxyConnection can drive its hook chain through a Manager without
// either package depending on the other's concrete type.
type Manager struct {
	loader Loader
	dir    string
	logger *slog.Logger
	instr  Instrumentation

	onFault func(name string, hook HookName, err error)

	mu     sync.Mutex
	order  []string
	byName map[string]*entry
	conns  map[*connection.ProxyConnection]struct{}
}

var _ connection.Dispatcher = (*Manager)(nil)

// NewManager builds a Manager that discovers plugins in dir using loader.
// onFault, if non-nil, is called whenever a plugin is unloaded for faulting
// (panicking in a hook), in addition to whatever
// instr records. instr may be nil.
func NewManager(loader Loader, dir string, logger *slog.Logger, instr Instrumentation, onFault func(name string, hook HookName, err error)) *Manager {
	return &Manager{
		loader:  loader,
		dir:     dir,
		logger:  logger,
		instr:   instr,
		onFault: onFault,
		byName:  map[string]*entry{},
		conns:   map[*connection.ProxyConnection]struct{}{},
	}
}

// Loaded returns the names of every currently loaded plugin, in
// registration order (the order short-circuit hooks run in).
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Reload re-discovers the plugin directory: new candidates are loaded,
// known candidates are reloaded in place, and candidates no longer present
// are unloaded. It returns false if any individual load/reload failed (the
// rest still succeed independently).
func (m *Manager) Reload(ctx context.Context) bool {
	candidates, err := m.loader.Discover(m.dir)
	if err != nil {
		m.logger.Error("plugin discovery failed", "dir", m.dir, "error", err)
		return false
	}

	seen := make(map[string]bool, len(candidates))
	allOK := true

	for _, c := range candidates {
		seen[c.Name] = true
		if ok := m.loadOrReload(ctx, c); !ok {
			allOK = false
		}
	}

	m.mu.Lock()
	var gone []string
	for _, name := range m.order {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	m.mu.Unlock()
	for _, name := range gone {
		m.unload(name)
	}

	return allOK
}

func (m *Manager) loadOrReload(ctx context.Context, c Candidate) bool {
	m.mu.Lock()
	existing, known := m.byName[c.Name]
	m.mu.Unlock()

	var p Plugin
	var err error
	if known {
		p, err = m.loader.Reload(c, existing.plugin)
	} else {
		p, err = m.loader.Load(c)
	}
	if err != nil {
		m.logger.Error("plugin load failed", "plugin", c.Name, "error", err)
		return false
	}

	m.mu.Lock()
	if !known {
		m.order = append(m.order, c.Name)
	}
	m.byName[c.Name] = &entry{candidate: c, plugin: p}
	conns := make([]*connection.ProxyConnection, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	loadedCount := len(m.order)
	m.mu.Unlock()

	if m.instr != nil {
		m.instr.PluginsLoaded(loadedCount)
	}

	m.replay(ctx, c.Name, p, conns)
	return true
}

// replay fires tcp_new_connection on a freshly (re)loaded plugin for every
// currently open connection, concurrently (the "replay rule for late
// joiners": a plugin loaded mid-connection still sees every open one).
func (m *Manager) replay(ctx context.Context, name string, p Plugin, conns []*connection.ProxyConnection) {
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *connection.ProxyConnection) {
			defer wg.Done()
			m.invoke(ctx, name, p, HookTCPNewConnection, func() {
				p.TCPNewConnection(ctx, conn)
			})
		}(conn)
	}
	wg.Wait()
}

func (m *Manager) unload(name string) {
	m.mu.Lock()
	delete(m.byName, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.logger.Info("plugin unloaded", "plugin", name)
	if m.instr != nil {
		m.instr.PluginsLoaded(len(m.Loaded()))
	}
}

// invoke calls fn with panic fault isolation: a panicking hook logs,
// unloads the offending plugin immediately, and is treated by the caller
// as "no answer".
func (m *Manager) invoke(ctx context.Context, name string, p Plugin, hook HookName, fn func()) (faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			m.logger.Error("plugin faulted", "plugin", name, "hook", string(hook), "error", err)
			m.unload(name)
			if m.onFault != nil {
				m.onFault(name, hook, err)
			}
			if m.instr != nil {
				m.instr.PluginFaulted(name)
				m.instr.HookInvoked(hook, "fault")
			}
			faulted = true
		}
	}()
	fn()
	if m.instr != nil {
		m.instr.HookInvoked(hook, "ok")
	}
	return false
}

func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.order))
	for _, name := range m.order {
		if e, ok := m.byName[name]; ok {
			out = append(out, e)
		}
	}
	return out
}

// --- connection.Dispatcher: fanout hooks ---

func (m *Manager) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range m.snapshot() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.invoke(ctx, e.candidate.Name, e.plugin, HookTCPNewConnection, func() {
				e.plugin.TCPNewConnection(ctx, conn)
			})
		}(e)
	}
	wg.Wait()
}

func (m *Manager) TCPConnectionClosed(ctx context.Context, conn *connection.ProxyConnection) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range m.snapshot() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.invoke(ctx, e.candidate.Name, e.plugin, HookTCPConnectionClosed, func() {
				e.plugin.TCPConnectionClosed(ctx, conn)
			})
		}(e)
	}
	wg.Wait()
}

func (m *Manager) TCPLog(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	var wg sync.WaitGroup
	for _, e := range m.snapshot() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.invoke(ctx, e.candidate.Name, e.plugin, HookTCPLog, func() {
				e.plugin.TCPLog(ctx, conn, meta, data, outcome)
			})
		}(e)
	}
	wg.Wait()
}

func (m *Manager) UDPLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	var wg sync.WaitGroup
	for _, e := range m.snapshot() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.invoke(ctx, e.candidate.Name, e.plugin, HookUDPLog, func() {
				e.plugin.UDPLog(ctx, meta, data, outcome)
			})
		}(e)
	}
	wg.Wait()
}

func (m *Manager) OtherLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	var wg sync.WaitGroup
	for _, e := range m.snapshot() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.invoke(ctx, e.candidate.Name, e.plugin, HookOtherLog, func() {
				e.plugin.OtherLog(ctx, meta, data, outcome)
			})
		}(e)
	}
	wg.Wait()
}

// --- connection.Dispatcher: short-circuit hooks ---

func (m *Manager) TCPDecrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	for _, e := range m.snapshot() {
		var out []byte
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookTCPDecrypt, func() {
			out = e.plugin.TCPDecrypt(ctx, conn, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) TCPEncrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte {
	for _, e := range m.snapshot() {
		var out []byte
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookTCPEncrypt, func() {
			out = e.plugin.TCPEncrypt(ctx, conn, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) TCPFilter(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, window map[shared.ProxyDirection][]byte) *shared.FilterOutcome {
	for _, e := range m.snapshot() {
		var out *shared.FilterOutcome
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookTCPFilter, func() {
			out = e.plugin.TCPFilter(ctx, conn, meta, data, window)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) UDPDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	for _, e := range m.snapshot() {
		var out []byte
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookUDPDecrypt, func() {
			out = e.plugin.UDPDecrypt(ctx, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) UDPEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	for _, e := range m.snapshot() {
		var out []byte
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookUDPEncrypt, func() {
			out = e.plugin.UDPEncrypt(ctx, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) UDPFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome {
	for _, e := range m.snapshot() {
		var out *shared.FilterOutcome
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookUDPFilter, func() {
			out = e.plugin.UDPFilter(ctx, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) OtherDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	for _, e := range m.snapshot() {
		var out []byte
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookOtherDecrypt, func() {
			out = e.plugin.OtherDecrypt(ctx, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) OtherEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte {
	for _, e := range m.snapshot() {
		var out []byte
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookOtherEncrypt, func() {
			out = e.plugin.OtherEncrypt(ctx, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}

func (m *Manager) OtherFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome {
	for _, e := range m.snapshot() {
		var out *shared.FilterOutcome
		faulted := m.invoke(ctx, e.candidate.Name, e.plugin, HookOtherFilter, func() {
			out = e.plugin.OtherFilter(ctx, meta, data)
		})
		if !faulted && out != nil {
			return out
		}
	}
	return nil
}
