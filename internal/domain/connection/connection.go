// Package connection implements ProxyConnection, the per-TCP-connection
// state machine that drives the decrypt → filter → log → encrypt hook
// chain across two forwarding tasks.
package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sentrywire/sentrywire/internal/shared"
	"github.com/sentrywire/sentrywire/internal/stream"
	"github.com/sentrywire/sentrywire/internal/tunnel"
)

// Dispatcher is the hook-chain entry point ProxyConnection drives its loop
// through. plugin.Manager implements it; ProxyConnection depends only on
// this interface so the two packages don't import each other.
type Dispatcher interface {
	TCPNewConnection(ctx context.Context, conn *ProxyConnection)
	TCPConnectionClosed(ctx context.Context, conn *ProxyConnection)
	TCPDecrypt(ctx context.Context, conn *ProxyConnection, meta shared.Metadata, data []byte) []byte
	TCPFilter(ctx context.Context, conn *ProxyConnection, meta shared.Metadata, data []byte, window map[shared.ProxyDirection][]byte) *shared.FilterOutcome
	TCPLog(ctx context.Context, conn *ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome)
	TCPEncrypt(ctx context.Context, conn *ProxyConnection, meta shared.Metadata, data []byte) []byte
}

// ProxyConnection is one bridged TCP connection: a stream toward the client
// and a stream toward the server, a per-direction sliding context window,
// and a plugin-owned scratch map that survives stream rewraps and plugin
// reloads.
type ProxyConnection struct {
	id         uuid.UUID
	bufferSize int
	dispatcher Dispatcher
	logger     *slog.Logger

	clientAddr tunnel.Addr
	serverAddr tunnel.Addr

	mu      sync.Mutex
	streams map[shared.ConnectionDirection]stream.Stream
	window  map[shared.ProxyDirection][]byte
	extra   map[string]any

	doneCh    chan struct{}
	closeOnce sync.Once
}

// New constructs a connection bridging clientStream (toward the client) and
// serverStream (toward the server). Callers must invoke Init after firing
// tcp_new_connection ("tcp_new_connection runs before init()
// spawns the tasks").
func New(clientStream, serverStream stream.Stream, clientAddr, serverAddr tunnel.Addr, bufferSize int, dispatcher Dispatcher, logger *slog.Logger) *ProxyConnection {
	return &ProxyConnection{
		id:         uuid.New(),
		bufferSize: bufferSize,
		dispatcher: dispatcher,
		logger:     logger,
		clientAddr: clientAddr,
		serverAddr: serverAddr,
		streams: map[shared.ConnectionDirection]stream.Stream{
			shared.ToClient: clientStream,
			shared.ToServer: serverStream,
		},
		window: map[shared.ProxyDirection][]byte{},
		extra:  map[string]any{},
		doneCh: make(chan struct{}),
	}
}

// ID is the stable identity assigned at construction (SPEC_FULL.md §3):
// the key external typed-state registries and telemetry should use instead
// of Extra.
func (c *ProxyConnection) ID() uuid.UUID { return c.id }

// ClientAddr is the address of the peer that initiated this connection.
func (c *ProxyConnection) ClientAddr() tunnel.Addr { return c.clientAddr }

// ServerAddr is the address this connection was originated toward.
func (c *ProxyConnection) ServerAddr() tunnel.Addr { return c.serverAddr }

// Extra returns the opaque, plugin-owned scratch value stored under key.
func (c *ProxyConnection) Extra(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.extra[key]
	return v, ok
}

// SetExtra stores an opaque, plugin-owned scratch value under key. It
// survives Wrap and plugin reload — it is the only state a reloaded plugin
// can use to recover what it knew before the reload.
func (c *ProxyConnection) SetExtra(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra[key] = value
}

// Window returns a snapshot of the sliding context buffer for each
// direction, capped at bufferSize bytes.
func (c *ProxyConnection) Window() map[shared.ProxyDirection][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[shared.ProxyDirection][]byte, len(c.window))
	for d, b := range c.window {
		snap[d] = append([]byte(nil), b...)
	}
	return snap
}

func (c *ProxyConnection) appendWindow(dir shared.ProxyDirection, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append(c.window[dir], data...)
	if len(buf) > c.bufferSize {
		buf = buf[len(buf)-c.bufferSize:]
	}
	c.window[dir] = buf
}

// Wrap installs wrapper streams over the current stream for each direction
// given, atomically: the wrapper's inner becomes the stream being replaced,
// and any forwarding task blocked reading the old stream is woken via
// Interrupt so it picks up the new one on its next loop iteration. A
// direction whose current stream is already closing is left untouched
// (SPEC_FULL.md §9, Open Question resolution 3).
func (c *ProxyConnection) Wrap(wrappers map[shared.ConnectionDirection]*stream.WrapperStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for dir, w := range wrappers {
		old := c.streams[dir]
		if old != nil && old.Closing() {
			continue
		}
		if old != nil {
			old.Interrupt()
		}
		w.SetInner(old)
		c.streams[dir] = w
		if old != nil {
			old.ResetInterrupt()
		}
	}
}

func (c *ProxyConnection) streamFor(dir shared.ConnectionDirection) stream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[dir]
}

// CloseAll closes both directional streams.
func (c *ProxyConnection) CloseAll(force bool) {
	c.mu.Lock()
	streams := make([]stream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.Close(force)
	}
}

func (c *ProxyConnection) metadata(dir shared.ProxyDirection, toDir shared.ConnectionDirection) shared.Metadata {
	if dir == shared.Inbound {
		return shared.NewStreamMetadata(c.clientAddr.IP, c.clientAddr.Port, c.serverAddr.IP, c.serverAddr.Port, dir, toDir)
	}
	return shared.NewStreamMetadata(c.serverAddr.IP, c.serverAddr.Port, c.clientAddr.IP, c.clientAddr.Port, dir, toDir)
}

// Init spawns the two forwarding tasks and returns immediately. Callers
// must have already fired tcp_new_connection.
func (c *ProxyConnection) Init(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.forward(ctx, shared.Inbound, shared.ToClient, shared.ToServer)
	}()
	go func() {
		defer wg.Done()
		c.forward(ctx, shared.Outbound, shared.ToServer, shared.ToClient)
	}()
	go func() {
		wg.Wait()
		c.CloseAll(true)
		c.closeOnce.Do(func() { close(c.doneCh) })
	}()
}

// WaitClosed blocks until both forwarding tasks have terminated.
func (c *ProxyConnection) WaitClosed(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forward runs one direction of the decrypt → filter → log → encrypt loop
// reading fromDir's stream and writing to toDir's.
func (c *ProxyConnection) forward(ctx context.Context, dir shared.ProxyDirection, fromDir, toDir shared.ConnectionDirection) {
	logger := c.logger.With("connection_id", c.id.String(), "direction", dir.String())
	for {
		from := c.streamFor(fromDir)
		data, err := from.Read(ctx, c.bufferSize)
		if err != nil {
			logger.Debug("forward read failed", "error", err)
			c.CloseAll(true)
			return
		}
		if len(data) == 0 {
			if from.Interrupted() {
				// A concurrent Wrap swapped this direction's stream out
				// from under us; loop again to pick up whatever stream
				// is now installed.
				continue
			}
			// Clean EOF or a forced close: force-close the peer stream so
			// the other forwarding task (blocked reading toDir) unblocks
			// even if that peer never reciprocates a write-EOF, and
			// half-close the stream that just went quiet.
			c.streamFor(toDir).Close(true)
			c.streamFor(fromDir).Close(false)
			return
		}

		meta := c.metadata(dir, toDir)

		if out := c.dispatcher.TCPDecrypt(ctx, c, meta, data); out != nil {
			data = out
		}

		c.appendWindow(dir, data)
		window := c.Window()

		var outcome *shared.FilterOutcome
		if o := c.dispatcher.TCPFilter(ctx, c, meta, data, window); o != nil {
			outcome = o
			if o.Data != nil {
				data = o.Data
			}
		}

		c.dispatcher.TCPLog(ctx, c, meta, data, outcome)

		if outcome != nil && outcome.Action == shared.ActionReject {
			logger.Info("tcp_filter rejected connection")
			c.CloseAll(true)
			return
		}

		if enc := c.dispatcher.TCPEncrypt(ctx, c, meta, data); enc != nil {
			data = enc
		}

		to := c.streamFor(toDir)
		if err := to.Write(ctx, data); err != nil {
			logger.Warn("forward write failed", "error", err)
			continue
		}
	}
}
