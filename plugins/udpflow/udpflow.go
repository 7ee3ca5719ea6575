// Package udpflow is a bundled reference plugin demonstrating stateful UDP
// flow-context tracking — explicitly not a core sentrywire responsibility
// (a plugin that needs flow context builds it itself). It keys a sliding
// window of recent payload bytes per 4-tuple flow, aliasing a datagram's
// reverse 4-tuple to the same flow so request/response pairs share state.
package udpflow

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/shared"
)

// EnvBufferSize overrides the default per-flow window size in bytes.
const EnvBufferSize = "UDPFLOW_BUFFER_SIZE"

const defaultBufferSize = 4096

// flowKey hashes a 4-tuple so that a datagram and its reply (same 4-tuple,
// source/destination swapped) map to the same key.
func flowKey(srcIP string, srcPort int, dstIP string, dstPort int) uint64 {
	forward := fmt.Sprintf("%s:%d<>%s:%d", srcIP, srcPort, dstIP, dstPort)
	reverse := fmt.Sprintf("%s:%d<>%s:%d", dstIP, dstPort, srcIP, srcPort)
	if forward < reverse {
		return xxhash.Sum64String(forward)
	}
	return xxhash.Sum64String(reverse)
}

// Plugin tracks a sliding window of recent bytes per UDP flow.
type Plugin struct {
	plugin.BasePlugin

	bufferSize int

	mu    sync.Mutex
	flows map[uint64][]byte
}

var _ plugin.Plugin = (*Plugin)(nil)

// New builds a Plugin with its buffer size taken from UDPFLOW_BUFFER_SIZE,
// or defaultBufferSize if unset or invalid.
func New() plugin.Plugin {
	size := defaultBufferSize
	if raw := os.Getenv(EnvBufferSize); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			size = n
		}
	}
	return &Plugin{bufferSize: size, flows: map[uint64][]byte{}}
}

func (p *Plugin) Name() string { return "udpflow" }

func (p *Plugin) UDPLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	key := flowKey(meta.SrcIP, meta.SrcPort, meta.DstIP, meta.DstPort)

	p.mu.Lock()
	defer p.mu.Unlock()

	buf := append(p.flows[key], data...)
	if len(buf) > p.bufferSize {
		buf = buf[len(buf)-p.bufferSize:]
	}
	p.flows[key] = buf
}

// Window returns the current tracked bytes for the flow identified by the
// given 4-tuple, or nil if no datagrams have been seen on it yet. Nothing
// in the repository calls it: the core dispatch surface does not, and
// Manager exposes loaded plugins only by name.
func (p *Plugin) Window(srcIP string, srcPort int, dstIP string, dstPort int) []byte {
	key := flowKey(srcIP, srcPort, dstIP, dstPort)
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.flows[key]...)
}
