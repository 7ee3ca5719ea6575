// Package plugin defines the capability every sentrywire plugin implements
// and the Manager that discovers, fault-isolates, and dispatches across a
// set of loaded plugins.
package plugin

import (
	"context"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/shared"
)

// Plugin is the full capability surface a loaded plugin offers. Concrete
// plugins embed BasePlugin and override only the hooks they care about —
// Go has no class inheritance, so BasePlugin's no-op methods stand in for
// the source's PluginBase default implementations.
type Plugin interface {
	// Name identifies the plugin in logs, metrics, and fault-isolation
	// messages. It need not match the discovered file/directory name.
	Name() string

	TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection)
	TCPConnectionClosed(ctx context.Context, conn *connection.ProxyConnection)
	TCPDecrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte
	TCPFilter(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, window map[shared.ProxyDirection][]byte) *shared.FilterOutcome
	TCPLog(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome)
	TCPEncrypt(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte) []byte

	UDPDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte
	UDPFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome
	UDPLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome)
	UDPEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte

	OtherDecrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte
	OtherFilter(ctx context.Context, meta shared.Metadata, data []byte) *shared.FilterOutcome
	OtherLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome)
	OtherEncrypt(ctx context.Context, meta shared.Metadata, data []byte) []byte
}

// BasePlugin implements every hook as a no-op / pass-through. Embed it in a
// concrete plugin and override only the hooks it needs.
type BasePlugin struct{}

func (BasePlugin) TCPNewConnection(context.Context, *connection.ProxyConnection)   {}
func (BasePlugin) TCPConnectionClosed(context.Context, *connection.ProxyConnection) {}

func (BasePlugin) TCPDecrypt(context.Context, *connection.ProxyConnection, shared.Metadata, []byte) []byte {
	return nil
}

func (BasePlugin) TCPFilter(context.Context, *connection.ProxyConnection, shared.Metadata, []byte, map[shared.ProxyDirection][]byte) *shared.FilterOutcome {
	return nil
}

func (BasePlugin) TCPLog(context.Context, *connection.ProxyConnection, shared.Metadata, []byte, *shared.FilterOutcome) {
}

func (BasePlugin) TCPEncrypt(context.Context, *connection.ProxyConnection, shared.Metadata, []byte) []byte {
	return nil
}

func (BasePlugin) UDPDecrypt(context.Context, shared.Metadata, []byte) []byte { return nil }

func (BasePlugin) UDPFilter(context.Context, shared.Metadata, []byte) *shared.FilterOutcome {
	return nil
}

func (BasePlugin) UDPLog(context.Context, shared.Metadata, []byte, *shared.FilterOutcome) {}

func (BasePlugin) UDPEncrypt(context.Context, shared.Metadata, []byte) []byte { return nil }

func (BasePlugin) OtherDecrypt(context.Context, shared.Metadata, []byte) []byte { return nil }

func (BasePlugin) OtherFilter(context.Context, shared.Metadata, []byte) *shared.FilterOutcome {
	return nil
}

func (BasePlugin) OtherLog(context.Context, shared.Metadata, []byte, *shared.FilterOutcome) {}

func (BasePlugin) OtherEncrypt(context.Context, shared.Metadata, []byte) []byte { return nil }
