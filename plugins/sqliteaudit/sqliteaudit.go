// Package sqliteaudit is a bundled reference plugin that persists every
// tcp_log, udp_log, and other_log event's metadata and filter outcome to
// a local SQLite database. This is an audit trail, not plugin or
// connection state: on load the plugin only opens (and, if needed,
// creates) the database and starts appending; it never reads the
// database back to recover anything about a past connection.
package sqliteaudit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/shared"
)

// EnvDBPath names the environment variable holding the SQLite file path.
// Defaults to "sentrywire-audit.db" in the current directory if unset.
const EnvDBPath = "SQLITEAUDIT_DB_PATH"

const defaultDBPath = "sentrywire-audit.db"

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL,
	protocol TEXT NOT NULL,
	connection_id TEXT,
	src_ip TEXT,
	src_port INTEGER,
	dst_ip TEXT,
	dst_port INTEGER,
	direction TEXT,
	action TEXT,
	payload_len INTEGER
);
`

// Plugin records log-hook events to a SQLite audit table.
type Plugin struct {
	plugin.BasePlugin
	db *sql.DB
}

var _ plugin.Plugin = (*Plugin)(nil)

// New opens (creating if necessary) the SQLite database named by
// SQLITEAUDIT_DB_PATH. An open failure becomes a plugin that faults on
// its first connection rather than silently dropping every audit record.
func New() plugin.Plugin {
	path := os.Getenv(EnvDBPath)
	if path == "" {
		path = defaultDBPath
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return &faultingPlugin{err: fmt.Errorf("sqliteaudit: open %s: %w", path, err)}
	}
	if _, err := db.Exec(schema); err != nil {
		return &faultingPlugin{err: fmt.Errorf("sqliteaudit: create schema: %w", err)}
	}
	return &Plugin{db: db}
}

func (p *Plugin) Name() string { return "sqliteaudit" }

func (p *Plugin) TCPLog(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	p.record(ctx, "tcp", conn.ID().String(), meta, outcome, len(data))
}

func (p *Plugin) UDPLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	p.record(ctx, "udp", "", meta, outcome, len(data))
}

func (p *Plugin) OtherLog(ctx context.Context, meta shared.Metadata, data []byte, outcome *shared.FilterOutcome) {
	p.record(ctx, "other", "", meta, outcome, len(data))
}

func (p *Plugin) record(ctx context.Context, protocol, connID string, meta shared.Metadata, outcome *shared.FilterOutcome, payloadLen int) {
	action := "accept"
	if outcome != nil {
		action = outcome.Action.String()
	}

	_, _ = p.db.ExecContext(ctx,
		`INSERT INTO audit_log (recorded_at, protocol, connection_id, src_ip, src_port, dst_ip, dst_port, direction, action, payload_len)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		protocol, connID, meta.SrcIP, meta.SrcPort, meta.DstIP, meta.DstPort, meta.Direction.String(),
		action, payloadLen,
	)
}

type faultingPlugin struct {
	plugin.BasePlugin
	err error
}

func (p *faultingPlugin) Name() string { return "sqliteaudit" }

func (p *faultingPlugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	panic(fmt.Sprintf("sqliteaudit: %v", p.err))
}
