// Package ruleplugin is a bundled reference plugin: a CEL-based filter
// engine, loaded from RULEPLUGIN_RULES (newline-separated CEL
// expressions). The first rule whose expression evaluates true determines
// tcp_filter's verdict. It is one plugin among many, not a general-purpose
// rule language — sentrywire's core has no opinion on how filtering
// decisions get made.
package ruleplugin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/sentrywire/sentrywire/internal/domain/connection"
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/shared"
)

// EnvRules names the environment variable rules are loaded from: one CEL
// expression per line, blank lines and lines starting with "#" ignored.
const EnvRules = "RULEPLUGIN_RULES"

// rule pairs a compiled CEL program with the action it produces when its
// expression evaluates true.
type rule struct {
	source string
	prg    cel.Program
	action shared.FilterAction
}

// Plugin evaluates configured CEL rules against every TCP byte chunk.
type Plugin struct {
	plugin.BasePlugin
	rules []rule
}

var _ plugin.Plugin = (*Plugin)(nil)

// New builds a Plugin from RULEPLUGIN_RULES. A rule line may optionally be
// prefixed with "reject:" or "alert:" (default accept) to choose the
// action taken when it matches, e.g. "reject: contains_str(data, 'DROP TABLE')".
func New() plugin.Plugin {
	p, err := newFromEnv(os.Getenv(EnvRules))
	if err != nil {
		// A malformed rule set degrades to an always-pass-through
		// plugin rather than preventing the proxy from starting;
		// the error is visible via the plugin's faulted state on
		// its first tcp_new_connection instead.
		return &faultingPlugin{err: err}
	}
	return p
}

func newFromEnv(raw string) (*Plugin, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("ruleplugin: build CEL environment: %w", err)
	}

	var rules []rule
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		action := shared.ActionAccept
		expr := line
		switch {
		case strings.HasPrefix(line, "reject:"):
			action = shared.ActionReject
			expr = strings.TrimSpace(strings.TrimPrefix(line, "reject:"))
		case strings.HasPrefix(line, "alert:"):
			action = shared.ActionAlert
			expr = strings.TrimSpace(strings.TrimPrefix(line, "alert:"))
		}

		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("ruleplugin: compile %q: %w", expr, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("ruleplugin: program %q: %w", expr, err)
		}
		rules = append(rules, rule{source: expr, prg: prg, action: action})
	}

	return &Plugin{rules: rules}, nil
}

// newRuleEnv declares the variables a rule expression can reference.
func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("connection_id", cel.StringType),
		cel.Variable("src_ip", cel.StringType),
		cel.Variable("src_port", cel.IntType),
		cel.Variable("dst_ip", cel.StringType),
		cel.Variable("dst_port", cel.IntType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("data", cel.BytesType),
		cel.Function("contains_str",
			cel.Overload("contains_str_bytes_string",
				[]*cel.Type{cel.BytesType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(data, substr ref.Val) ref.Val {
					b := data.Value().([]byte)
					s := substr.Value().(string)
					return types.Bool(strings.Contains(string(b), s))
				}),
			),
		),
	)
}

func (p *Plugin) Name() string { return "ruleplugin" }

func (p *Plugin) TCPFilter(ctx context.Context, conn *connection.ProxyConnection, meta shared.Metadata, data []byte, window map[shared.ProxyDirection][]byte) *shared.FilterOutcome {
	vars := map[string]interface{}{
		"connection_id": conn.ID().String(),
		"src_ip":        meta.SrcIP,
		"src_port":      meta.SrcPort,
		"dst_ip":        meta.DstIP,
		"dst_port":      meta.DstPort,
		"direction":     meta.Direction.String(),
		"data":          data,
	}
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			continue
		}
		matched, ok := out.Value().(bool)
		if ok && matched {
			return &shared.FilterOutcome{Action: r.action}
		}
	}
	return nil
}

// faultingPlugin is returned by New when the configured rule set fails to
// compile; its tcp_new_connection hook panics with the error so
// the manager's fault isolation unloads it and logs why, instead of
// silently running with zero rules.
type faultingPlugin struct {
	plugin.BasePlugin
	err error
}

func (p *faultingPlugin) Name() string { return "ruleplugin" }

func (p *faultingPlugin) TCPNewConnection(ctx context.Context, conn *connection.ProxyConnection) {
	panic(fmt.Sprintf("ruleplugin: invalid configuration: %v", p.err))
}
