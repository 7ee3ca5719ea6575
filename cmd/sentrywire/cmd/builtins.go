package cmd

import (
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/plugins/ruleplugin"
	"github.com/sentrywire/sentrywire/plugins/sqliteaudit"
	"github.com/sentrywire/sentrywire/plugins/tlsterm"
	"github.com/sentrywire/sentrywire/plugins/trafficdump"
	"github.com/sentrywire/sentrywire/plugins/udpflow"
)

// builtinPlugins lists the bundled reference plugins compiled directly
// into the sentrywire binary. None are enabled by default; an operator
// opts in via PROXY_BUILTIN_PLUGINS (comma-separated names).
var builtinPlugins = map[string]func() plugin.Plugin{
	"ruleplugin":  ruleplugin.New,
	"udpflow":     udpflow.New,
	"tlsterm":     tlsterm.New,
	"sqliteaudit": sqliteaudit.New,
	"trafficdump": trafficdump.New,
}

// newStaticLoader returns a StaticLoader with the given plugin names
// registered. Unknown names are skipped silently; nothing logs them.
func newStaticLoader(names []string) *plugin.StaticLoader {
	loader := plugin.NewStaticLoader()
	for _, name := range names {
		if ctor, ok := builtinPlugins[name]; ok {
			loader.Register(name, ctor)
		}
	}
	return loader
}
