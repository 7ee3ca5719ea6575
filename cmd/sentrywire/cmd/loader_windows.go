//go:build windows

package cmd

import "github.com/sentrywire/sentrywire/internal/domain/plugin"

// newDynamicLoader has no Windows implementation: the stdlib plugin
// package only supports ELF/Mach-O targets. A Windows build runs the
// bundled reference plugins only, via StaticLoader.
func newDynamicLoader(scratchDir string) (plugin.Loader, error) {
	return nil, nil
}
