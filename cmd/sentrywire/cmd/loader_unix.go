//go:build !windows

package cmd

import (
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/domain/plugin/dynload"
)

// newDynamicLoader builds the production `.so`-based Loader. Go's plugin
// package only supports ELF/Mach-O targets, so this is unix-only.
func newDynamicLoader(scratchDir string) (plugin.Loader, error) {
	return dynload.NewLoader(scratchDir)
}
