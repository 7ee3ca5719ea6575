//go:build !windows

// Package dynload is the production plugin.Loader: it discovers and opens
// Go plugins (`.so`, built with `go build -buildmode=plugin`) under a
// directory, per SPEC_FULL.md §4.7. The stdlib `plugin` package only
// supports ELF/Mach-O targets, so this loader is unix-only; a
// sentrywire build targeting Windows must run with the StaticLoader
// (bundled reference plugins compiled directly into the binary) instead.
//
// Go's plugin package can never re-Open the same path twice in one
// process — a second Open of an already-loaded path returns the cached
// handle instead of re-executing its init, so a reloaded `.so` would
// appear loaded but keep running the old code. Reload works around this by
// copying the file to a throwaway path (with a fresh basename, so the
// loader's path-identity cache can't collide with it) before opening it.
package dynload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"plugin"
	"sync/atomic"

	sentrywireplugin "github.com/sentrywire/sentrywire/internal/domain/plugin"
)

// Ext is the file extension module-style plugin files use.
const Ext = ".so"

// ConstructorSymbol is the exported symbol every plugin `.so` must provide:
// func() sentrywireplugin.Plugin.
const ConstructorSymbol = "Constructor"

// Loader opens Go plugin `.so` files from a scratch directory it manages
// internally for the reload workaround.
type Loader struct {
	scratchDir string
	counter    atomic.Uint64
}

var _ sentrywireplugin.Loader = (*Loader)(nil)

// NewLoader creates a Loader that stages reload copies under scratchDir
// (created if missing).
func NewLoader(scratchDir string) (*Loader, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("dynload: create scratch dir: %w", err)
	}
	return &Loader{scratchDir: scratchDir}, nil
}

func (l *Loader) Discover(dir string) ([]sentrywireplugin.Candidate, error) {
	return sentrywireplugin.DiscoverDir(dir, Ext)
}

func (l *Loader) Load(c sentrywireplugin.Candidate) (sentrywireplugin.Plugin, error) {
	return l.open(l.soPath(c))
}

// Reload stages a freshly named copy of the `.so` (or the package-style
// directory's `plugin.so`) so the Go runtime treats it as a distinct
// module instead of returning the already-cached handle for c's path.
func (l *Loader) Reload(c sentrywireplugin.Candidate, _ sentrywireplugin.Plugin) (sentrywireplugin.Plugin, error) {
	src := l.soPath(c)
	dst := filepath.Join(l.scratchDir, fmt.Sprintf("%s.%d%s", c.Name, l.counter.Add(1), Ext))
	if err := copyFile(src, dst); err != nil {
		return nil, fmt.Errorf("dynload: stage reload copy: %w", err)
	}
	return l.open(dst)
}

func (l *Loader) soPath(c sentrywireplugin.Candidate) string {
	info, err := os.Stat(c.Path)
	if err == nil && info.IsDir() {
		return filepath.Join(c.Path, "plugin.so")
	}
	return c.Path
}

func (l *Loader) open(path string) (sentrywireplugin.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dynload: open %s: %w", path, err)
	}
	sym, err := p.Lookup(ConstructorSymbol)
	if err != nil {
		return nil, fmt.Errorf("dynload: %s missing %s symbol: %w", path, ConstructorSymbol, err)
	}
	ctor, ok := sym.(func() sentrywireplugin.Plugin)
	if !ok {
		return nil, fmt.Errorf("dynload: %s: %s has the wrong signature", path, ConstructorSymbol)
	}
	return ctor(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
