package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// manifestFile marks a package-style plugin directory, mirroring the
// source's "subdirectory with an __init__ marker" discovery rule
// (SPEC_FULL.md §4.7).
const manifestFile = "plugin.manifest"

// Candidate is one discovered, not-yet-loaded plugin.
type Candidate struct {
	// Name is derived from the file or directory name and used as the
	// stable key the Manager tracks loaded plugins by across reloads.
	Name string
	// Path is what Loader.Load/Reload receives: either a `.so` file
	// (module-style) or a directory containing one (package-style).
	Path string
}

// Loader is the seam between Manager's dispatch/fault-isolation logic and
// the actual mechanism used to obtain a Plugin implementation. Production
// code uses dynload.Loader (Go plugin `.so` files); tests use a
// StaticLoader backed by in-process constructors, so Manager's behavior is
// exercised without touching the filesystem or the `plugin` package's
// one-shot-per-path limitation.
type Loader interface {
	// Discover scans dir and returns one Candidate per module-style file
	// or package-style subdirectory found there.
	Discover(dir string) ([]Candidate, error)
	// Load obtains a fresh Plugin instance for c.
	Load(c Candidate) (Plugin, error)
	// Reload obtains a new Plugin instance to replace current, which is
	// being retired. Implementations that cannot reopen the same
	// filesystem path twice (Go's plugin package) work around it
	// internally (SPEC_FULL.md §4.7).
	Reload(c Candidate, current Plugin) (Plugin, error)
}

// DiscoverDir implements the shared discovery rule both the dynamic-library
// loader and any alternative loader strategy can reuse: a directory is
// scanned for `<name>.so` files (module-style) and subdirectories
// containing a manifestFile (package-style).
func DiscoverDir(dir, ext string) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: discover %s: %w", dir, err)
	}

	var candidates []Candidate
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(path, manifestFile)); err == nil {
				candidates = append(candidates, Candidate{Name: name, Path: path})
			}
			continue
		}
		if filepath.Ext(name) == ext {
			candidates = append(candidates, Candidate{Name: strings.TrimSuffix(name, ext), Path: path})
		}
	}
	return candidates, nil
}

// StaticLoader is a test/demo-friendly Loader backed by in-process
// constructor functions instead of real `.so` files. The cmd package
// registers the bundled reference plugins here when they run built into
// the `sentrywire` binary directly rather than as standalone `.so` files.
type StaticLoader struct {
	Constructors map[string]func() Plugin
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{Constructors: map[string]func() Plugin{}}
}

// Register adds a named constructor, for tests to populate before
// exercising Manager.Reload.
func (l *StaticLoader) Register(name string, ctor func() Plugin) {
	l.Constructors[name] = ctor
}

func (l *StaticLoader) Discover(dir string) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(l.Constructors))
	for name := range l.Constructors {
		candidates = append(candidates, Candidate{Name: name, Path: name})
	}
	return candidates, nil
}

func (l *StaticLoader) Load(c Candidate) (Plugin, error) {
	ctor, ok := l.Constructors[c.Name]
	if !ok {
		return nil, fmt.Errorf("plugin: no constructor registered for %q", c.Name)
	}
	return ctor(), nil
}

func (l *StaticLoader) Reload(c Candidate, current Plugin) (Plugin, error) {
	return l.Load(c)
}
