package plugin

import "strings"

// staticPrefix tags Candidate.Path values that CompositeLoader routes to
// its static side, so Load/Reload know which delegate owns a given
// candidate without tracking extra state.
const staticPrefix = "static:"

// CompositeLoader merges a directory-based Loader (production `.so`
// plugins) with a StaticLoader (bundled reference plugins compiled
// directly into the binary), so both kinds of plugin pass through the
// same Manager and the same reload cycle. Bundled plugins are always
// discovered, in addition to whatever is in the plugin directory.
type CompositeLoader struct {
	Dynamic Loader
	Static  *StaticLoader
}

var _ Loader = (*CompositeLoader)(nil)

func (l *CompositeLoader) Discover(dir string) ([]Candidate, error) {
	var out []Candidate
	if l.Dynamic != nil {
		dynamic, err := l.Dynamic.Discover(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, dynamic...)
	}
	if l.Static != nil {
		static, err := l.Static.Discover("")
		if err != nil {
			return nil, err
		}
		for _, c := range static {
			c.Path = staticPrefix + c.Name
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *CompositeLoader) Load(c Candidate) (Plugin, error) {
	if l.isStatic(c) {
		return l.Static.Load(c)
	}
	return l.Dynamic.Load(c)
}

func (l *CompositeLoader) Reload(c Candidate, current Plugin) (Plugin, error) {
	if l.isStatic(c) {
		return l.Static.Reload(c, current)
	}
	return l.Dynamic.Reload(c, current)
}

func (l *CompositeLoader) isStatic(c Candidate) bool {
	return strings.HasPrefix(c.Path, staticPrefix)
}
