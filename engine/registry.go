package engine

import "strings"

// Registry maps file extensions to engines. Registering a nil engine (via
// Disable) records an extension as known but unavailable, which the handler
// turns into its fallback path without touching the filesystem.
//
// A Registry is populated once at startup and read-only afterwards; Lookup
// is safe for concurrent use on that basis.
type Registry struct {
	byExt map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Engine)}
}

// Add registers e for every extension it claims.
func (r *Registry) Add(e Engine) {
	for _, ext := range e.Extensions() {
		r.byExt[normalizeExt(ext)] = e
	}
}

// Disable marks extensions as known but unavailable. Requests for them are
// not handled, and the default fallback refuses to serve their sources.
func (r *Registry) Disable(exts ...string) {
	for _, ext := range exts {
		r.byExt[normalizeExt(ext)] = nil
	}
}

// Lookup resolves a file extension, case-insensitively. known is false for
// extensions no engine ever claimed; a nil engine with known true means the
// extension is registered but its engine is unavailable.
func (r *Registry) Lookup(ext string) (e Engine, known bool) {
	e, known = r.byExt[normalizeExt(ext)]
	return e, known
}

// Engines returns every registered engine once, for shutdown loops.
func (r *Registry) Engines() []Engine {
	seen := make(map[Engine]bool, len(r.byExt))
	var engines []Engine
	for _, e := range r.byExt {
		if e == nil || seen[e] {
			continue
		}
		seen[e] = true
		engines = append(engines, e)
	}
	return engines
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
