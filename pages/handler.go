package pages

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"path"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

// Handler serves scripted pages. Requests whose extension maps to an
// engine are compiled and executed; everything else goes to the
// fallback handler. Handlers are safe for concurrent use: per-request
// state lives in the program handle, never in the Handler.
type Handler struct {
	cfg      Config
	engines  *engine.Registry
	table    *hostfunc.Registry
	names    []string
	fallback http.Handler
	logger   *slog.Logger
	includes [2]string
}

type Option func(*Handler)

// WithLogger routes handler logging through logger instead of
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithFallback replaces the static file server used for requests the
// handler does not serve itself.
func WithFallback(fallback http.Handler) Option {
	return func(h *Handler) {
		h.fallback = fallback
	}
}

// WithTable replaces the native-function table bound into every page.
func WithTable(table *hostfunc.Registry) Option {
	return func(h *Handler) {
		h.table = table
	}
}

// New builds a Handler over the given engines. The include paths and
// the native-function table are fixed here, at startup; requests only
// read them.
func New(cfg Config, engines *engine.Registry, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		engines:  engines,
		includes: IncludePaths(cfg.Webroot, cfg.Webhome),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.table == nil {
		h.table = hostfunc.DefaultTable(hostfunc.TableConfig{
			Config: cfg.Expose,
			HTTP:   hostfunc.HTTPConfig{AllowedHosts: cfg.AllowHosts},
		})
	}
	if h.fallback == nil {
		h.fallback = FileFallback(cfg.Webroot, engines)
	}
	h.names = h.table.List()
	return h
}

// Close releases every engine. The handler must not serve requests
// afterwards.
func (h *Handler) Close(ctx context.Context) error {
	var first error
	for _, e := range h.engines.Engines() {
		if err := e.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eng, known := h.engines.Lookup(path.Ext(r.URL.Path))
	if !known {
		h.fallback.ServeHTTP(w, r)
		return
	}
	if eng == nil {
		// Known page extension with no working engine. Fall back
		// without touching the script so its source is never served.
		h.logger.Warn("script engine unavailable", "path", r.URL.Path)
		h.fallback.ServeHTTP(w, r)
		return
	}

	script := ScriptPath(h.cfg.Webroot, r.URL.Path)
	if h.cfg.Debug {
		h.logger.Debug("serving page script", "engine", eng.Name(), "script", script)
	}

	ctx := r.Context()
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}
	prog, err := eng.Compile(ctx, script)
	if err != nil {
		switch kind, _ := engine.KindOf(err); kind {
		case engine.KindIO:
			// Script absent or unreadable: same as any missing file.
			h.fallback.ServeHTTP(w, r)
		case engine.KindCompile:
			h.serveCompileError(w, eng, script, err)
		default:
			h.logger.Error("page setup failed", "engine", eng.Name(), "script", script, "error", err)
		}
		return
	}
	defer prog.Close(ctx)

	if head, err := httputil.DumpRequest(r, false); err == nil {
		prog.SetRequestHead(head)
	} else {
		h.logger.Error("dump request head", "error", err)
	}

	prog.AddIncludePath(h.includes[0])
	prog.AddIncludePath(h.includes[1])

	for _, name := range h.names {
		fn, ok := h.table.Get(name)
		if !ok {
			continue
		}
		if err := prog.Bind(name, fn); err != nil {
			h.logger.Warn("bind page function", "function", name, "error", err)
		}
	}

	if err := prog.Run(ctx); err != nil {
		// Some engines only detect script errors while running; those
		// still get the compilation-error page.
		if kind, _ := engine.KindOf(err); kind == engine.KindCompile {
			h.serveCompileError(w, eng, script, err)
			return
		}
		h.logger.Error("page execution failed", "engine", eng.Name(), "script", script, "error", err)
		return
	}

	h.respond(w, prog.Output())
}

// serveCompileError answers with the fixed compilation-error page and
// routes the compiler diagnostic to the server log, never the client.
func (h *Handler) serveCompileError(w http.ResponseWriter, eng engine.Engine, script string, err error) {
	if diag, ok := eng.ErrLog(script); ok && diag != "" {
		h.logger.Error("page compilation failed", "engine", eng.Name(), "script", script, "detail", diag)
	} else {
		h.logger.Error("page compilation failed", "engine", eng.Name(), "script", script, "error", err)
	}
	msg := fmt.Sprintf("%s compilation error, check %s for further details.", eng.Label(), h.cfg.LogFile)
	h.respond(w, []byte(msg))
}

func (h *Handler) respond(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	if len(body) > 0 {
		w.Write(body)
	}
}

// FileFallback serves static files from root, except that sources for
// extensions the registry knows are never served, engine present or
// not. It is the default fallback handler.
func FileFallback(root string, engines *engine.Registry) http.Handler {
	files := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, known := engines.Lookup(path.Ext(r.URL.Path)); known {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
