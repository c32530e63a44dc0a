// Package quickjs serves .js and .mjs pages with an embedded QuickJS
// interpreter. Pages with imports are bundled by esbuild at run time,
// resolving modules against the program's include paths.
package quickjs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"modernc.org/quickjs"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

type Engine struct {
	errlog  *engine.ErrLog
	memMB   int
	timeout time.Duration
}

type Option func(*Engine)

// WithMemoryLimit caps each VM at mb megabytes of heap.
func WithMemoryLimit(mb int) Option {
	return func(e *Engine) {
		e.memMB = mb
	}
}

// WithTimeout interrupts scripts running longer than d. Zero means no
// limit beyond the request context.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithErrLogSize bounds how many per-path diagnostics the engine keeps.
func WithErrLogSize(n int) Option {
	return func(e *Engine) {
		e.errlog = engine.NewErrLog(n)
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{errlog: engine.NewErrLog(0)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string  { return "quickjs" }
func (e *Engine) Label() string { return "JavaScript" }

func (e *Engine) Extensions() []string { return []string{".js", ".mjs"} }

func (e *Engine) Close(context.Context) error { return nil }

// ErrLog returns the diagnostics recorded for the last failed compile
// of path.
func (e *Engine) ErrLog(path string) (string, bool) {
	return e.errlog.Get(path)
}

func (e *Engine) Compile(ctx context.Context, path string) (engine.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindIO, Engine: e.Name(), Path: path, Err: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return e.compile(path, abs, string(src))
}

func (e *Engine) CompileSource(ctx context.Context, name, src string) (engine.Program, error) {
	return e.compile(name, "", src)
}

// compile is a syntax check only. Imports are not resolved until Run,
// when the include paths are known.
func (e *Engine) compile(name, abs, src string) (engine.Program, error) {
	result := esbuild.Transform(src, esbuild.TransformOptions{
		Loader:     esbuild.LoaderJS,
		Target:     esbuild.ES2022,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		diag := renderMessages(result.Errors)
		e.errlog.Set(name, diag)
		return nil, &engine.Error{Kind: engine.KindCompile, Engine: e.Name(), Path: name, Detail: diag}
	}

	return &Program{
		eng:   e,
		name:  name,
		path:  abs,
		src:   src,
		funcs: make(map[string]hostfunc.Func),
	}, nil
}

// Program is a single checked script, prepared and run once per
// request in a fresh VM.
type Program struct {
	eng      *Engine
	name     string
	path     string // absolute, empty for CompileSource programs
	src      string
	head     []byte
	includes []string
	funcs    map[string]hostfunc.Func
	names    []string // bind order
	out      strings.Builder
}

func (p *Program) SetRequestHead(head []byte) {
	p.head = head
}

func (p *Program) AddIncludePath(dir string) {
	p.includes = append(p.includes, dir)
}

func (p *Program) Bind(name string, fn hostfunc.Func) error {
	if !engine.ValidBindName(name) {
		return fmt.Errorf("bind %q: not a valid identifier", name)
	}
	if fn == nil {
		return fmt.Errorf("bind %q: nil function", name)
	}
	if _, dup := p.funcs[name]; !dup {
		p.names = append(p.names, name)
	}
	p.funcs[name] = fn
	return nil
}

func (p *Program) Output() []byte {
	return []byte(p.out.String())
}

func (p *Program) Close(context.Context) error {
	return nil
}

func (p *Program) Run(ctx context.Context) (err error) {
	js := p.src
	if needsBundling(js) {
		js, err = p.bundle()
		if err != nil {
			return err
		}
	}

	vm, err := quickjs.NewVM()
	if err != nil {
		return &engine.Error{Kind: engine.KindInit, Engine: p.eng.Name(), Path: p.name, Err: err}
	}
	defer vm.Close()

	var timedOut atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if timedOut.Load() {
				err = p.runtimeErr("execution interrupted", nil)
			} else {
				err = p.runtimeErr(fmt.Sprintf("vm panic: %v", r), nil)
			}
		}
	}()

	if p.eng.memMB > 0 {
		vm.SetMemoryLimit(uintptr(p.eng.memMB) * 1024 * 1024)
	}

	if err := p.setupGlobals(ctx, vm); err != nil {
		return &engine.Error{Kind: engine.KindInit, Engine: p.eng.Name(), Path: p.name, Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		timedOut.Store(true)
		vm.Interrupt()
	})
	defer stop()
	if p.eng.timeout > 0 {
		watchdog := time.AfterFunc(p.eng.timeout, func() {
			timedOut.Store(true)
			vm.Interrupt()
		})
		defer watchdog.Stop()
	}

	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		if timedOut.Load() {
			return p.runtimeErr("execution interrupted", nil)
		}
		return p.runtimeErr("", err)
	}
	v.Free()
	return nil
}

func (p *Program) runtimeErr(detail string, err error) error {
	return &engine.Error{Kind: engine.KindRuntime, Engine: p.eng.Name(), Path: p.name, Detail: detail, Err: err}
}

// bundle resolves imports with esbuild and flattens the page into one
// classic script. Include paths act like NODE_PATH directories.
func (p *Program) bundle() (string, error) {
	nodePaths := make([]string, 0, len(p.includes))
	for _, dir := range p.includes {
		if abs, err := filepath.Abs(dir); err == nil {
			nodePaths = append(nodePaths, abs)
		} else {
			nodePaths = append(nodePaths, dir)
		}
	}

	opts := esbuild.BuildOptions{
		Bundle:      true,
		Write:       false,
		Format:      esbuild.FormatIIFE,
		Platform:    esbuild.PlatformBrowser,
		Target:      esbuild.ES2022,
		TreeShaking: esbuild.TreeShakingFalse,
		NodePaths:   nodePaths,
	}
	if p.path != "" {
		opts.EntryPoints = []string{p.path}
		opts.AbsWorkingDir = filepath.Dir(p.path)
	} else {
		resolveDir := ""
		if len(nodePaths) > 0 {
			resolveDir = nodePaths[0]
		}
		opts.Stdin = &esbuild.StdinOptions{
			Contents:   p.src,
			Sourcefile: p.name,
			ResolveDir: resolveDir,
			Loader:     esbuild.LoaderJS,
		}
	}

	result := esbuild.Build(opts)
	if len(result.Errors) > 0 {
		diag := renderMessages(result.Errors)
		p.eng.errlog.Set(p.name, diag)
		return "", &engine.Error{Kind: engine.KindCompile, Engine: p.eng.Name(), Path: p.name, Detail: diag}
	}
	if len(result.OutputFiles) == 0 {
		return "", &engine.Error{Kind: engine.KindCompile, Engine: p.eng.Name(), Path: p.name, Detail: "bundling produced no output"}
	}
	return string(result.OutputFiles[0].Contents), nil
}

const shimJS = `
globalThis.request = JSON.parse(__host_request());
globalThis.emit = function() {
	var parts = [];
	for (var i = 0; i < arguments.length; i++) {
		var a = arguments[i];
		parts.push(typeof a === "string" ? a : String(a));
	}
	__host_emit(parts.join(""));
};
globalThis.print = function() {
	var parts = [];
	for (var i = 0; i < arguments.length; i++) {
		parts.push(String(arguments[i]));
	}
	__host_emit(parts.join(" ") + "\n");
};
globalThis.console = {
	log: function() { print.apply(null, arguments); },
	error: function() { print.apply(null, arguments); },
};
`

// setupGlobals installs the page API before user code runs: emit and
// print, the request object, and one stub per bound host function.
func (p *Program) setupGlobals(ctx context.Context, vm *quickjs.VM) error {
	if err := vm.RegisterFunc("__host_emit", func(text string) {
		p.out.WriteString(text)
	}, false); err != nil {
		return err
	}

	reqJSON, err := json.Marshal(engine.ParseRequestHead(p.head))
	if err != nil {
		reqJSON = []byte("{}")
	}
	if err := vm.RegisterFunc("__host_request", func() string {
		return string(reqJSON)
	}, false); err != nil {
		return err
	}

	call := func(name, argsJSON string) (string, error) {
		fn, ok := p.funcs[name]
		if !ok {
			return "", fmt.Errorf("unknown host function %s", name)
		}
		args := map[string]any{}
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("%s: bad arguments: %w", name, err)
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("%s: unencodable result: %w", name, err)
		}
		return string(data), nil
	}
	if err := registerGoFunc(vm, "__host_call", call); err != nil {
		return err
	}

	if err := evalDiscard(vm, shimJS); err != nil {
		return err
	}

	names := append([]string(nil), p.names...)
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "globalThis.%s = function(args) { return JSON.parse(__host_call(%q, JSON.stringify(args === undefined ? {} : args))); };\n", name, name)
	}
	if sb.Len() > 0 {
		if err := evalDiscard(vm, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

// registerGoFunc registers a Go function returning (T, error) and wraps
// it in JS so errors throw instead of coming back as [value, error]
// arrays.
func registerGoFunc(vm *quickjs.VM, name string, f any) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, f, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
	var raw = globalThis[%q];
	globalThis[%q] = function() {
		var r = raw.apply(this, arguments);
		if (Array.isArray(r)) {
			if (r[1] !== null && r[1] !== undefined) throw new Error(%q + ": " + r[1]);
			return r[0];
		}
		return r;
	};
	delete globalThis[%q];
})()`, rawName, name, name, rawName)
	return evalDiscard(vm, wrapJS)
}

// evalDiscard evaluates JavaScript and frees the result.
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// needsBundling reports whether the script uses module syntax that
// requires a bundling pass before evaluation.
func needsBundling(src string) bool {
	return strings.Contains(src, "import ") ||
		strings.Contains(src, "import{") ||
		strings.Contains(src, "import(") ||
		strings.Contains(src, "export ") ||
		strings.Contains(src, "require(")
}

func renderMessages(msgs []esbuild.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Location != nil {
			fmt.Fprintf(&sb, "%s:%d: %s\n", m.Location.File, m.Location.Line, m.Text)
		} else {
			sb.WriteString(m.Text)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
