// Package starlark serves .star pages with the go.starlark.net
// interpreter. Scripts build their response with print or emit and call
// bound host functions with keyword arguments.
package starlark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

func init() {
	// Page scripts get the extended dialect: sets, recursion and
	// top-level reassignment are all common in ported code.
	resolve.AllowSet = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

type Engine struct {
	errlog *engine.ErrLog
}

type Option func(*Engine)

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

func (e *Engine) Name() string  { return "starlark" }
func (e *Engine) Label() string { return "Starlark" }

func (e *Engine) Extensions() []string { return []string{".star"} }

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
	return e.compile(path, string(src))
}

func (e *Engine) CompileSource(ctx context.Context, name, src string) (engine.Program, error) {
	return e.compile(name, src)
}

// compile checks syntax only. Name resolution needs the predeclared
// environment, which is not complete until the program is bound, so
// resolve errors surface from Run instead.
func (e *Engine) compile(name, src string) (engine.Program, error) {
	if _, err := syntax.Parse(name, src, 0); err != nil {
		e.errlog.Set(name, err.Error())
		return nil, &engine.Error{Kind: engine.KindCompile, Engine: e.Name(), Path: name, Err: err}
	}
	return &Program{
		eng:    e,
		name:   name,
		src:    src,
		funcs:  make(map[string]hostfunc.Func),
		loaded: make(map[string]*loadEntry),
	}, nil
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

// Program is a single parsed script, prepared and run once per request.
type Program struct {
	eng      *Engine
	name     string
	src      string
	head     []byte
	includes []string
	funcs    map[string]hostfunc.Func

	predeclared starlark.StringDict
	loaded      map[string]*loadEntry
	out         bytes.Buffer
}

func (p *Program) SetRequestHead(head []byte) {
	p.head = head
}

func (p *Program) AddIncludePath(dir string) {
	p.includes = append(p.includes, dir)
}

// Bind exposes fn to the script under name. The name must be a valid
// identifier or the script could never call it.
func (p *Program) Bind(name string, fn hostfunc.Func) error {
	if !engine.ValidBindName(name) {
		return fmt.Errorf("bind %q: not a valid identifier", name)
	}
	if fn == nil {
		return fmt.Errorf("bind %q: nil function", name)
	}
	p.funcs[name] = fn
	return nil
}

func (p *Program) Output() []byte {
	return p.out.Bytes()
}

func (p *Program) Close(context.Context) error {
	p.loaded = nil
	p.predeclared = nil
	return nil
}

func (p *Program) Run(ctx context.Context) error {
	p.predeclared = starlark.StringDict{
		"request": requestValue(p.head),
		"emit":    p.emitBuiltin(),
	}
	for name, fn := range p.funcs {
		p.predeclared[name] = p.hostBuiltin(name, fn)
	}

	thread := &starlark.Thread{
		Name: p.name,
		Print: func(_ *starlark.Thread, msg string) {
			p.out.WriteString(msg)
			p.out.WriteByte('\n')
		},
		Load: p.load,
	}
	thread.SetLocal("ctx", ctx)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	_, err := starlark.ExecFile(thread, p.name, p.src, p.predeclared)
	if err == nil {
		return nil
	}

	// Undefined names and similar resolver failures only show up
	// here, but are still compile errors to the caller.
	var rl resolve.ErrorList
	if errors.As(err, &rl) {
		diag := renderResolveErrors(rl)
		p.eng.errlog.Set(p.name, diag)
		return &engine.Error{Kind: engine.KindCompile, Engine: p.eng.Name(), Path: p.name, Detail: diag}
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &engine.Error{Kind: engine.KindRuntime, Engine: p.eng.Name(), Path: p.name, Detail: evalErr.Backtrace()}
	}
	return &engine.Error{Kind: engine.KindRuntime, Engine: p.eng.Name(), Path: p.name, Err: err}
}

// emit writes its arguments to the page verbatim. Strings are written
// without quoting, everything else in display form.
func (p *Program) emitBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("emit", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		for _, v := range args {
			if s, ok := starlark.AsString(v); ok {
				p.out.WriteString(s)
			} else {
				p.out.WriteString(v.String())
			}
		}
		return starlark.None, nil
	})
}

func (p *Program) hostBuiltin(name string, fn hostfunc.Func) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		callArgs, err := argsToMap(b.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		ctx, _ := thread.Local("ctx").(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := fn(ctx, callArgs)
		if err != nil {
			return nil, err
		}
		return toValue(result)
	})
}

// load resolves a module against the include paths, executing each file
// at most once per program. A nil cache entry marks a load in progress
// and turns a cycle into an error instead of a deadlock.
func (p *Program) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	path, err := p.resolveModule(module)
	if err != nil {
		return nil, err
	}

	e, ok := p.loaded[path]
	if e == nil {
		if ok {
			return nil, fmt.Errorf("cycle in load of %q", module)
		}
		p.loaded[path] = nil

		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", module, err)
		}
		sub := &starlark.Thread{Name: "load " + module, Print: thread.Print, Load: thread.Load}
		sub.SetLocal("ctx", thread.Local("ctx"))
		globals, err := starlark.ExecFile(sub, path, src, p.predeclared)

		e = &loadEntry{globals, err}
		p.loaded[path] = e
	}
	return e.globals, e.err
}

func (p *Program) resolveModule(module string) (string, error) {
	if filepath.IsAbs(module) || strings.Contains(module, "..") {
		return "", fmt.Errorf("load %q: path escapes include dirs", module)
	}
	for _, dir := range p.includes {
		candidate := filepath.Join(dir, module)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("load %q: not found in include dirs", module)
}

// requestValue builds the request dict handed to scripts.
func requestValue(head []byte) starlark.Value {
	v, err := toValue(engine.ParseRequestHead(head))
	if err != nil {
		return starlark.NewDict(0)
	}
	return v
}

func renderResolveErrors(rl resolve.ErrorList) string {
	var sb strings.Builder
	for _, e := range rl {
		sb.WriteString(e.Error())
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
