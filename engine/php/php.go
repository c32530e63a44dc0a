// Package php serves .php pages with a php-cgi interpreter compiled to
// WASI, run under wazero. The interpreter module is compiled once at
// startup; every request instantiates a fresh guest with the document
// root mounted read-only.
package php

import (
	"bytes"
	"context"
	"crypto/rand"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

//go:embed prelude.php
var preludePHP []byte

// preludeGuestPath is where the guest sees the host bridge shim.
const preludeGuestPath = "/.pagevm/prelude.php"

type config struct {
	cacheDir   string
	timeout    time.Duration
	errLogSize int
	sink       *engine.Sink
}

type Option func(*config)

// WithCacheDir persists compiled wasm across restarts. Without it the
// runtime recompiles the interpreter on every startup.
func WithCacheDir(dir string) Option {
	return func(c *config) {
		c.cacheDir = dir
	}
}

// WithTimeout bounds each page execution. Zero means no limit beyond
// the request context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithErrLogSize bounds how many per-path diagnostics the engine keeps.
func WithErrLogSize(n int) Option {
	return func(c *config) {
		c.errLogSize = n
	}
}

// WithSink routes interpreter stderr, PHP warnings included, to the
// server log.
func WithSink(s *engine.Sink) Option {
	return func(c *config) {
		c.sink = s
	}
}

type Engine struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	root     string // absolute host dir mounted at guest /
	shimDir  string // host dir holding the prelude, mounted at /.pagevm
	errlog   *engine.ErrLog
	timeout  time.Duration
	sink     *engine.Sink
}

// New loads the php-cgi wasm runtime from runtimePath and prepares it
// to serve scripts under root.
func New(runtimePath, root string, opts ...Option) (*Engine, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve document root: %w", err)
	}
	if fi, err := os.Stat(absRoot); err != nil {
		return nil, fmt.Errorf("document root: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("document root %s: not a directory", root)
	}

	wasm, err := os.ReadFile(runtimePath)
	if err != nil {
		return nil, fmt.Errorf("read php runtime: %w", err)
	}

	var cache wazero.CompilationCache
	if cfg.cacheDir != "" {
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create compilation cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("compile php runtime: %w", err)
	}

	shimDir, err := os.MkdirTemp("", "pagevm-php-")
	if err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("create shim dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(shimDir, "prelude.php"), preludePHP, 0o644); err != nil {
		os.RemoveAll(shimDir)
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("write prelude: %w", err)
	}

	return &Engine{
		runtime:  rt,
		cache:    cache,
		compiled: compiled,
		root:     absRoot,
		shimDir:  shimDir,
		errlog:   engine.NewErrLog(cfg.errLogSize),
		timeout:  cfg.timeout,
		sink:     cfg.sink,
	}, nil
}

func closeAll(ctx context.Context, rt wazero.Runtime, cache wazero.CompilationCache) {
	rt.Close(ctx)
	if cache != nil {
		cache.Close(ctx)
	}
}

func (e *Engine) Name() string  { return "php" }
func (e *Engine) Label() string { return "PHP" }

func (e *Engine) Extensions() []string { return []string{".php"} }

// ErrLog returns the diagnostics recorded for the last failed compile
// of path.
func (e *Engine) ErrLog(path string) (string, bool) {
	return e.errlog.Get(path)
}

func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(e.shimDir); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (e *Engine) Compile(ctx context.Context, path string) (engine.Program, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &engine.Error{Kind: engine.KindIO, Engine: e.Name(), Path: path, Err: err}
	}
	guest, err := e.hostToGuest(path)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindIO, Engine: e.Name(), Path: path, Err: err}
	}
	return e.newProgram(ctx, path, guest, nil)
}

// CompileSource stages src as a file in the shim mount so the guest
// can read it.
func (e *Engine) CompileSource(ctx context.Context, name, src string) (engine.Program, error) {
	f, err := os.CreateTemp(e.shimDir, "src-*.php")
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindInit, Engine: e.Name(), Path: name, Err: err}
	}
	_, werr := f.WriteString(src)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(f.Name())
		if werr == nil {
			werr = cerr
		}
		return nil, &engine.Error{Kind: engine.KindInit, Engine: e.Name(), Path: name, Err: werr}
	}

	cleanup := func() { os.Remove(f.Name()) }
	guest := "/.pagevm/" + filepath.Base(f.Name())

	prog, err := e.newProgram(ctx, name, guest, cleanup)
	if err != nil {
		cleanup()
		return nil, err
	}
	return prog, nil
}

func (e *Engine) newProgram(ctx context.Context, name, guest string, cleanup func()) (engine.Program, error) {
	diag, ok, err := e.lint(ctx, guest)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindInit, Engine: e.Name(), Path: name, Err: err}
	}
	if !ok {
		e.errlog.Set(name, diag)
		return nil, &engine.Error{Kind: engine.KindCompile, Engine: e.Name(), Path: name, Detail: diag}
	}
	return &Program{
		eng:      e,
		name:     name,
		guest:    guest,
		registry: hostfunc.NewRegistry(),
		cleanup:  cleanup,
	}, nil
}

// lint runs php -l on the guest path. The interpreter exits nonzero on
// a parse error, with the details on its combined output.
func (e *Engine) lint(ctx context.Context, guest string) (diag string, ok bool, err error) {
	var out bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdout(&out).
		WithStderr(&out).
		WithStdin(strings.NewReader("")).
		WithArgs("php", "-l", guest).
		WithFSConfig(e.fsConfig()).
		WithName("")

	_, err = e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == 0 {
				return "", true, nil
			}
			return strings.TrimSpace(out.String()), false, nil
		}
		return "", false, err
	}
	return "", true, nil
}

func (e *Engine) fsConfig() wazero.FSConfig {
	return wazero.NewFSConfig().
		WithReadOnlyDirMount(e.root, "/").
		WithReadOnlyDirMount(e.shimDir, "/.pagevm")
}

func (e *Engine) hostToGuest(path string) (string, error) {
	return guestPath(e.root, path)
}

// guestPath maps a host path under root to the path the guest sees
// once root is mounted at /.
func guestPath(root, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if abs == root {
		return "/", nil
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the document root", path)
	}
	return "/" + filepath.ToSlash(rel), nil
}

// Program is one checked script plus its per-request state. Run
// instantiates a fresh interpreter guest.
type Program struct {
	eng      *Engine
	name     string
	guest    string
	head     []byte
	includes []string // guest paths
	registry *hostfunc.Registry
	names    []string
	raw      []byte
	cleanup  func()
}

func (p *Program) SetRequestHead(head []byte) {
	p.head = head
}

// AddIncludePath maps dir into the guest include_path. Directories
// outside the document root are invisible to the guest and ignored.
func (p *Program) AddIncludePath(dir string) {
	guest, err := p.eng.hostToGuest(dir)
	if err != nil {
		return
	}
	p.includes = append(p.includes, guest)
}

func (p *Program) Bind(name string, fn hostfunc.Func) error {
	if !engine.ValidBindName(name) {
		return fmt.Errorf("bind %q: not a valid identifier", name)
	}
	if fn == nil {
		return fmt.Errorf("bind %q: nil function", name)
	}
	if _, dup := p.registry.Get(name); !dup {
		p.names = append(p.names, name)
	}
	p.registry.Register(name, fn)
	return nil
}

// Output returns the page body with the CGI header block stripped.
func (p *Program) Output() []byte {
	return stripCGIHeaders(p.raw)
}

func (p *Program) Close(context.Context) error {
	if p.cleanup != nil {
		p.cleanup()
		p.cleanup = nil
	}
	return nil
}

func (p *Program) Run(ctx context.Context) error {
	e := p.eng
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	includePath := strings.Join(append([]string{"."}, p.includes...), ":")
	args := []string{
		"php",
		"-d", "include_path=" + includePath,
		"-d", "auto_prepend_file=" + preludeGuestPath,
		"-d", "error_reporting=E_ALL",
		"-d", "display_errors=Off",
		"-d", "log_errors=On",
		"-d", "html_errors=Off",
	}

	var stdout bytes.Buffer
	stdinReader, stdinWriter := io.Pipe()
	protocol := newProtocolHandler(ctx, p.registry, stdinWriter)

	cfg := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStderr(protocol).
		WithStdin(stdinReader).
		WithArgs(args...).
		WithFSConfig(e.fsConfig()).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithName("")
	for _, kv := range cgiEnv(p.head, p.guest, p.names) {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}

	_, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	stdinWriter.Close()

	p.raw = stdout.Bytes()

	if stderr := protocol.Stderr(); stderr != "" && e.sink != nil {
		e.sink.Consume(stderr)
	}

	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			return &engine.Error{Kind: engine.KindRuntime, Engine: e.Name(), Path: p.name, Detail: "execution timed out"}
		}
		return &engine.Error{Kind: engine.KindRuntime, Engine: e.Name(), Path: p.name, Detail: strings.TrimSpace(protocol.Stderr()), Err: err}
	}
	return nil
}
