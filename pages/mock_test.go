package pages

import (
	"context"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

// mockProgram records the configuration calls the handler makes, so
// tests can assert on handler behavior without a real script VM.
type mockProgram struct {
	output   []byte
	runErr   error
	bindErr  map[string]error
	head     []byte
	includes []string
	bound    []string
	ran      bool
	closed   bool
}

func (p *mockProgram) SetRequestHead(head []byte) { p.head = head }

func (p *mockProgram) AddIncludePath(dir string) {
	p.includes = append(p.includes, dir)
}

func (p *mockProgram) Bind(name string, fn hostfunc.Func) error {
	if err := p.bindErr[name]; err != nil {
		return err
	}
	p.bound = append(p.bound, name)
	return nil
}

func (p *mockProgram) Run(ctx context.Context) error {
	p.ran = true
	return p.runErr
}

func (p *mockProgram) Output() []byte { return p.output }

func (p *mockProgram) Close(ctx context.Context) error {
	p.closed = true
	return nil
}

type mockEngine struct {
	name       string
	label      string
	exts       []string
	program    *mockProgram
	compileErr error
	errlog     map[string]string
	closed     bool
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		name:    "php",
		label:   "PHP",
		exts:    []string{".php"},
		program: &mockProgram{},
	}
}

func (e *mockEngine) Name() string         { return e.name }
func (e *mockEngine) Label() string        { return e.label }
func (e *mockEngine) Extensions() []string { return e.exts }

func (e *mockEngine) Compile(ctx context.Context, path string) (engine.Program, error) {
	if e.compileErr != nil {
		return nil, e.compileErr
	}
	return e.program, nil
}

func (e *mockEngine) CompileSource(ctx context.Context, name, src string) (engine.Program, error) {
	return e.Compile(ctx, name)
}

func (e *mockEngine) ErrLog(path string) (string, bool) {
	diag, ok := e.errlog[path]
	return diag, ok
}

func (e *mockEngine) Close(ctx context.Context) error {
	e.closed = true
	return nil
}
