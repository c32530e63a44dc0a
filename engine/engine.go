// Package engine defines the contract between the page handler and the
// script engines that compile and run page scripts.
package engine

import (
	"context"

	"github.com/voidhole/pagevm/hostfunc"
)

// Engine compiles page scripts into runnable programs. One engine instance
// serves all requests for its extensions and must be safe for concurrent
// Compile calls.
type Engine interface {
	// Name returns a unique identifier for this engine (e.g. "php",
	// "quickjs", "starlark").
	Name() string

	// Label returns the name used in user-visible diagnostics (e.g. "PHP").
	Label() string

	// Extensions returns the file extensions this engine claims, lowercase
	// and with the leading dot (".php", ".js").
	Extensions() []string

	// Compile reads and compiles the script at path. Failures are reported
	// as *Error: KindIO when the file cannot be read, KindInit when
	// per-request VM setup fails, KindCompile for script diagnostics.
	Compile(ctx context.Context, path string) (Program, error)

	// CompileSource compiles an in-memory script. name stands in for the
	// file path in diagnostics.
	CompileSource(ctx context.Context, name, src string) (Program, error)

	// ErrLog returns the retained compile diagnostic for path, if any.
	ErrLog(path string) (string, bool)

	// Close releases interpreter state. The engine is unusable afterwards.
	Close(ctx context.Context) error
}

// Program is a single compiled script. It is configured, run exactly once,
// and closed. Programs are request-local and never shared between
// goroutines.
type Program interface {
	// SetRequestHead hands the raw HTTP request head (request line plus
	// header block, as transmitted) to the script environment. Engines
	// decode it themselves.
	SetRequestHead(head []byte)

	// AddIncludePath appends a directory the script may load code from.
	AddIncludePath(dir string)

	// Bind makes fn callable from the script under name. A bind failure
	// does not invalidate the program; the remaining bindings and the run
	// proceed without the failed one.
	Bind(name string, fn hostfunc.Func) error

	// Run executes the program. Failures are *Error: KindRuntime for
	// execution errors, KindCompile when a diagnostic only detectable at
	// run time turns out to be a script error.
	Run(ctx context.Context) error

	// Output returns everything the script wrote to its page output.
	Output() []byte

	// Close releases the program's VM state. Safe to call after a failed
	// Run.
	Close(ctx context.Context) error
}
