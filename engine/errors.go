package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. The handler branches on Kind alone, so
// the set is closed: engines map every internal failure onto one of these
// four values.
type Kind int

const (
	// KindIO means the script file could not be read.
	KindIO Kind = iota
	// KindInit means per-request VM setup failed before the script ran.
	KindInit
	// KindCompile means the script was read but does not compile.
	KindCompile
	// KindRuntime means the compiled script failed during execution.
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindInit:
		return "init"
	case KindCompile:
		return "compile"
	case KindRuntime:
		return "runtime"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the failure type engines return from Compile and Run.
type Error struct {
	Kind   Kind
	Engine string // engine name
	Path   string // script path or source name
	Detail string // one-line diagnostic for the server log
	Err    error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Engine, e.Kind, e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err when it is (or wraps) an engine *Error.
func KindOf(err error) (Kind, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}
