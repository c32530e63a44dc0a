package engine

import (
	"log/slog"
	"strings"
)

// Sink receives engine diagnostics (compile errors, script warnings) and
// forwards them to the server log. Engines emit newline-terminated
// messages; exactly one trailing newline is stripped per message, since the
// log supplies its own framing.
type Sink struct {
	logger *slog.Logger
	engine string
}

// NewSink returns a Sink logging through logger, tagging each record with
// the engine name. A nil logger uses slog.Default().
func NewSink(logger *slog.Logger, engine string) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{logger: logger, engine: engine}
}

// Consume logs one diagnostic message.
func (s *Sink) Consume(msg string) {
	msg = strings.TrimSuffix(msg, "\n")
	s.logger.Warn(msg, "engine", s.engine)
}
