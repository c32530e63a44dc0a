package engine

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSinkStripsOneTrailingNewline(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewSink(logger, "php")

	sink.Consume("undefined variable $x\n")

	out := buf.String()
	if !strings.Contains(out, `msg="undefined variable $x"`) {
		t.Errorf("log output should carry the message without its newline, got %q", out)
	}
	if !strings.Contains(out, "engine=php") {
		t.Errorf("log output should carry the engine name, got %q", out)
	}
}

func TestSinkStripsOnlyOneNewline(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewSink(logger, "php")

	sink.Consume("two lines\n\n")

	// One newline stripped, the inner one kept and quoted by the handler.
	if !strings.Contains(buf.String(), `msg="two lines\n"`) {
		t.Errorf("exactly one trailing newline should be stripped, got %q", buf.String())
	}
}

func TestSinkWithoutNewline(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewSink(logger, "starlark")

	sink.Consume("plain")

	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("message without newline should pass through, got %q", buf.String())
	}
}
