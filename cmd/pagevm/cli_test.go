package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/voidhole/pagevm/pages"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	resetHelpFlags(root)
	err := root.Execute()
	return buf.String(), err
}

// resetHelpFlags clears help flags left set by earlier executions;
// flag values persist on the shared command tree between Execute calls.
func resetHelpFlags(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range cmd.Commands() {
		resetHelpFlags(sub)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"pagevm",
		"PHP",
		"run",
		"repl",
		"serve",
		"fetch-runtime",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--engine",
		"--code",
		"--request",
		"--timeout",
		"--allow-host",
		"Stdin",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--listen",
		"--webroot",
		"--webhome",
		"--log-file",
		"--php-runtime",
		"--cache-dir",
		"static file",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--engine",
		"--history",
		"Command history",
		"Multi-line",
		"kv_get",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIFetchRuntimeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "fetch-runtime", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--url",
		"--output",
		"--force",
		"php-cgi",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("fetch-runtime help output should contain %q", phrase)
		}
	}
}

func TestCLIEngineRequired(t *testing.T) {
	_, err := getEngine(pages.Default(), discardLogger(), "", "")
	if err == nil {
		t.Fatal("expected error when engine not specified and no file extension")
	}
	if !strings.Contains(err.Error(), "engine required") {
		t.Errorf("error should mention engine required, got: %v", err)
	}
}

func TestCLIEngineAutoDetect(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"page.star", "starlark"},
		{"page.js", "quickjs"},
		{"page.mjs", "quickjs"},
		{"PAGE.STAR", "starlark"},
		{"PAGE.JS", "quickjs"},
	}

	for _, tc := range tests {
		eng, err := getEngine(pages.Default(), discardLogger(), "", tc.filename)
		if err != nil {
			t.Errorf("getEngine(%q) error: %v", tc.filename, err)
			continue
		}
		if eng.Name() != tc.want {
			t.Errorf("getEngine(%q) = %q, want %q", tc.filename, eng.Name(), tc.want)
		}
		eng.Close(context.Background())
	}
}

func TestCLIEngineExplicit(t *testing.T) {
	tests := []struct {
		engineFlag string
		want       string
	}{
		{"starlark", "starlark"},
		{"star", "starlark"},
		{"quickjs", "quickjs"},
		{"js", "quickjs"},
		{"javascript", "quickjs"},
	}

	for _, tc := range tests {
		eng, err := getEngine(pages.Default(), discardLogger(), tc.engineFlag, "")
		if err != nil {
			t.Errorf("getEngine(%q) error: %v", tc.engineFlag, err)
			continue
		}
		if eng.Name() != tc.want {
			t.Errorf("getEngine(%q) = %q, want %q", tc.engineFlag, eng.Name(), tc.want)
		}
		eng.Close(context.Background())
	}
}

func TestCLIUnknownEngine(t *testing.T) {
	_, err := getEngine(pages.Default(), discardLogger(), "ruby", "")
	if err == nil {
		t.Fatal("expected error for unknown engine")
	}
	if !strings.Contains(err.Error(), "unknown engine") {
		t.Errorf("error should mention unknown engine, got: %v", err)
	}
}

func TestCLIPHPEngineUnavailable(t *testing.T) {
	cfg := pages.Default()
	cfg.PHPRuntime = filepath.Join(t.TempDir(), "missing.wasm")
	cfg.Webroot = t.TempDir()

	_, err := getEngine(cfg, discardLogger(), "php", "")
	if err == nil {
		t.Fatal("expected error when the interpreter binary is missing")
	}
}

func TestSynthesizeHead(t *testing.T) {
	tests := []struct {
		request string
		want    string
	}{
		{"GET /index.php?tab=dns", "GET /index.php?tab=dns HTTP/1.1\r\nHost: localhost\r\n\r\n"},
		{"POST /api/save", "POST /api/save HTTP/1.1\r\nHost: localhost\r\n\r\n"},
		{"/status", "GET /status HTTP/1.1\r\nHost: localhost\r\n\r\n"},
		{"", "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"},
	}

	for _, tc := range tests {
		if got := string(synthesizeHead(tc.request)); got != tc.want {
			t.Errorf("synthesizeHead(%q) = %q, want %q", tc.request, got, tc.want)
		}
	}
}

func TestCLIServeFlagOverrides(t *testing.T) {
	cfg := pages.Default()
	serveCmd.Flags().Set("listen", ":9999")
	serveCmd.Flags().Set("timeout", "5s")
	applyServeFlags(serveCmd, &cfg)

	if cfg.Listen != ":9999" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9999")
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 5*time.Second)
	}
	if cfg.TimeoutSec != 5 {
		t.Errorf("TimeoutSec = %d, want 5", cfg.TimeoutSec)
	}
	if cfg.Webroot != pages.Default().Webroot {
		t.Errorf("Webroot = %q, should keep its default", cfg.Webroot)
	}
}

func TestCLIRunInlineStarlark(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--engine", "starlark", "--code", `emit("cli ok")`)
	if err != nil {
		t.Fatalf("unexpected error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "cli ok") {
		t.Errorf("output should contain the script output, got: %q", output)
	}
}

func TestCLIRunScriptFile(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "page.star")
	if err := os.WriteFile(script, []byte(`emit("from file")`), 0o644); err != nil {
		t.Fatal(err)
	}

	// Flag values persist on the shared command between executions;
	// clear them so the file argument and its extension decide.
	output, err := executeCommand(rootCmd, "run", "--engine=", "--code=", script)
	if err != nil {
		t.Fatalf("unexpected error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "from file") {
		t.Errorf("output should contain the script output, got: %q", output)
	}
}

func TestCLIRunCompileError(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--engine", "starlark", "--code", "def broken(:")
	if err == nil {
		t.Fatalf("expected compile error, output: %s", output)
	}
	if !strings.Contains(err.Error(), "starlark compile") {
		t.Errorf("error should name the failing stage, got: %v", err)
	}
	if !strings.Contains(err.Error(), "inline") {
		t.Errorf("error should name the inline source, got: %v", err)
	}
}

func TestCLIRunMissingFile(t *testing.T) {
	script := filepath.Join(t.TempDir(), "absent.star")

	_, err := executeCommand(rootCmd, "run", "--engine=", "--code=", script)
	if err == nil {
		t.Fatal("expected error for missing script file")
	}
	if !strings.Contains(err.Error(), "starlark io") {
		t.Errorf("error should carry the io classification, got: %v", err)
	}
}

func TestCLIRunKVPersistsWithinRun(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--engine", "starlark",
		"--code", `kv_set(key="n", value="7")
emit(kv_get(key="n"))`)
	if err != nil {
		t.Fatalf("unexpected error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "7") {
		t.Errorf("output should contain the stored value, got: %q", output)
	}
}
