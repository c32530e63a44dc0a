package starlark

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voidhole/pagevm/engine"
)

func runScript(t *testing.T, src string, setup func(p engine.Program)) (string, error) {
	t.Helper()
	eng := New()
	prog, err := eng.CompileSource(t.Context(), "test.star", src)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	defer prog.Close(context.Background())

	if setup != nil {
		setup(prog)
	}
	err = prog.Run(t.Context())
	return string(prog.Output()), err
}

func TestEmitWritesExactText(t *testing.T) {
	out, err := runScript(t, `emit("Hello")`, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "Hello" {
		t.Errorf("expected %q, got %q", "Hello", out)
	}
}

func TestPrintAppendsNewline(t *testing.T) {
	out, err := runScript(t, `print("hi")`, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "hi\n" {
		t.Errorf("expected %q, got %q", "hi\n", out)
	}
}

func TestOutputInterleavesEmitAndPrint(t *testing.T) {
	out, err := runScript(t, "emit(\"a\")\nprint(\"b\")\nemit(\"c\")", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "a"+"b\n"+"c" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSyntaxErrorAtCompile(t *testing.T) {
	eng := New()
	_, err := eng.CompileSource(t.Context(), "bad.star", "def f(:")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if kind, ok := engine.KindOf(err); !ok || kind != engine.KindCompile {
		t.Errorf("expected compile kind, got %v", err)
	}
	if diag, ok := eng.ErrLog("bad.star"); !ok || diag == "" {
		t.Error("expected diagnostics in error log")
	}
}

func TestUndefinedNameIsCompileError(t *testing.T) {
	eng := New()
	prog, err := eng.CompileSource(t.Context(), "undef.star", "bogus()")
	if err != nil {
		t.Fatalf("parse should succeed, resolution is deferred: %v", err)
	}
	err = prog.Run(t.Context())
	if err == nil {
		t.Fatal("expected error for undefined name")
	}
	if kind, ok := engine.KindOf(err); !ok || kind != engine.KindCompile {
		t.Errorf("expected compile kind, got %v", err)
	}
	if diag, ok := eng.ErrLog("undef.star"); !ok || !strings.Contains(diag, "bogus") {
		t.Errorf("expected diagnostics naming bogus, got %q", diag)
	}
}

func TestRuntimeError(t *testing.T) {
	_, err := runScript(t, `fail("boom")`, nil)
	if err == nil {
		t.Fatal("expected runtime error")
	}
	if kind, ok := engine.KindOf(err); !ok || kind != engine.KindRuntime {
		t.Errorf("expected runtime kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected backtrace mentioning boom, got %v", err)
	}
}

func TestHostFunctionKeywordCall(t *testing.T) {
	out, err := runScript(t, `emit(str(add(a=2, b=3)))`, func(p engine.Program) {
		p.Bind("add", func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(int64) + args["b"].(int64), nil
		})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "5" {
		t.Errorf("expected 5, got %q", out)
	}
}

func TestHostFunctionDictCall(t *testing.T) {
	out, err := runScript(t, `emit(echo({"k": "v"}))`, func(p engine.Program) {
		p.Bind("echo", func(ctx context.Context, args map[string]any) (any, error) {
			return args["k"], nil
		})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "v" {
		t.Errorf("expected v, got %q", out)
	}
}

func TestHostFunctionErrorBecomesRuntime(t *testing.T) {
	_, err := runScript(t, `nope()`, func(p engine.Program) {
		p.Bind("nope", func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("host refused")
		})
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindRuntime {
		t.Errorf("expected runtime kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "host refused") {
		t.Errorf("expected host error text, got %v", err)
	}
}

func TestBindRejectsInvalidName(t *testing.T) {
	eng := New()
	prog, err := eng.CompileSource(t.Context(), "t.star", "pass")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	if err := prog.Bind("kv-get", noop); err == nil {
		t.Error("dashed name should be rejected")
	}
	if err := prog.Bind("9lives", noop); err == nil {
		t.Error("leading digit should be rejected")
	}
	if err := prog.Bind("", noop); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := prog.Bind("kv_get", nil); err == nil {
		t.Error("nil function should be rejected")
	}
	if err := prog.Bind("kv_get", noop); err != nil {
		t.Errorf("valid bind failed: %v", err)
	}
}

func TestRequestDict(t *testing.T) {
	head := "GET /admin/index.star?id=42 HTTP/1.1\r\nHost: pi.hole\r\nUser-Agent: curl/8\r\n\r\n"
	script := `emit(request["method"], " ", request["path"], " ", request["query"]["id"], " ", request["headers"]["User-Agent"])`

	out, err := runScript(t, script, func(p engine.Program) {
		p.SetRequestHead([]byte(head))
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "GET /admin/index.star 42 curl/8" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRequestRawAlwaysPresent(t *testing.T) {
	out, err := runScript(t, `emit(str("method" in request), " ", request["raw"])`, func(p engine.Program) {
		p.SetRequestHead([]byte("not an http request"))
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "False not an http request" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestLoadFromIncludeDir(t *testing.T) {
	dir := t.TempDir()
	lib := "def greet(name):\n    return \"Hello \" + name\n"
	if err := os.WriteFile(filepath.Join(dir, "lib.star"), []byte(lib), 0o644); err != nil {
		t.Fatal(err)
	}

	script := "load(\"lib.star\", \"greet\")\nemit(greet(\"World\"))"
	out, err := runScript(t, script, func(p engine.Program) {
		p.AddIncludePath(dir)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected Hello World, got %q", out)
	}
}

func TestLoadSearchesDirsInOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	os.WriteFile(filepath.Join(first, "lib.star"), []byte("who = \"first\"\n"), 0o644)
	os.WriteFile(filepath.Join(second, "lib.star"), []byte("who = \"second\"\n"), 0o644)

	script := "load(\"lib.star\", \"who\")\nemit(who)"
	out, err := runScript(t, script, func(p engine.Program) {
		p.AddIncludePath(first)
		p.AddIncludePath(second)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "first" {
		t.Errorf("expected first include dir to win, got %q", out)
	}
}

func TestLoadCycle(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.star"), []byte("load(\"b.star\", \"x\")\ny = 1\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.star"), []byte("load(\"a.star\", \"y\")\nx = 1\n"), 0o644)

	_, err := runScript(t, "load(\"a.star\", \"y\")\n", func(p engine.Program) {
		p.AddIncludePath(dir)
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestLoadRejectsEscapingPaths(t *testing.T) {
	for _, module := range []string{"../secrets.star", "/etc/passwd"} {
		_, err := runScript(t, "load(\""+module+"\", \"x\")\n", func(p engine.Program) {
			p.AddIncludePath(t.TempDir())
		})
		if err == nil {
			t.Errorf("load %q should fail", module)
		}
	}
}

func TestCancelStopsExecution(t *testing.T) {
	eng := New()
	prog, err := eng.CompileSource(t.Context(), "spin.star", "for i in range(1000000000):\n    pass\n")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	defer prog.Close(context.Background())

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = prog.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindRuntime {
		t.Errorf("expected runtime kind, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestCompileMissingFile(t *testing.T) {
	eng := New()
	_, err := eng.Compile(t.Context(), filepath.Join(t.TempDir(), "missing.star"))
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := engine.KindOf(err); !ok || kind != engine.KindIO {
		t.Errorf("expected io kind, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected wrapped not-exist error, got %v", err)
	}
}

func TestCompileFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.star")
	if err := os.WriteFile(path, []byte(`emit("from file")`), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := New()
	prog, err := eng.Compile(t.Context(), path)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	defer prog.Close(context.Background())

	if err := prog.Run(t.Context()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := string(prog.Output()); got != "from file" {
		t.Errorf("expected 'from file', got %q", got)
	}
}

func TestEngineMetadata(t *testing.T) {
	eng := New()
	if eng.Name() != "starlark" {
		t.Errorf("unexpected name %q", eng.Name())
	}
	if eng.Label() != "Starlark" {
		t.Errorf("unexpected label %q", eng.Label())
	}
	exts := eng.Extensions()
	if len(exts) != 1 || exts[0] != ".star" {
		t.Errorf("unexpected extensions %v", exts)
	}
}
