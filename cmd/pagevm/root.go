package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/engine/php"
	"github.com/voidhole/pagevm/engine/quickjs"
	"github.com/voidhole/pagevm/engine/starlark"
	"github.com/voidhole/pagevm/pages"
)

var rootCmd = &cobra.Command{
	Use:   "pagevm",
	Short: "Web server for script-generated pages",
	Long: `pagevm serves web pages generated by scripts: PHP (through a WASI
interpreter), JavaScript (QuickJS) and Starlark. Every request compiles
its script from scratch, so edits take effect immediately and nothing
is cached between requests.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// loadConfig reads the file named by --config over the defaults and
// applies persistent flag overrides. No --config means defaults only.
func loadConfig(cmd *cobra.Command) (pages.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := pages.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug, _ = cmd.Flags().GetBool("debug")
	}
	return cfg, nil
}

// buildEngines constructs every engine the server knows. A PHP engine
// that cannot start (interpreter missing, bad document root) is logged
// and its extension disabled; .php requests then take the fallback
// path without ever serving script source.
func buildEngines(cfg pages.Config, logger *slog.Logger) *engine.Registry {
	reg := engine.NewRegistry()
	reg.Add(starlark.New())
	reg.Add(quickjs.New())

	opts := []php.Option{php.WithSink(engine.NewSink(logger, "php"))}
	if cfg.CacheDir != "" {
		opts = append(opts, php.WithCacheDir(cfg.CacheDir))
	}
	phpEngine, err := php.New(cfg.PHPRuntime, cfg.Webroot, opts...)
	if err != nil {
		logger.Warn("php engine unavailable", "runtime", cfg.PHPRuntime, "error", err)
		reg.Disable(".php")
	} else {
		reg.Add(phpEngine)
	}
	return reg
}

// getEngine builds the single engine named by the flag or, failing
// that, implied by the script filename's extension. Only that engine
// is constructed: a Starlark one-liner never pays for compiling the
// PHP interpreter.
func getEngine(cfg pages.Config, logger *slog.Logger, engineFlag, filename string) (engine.Engine, error) {
	name := engineFlag

	if name == "" && filename != "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".php":
			name = "php"
		case ".js", ".mjs":
			name = "quickjs"
		case ".star":
			name = "starlark"
		}
	}

	if name == "" {
		return nil, fmt.Errorf("engine required: use --engine php, quickjs, or starlark")
	}

	switch name {
	case "starlark", "star":
		return starlark.New(), nil
	case "quickjs", "js", "javascript":
		return quickjs.New(), nil
	case "php":
		opts := []php.Option{php.WithSink(engine.NewSink(logger, "php"))}
		if cfg.CacheDir != "" {
			opts = append(opts, php.WithCacheDir(cfg.CacheDir))
		}
		return php.New(cfg.PHPRuntime, cfg.Webroot, opts...)
	default:
		return nil, fmt.Errorf("unknown engine %q: use php, quickjs, or starlark", name)
	}
}
