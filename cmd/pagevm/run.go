package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a page script once and print its output",
	Long: `Execute a single page script outside the server and write what would
have been the response body to stdout.

Scripts can be provided via:
  - File argument: pagevm run page.php
  - Inline flag: pagevm run -e starlark -c 'emit("hi")'
  - Stdin: echo 'emit("hi")' | pagevm run -e starlark`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("engine", "e", "", "Engine: php, quickjs, starlark (default: by file extension)")
	cmd.Flags().StringP("code", "c", "", "Script source to execute")
	cmd.Flags().String("request", "GET /", "Request the script sees, e.g. \"GET /index.php?tab=dns\"")
	cmd.Flags().Duration("timeout", 0, "Execution timeout, 0 for none")
	cmd.Flags().StringSlice("allow-host", nil, "Allow http_get to host (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	code, _ := cmd.Flags().GetString("code")
	engineFlag, _ := cmd.Flags().GetString("engine")
	request, _ := cmd.Flags().GetString("request")
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if cmd.Flags().Changed("allow-host") {
		cfg.AllowHosts, _ = cmd.Flags().GetStringSlice("allow-host")
	}

	var source string
	var filename string

	switch {
	case code != "":
		source = code
	case len(args) > 0:
		filename = args[0]
	default:
		// Read stdin only when something is piped in.
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return cmd.Help()
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		source = string(data)
		if source == "" {
			return cmd.Help()
		}
	}

	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if filename != "" {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return err
		}
		filename = abs
		// The PHP interpreter only sees files under its document root,
		// so a standalone script's root is its own directory.
		cfg.Webroot = filepath.Dir(abs)
	} else {
		cfg.Webroot = "."
	}

	eng, err := getEngine(cfg, logger, engineFlag, filename)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	ctx := cmd.Context()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	progName := "inline"
	var prog engine.Program
	if filename != "" {
		progName = filename
		prog, err = eng.Compile(ctx, filename)
	} else {
		prog, err = eng.CompileSource(ctx, progName, source)
	}
	if err != nil {
		return errors.New(describeError(eng, progName, err))
	}
	defer prog.Close(context.Background())

	prog.SetRequestHead(synthesizeHead(request))
	if filename != "" {
		prog.AddIncludePath(filepath.Dir(filename))
	}

	table := hostfunc.DefaultTable(hostfunc.TableConfig{
		Config: cfg.Expose,
		HTTP:   hostfunc.HTTPConfig{AllowedHosts: cfg.AllowHosts},
	})
	for _, name := range table.List() {
		fn, ok := table.Get(name)
		if !ok {
			continue
		}
		if err := prog.Bind(name, fn); err != nil {
			logger.Warn("bind page function", "function", name, "error", err)
		}
	}

	err = prog.Run(ctx)
	if out := prog.Output(); len(out) > 0 {
		fmt.Fprint(cmd.OutOrStdout(), string(out))
	}
	if err != nil {
		return errors.New(describeError(eng, progName, err))
	}
	return nil
}

// synthesizeHead builds a minimal request head from a "METHOD /target"
// string, so scripts see the same request environment they would get
// under the server.
func synthesizeHead(request string) []byte {
	method, target := "GET", "/"
	fields := strings.Fields(request)
	switch len(fields) {
	case 0:
	case 1:
		target = fields[0]
	default:
		method, target = fields[0], fields[1]
	}
	return []byte(fmt.Sprintf("%s %s HTTP/1.1\r\nHost: localhost\r\n\r\n", method, target))
}

// describeError appends the retained compiler diagnostic, which the
// server would only put in its log.
func describeError(eng engine.Engine, name string, err error) string {
	if kind, ok := engine.KindOf(err); ok && kind == engine.KindCompile {
		if diag, ok := eng.ErrLog(name); ok && diag != "" {
			return fmt.Sprintf("%v\n%s", err, diag)
		}
	}
	return err.Error()
}
