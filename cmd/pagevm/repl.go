package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/voidhole/pagevm/engine"
	"github.com/voidhole/pagevm/hostfunc"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive page-script shell",
	Long: `Start an interactive shell that evaluates each entry as a page script
and prints its output.

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Native page functions (kv_get, kv_set, ...) are bound into every entry,
and the key-value store persists across entries.

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringP("engine", "e", "starlark", "Engine: php, quickjs, starlark")
	replCmd.Flags().String("history", "", "History file path (default: ~/.pagevm_history)")
	replCmd.Flags().StringSlice("allow-host", nil, "Allow http_get to host (repeatable)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	engineFlag, _ := cmd.Flags().GetString("engine")
	historyFile, _ := cmd.Flags().GetString("history")
	if cmd.Flags().Changed("allow-host") {
		cfg.AllowHosts, _ = cmd.Flags().GetStringSlice("allow-host")
	}
	cfg.Webroot = "."

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pagevm_history")
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	eng, err := getEngine(cfg, logger, engineFlag, "")
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	// One table for the whole session: kv_set in one entry is visible
	// to kv_get in the next.
	table := hostfunc.DefaultTable(hostfunc.TableConfig{
		Config: cfg.Expose,
		HTTP:   hostfunc.HTTPConfig{AllowedHosts: cfg.AllowHosts},
	})

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "pagevm %s shell (type 'exit' to quit, Ctrl+D to exit)\n", eng.Label())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(cmd.OutOrStdout())
				break
			}
			return err
		}

		// Multi-line input ends when a line has no trailing backslash.
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			break
		}

		evalEntry(cmd, eng, table, line)
	}
	return nil
}

// evalEntry compiles and runs one shell entry as a fresh program.
// Script state never carries over between entries; only the function
// table does.
func evalEntry(cmd *cobra.Command, eng engine.Engine, table *hostfunc.Registry, src string) {
	ctx := cmd.Context()
	prog, err := eng.CompileSource(ctx, "repl", src)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", describeError(eng, "repl", err))
		return
	}
	defer prog.Close(ctx)

	prog.SetRequestHead(synthesizeHead("GET /"))
	for _, name := range table.List() {
		fn, ok := table.Get(name)
		if !ok {
			continue
		}
		if err := prog.Bind(name, fn); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: bind %s: %v\n", name, err)
		}
	}

	err = prog.Run(ctx)
	if out := string(prog.Output()); out != "" {
		fmt.Fprint(cmd.OutOrStdout(), out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Fprintln(cmd.OutOrStdout())
		}
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", describeError(eng, "repl", err))
	}
}
