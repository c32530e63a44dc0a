package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voidhole/pagevm/pages"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scripted-page web server",
	Long: `Start an HTTP server that executes page scripts on demand.

Requests whose path ends in a script extension (.php, .js, .mjs, .star)
compile and run the matching file under the webroot; the script's output
becomes the response body. Everything else is served as a static file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("webroot", "", "Document root directory (overrides config)")
	serveCmd.Flags().String("webhome", "", "Home path prefix under the webroot (overrides config)")
	serveCmd.Flags().String("log-file", "", "Log file named on script error pages (overrides config)")
	serveCmd.Flags().String("php-runtime", "", "Path to the php-cgi WASM interpreter (overrides config)")
	serveCmd.Flags().String("cache-dir", "", "WASM compilation cache directory (overrides config)")
	serveCmd.Flags().Duration("timeout", 0, "Per-request execution timeout, 0 for none (overrides config)")
	serveCmd.Flags().StringSlice("allow-host", nil, "Allow http_get to host (repeatable)")

	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags overlays flags the user actually set on the loaded
// config, so config-file values survive unless overridden.
func applyServeFlags(cmd *cobra.Command, cfg *pages.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("webroot") {
		cfg.Webroot, _ = flags.GetString("webroot")
	}
	if flags.Changed("webhome") {
		cfg.Webhome, _ = flags.GetString("webhome")
	}
	if flags.Changed("log-file") {
		cfg.LogFile, _ = flags.GetString("log-file")
	}
	if flags.Changed("php-runtime") {
		cfg.PHPRuntime, _ = flags.GetString("php-runtime")
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		cfg.Timeout = d
		cfg.TimeoutSec = int(d / time.Second)
	}
	if flags.Changed("allow-host") {
		cfg.AllowHosts, _ = flags.GetStringSlice("allow-host")
	}
}

// setupLogger builds the process logger. With a log file configured,
// records go both to stderr and to the file, which is the same file
// the compilation-error page tells readers to check.
func setupLogger(cfg pages.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, closer, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	engines := buildEngines(cfg, logger)
	handler := pages.New(cfg, engines, pages.WithLogger(logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.Listen, Handler: logRequest(logger, handler)}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(c)
	}()

	logger.Info("pagevm listening", "addr", cfg.Listen, "webroot", cfg.Webroot)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := handler.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func logRequest(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
