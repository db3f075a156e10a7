package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devcoord/devcoord/internal/api"
	"github.com/devcoord/devcoord/internal/daemon"
	"github.com/devcoord/devcoord/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination daemon",
	Long: `Run the coordination daemon in the foreground.

The daemon owns the session registry, lock manager, and conflict state,
and serves the HTTP API (including the SSE event stream) on listen_addr.
Use 'serve start' to run it detached in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "Listen address (overrides listen_addr)")
	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
}

// pidFile returns the daemon PID file under the state directory.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "devcoord-serve.pid"))
}

// serveLogPath returns the log file path for the detached daemon.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "devcoord-serve.log")
}

// serveRun runs the daemon in the foreground until a shutdown signal.
func serveRun(ctx context.Context) error {
	st, err := getStore()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	e := engine.New(engineConfig(), st, logger)
	if err := e.Load(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	var limiter *api.RateLimiter
	if rl := viper.GetInt("api.rate_limit"); rl > 0 {
		limiter = api.NewRateLimiter(rl, viper.GetInt("api.rate_burst"), time.Minute)
	}

	srv := api.NewServer(e, st, logger, limiter)
	addr := viper.GetString("listen_addr")
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	pf := pidFile()
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	runCtx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// Idle sweeper runs until shutdown.
	go e.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-runCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// serveStartRun re-execs the daemon detached and records its PID.
func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "serve")
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ui.Success("Daemon started (pid %d), logging to %s", child.Process.Pid, serveLogPath())
	return nil
}

// serveStopRun signals the background daemon to shut down.
func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("daemon not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	// Give it a moment to exit cleanly before escalating.
	for i := 0; i < 20; i++ {
		if _, alive := pf.IsRunning(); !alive {
			ui.Success("Daemon stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Daemon did not exit, sending KILL")
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill daemon: %w", err)
	}
	_ = pf.Remove()
	return nil
}

// serveStatusRun reports whether the background daemon is alive.
func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Info("Daemon running (pid %d) on %s", pid, viper.GetString("listen_addr"))
		return nil
	}
	ui.Info("Daemon not running")
	return nil
}
