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
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/dispatch/internal/ai"
	"github.com/joescharf/dispatch/internal/api"
	"github.com/joescharf/dispatch/internal/cleanup"
	"github.com/joescharf/dispatch/internal/daemon"
	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/lock"
	"github.com/joescharf/dispatch/internal/orchestrator"
	"github.com/joescharf/dispatch/internal/platform"
	"github.com/joescharf/dispatch/internal/router"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/session"
)

var (
	serveConsole bool
	serveDetach  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch server",
	Long: `Run the dispatch server: platform adapters, the cleanup reconciler,
and the ops HTTP API. A PID file guards against double starts.

Use --console to chat through stdin/stdout, --detach to run in the
background, 'dispatch serve --stop' to stop a detached server, and
'dispatch serve --status' to check on it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stop, _ := cmd.Flags().GetBool("stop")
		status, _ := cmd.Flags().GetBool("status")
		switch {
		case stop:
			return serveStopRun()
		case status:
			return serveStatusRun()
		default:
			return serveStartRun()
		}
	},
}

func init() {
	serveCmd.Flags().Bool("stop", false, "Stop the running server")
	serveCmd.Flags().Bool("status", false, "Show server status")
	serveCmd.Flags().BoolVar(&serveDetach, "detach", false, "Run the server in the background")
	serveCmd.Flags().BoolVar(&serveConsole, "console", false, "Attach the console adapter to stdin/stdout")
	serveCmd.Flags().String("http-addr", ":8787", "Ops API listen address")
	_ = viper.BindPFlag("serve.http_addr", serveCmd.Flags().Lookup("http-addr"))
	rootCmd.AddCommand(serveCmd)
}

// pidFile guards a single serve instance per state directory.
func pidFile() *daemon.PIDFile {
	return daemon.New(filepath.Join(viper.GetString("state_dir"), "dispatch-serve.pid"))
}

// serveLogPath is where a detached server writes its log.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "dispatch-serve.log")
}

func serveStartRun() error {
	if serveDetach {
		return serveSpawnRun()
	}

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	return serveRun()
}

// serveSpawnRun re-execs `dispatch serve` as a detached child logging to a
// file. The child acquires the PID file itself.
func serveSpawnRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running with pid %d", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ui.Success("Server started (pid %d)", child.Process.Pid)
	ui.Info("Logging to %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	ui.Success("Sent stop signal to server (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server not running")
		return nil
	}

	ui.Success("Server running (pid %d)", pid)
	ui.VerboseLog("PID file: %s", pf.Path)
	return nil
}

// serveRun wires every component and blocks until a shutdown signal.
func serveRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	logger := serveLogger()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	platforms := platform.NewRegistry()
	if serveConsole {
		platforms.Register(platform.NewConsole(os.Stdin, os.Stdout, logger))
	}

	g := git.NewClient()
	providers := sandbox.NewProviderRegistry()
	providers.Register(sandbox.NewWorktreeProvider(g, logger))
	manager := sandbox.NewManager(s, providers, g, logger, sandbox.Config{
		MaxEnvironments: viper.GetInt("environments.max_per_codebase"),
	})
	reconciler := cleanup.NewReconciler(s, g, manager, sandbox.NewProcessProbe(), logger, cleanup.Config{
		StaleAfter: viper.GetDuration("cleanup.stale_after"),
		LongLived: func(platformType string) bool {
			a, err := platforms.Get(platformType)
			return err == nil && a.LongLived()
		},
	})
	manager.SetReclaimer(reconciler)

	backends := ai.NewRegistry()
	backends.Register(ai.NewClaudeCLI(
		viper.GetString("backend.claude_binary"),
		viper.GetString("backend.model"),
		logger,
	))
	if key := viper.GetString("anthropic.api_key"); key != "" {
		backends.Register(ai.NewAnthropic(key, viper.GetString("anthropic.model")))
	}

	orch := orchestrator.New(
		s,
		backends,
		manager,
		session.NewResolver(s, logger),
		router.New(logger),
		lock.New(viper.GetInt64("exchange.global_limit")),
		logger,
		orchestrator.Config{
			ExchangeTimeout: viper.GetDuration("exchange.timeout"),
			DefaultCodebase: viper.GetString("default_codebase"),
			DefaultBackend:  viper.GetString("backend.default"),
		},
	)

	httpSrv := &http.Server{
		Addr:    viper.GetString("serve.http_addr"),
		Handler: api.NewServer(s, manager, reconciler).Router(),
	}

	logger.Info("dispatch server starting",
		"http_addr", httpSrv.Addr,
		"adapters", len(platforms.All()),
		"backends", backends.Types())

	grp, gctx := errgroup.WithContext(ctx)

	sink := orch.Sink()
	for _, adapter := range platforms.All() {
		grp.Go(func() error {
			if err := adapter.Start(gctx, sink); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s adapter: %w", adapter.Type(), err)
			}
			return nil
		})
	}

	grp.Go(func() error {
		interval := viper.GetDuration("cleanup.interval")
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				result, err := reconciler.RunScheduledPass(gctx)
				if err != nil {
					logger.Error("cleanup pass failed", "error", err)
					continue
				}
				if len(result.Removed) > 0 || len(result.Skipped) > 0 {
					logger.Info("cleanup pass finished",
						"removed", len(result.Removed), "skipped", len(result.Skipped))
				}
			}
		}
	})

	grp.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
		for _, adapter := range platforms.All() {
			_ = adapter.Stop(shutCtx)
		}
		return nil
	})

	err = grp.Wait()
	logger.Info("dispatch server stopped")
	return err
}

// serveLogger logs server components to stderr, which a detached server
// redirects to the log file.
func serveLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
