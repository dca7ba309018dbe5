package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/askstream/internal/delivery"
	"github.com/user/askstream/internal/gateway"
	"github.com/user/askstream/internal/render"
	"github.com/user/askstream/internal/scheduler"
	"github.com/user/askstream/internal/state"
	"github.com/user/askstream/internal/telegram"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
	"github.com/user/askstream/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: Telegram bridge, scheduler and HTTP relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFileName = "askstream.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.gw.Start(ctx)
	defer a.gw.Stop()

	slog.Info("askstream started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"endpoint", cfg.Endpoint.URL,
		"transport", cfg.Endpoint.Transport,
		"pid_file", pidPath,
	)

	deliveryReg := delivery.NewRegistry()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.gw, a.transcripts,
			telegram.WithEditInterval(cfg.EditInterval()),
			telegram.WithAllowedChats(cfg.Telegram.AllowedChats),
		)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")

		deliveryReg.Register("telegram:", adapter.Send)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	deliver := deliverer(deliveryReg, retryPolicy(cfg))

	sched := scheduler.New(a.tasks, func(task *state.Task) {
		snap, err := askAndWait(ctx, a.gw, &types.InboundQuery{
			Source:    "task",
			ThreadKey: task.ThreadKey,
			UserID:    "system",
			Text:      task.Query,
		})
		if err != nil {
			slog.Error("scheduled task failed", "task", task.Name, "error", err)
			return
		}
		deliver(ctx, task.ThreadKey, snap)
	})
	n, err := sched.Start()
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "tasks", n)

	if cfg.HTTP.Enabled {
		ask := func(ctx context.Context, key types.ThreadKey, query string) (turn.Snapshot, error) {
			return a.gw.Ask(ctx, &types.InboundQuery{Source: "http", ThreadKey: key, Text: query})
		}
		srv := webhook.NewServer(a.tasks, ask, a.threads, a.transcripts)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http relay started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http relay error", "error", err)
			}
		}()
		defer httpServer.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading tasks and restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				if _, err := sched.Reload(); err != nil {
					slog.Error("reload scheduler", "error", err)
				}
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}

// deliverer sends finished scheduled answers through the registry, retrying
// failed deliveries. Threads without a handler keep the answer in their
// transcript only.
func deliverer(reg *delivery.Registry, policy *gateway.RetryPolicy) func(context.Context, types.ThreadKey, turn.Snapshot) {
	return func(ctx context.Context, key types.ThreadKey, snap turn.Snapshot) {
		if !snap.Phase.Terminal() {
			return
		}
		if !reg.Has(key) {
			slog.Debug("no delivery handler, answer kept in transcript", "thread_key", string(key))
			return
		}
		message := render.Reply(snap)
		err := policy.Execute(ctx, func() error {
			return reg.Deliver(ctx, key, message)
		})
		if err != nil {
			slog.Error("delivery failed", "thread_key", string(key), "error", err)
		}
	}
}
