package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/askstream/internal/config"
	"github.com/user/askstream/internal/gateway"
	"github.com/user/askstream/internal/state"
	"github.com/user/askstream/pkg/answer"
	"github.com/user/askstream/pkg/answer/sse"
	"github.com/user/askstream/pkg/answer/ws"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "askstream",
	Short:        "Ask questions against a streaming answer endpoint",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// app holds the stores and gateway shared by the commands that ask
// questions.
type app struct {
	cfg         *config.Config
	threads     *state.ThreadStore
	transcripts *state.TranscriptStore
	tasks       *state.TaskStore
	gw          *gateway.Gateway
}

func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{
		cfg:         cfg,
		threads:     state.NewThreadStore(cfg.DataDir),
		transcripts: state.NewTranscriptStore(cfg.DataDir),
		tasks:       state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json")),
	}
	a.gw = gateway.New(a.threads, a.transcripts, transportFactory(cfg),
		gateway.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
		gateway.WithRetryPolicy(retryPolicy(cfg)),
		gateway.WithLogger(slog.Default()),
	)
	return a, nil
}

// transportFactory builds the configured transport. Every thread gets its
// own client so a busy stream on one thread never blocks another.
func transportFactory(cfg *config.Config) gateway.TransportFactory {
	tc := &answer.Config{
		Endpoint:    cfg.Endpoint.URL,
		APIKey:      cfg.Endpoint.APIKey,
		Headers:     cfg.Endpoint.Headers,
		IdleTimeout: cfg.IdleTimeout(),
	}
	if cfg.Endpoint.Transport == "ws" {
		return func() answer.Transport { return ws.New(tc) }
	}
	return func() answer.Transport { return sse.New(tc) }
}

func retryPolicy(cfg *config.Config) *gateway.RetryPolicy {
	p := gateway.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond
	}
	if cfg.Retry.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond
	}
	return p
}
