package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/billingkit/eventq"
	"github.com/billingkit/eventq/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries the global flags shared by every command
type app struct {
	configPath string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "eventq",
		Short: "Operate the eventq billing message queue",
		Long: `eventq inspects and operates the billing event queues: queue statistics,
manual publishing, dead-letter draining and redriving, and the monitoring server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		a.serveCommand(),
		a.statsCommand(),
		a.publishCommand(),
		a.dlqCommand(),
	)
	return rootCmd
}

// load reads the configuration and builds the logger
func (a *app) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(a.stderr, opts)
	} else {
		handler = slog.NewTextHandler(a.stderr, opts)
	}
	return cfg, slog.New(handler), nil
}

// connect loads the configuration and opens a client
func (a *app) connect(ctx context.Context, options ...eventq.ClientOption) (*eventq.Client, *config.Config, *slog.Logger, error) {
	cfg, logger, err := a.load()
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := eventq.NewClientFromConfig(ctx, cfg, append([]eventq.ClientOption{eventq.WithLogger(logger)}, options...)...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, cfg, logger, nil
}
