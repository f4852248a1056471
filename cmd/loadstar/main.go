package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"loadstar/internal/app"
	"loadstar/internal/config"
	"loadstar/internal/storage/sqlite"
)

type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "loadstar",
		Short:         "Remember destination folders and file move statistics",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newBookmarkCmd(opts),
		newFolderCmd(opts),
		newFlagCmd(opts),
		newExplorerCmd(opts),
		newMoveCmd(opts),
		newSweepCmd(opts),
		newListCmd(opts),
	)
	return root
}

func (o *rootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.DatabasePath = o.dbPath
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	o.cfg = cfg
	o.logger = newLogger(cfg.LogLevel)
	return nil
}

func (o *rootOptions) openStore() (*sqlite.Store, error) {
	store, err := sqlite.Open(o.cfg.DatabasePath, sqlite.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen  string
		noSweep bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the folder API and run scheduled liveness sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if noSweep {
				cfg.SweepOnStart = false
			}

			application, err := app.New(cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer application.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return application.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&noSweep, "no-startup-sweep", false, "skip the liveness sweep on start")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
