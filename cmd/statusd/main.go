package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/config"
	"github.com/wa-bridge/statussync/internal/telemetry"
)

type rootOptions struct {
	configPath string
	port       int
	host       string
	registry   string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "statusd",
		Short:         "Session connection-status server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (defaults when empty)")
	root.PersistentFlags().IntVar(&opts.port, "port", 0, "override server.port")
	root.PersistentFlags().StringVar(&opts.host, "host", "", "override server.host")
	root.PersistentFlags().StringVar(&opts.registry, "registry", "", "override registry.path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(cfg.Logging, "")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: listening on %s, registry %s\n", cfg.Addr(), cfg.Registry.Path)
			return nil
		},
	}
}

// load reads the config file and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	if o.host != "" {
		cfg.Server.Host = o.host
	}
	if o.registry != "" {
		cfg.Registry.Path = o.registry
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
