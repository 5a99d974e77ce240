package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/app"
	"github.com/wa-bridge/statussync/internal/client"
	"github.com/wa-bridge/statussync/internal/config"
	"github.com/wa-bridge/statussync/internal/hook"
	"github.com/wa-bridge/statussync/internal/notify"
	"github.com/wa-bridge/statussync/internal/telemetry"
)

type watchOptions struct {
	url            string
	user           string
	token          string
	session        string
	reconnectDelay time.Duration
	plain          bool
	logFile        string
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:           "statuswatch",
		Short:         "Watch the connection status of a user's sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.user == "" {
				return errors.New("--user is required")
			}
			return watch(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "http://127.0.0.1:8080", "base URL of the status server")
	f.StringVar(&opts.user, "user", "", "user id to watch")
	f.StringVar(&opts.token, "token", os.Getenv("STATUSSYNC_TOKEN"), "auth token (if the server requires one)")
	f.StringVar(&opts.session, "session", "", "session to select on start")
	f.DurationVar(&opts.reconnectDelay, "reconnect-delay", hook.DefaultReconnectDelay, "wait before reopening a dropped stream")
	f.BoolVar(&opts.plain, "plain", false, "print notifications to stdout instead of the TUI")
	f.StringVar(&opts.logFile, "log-file", "", "write logs to this file (discarded when empty)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func watch(parent context.Context, opts *watchOptions, stdout io.Writer) error {
	logger := zap.NewNop()
	if opts.logFile != "" {
		l, err := telemetry.NewLogger(config.LoggingConfig{Level: opts.logLevel}, opts.logFile)
		if err != nil {
			return err
		}
		logger = l
		defer func() { _ = logger.Sync() }()
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := client.NewHTTPClient(opts.url, opts.token)
	dialer := client.NewStreamDialer(opts.url, opts.token)

	var (
		sinks []notify.Sink
		feed  *app.FeedSink
	)
	if opts.plain {
		sinks = append(sinks, notify.NewWriterSink(stdout))
	} else {
		feed = app.NewFeedSink(64)
		sinks = append(sinks, feed)
	}
	sinks = append(sinks, notify.LogSink{Logger: logger.Named("notification")})

	h := hook.New(hook.Options{
		UserID:        opts.user,
		ActiveSession: opts.session,
		Poller:        httpClient,
		Dialer: hook.DialFunc(func(ctx context.Context, userID string) (hook.Stream, error) {
			st, err := dialer.Dial(ctx, userID)
			if err != nil {
				return nil, err
			}
			return st, nil
		}),
		Notifier:       notify.NewDispatcher(logger, sinks...),
		ReconnectDelay: opts.reconnectDelay,
		Logger:         logger,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := h.Run(runCtx); err != nil {
			logger.Error("hook stopped", zap.Error(err))
		}
	}()

	if opts.plain {
		fmt.Fprintf(stdout, "watching %s on %s\n", opts.user, opts.url)
		<-ctx.Done()
		stop()
		<-h.Done()
		return nil
	}

	p := tea.NewProgram(app.New(ctx, h, httpClient, feed.C()), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	stop()
	<-h.Done()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
