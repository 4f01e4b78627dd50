package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-otp-relay/cmd"
	"github.com/dhcgn/mail-otp-relay/config"
	"github.com/dhcgn/mail-otp-relay/imap"
	"github.com/dhcgn/mail-otp-relay/mbox"
	"github.com/dhcgn/mail-otp-relay/pop3"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/stats"
	"github.com/dhcgn/mail-otp-relay/telegram"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "otp-relay",
		Short:        "Watch a mailbox and relay one-time codes to Telegram",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting otp-relay", "source", cfg.Source, "host", cfg.Host, "user", cfg.User, "dryRun", cfg.DryRun, "state", cfg.StateBackend)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	scanCmd, err := cmd.NewScanCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register scan flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(scanCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger, cfg.StatsInterval)

	switch cfg.Source {
	case config.SourcePOP3:
		opts := pop3.Options{
			Host:               cfg.Host,
			Port:               cfg.Port,
			Username:           cfg.User,
			Password:           cfg.Pass,
			UseTLS:             cfg.UseTLS,
			AllowPlain:         cfg.AllowPlain,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			PollInterval:       cfg.PollInterval,
			ReconnectEvery:     cfg.ReconnectEvery,
			StartupLastN:       cfg.StartupLastN,
			MaxPerPoll:         cfg.MaxPerPoll,
		}
		if _, err := pop3.NewSource(opts, r, logger); err != nil {
			return fmt.Errorf("pop3.NewSource: %w", err)
		}
	case config.SourceIMAP:
		opts := imap.Options{
			Host:               cfg.Host,
			Port:               cfg.Port,
			Username:           cfg.User,
			Password:           cfg.Pass,
			Mailbox:            cfg.Mailbox,
			UseTLS:             cfg.UseTLS,
			StartTLS:           cfg.StartTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			PollInterval:       cfg.PollInterval,
			IdleKeepalive:      cfg.IdleKeepalive,
			ForcePoll:          cfg.ForcePoll,
			StartupLastN:       cfg.StartupLastN,
			MaxPerPoll:         cfg.MaxPerPoll,
		}
		if _, err := imap.NewSource(opts, r, logger); err != nil {
			return fmt.Errorf("imap.NewSource: %w", err)
		}
	case config.SourceMbox:
		if _, err := mbox.NewProducer(mbox.Options{Path: cfg.MboxPath}, r, logger); err != nil {
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}
	default:
		return fmt.Errorf("unknown source %q", cfg.Source)
	}

	var sender telegram.Sender
	if !cfg.DryRun {
		client, err := telegram.NewClient(telegram.Options{
			Token: cfg.TelegramToken,
			API:   cfg.TelegramAPI,
			Proxy: cfg.TelegramProxy,
		})
		if err != nil {
			return fmt.Errorf("telegram.NewClient: %w", err)
		}
		sender = client
	}

	relayerOpts := telegram.RelayerOptions{
		ChatID:         cfg.TelegramChatID,
		Gap:            cfg.ChatGap,
		Location:       cfg.Location,
		LatestCodeFile: cfg.LatestCodeFile,
		DryRun:         cfg.DryRun,
	}
	if cfg.StartupNotice {
		relayerOpts.StartupNotice = startupNotice(cfg)
	}
	if _, err := telegram.NewRelayer(relayerOpts, sender, r, logger); err != nil {
		return fmt.Errorf("telegram.NewRelayer: %w", err)
	}

	return r.Start()
}

func startupNotice(cfg config.Config) string {
	if cfg.Source == config.SourceMbox {
		return fmt.Sprintf("✅ OTP relay started (mbox %s)", filepath.Base(cfg.MboxPath))
	}
	return fmt.Sprintf("✅ OTP relay started (%s %s)", cfg.Source, cfg.User)
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	cleanup := func() error { return nil }
	var w io.Writer = os.Stdout

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("otp-relay-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		w = io.MultiWriter(os.Stdout, file)
		cleanup = file.Close
	}

	return slog.New(newHandler(w, cfg.LogFormat, level)), cleanup, nil
}

func newHandler(w io.Writer, format string, level *slog.LevelVar) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "pretty":
		logger := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			Prefix:          "otp-relay",
			Level:           charmlog.Level(level.Level()),
		})
		return logger
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
}
