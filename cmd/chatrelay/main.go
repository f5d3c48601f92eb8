// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatrelay/admission"
	"github.com/bureau-foundation/chatrelay/bot"
	"github.com/bureau-foundation/chatrelay/fragment"
	"github.com/bureau-foundation/chatrelay/history"
	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/config"
	"github.com/bureau-foundation/chatrelay/lib/llm"
	"github.com/bureau-foundation/chatrelay/lib/metrics"
	"github.com/bureau-foundation/chatrelay/lib/notes"
	"github.com/bureau-foundation/chatrelay/lib/process"
	"github.com/bureau-foundation/chatrelay/lib/sqlitepool"
	"github.com/bureau-foundation/chatrelay/lib/version"
	"github.com/bureau-foundation/chatrelay/messaging"
	"github.com/bureau-foundation/chatrelay/platform/matrix"
	"github.com/bureau-foundation/chatrelay/turn"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		envFile     string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("chatrelay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the configuration file (default: $CHATRELAY_CONFIG)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("chatrelay")
		return nil
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := newLogger(os.Stderr, cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, clock.Real(), logger)
}

func newLogger(output io.Writer, settings config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch settings.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if settings.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, options))
	}
	return slog.New(slog.NewTextHandler(output, options))
}

// serve wires the relay together and runs it until ctx ends.
func serve(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collected := metrics.New(registry)

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL:     cfg.Matrix.Homeserver,
		RequestsPerSecond: cfg.Matrix.RequestsPerSecond,
		Burst:             cfg.Matrix.Burst,
		Clock:             clk,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	session, err := client.SessionFromToken(cfg.Matrix.UserID, cfg.Matrix.AccessToken)
	if err != nil {
		return err
	}
	userID, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("checking access token: %w", err)
	}
	if userID != cfg.Matrix.UserID {
		return fmt.Errorf("access token belongs to %s, not %s", userID, cfg.Matrix.UserID)
	}
	botName, err := session.GetDisplayName(ctx, userID)
	if err != nil {
		logger.Warn("reading bot display name failed", "error", err)
	}

	adapter, err := matrix.New(matrix.Config{Session: session, BotName: botName, Logger: logger})
	if err != nil {
		return err
	}

	primary, err := newModel(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("primary model: %w", err)
	}
	var secondary *turn.Model
	if cfg.Secondary.Enabled {
		model, err := newModel(ctx, cfg.Secondary.ModelConfig)
		if err != nil {
			return fmt.Errorf("secondary model: %w", err)
		}
		secondary = &model
	}

	var store *notes.Store
	if cfg.Notes.Enabled {
		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:   cfg.Notes.DatabasePath,
			Schema: notes.Schema,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("opening notes database: %w", err)
		}
		defer pool.Close()
		store, err = notes.New(notes.Config{
			Pool:      pool,
			Condenser: primary.Provider,
			Model:     cfg.Model.Model,
			MaxLength: cfg.Notes.MaxLength,
			Clock:     clk,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
	}

	var limiter, secondaryLimiter *admission.Limiter
	if cfg.Limits.Enabled {
		limiter = admission.New(admission.Config{
			User:   admission.Rule(cfg.Limits.User),
			Global: admission.Rule(cfg.Limits.Global),
			Clock:  clk,
		})
		secondaryLimiter = admission.New(admission.Config{
			User:   admission.Rule(cfg.Limits.SecondaryUser),
			Global: admission.Rule(cfg.Limits.SecondaryGlobal),
			Clock:  clk,
		})
	}

	cache := fragment.New(fragment.Config{Capacity: cfg.Cache.Capacity, Metrics: collected, Logger: logger})
	assembler, err := history.New(history.Config{Platform: adapter, Cache: cache, Metrics: collected, Logger: logger})
	if err != nil {
		return err
	}
	controller, err := turn.New(turn.Config{
		Platform:         adapter,
		Cache:            cache,
		History:          assembler,
		Limiter:          limiter,
		SecondaryLimiter: secondaryLimiter,
		Primary:          primary,
		Secondary:        secondary,
		Signal:           cfg.Secondary.Signal,
		NotifyEscalation: cfg.Secondary.NotifyUser,
		Notes:            store,
		NotesSettings:    cfg.Notes,
		SystemPrompt:     cfg.SystemPrompt,
		HistoryLimits:    cfg.History,
		Stream:           cfg.Stream,
		Clock:            clk,
		Metrics:          collected,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	intake, err := bot.New(bot.Config{
		Session:        session,
		Events:         adapter,
		Platform:       adapter,
		Turns:          controller,
		Notes:          store,
		NotesMaxLength: cfg.Notes.MaxLength,
		Permissions:    cfg.Permissions,
		AutoJoin:       cfg.Matrix.AutoJoin,
		Rich:           cfg.Stream.Rich,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	statusDone := make(chan error, 1)
	if cfg.Metrics.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Metrics.Listen, err)
		}
		handler := metrics.Handler(registry, func() error { return ctx.Err() })
		go func() { statusDone <- metrics.Serve(ctx, listener, handler, logger) }()
	} else {
		statusDone <- nil
	}

	logger.Info("chatrelay starting",
		"version", version.Info(),
		"user_id", userID,
		"model", cfg.Model.Model,
		"secondary", cfg.Secondary.Enabled,
		"notes", cfg.Notes.Enabled,
	)
	runErr := intake.Run(ctx)
	cancel()
	if statusErr := <-statusDone; statusErr != nil && runErr == nil {
		runErr = statusErr
	}
	logger.Info("chatrelay stopped")
	return runErr
}

func newModel(ctx context.Context, settings config.ModelConfig) (turn.Model, error) {
	provider, err := llm.NewProvider(ctx, llm.ProviderConfig{
		Variant: settings.Variant(),
		BaseURL: settings.BaseURL,
		APIKey:  settings.APIKey,
	})
	if err != nil {
		return turn.Model{}, err
	}
	return turn.Model{Provider: provider, Settings: settings}, nil
}
