package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stevencarpenter/pp-bot/internal/abuse"
	"github.com/stevencarpenter/pp-bot/internal/config"
	"github.com/stevencarpenter/pp-bot/internal/health"
	"github.com/stevencarpenter/pp-bot/internal/maintenance"
	"github.com/stevencarpenter/pp-bot/internal/metrics"
	"github.com/stevencarpenter/pp-bot/internal/ops"
	slackpkg "github.com/stevencarpenter/pp-bot/internal/slack"
	"github.com/stevencarpenter/pp-bot/internal/store"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("ops_addr", cfg.OpsListenAddr).
		Str("mode", cfg.EnforcementMode).
		Msg("starting pp-bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	db, err := store.New(ctx, cfg.DatabaseURL, logger, store.WithRetryObserver(m.RecordDBRetry))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	controller := abuse.NewController(abuse.Config{
		AllowedChannelIDs:    abuse.ParseAllowedChannels(cfg.AllowedChannelIDs),
		MaxTargetsPerMessage: cfg.MaxTargetsPerMessage,
		UserRatePerMinute:    cfg.UserRatePerMinute,
		ChannelRatePerMinute: cfg.ChannelRatePerMinute,
		PairCooldownSeconds:  cfg.PairCooldownSeconds,
		DailyDownvoteLimit:   cfg.DailyDownvoteLimit,
		Mode:                 abuse.Mode(cfg.EnforcementMode),
	})

	checker := health.NewChecker(logger)
	checker.Register("postgres", health.PostgresCheck(db))

	sweeper := maintenance.New(maintenance.Config{
		Enabled:                  cfg.MaintenanceEnabled,
		DedupeRetentionDays:      cfg.DedupeRetentionDays,
		VoteHistoryRetentionDays: cfg.VoteHistoryRetentionDays,
	}, db, m, logger)
	sweeper.Schedule(ctx)

	handler := slackpkg.NewHandler(logger, controller, db, m)
	app, err := slackpkg.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, logger, handler)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init Slack app")
	}

	opsServer := ops.NewServer(cfg.OpsListenAddr, checker, m, db, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("slack socket mode error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if err := opsServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("pp-bot stopped")
}
