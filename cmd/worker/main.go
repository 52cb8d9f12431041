package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/bundle-checkout/internal/app"
	"github.com/noah-isme/bundle-checkout/internal/config"
	"github.com/noah-isme/bundle-checkout/internal/events"
	"github.com/noah-isme/bundle-checkout/internal/notify"
	"github.com/noah-isme/bundle-checkout/internal/obs"
)

const serviceName = "bundle-checkout-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "checkout"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := app.InitTracing(ctx, cfg, serviceName, logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Open(bootCtx, cfg, serviceName, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close(logger)

	notifier := notify.EmailNotifier{
		Mail:         notify.LogSender{From: cfg.NotifyEmailFrom, Logger: logger},
		Enabled:      cfg.NotifyEmailEnabled,
		DownloadURL:  cfg.DownloadURL,
		SupportEmail: cfg.SupportEmail,
		TopicToggles: topicToggles(),
		Sent:         notify.RedisLedger{Client: deps.Redis, Prefix: "checkout"},
		SentTTL:      envDurationHours("NOTIFY_REPLAY_TTL_HOURS", 24*7),
		Logger:       logger,
	}

	relay := events.Relay{
		Store: deps.Queries,
		Publisher: &events.Publisher{
			Queue:     deps.Tasks,
			Store:     deps.Queries,
			MaxRetry:  10,
			Retention: 24 * time.Hour,
			Logger:    logger,
		},
		Locker:   deps.Locker,
		LockTTL:  cfg.LockTTL,
		Interval: cfg.OutboxRelayInterval,
		Batch:    100,
		Logger:   logger.With().Str("component", "outbox-relay").Logger(),
	}
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("outbox relay stopped")
		}
	}()

	srv := asynq.NewServer(deps.TaskOpt, asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Logger:          app.TaskLogger{Logger: logger},
		ShutdownTimeout: 10 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task_failed")
		}),
	})
	if err := srv.Start(notify.NewServeMux(notifier)); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// topicToggles reads NOTIFY_EMAIL_TOPICS, a comma-separated list of enabled
// topics. Empty enables every topic.
func topicToggles() map[string]bool {
	raw := envOrDefault("NOTIFY_EMAIL_TOPICS", "")
	if raw == "" {
		return nil
	}
	toggles := make(map[string]bool, len(events.DefaultTopics()))
	for _, topic := range events.DefaultTopics() {
		toggles[topic] = false
	}
	for _, topic := range strings.Split(raw, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			toggles[topic] = true
		}
	}
	return toggles
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envDurationHours(key string, fallback int) time.Duration {
	hours := fallback
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	return time.Duration(hours) * time.Hour
}
