package app

import (
	"context"
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bundle-checkout/internal/config"
	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/lock"
	"github.com/noah-isme/bundle-checkout/internal/obs"
	"github.com/noah-isme/bundle-checkout/internal/payment"
	"github.com/noah-isme/bundle-checkout/internal/resilience"
)

// Dependencies enumerates the connections shared by the api and worker processes.
type Dependencies struct {
	DB      *pgxpool.Pool
	Queries *db.Queries
	Redis   *redis.Client
	Tasks   *asynq.Client
	TaskOpt asynq.RedisConnOpt
	Locker  lock.Locker
}

// Open connects to Postgres, Redis and the task queue. Migrations run first
// when cfg.MigrateOnStart is set.
func Open(ctx context.Context, cfg *config.Config, name string, logger zerolog.Logger) (*Dependencies, error) {
	if cfg.MigrateOnStart {
		if err := RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations_applied")
	}
	pool, err := NewPool(ctx, cfg.DatabaseURL, name)
	if err != nil {
		return nil, err
	}
	rdb, err := NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	taskOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("parse task queue url: %w", err)
	}
	return &Dependencies{
		DB:      pool,
		Queries: db.New(pool),
		Redis:   rdb,
		Tasks:   asynq.NewClient(taskOpt),
		TaskOpt: taskOpt,
		Locker:  lock.Locker{R: rdb, RetryBackoff: cfg.LockRetryBackoff},
	}, nil
}

// Close releases every connection. It is safe on a partially built value.
func (d *Dependencies) Close(logger zerolog.Logger) {
	if d == nil {
		return
	}
	if d.Tasks != nil {
		if err := d.Tasks.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// NewPool opens a traced pgx pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL, name string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = name
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens an instrumented Redis client and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RunMigrations applies the embedded schema. An up-to-date database is not an error.
func RunMigrations(databaseURL string) error {
	m, err := db.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// NewCryptomus builds the invoice client behind the retrying, circuit-broken transport.
func NewCryptomus(cfg *config.Config, logger zerolog.Logger) (*payment.Cryptomus, error) {
	breaker := resilience.NewBreaker(cfg.Retry.CircuitMinRequests, cfg.Retry.CircuitFailureRate, cfg.Retry.CircuitOpenFor).
		WithTarget(payment.ProviderCryptomus).
		WithLogger(logger)
	client := resilience.HTTPClient{
		Client:      resilience.NewTransportClient(cfg.Cryptomus.Timeout * 4),
		Breaker:     breaker,
		BaseBackoff: cfg.Retry.Base,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Jitter:      cfg.Retry.JitterPercent / 100,
		Timeout:     cfg.Cryptomus.Timeout,
		Retry:       resilience.RetryTransient,
		Target:      payment.ProviderCryptomus,
		Logger:      &logger,
	}
	return payment.NewCryptomus(payment.CryptomusConfig{
		BaseURL:     cfg.Cryptomus.BaseURL,
		MerchantID:  cfg.Cryptomus.MerchantID,
		APIKey:      cfg.Cryptomus.APIKey,
		Lifetime:    cfg.Cryptomus.Lifetime,
		Subtract:    cfg.Cryptomus.Subtract,
		Description: cfg.Cryptomus.Description,
	}, client, logger)
}

// InitTracing installs the OTLP tracer provider when enabled. The returned
// shutdown func is never nil.
func InitTracing(ctx context.Context, cfg *config.Config, service string, logger zerolog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Tracing.Enabled {
		return noop
	}
	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName: service,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Provider:    "cryptomus",
		Environment: cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		return noop
	}
	return shutdown
}

// TaskLogger adapts zerolog to asynq.Logger.
type TaskLogger struct {
	Logger zerolog.Logger
}

func (l TaskLogger) Debug(args ...interface{}) { l.Logger.Debug().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Info(args ...interface{})  { l.Logger.Info().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Warn(args ...interface{})  { l.Logger.Warn().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Error(args ...interface{}) { l.Logger.Error().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Fatal(args ...interface{}) { l.Logger.Fatal().Msg(fmt.Sprint(args...)) }

var _ asynq.Logger = TaskLogger{}
