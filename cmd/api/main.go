package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/bundle-checkout/internal/app"
	"github.com/noah-isme/bundle-checkout/internal/checkout"
	"github.com/noah-isme/bundle-checkout/internal/common"
	"github.com/noah-isme/bundle-checkout/internal/config"
	"github.com/noah-isme/bundle-checkout/internal/events"
	"github.com/noah-isme/bundle-checkout/internal/health"
	"github.com/noah-isme/bundle-checkout/internal/obs"
	"github.com/noah-isme/bundle-checkout/internal/order"
	"github.com/noah-isme/bundle-checkout/internal/payment"
	"github.com/noah-isme/bundle-checkout/internal/ratelimit"
	"github.com/noah-isme/bundle-checkout/internal/security"
)

const serviceName = "bundle-checkout-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "checkout")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

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

	cryptomus, err := app.NewCryptomus(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise cryptomus")
	}

	tokens := order.Tokens{
		Secret: []byte(cfg.OrderTokenSecret),
		TTL:    cfg.OrderTokenTTL,
		Issuer: serviceName,
	}

	publisher := &events.Publisher{
		Queue:     deps.Tasks,
		Store:     deps.Queries,
		MaxRetry:  10,
		Retention: 24 * time.Hour,
		Logger:    logger,
	}
	relay := events.Relay{
		Store:     deps.Queries,
		Publisher: publisher,
		Locker:    deps.Locker,
		LockTTL:   cfg.LockTTL,
		Interval:  cfg.OutboxRelayInterval,
		Batch:     100,
		Logger:    logger.With().Str("component", "outbox-relay").Logger(),
	}

	checkoutSvc := &checkout.Service{
		Store: deps.Queries,
		Issuer: payment.Issuer{
			Creator:           cryptomus,
			Provider:          payment.ProviderCryptomus,
			FallbackBaseURL:   cfg.PaymentFallbackURL,
			FallbackRecipient: cfg.PaymentFallbackRecipient,
			Logger:            logger,
		},
		Tokens: tokens,
		Config: checkout.Config{
			Price:             cfg.Bundle.Price,
			Currency:          cfg.Bundle.Currency,
			ReturnURL:         cfg.ReturnURL(),
			CallbackURL:       cfg.CallbackURL(),
			GumroadProductURL: cfg.GumroadProductURL,
		},
		Logger: logger,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}
	orderHandler := order.Handler{Orders: deps.Queries, Tokens: tokens}

	paymentStore := payment.PGStore{Pool: deps.DB, Q: deps.Queries}
	webhookHandler := payment.Webhook{
		Verifier: cryptomus,
		Reconciler: payment.Reconciler{
			Store:     paymentStore,
			Publisher: publisher,
			Logger:    logger,
		},
		Audit:      paymentStore,
		Replay:     deps.Redis,
		ReplayTTL:  cfg.Webhook.ReplayTTL,
		AllowedIPs: cfg.Webhook.AllowedIPs,
		MaxBytes:   cfg.Webhook.MaxBytes,
		Logger:     logger,
	}

	limiterStore, err := ratelimit.NewStore(deps.Redis, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	checkoutLimit := ratelimit.New(limiterStore, ratelimit.Config{
		Key:    ratelimit.ByClientIP("checkout"),
		Window: cfg.CheckoutRateWindow,
		Max:    cfg.CheckoutRateLimit,
	})
	checkoutLimit.OnError = func(err error) {
		logger.Warn().Err(err).Msg("rate_limit_unavailable")
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.Tags)
	if cfg.Tracing.Enabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.IsProduction(), HSTSIncludeSubdomains: true, NoStore: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Idempotent-Replayed", "Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{DB: deps.DB, Redis: deps.Redis},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.With(
			checkoutLimit.Middleware,
			security.BodyLimit{Max: 16 << 10}.Middleware,
			idem.Middleware,
		).Post("/checkout", checkoutHandler.Checkout)
		v.Get("/orders/{orderId}", orderHandler.Get)
		v.Post("/webhooks/cryptomus", webhookHandler.Handle)
	})

	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("outbox relay stopped")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
