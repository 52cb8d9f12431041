package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/bundle-checkout/internal/common"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces rate limits before delegating to the next handler.
type Handler struct {
	Limiter *limiter.Limiter
	Config  Config
	OnError func(error)
}

// NewStore returns a Redis backed store, or an in-process one when client is nil.
func NewStore(client *redis.Client, prefix string) (limiter.Store, error) {
	if client == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute}), nil
	}
	return limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix, MaxRetry: 3})
}

// New builds a Handler allowing cfg.Max requests per cfg.Window for each key.
func New(store limiter.Store, cfg Config) Handler {
	rate := limiter.Rate{Period: cfg.Window, Limit: int64(cfg.Max)}
	return Handler{Limiter: limiter.New(store, rate), Config: cfg}
}

// ByClientIP keys requests by the resolved client address.
func ByClientIP(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		return scope + ":" + common.ClientIP(r)
	}
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil || h.Config.Key == nil || h.Config.Max <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		state, err := h.Limiter.Get(r.Context(), h.Config.Key(r))
		if err != nil {
			if h.OnError != nil && r.Context().Err() != context.Canceled {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(state.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(state.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(state.Reset, 10))

		if state.Reached {
			retryAfter := int(time.Until(time.Unix(state.Reset, 0)).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
