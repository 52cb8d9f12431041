package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const idemPending = "pending"

// Idem provides an Idempotency-Key middleware backed by Redis. The first
// request for a key runs the handler; a completed response is stored and
// replayed for later requests with the same key and route.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

func hashKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ctx := r.Context()
		key := hashKey(r, header)
		ok, err := i.R.SetNX(ctx, key, idemPending, ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			if !completed {
				_ = i.R.Del(context.Background(), key).Err()
			}
		}()
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}
		encoded, err := json.Marshal(storedResponse{Status: rec.status, Body: rec.body.Bytes()})
		if err != nil {
			return
		}
		if err := i.R.Set(context.Background(), key, encoded, ttl).Err(); err == nil {
			completed = true
		}
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if err != nil || string(raw) == idemPending {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "request with this key is in progress", nil)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
