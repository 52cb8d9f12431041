package obs

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// requestTags holds what handlers learn about a request while serving it, so
// the outer logging, tracing and metrics layers can report it afterwards.
type requestTags struct {
	mu       sync.Mutex
	orderRef string
}

type tagsKey struct{}

// Tags installs the per-request tag holder. Mount it before the logging,
// tracing and metrics middleware.
func Tags(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(tagsKey{}).(*requestTags); ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), tagsKey{}, &requestTags{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TagOrder records the order reference a handler resolved. It does nothing
// when the request did not pass through Tags.
func TagOrder(ctx context.Context, ref string) {
	if ctx == nil || ref == "" {
		return
	}
	if t, ok := ctx.Value(tagsKey{}).(*requestTags); ok {
		t.mu.Lock()
		t.orderRef = ref
		t.mu.Unlock()
	}
}

// OrderRef returns the order reference tagged on ctx, if any.
func OrderRef(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	t, ok := ctx.Value(tagsKey{}).(*requestTags)
	if !ok {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orderRef
}

// routeOf returns the chi pattern matched for r. The pattern is complete only
// once routing has finished, so callers read it after next.ServeHTTP.
func routeOf(r *http.Request, fallback string) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return fallback
}

// Flow names the part of the purchase flow a route belongs to.
func Flow(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v1/checkout"):
		return "checkout"
	case strings.HasPrefix(route, "/api/v1/orders"):
		return "order_status"
	case strings.HasPrefix(route, "/api/v1/webhooks"):
		return "webhook"
	case strings.HasPrefix(route, "/health"), strings.HasPrefix(route, "/debug"), route == "/metrics":
		return "ops"
	default:
		return "other"
	}
}
