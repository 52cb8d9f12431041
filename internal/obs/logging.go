package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/bundle-checkout/internal/common"
)

// NewLogger returns the process logger. format "console" or "text" selects
// the human-readable writer; anything else writes JSON.
func NewLogger(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("app", "bundle-checkout").Logger()
}

// RequestLogger writes one line per request. Server errors log at error
// level and client errors at warn; health checks and metric scrapes log at
// debug so they do not drown checkout traffic.
type RequestLogger struct {
	Logger zerolog.Logger
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := routeOf(r, r.URL.Path)
		flow := Flow(route)
		evt := l.event(flow, recorder.Status()).
			Str("method", r.Method).
			Str("route", route).
			Str("flow", flow).
			Int("status", recorder.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", recorder.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context()))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if ref := OrderRef(r.Context()); ref != "" {
			evt = evt.Str("order_ref", ref)
		}
		if ip := common.ClientIP(r); ip != "" {
			evt = evt.Str("client_ip", ip)
		}
		if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
			evt = evt.Str("user_agent", ua)
		}
		evt.Msg("http_request")
	})
}

func (l RequestLogger) event(flow string, status int) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return l.Logger.Error()
	case status >= http.StatusBadRequest:
		return l.Logger.Warn()
	case flow == "ops":
		return l.Logger.Debug()
	default:
		return l.Logger.Info()
	}
}
