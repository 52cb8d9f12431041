package security

import (
	"bytes"
	"io"
	"net/http"

	"github.com/noah-isme/bundle-checkout/internal/common"
)

// BodyLimit enforces a maximum request payload size. Bodies are buffered so
// handlers that verify signatures read exactly what the client sent.
type BodyLimit struct {
	Max int64
}

// Middleware rejects requests exceeding the configured limit with HTTP 413.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			tooLarge(w)
			return
		}
		buf, err := io.ReadAll(io.LimitReader(r.Body, b.Max+1))
		_ = r.Body.Close()
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read request body", nil)
			return
		}
		if int64(len(buf)) > b.Max {
			tooLarge(w)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request entity too large", nil)
}
