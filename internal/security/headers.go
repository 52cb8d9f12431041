package security

import (
	"net/http"
	"strconv"
)

// Headers configures security headers for a JSON API.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// NoStore marks responses uncacheable. Order views and access tokens
	// must not end up in shared caches.
	NoStore bool
}

// Middleware attaches the headers to each response.
func (h Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Enable {
			next.ServeHTTP(w, r)
			return
		}
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		headers.Set("Cross-Origin-Resource-Policy", "same-site")
		if h.NoStore {
			headers.Set("Cache-Control", "no-store")
		}
		if h.EnableHSTS && (r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https") {
			maxAge := h.HSTSMaxAge
			if maxAge <= 0 {
				maxAge = 31536000
			}
			value := "max-age=" + strconv.Itoa(maxAge)
			if h.HSTSIncludeSubdomains {
				value += "; includeSubDomains"
			}
			headers.Set("Strict-Transport-Security", value)
		}
		next.ServeHTTP(w, r)
	})
}
