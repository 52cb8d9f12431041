package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller's address. Forwarding headers are honoured only
// when the direct peer is a loopback or private address, i.e. a proxy we run;
// a public peer cannot spoof its way past an allowlist with X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	peer := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !trustedProxy(peer) {
		return peer
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

func trustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
