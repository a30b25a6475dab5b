package observability

import (
	"net"
	"net/http"
	"strings"
)

// RequestMeta carries the per-request identity fields attached to broker
// events and audit entries.
type RequestMeta struct {
	RequestID string
	DeviceID  string
	ClientIP  string
}

// MetaFromRequest extracts correlation headers and the client address.
// X-Forwarded-For wins over RemoteAddr when a proxy set it.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		RequestID: r.Header.Get("X-Request-Id"),
		DeviceID:  r.Header.Get("X-Device-Id"),
		ClientIP:  clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
