package ip

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/uptrace/bunrouter"
)

type ipCtxKey struct{}

// UnknownIP is returned when no valid IP can be determined.
const UnknownIP = "unknown"

// FromContext retrieves the client IP from the context.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ipCtxKey{}).(string); ok {
		return ip
	}

	return UnknownIP
}

// Middleware resolves the client IP and stores it in the request context.
type Middleware struct {
	trustForwarded bool
}

// New creates a new IP middleware. Forwarding headers are only honored when
// trustForwarded is set.
func New(trustForwarded bool) *Middleware {
	return &Middleware{trustForwarded: trustForwarded}
}

// AsRESTMiddleware returns a bunrouter middleware handler.
func (m *Middleware) AsRESTMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		ctx := context.WithValue(req.Context(), ipCtxKey{}, m.clientIP(req.Request))
		return next(w, req.WithContext(ctx))
	}
}

// clientIP extracts the client IP from the request.
func (m *Middleware) clientIP(r *http.Request) string {
	if m.trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}

		if realIP := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != nil {
			return realIP.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}

	return UnknownIP
}
