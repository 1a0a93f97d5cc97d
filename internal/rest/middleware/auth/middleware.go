package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"
)

// Middleware checks the bearer token on trigger endpoints.
type Middleware struct {
	token  string
	logger *zap.Logger
}

// New creates a new auth middleware. An empty token allows every request.
func New(token string, logger *zap.Logger) *Middleware {
	if token == "" {
		logger.Warn("API auth token is not configured, trigger endpoints are open to anyone who can reach them")
	}

	return &Middleware{
		token:  token,
		logger: logger,
	}
}

// Enabled reports whether requests must carry a token.
func (m *Middleware) Enabled() bool {
	return m.token != ""
}

// AsRESTMiddleware returns a bunrouter middleware handler.
func (m *Middleware) AsRESTMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		if m.token == "" {
			return next(w, req)
		}

		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(m.token)) != 1 {
			m.logger.Debug("Rejected unauthenticated request",
				zap.String("path", req.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="rolesync"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, err := w.Write([]byte(`{"error":"unauthorized"}`))

			return err
		}

		return next(w, req)
	}
}
