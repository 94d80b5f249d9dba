// Package gateway exposes the trust layer over HTTP: middleware that gates
// and authenticates inbound requests, and a management API for access
// policy administration.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/relaytrust/relaytrust/pkg/accessgate"
	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/logger"
	"github.com/relaytrust/relaytrust/pkg/store"
	"github.com/relaytrust/relaytrust/pkg/validator"
)

// IdentityContextKey is the key under which the validated identity is stored
// in the request context.
type IdentityContextKey struct{}

// IdentityFromContext returns the validated identity for the request, if the
// auth middleware admitted it.
func IdentityFromContext(ctx context.Context) (*validator.Result, bool) {
	res, ok := ctx.Value(IdentityContextKey{}).(*validator.Result)
	return res, ok
}

// MiddlewareConfig configures the auth middleware chain.
type MiddlewareConfig struct {
	// Realm is reported in WWW-Authenticate challenges, normally the issuer.
	Realm string

	// TrustProxyHeaders reads the client IP from X-Forwarded-For /
	// X-Real-IP. Only enable behind a trusted proxy.
	TrustProxyHeaders bool
}

// Middleware authenticates and gates inbound requests: bearer token
// validation, client enable/revocation state, then IP and time-window
// policy. Admitted requests carry the validated identity in their context.
type Middleware struct {
	cfg       MiddlewareConfig
	validator *validator.Validator
	gate      *accessgate.Gate
	tokens    store.TokenStore
}

// NewMiddleware builds the middleware. The token store may be nil when
// per-token revocation checks are not wanted.
func NewMiddleware(v *validator.Validator, gate *accessgate.Gate, tokens store.TokenStore, cfg MiddlewareConfig) *Middleware {
	return &Middleware{cfg: cfg, validator: v, gate: gate, tokens: tokens}
}

// Handler wraps next with the full inbound trust chain.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", m.buildWWWAuthenticate(false, ""))
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		res, err := m.validator.Validate(r.Context(), tokenString)
		if err != nil {
			// Could not reach a verdict; do not blame the caller's token.
			logger.Errorf("Token validation unavailable: %v", err)
			http.Error(w, "token validation unavailable", http.StatusServiceUnavailable)
			return
		}
		if !res.Valid {
			w.Header().Set("WWW-Authenticate", m.buildWWWAuthenticate(true, res.Reason))
			http.Error(w, fmt.Sprintf("Invalid token: %s", res.Reason), http.StatusUnauthorized)
			return
		}

		clientID := res.ClientID
		if clientID == "" {
			clientID = res.Subject
		}

		enabled, err := m.gate.IsClientEnabled(r.Context(), clientID)
		if err != nil {
			http.Error(w, "access policy unavailable", http.StatusServiceUnavailable)
			return
		}
		if !enabled {
			http.Error(w, "client is disabled", http.StatusForbidden)
			return
		}

		if m.tokens != nil && res.JTI != "" {
			revoked, err := m.tokens.IsTokenRevoked(r.Context(), res.JTI)
			if err != nil {
				http.Error(w, "access policy unavailable", http.StatusServiceUnavailable)
				return
			}
			if revoked {
				w.Header().Set("WWW-Authenticate", m.buildWWWAuthenticate(true, "token revoked"))
				http.Error(w, "Invalid token: token revoked", http.StatusUnauthorized)
				return
			}

			// Keep the token on record so a later bulk revocation of the
			// client catches it. A failed write never blocks the request.
			err = m.tokens.RecordToken(r.Context(), &store.TokenRecord{
				ID:        res.JTI,
				ClientID:  clientID,
				ExpiresAt: res.ExpiresAt,
			})
			if err != nil {
				logger.Warnf("Failed to record token %s for client %s: %v", res.JTI, clientID, err)
			}
		}

		decision, err := m.gate.Check(r.Context(), accessgate.CheckRequest{
			ClientID:  clientID,
			SourceIP:  m.sourceIP(r),
			TokenID:   res.JTI,
			UserAgent: r.UserAgent(),
			Path:      r.URL.Path,
		})
		if err != nil {
			http.Error(w, "access policy unavailable", http.StatusServiceUnavailable)
			return
		}
		if !decision.Allowed() {
			http.Error(w, fmt.Sprintf("access denied: %s", decision), http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), IdentityContextKey{}, res)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", false
	}
	return strings.TrimPrefix(authHeader, prefix), true
}

// buildWWWAuthenticate builds an RFC 6750 WWW-Authenticate value. It always
// includes the realm when configured; error fields are appended for rejected
// tokens.
func (m *Middleware) buildWWWAuthenticate(includeError bool, errDescription string) string {
	var parts []string
	if m.cfg.Realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(m.cfg.Realm)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}

// sourceIP derives the caller's address, honoring proxy headers only when
// configured to trust them.
func (m *Middleware) sourceIP(r *http.Request) string {
	if m.cfg.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError renders a structured error with the status appropriate to its
// type. Used by the management API handlers.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.IsConfiguration(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Errorf("Management request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
