package validator

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Result is the outcome of validating one inbound token. Valid is false for
// any token the gateway must reject; Reason says why.
type Result struct {
	// Valid reports whether the token passed every check.
	Valid bool

	// Active mirrors the introspection "active" flag. For JWT validation it
	// equals Valid.
	Active bool

	// Subject is the token subject (sub claim).
	Subject string

	// ClientID is the OAuth client the token was issued to, when the
	// provider exposes it (client_id claim or azp).
	ClientID string

	// Scopes are the granted scopes.
	Scopes []string

	// ExpiresAt is the token expiry, zero when the provider omitted it.
	ExpiresAt time.Time

	// IssuedAt is the token issue time, zero when omitted.
	IssuedAt time.Time

	// Issuer is the iss claim.
	Issuer string

	// Audience is the aud claim.
	Audience []string

	// JTI is the token identifier claim.
	JTI string

	// Reason explains a rejection. Empty for valid tokens.
	Reason string

	// Claims are the full decoded claims.
	Claims jwt.MapClaims
}

// HasScope reports whether the token carries the scope.
func (r *Result) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// rejected builds an invalid result with a reason.
func rejected(reason string) *Result {
	return &Result{Valid: false, Active: false, Reason: reason}
}

// resultFromClaims builds a Result from validated claims.
func resultFromClaims(claims jwt.MapClaims) *Result {
	r := &Result{
		Valid:  true,
		Active: true,
		Claims: claims,
		Scopes: scopesFromClaims(claims),
	}
	if sub, err := claims.GetSubject(); err == nil {
		r.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		r.Issuer = iss
	}
	if aud, err := claims.GetAudience(); err == nil {
		r.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		r.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		r.IssuedAt = iat.Time
	}
	if clientID, ok := claims["client_id"].(string); ok {
		r.ClientID = clientID
	} else if azp, ok := claims["azp"].(string); ok {
		r.ClientID = azp
	}
	if jti, ok := claims["jti"].(string); ok {
		r.JTI = jti
	}
	return r
}

// scopesFromClaims extracts scopes from the first populated of the scope
// (space-delimited string), scp, and scopes claims. Providers disagree on
// which one they emit.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok && s != "" {
		return strings.Fields(s)
	}
	for _, key := range []string{"scp", "scopes"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return strings.Fields(v)
			}
		case []any:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}
