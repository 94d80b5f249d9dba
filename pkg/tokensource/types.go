// Package tokensource obtains, caches, and proactively refreshes
// client-credential tokens used when the gateway calls a downstream server.
//
// A Manager owns the token cache. Entries are keyed by
// (clientID, hash(authServerURL), scope) and are never served once the
// refresh buffer has been consumed; a scheduled per-key refresh task replaces
// each entry shortly before that point so steady-state callers never pay for
// a network fetch.
package tokensource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/relaytrust/relaytrust/pkg/errors"
)

// defaultExpiresIn is assumed when a provider omits expires_in.
const defaultExpiresIn = 3600

// TokenRequest describes a client-credentials grant against one
// authorization server.
type TokenRequest struct {
	// AuthServerURL is the token endpoint of the authorization server.
	AuthServerURL string

	// ClientID is the OAuth client identifier.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// Scope is the requested scope string (space-delimited).
	Scope string

	// Audience is an optional audience parameter.
	Audience string

	// ExtraParams are optional additional form parameters.
	ExtraParams map[string]string
}

// Validate checks that the request carries everything a fetch needs.
func (r TokenRequest) Validate() error {
	if r.AuthServerURL == "" {
		return errors.NewConfigurationError("token request missing authorization server URL", nil)
	}
	if r.ClientID == "" {
		return errors.NewConfigurationError("token request missing client ID", nil)
	}
	if r.ClientSecret == "" {
		return errors.NewConfigurationError("token request missing client secret", nil)
	}
	return nil
}

// CacheKey returns the deterministic cache key for this request. Two requests
// with the same client, authorization server, and scope share an entry.
func (r TokenRequest) CacheKey() string {
	return fmt.Sprintf("%s:%s:%s", r.ClientID, HashURL(r.AuthServerURL), r.Scope)
}

// HashURL returns a short stable hash of an authorization server URL, used
// in cache keys and circuit-breaker names so raw URLs stay out of both.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:8])
}

// String implements fmt.Stringer, redacting the client secret.
func (r TokenRequest) String() string {
	return fmt.Sprintf("TokenRequest{AuthServerURL: %s, ClientID: %s, Scope: %s, Audience: %s}",
		r.AuthServerURL, r.ClientID, r.Scope, r.Audience)
}

// CachedToken is an immutable snapshot of a fetched token. It is never
// mutated after creation, only replaced in the cache.
type CachedToken struct {
	// AccessToken is the token value.
	AccessToken string

	// TokenType is the token type (e.g., "Bearer").
	TokenType string

	// ExpiresAt is the absolute expiry of the token.
	ExpiresAt time.Time

	// Scopes are the scopes the provider granted.
	Scopes []string

	// Raw is the provider's token response as decoded JSON.
	Raw map[string]any
}

// AuthorizationHeader returns the value to place in an Authorization header.
func (t *CachedToken) AuthorizationHeader() string {
	return t.TokenType + " " + t.AccessToken
}

// tokenFromResponse converts a provider token response into a CachedToken.
func tokenFromResponse(raw map[string]any, now time.Time) (*CachedToken, error) {
	accessToken, _ := raw["access_token"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	tokenType, _ := raw["token_type"].(string)
	if tokenType == "" {
		tokenType = "Bearer"
	}

	expiresIn := defaultExpiresIn
	if v, ok := raw["expires_in"].(float64); ok && v > 0 {
		expiresIn = int(v)
	}

	var scopes []string
	if s, ok := raw["scope"].(string); ok && s != "" {
		scopes = strings.Fields(s)
	}

	return &CachedToken{
		AccessToken: accessToken,
		TokenType:   tokenType,
		ExpiresAt:   now.Add(time.Duration(expiresIn) * time.Second),
		Scopes:      scopes,
		Raw:         raw,
	}, nil
}
