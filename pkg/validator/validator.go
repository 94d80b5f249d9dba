// Package validator verifies inbound bearer tokens before a request may
// reach protected gateway functionality.
//
// Two verification paths are supported: local JWT signature checks against
// the authorization server's JWKS, and RFC 7662 introspection for opaque
// tokens. In auto mode a malformed JWT falls through to introspection, which
// is how opaque tokens are detected. Successful validations are cached for a
// short TTL so a chatty client does not pay signature or network cost on
// every request.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/relaytrust/relaytrust/pkg/cache"
	"github.com/relaytrust/relaytrust/pkg/discovery"
	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/events"
	"github.com/relaytrust/relaytrust/pkg/networking"
)

// Mode selects the verification path.
type Mode string

const (
	// ModeAuto verifies JWTs locally and falls back to introspection for
	// opaque tokens.
	ModeAuto Mode = "auto"
	// ModeJWKS verifies JWT signatures against the JWKS only.
	ModeJWKS Mode = "jwks"
	// ModeIntrospection sends every token to the introspection endpoint.
	ModeIntrospection Mode = "introspection"
)

// errKeySetUnavailable marks JWKS transport failures so they are reported as
// network errors rather than token rejections.
var errKeySetUnavailable = stderrors.New("key set unavailable")

// Config contains configuration for the token validator.
type Config struct {
	// Issuer is the expected iss claim. When JWKSURL is empty the issuer's
	// discovery document is used to locate the JWKS and introspection
	// endpoints.
	Issuer string

	// Audience is the expected audience for the token. Empty skips the check.
	Audience string

	// JWKSURL is the URL to fetch the JWKS from.
	JWKSURL string

	// IntrospectionURL is the RFC 7662 introspection endpoint.
	IntrospectionURL string

	// ClientID and ClientSecret authenticate introspection calls.
	ClientID     string
	ClientSecret string

	// RequiredScopes must all be present on the token.
	RequiredScopes []string

	// Mode selects the verification path. Defaults to ModeAuto.
	Mode Mode

	// CACertPath is the path to a CA certificate bundle for HTTPS requests.
	CACertPath string

	// AllowPrivateIP allows JWKS/introspection endpoints on private addresses.
	AllowPrivateIP bool

	// CacheTTL bounds how long a validation result is reused. Default 5m.
	CacheTTL time.Duration

	// MaxCacheSize caps the result cache. Default 1000.
	MaxCacheSize int

	// CacheSweepInterval is how often expired results are purged. Default 60s.
	CacheSweepInterval time.Duration

	// Publisher receives telemetry events. Defaults to events.Nop.
	Publisher events.Publisher
}

// Validator verifies bearer tokens using JWKS and/or introspection.
type Validator struct {
	cfg     Config
	client  *http.Client
	jwks    *jwk.Cache
	jwksURL string
	results *cache.Cache[*Result]
	events  events.Publisher

	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// New creates a token validator. When the configuration names an issuer but
// no JWKS URL, the issuer's discovery document is fetched to locate the JWKS
// and, if not configured explicitly, the introspection endpoint.
func New(ctx context.Context, cfg Config) (*Validator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 1000
	}
	if cfg.CacheSweepInterval <= 0 {
		cfg.CacheSweepInterval = time.Minute
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(cfg.CACertPath).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, errors.NewConfigurationError("failed to create HTTP client", err)
	}

	jwksURL := cfg.JWKSURL
	needsJWKS := cfg.Mode != ModeIntrospection
	if needsJWKS && jwksURL == "" && cfg.Issuer != "" {
		doc, err := discovery.Fetch(ctx, cfg.Issuer, discovery.Options{
			CACertPath:     cfg.CACertPath,
			AllowPrivateIP: cfg.AllowPrivateIP,
			HTTPClient:     httpClient,
		})
		if err != nil {
			return nil, errors.NewConfigurationError("failed to discover authorization server metadata", err)
		}
		jwksURL = doc.JWKSURI
		if cfg.IntrospectionURL == "" {
			cfg.IntrospectionURL = doc.IntrospectionEndpoint
		}
	}
	if needsJWKS && jwksURL == "" {
		return nil, errors.NewConfigurationError("either issuer or JWKS URL must be provided", nil)
	}
	if cfg.Mode == ModeIntrospection && cfg.IntrospectionURL == "" {
		return nil, errors.NewConfigurationError("introspection mode requires an introspection URL", nil)
	}

	var jwksCache *jwk.Cache
	if needsJWKS {
		httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
		jwksCache, err = jwk.NewCache(ctx, httprcClient)
		if err != nil {
			return nil, errors.NewConfigurationError("failed to create JWKS cache", err)
		}
	}

	return &Validator{
		cfg:     cfg,
		client:  httpClient,
		jwks:    jwksCache,
		jwksURL: jwksURL,
		results: cache.New[*Result](cfg.MaxCacheSize, cfg.CacheSweepInterval),
		events:  cfg.Publisher,
	}, nil
}

// Validate verifies a bearer token. A rejected token yields a Result with
// Valid=false and a Reason; the error return is reserved for failures where
// no verdict could be reached (JWKS or introspection endpoint unreachable).
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Result, error) {
	if tokenString == "" {
		return v.reject("", "no token provided"), nil
	}

	key := resultCacheKey(tokenString)
	if res, ok := v.results.Get(key); ok {
		return res, nil
	}

	res, err := v.validate(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if res.Valid {
		v.results.Set(key, res, v.resultDeadline(res))
	} else {
		v.events.Publish(events.New(events.TypeValidationFailed, res.ClientID, map[string]any{
			"reason": res.Reason,
		}))
	}
	return res, nil
}

func (v *Validator) validate(ctx context.Context, tokenString string) (*Result, error) {
	switch v.cfg.Mode {
	case ModeJWKS:
		return v.validateJWT(ctx, tokenString)
	case ModeIntrospection:
		return v.introspect(ctx, tokenString)
	default:
		res, err := v.validateJWT(ctx, tokenString)
		if err == nil && !res.Valid && res.Reason == reasonMalformed && v.cfg.IntrospectionURL != "" {
			return v.introspect(ctx, tokenString)
		}
		return res, err
	}
}

const reasonMalformed = "token is not a well-formed JWT"

// validateJWT verifies the token signature against the JWKS and then the
// registered claim checks.
func (v *Validator) validateJWT(ctx context.Context, tokenString string) (*Result, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, token)
	})
	if err != nil {
		if stderrors.Is(err, errKeySetUnavailable) {
			return nil, errors.NewNetworkError("failed to fetch key set", err)
		}
		if stderrors.Is(err, jwt.ErrTokenMalformed) {
			return v.reject("", reasonMalformed), nil
		}
		return v.reject("", fmt.Sprintf("token verification failed: %v", err)), nil
	}
	if !token.Valid {
		return v.reject("", "token is invalid"), nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return v.reject("", "token carries no claims"), nil
	}
	return v.checkClaims(claims), nil
}

// keyFromJWKS resolves the verification key for the token from the JWKS.
func (v *Validator) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", errKeySetUnavailable, err)
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwks.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errKeySetUnavailable, err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in key set", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use so
// construction never blocks on the network.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwks.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}
	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// introspectionResponse is the RFC 7662 response shape.
type introspectionResponse struct {
	Active   bool    `json:"active"`
	Scope    string  `json:"scope,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
	Username string  `json:"username,omitempty"`
	Sub      string  `json:"sub,omitempty"`
	Exp      float64 `json:"exp,omitempty"`
	Iat      float64 `json:"iat,omitempty"`
	Iss      string  `json:"iss,omitempty"`
	Aud      any     `json:"aud,omitempty"`
	JTI      string  `json:"jti,omitempty"`
}

// introspect validates a token against the introspection endpoint.
func (v *Validator) introspect(ctx context.Context, tokenString string) (*Result, error) {
	form := url.Values{}
	form.Set("token", tokenString)
	form.Set("token_type_hint", "access_token")

	resp, err := networking.PostFormJSON[introspectionResponse](
		ctx, v.client, v.cfg.IntrospectionURL, form, v.cfg.ClientID, v.cfg.ClientSecret)
	if err != nil {
		return nil, errors.NewNetworkError("introspection call failed", err)
	}
	if !resp.Active {
		return v.reject(resp.ClientID, "token is not active"), nil
	}

	claims := jwt.MapClaims{}
	if resp.Scope != "" {
		claims["scope"] = resp.Scope
	}
	if resp.ClientID != "" {
		claims["client_id"] = resp.ClientID
	}
	if resp.Sub != "" {
		claims["sub"] = resp.Sub
	}
	if resp.Exp > 0 {
		claims["exp"] = resp.Exp
	}
	if resp.Iat > 0 {
		claims["iat"] = resp.Iat
	}
	if resp.Iss != "" {
		claims["iss"] = resp.Iss
	}
	if resp.Aud != nil {
		claims["aud"] = resp.Aud
	}
	if resp.JTI != "" {
		claims["jti"] = resp.JTI
	}
	return v.checkClaims(claims), nil
}

// checkClaims applies issuer, audience, expiry, and scope requirements and
// builds the final result.
func (v *Validator) checkClaims(claims jwt.MapClaims) *Result {
	res := resultFromClaims(claims)

	if v.cfg.Issuer != "" && res.Issuer != v.cfg.Issuer {
		return v.rejectWith(res, "issuer mismatch")
	}
	if v.cfg.Audience != "" {
		found := false
		for _, aud := range res.Audience {
			if aud == v.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return v.rejectWith(res, "audience mismatch")
		}
	}
	if !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(time.Now()) {
		return v.rejectWith(res, "token is expired")
	}
	for _, scope := range v.cfg.RequiredScopes {
		if !res.HasScope(scope) {
			return v.rejectWith(res, "missing required scopes")
		}
	}
	return res
}

func (*Validator) reject(clientID, reason string) *Result {
	res := rejected(reason)
	res.ClientID = clientID
	return res
}

func (*Validator) rejectWith(res *Result, reason string) *Result {
	res.Valid = false
	res.Active = false
	res.Reason = reason
	return res
}

// resultDeadline bounds the cache lifetime of a valid result by both the
// configured TTL and the token's own expiry.
func (v *Validator) resultDeadline(res *Result) time.Time {
	deadline := time.Now().Add(v.cfg.CacheTTL)
	if !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(deadline) {
		deadline = res.ExpiresAt
	}
	return deadline
}

// InvalidateCache drops all cached validation results.
func (v *Validator) InvalidateCache() {
	v.results.Clear()
}

// CacheStats exposes result-cache counters for telemetry surfaces.
func (v *Validator) CacheStats() cache.Stats {
	return v.results.Stats()
}

// Close releases the validator's background resources.
func (v *Validator) Close() {
	v.results.Close()
}

func resultCacheKey(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
