package outbound

import (
	"context"
	"net/http"
	"time"

	"github.com/relaytrust/relaytrust/pkg/cache"
	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/events"
	"github.com/relaytrust/relaytrust/pkg/logger"
	"github.com/relaytrust/relaytrust/pkg/tokensource"
)

// Config controls the authenticator.
type Config struct {
	// Disabled turns the authenticator into a no-op.
	Disabled bool

	// ResolutionCacheTTL bounds how long a resolved destination
	// configuration is reused. Default 5m.
	ResolutionCacheTTL time.Duration

	// MaxResolutionCacheSize caps the resolution cache. Default 256.
	MaxResolutionCacheSize int

	// Publisher receives telemetry events. Defaults to events.Nop.
	Publisher events.Publisher
}

// Authenticator decorates outbound requests with service tokens. Resolution
// results are cached so hot destinations do not hit the resolver on every
// request.
type Authenticator struct {
	cfg      Config
	resolver Resolver
	tokens   *tokensource.Manager
	resolved *cache.Cache[*DestinationConfig]
	events   events.Publisher
}

// NewAuthenticator creates an authenticator backed by the resolver and token
// manager.
func NewAuthenticator(resolver Resolver, tokens *tokensource.Manager, cfg Config) *Authenticator {
	if cfg.ResolutionCacheTTL <= 0 {
		cfg.ResolutionCacheTTL = 5 * time.Minute
	}
	if cfg.MaxResolutionCacheSize <= 0 {
		cfg.MaxResolutionCacheSize = 256
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	return &Authenticator{
		cfg:      cfg,
		resolver: resolver,
		tokens:   tokens,
		resolved: cache.New[*DestinationConfig](cfg.MaxResolutionCacheSize, 0),
		events:   cfg.Publisher,
	}
}

// Authenticate attaches a service token to the request when the destination
// has a credential configuration. Requests that already carry an
// Authorization header pass through untouched, as do destinations with no
// configuration.
func (a *Authenticator) Authenticate(ctx context.Context, destination string, req *http.Request) error {
	if a.cfg.Disabled {
		return nil
	}
	if req.Header.Get("Authorization") != "" {
		logger.Debugw("request already authenticated, leaving header in place", "destination", destination)
		return nil
	}

	cfg, err := a.resolveConfig(ctx, destination)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		a.events.Publish(events.New(events.TypeAuthResolutionFailed, "", map[string]any{
			"destination": destination,
			"error":       err.Error(),
		}))
		return err
	}
	if cfg.Disabled {
		return nil
	}

	tok, err := a.tokens.GetToken(ctx, cfg.Token)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", tok.AuthorizationHeader())
	a.events.Publish(events.New(events.TypeTokenAttached, cfg.Token.ClientID, map[string]any{
		"destination": destination,
	}))
	return nil
}

// InvalidateDestination drops the cached destination configuration so the
// next request re-resolves it. Cached tokens are left alone; credential
// correctness and refresh stay with the token manager.
func (a *Authenticator) InvalidateDestination(destination string) {
	a.resolved.Delete(destination)
	a.events.Publish(events.New(events.TypeAuthConfigInvalidated, "", map[string]any{
		"destination": destination,
	}))
}

func (a *Authenticator) resolveConfig(ctx context.Context, destination string) (*DestinationConfig, error) {
	if cfg, ok := a.resolved.Get(destination); ok {
		return cfg, nil
	}
	cfg, err := a.resolver.Resolve(ctx, destination)
	if err != nil {
		return nil, err
	}
	a.resolved.Set(destination, cfg, time.Now().Add(a.cfg.ResolutionCacheTTL))
	return cfg, nil
}

// Close releases the authenticator's background resources.
func (a *Authenticator) Close() {
	a.resolved.Close()
}
