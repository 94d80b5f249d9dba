// Package outbound attaches service credentials to requests the gateway
// makes to downstream servers.
//
// Destinations are identified by name (normally the target host). Each
// destination either has an explicit credential configuration, inherits the
// default one, or gets no credentials at all; requests that already carry an
// Authorization header are never touched.
package outbound

import (
	"context"
	"sync"

	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/tokensource"
)

// DestinationConfig describes how to authenticate against one destination.
type DestinationConfig struct {
	// Disabled turns off token attachment for this destination even when a
	// default configuration exists.
	Disabled bool

	// Token is the client-credentials request used to obtain tokens for
	// this destination.
	Token tokensource.TokenRequest
}

// Resolver maps a destination name to its credential configuration.
// Implementations return a not-found error when neither an explicit nor a
// default configuration applies.
type Resolver interface {
	Resolve(ctx context.Context, destination string) (*DestinationConfig, error)
}

// StaticResolver resolves destinations from an in-memory table with an
// optional default. Safe for concurrent use.
type StaticResolver struct {
	mu         sync.RWMutex
	configs    map[string]*DestinationConfig
	defaultCfg *DestinationConfig
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{configs: make(map[string]*DestinationConfig)}
}

// Set registers an explicit configuration for a destination.
func (r *StaticResolver) Set(destination string, cfg *DestinationConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[destination] = cfg
}

// SetDefault registers the fallback configuration for destinations without
// an explicit one. Passing nil removes the default.
func (r *StaticResolver) SetDefault(cfg *DestinationConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultCfg = cfg
}

// Delete removes the explicit configuration for a destination.
func (r *StaticResolver) Delete(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, destination)
}

// Resolve returns the explicit configuration for the destination, the
// default one, or a not-found error.
func (r *StaticResolver) Resolve(_ context.Context, destination string) (*DestinationConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[destination]; ok {
		return cfg, nil
	}
	if r.defaultCfg != nil {
		return r.defaultCfg, nil
	}
	return nil, errors.NewNotFoundError("no credential configuration for destination "+destination, nil)
}
