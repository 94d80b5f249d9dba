package tokensource

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/relaytrust/relaytrust/pkg/cache"
	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/events"
	"github.com/relaytrust/relaytrust/pkg/logger"
	"github.com/relaytrust/relaytrust/pkg/networking"
)

// Config controls Manager behavior. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	// RefreshBuffer is subtracted from a token's expiry when deciding
	// whether a cached token is still servable and when to refresh it.
	// Default 60s.
	RefreshBuffer time.Duration

	// MaxRetries is the number of retries after the initial fetch attempt.
	// Default 3.
	MaxRetries int

	// InitialRetryDelay seeds the exponential backoff. Default 500ms.
	InitialRetryDelay time.Duration

	// RetryBackoffFactor multiplies the delay between attempts. Default 2.
	RetryBackoffFactor float64

	// RefreshRetryInterval is the fixed delay between background refresh
	// attempts after a refresh failure. Default 30s.
	RefreshRetryInterval time.Duration

	// BreakerFailureThreshold is the run of consecutive fetch failures that
	// opens the per-server circuit breaker. Default 5.
	BreakerFailureThreshold int

	// BreakerCooldown is how long an open breaker waits before probing.
	// Default 30s.
	BreakerCooldown time.Duration

	// MaxCacheSize caps the token cache. Default 256.
	MaxCacheSize int

	// HTTPClient is the client used against token endpoints. Defaults to a
	// plain client with a 30s timeout.
	HTTPClient *http.Client

	// Publisher receives telemetry events. Defaults to events.Nop.
	Publisher events.Publisher
}

func (c Config) withDefaults() Config {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = 500 * time.Millisecond
	}
	if c.RetryBackoffFactor <= 0 {
		c.RetryBackoffFactor = 2
	}
	if c.RefreshRetryInterval <= 0 {
		c.RefreshRetryInterval = 30 * time.Second
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: networking.HttpTimeout}
	}
	if c.Publisher == nil {
		c.Publisher = events.Nop{}
	}
	return c
}

// Manager acquires, caches, and proactively refreshes client-credential
// tokens. Safe for concurrent use.
type Manager struct {
	cfg    Config
	cache  *cache.Cache[*CachedToken]
	group  singleflight.Group
	events events.Publisher

	mu         sync.Mutex
	refreshers map[string]*refreshTask
	breakers   map[string]*circuitBreaker
	closed     bool
}

// NewManager creates a token manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		cache:      cache.New[*CachedToken](cfg.MaxCacheSize, 0),
		events:     cfg.Publisher,
		refreshers: make(map[string]*refreshTask),
		breakers:   make(map[string]*circuitBreaker),
	}
}

// GetToken returns a token for the request, from cache when a live entry
// exists and via the token endpoint otherwise. A cached token is never
// returned once it is within RefreshBuffer of its expiry. Concurrent misses
// on the same key are collapsed into a single fetch.
func (m *Manager) GetToken(ctx context.Context, req TokenRequest) (*CachedToken, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := req.CacheKey()
	if tok, ok := m.cache.Get(key); ok {
		return tok, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check the cache: another caller may have completed the fetch
		// between our miss and joining the flight.
		if tok, ok := m.cache.Get(key); ok {
			return tok, nil
		}

		tok, err := m.fetchToken(ctx, req)
		if err != nil {
			m.events.Publish(events.New(events.TypeTokenFetchFailed, req.ClientID, map[string]any{
				"auth_server": HashURL(req.AuthServerURL),
				"scope":       req.Scope,
				"error":       err.Error(),
			}))
			return nil, err
		}

		m.store(key, req, tok)
		m.events.Publish(events.New(events.TypeTokenFetched, req.ClientID, map[string]any{
			"auth_server": HashURL(req.AuthServerURL),
			"scope":       req.Scope,
			"expires_at":  tok.ExpiresAt,
		}))
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CachedToken), nil
}

// Invalidate drops the cache entry for the request and cancels its refresh task.
func (m *Manager) Invalidate(req TokenRequest) {
	key := req.CacheKey()
	m.cache.Delete(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.refreshers[key]; ok {
		task.stop()
		delete(m.refreshers, key)
	}
}

// ClearCache cancels all pending refresh tasks and empties the cache.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	for key, task := range m.refreshers {
		task.stop()
		delete(m.refreshers, key)
	}
	m.mu.Unlock()

	m.cache.Clear()
}

// Close clears the cache and releases background resources. The manager must
// not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.ClearCache()
	m.cache.Close()
}

// CacheStats exposes token-cache counters for telemetry surfaces.
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

// store caches the token and schedules its proactive refresh. The cache
// deadline is expiresAt - RefreshBuffer so a stale-but-unexpired token can
// never be served.
func (m *Manager) store(key string, req TokenRequest, tok *CachedToken) {
	deadline := tok.ExpiresAt.Add(-m.cfg.RefreshBuffer)
	m.cache.Set(key, tok, deadline)
	m.scheduleRefresh(key, req, time.Until(deadline))
}

// fetchToken executes the client-credentials grant through the per-server
// circuit breaker with bounded exponential backoff. 4xx responses other than
// 429 are not retried.
func (m *Manager) fetchToken(ctx context.Context, req TokenRequest) (*CachedToken, error) {
	breaker := m.breakerFor(req.AuthServerURL)
	if !breaker.CanAttempt() {
		return nil, errors.NewNetworkError("authorization server circuit breaker is open", nil)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	if req.Audience != "" {
		form.Set("audience", req.Audience)
	}
	for k, v := range req.ExtraParams {
		form.Set(k, v)
	}

	operation := func() (map[string]any, error) {
		raw, err := networking.PostFormJSON[map[string]any](
			ctx, m.cfg.HTTPClient, req.AuthServerURL, form, req.ClientID, req.ClientSecret)
		if err != nil {
			if isPermanentStatus(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return raw, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.cfg.InitialRetryDelay
	expBackoff.Multiplier = m.cfg.RetryBackoffFactor
	expBackoff.RandomizationFactor = 0

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(m.cfg.MaxRetries)+1))
	if err != nil {
		breaker.RecordFailure()
		return nil, errors.NewNetworkError("failed to fetch token from authorization server", err)
	}

	tok, err := tokenFromResponse(raw, time.Now())
	if err != nil {
		breaker.RecordFailure()
		return nil, errors.NewNetworkError("authorization server returned an unusable token response", err)
	}

	breaker.RecordSuccess()
	return tok, nil
}

// isPermanentStatus reports whether the error is an HTTP status that must
// not be retried: any 4xx except 429.
func isPermanentStatus(err error) bool {
	var httpErr *networking.HTTPError
	if !stderrors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
		httpErr.StatusCode != http.StatusTooManyRequests
}

func (m *Manager) breakerFor(authServerURL string) *circuitBreaker {
	name := HashURL(authServerURL)
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = newCircuitBreaker(m.cfg.BreakerFailureThreshold, m.cfg.BreakerCooldown, name)
		m.breakers[name] = cb
	}
	return cb
}

// refreshTask is the cancellation handle for one per-key refresh goroutine.
type refreshTask struct {
	done     chan struct{}
	stopOnce sync.Once
}

func newRefreshTask() *refreshTask {
	return &refreshTask{done: make(chan struct{})}
}

func (t *refreshTask) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}

// scheduleRefresh replaces any existing refresh task for the key with a new
// one firing after fireIn.
func (m *Manager) scheduleRefresh(key string, req TokenRequest, fireIn time.Duration) {
	if fireIn < time.Second {
		fireIn = time.Second
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.refreshers[key]; ok {
		existing.stop()
	}
	task := newRefreshTask()
	m.refreshers[key] = task
	m.mu.Unlock()

	go m.refreshLoop(task, key, req, fireIn)
}

// refreshLoop refreshes the cache entry for key each time its deadline
// approaches. Failures are retried after a fixed delay indefinitely until the
// task is canceled; they surface only as telemetry, never to callers.
func (m *Manager) refreshLoop(task *refreshTask, key string, req TokenRequest, fireIn time.Duration) {
	timer := time.NewTimer(fireIn)
	defer timer.Stop()

	for {
		select {
		case <-task.done:
			return
		case <-timer.C:
			tok, err := m.fetchToken(context.Background(), req)
			if err != nil {
				logger.Debugw("scheduled token refresh failed",
					"client_id", req.ClientID, "auth_server", HashURL(req.AuthServerURL), "error", err)
				m.events.Publish(events.New(events.TypeTokenRefreshFailed, req.ClientID, map[string]any{
					"auth_server": HashURL(req.AuthServerURL),
					"scope":       req.Scope,
					"error":       err.Error(),
				}))
				timer.Reset(m.cfg.RefreshRetryInterval)
				continue
			}

			deadline := tok.ExpiresAt.Add(-m.cfg.RefreshBuffer)
			m.cache.Set(key, tok, deadline)
			m.events.Publish(events.New(events.TypeTokenRefreshed, req.ClientID, map[string]any{
				"auth_server": HashURL(req.AuthServerURL),
				"scope":       req.Scope,
				"expires_at":  tok.ExpiresAt,
			}))

			next := time.Until(deadline)
			if next < time.Second {
				next = time.Second
			}
			timer.Reset(next)
		}
	}
}
