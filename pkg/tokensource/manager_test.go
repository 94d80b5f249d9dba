package tokensource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/events"
)

// newTokenServer starts a token endpoint whose handler receives the 1-based
// request number. The counter tracks how many requests actually hit the server.
func newTokenServer(t *testing.T, handler func(n int32, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(count.Add(1), w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func writeToken(w http.ResponseWriter, accessToken string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.InitialRetryDelay == 0 {
		cfg.InitialRetryDelay = time.Millisecond
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testRequest(tokenURL string) TokenRequest {
	return TokenRequest{
		AuthServerURL: tokenURL,
		ClientID:      "gateway",
		ClientSecret:  "secret",
		Scope:         "read write",
	}
}

func TestGetTokenCachesAcrossCalls(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "read write", r.PostForm.Get("scope"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "gateway", user)
		writeToken(w, "tok-1", 3600)
	})

	m := newTestManager(t, Config{})
	req := testRequest(srv.URL)

	tok, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)

	tok2, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok2.AccessToken)
	assert.Equal(t, int32(1), count.Load(), "second call must be served from cache")
}

func TestGetTokenRefetchesInsideRefreshBuffer(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		// Expiry shorter than the refresh buffer: the token is already
		// inside the buffer when stored and must never be served from cache.
		writeToken(w, fmt.Sprintf("tok-%d", n), 30)
	})

	m := newTestManager(t, Config{RefreshBuffer: time.Minute})
	req := testRequest(srv.URL)

	tok, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)

	tok2, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok2.AccessToken)
	assert.Equal(t, int32(2), count.Load())
}

func TestGetTokenRetriesServerErrors(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeToken(w, "tok-1", 3600)
	})

	m := newTestManager(t, Config{})
	tok, err := m.GetToken(context.Background(), testRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, int32(2), count.Load())
}

func TestGetTokenRetriesRateLimits(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n <= 2 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		writeToken(w, "tok-1", 3600)
	})

	m := newTestManager(t, Config{})
	tok, err := m.GetToken(context.Background(), testRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, int32(3), count.Load())
}

func TestGetTokenDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	})

	m := newTestManager(t, Config{})
	_, err := m.GetToken(context.Background(), testRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))
	assert.Equal(t, int32(1), count.Load(), "4xx responses must not be retried")
}

func TestGetTokenValidatesRequest(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	_, err := m.GetToken(context.Background(), TokenRequest{ClientID: "gateway"})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	m := newTestManager(t, Config{
		MaxRetries:              1,
		BreakerFailureThreshold: 2,
		BreakerCooldown:         time.Minute,
	})
	req := testRequest(srv.URL)

	for i := 0; i < 2; i++ {
		_, err := m.GetToken(context.Background(), req)
		require.Error(t, err)
	}
	hitsBeforeOpen := count.Load()

	_, err := m.GetToken(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, hitsBeforeOpen, count.Load(), "open breaker must not reach the server")
}

func TestConcurrentMissesCollapseToOneFetch(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		writeToken(w, "tok-1", 3600)
	})

	m := newTestManager(t, Config{})
	req := testRequest(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetToken(context.Background(), req)
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), count.Load(), "concurrent misses for one key must share a single fetch")
}

func TestClearCacheForcesRefetch(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		writeToken(w, fmt.Sprintf("tok-%d", n), 3600)
	})

	m := newTestManager(t, Config{})
	req := testRequest(srv.URL)

	_, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)

	m.ClearCache()

	tok, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.AccessToken)
	assert.Equal(t, int32(2), count.Load())
}

func TestInvalidateDropsSingleEntry(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		writeToken(w, fmt.Sprintf("tok-%d", n), 3600)
	})

	m := newTestManager(t, Config{})
	reqA := testRequest(srv.URL)
	reqB := testRequest(srv.URL)
	reqB.Scope = "admin"

	_, err := m.GetToken(context.Background(), reqA)
	require.NoError(t, err)
	_, err = m.GetToken(context.Background(), reqB)
	require.NoError(t, err)

	m.Invalidate(reqA)

	_, err = m.GetToken(context.Background(), reqA)
	require.NoError(t, err)
	assert.Equal(t, int32(3), count.Load())

	// The other entry is untouched.
	_, err = m.GetToken(context.Background(), reqB)
	require.NoError(t, err)
	assert.Equal(t, int32(3), count.Load())
}

func TestScheduledRefreshReplacesToken(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		writeToken(w, fmt.Sprintf("tok-%d", n), 2)
	})

	publisher := &capturePublisher{}
	m := newTestManager(t, Config{RefreshBuffer: time.Second, Publisher: publisher})
	req := testRequest(srv.URL)

	tok, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)

	assert.Eventually(t, func() bool {
		return count.Load() >= 2 && len(publisher.byType(events.TypeTokenRefreshed)) >= 1
	}, 5*time.Second, 20*time.Millisecond, "background refresh should fire before expiry")

	tok2, ok := m.cache.Get(req.CacheKey())
	require.True(t, ok)
	assert.NotEqual(t, "tok-1", tok2.AccessToken)
}

func TestScheduledRefreshRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	srv, _ := newTokenServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		// First fetch succeeds, the first refresh attempt fails (two tries
		// with MaxRetries=1), later attempts succeed.
		if n >= 2 && n <= 3 {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		writeToken(w, fmt.Sprintf("tok-%d", n), 2)
	})

	publisher := &capturePublisher{}
	m := newTestManager(t, Config{
		RefreshBuffer:        time.Second,
		MaxRetries:           1,
		RefreshRetryInterval: 50 * time.Millisecond,
		Publisher:            publisher,
	})
	req := testRequest(srv.URL)

	_, err := m.GetToken(context.Background(), req)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(publisher.byType(events.TypeTokenRefreshFailed)) >= 1 &&
			len(publisher.byType(events.TypeTokenRefreshed)) >= 1
	}, 5*time.Second, 20*time.Millisecond, "refresh should retry until it succeeds")
}

func TestGetTokenPublishesEvents(t *testing.T) {
	t.Parallel()

	srv, _ := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		writeToken(w, "tok-1", 3600)
	})

	publisher := &capturePublisher{}
	m := newTestManager(t, Config{Publisher: publisher})

	_, err := m.GetToken(context.Background(), testRequest(srv.URL))
	require.NoError(t, err)

	fetched := publisher.byType(events.TypeTokenFetched)
	require.Len(t, fetched, 1)
	assert.Equal(t, "gateway", fetched[0].ClientID)
	assert.NotContains(t, fmt.Sprintf("%v", fetched[0].Detail), srv.URL, "events must not carry raw server URLs")
}

func TestTokenSourceAdapter(t *testing.T) {
	t.Parallel()

	srv, count := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		writeToken(w, "tok-1", 3600)
	})

	m := newTestManager(t, Config{})
	ts := m.TokenSource(context.Background(), testRequest(srv.URL))

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, tok.Expiry.After(time.Now()))

	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), count.Load())
}
