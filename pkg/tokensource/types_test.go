package tokensource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytrust/relaytrust/pkg/errors"
)

func TestTokenRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     TokenRequest
		wantErr string
	}{
		{
			name: "valid",
			req: TokenRequest{
				AuthServerURL: "https://as.example.com/token",
				ClientID:      "gateway",
				ClientSecret:  "secret",
			},
		},
		{
			name:    "missing URL",
			req:     TokenRequest{ClientID: "gateway", ClientSecret: "secret"},
			wantErr: "missing authorization server URL",
		},
		{
			name:    "missing client ID",
			req:     TokenRequest{AuthServerURL: "https://as.example.com/token", ClientSecret: "secret"},
			wantErr: "missing client ID",
		},
		{
			name:    "missing client secret",
			req:     TokenRequest{AuthServerURL: "https://as.example.com/token", ClientID: "gateway"},
			wantErr: "missing client secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	t.Parallel()

	a := TokenRequest{AuthServerURL: "https://as.example.com/token", ClientID: "gateway", ClientSecret: "s1", Scope: "read write"}
	b := TokenRequest{AuthServerURL: "https://as.example.com/token", ClientID: "gateway", ClientSecret: "s2", Scope: "read write"}

	// Same client/server/scope share a key regardless of secret.
	assert.Equal(t, a.CacheKey(), b.CacheKey())

	c := a
	c.Scope = "read"
	assert.NotEqual(t, a.CacheKey(), c.CacheKey())

	d := a
	d.AuthServerURL = "https://other.example.com/token"
	assert.NotEqual(t, a.CacheKey(), d.CacheKey())

	e := a
	e.ClientID = "other-client"
	assert.NotEqual(t, a.CacheKey(), e.CacheKey())
}

func TestTokenRequestStringRedactsSecret(t *testing.T) {
	t.Parallel()

	req := TokenRequest{
		AuthServerURL: "https://as.example.com/token",
		ClientID:      "gateway",
		ClientSecret:  "super-secret-value",
		Scope:         "read",
	}
	assert.NotContains(t, req.String(), "super-secret-value")
	assert.Contains(t, req.String(), "gateway")
}

func TestTokenFromResponse(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("full response", func(t *testing.T) {
		t.Parallel()
		tok, err := tokenFromResponse(map[string]any{
			"access_token": "abc123",
			"token_type":   "DPoP",
			"expires_in":   float64(120),
			"scope":        "read write",
		}, now)
		require.NoError(t, err)
		assert.Equal(t, "abc123", tok.AccessToken)
		assert.Equal(t, "DPoP", tok.TokenType)
		assert.Equal(t, now.Add(120*time.Second), tok.ExpiresAt)
		assert.Equal(t, []string{"read", "write"}, tok.Scopes)
		assert.Equal(t, "DPoP abc123", tok.AuthorizationHeader())
	})

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()
		tok, err := tokenFromResponse(map[string]any{"access_token": "abc123"}, now)
		require.NoError(t, err)
		assert.Equal(t, "Bearer", tok.TokenType)
		assert.Equal(t, now.Add(defaultExpiresIn*time.Second), tok.ExpiresAt)
		assert.Empty(t, tok.Scopes)
	})

	t.Run("missing access_token", func(t *testing.T) {
		t.Parallel()
		_, err := tokenFromResponse(map[string]any{"token_type": "Bearer"}, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing access_token")
	})
}
