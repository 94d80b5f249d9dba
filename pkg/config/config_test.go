package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytrust/relaytrust/pkg/errors"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
validation:
  issuer: https://auth.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "auto", cfg.Validation.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Validation.CacheTTL)
	assert.Equal(t, time.Minute, cfg.Tokens.RefreshBuffer)
	assert.Equal(t, 3, cfg.Tokens.MaxRetries)
	assert.Equal(t, 256, cfg.Events.BufferSize)

	// The realm falls back to the issuer.
	assert.Equal(t, "https://auth.example.com", cfg.Server.Realm)

	require.NoError(t, cfg.Validate())
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
server:
  listen_addr: ":9090"
  realm: gateway
  trust_proxy_headers: true

store:
  path: /var/lib/gateway/policy.db

validation:
  issuer: https://auth.example.com
  audience: https://gateway.example.com
  required_scopes: [read, write]
  mode: jwks
  cache_ttl: 90s

tokens:
  refresh_buffer: 2m
  max_retries: 5

outbound:
  destinations:
    downstream.example.com:
      auth_server_url: https://auth.example.com/token
      client_id: gateway
      client_secret: s3cret
      scope: downstream.read

proxy:
  target: https://downstream.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "gateway", cfg.Server.Realm)
	assert.True(t, cfg.Server.TrustProxyHeaders)
	assert.Equal(t, "/var/lib/gateway/policy.db", cfg.Store.Path)
	assert.Equal(t, []string{"read", "write"}, cfg.Validation.RequiredScopes)
	assert.Equal(t, 90*time.Second, cfg.Validation.CacheTTL)
	assert.Equal(t, 2*time.Minute, cfg.Tokens.RefreshBuffer)
	assert.Equal(t, 5, cfg.Tokens.MaxRetries)

	dest, ok := cfg.Outbound.Destinations["downstream.example.com"]
	require.True(t, ok)
	assert.Equal(t, "https://auth.example.com/token", dest.AuthServerURL)
	assert.Equal(t, "downstream.read", dest.Scope)

	assert.Equal(t, "https://downstream.example.com", cfg.Proxy.Target)
}

func TestLoadResolvesSecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_DEST_SECRET", "from-env")
	t.Setenv("TEST_INTROSPECTION_SECRET", "introspect-env")

	path := writeConfigFile(t, `
validation:
  issuer: https://auth.example.com
  client_id: gateway
  client_secret_env: TEST_INTROSPECTION_SECRET

outbound:
  destinations:
    downstream.example.com:
      auth_server_url: https://auth.example.com/token
      client_id: gateway
      client_secret: inline-ignored
      client_secret_env: TEST_DEST_SECRET
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "introspect-env", cfg.Validation.ClientSecret)
	assert.Equal(t, "from-env", cfg.Outbound.Destinations["downstream.example.com"].ClientSecret)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "missing listen address",
			mutate: func(c *Config) { c.Server.ListenAddr = "" },
		},
		{
			name:   "unknown validation mode",
			mutate: func(c *Config) { c.Validation.Mode = "guesswork" },
		},
		{
			name: "no key source",
			mutate: func(c *Config) {
				c.Validation.Issuer = ""
				c.Validation.JWKSURL = ""
			},
		},
		{
			name: "destination without credentials",
			mutate: func(c *Config) {
				c.Outbound.Destinations = map[string]DestinationConfig{
					"downstream": {AuthServerURL: "https://auth.example.com/token"},
				}
			},
		},
		{
			name:   "relative proxy target",
			mutate: func(c *Config) { c.Proxy.Target = "/just/a/path" },
		},
		{
			name: "default destination without secret",
			mutate: func(c *Config) {
				c.Outbound.Default = &DestinationConfig{
					AuthServerURL: "https://auth.example.com/token",
					ClientID:      "gateway",
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{
				Server:     ServerConfig{ListenAddr: ":8080"},
				Validation: ValidationConfig{Issuer: "https://auth.example.com", Mode: "auto"},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err))
		})
	}
}

func TestValidateSkipsDisabledOutbound(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Server:     ServerConfig{ListenAddr: ":8080"},
		Validation: ValidationConfig{Issuer: "https://auth.example.com", Mode: "auto"},
		Outbound: OutboundConfig{
			Disabled: true,
			Destinations: map[string]DestinationConfig{
				"downstream": {},
			},
		},
	}
	require.NoError(t, cfg.Validate())
}
