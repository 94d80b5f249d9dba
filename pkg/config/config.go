// Package config provides the configuration model for the trust gateway.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/validator"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Validation ValidationConfig `mapstructure:"validation"`
	Tokens     TokenConfig      `mapstructure:"tokens"`
	Outbound   OutboundConfig   `mapstructure:"outbound"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Events     EventsConfig     `mapstructure:"events"`
}

// ProxyConfig configures forwarding of admitted requests to a downstream
// server.
type ProxyConfig struct {
	// Target is the downstream base URL. Empty disables proxying; the
	// gateway then only serves the management API. The target host is the
	// destination name looked up in the outbound configuration.
	Target string `mapstructure:"target"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the gateway listens on.
	ListenAddr string `mapstructure:"listen_addr"`

	// Realm is reported in WWW-Authenticate challenges. Defaults to the
	// validation issuer when empty.
	Realm string `mapstructure:"realm"`

	// TrustProxyHeaders reads client IPs from X-Forwarded-For / X-Real-IP.
	// Only enable behind a trusted proxy.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig configures the policy and audit store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects an in-memory store,
	// which loses all policy on restart.
	Path string `mapstructure:"path"`
}

// ValidationConfig configures inbound token validation.
type ValidationConfig struct {
	Issuer           string `mapstructure:"issuer"`
	Audience         string `mapstructure:"audience"`
	JWKSURL          string `mapstructure:"jwks_url"`
	IntrospectionURL string `mapstructure:"introspection_url"`
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`

	// ClientSecretEnv names an environment variable holding the
	// introspection client secret. Takes precedence over client_secret.
	ClientSecretEnv string `mapstructure:"client_secret_env"`

	RequiredScopes []string      `mapstructure:"required_scopes"`
	Mode           string        `mapstructure:"mode"`
	CACertPath     string        `mapstructure:"ca_cert_path"`
	AllowPrivateIP bool          `mapstructure:"allow_private_ip"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// TokenConfig configures outbound token acquisition.
type TokenConfig struct {
	RefreshBuffer           time.Duration `mapstructure:"refresh_buffer"`
	MaxRetries              int           `mapstructure:"max_retries"`
	InitialRetryDelay       time.Duration `mapstructure:"initial_retry_delay"`
	RefreshRetryInterval    time.Duration `mapstructure:"refresh_retry_interval"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
	MaxCacheSize            int           `mapstructure:"max_cache_size"`
}

// OutboundConfig maps destinations to the credentials used to authenticate
// requests forwarded to them.
type OutboundConfig struct {
	// Disabled turns off outbound authentication entirely.
	Disabled bool `mapstructure:"disabled"`

	// Destinations keys are destination identifiers, normally hostnames.
	Destinations map[string]DestinationConfig `mapstructure:"destinations"`

	// Default applies to destinations without an explicit entry.
	Default *DestinationConfig `mapstructure:"default"`
}

// DestinationConfig holds the client-credentials parameters for one
// destination.
type DestinationConfig struct {
	AuthServerURL string `mapstructure:"auth_server_url"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`

	// ClientSecretEnv names an environment variable holding the client
	// secret. Takes precedence over client_secret.
	ClientSecretEnv string `mapstructure:"client_secret_env"`

	Scope    string `mapstructure:"scope"`
	Audience string `mapstructure:"audience"`
	Disabled bool   `mapstructure:"disabled"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	// BufferSize is the bus channel depth. Events beyond it are dropped.
	BufferSize int `mapstructure:"buffer_size"`
}

// Load reads, defaults, and resolves a configuration file. Secrets referenced
// through *_env fields are resolved from the environment at load time.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("validation.mode", string(validator.ModeAuto))
	v.SetDefault("validation.cache_ttl", 5*time.Minute)
	v.SetDefault("tokens.refresh_buffer", time.Minute)
	v.SetDefault("tokens.max_retries", 3)
	v.SetDefault("tokens.initial_retry_delay", 500*time.Millisecond)
	v.SetDefault("tokens.refresh_retry_interval", 30*time.Second)
	v.SetDefault("tokens.breaker_failure_threshold", 5)
	v.SetDefault("tokens.breaker_cooldown", 30*time.Second)
	v.SetDefault("tokens.max_cache_size", 256)
	v.SetDefault("events.buffer_size", 256)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.NewConfigurationError("failed to parse config file", err)
	}

	cfg.resolveSecrets()
	if cfg.Server.Realm == "" {
		cfg.Server.Realm = cfg.Validation.Issuer
	}
	return cfg, nil
}

func (c *Config) resolveSecrets() {
	if c.Validation.ClientSecretEnv != "" {
		c.Validation.ClientSecret = os.Getenv(c.Validation.ClientSecretEnv)
	}
	for name, dest := range c.Outbound.Destinations {
		if dest.ClientSecretEnv != "" {
			dest.ClientSecret = os.Getenv(dest.ClientSecretEnv)
			c.Outbound.Destinations[name] = dest
		}
	}
	if c.Outbound.Default != nil && c.Outbound.Default.ClientSecretEnv != "" {
		c.Outbound.Default.ClientSecret = os.Getenv(c.Outbound.Default.ClientSecretEnv)
	}
}

// Validate checks the configuration for contradictions and missing required
// fields. It does not contact any remote endpoint.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.NewConfigurationError("server.listen_addr is required", nil)
	}

	mode := validator.Mode(c.Validation.Mode)
	switch mode {
	case validator.ModeAuto, validator.ModeJWKS, validator.ModeIntrospection:
	default:
		return errors.NewConfigurationError(
			fmt.Sprintf("validation.mode %q is not one of auto, jwks, introspection", c.Validation.Mode), nil)
	}
	if mode != validator.ModeIntrospection && c.Validation.Issuer == "" && c.Validation.JWKSURL == "" {
		return errors.NewConfigurationError("validation requires an issuer for discovery or an explicit jwks_url", nil)
	}
	if mode == validator.ModeIntrospection && c.Validation.IntrospectionURL == "" && c.Validation.Issuer == "" {
		return errors.NewConfigurationError(
			"introspection mode requires an issuer for discovery or an explicit introspection_url", nil)
	}

	if c.Proxy.Target != "" {
		u, err := url.Parse(c.Proxy.Target)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return errors.NewConfigurationError(fmt.Sprintf("proxy.target %q is not an absolute URL", c.Proxy.Target), err)
		}
	}

	if !c.Outbound.Disabled {
		for name, dest := range c.Outbound.Destinations {
			if err := validateDestination(name, dest); err != nil {
				return err
			}
		}
		if c.Outbound.Default != nil {
			if err := validateDestination("default", *c.Outbound.Default); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateDestination(name string, dest DestinationConfig) error {
	if dest.Disabled {
		return nil
	}
	if dest.AuthServerURL == "" {
		return errors.NewConfigurationError(fmt.Sprintf("outbound destination %q is missing auth_server_url", name), nil)
	}
	if dest.ClientID == "" {
		return errors.NewConfigurationError(fmt.Sprintf("outbound destination %q is missing client_id", name), nil)
	}
	if dest.ClientSecret == "" {
		return errors.NewConfigurationError(fmt.Sprintf("outbound destination %q is missing a client secret", name), nil)
	}
	return nil
}
