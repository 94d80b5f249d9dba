package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaytrust/relaytrust/pkg/accessgate"
	"github.com/relaytrust/relaytrust/pkg/config"
	"github.com/relaytrust/relaytrust/pkg/events"
	"github.com/relaytrust/relaytrust/pkg/gateway"
	"github.com/relaytrust/relaytrust/pkg/logger"
	"github.com/relaytrust/relaytrust/pkg/outbound"
	"github.com/relaytrust/relaytrust/pkg/store"
	"github.com/relaytrust/relaytrust/pkg/tokensource"
	"github.com/relaytrust/relaytrust/pkg/validator"
)

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	defer st.Close()

	// All components publish onto one bus; the log handler makes every
	// token and policy event visible in the gateway logs.
	bus := events.NewBus(cfg.Events.BufferSize, logEvent)
	defer bus.Close()

	tokens := tokensource.NewManager(tokensource.Config{
		RefreshBuffer:           cfg.Tokens.RefreshBuffer,
		MaxRetries:              cfg.Tokens.MaxRetries,
		InitialRetryDelay:       cfg.Tokens.InitialRetryDelay,
		RefreshRetryInterval:    cfg.Tokens.RefreshRetryInterval,
		BreakerFailureThreshold: cfg.Tokens.BreakerFailureThreshold,
		BreakerCooldown:         cfg.Tokens.BreakerCooldown,
		MaxCacheSize:            cfg.Tokens.MaxCacheSize,
		Publisher:               bus,
	})
	defer tokens.Close()

	v, err := validator.New(ctx, validator.Config{
		Issuer:           cfg.Validation.Issuer,
		Audience:         cfg.Validation.Audience,
		JWKSURL:          cfg.Validation.JWKSURL,
		IntrospectionURL: cfg.Validation.IntrospectionURL,
		ClientID:         cfg.Validation.ClientID,
		ClientSecret:     cfg.Validation.ClientSecret,
		RequiredScopes:   cfg.Validation.RequiredScopes,
		Mode:             validator.Mode(cfg.Validation.Mode),
		CACertPath:       cfg.Validation.CACertPath,
		AllowPrivateIP:   cfg.Validation.AllowPrivateIP,
		CacheTTL:         cfg.Validation.CacheTTL,
		Publisher:        bus,
	})
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}
	defer v.Close()

	resolver := buildResolver(cfg.Outbound)
	auth := outbound.NewAuthenticator(resolver, tokens, outbound.Config{
		Disabled:  cfg.Outbound.Disabled,
		Publisher: bus,
	})
	defer auth.Close()

	gate := accessgate.New(st, bus)
	mw := gateway.NewMiddleware(v, gate, st, gateway.MiddlewareConfig{
		Realm:             cfg.Server.Realm,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})
	api := gateway.NewAPI(gate, tokens, v, resolver)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Mount("/api/v1", api.Routes())
	router.Group(func(r chi.Router) {
		r.Use(mw.Handler)
		r.Get("/whoami", whoami)
		if cfg.Proxy.Target != "" {
			target, err := url.Parse(cfg.Proxy.Target)
			if err != nil {
				// Validate already checked this; keep the guard anyway.
				logger.Errorf("Invalid proxy target %q: %v", cfg.Proxy.Target, err)
				return
			}
			logger.Infof("Proxying admitted requests to %s", target.Host)
			r.Handle("/*", gateway.NewReverseProxy(target, auth))
		}
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Trust gateway listening on %s", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down trust gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Path == "" {
		logger.Warn("No store path configured; policy and audit data will not survive restarts")
		return store.NewMemory()
	}
	return store.New(cfg.Path)
}

// buildResolver translates the outbound configuration into the resolver
// consumed by the authenticator and the token endpoint.
func buildResolver(cfg config.OutboundConfig) *outbound.StaticResolver {
	resolver := outbound.NewStaticResolver()
	for name, dest := range cfg.Destinations {
		resolver.Set(name, destinationConfig(dest))
	}
	if cfg.Default != nil {
		resolver.SetDefault(destinationConfig(*cfg.Default))
	}
	return resolver
}

func destinationConfig(dest config.DestinationConfig) *outbound.DestinationConfig {
	return &outbound.DestinationConfig{
		Disabled: dest.Disabled,
		Token: tokensource.TokenRequest{
			AuthServerURL: dest.AuthServerURL,
			ClientID:      dest.ClientID,
			ClientSecret:  dest.ClientSecret,
			Scope:         dest.Scope,
			Audience:      dest.Audience,
		},
	}
}

// whoami reports the identity the middleware admitted, mostly useful for
// wiring checks from service clients.
func whoami(w http.ResponseWriter, r *http.Request) {
	res, ok := gateway.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "no identity in context", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"subject":%q,"client_id":%q}`+"\n", res.Subject, res.ClientID)
}

func logEvent(e events.Event) {
	logger.Infow("gateway event",
		"event_id", e.ID,
		"type", e.Type,
		"client_id", e.ClientID,
		"detail", e.Detail,
	)
}
