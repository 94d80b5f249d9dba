package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchOIDCDocument(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "https://issuer.example.com",
			"token_endpoint": "https://issuer.example.com/oauth/token",
			"jwks_uri": "https://issuer.example.com/.well-known/jwks.json",
			"introspection_endpoint": "https://issuer.example.com/oauth/introspect"
		}`))
	}))
	t.Cleanup(srv.Close)

	doc, err := Fetch(context.Background(), srv.URL, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com", doc.Issuer)
	assert.Equal(t, "https://issuer.example.com/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, "https://issuer.example.com/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, "https://issuer.example.com/oauth/introspect", doc.IntrospectionEndpoint)
}

func TestFetchFallsBackToOAuthMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer": "https://as.example.com", "token_endpoint": "https://as.example.com/token"}`))
	}))
	t.Cleanup(srv.Close)

	doc, err := Fetch(context.Background(), srv.URL, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.Equal(t, "https://as.example.com", doc.Issuer)
}

func TestFetchErrorWhenNeitherEndpointServes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := Fetch(context.Background(), srv.URL, Options{HTTPClient: srv.Client()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch discovery document")
}

func TestFetchRejectsDocumentWithoutIssuer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_endpoint": "https://as.example.com/token"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := Fetch(context.Background(), srv.URL, Options{HTTPClient: srv.Client()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing issuer")
}
