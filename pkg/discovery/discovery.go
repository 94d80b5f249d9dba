// Package discovery fetches OAuth/OIDC discovery documents from an
// authorization server's well-known endpoint.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaytrust/relaytrust/pkg/networking"
)

// Document represents the discovery document published by an authorization
// server. Only the fields the trust layer consumes are mapped.
type Document struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// Options configures document fetching.
type Options struct {
	// CACertPath is the path to a CA certificate bundle for HTTPS requests.
	CACertPath string

	// AllowPrivateIP allows endpoints on private IP addresses.
	AllowPrivateIP bool

	// HTTPClient overrides the built client entirely. Mainly for tests.
	HTTPClient *http.Client
}

// Fetch retrieves the discovery document from the issuer's well-known
// endpoint. The OIDC path is tried first, then the OAuth authorization-server
// metadata path (RFC 8414).
func Fetch(ctx context.Context, issuer string, opts Options) (*Document, error) {
	client := opts.HTTPClient
	if client == nil {
		var err error
		client, err = networking.NewHttpClientBuilder().
			WithCABundle(opts.CACertPath).
			WithPrivateIPs(opts.AllowPrivateIP).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	base := strings.TrimSuffix(issuer, "/")
	var lastErr error
	for _, wellKnown := range []string{
		base + "/.well-known/openid-configuration",
		base + "/.well-known/oauth-authorization-server",
	} {
		doc, err := networking.GetJSON[Document](ctx, client, wellKnown, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if doc.Issuer == "" {
			lastErr = fmt.Errorf("discovery document at %s missing issuer", wellKnown)
			continue
		}
		return &doc, nil
	}
	return nil, fmt.Errorf("failed to fetch discovery document for %s: %w", issuer, lastErr)
}
