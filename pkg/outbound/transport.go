package outbound

import (
	"net/http"

	"github.com/relaytrust/relaytrust/pkg/logger"
)

// Transport is an http.RoundTripper that authenticates outbound requests.
// A 401 from the destination invalidates its cached configuration so the
// next request re-resolves it; the failed request itself is not retried.
type Transport struct {
	// Base performs the actual request. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Auth attaches credentials before the request is sent.
	Auth *Authenticator

	// Destination derives the destination name from the request. Defaults
	// to the request host.
	Destination func(*http.Request) string
}

// RoundTrip implements http.RoundTripper. The incoming request is cloned
// before mutation, per the RoundTripper contract.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	destination := req.URL.Host
	if t.Destination != nil {
		destination = t.Destination(req)
	}

	out := req.Clone(req.Context())
	if err := t.Auth.Authenticate(req.Context(), destination, out); err != nil {
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		logger.Infow("destination rejected credentials, invalidating", "destination", destination)
		t.Auth.InvalidateDestination(destination)
	}
	return resp, nil
}
