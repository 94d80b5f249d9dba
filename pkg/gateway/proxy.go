package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/relaytrust/relaytrust/pkg/logger"
	"github.com/relaytrust/relaytrust/pkg/outbound"
)

// NewReverseProxy builds a reverse proxy to target whose forwarded requests
// are authenticated through the outbound authenticator. The destination name
// seen by the authenticator is the target host.
func NewReverseProxy(target *url.URL, auth *outbound.Authenticator) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// The inbound bearer token authenticated the caller to the gateway;
		// the destination gets the gateway's own service token instead.
		req.Header.Del("Authorization")
	}
	proxy.Transport = &outbound.Transport{Auth: auth}
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		logger.Errorf("Proxy request to %s failed: %v", target.Host, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return proxy
}
