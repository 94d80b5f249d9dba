package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1 << 20

	// DefaultErrorPreviewSize is the maximum size of the error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024
)

// HTTPClient is the subset of *http.Client used by the fetch helpers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Body is a preview of the response body (limited to DefaultErrorPreviewSize).
	Body string

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}

// GetJSON performs a GET request and decodes the JSON response body into T.
// Non-2xx responses are returned as *HTTPError.
func GetJSON[T any](ctx context.Context, client HTTPClient, requestURL string, headers http.Header) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return doJSON[T](client, req)
}

// PostFormJSON performs a form-encoded POST and decodes the JSON response
// body into T. If basicUser is non-empty, client credentials are sent via
// HTTP Basic auth with URL-escaped values for OAuth2 compatibility.
func PostFormJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	form url.Values,
	basicUser, basicPass string,
) (T, error) {
	var zero T
	encoded := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(encoded))
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicUser != "" {
		req.SetBasicAuth(url.QueryEscape(basicUser), url.QueryEscape(basicPass))
	}
	return doJSON[T](client, req)
}

func doJSON[T any](client HTTPClient, req *http.Request) (T, error) {
	var zero T
	resp, err := client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxResponseSize))
	if err != nil {
		return zero, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := string(body)
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		return zero, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       preview,
			URL:        req.URL.String(),
		}
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return zero, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return data, nil
}
