package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytrust/relaytrust/pkg/accessgate"
	"github.com/relaytrust/relaytrust/pkg/store"
)

func newTestAPI(t *testing.T) (*API, *accessgate.Gate) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gate := accessgate.New(st, nil)
	return NewAPI(gate, nil, nil, nil), gate
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAPIAllowlistManagement(t *testing.T) {
	t.Parallel()

	api, gate := newTestAPI(t)
	router := api.Routes()

	rec := doJSON(t, router, http.MethodPost, "/clients/client-a/allowlist",
		`{"cidr": "10.0.0.0/24", "description": "office"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id"`)

	rec = doJSON(t, router, http.MethodPost, "/clients/client-a/allowlist", `{"cidr": "not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/clients/client-a/enforcement/ip", `{"enabled": true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	decision, err := gate.Check(context.Background(), accessgate.CheckRequest{ClientID: "client-a", SourceIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, accessgate.DecisionAllowed, decision)

	rec = doJSON(t, router, http.MethodDelete, "/allowlist/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPITimeWindowManagement(t *testing.T) {
	t.Parallel()

	api, _ := newTestAPI(t)
	router := api.Routes()

	// Enforcement cannot be enabled before a window exists.
	rec := doJSON(t, router, http.MethodPost, "/clients/client-a/enforcement/time", `{"enabled": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/clients/client-a/time-windows",
		`{"day_of_week": 1, "start": "08:00:00", "end": "17:00:00"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/clients/client-a/enforcement/time", `{"enabled": true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPIViolationAdministration(t *testing.T) {
	t.Parallel()

	api, gate := newTestAPI(t)
	router := api.Routes()

	rec := doJSON(t, router, http.MethodPost, "/clients/client-a/auto-revocation",
		`{"enabled": true, "max_violations": 3}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/clients/client-a/auto-revocation",
		`{"enabled": true, "max_violations": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/clients/client-a/violations/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Resetting a client that never had a policy is a 404.
	rec = doJSON(t, router, http.MethodPost, "/clients/unknown/violations/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	enabled, err := gate.IsClientEnabled(context.Background(), "client-a")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestAPIAccessLogs(t *testing.T) {
	t.Parallel()

	api, gate := newTestAPI(t)
	router := api.Routes()

	_, err := gate.Check(context.Background(), accessgate.CheckRequest{ClientID: "client-a", SourceIP: "10.0.0.5"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/clients/client-a/access-logs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_ENFORCED")

	rec = doJSON(t, router, http.MethodGet, "/clients/client-a/access-logs?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
