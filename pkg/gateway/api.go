package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaytrust/relaytrust/pkg/accessgate"
	"github.com/relaytrust/relaytrust/pkg/cache"
	"github.com/relaytrust/relaytrust/pkg/outbound"
	"github.com/relaytrust/relaytrust/pkg/store"
	"github.com/relaytrust/relaytrust/pkg/tokensource"
	"github.com/relaytrust/relaytrust/pkg/validator"
)

// API is the management surface consumed by upstream controllers: token
// acquisition, token validation, and access policy administration.
type API struct {
	gate      *accessgate.Gate
	tokens    *tokensource.Manager
	validator *validator.Validator
	resolver  outbound.Resolver
}

// NewAPI builds the management API. The resolver may be nil when token
// acquisition by destination is not exposed.
func NewAPI(gate *accessgate.Gate, tokens *tokensource.Manager, v *validator.Validator, resolver outbound.Resolver) *API {
	return &API{gate: gate, tokens: tokens, validator: v, resolver: resolver}
}

// Routes returns the management router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/token", a.getToken)
	r.Post("/validate", a.validateToken)

	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Post("/allowlist", a.addAllowlistEntry)
		r.Post("/time-windows", a.addTimeWindow)
		r.Post("/enforcement/ip", a.toggleIPEnforcement)
		r.Post("/enforcement/time", a.toggleTimeEnforcement)
		r.Post("/auto-revocation", a.configureAutoRevocation)
		r.Post("/violations/reset", a.resetViolations)
		r.Post("/enable", a.enableClient)
		r.Get("/access-logs", a.getAccessLogs)
	})
	r.Delete("/allowlist/{id}", a.removeAllowlistEntry)
	r.Delete("/time-windows/{id}", a.removeTimeWindow)

	r.Get("/stats", a.getStats)

	return r
}

func (a *API) getToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if a.resolver == nil {
		http.Error(w, "token acquisition by destination is not configured", http.StatusNotImplemented)
		return
	}

	cfg, err := a.resolver.Resolve(r.Context(), body.Destination)
	if err != nil {
		writeError(w, err)
		return
	}
	tok, err := a.tokens.GetToken(r.Context(), cfg.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"access_token": tok.AccessToken,
		"token_type":   tok.TokenType,
		"expires_at":   tok.ExpiresAt,
		"scopes":       tok.Scopes,
	})
}

func (a *API) validateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := a.validator.Validate(r.Context(), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"valid":     res.Valid,
		"active":    res.Active,
		"subject":   res.Subject,
		"client_id": res.ClientID,
		"scopes":    res.Scopes,
		"reason":    res.Reason,
	})
}

func (a *API) addAllowlistEntry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CIDR        string `json:"cidr"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := a.gate.AddAllowlistEntry(r.Context(), chi.URLParam(r, "clientID"), body.CIDR, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"id": id})
}

func (a *API) removeAllowlistEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid entry id", http.StatusBadRequest)
		return
	}
	if err := a.gate.RemoveAllowlistEntry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addTimeWindow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DayOfWeek int    `json:"day_of_week"`
		Start     string `json:"start"`
		End       string `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := a.gate.AddTimeWindow(r.Context(), chi.URLParam(r, "clientID"), body.DayOfWeek, body.Start, body.End)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"id": id})
}

func (a *API) removeTimeWindow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid window id", http.StatusBadRequest)
		return
	}
	if err := a.gate.RemoveTimeWindow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) toggleIPEnforcement(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, a.gate.ToggleIPEnforcement)
}

func (a *API) toggleTimeEnforcement(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, a.gate.ToggleTimeEnforcement)
}

func (a *API) toggle(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, clientID string, enabled bool) error) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := apply(r.Context(), chi.URLParam(r, "clientID"), body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) configureAutoRevocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled       bool `json:"enabled"`
		MaxViolations int  `json:"max_violations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.gate.ConfigureAutoRevocation(r.Context(), chi.URLParam(r, "clientID"), body.Enabled, body.MaxViolations); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) resetViolations(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.ResetViolationCount(r.Context(), chi.URLParam(r, "clientID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) enableClient(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.EnableClient(r.Context(), chi.URLParam(r, "clientID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getAccessLogs(w http.ResponseWriter, r *http.Request) {
	filter := store.AccessLogFilter{Decision: r.URL.Query().Get("decision")}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = ts
	}
	if v := r.URL.Query().Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid until timestamp", http.StatusBadRequest)
			return
		}
		filter.Until = ts
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	logs, err := a.gate.GetAccessLogs(r.Context(), chi.URLParam(r, "clientID"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, logs)
}

func (a *API) getStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]cache.Stats{}
	if a.tokens != nil {
		stats["token_cache"] = a.tokens.CacheStats()
	}
	if a.validator != nil {
		stats["validation_cache"] = a.validator.CacheStats()
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
