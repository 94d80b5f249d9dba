// Package events provides fire-and-forget telemetry events for the trust
// layer. Core components publish through the Publisher interface so that they
// carry no dependency on logging or audit infrastructure; wiring decides
// where events go.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the trust layer.
const (
	// TypeTokenFetched is emitted after a successful token-endpoint fetch.
	TypeTokenFetched = "token.fetched"

	// TypeTokenFetchFailed is emitted when a synchronous token fetch fails.
	TypeTokenFetchFailed = "token.fetch_failed"

	// TypeTokenRefreshed is emitted after a background refresh replaces a cache entry.
	TypeTokenRefreshed = "token.refreshed"

	// TypeTokenRefreshFailed is emitted when a background refresh attempt fails.
	TypeTokenRefreshFailed = "token.refresh_failed"

	// TypeTokenAttached is emitted when an outbound request is authenticated.
	TypeTokenAttached = "outbound.token_attached"

	// TypeAuthConfigInvalidated is emitted when a destination auth config is
	// dropped after a 401 from the destination.
	TypeAuthConfigInvalidated = "outbound.auth_config_invalidated"

	// TypeAuthResolutionFailed is emitted when no auth configuration could be
	// resolved for a destination.
	TypeAuthResolutionFailed = "outbound.auth_resolution_failed"

	// TypeValidationFailed is emitted when an inbound token fails validation.
	TypeValidationFailed = "validation.failed"

	// TypeAccessViolation is emitted on every DENIED_IP / DENIED_TIME decision.
	TypeAccessViolation = "access.violation"

	// TypeClientDisabled is emitted when auto-revocation disables a client.
	TypeClientDisabled = "access.client_disabled"
)

// Event is a single telemetry event. Events are value types; once published
// they must not be mutated.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// Type is one of the Type* constants.
	Type string

	// ClientID identifies the machine client the event concerns, if any.
	ClientID string

	// Timestamp is when the event was created.
	Timestamp time.Time

	// Detail carries event-specific fields.
	Detail map[string]any
}

// New creates an event with a fresh ID and the current time.
func New(eventType, clientID string, detail map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ClientID:  clientID,
		Timestamp: time.Now(),
		Detail:    detail,
	}
}

// Publisher accepts events without blocking the caller. Implementations must
// be safe for concurrent use.
type Publisher interface {
	Publish(event Event)
}

// Nop is a Publisher that discards all events.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(Event) {}
