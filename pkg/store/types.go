// Package store persists access-control state: client policies, IP
// allowlists, time windows, issued-token records, and the access log.
package store

import (
	"context"
	"time"
)

// ClientPolicy is the per-client enforcement policy.
type ClientPolicy struct {
	// ClientID identifies the calling service.
	ClientID string

	// EnforceIP enables source-IP allowlist checks.
	EnforceIP bool

	// EnforceTime enables time-window checks.
	EnforceTime bool

	// AutoRevoke disables the client automatically once ViolationCount
	// reaches MaxViolations.
	AutoRevoke bool

	// MaxViolations is the violation count at which the client is
	// automatically disabled.
	MaxViolations int

	// Disabled marks the client as revoked.
	Disabled bool

	// ViolationCount is the number of recorded access violations. It only
	// ever grows until explicitly reset.
	ViolationCount int

	// LastViolationAt is when the last violation was recorded, zero when
	// none has been.
	LastViolationAt time.Time

	// UpdatedAt is when the policy row last changed.
	UpdatedAt time.Time
}

// AllowlistEntry is one allowed source for a client: an exact IP or an IPv4
// CIDR block.
type AllowlistEntry struct {
	ID          int64
	ClientID    string
	CIDR        string
	Enabled     bool
	Description string
	CreatedAt   time.Time
}

// TimeWindow is one allowed access interval for a client on one weekday.
// Start and End are second-precision clock times formatted "15:04:05"; the
// interval is inclusive on both ends.
type TimeWindow struct {
	ID       int64
	ClientID string

	// DayOfWeek follows time.Weekday: 0 is Sunday.
	DayOfWeek int

	Start   string
	End     string
	Enabled bool
}

// AccessLogEntry records one access decision.
type AccessLogEntry struct {
	ID        int64
	ClientID  string
	TokenID   string
	Decision  string
	SourceIP  string
	UserAgent string
	Path      string
	Reason    string
	Timestamp time.Time
}

// AccessLogFilter narrows access-log queries. Zero values match everything.
type AccessLogFilter struct {
	// Decision limits results to one decision kind.
	Decision string

	// Since and Until bound the entry timestamp.
	Since time.Time
	Until time.Time

	// Limit caps the number of returned rows, newest first. Zero means 100.
	Limit int
}

// TokenRecord tracks a token the trust layer has seen issued for a client,
// so revoking a client can revoke its outstanding tokens.
type TokenRecord struct {
	ID        string
	ClientID  string
	Revoked   bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PolicyStore persists per-client enforcement policies.
type PolicyStore interface {
	// GetPolicy returns the policy for a client, or a not-found error.
	GetPolicy(ctx context.Context, clientID string) (*ClientPolicy, error)

	// UpsertPolicy creates or replaces the policy for a client, preserving
	// its violation count.
	UpsertPolicy(ctx context.Context, policy *ClientPolicy) error

	// IncrementViolation adds one to the client's violation count and
	// returns the new value.
	IncrementViolation(ctx context.Context, clientID string) (int, error)

	// ResetViolations sets the client's violation count back to zero.
	ResetViolations(ctx context.Context, clientID string) error

	// SetDisabled flips the client's disabled flag.
	SetDisabled(ctx context.Context, clientID string, disabled bool) error
}

// AllowlistStore persists per-client source allowlists.
type AllowlistStore interface {
	ListAllowlist(ctx context.Context, clientID string) ([]AllowlistEntry, error)
	AddAllowlistEntry(ctx context.Context, entry *AllowlistEntry) (int64, error)
	RemoveAllowlistEntry(ctx context.Context, id int64) error
	SetAllowlistEntryEnabled(ctx context.Context, id int64, enabled bool) error
}

// TimeWindowStore persists per-client time windows.
type TimeWindowStore interface {
	ListTimeWindows(ctx context.Context, clientID string) ([]TimeWindow, error)
	AddTimeWindow(ctx context.Context, window *TimeWindow) (int64, error)
	RemoveTimeWindow(ctx context.Context, id int64) error
	SetTimeWindowEnabled(ctx context.Context, id int64, enabled bool) error
}

// AccessLogStore persists access decisions.
type AccessLogStore interface {
	AppendAccessLog(ctx context.Context, entry *AccessLogEntry) error
	ListAccessLogs(ctx context.Context, clientID string, filter AccessLogFilter) ([]AccessLogEntry, error)
}

// TokenStore tracks issued tokens per client.
type TokenStore interface {
	RecordToken(ctx context.Context, record *TokenRecord) error
	ListTokens(ctx context.Context, clientID string) ([]TokenRecord, error)

	// RevokeAllForClient marks every live token for the client as revoked
	// and returns how many were affected.
	RevokeAllForClient(ctx context.Context, clientID string) (int, error)

	// IsTokenRevoked reports whether a token ID has been revoked.
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Store aggregates all persistence concerns of the trust layer.
type Store interface {
	PolicyStore
	AllowlistStore
	TimeWindowStore
	AccessLogStore
	TokenStore

	Close() error
}
