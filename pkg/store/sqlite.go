package store

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/relaytrust/relaytrust/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// sqliteStore implements Store on a SQLite database.
type sqliteStore struct {
	db *sql.DB
}

// New opens (or creates) a SQLite-backed store at the given path.
func New(path string) (Store, error) {
	return open("file:" + path)
}

// NewMemory creates an isolated in-memory store. Intended for tests and
// ephemeral deployments.
func NewMemory() (Store, error) {
	return open(":memory:")
}

func open(connectionString string) (Store, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single pooled connection also
	// keeps in-memory databases coherent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// GetPolicy returns the policy for a client, or a not-found error.
func (s *sqliteStore) GetPolicy(ctx context.Context, clientID string) (*ClientPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, enforce_ip, enforce_time, auto_revoke, max_violations, disabled,
		        violation_count, last_violation_at, updated_at
		 FROM client_policies WHERE client_id = ?`, clientID)

	var p ClientPolicy
	var lastViolationAt, updatedAt int64
	err := row.Scan(&p.ClientID, &p.EnforceIP, &p.EnforceTime, &p.AutoRevoke, &p.MaxViolations,
		&p.Disabled, &p.ViolationCount, &lastViolationAt, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no policy for client "+clientID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	if lastViolationAt > 0 {
		p.LastViolationAt = time.Unix(lastViolationAt, 0).UTC()
	}
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// UpsertPolicy creates or replaces the policy for a client. The violation
// count of an existing row is preserved.
func (s *sqliteStore) UpsertPolicy(ctx context.Context, policy *ClientPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_policies (client_id, enforce_ip, enforce_time, auto_revoke, max_violations, disabled, violation_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(client_id) DO UPDATE SET
		   enforce_ip = excluded.enforce_ip,
		   enforce_time = excluded.enforce_time,
		   auto_revoke = excluded.auto_revoke,
		   max_violations = excluded.max_violations,
		   disabled = excluded.disabled,
		   updated_at = excluded.updated_at`,
		policy.ClientID, policy.EnforceIP, policy.EnforceTime, policy.AutoRevoke, policy.MaxViolations,
		policy.Disabled, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

// IncrementViolation adds one to the client's violation count.
func (s *sqliteStore) IncrementViolation(ctx context.Context, clientID string) (int, error) {
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx,
		`UPDATE client_policies SET violation_count = violation_count + 1, last_violation_at = ?, updated_at = ?
		 WHERE client_id = ? RETURNING violation_count`,
		now, now, clientID)

	var count int
	err := row.Scan(&count)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.NewNotFoundError("no policy for client "+clientID, nil)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment violation count: %w", err)
	}
	return count, nil
}

// ResetViolations sets the client's violation count back to zero.
func (s *sqliteStore) ResetViolations(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE client_policies SET violation_count = 0, updated_at = ? WHERE client_id = ?`,
		time.Now().Unix(), clientID)
	if err != nil {
		return fmt.Errorf("failed to reset violation count: %w", err)
	}
	return requireRowAffected(res, clientID)
}

// SetDisabled flips the client's disabled flag.
func (s *sqliteStore) SetDisabled(ctx context.Context, clientID string, disabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE client_policies SET disabled = ?, updated_at = ? WHERE client_id = ?`,
		disabled, time.Now().Unix(), clientID)
	if err != nil {
		return fmt.Errorf("failed to update disabled flag: %w", err)
	}
	return requireRowAffected(res, clientID)
}

func requireRowAffected(res sql.Result, clientID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError("no policy for client "+clientID, nil)
	}
	return nil
}

// ListAllowlist returns every allowlist entry for a client.
func (s *sqliteStore) ListAllowlist(ctx context.Context, clientID string) ([]AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, cidr, enabled, description, created_at
		 FROM ip_allowlist WHERE client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allowlist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AllowlistEntry
	for rows.Next() {
		var e AllowlistEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ClientID, &e.CIDR, &e.Enabled, &e.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allowlist row: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddAllowlistEntry inserts an allowlist entry and returns its ID.
func (s *sqliteStore) AddAllowlistEntry(ctx context.Context, entry *AllowlistEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ip_allowlist (client_id, cidr, enabled, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ClientID, entry.CIDR, entry.Enabled, entry.Description, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to add allowlist entry: %w", err)
	}
	return res.LastInsertId()
}

// RemoveAllowlistEntry deletes an allowlist entry by ID.
func (s *sqliteStore) RemoveAllowlistEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_allowlist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove allowlist entry: %w", err)
	}
	return requireEntryAffected(res, id)
}

// SetAllowlistEntryEnabled toggles one allowlist entry.
func (s *sqliteStore) SetAllowlistEntryEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ip_allowlist SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update allowlist entry: %w", err)
	}
	return requireEntryAffected(res, id)
}

func requireEntryAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("no entry with id %d", id), nil)
	}
	return nil
}

// ListTimeWindows returns every time window for a client.
func (s *sqliteStore) ListTimeWindows(ctx context.Context, clientID string) ([]TimeWindow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, day_of_week, start_time, end_time, enabled
		 FROM time_windows WHERE client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list time windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var windows []TimeWindow
	for rows.Next() {
		var w TimeWindow
		if err := rows.Scan(&w.ID, &w.ClientID, &w.DayOfWeek, &w.Start, &w.End, &w.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan time window row: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// AddTimeWindow inserts a time window and returns its ID.
func (s *sqliteStore) AddTimeWindow(ctx context.Context, window *TimeWindow) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO time_windows (client_id, day_of_week, start_time, end_time, enabled) VALUES (?, ?, ?, ?, ?)`,
		window.ClientID, window.DayOfWeek, window.Start, window.End, window.Enabled)
	if err != nil {
		return 0, fmt.Errorf("failed to add time window: %w", err)
	}
	return res.LastInsertId()
}

// RemoveTimeWindow deletes a time window by ID.
func (s *sqliteStore) RemoveTimeWindow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_windows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove time window: %w", err)
	}
	return requireEntryAffected(res, id)
}

// SetTimeWindowEnabled toggles one time window.
func (s *sqliteStore) SetTimeWindowEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE time_windows SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update time window: %w", err)
	}
	return requireEntryAffected(res, id)
}

// AppendAccessLog records one access decision.
func (s *sqliteStore) AppendAccessLog(ctx context.Context, entry *AccessLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_logs (client_id, token_id, decision, source_ip, user_agent, path, reason, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ClientID, entry.TokenID, entry.Decision, entry.SourceIP, entry.UserAgent, entry.Path,
		entry.Reason, ts.Unix())
	if err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return nil
}

// ListAccessLogs returns access-log entries for a client, newest first.
func (s *sqliteStore) ListAccessLogs(ctx context.Context, clientID string, filter AccessLogFilter) ([]AccessLogEntry, error) {
	query := `SELECT id, client_id, token_id, decision, source_ip, user_agent, path, reason, ts
	          FROM access_logs WHERE client_id = ?`
	args := []any{clientID}
	if filter.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, filter.Decision)
	}
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, filter.Until.Unix())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list access logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AccessLogEntry
	for rows.Next() {
		var e AccessLogEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.ClientID, &e.TokenID, &e.Decision, &e.SourceIP,
			&e.UserAgent, &e.Path, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan access log row: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordToken stores an issued-token record, replacing a previous record
// with the same ID.
func (s *sqliteStore) RecordToken(ctx context.Context, record *TokenRecord) error {
	issued := record.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (id, client_id, revoked, issued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.ClientID, record.Revoked, issued.Unix(), record.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record token: %w", err)
	}
	return nil
}

// ListTokens returns token records for a client.
func (s *sqliteStore) ListTokens(ctx context.Context, clientID string) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, revoked, issued_at, expires_at FROM tokens WHERE client_id = ? ORDER BY issued_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []TokenRecord
	for rows.Next() {
		var r TokenRecord
		var issuedAt, expiresAt int64
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Revoked, &issuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		r.IssuedAt = time.Unix(issuedAt, 0).UTC()
		r.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// RevokeAllForClient marks every live token for the client as revoked.
func (s *sqliteStore) RevokeAllForClient(ctx context.Context, clientID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE client_id = ? AND revoked = 0`, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// IsTokenRevoked reports whether a token ID has been revoked. Unknown token
// IDs are not revoked.
func (s *sqliteStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT revoked FROM tokens WHERE id = ?`, tokenID)
	var revoked bool
	err := row.Scan(&revoked)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return revoked, nil
}
