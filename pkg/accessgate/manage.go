package accessgate

import (
	"context"
	"net"
	"strings"

	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/store"
)

// AddAllowlistEntry adds a source to the client's allowlist. The value must
// be an IP address or an IPv4 CIDR block.
func (g *Gate) AddAllowlistEntry(ctx context.Context, clientID, cidr, description string) (int64, error) {
	if err := validateAllowlistValue(cidr); err != nil {
		return 0, err
	}
	return g.store.AddAllowlistEntry(ctx, &store.AllowlistEntry{
		ClientID:    clientID,
		CIDR:        cidr,
		Enabled:     true,
		Description: description,
	})
}

// RemoveAllowlistEntry removes an allowlist entry by ID.
func (g *Gate) RemoveAllowlistEntry(ctx context.Context, id int64) error {
	return g.store.RemoveAllowlistEntry(ctx, id)
}

// AddTimeWindow adds an allowed access interval for one weekday. Start and
// end are "15:04:05" clock strings; the interval is inclusive on both ends.
func (g *Gate) AddTimeWindow(ctx context.Context, clientID string, dayOfWeek int, start, end string) (int64, error) {
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return 0, errors.NewConfigurationError("day of week must be 0 (Sunday) through 6 (Saturday)", nil)
	}
	startSecs, err := parseClockTime(start)
	if err != nil {
		return 0, errors.NewConfigurationError("invalid start time", err)
	}
	endSecs, err := parseClockTime(end)
	if err != nil {
		return 0, errors.NewConfigurationError("invalid end time", err)
	}
	if endSecs < startSecs {
		return 0, errors.NewConfigurationError("time window end precedes start", nil)
	}
	return g.store.AddTimeWindow(ctx, &store.TimeWindow{
		ClientID:  clientID,
		DayOfWeek: dayOfWeek,
		Start:     start,
		End:       end,
		Enabled:   true,
	})
}

// RemoveTimeWindow removes a time window by ID.
func (g *Gate) RemoveTimeWindow(ctx context.Context, id int64) error {
	return g.store.RemoveTimeWindow(ctx, id)
}

// ToggleIPEnforcement turns the IP allowlist check on or off. Enabling
// requires at least one enabled allowlist entry, otherwise an empty
// allowlist would deny all traffic.
func (g *Gate) ToggleIPEnforcement(ctx context.Context, clientID string, enabled bool) error {
	if enabled {
		entries, err := g.store.ListAllowlist(ctx, clientID)
		if err != nil {
			return err
		}
		if !anyEnabledEntry(entries) {
			return errors.NewConfigurationError(
				"cannot enable IP enforcement without at least one enabled allowlist entry", nil)
		}
	}
	policy, err := g.policyOrDefault(ctx, clientID)
	if err != nil {
		return err
	}
	policy.EnforceIP = enabled
	return g.store.UpsertPolicy(ctx, policy)
}

// ToggleTimeEnforcement turns the time-window check on or off. Enabling
// requires at least one enabled window to exist.
func (g *Gate) ToggleTimeEnforcement(ctx context.Context, clientID string, enabled bool) error {
	if enabled {
		windows, err := g.store.ListTimeWindows(ctx, clientID)
		if err != nil {
			return err
		}
		if !anyEnabledWindow(windows) {
			return errors.NewConfigurationError(
				"cannot enable time enforcement without at least one enabled time window", nil)
		}
	}
	policy, err := g.policyOrDefault(ctx, clientID)
	if err != nil {
		return err
	}
	policy.EnforceTime = enabled
	return g.store.UpsertPolicy(ctx, policy)
}

// ConfigureAutoRevocation sets whether repeated violations disable the
// client, and at which count.
func (g *Gate) ConfigureAutoRevocation(ctx context.Context, clientID string, enabled bool, maxViolations int) error {
	if enabled && maxViolations <= 0 {
		return errors.NewConfigurationError("auto-revocation requires a positive violation limit", nil)
	}
	policy, err := g.policyOrDefault(ctx, clientID)
	if err != nil {
		return err
	}
	policy.AutoRevoke = enabled
	policy.MaxViolations = maxViolations
	return g.store.UpsertPolicy(ctx, policy)
}

// ResetViolationCount zeroes the client's violation counter. The client's
// enabled/disabled state is untouched.
func (g *Gate) ResetViolationCount(ctx context.Context, clientID string) error {
	return g.store.ResetViolations(ctx, clientID)
}

// EnableClient re-enables a disabled client.
func (g *Gate) EnableClient(ctx context.Context, clientID string) error {
	return g.store.SetDisabled(ctx, clientID, false)
}

// GetAccessLogs returns access-log entries for a client, newest first.
func (g *Gate) GetAccessLogs(ctx context.Context, clientID string, filter store.AccessLogFilter) ([]store.AccessLogEntry, error) {
	return g.store.ListAccessLogs(ctx, clientID, filter)
}

// policyOrDefault loads the client's policy, or a fresh default when none
// exists yet.
func (g *Gate) policyOrDefault(ctx context.Context, clientID string) (*store.ClientPolicy, error) {
	policy, err := g.store.GetPolicy(ctx, clientID)
	if err == nil {
		return policy, nil
	}
	if errors.IsNotFound(err) {
		return &store.ClientPolicy{ClientID: clientID}, nil
	}
	return nil, err
}

func validateAllowlistValue(cidr string) error {
	if strings.Contains(cidr, "/") {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return errors.NewConfigurationError("invalid CIDR block", err)
		}
		if network.IP.To4() == nil {
			return errors.NewConfigurationError("only IPv4 CIDR blocks are supported", nil)
		}
		return nil
	}
	if net.ParseIP(cidr) == nil {
		return errors.NewConfigurationError("invalid IP address", nil)
	}
	return nil
}

func anyEnabledEntry(entries []store.AllowlistEntry) bool {
	for _, e := range entries {
		if e.Enabled {
			return true
		}
	}
	return false
}

func anyEnabledWindow(windows []store.TimeWindow) bool {
	for _, w := range windows {
		if w.Enabled {
			return true
		}
	}
	return false
}
