// Package accessgate evaluates network-location and time-window policy for
// inbound clients before they may reach protected functionality.
//
// Every denial is logged, counted against the client, and may escalate to
// automatic revocation: once a client configured for auto-revocation reaches
// its violation limit it is disabled and all of its outstanding tokens are
// revoked in bulk.
package accessgate

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relaytrust/relaytrust/pkg/errors"
	"github.com/relaytrust/relaytrust/pkg/events"
	"github.com/relaytrust/relaytrust/pkg/logger"
	"github.com/relaytrust/relaytrust/pkg/store"
)

// Decision is the outcome of one access check.
type Decision string

const (
	// DecisionAllowed admits the request.
	DecisionAllowed Decision = "ALLOWED"
	// DecisionDeniedIP rejects the request because the source IP is not
	// allowlisted.
	DecisionDeniedIP Decision = "DENIED_IP"
	// DecisionDeniedTime rejects the request because it falls outside every
	// allowed time window.
	DecisionDeniedTime Decision = "DENIED_TIME"
	// DecisionNotEnforced admits the request because the client has no IP
	// enforcement configured.
	DecisionNotEnforced Decision = "NOT_ENFORCED"
)

// Allowed reports whether the decision admits the request.
func (d Decision) Allowed() bool {
	return d == DecisionAllowed || d == DecisionNotEnforced
}

// CheckRequest describes one inbound access attempt.
type CheckRequest struct {
	// ClientID identifies the calling service.
	ClientID string

	// SourceIP is the caller's source address, without port.
	SourceIP string

	// TokenID, UserAgent, and Path enrich the access log when known.
	TokenID   string
	UserAgent string
	Path      string
}

// Gate evaluates access policy against persisted state.
type Gate struct {
	store  store.Store
	events events.Publisher

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates a gate over the given store.
func New(st store.Store, publisher events.Publisher) *Gate {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Gate{store: st, events: publisher, now: time.Now}
}

// Check evaluates the client's policy for one access attempt. Denials are
// logged, counted, and may trigger auto-revocation; the returned error is
// reserved for store failures that prevent reaching a decision.
func (g *Gate) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	policy, err := g.store.GetPolicy(ctx, req.ClientID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return "", err
		}
		policy = nil
	}
	if policy == nil || !policy.EnforceIP {
		// No policy or IP enforcement off: admit without evaluating, but
		// keep the attempt visible in the access log.
		g.logDecision(ctx, req, DecisionNotEnforced, "")
		return DecisionNotEnforced, nil
	}

	if policy.EnforceTime {
		ok, err := g.checkTimeWindows(ctx, req.ClientID)
		if err != nil {
			return "", err
		}
		if !ok {
			g.recordViolation(ctx, req, policy, DecisionDeniedTime, "outside allowed time windows")
			return DecisionDeniedTime, nil
		}
	}

	ok, err := g.checkAllowlist(ctx, req.ClientID, req.SourceIP)
	if err != nil {
		return "", err
	}
	if !ok {
		g.recordViolation(ctx, req, policy, DecisionDeniedIP, "source IP not allowlisted")
		return DecisionDeniedIP, nil
	}

	g.logDecision(ctx, req, DecisionAllowed, "")
	return DecisionAllowed, nil
}

// IsClientEnabled reports whether the client may authenticate at all.
// Clients without a policy are enabled.
func (g *Gate) IsClientEnabled(ctx context.Context, clientID string) (bool, error) {
	policy, err := g.store.GetPolicy(ctx, clientID)
	if err != nil {
		if errors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return !policy.Disabled, nil
}

// checkTimeWindows reports whether the current time falls inside at least one
// enabled window for today. A day with no windows defined is permissive.
func (g *Gate) checkTimeWindows(ctx context.Context, clientID string) (bool, error) {
	windows, err := g.store.ListTimeWindows(ctx, clientID)
	if err != nil {
		return false, err
	}

	now := g.now()
	day := int(now.Weekday())
	nowSecs := now.Hour()*3600 + now.Minute()*60 + now.Second()

	anyForDay := false
	for _, w := range windows {
		if !w.Enabled || w.DayOfWeek != day {
			continue
		}
		anyForDay = true

		start, err := parseClockTime(w.Start)
		if err != nil {
			logger.Warnf("Skipping time window %d with malformed start %q", w.ID, w.Start)
			continue
		}
		end, err := parseClockTime(w.End)
		if err != nil {
			logger.Warnf("Skipping time window %d with malformed end %q", w.ID, w.End)
			continue
		}
		// Closed interval on both ends.
		if nowSecs >= start && nowSecs <= end {
			return true, nil
		}
	}
	return !anyForDay, nil
}

// checkAllowlist reports whether the source IP matches an enabled allowlist
// entry, by exact match or IPv4 CIDR containment. Malformed entries are
// skipped rather than denying everything.
func (g *Gate) checkAllowlist(ctx context.Context, clientID, sourceIP string) (bool, error) {
	entries, err := g.store.ListAllowlist(ctx, clientID)
	if err != nil {
		return false, err
	}

	parsed := net.ParseIP(sourceIP)
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if e.CIDR == sourceIP {
			return true, nil
		}
		if !strings.Contains(e.CIDR, "/") || parsed == nil {
			continue
		}
		_, network, err := net.ParseCIDR(e.CIDR)
		if err != nil || network.IP.To4() == nil {
			logger.Warnf("Skipping malformed allowlist entry %d (%q) for client %s", e.ID, e.CIDR, clientID)
			continue
		}
		if network.Contains(parsed) {
			return true, nil
		}
	}
	return false, nil
}

// recordViolation logs the denial, emits the violation event, bumps the
// client's counter, and auto-revokes when the policy says so. Persistence
// failures here are logged, not returned: the denial itself already stands.
func (g *Gate) recordViolation(ctx context.Context, req CheckRequest, policy *store.ClientPolicy, decision Decision, reason string) {
	g.logDecision(ctx, req, decision, reason)
	g.events.Publish(events.New(events.TypeAccessViolation, req.ClientID, map[string]any{
		"decision":  string(decision),
		"source_ip": req.SourceIP,
		"reason":    reason,
	}))

	count, err := g.store.IncrementViolation(ctx, req.ClientID)
	if err != nil {
		logger.Errorf("Failed to increment violation count for client %s: %v", req.ClientID, err)
		return
	}

	if !policy.AutoRevoke || policy.MaxViolations <= 0 || count < policy.MaxViolations {
		return
	}

	if err := g.store.SetDisabled(ctx, req.ClientID, true); err != nil {
		logger.Errorf("Failed to disable client %s: %v", req.ClientID, err)
		return
	}
	revoked, err := g.store.RevokeAllForClient(ctx, req.ClientID)
	if err != nil {
		logger.Errorf("Failed to revoke tokens for client %s: %v", req.ClientID, err)
	}
	logger.Warnf("Client %s disabled after %d violations, %d tokens revoked", req.ClientID, count, revoked)
	g.events.Publish(events.New(events.TypeClientDisabled, req.ClientID, map[string]any{
		"violation_count": count,
		"tokens_revoked":  revoked,
	}))
}

func (g *Gate) logDecision(ctx context.Context, req CheckRequest, decision Decision, reason string) {
	err := g.store.AppendAccessLog(ctx, &store.AccessLogEntry{
		ClientID:  req.ClientID,
		TokenID:   req.TokenID,
		Decision:  string(decision),
		SourceIP:  req.SourceIP,
		UserAgent: req.UserAgent,
		Path:      req.Path,
		Reason:    reason,
		Timestamp: g.now(),
	})
	if err != nil {
		logger.Errorf("Failed to append access log for client %s: %v", req.ClientID, err)
	}
}

// parseClockTime converts a "15:04:05" clock string to seconds of day.
func parseClockTime(s string) (int, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}
