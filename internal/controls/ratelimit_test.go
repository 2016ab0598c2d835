package controls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/events"
)

func TestRateLimit_SlidingWindow(t *testing.T) {
	m, clock, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "api", Limit: 3, Window: time.Minute, Scope: ScopeIP, Action: ActionBlock,
	})
	require.NoError(t, err)

	req := Request{IP: "198.18.0.1"}
	for i := 0; i < 3; i++ {
		assert.True(t, m.CheckRateLimit(ctx, req).Allowed)
	}
	decision := m.CheckRateLimit(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ActionBlock, decision.Action)

	// The window slides: after it passes, requests are admitted again.
	clock.Advance(61 * time.Second)
	assert.True(t, m.CheckRateLimit(ctx, req).Allowed)
}

func TestRateLimit_ScopeIsolation(t *testing.T) {
	m, _, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "per-user", Limit: 2, Window: time.Minute, Scope: ScopeUser, Action: ActionBlock,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.True(t, m.CheckRateLimit(ctx, Request{UserID: "u1"}).Allowed)
	}
	assert.False(t, m.CheckRateLimit(ctx, Request{UserID: "u1"}).Allowed)
	assert.True(t, m.CheckRateLimit(ctx, Request{UserID: "u2"}).Allowed, "other users are unaffected")
}

func TestRateLimit_SkipsRulesMissingScopeData(t *testing.T) {
	m, _, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "per-user", Limit: 1, Window: time.Minute, Scope: ScopeUser, Action: ActionBlock,
	})
	require.NoError(t, err)

	// Anonymous requests carry no user ID; the user-scoped rule never fires.
	for i := 0; i < 5; i++ {
		assert.True(t, m.CheckRateLimit(ctx, Request{IP: "198.18.0.1"}).Allowed)
	}
}

func TestRateLimit_DeniedRequestNotRecorded(t *testing.T) {
	m, _, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "global", Limit: 2, Window: time.Hour, Scope: ScopeGlobal, Action: ActionBlock,
	})
	require.NoError(t, err)
	_, err = m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "per-ip", Limit: 100, Window: time.Hour, Scope: ScopeIP, Action: ActionBlock,
	})
	require.NoError(t, err)

	req := Request{IP: "198.18.0.1"}
	assert.True(t, m.CheckRateLimit(ctx, req).Allowed)
	assert.True(t, m.CheckRateLimit(ctx, req).Allowed)

	// Denied checks leave every window untouched: the per-ip count stays at
	// two admissions even after repeated rejections.
	for i := 0; i < 3; i++ {
		assert.False(t, m.CheckRateLimit(ctx, req).Allowed)
	}
	m.mu.RLock()
	var perIP *RateLimitRule
	for _, rule := range m.rateLimits {
		if rule.Name == "per-ip" {
			perIP = rule
		}
	}
	count := len(perIP.windows["ip:198.18.0.1"])
	m.mu.RUnlock()
	assert.Equal(t, 2, count)
}

func TestRateLimit_ResourcePattern(t *testing.T) {
	m, _, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "exports", ResourceRegex: "^api/export", Limit: 2,
		Window: time.Minute, Scope: ScopeUser, Action: ActionBlock,
	})
	require.NoError(t, err)

	// Matching resources consume the window.
	for i := 0; i < 2; i++ {
		assert.True(t, m.CheckRateLimit(ctx, Request{Resource: "api/export/users", UserID: "u1"}).Allowed)
	}
	decision := m.CheckRateLimit(ctx, Request{Resource: "api/export/users", UserID: "u1"})
	assert.False(t, decision.Allowed)
	assert.Equal(t, "exports", decision.RuleName)

	// Non-matching resources, and requests carrying no resource at all, are
	// never counted against the rule.
	for i := 0; i < 10; i++ {
		assert.True(t, m.CheckRateLimit(ctx, Request{Resource: "api/users", UserID: "u1"}).Allowed)
		assert.True(t, m.CheckRateLimit(ctx, Request{UserID: "u1"}).Allowed)
	}
}

func TestRateLimit_Validation(t *testing.T) {
	m, _, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{Name: "bad", Limit: 0, Window: time.Minute, Scope: ScopeIP, Action: ActionBlock})
	assert.Error(t, err)
	_, err = m.AddRateLimitRule(ctx, RateLimitRule{Name: "bad", Limit: 1, Window: time.Minute, Scope: "tenant", Action: ActionBlock})
	assert.Error(t, err)
	_, err = m.AddRateLimitRule(ctx, RateLimitRule{Name: "bad", Limit: 1, Window: time.Minute, Scope: ScopeIP, Action: "teleport"})
	assert.Error(t, err)
	_, err = m.AddRateLimitRule(ctx, RateLimitRule{Name: "bad", ResourceRegex: "[", Limit: 1, Window: time.Minute, Scope: ScopeIP, Action: ActionBlock})
	assert.Error(t, err)
}

func TestEnforceRateLimit_NonBlockingActions(t *testing.T) {
	m, _, _ := newTestControls(t, false)
	ctx := context.Background()

	_, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "audit-only", Limit: 1, Window: time.Hour, Scope: ScopeGlobal, Action: ActionLog,
	})
	require.NoError(t, err)

	require.NoError(t, m.EnforceRateLimit(ctx, Request{}))
	// Exceeded, but the action is log-only.
	require.NoError(t, m.EnforceRateLimit(ctx, Request{}))

	_, err = m.AddRateLimitRule(ctx, RateLimitRule{
		Name: "hard", Limit: 1, Window: time.Hour, Scope: ScopeGlobal, Action: ActionBlock,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, m.EnforceRateLimit(ctx, Request{}), ErrRateLimited)
}

func TestSecurityEventLog(t *testing.T) {
	m, clock, bus := newTestControls(t, false)
	ctx := context.Background()

	var broadcast []events.Event
	bus.Subscribe(events.MustTopicSpec(events.TopicSecurityEvent), func(_ context.Context, ev events.Event) error {
		broadcast = append(broadcast, ev)
		return nil
	})

	m.RecordSecurityEvent(ctx, SecurityEvent{
		EventType: "login_failed", Severity: SeverityLow, Source: "authn", UserID: "u1", IP: "198.18.0.1",
	})
	clock.Advance(time.Minute)
	m.RecordSecurityEvent(ctx, SecurityEvent{
		EventType: "login_failed", Severity: SeverityLow, Source: "authn", UserID: "u2", IP: "198.18.0.2",
	})
	clock.Advance(time.Minute)
	m.RecordSecurityEvent(ctx, SecurityEvent{
		EventType: "token_invalid", Source: "pluginsec", UserID: "u1",
	})

	assert.Len(t, broadcast, 3)

	// Newest first, filters compose, limit truncates.
	all := m.QuerySecurityEvents(SecurityEventFilter{}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "token_invalid", all[0].EventType)
	assert.Equal(t, SeverityInfo, all[0].Severity, "empty severity defaults to info")

	u1 := m.QuerySecurityEvents(SecurityEventFilter{UserID: "u1"}, 0)
	assert.Len(t, u1, 2)

	failed := m.QuerySecurityEvents(SecurityEventFilter{EventType: "login_failed"}, 1)
	require.Len(t, failed, 1)
	assert.Equal(t, "u2", failed[0].UserID)

	recent := m.QuerySecurityEvents(SecurityEventFilter{Since: all[0].Timestamp}, 0)
	assert.Len(t, recent, 1)
}
