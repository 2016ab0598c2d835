package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/events"
)

func newTestMonitor(t *testing.T) (*Manager, *clockwork.FakeClock, *events.Bus) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus(clock, nil)
	return NewManager(bus, clock, nil), clock, bus
}

func TestAudit_RecordAndQuery(t *testing.T) {
	m, clock, _ := newTestMonitor(t)
	ctx := context.Background()

	m.RecordAudit(ctx, AuditEntry{
		Action: "user.login", ActorID: "u1", ActorType: ActorUser, Result: ResultSuccess, IP: "198.18.0.1",
	})
	clock.Advance(time.Minute)
	m.RecordAudit(ctx, AuditEntry{
		Action: "user.login", ActorID: "u2", ActorType: ActorUser, Result: ResultFailure,
	})
	clock.Advance(time.Minute)
	m.RecordAudit(ctx, AuditEntry{
		Action: "role.deleted", ActorID: "admin-1", ActorType: ActorAdmin, ResourceType: "role", ResourceID: "r1",
	})

	all := m.QueryAudit(AuditFilter{}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "role.deleted", all[0].Action, "newest first")
	assert.Equal(t, ResultSuccess, all[0].Result, "empty result defaults to success")

	failures := m.QueryAudit(AuditFilter{Result: ResultFailure}, 0)
	require.Len(t, failures, 1)
	assert.Equal(t, "u2", failures[0].ActorID)

	logins := m.QueryAudit(AuditFilter{Action: "user.login"}, 1)
	require.Len(t, logins, 1)
	assert.Equal(t, "u2", logins[0].ActorID, "limit keeps the newest")

	admins := m.QueryAudit(AuditFilter{ActorType: ActorAdmin, ResourceType: "role"}, 0)
	assert.Len(t, admins, 1)

	since := m.QueryAudit(AuditFilter{Since: all[0].Timestamp}, 0)
	assert.Len(t, since, 1)
}

func TestAudit_DefaultsActorType(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	entry := m.RecordAudit(context.Background(), AuditEntry{Action: "startup"})
	assert.Equal(t, ActorSystem, entry.ActorType)
	assert.NotEmpty(t, entry.ID)
}

func TestWireBus_RecordsControlPlaneEvents(t *testing.T) {
	m, _, bus := newTestMonitor(t)
	m.WireBus(bus)
	ctx := context.Background()

	bus.EmitSync(ctx, events.Event{
		Topic:  "user.login",
		Source: "authn",
		Data:   map[string]any{"user_id": "u1", "ip": "198.18.0.1"},
	})
	bus.EmitSync(ctx, events.Event{
		Topic:  "plugin_security.consent_granted",
		Source: "pluginsec",
		Data:   map[string]any{"user_id": "u1", "plugin_id": "acme.notes"},
	})
	// Topics outside the control-plane taxonomy are not audited.
	bus.EmitSync(ctx, events.Event{Topic: "heartbeat.tick", Source: "core"})

	entries := m.QueryAudit(AuditFilter{}, 0)
	require.Len(t, entries, 2)

	login := m.QueryAudit(AuditFilter{Action: "user.login"}, 0)
	require.Len(t, login, 1)
	assert.Equal(t, "u1", login[0].ActorID)
	assert.Equal(t, ActorUser, login[0].ActorType)
	assert.Equal(t, "198.18.0.1", login[0].IP)

	consent := m.QueryAudit(AuditFilter{Action: "plugin_security.consent_granted"}, 0)
	require.Len(t, consent, 1)
	assert.Equal(t, "plugin", consent[0].ResourceType)
	assert.Equal(t, "acme.notes", consent[0].ResourceID)
}
