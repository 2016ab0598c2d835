package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/controls"
	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/mfa"
	"github.com/quorumsec/aegis/internal/monitor"
)

func testConfig(dsn string) *config.Config {
	return &config.Config{
		StorageDSN: dsn,
		Auth: config.AuthConfig{
			SessionDuration:  24 * time.Hour,
			LockoutThreshold: 5,
			LockoutWindow:    5 * time.Minute,
			BcryptCost:       12,
		},
		OAuth: config.OAuthServerConfig{
			Issuer:               "https://auth.example.com",
			AuthorizationCodeTTL: 10 * time.Minute,
			AccessTokenTTL:       time.Hour,
		},
		Controls: config.ControlsConfig{SeedDefaults: true},
	}
}

func newTestApp(t *testing.T, dsn string) *App {
	t.Helper()
	app, err := New(testConfig(dsn), Options{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestNewWiresManagers(t *testing.T) {
	app := newTestApp(t, "")

	assert.NotNil(t, app.Bus)
	assert.NotNil(t, app.Authn)
	assert.NotNil(t, app.MFA)
	assert.NotNil(t, app.Authz)
	assert.NotNil(t, app.Enhanced)
	assert.NotNil(t, app.Identity)
	assert.NotNil(t, app.OAuth)
	assert.NotNil(t, app.PluginSec)
	assert.NotNil(t, app.Controls)
	assert.NotNil(t, app.Monitor)
	assert.Nil(t, app.Store, "no DSN, no store")

	// State saves are no-ops without a store.
	assert.NoError(t, app.LoadState(context.Background()))
	assert.NoError(t, app.SaveState(context.Background()))
}

func TestMonitorSeesDomainEvents(t *testing.T) {
	app := newTestApp(t, "")
	ctx := context.Background()

	user, err := app.Authn.RegisterUser(ctx, authn.RegisterParams{
		Username: "alice", Email: "alice@example.com", Password: "s3cret-passw0rd!",
	})
	require.NoError(t, err)

	trail := app.Monitor.QueryAudit(monitor.AuditFilter{Action: events.TopicUserRegistered}, 0)
	require.Len(t, trail, 1)
	assert.Equal(t, user.ID, trail[0].ActorID)
}

func TestMFAUsesAccountDirectory(t *testing.T) {
	app := newTestApp(t, "")
	ctx := context.Background()

	user, err := app.Authn.RegisterUser(ctx, authn.RegisterParams{
		Username: "bob", Email: "bob@example.com", Password: "s3cret-passw0rd!",
	})
	require.NoError(t, err)
	require.False(t, user.MFAEnabled)

	setup, err := app.MFA.EnableMethod(ctx, user.ID, mfa.MethodTOTP, mfa.EnrollOptions{AccountName: user.Email})
	require.NoError(t, err)
	require.NotNil(t, setup)

	refreshed, err := app.Authn.GetUser(user.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.MFAEnabled)
	assert.Contains(t, refreshed.MFAMethods, "totp")
}

func TestStateRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "aegis.db")
	ctx := context.Background()

	first := newTestApp(t, dsn)
	require.NotNil(t, first.Store)
	require.NoError(t, first.LoadState(ctx))

	_, err := first.Authn.RegisterUser(ctx, authn.RegisterParams{
		Username: "carol", Email: "carol@example.com", Password: "s3cret-passw0rd!",
	})
	require.NoError(t, err)
	first.Controls.RecordSecurityEvent(ctx, controls.SecurityEvent{
		EventType: "test_probe", Severity: controls.SeverityLow, Source: "core_test",
	})
	require.NoError(t, first.SaveState(ctx))
	require.NoError(t, first.Close())

	second := newTestApp(t, dsn)
	require.NoError(t, second.LoadState(ctx))

	restored, err := second.Authn.GetUserByUsername("carol")
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", restored.Email)

	audit, err := second.Store.LoadAuditEntries(ctx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, audit, "registration audit trail persisted")

	secEvents, err := second.Store.LoadSecurityEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, secEvents, 1)
	assert.Equal(t, "test_probe", secEvents[0].EventType)
}

func TestSaveStateFlushesOnce(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "aegis.db")
	ctx := context.Background()

	app := newTestApp(t, dsn)
	require.NoError(t, app.LoadState(ctx))

	app.Controls.RecordSecurityEvent(ctx, controls.SecurityEvent{
		EventType: "test_probe", Severity: controls.SeverityLow, Source: "core_test",
	})
	require.NoError(t, app.SaveState(ctx))
	require.NoError(t, app.SaveState(ctx))

	secEvents, err := app.Store.LoadSecurityEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, secEvents, 1, "second save must not duplicate the event")
}
