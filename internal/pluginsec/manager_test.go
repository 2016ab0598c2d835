package pluginsec

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/events"
)

func newTestPluginSec(t *testing.T) (*Manager, *clockwork.FakeClock, *events.Bus) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus(clock, nil)
	m, err := NewManager(bus, clock, nil)
	require.NoError(t, err)
	return m, clock, bus
}

func notesManifest() Manifest {
	return Manifest{
		PluginID:             "acme.notes",
		Name:                 "Acme Notes",
		Version:              "1.2.0",
		Author:               "Acme Labs",
		RequestedPermissions: []string{CapFileRead, CapFileWrite, CapUserProfile},
	}
}

// registerWithConsent registers a manifest and records a full-grant consent
// for the user.
func registerWithConsent(t *testing.T, m *Manager, userID string, manifest Manifest) *Consent {
	t.Helper()
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, manifest)
	require.NoError(t, err)
	request, err := m.RequestUserConsent(ctx, userID, manifest.PluginID, nil)
	require.NoError(t, err)
	consent, err := m.ProcessConsentResponse(ctx, request.RequestID, userID, manifest.PluginID,
		manifest.RequestedPermissions, nil, 0)
	require.NoError(t, err)
	return consent
}

func TestCatalog_Seeded(t *testing.T) {
	m, _, _ := newTestPluginSec(t)

	perm, err := m.GetPermission(CapSystemExecute)
	require.NoError(t, err)
	assert.Equal(t, RiskCritical, perm.Risk)
	assert.True(t, perm.Dangerous)
	assert.True(t, perm.RequiresExplicitConsent)

	assert.Len(t, m.ListPermissions(), 11)
}

func TestCatalog_RegisterPermission(t *testing.T) {
	m, _, _ := newTestPluginSec(t)

	err := m.RegisterPermission(Permission{ID: "camera.capture", Name: "Capture camera", Risk: RiskHigh})
	require.NoError(t, err)

	err = m.RegisterPermission(Permission{ID: "camera.capture"})
	assert.ErrorIs(t, err, ErrDuplicatePermission)

	err = m.RegisterPermission(Permission{ID: CapFileRead})
	assert.ErrorIs(t, err, ErrDuplicatePermission)
}

func TestRegisterManifest(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()

	stored, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)
	assert.False(t, stored.RegisteredAt.IsZero())

	got, err := m.GetManifest("acme.notes")
	require.NoError(t, err)
	assert.Equal(t, "Acme Notes", got.Name)

	_, err = m.GetManifest("ghost")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestRegisterManifest_SchemaValidation(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()

	// Missing author.
	bad := notesManifest()
	bad.Author = ""
	_, err := m.RegisterManifest(ctx, bad)
	assert.ErrorIs(t, err, ErrManifestInvalid)

	// Version must be semver-shaped.
	bad = notesManifest()
	bad.Version = "one point two"
	_, err = m.RegisterManifest(ctx, bad)
	assert.ErrorIs(t, err, ErrManifestInvalid)

	// Plugin IDs are lowercase dotted identifiers.
	bad = notesManifest()
	bad.PluginID = "Acme Notes!"
	_, err = m.RegisterManifest(ctx, bad)
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestRegisterManifest_UnknownPermission(t *testing.T) {
	m, _, _ := newTestPluginSec(t)

	bad := notesManifest()
	bad.RequestedPermissions = []string{CapFileRead, "warp.drive"}
	_, err := m.RegisterManifest(context.Background(), bad)
	assert.ErrorIs(t, err, ErrPermissionUnknown)
}

func TestConsent_Flow(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	request, err := m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Notes", request.PluginName)
	assert.Len(t, request.Permissions, 3)

	consent, err := m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapFileRead, CapUserProfile}, []string{CapFileWrite}, 0)
	require.NoError(t, err)
	assert.True(t, consent.Active)
	assert.Nil(t, consent.ExpiresAt)

	assert.True(t, m.CheckPluginPermission("u1", "acme.notes", CapFileRead))
	assert.False(t, m.CheckPluginPermission("u1", "acme.notes", CapFileWrite), "denied permission")
	assert.False(t, m.CheckPluginPermission("u1", "acme.notes", CapFileDelete), "not in manifest")
	assert.False(t, m.CheckPluginPermission("u2", "acme.notes", CapFileRead), "no consent for user")
}

func TestConsent_RequestIsSingleUseAndExpires(t *testing.T) {
	m, clock, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	request, err := m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapFileRead}, nil, 0)
	require.NoError(t, err)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapFileRead}, nil, 0)
	assert.ErrorIs(t, err, ErrConsentRequestNotFound)

	request, err = m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapFileRead}, nil, 0)
	assert.ErrorIs(t, err, ErrConsentRequestExpired)
}

func TestConsent_ResponseValidation(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	// Granting something outside the manifest's requested set.
	request, err := m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapSystemExecute}, nil, 0)
	assert.ErrorIs(t, err, ErrConsentInvalid)

	// Granted and denied must be disjoint.
	request, err = m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapFileRead}, []string{CapFileRead}, 0)
	assert.ErrorIs(t, err, ErrConsentInvalid)

	// Wrong user cannot answer someone else's prompt.
	request, err = m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u2", "acme.notes",
		[]string{CapFileRead}, nil, 0)
	assert.ErrorIs(t, err, ErrConsentRequestNotFound)
}

func TestConsent_SubsetPrompt(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	request, err := m.RequestUserConsent(ctx, "u1", "acme.notes", []string{CapFileRead})
	require.NoError(t, err)
	assert.Len(t, request.Permissions, 1)

	_, err = m.RequestUserConsent(ctx, "u1", "acme.notes", []string{CapSystemExecute})
	assert.ErrorIs(t, err, ErrConsentInvalid)
}

func TestConsent_ExpiryAndRevocation(t *testing.T) {
	m, clock, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	request, err := m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
	require.NoError(t, err)
	_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
		[]string{CapFileRead}, nil, time.Hour)
	require.NoError(t, err)

	assert.True(t, m.CheckPluginPermission("u1", "acme.notes", CapFileRead))
	clock.Advance(61 * time.Minute)
	assert.False(t, m.CheckPluginPermission("u1", "acme.notes", CapFileRead), "consent expired")

	// A fresh open-ended consent, then revocation.
	registerConsent := func() {
		request, err := m.RequestUserConsent(ctx, "u1", "acme.notes", nil)
		require.NoError(t, err)
		_, err = m.ProcessConsentResponse(ctx, request.RequestID, "u1", "acme.notes",
			[]string{CapFileRead}, nil, 0)
		require.NoError(t, err)
	}
	registerConsent()
	assert.True(t, m.CheckPluginPermission("u1", "acme.notes", CapFileRead))

	assert.True(t, m.RevokeConsent(ctx, "u1", "acme.notes"))
	assert.False(t, m.RevokeConsent(ctx, "u1", "acme.notes"))
	assert.False(t, m.CheckPluginPermission("u1", "acme.notes", CapFileRead))
}

func TestEnforcePluginPermission(t *testing.T) {
	m, _, bus := newTestPluginSec(t)
	ctx := context.Background()
	registerWithConsent(t, m, "u1", notesManifest())

	var denials []events.Event
	bus.Subscribe(events.MustTopicSpec("security.*"), func(_ context.Context, ev events.Event) error {
		denials = append(denials, ev)
		return nil
	})

	assert.NoError(t, m.EnforcePluginPermission(ctx, "u1", "acme.notes", CapFileRead))

	err := m.EnforcePluginPermission(ctx, "u1", "acme.notes", CapSystemExecute)
	assert.ErrorIs(t, err, ErrPluginPermissionDenied)
	require.Len(t, denials, 1)
	assert.Equal(t, "plugin_permission_denied", denials[0].Data["event_type"])
}

func TestSecurityTokens(t *testing.T) {
	m, clock, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	token, err := m.GenerateSecurityToken(ctx, "u1", "acme.notes", 30*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token.TokenValue)

	valid, got, reason := m.ValidateSecurityToken(token.TokenValue)
	assert.True(t, valid)
	assert.Empty(t, reason)
	assert.Equal(t, token.TokenID, got.TokenID)

	_, _, reason = m.ValidateSecurityToken("")
	assert.Equal(t, ReasonInvalidToken, reason)
	_, _, reason = m.ValidateSecurityToken("no-such-token")
	assert.Equal(t, ReasonTokenNotFound, reason)

	clock.Advance(31 * time.Minute)
	valid, _, reason = m.ValidateSecurityToken(token.TokenValue)
	assert.False(t, valid)
	assert.Equal(t, ReasonTokenExpired, reason)
}

func TestSecurityTokens_Revocation(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()
	_, err := m.RegisterManifest(ctx, notesManifest())
	require.NoError(t, err)

	token, err := m.GenerateSecurityToken(ctx, "u1", "acme.notes", 0)
	require.NoError(t, err)

	assert.True(t, m.RevokeSecurityToken(ctx, token.TokenID))
	assert.False(t, m.RevokeSecurityToken(ctx, token.TokenID))

	valid, _, reason := m.ValidateSecurityToken(token.TokenValue)
	assert.False(t, valid)
	assert.Equal(t, ReasonTokenInactive, reason)
}

func TestSecurityTokens_RequireManifest(t *testing.T) {
	m, _, _ := newTestPluginSec(t)

	_, err := m.GenerateSecurityToken(context.Background(), "u1", "ghost", 0)
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestAuthorizeCommunication(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()

	src := Manifest{
		PluginID: "acme.hub", Name: "Acme Hub", Version: "2.0.0", Author: "Acme Labs",
		RequestedPermissions: []string{CapPluginTalk, CapPluginData},
	}
	registerWithConsent(t, m, "u1", src)
	dst := notesManifest()
	registerWithConsent(t, m, "u1", dst)

	assert.NoError(t, m.AuthorizeCommunication(ctx, "u1", "acme.hub", "acme.notes"))
	assert.NoError(t, m.AuthorizeDataAccess(ctx, "u1", "acme.hub", "acme.notes", "notes"))

	// The destination's consent gates the channel.
	m.RevokeConsent(ctx, "u1", "acme.notes")
	err := m.AuthorizeCommunication(ctx, "u1", "acme.hub", "acme.notes")
	assert.ErrorIs(t, err, ErrCommunicationDenied)

	// Unknown destination plugin.
	err = m.AuthorizeCommunication(ctx, "u1", "acme.hub", "ghost")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestAuthorizeDataAccess_RequiresDataCapability(t *testing.T) {
	m, _, _ := newTestPluginSec(t)
	ctx := context.Background()

	// src holds plugin.communicate but not plugin.data_access.
	src := Manifest{
		PluginID: "acme.hub", Name: "Acme Hub", Version: "2.0.0", Author: "Acme Labs",
		RequestedPermissions: []string{CapPluginTalk},
	}
	registerWithConsent(t, m, "u1", src)
	registerWithConsent(t, m, "u1", notesManifest())

	assert.NoError(t, m.AuthorizeCommunication(ctx, "u1", "acme.hub", "acme.notes"))
	err := m.AuthorizeDataAccess(ctx, "u1", "acme.hub", "acme.notes", "notes")
	assert.ErrorIs(t, err, ErrCommunicationDenied)
}
