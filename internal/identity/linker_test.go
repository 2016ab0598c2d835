package identity

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/events"
)

func newTestLinker(t *testing.T) (*Linker, *authn.Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus(clock, nil)
	accounts := authn.NewManager(config.AuthConfig{
		SessionDuration:  24 * time.Hour,
		LockoutThreshold: 5,
		LockoutWindow:    5 * time.Minute,
		BcryptCost:       12,
	}, bus, clock, nil)
	return NewLinker(accounts, bus, clock, nil), accounts, clock
}

func corpIdentity() *ExternalIdentity {
	return &ExternalIdentity{
		ProviderID: "corp-idp",
		ExternalID: "subj-123",
		Username:   "alice",
		Email:      "alice@corp.example.com",
		FirstName:  "Alice",
		LastName:   "Liddell",
	}
}

func TestLinker_LinksByEmail(t *testing.T) {
	linker, accounts, _ := newTestLinker(t)
	ctx := context.Background()

	existing, err := accounts.RegisterUser(ctx, authn.RegisterParams{
		Username: "alice", Email: "alice@corp.example.com", Password: "local-password",
	})
	require.NoError(t, err)

	user, err := linker.Resolve(ctx, corpIdentity(), false)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)

	linked, found := linker.LinkedUserID("corp-idp", "subj-123")
	assert.True(t, found)
	assert.Equal(t, existing.ID, linked)
}

func TestLinker_ProvisionsNewAccount(t *testing.T) {
	linker, accounts, _ := newTestLinker(t)
	ctx := context.Background()

	user, err := linker.Resolve(ctx, corpIdentity(), true)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@corp.example.com", user.Email)
	assert.Equal(t, "Alice", user.FirstName)
	assert.Equal(t, "corp-idp", user.Metadata["provisioned_by"])

	// The provisioned account exists in the store and is linked.
	stored, err := accounts.GetUser(user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)
	_, found := linker.LinkedUserID("corp-idp", "subj-123")
	assert.True(t, found)
}

func TestLinker_ProvisionSuffixesTakenUsername(t *testing.T) {
	linker, accounts, _ := newTestLinker(t)
	ctx := context.Background()

	// "alice" is taken by an unrelated account with a different email.
	_, err := accounts.RegisterUser(ctx, authn.RegisterParams{
		Username: "alice", Email: "alice@other.example.com", Password: "local-password",
	})
	require.NoError(t, err)

	user, err := linker.Resolve(ctx, corpIdentity(), true)
	require.NoError(t, err)
	assert.Equal(t, "alice2", user.Username)
}

func TestLinker_NoAccountWithoutAutoProvision(t *testing.T) {
	linker, _, _ := newTestLinker(t)

	_, err := linker.Resolve(context.Background(), corpIdentity(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto-provisioning is disabled")
}

func TestLinker_ExistingLinkWins(t *testing.T) {
	linker, accounts, _ := newTestLinker(t)
	ctx := context.Background()

	user, err := linker.Resolve(ctx, corpIdentity(), true)
	require.NoError(t, err)

	// Even after the local email changes, the link resolves to the same
	// account.
	newEmail := "renamed@corp.example.com"
	_, err = accounts.UpdateUser(ctx, user.ID, authn.UserUpdate{Email: &newEmail})
	require.NoError(t, err)

	again, err := linker.Resolve(ctx, corpIdentity(), false)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestLinker_SyncsProfileOnLogin(t *testing.T) {
	linker, _, _ := newTestLinker(t)
	ctx := context.Background()

	_, err := linker.Resolve(ctx, corpIdentity(), true)
	require.NoError(t, err)

	renamed := corpIdentity()
	renamed.LastName = "Kingsleigh"
	user, err := linker.Resolve(ctx, renamed, false)
	require.NoError(t, err)
	assert.Equal(t, "Kingsleigh", user.LastName)
}

func TestLinker_StoresProfileSnapshotAndLastLogin(t *testing.T) {
	linker, _, clock := newTestLinker(t)
	ctx := context.Background()

	_, err := linker.Resolve(ctx, corpIdentity(), true)
	require.NoError(t, err)

	link, found := linker.GetLink("corp-idp", "subj-123")
	require.True(t, found)
	assert.Equal(t, "Liddell", link.Profile.LastName)
	assert.Equal(t, clock.Now(), link.LinkedAt)
	assert.Equal(t, clock.Now(), link.LastLogin)
	linkedAt := link.LinkedAt

	// A later login refreshes the snapshot and last-login time, leaving the
	// link time alone.
	clock.Advance(time.Hour)
	renamed := corpIdentity()
	renamed.LastName = "Kingsleigh"
	_, err = linker.Resolve(ctx, renamed, false)
	require.NoError(t, err)

	link, found = linker.GetLink("corp-idp", "subj-123")
	require.True(t, found)
	assert.Equal(t, "Kingsleigh", link.Profile.LastName)
	assert.Equal(t, clock.Now(), link.LastLogin)
	assert.Equal(t, linkedAt, link.LinkedAt)
}

func TestLinker_Unlink(t *testing.T) {
	linker, _, _ := newTestLinker(t)

	_, err := linker.Resolve(context.Background(), corpIdentity(), true)
	require.NoError(t, err)

	assert.True(t, linker.Unlink("corp-idp", "subj-123"))
	assert.False(t, linker.Unlink("corp-idp", "subj-123"))
	_, found := linker.LinkedUserID("corp-idp", "subj-123")
	assert.False(t, found)
}
