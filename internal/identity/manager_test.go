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

// scriptedProvider is a redirect provider returning canned results.
type scriptedProvider struct {
	id  string
	ext *ExternalIdentity
}

func (p *scriptedProvider) ID() string   { return p.id }
func (p *scriptedProvider) Kind() string { return KindOAuth2 }

func (p *scriptedProvider) BeginLogin(_ context.Context, callbackURL string) (*LoginRequest, error) {
	return &LoginRequest{RedirectURL: "https://idp.example.com/authorize?cb=" + callbackURL, State: "state-1"}, nil
}

func (p *scriptedProvider) FinishLogin(_ context.Context, payload map[string]string) (*ExternalIdentity, error) {
	if payload["state"] != "state-1" {
		return nil, ErrLoginStateNotFound
	}
	return p.ext, nil
}

func newTestIdentityManager(t *testing.T) (*Manager, *authn.Manager) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus(clock, nil)
	accounts := authn.NewManager(config.AuthConfig{
		SessionDuration:  24 * time.Hour,
		LockoutThreshold: 5,
		LockoutWindow:    5 * time.Minute,
		BcryptCost:       12,
	}, bus, clock, nil)
	linker := NewLinker(accounts, bus, clock, nil)
	return NewManager(linker, bus, nil), accounts
}

func TestManager_ProviderRegistry(t *testing.T) {
	m, _ := newTestIdentityManager(t)
	ctx := context.Background()

	m.RegisterProvider(ctx, &scriptedProvider{id: "acme"}, ProviderSettings{})
	m.RegisterProvider(ctx, &scriptedProvider{id: "corp"}, ProviderSettings{})

	assert.Equal(t, []string{"acme", "corp"}, m.ListProviders())

	p, err := m.Provider("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", p.ID())

	_, err = m.Provider("ghost")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestManager_RedirectLoginFlow(t *testing.T) {
	m, _ := newTestIdentityManager(t)
	ctx := context.Background()
	m.RegisterProvider(ctx, &scriptedProvider{
		id: "acme",
		ext: &ExternalIdentity{
			ProviderID: "acme", ExternalID: "subj-1",
			Username: "alice", Email: "alice@corp.example.com",
		},
	}, ProviderSettings{AutoProvision: true})

	request, err := m.InitiateLogin(ctx, "acme", "https://aegis.example.com/callback")
	require.NoError(t, err)
	assert.Equal(t, "state-1", request.State)

	user, ext, err := m.CompleteLogin(ctx, "acme", map[string]string{"state": "state-1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "subj-1", ext.ExternalID)

	// A later login with the same subject resolves to the same account.
	again, _, err := m.CompleteLogin(ctx, "acme", map[string]string{"state": "state-1"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestManager_DirectLogin(t *testing.T) {
	m, accounts := newTestIdentityManager(t)
	ctx := context.Background()

	existing, err := accounts.RegisterUser(ctx, authn.RegisterParams{
		Username: "alice", Email: "alice@corp.example.com", Password: "local-password",
	})
	require.NoError(t, err)

	dir := &fakeDirectory{
		serviceDN:   "cn=svc,dc=example,dc=com",
		servicePass: "svc-password",
		entries: map[string]fakeEntry{
			"alice": {
				dn:       "uid=alice,ou=people,dc=example,dc=com",
				password: "alice-password",
				attrs:    map[string][]string{"mail": {"alice@corp.example.com"}},
			},
		},
	}
	p, err := NewDirectoryProvider("corp-ldap", DirectoryConfig{
		Address:      "ldaps://directory.example.com:636",
		BindDN:       "cn=svc,dc=example,dc=com",
		BindPassword: "svc-password",
		BaseDN:       "dc=example,dc=com",
	}, dir)
	require.NoError(t, err)
	m.RegisterProvider(ctx, p, ProviderSettings{})

	user, _, err := m.DirectLogin(ctx, "corp-ldap", "alice", "alice-password")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)

	_, _, err = m.DirectLogin(ctx, "corp-ldap", "alice", "wrong")
	assert.ErrorIs(t, err, ErrDirectoryAuth)
}

func TestManager_DirectLoginUnsupportedProvider(t *testing.T) {
	m, _ := newTestIdentityManager(t)
	ctx := context.Background()
	m.RegisterProvider(ctx, &scriptedProvider{id: "acme"}, ProviderSettings{})

	_, _, err := m.DirectLogin(ctx, "acme", "alice", "password")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support credential login")
}
