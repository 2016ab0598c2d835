package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/events"
)

// Accounts is the slice of the account store the linker needs.
type Accounts interface {
	GetUser(userID string) (*authn.User, error)
	GetUserByUsername(identifier string) (*authn.User, error)
	RegisterUser(ctx context.Context, params authn.RegisterParams) (*authn.User, error)
	UpdateUser(ctx context.Context, userID string, update authn.UserUpdate) (*authn.User, error)
}

// Link is a stored external-identity binding: which local user the
// (provider, subject) pair maps to, the provider's latest profile snapshot,
// and when the identity last logged in.
type Link struct {
	ProviderID string
	ExternalID string
	UserID     string
	Profile    ExternalIdentity
	LinkedAt   time.Time
	LastLogin  time.Time
}

func (k *Link) clone() *Link {
	out := *k
	out.Profile.Groups = append([]string(nil), k.Profile.Groups...)
	if k.Profile.Raw != nil {
		out.Profile.Raw = make(map[string]any, len(k.Profile.Raw))
		for key, v := range k.Profile.Raw {
			out.Profile.Raw[key] = v
		}
	}
	return &out
}

// Linker maps external identities onto local accounts. The (provider,
// external subject) pair is the unique key; an external identity links to
// at most one local user.
type Linker struct {
	mu    sync.RWMutex
	links map[string]*Link // providerID + "\x00" + externalID

	accounts Accounts
	bus      *events.Bus
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewLinker creates an identity linker.
func NewLinker(accounts Accounts, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) *Linker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Linker{
		links:    make(map[string]*Link),
		accounts: accounts,
		bus:      bus,
		clock:    clock,
		logger:   logger,
	}
}

func linkKey(providerID, externalID string) string {
	return providerID + "\x00" + externalID
}

// Resolve finds or creates the local account for an external identity:
// an existing link wins; otherwise a matching email links the accounts;
// otherwise, when autoProvision is set, a new account is created with a
// derived username and a random password. Profile fields are synced from
// the provider on every login, and the link's profile snapshot and
// last-login time are refreshed.
func (l *Linker) Resolve(ctx context.Context, ext *ExternalIdentity, autoProvision bool) (*authn.User, error) {
	key := linkKey(ext.ProviderID, ext.ExternalID)

	l.mu.RLock()
	link, linked := l.links[key]
	var userID string
	if linked {
		userID = link.UserID
	}
	l.mu.RUnlock()

	if linked {
		user, err := l.accounts.GetUser(userID)
		if err != nil {
			return nil, fmt.Errorf("linked user missing: %w", err)
		}
		l.touch(key, ext)
		return l.syncProfile(ctx, user, ext), nil
	}

	if ext.Email != "" {
		if user, err := l.accounts.GetUserByUsername(ext.Email); err == nil {
			l.link(ctx, key, user.ID, ext)
			return l.syncProfile(ctx, user, ext), nil
		}
	}

	if !autoProvision {
		return nil, fmt.Errorf("no local account for %s identity %s and auto-provisioning is disabled",
			ext.ProviderID, ext.ExternalID)
	}

	user, err := l.provision(ctx, ext)
	if err != nil {
		return nil, err
	}
	l.link(ctx, key, user.ID, ext)
	return user, nil
}

// LinkedUserID returns the local user linked to an external identity.
func (l *Linker) LinkedUserID(providerID, externalID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	link, found := l.links[linkKey(providerID, externalID)]
	if !found {
		return "", false
	}
	return link.UserID, true
}

// GetLink returns the stored link record for an external identity, including
// the provider's latest profile snapshot and last-login time.
func (l *Linker) GetLink(providerID, externalID string) (*Link, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	link, found := l.links[linkKey(providerID, externalID)]
	if !found {
		return nil, false
	}
	return link.clone(), true
}

// Unlink removes an external identity link. Reports false if none existed.
func (l *Linker) Unlink(providerID, externalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := linkKey(providerID, externalID)
	if _, found := l.links[key]; !found {
		return false
	}
	delete(l.links, key)
	return true
}

func (l *Linker) link(ctx context.Context, key, userID string, ext *ExternalIdentity) {
	now := l.clock.Now()
	l.mu.Lock()
	l.links[key] = &Link{
		ProviderID: ext.ProviderID,
		ExternalID: ext.ExternalID,
		UserID:     userID,
		Profile:    *ext,
		LinkedAt:   now,
		LastLogin:  now,
	}
	l.mu.Unlock()

	l.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicIdentityLinked,
		Source: "identity",
		Data: map[string]any{
			"user_id": userID, "provider_id": ext.ProviderID, "external_id": ext.ExternalID,
		},
	})
}

// provision creates a local account for a first-time external login. The
// username is derived from the provider profile; collisions get a numeric
// suffix. The password is random and unknown to anyone: the account is
// usable through the provider only, until a password reset.
func (l *Linker) provision(ctx context.Context, ext *ExternalIdentity) (*authn.User, error) {
	base := ext.Username
	if base == "" {
		if at := strings.Index(ext.Email, "@"); at > 0 {
			base = ext.Email[:at]
		}
	}
	if base == "" {
		base = ext.ProviderID + "-user"
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "."))

	password, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	email := ext.Email
	if email == "" {
		email = fmt.Sprintf("%s@%s.invalid", ext.ExternalID, ext.ProviderID)
	}

	username := base
	for suffix := 2; ; suffix++ {
		user, err := l.accounts.RegisterUser(ctx, authn.RegisterParams{
			Username:  username,
			Email:     email,
			Password:  password,
			FirstName: ext.FirstName,
			LastName:  ext.LastName,
			Metadata: map[string]any{
				"provisioned_by": ext.ProviderID,
			},
		})
		if err == nil {
			l.logger.Info("provisioned user from external identity",
				"user_id", user.ID, "provider_id", ext.ProviderID, "username", username)
			l.bus.EmitSync(ctx, events.Event{
				Topic:  events.TopicIdentityProvisioned,
				Source: "identity",
				Data: map[string]any{
					"user_id": user.ID, "provider_id": ext.ProviderID, "username": username,
				},
			})
			return user, nil
		}
		if errors.Is(err, authn.ErrDuplicateUsername) {
			username = fmt.Sprintf("%s%d", base, suffix)
			continue
		}
		return nil, fmt.Errorf("provision user: %w", err)
	}
}

// touch refreshes a link's profile snapshot and last-login time.
func (l *Linker) touch(key string, ext *ExternalIdentity) {
	now := l.clock.Now()
	l.mu.Lock()
	if link := l.links[key]; link != nil {
		link.Profile = *ext
		link.LastLogin = now
	}
	l.mu.Unlock()
}

// syncProfile pushes changed name fields from the provider to the local
// account. Best-effort: a failed sync does not fail the login.
func (l *Linker) syncProfile(ctx context.Context, user *authn.User, ext *ExternalIdentity) *authn.User {
	update := authn.UserUpdate{}
	changed := false
	if ext.FirstName != "" && ext.FirstName != user.FirstName {
		update.FirstName = &ext.FirstName
		changed = true
	}
	if ext.LastName != "" && ext.LastName != user.LastName {
		update.LastName = &ext.LastName
		changed = true
	}
	if !changed {
		return user
	}
	updated, err := l.accounts.UpdateUser(ctx, user.ID, update)
	if err != nil {
		l.logger.Warn("profile sync failed", "user_id", user.ID, "error", err)
		return user
	}
	return updated
}
