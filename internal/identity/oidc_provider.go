package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// OIDCProvider federates with an OpenID Connect provider using issuer
// discovery: endpoints and signing keys come from the issuer's published
// configuration, and ID token claims arrive already verified.
type OIDCProvider struct {
	id    string
	party rp.RelyingParty

	mu      sync.Mutex
	pending map[string]time.Time // state -> expiry

	clock clockwork.Clock
}

// NewOIDCProvider discovers the issuer and builds the relying party.
func NewOIDCProvider(ctx context.Context, id, issuer, clientID, clientSecret, redirectURI string, scopes []string, clock clockwork.Clock) (*OIDCProvider, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail}
	}
	party, err := rp.NewRelyingPartyOIDC(ctx, issuer, clientID, clientSecret, redirectURI, scopes,
		rp.WithVerifierOpts(rp.WithIssuedAtMaxAge(10*time.Second)))
	if err != nil {
		return nil, fmt.Errorf("create oidc relying party: %w", err)
	}
	return &OIDCProvider{
		id:      id,
		party:   party,
		pending: make(map[string]time.Time),
		clock:   clock,
	}, nil
}

func (p *OIDCProvider) ID() string   { return p.id }
func (p *OIDCProvider) Kind() string { return KindOIDC }

func (p *OIDCProvider) BeginLogin(_ context.Context, _ string) (*LoginRequest, error) {
	state, err := randomToken(24)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	now := p.clock.Now()
	for s, exp := range p.pending {
		if !now.Before(exp) {
			delete(p.pending, s)
		}
	}
	p.pending[state] = now.Add(loginStateTTL)
	p.mu.Unlock()

	return &LoginRequest{
		RedirectURL: rp.AuthURL(state, p.party),
		State:       state,
	}, nil
}

func (p *OIDCProvider) FinishLogin(ctx context.Context, payload map[string]string) (*ExternalIdentity, error) {
	state, code := payload["state"], payload["code"]

	p.mu.Lock()
	expiry, found := p.pending[state]
	if found {
		delete(p.pending, state)
	}
	p.mu.Unlock()
	if !found || !p.clock.Now().Before(expiry) {
		return nil, ErrLoginStateNotFound
	}

	tokens, err := rp.CodeExchange[*oidc.IDTokenClaims](ctx, code, p.party)
	if err != nil {
		return nil, fmt.Errorf("oidc code exchange: %w", err)
	}
	claims := tokens.IDTokenClaims
	if claims == nil || claims.Subject == "" {
		return nil, fmt.Errorf("%w: id token missing subject", ErrAssertionInvalid)
	}
	return &ExternalIdentity{
		ProviderID: p.id,
		ExternalID: claims.Subject,
		Username:   claims.PreferredUsername,
		Email:      claims.Email,
		FirstName:  claims.GivenName,
		LastName:   claims.FamilyName,
	}, nil
}
