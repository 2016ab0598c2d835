package identity

import (
	"context"
	"net/http"
)

// Provider kinds.
const (
	KindOAuth2 = "oauth2"
	KindOIDC   = "oidc"
	KindSAML   = "saml"
	KindLDAP   = "ldap"
)

// ExternalIdentity is what a provider learns about a user after a
// successful login: the stable external subject plus profile attributes.
type ExternalIdentity struct {
	ProviderID string
	ExternalID string
	Username   string
	Email      string
	FirstName  string
	LastName   string
	Groups     []string
	Raw        map[string]any
}

// LoginRequest describes where to send the user agent to authenticate, and
// the correlation state the callback must present.
type LoginRequest struct {
	RedirectURL string
	State       string
}

// Provider is an external identity provider speaking a redirect-based
// protocol (OAuth2, OIDC, SAML).
type Provider interface {
	ID() string
	Kind() string
	// BeginLogin prepares a login attempt: it records correlation state and
	// returns the redirect the user agent should follow.
	BeginLogin(ctx context.Context, callbackURL string) (*LoginRequest, error)
	// FinishLogin consumes the callback parameters and returns the verified
	// external identity. The correlation state is single-use.
	FinishLogin(ctx context.Context, payload map[string]string) (*ExternalIdentity, error)
}

// DirectAuthenticator is implemented by providers that verify credentials
// directly instead of redirecting (LDAP directories).
type DirectAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*ExternalIdentity, error)
}

// HTTPClient is the outbound HTTP dependency for providers. *http.Client
// satisfies it; tests supply a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
