package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/events"
)

type staticUsers map[string]*authn.User

func (s staticUsers) GetUser(id string) (*authn.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, authn.ErrUserNotFound
}

func newTestServer(t *testing.T, users staticUsers) (*Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus(clock, nil)
	signer, err := NewTokenSigner("")
	require.NoError(t, err)
	cfg := config.OAuthServerConfig{
		Issuer:               "https://auth.example.com",
		AuthorizationCodeTTL: 10 * time.Minute,
		AccessTokenTTL:       time.Hour,
	}
	return NewServer(cfg, signer, users, bus, clock, nil), clock
}

func registerTestClient(t *testing.T, s *Server) (*OAuthClient, string) {
	t.Helper()
	client, secret, err := s.RegisterClient(context.Background(), "web-app",
		[]string{"https://app.example.com/callback"},
		[]string{"openid", "profile", "email", "api"}, true)
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	return client, secret
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-0123456789-0123456789-0123456789"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestAuthorizationCodeFlow(t *testing.T) {
	users := staticUsers{"u1": {ID: "u1", Username: "alice", Email: "alice@example.com", Verified: true}}
	s, _ := newTestServer(t, users)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()
	verifier, challenge := pkcePair()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"openid", "email"}, challenge, "S256")
	require.NoError(t, err)

	token, err := s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", verifier)
	require.NoError(t, err)
	assert.Equal(t, "u1", token.UserID)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.NotEmpty(t, token.RefreshToken)

	// openid scope produced a signed ID token carrying the email claim.
	require.NotEmpty(t, token.IDToken)
	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(token.IDToken, claims)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", claims["iss"])
	assert.Equal(t, "u1", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])

	validated, err := s.ValidateAccessToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", validated.UserID)
}

func TestExchange_CodeIsSingleUse(t *testing.T) {
	s, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"api"}, "", "")
	require.NoError(t, err)

	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	require.NoError(t, err)

	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchange_FailedAttemptBurnsCode(t *testing.T) {
	s, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"api"}, "", "")
	require.NoError(t, err)

	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, "wrong-secret",
		"https://app.example.com/callback", "")
	assert.ErrorIs(t, err, ErrInvalidClient)

	// The failed attempt consumed the code.
	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchange_Validations(t *testing.T) {
	s, clock := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()
	verifier, challenge := pkcePair()

	// Redirect URI must be registered at authorization time.
	_, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://evil.example.com/cb", nil, "", "")
	assert.ErrorIs(t, err, ErrInvalidRedirect)

	// Scopes must be a subset of the client's.
	_, err = s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"admin"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidScope)

	// Redirect URI at exchange must match the one at authorization.
	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", nil, challenge, "S256")
	require.NoError(t, err)
	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/other", verifier)
	assert.ErrorIs(t, err, ErrInvalidRedirect)

	// Wrong PKCE verifier fails.
	code, err = s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", nil, challenge, "S256")
	require.NoError(t, err)
	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "not-the-verifier")
	assert.ErrorIs(t, err, ErrInvalidPKCE)

	// Expired codes are refused.
	code, err = s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", nil, "", "")
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)
	_, err = s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestCreateAuthorizationCode_WildcardScope(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	client, _, err := s.RegisterClient(ctx, "trusted-app",
		[]string{"https://app.example.com/callback"}, []string{"*"}, true)
	require.NoError(t, err)

	// A wildcard client may request scopes it never listed explicitly.
	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"profile", "admin"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"profile", "admin"}, code.Scopes)
}

func TestRefresh_RotatesTokens(t *testing.T) {
	s, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"api"}, "", "")
	require.NoError(t, err)
	first, err := s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	require.NoError(t, err)

	second, err := s.RefreshAccessToken(ctx, first.RefreshToken, client.ID, secret)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.Scopes, second.Scopes)

	// The old pair is dead: access token invalid, refresh token unusable.
	_, err = s.ValidateAccessToken(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = s.RefreshAccessToken(ctx, first.RefreshToken, client.ID, secret)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// The new access token works.
	_, err = s.ValidateAccessToken(ctx, second.AccessToken)
	assert.NoError(t, err)
}

func TestRefresh_TokenHasNoExpiry(t *testing.T) {
	s, clock := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", []string{"api"}, "", "")
	require.NoError(t, err)
	token, err := s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	require.NoError(t, err)

	// A refresh token presented long after issuance still works: only
	// rotation and explicit revocation invalidate it.
	clock.Advance(90 * 24 * time.Hour)
	fresh, err := s.RefreshAccessToken(ctx, token.RefreshToken, client.ID, secret)
	require.NoError(t, err)

	s.RevokeToken(ctx, fresh.RefreshToken)
	clock.Advance(time.Hour)
	_, err = s.RefreshAccessToken(ctx, fresh.RefreshToken, client.ID, secret)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestValidateAccessToken_Expiry(t *testing.T) {
	s, clock := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", nil, "", "")
	require.NoError(t, err)
	token, err := s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = s.ValidateAccessToken(ctx, token.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeToken_Idempotent(t *testing.T) {
	s, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	code, err := s.CreateAuthorizationCode(ctx, client.ID, "u1",
		"https://app.example.com/callback", nil, "", "")
	require.NoError(t, err)
	token, err := s.ExchangeAuthorizationCode(ctx, code.Code, client.ID, secret,
		"https://app.example.com/callback", "")
	require.NoError(t, err)

	assert.True(t, s.RevokeToken(ctx, token.AccessToken))
	assert.False(t, s.RevokeToken(ctx, token.AccessToken))
	assert.False(t, s.RevokeToken(ctx, "unknown"))

	_, err = s.ValidateAccessToken(ctx, token.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestJWKS_PublishesSigningKey(t *testing.T) {
	s, _ := newTestServer(t, nil)
	set := s.JWKS()
	keys, ok := set["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)
}
