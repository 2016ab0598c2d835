// Package identity implements the identity layer: an OAuth2/OIDC
// authorization server for first-party clients, outbound federation with
// external OAuth2, SAML, and LDAP providers, and the linking logic that maps
// external identities onto local accounts.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

const tracerName = "aegis/identity"

// ScopeOpenID triggers ID token minting on code exchange.
const ScopeOpenID = "openid"

// ScopeWildcard in a client's scope list admits any requested scope.
const ScopeWildcard = "*"

// OAuthClient is a registered OAuth2 client application. The secret is
// stored as a bcrypt hash; the plaintext is returned once at registration.
type OAuthClient struct {
	ID           string
	Name         string
	secretHash   []byte
	RedirectURIs []string
	Scopes       []string
	Confidential bool
	CreatedAt    time.Time
}

// AuthorizationCode is a single-use grant produced by the authorization
// step and consumed by the token exchange.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain"
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Token is an issued access/refresh token pair. IDToken is set when the
// grant carried the openid scope.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ClientID     string
	UserID       string
	Scopes       []string
	IDToken      string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
}

// UserSource resolves user records for ID token claims.
type UserSource interface {
	GetUser(userID string) (*authn.User, error)
}

// Server is the OAuth2 authorization server.
type Server struct {
	mu       sync.Mutex
	clients  map[string]*OAuthClient
	codes    map[string]*AuthorizationCode
	byAccess map[string]*Token
	byRefresh map[string]*Token

	cfg    config.OAuthServerConfig
	signer *TokenSigner
	users  UserSource
	bus    *events.Bus
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewServer creates the authorization server. signer may be nil, in which
// case openid grants are issued without an ID token.
func NewServer(cfg config.OAuthServerConfig, signer *TokenSigner, users UserSource, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		clients:   make(map[string]*OAuthClient),
		codes:     make(map[string]*AuthorizationCode),
		byAccess:  make(map[string]*Token),
		byRefresh: make(map[string]*Token),
		cfg:       cfg,
		signer:    signer,
		users:     users,
		bus:       bus,
		clock:     clock,
		logger:    logger,
	}
}

// RegisterClient creates a client application and returns it together with
// the plaintext secret, which is not retrievable afterwards.
func (s *Server) RegisterClient(ctx context.Context, name string, redirectURIs, scopes []string, confidential bool) (*OAuthClient, string, error) {
	if name == "" || len(redirectURIs) == 0 {
		return nil, "", fmt.Errorf("client name and at least one redirect uri are required")
	}
	secret, err := randomToken(32)
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash client secret: %w", err)
	}
	client := &OAuthClient{
		ID:           uuid.NewString(),
		Name:         name,
		secretHash:   hash,
		RedirectURIs: append([]string(nil), redirectURIs...),
		Scopes:       append([]string(nil), scopes...),
		Confidential: confidential,
		CreatedAt:    s.clock.Now(),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("oauth client registered", "client_id", client.ID, "name", name)
	return client.clone(), secret, nil
}

// GetClient returns a registered client by ID.
func (s *Server) GetClient(clientID string) (*OAuthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, found := s.clients[clientID]
	if !found {
		return nil, ErrClientNotFound
	}
	return client.clone(), nil
}

// CreateAuthorizationCode issues a short-lived single-use code after the
// resource owner has authenticated and consented.
func (s *Server) CreateAuthorizationCode(ctx context.Context, clientID, userID, redirectURI string, scopes []string, codeChallenge, codeChallengeMethod string) (*AuthorizationCode, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.CreateAuthorizationCode",
		attribute.String(telemetry.AttrClientID, clientID),
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	switch codeChallengeMethod {
	case "", "plain", "S256":
	default:
		return nil, fmt.Errorf("unsupported code challenge method %q", codeChallengeMethod)
	}
	if codeChallengeMethod != "" && codeChallenge == "" {
		return nil, fmt.Errorf("code challenge required for method %q", codeChallengeMethod)
	}

	value, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	code := &AuthorizationCode{
		Code:                value,
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scopes:              append([]string(nil), scopes...),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthorizationCodeTTL),
	}

	s.mu.Lock()
	client, found := s.clients[clientID]
	if !found {
		s.mu.Unlock()
		return nil, ErrClientNotFound
	}
	if !contains(client.RedirectURIs, redirectURI) {
		s.mu.Unlock()
		return nil, ErrInvalidRedirect
	}
	if !contains(client.Scopes, ScopeWildcard) {
		for _, scope := range scopes {
			if !contains(client.Scopes, scope) {
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrInvalidScope, scope)
			}
		}
	}
	s.codes[value] = code
	s.mu.Unlock()

	out := *code
	out.Scopes = append([]string(nil), code.Scopes...)
	return &out, nil
}

// ExchangeAuthorizationCode redeems a code for tokens. The code is burned
// on first use: a failed exchange consumes it just the same.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, codeValue, clientID, clientSecret, redirectURI, codeVerifier string) (*Token, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.ExchangeAuthorizationCode",
		attribute.String(telemetry.AttrClientID, clientID))
	defer span.End()

	now := s.clock.Now()

	// Test-and-set: the code is removed atomically so concurrent exchanges
	// cannot both succeed.
	s.mu.Lock()
	code, found := s.codes[codeValue]
	if found {
		delete(s.codes, codeValue)
	}
	client := s.clients[clientID]
	s.mu.Unlock()

	if !found {
		return nil, ErrInvalidGrant
	}
	if client == nil {
		return nil, ErrClientNotFound
	}
	if code.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	if !now.Before(code.ExpiresAt) {
		return nil, fmt.Errorf("%w: code expired", ErrInvalidGrant)
	}
	if code.RedirectURI != redirectURI {
		return nil, ErrInvalidRedirect
	}
	if client.Confidential {
		if bcrypt.CompareHashAndPassword(client.secretHash, []byte(clientSecret)) != nil {
			return nil, ErrInvalidClient
		}
	}
	if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, codeVerifier); err != nil {
		return nil, err
	}

	token, err := s.issueToken(ctx, client.ID, code.UserID, code.Scopes, now)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return token, nil
}

// RefreshAccessToken rotates a refresh token: the presented pair is revoked
// and a fresh pair is issued for the same user and scopes. Refresh tokens
// carry no expiry; rotation and revocation are the only ways they die.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*Token, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.RefreshAccessToken",
		attribute.String(telemetry.AttrClientID, clientID))
	defer span.End()

	now := s.clock.Now()

	s.mu.Lock()
	token, found := s.byRefresh[refreshToken]
	client := s.clients[clientID]
	wasRevoked := false
	if found {
		// Rotation: the presented pair dies here, whatever happens next.
		wasRevoked = token.Revoked
		token.Revoked = true
	}
	s.mu.Unlock()

	if !found || token.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	if wasRevoked {
		return nil, ErrTokenRevoked
	}
	if client == nil {
		return nil, ErrClientNotFound
	}
	if client.Confidential {
		if bcrypt.CompareHashAndPassword(client.secretHash, []byte(clientSecret)) != nil {
			return nil, ErrInvalidClient
		}
	}

	fresh, err := s.issueToken(ctx, clientID, token.UserID, token.Scopes, now)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return fresh, nil
}

// ValidateAccessToken returns the token record for an active, unexpired
// access token.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*Token, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	token, found := s.byAccess[accessToken]
	if !found {
		return nil, ErrTokenNotFound
	}
	if token.Revoked {
		return nil, ErrTokenRevoked
	}
	if !now.Before(token.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	out := token.clone()
	return out, nil
}

// RevokeToken revokes by access or refresh token value. Revoking an unknown
// or already-revoked token is a no-op and reports false.
func (s *Server) RevokeToken(ctx context.Context, value string) bool {
	s.mu.Lock()
	token := s.byAccess[value]
	if token == nil {
		token = s.byRefresh[value]
	}
	if token == nil || token.Revoked {
		s.mu.Unlock()
		return false
	}
	token.Revoked = true
	userID, clientID := token.UserID, token.ClientID
	s.mu.Unlock()

	s.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicIdentityTokenRevoked,
		Source: "identity",
		Data:   map[string]any{"user_id": userID, "client_id": clientID},
	})
	return true
}

// JWKS returns the public signing keys, or an empty set when ID token
// signing is not configured.
func (s *Server) JWKS() map[string]any {
	if s.signer == nil {
		return map[string]any{"keys": []any{}}
	}
	set := s.signer.JWKS()
	keys := make([]any, 0, len(set.Keys))
	for _, k := range set.Keys {
		keys = append(keys, k)
	}
	return map[string]any{"keys": keys}
}

// issueToken mints an access/refresh pair, plus an ID token when the grant
// includes the openid scope and a signer is configured.
func (s *Server) issueToken(ctx context.Context, clientID, userID string, scopes []string, now time.Time) (*Token, error) {
	access, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	token := &Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ClientID:     clientID,
		UserID:       userID,
		Scopes:       append([]string(nil), scopes...),
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.cfg.AccessTokenTTL),
	}

	if contains(scopes, ScopeOpenID) && s.signer != nil {
		idToken, err := s.mintIDToken(clientID, userID, scopes, now)
		if err != nil {
			return nil, fmt.Errorf("mint id token: %w", err)
		}
		token.IDToken = idToken
	}

	s.mu.Lock()
	s.byAccess[access] = token
	s.byRefresh[refresh] = token
	s.mu.Unlock()

	s.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicIdentityTokenIssued,
		Source: "identity",
		Data:   map[string]any{"user_id": userID, "client_id": clientID, "scopes": scopes},
	})
	return token.clone(), nil
}

func (s *Server) mintIDToken(clientID, userID string, scopes []string, now time.Time) (string, error) {
	claims := map[string]any{
		"iss": s.cfg.Issuer,
		"sub": userID,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(s.cfg.AccessTokenTTL).Unix(),
	}
	if s.users != nil {
		if user, err := s.users.GetUser(userID); err == nil {
			if contains(scopes, "email") {
				claims["email"] = user.Email
				claims["email_verified"] = user.Verified
			}
			if contains(scopes, "profile") {
				claims["preferred_username"] = user.Username
				claims["given_name"] = user.FirstName
				claims["family_name"] = user.LastName
			}
		}
	}
	return s.signer.Sign(claims)
}

func (c *OAuthClient) clone() *OAuthClient {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func (t *Token) clone() *Token {
	out := *t
	out.Scopes = append([]string(nil), t.Scopes...)
	return &out
}

func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("%w: verifier missing", ErrInvalidPKCE)
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
			return ErrInvalidPKCE
		}
	case "plain", "":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrInvalidPKCE
		}
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidPKCE, method)
	}
	return nil
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
