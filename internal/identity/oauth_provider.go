package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/mapstructure"
)

// loginStateTTL bounds how long an initiated redirect login stays open.
const loginStateTTL = 10 * time.Minute

// OAuthEndpoints are the provider's protocol URLs, configured explicitly
// for plain OAuth2 providers without discovery.
type OAuthEndpoints struct {
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
}

// UserInfoMapping names the userinfo fields carrying each profile
// attribute. Zero values fall back to common defaults.
type UserInfoMapping struct {
	ID        string
	Username  string
	Email     string
	FirstName string
	LastName  string
	Groups    string
}

func (m UserInfoMapping) withDefaults() UserInfoMapping {
	def := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	return UserInfoMapping{
		ID:        def(m.ID, "sub"),
		Username:  def(m.Username, "preferred_username"),
		Email:     def(m.Email, "email"),
		FirstName: def(m.FirstName, "given_name"),
		LastName:  def(m.LastName, "family_name"),
		Groups:    def(m.Groups, "groups"),
	}
}

// OAuthProvider federates with a plain OAuth2 provider through explicitly
// configured endpoints. Logins carry a random state and a PKCE S256
// challenge; both are verified on the callback.
type OAuthProvider struct {
	id           string
	clientID     string
	clientSecret string
	endpoints    OAuthEndpoints
	scopes       []string
	mapping      UserInfoMapping

	mu      sync.Mutex
	pending map[string]*oauthLoginState

	httpClient HTTPClient
	clock      clockwork.Clock
}

type oauthLoginState struct {
	verifier    string
	callbackURL string
	expiresAt   time.Time
}

// NewOAuthProvider creates an OAuth2 provider. httpClient defaults to
// http.DefaultClient.
func NewOAuthProvider(id, clientID, clientSecret string, endpoints OAuthEndpoints, scopes []string, mapping UserInfoMapping, httpClient HTTPClient, clock clockwork.Clock) *OAuthProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OAuthProvider{
		id:           id,
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoints:    endpoints,
		scopes:       scopes,
		mapping:      mapping.withDefaults(),
		pending:      make(map[string]*oauthLoginState),
		httpClient:   httpClient,
		clock:        clock,
	}
}

func (p *OAuthProvider) ID() string   { return p.id }
func (p *OAuthProvider) Kind() string { return KindOAuth2 }

func (p *OAuthProvider) BeginLogin(_ context.Context, callbackURL string) (*LoginRequest, error) {
	state, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	p.mu.Lock()
	p.prunePendingLocked()
	p.pending[state] = &oauthLoginState{
		verifier:    verifier,
		callbackURL: callbackURL,
		expiresAt:   p.clock.Now().Add(loginStateTTL),
	}
	p.mu.Unlock()

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", callbackURL)
	q.Set("scope", strings.Join(p.scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	sep := "?"
	if strings.Contains(p.endpoints.AuthorizationURL, "?") {
		sep = "&"
	}
	return &LoginRequest{
		RedirectURL: p.endpoints.AuthorizationURL + sep + q.Encode(),
		State:       state,
	}, nil
}

func (p *OAuthProvider) FinishLogin(ctx context.Context, payload map[string]string) (*ExternalIdentity, error) {
	state, code := payload["state"], payload["code"]
	now := p.clock.Now()

	p.mu.Lock()
	login, found := p.pending[state]
	if found {
		delete(p.pending, state)
	}
	p.mu.Unlock()

	if !found || !now.Before(login.expiresAt) {
		return nil, ErrLoginStateNotFound
	}

	accessToken, err := p.exchangeCode(ctx, code, login)
	if err != nil {
		return nil, err
	}
	info, err := p.fetchUserInfo(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return p.mapIdentity(info)
}

func (p *OAuthProvider) exchangeCode(ctx context.Context, code string, login *oauthLoginState) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", login.callbackURL)
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("code_verifier", login.verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return tokenResp.AccessToken, nil
}

func (p *OAuthProvider) fetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return info, nil
}

// mapIdentity decodes the raw userinfo document through the configured
// field mapping.
func (p *OAuthProvider) mapIdentity(info map[string]any) (*ExternalIdentity, error) {
	remapped := map[string]any{
		"external_id": info[p.mapping.ID],
		"username":    info[p.mapping.Username],
		"email":       info[p.mapping.Email],
		"first_name":  info[p.mapping.FirstName],
		"last_name":   info[p.mapping.LastName],
		"groups":      info[p.mapping.Groups],
	}
	var decoded struct {
		ExternalID string   `mapstructure:"external_id"`
		Username   string   `mapstructure:"username"`
		Email      string   `mapstructure:"email"`
		FirstName  string   `mapstructure:"first_name"`
		LastName   string   `mapstructure:"last_name"`
		Groups     []string `mapstructure:"groups"`
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &decoded,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build userinfo decoder: %w", err)
	}
	if err := decoder.Decode(remapped); err != nil {
		return nil, fmt.Errorf("decode userinfo fields: %w", err)
	}
	if decoded.ExternalID == "" {
		return nil, fmt.Errorf("userinfo missing subject field %q", p.mapping.ID)
	}
	return &ExternalIdentity{
		ProviderID: p.id,
		ExternalID: decoded.ExternalID,
		Username:   decoded.Username,
		Email:      decoded.Email,
		FirstName:  decoded.FirstName,
		LastName:   decoded.LastName,
		Groups:     decoded.Groups,
		Raw:        info,
	}, nil
}

func (p *OAuthProvider) prunePendingLocked() {
	now := p.clock.Now()
	for state, login := range p.pending {
		if !now.Before(login.expiresAt) {
			delete(p.pending, state)
		}
	}
}
