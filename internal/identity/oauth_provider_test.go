package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOAuthIdP serves the token and userinfo endpoints and records the token
// request form for assertions.
type fakeOAuthIdP struct {
	tokenBody    string
	userInfoBody string
	tokenForm    url.Values
}

func (f *fakeOAuthIdP) Do(req *http.Request) (*http.Response, error) {
	respond := func(body string) *http.Response {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}
	}
	switch {
	case strings.HasSuffix(req.URL.Path, "/token"):
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		f.tokenForm, err = url.ParseQuery(string(raw))
		if err != nil {
			return nil, err
		}
		return respond(f.tokenBody), nil
	case strings.HasSuffix(req.URL.Path, "/userinfo"):
		return respond(f.userInfoBody), nil
	}
	return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func newTestOAuth(t *testing.T, mapping UserInfoMapping) (*OAuthProvider, *fakeOAuthIdP, *clockwork.FakeClock) {
	t.Helper()
	idp := &fakeOAuthIdP{
		tokenBody:    `{"access_token":"at-123","token_type":"Bearer"}`,
		userInfoBody: `{"sub":"subj-123","preferred_username":"alice","email":"alice@corp.example.com","given_name":"Alice","family_name":"Liddell","groups":["engineering"]}`,
	}
	clock := clockwork.NewFakeClock()
	p := NewOAuthProvider("acme-oauth", "client-1", "client-secret-1", OAuthEndpoints{
		AuthorizationURL: "https://idp.example.com/authorize",
		TokenURL:         "https://idp.example.com/token",
		UserInfoURL:      "https://idp.example.com/userinfo",
	}, []string{"openid", "profile"}, mapping, idp, clock)
	return p, idp, clock
}

func TestOAuth_BeginLoginBuildsAuthorizeURL(t *testing.T) {
	p, _, _ := newTestOAuth(t, UserInfoMapping{})

	request, err := p.BeginLogin(context.Background(), "https://aegis.example.com/callback")
	require.NoError(t, err)
	require.NotEmpty(t, request.State)

	parsed, err := url.Parse(request.RedirectURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://aegis.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile", q.Get("scope"))
	assert.Equal(t, request.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
}

func TestOAuth_FinishLoginExchangesAndMaps(t *testing.T) {
	p, idp, _ := newTestOAuth(t, UserInfoMapping{})
	ctx := context.Background()

	request, err := p.BeginLogin(ctx, "https://aegis.example.com/callback")
	require.NoError(t, err)
	challenge := mustParseURL(t, request.RedirectURL).Query().Get("code_challenge")

	ext, err := p.FinishLogin(ctx, map[string]string{"state": request.State, "code": "code-xyz"})
	require.NoError(t, err)
	assert.Equal(t, "acme-oauth", ext.ProviderID)
	assert.Equal(t, "subj-123", ext.ExternalID)
	assert.Equal(t, "alice", ext.Username)
	assert.Equal(t, "alice@corp.example.com", ext.Email)
	assert.Equal(t, []string{"engineering"}, ext.Groups)

	// The token request carried the code, client credentials, and the PKCE
	// verifier matching the challenge from the authorize URL.
	form := idp.tokenForm
	require.NotNil(t, form)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-xyz", form.Get("code"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.Equal(t, "client-secret-1", form.Get("client_secret"))
	assert.Equal(t, "https://aegis.example.com/callback", form.Get("redirect_uri"))
	sum := sha256.Sum256([]byte(form.Get("code_verifier")))
	assert.Equal(t, challenge, base64.RawURLEncoding.EncodeToString(sum[:]))
}

func TestOAuth_CustomMapping(t *testing.T) {
	p, idp, _ := newTestOAuth(t, UserInfoMapping{ID: "id", Username: "login", Email: "mail"})
	idp.userInfoBody = `{"id":42,"login":"alice","mail":"alice@corp.example.com"}`
	ctx := context.Background()

	request, err := p.BeginLogin(ctx, "https://aegis.example.com/callback")
	require.NoError(t, err)
	ext, err := p.FinishLogin(ctx, map[string]string{"state": request.State, "code": "c"})
	require.NoError(t, err)

	// Numeric subjects are coerced to strings.
	assert.Equal(t, "42", ext.ExternalID)
	assert.Equal(t, "alice", ext.Username)
	assert.Equal(t, "alice@corp.example.com", ext.Email)
}

func TestOAuth_MissingSubjectRejected(t *testing.T) {
	p, idp, _ := newTestOAuth(t, UserInfoMapping{})
	idp.userInfoBody = `{"email":"alice@corp.example.com"}`
	ctx := context.Background()

	request, err := p.BeginLogin(ctx, "https://aegis.example.com/callback")
	require.NoError(t, err)
	_, err = p.FinishLogin(ctx, map[string]string{"state": request.State, "code": "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing subject")
}

func TestOAuth_StateIsSingleUse(t *testing.T) {
	p, _, _ := newTestOAuth(t, UserInfoMapping{})
	ctx := context.Background()

	request, err := p.BeginLogin(ctx, "https://aegis.example.com/callback")
	require.NoError(t, err)

	_, err = p.FinishLogin(ctx, map[string]string{"state": request.State, "code": "c"})
	require.NoError(t, err)
	_, err = p.FinishLogin(ctx, map[string]string{"state": request.State, "code": "c"})
	assert.ErrorIs(t, err, ErrLoginStateNotFound)
}

func TestOAuth_StateExpires(t *testing.T) {
	p, _, clock := newTestOAuth(t, UserInfoMapping{})
	ctx := context.Background()

	request, err := p.BeginLogin(ctx, "https://aegis.example.com/callback")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	_, err = p.FinishLogin(ctx, map[string]string{"state": request.State, "code": "c"})
	assert.ErrorIs(t, err, ErrLoginStateNotFound)
}

func TestOAuth_UnknownStateRejected(t *testing.T) {
	p, _, _ := newTestOAuth(t, UserInfoMapping{})

	_, err := p.FinishLogin(context.Background(), map[string]string{"state": "never-issued", "code": "c"})
	assert.ErrorIs(t, err, ErrLoginStateNotFound)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed
}
