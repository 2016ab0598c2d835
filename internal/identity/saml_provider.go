package identity

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

const (
	samlRequestTTL       = 15 * time.Minute
	samlMetadataCacheTTL = 24 * time.Hour

	samlStatusSuccess     = "urn:oasis:names:tc:SAML:2.0:status:Success"
	samlBindingRedirect   = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	samlBindingPOST       = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	samlProtocolNamespace = "urn:oasis:names:tc:SAML:2.0:protocol"
	samlAssertionNS       = "urn:oasis:names:tc:SAML:2.0:assertion"
)

// idpMetadata is the slice of the IdP's metadata document we need.
type idpMetadata struct {
	entityID string
	ssoURL   string
}

// SAMLConfig configures a SAML provider. Either SSOURL or MetadataURL must
// be set; with MetadataURL the SSO endpoint is discovered and cached.
type SAMLConfig struct {
	EntityID    string // our service provider entity ID
	SSOURL      string
	MetadataURL string
	// AttributeMap names the assertion attributes carrying each profile
	// field. Empty entries fall back to common attribute names.
	AttributeMap map[string]string
}

// SAMLProvider federates with a SAML 2.0 identity provider. Authentication
// requests are correlated with responses through a pending-request table:
// a response whose InResponseTo is unknown, expired, or already consumed is
// rejected.
type SAMLProvider struct {
	id  string
	cfg SAMLConfig

	mu      sync.Mutex
	pending map[string]time.Time // request ID -> expiry

	metadataCache *expirable.LRU[string, idpMetadata]
	httpClient    HTTPClient
	clock         clockwork.Clock
}

// NewSAMLProvider creates a SAML provider.
func NewSAMLProvider(id string, cfg SAMLConfig, httpClient HTTPClient, clock clockwork.Clock) (*SAMLProvider, error) {
	if cfg.EntityID == "" {
		return nil, fmt.Errorf("saml entity id is required")
	}
	if cfg.SSOURL == "" && cfg.MetadataURL == "" {
		return nil, fmt.Errorf("either sso url or metadata url is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SAMLProvider{
		id:            id,
		cfg:           cfg,
		pending:       make(map[string]time.Time),
		metadataCache: expirable.NewLRU[string, idpMetadata](8, nil, samlMetadataCacheTTL),
		httpClient:    httpClient,
		clock:         clock,
	}, nil
}

func (p *SAMLProvider) ID() string   { return p.id }
func (p *SAMLProvider) Kind() string { return KindSAML }

// BeginLogin builds a redirect-binding AuthnRequest and records its ID for
// response correlation.
func (p *SAMLProvider) BeginLogin(ctx context.Context, callbackURL string) (*LoginRequest, error) {
	ssoURL, err := p.resolveSSOURL(ctx)
	if err != nil {
		return nil, err
	}

	requestID := "_" + uuid.NewString()
	now := p.clock.Now()

	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:AuthnRequest")
	req.CreateAttr("xmlns:samlp", samlProtocolNamespace)
	req.CreateAttr("xmlns:saml", samlAssertionNS)
	req.CreateAttr("ID", requestID)
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))
	req.CreateAttr("Destination", ssoURL)
	req.CreateAttr("ProtocolBinding", samlBindingPOST)
	req.CreateAttr("AssertionConsumerServiceURL", callbackURL)
	req.CreateElement("saml:Issuer").SetText(p.cfg.EntityID)

	encoded, err := deflateAndEncode(doc)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for id, exp := range p.pending {
		if !now.Before(exp) {
			delete(p.pending, id)
		}
	}
	p.pending[requestID] = now.Add(samlRequestTTL)
	p.mu.Unlock()

	q := url.Values{}
	q.Set("SAMLRequest", encoded)
	q.Set("RelayState", requestID)
	sep := "?"
	if strings.Contains(ssoURL, "?") {
		sep = "&"
	}
	return &LoginRequest{
		RedirectURL: ssoURL + sep + q.Encode(),
		State:       requestID,
	}, nil
}

// FinishLogin validates a POST-binding SAMLResponse and extracts the
// subject and attributes.
func (p *SAMLProvider) FinishLogin(_ context.Context, payload map[string]string) (*ExternalIdentity, error) {
	raw, err := base64.StdEncoding.DecodeString(payload["SAMLResponse"])
	if err != nil {
		return nil, fmt.Errorf("%w: response is not base64", ErrAssertionInvalid)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: response is not xml", ErrAssertionInvalid)
	}
	resp := doc.Root()
	if resp == nil || resp.Tag != "Response" {
		return nil, fmt.Errorf("%w: root element is not a Response", ErrAssertionInvalid)
	}

	status := resp.FindElement("./Status/StatusCode")
	if status == nil || status.SelectAttrValue("Value", "") != samlStatusSuccess {
		return nil, fmt.Errorf("%w: response status is not success", ErrAssertionInvalid)
	}

	inResponseTo := resp.SelectAttrValue("InResponseTo", "")
	now := p.clock.Now()

	p.mu.Lock()
	expiry, found := p.pending[inResponseTo]
	if found {
		delete(p.pending, inResponseTo) // single use: replay gets rejected
	}
	p.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: unknown or replayed request id %q", ErrAssertionInvalid, inResponseTo)
	}
	if !now.Before(expiry) {
		return nil, fmt.Errorf("%w: request id expired", ErrAssertionInvalid)
	}

	assertion := resp.FindElement("./Assertion")
	if assertion == nil {
		return nil, fmt.Errorf("%w: response carries no assertion", ErrAssertionInvalid)
	}
	nameID := assertion.FindElement("./Subject/NameID")
	if nameID == nil || nameID.Text() == "" {
		return nil, fmt.Errorf("%w: assertion has no NameID", ErrAssertionInvalid)
	}

	attrs := make(map[string][]string)
	for _, attr := range assertion.FindElements("./AttributeStatement/Attribute") {
		name := attr.SelectAttrValue("Name", "")
		if name == "" {
			continue
		}
		for _, value := range attr.FindElements("./AttributeValue") {
			attrs[name] = append(attrs[name], value.Text())
		}
	}

	pick := func(field string, fallbacks ...string) string {
		if mapped := p.cfg.AttributeMap[field]; mapped != "" {
			fallbacks = append([]string{mapped}, fallbacks...)
		}
		for _, name := range fallbacks {
			if values := attrs[name]; len(values) > 0 {
				return values[0]
			}
		}
		return ""
	}

	raw2 := make(map[string]any, len(attrs))
	for name, values := range attrs {
		raw2[name] = values
	}
	return &ExternalIdentity{
		ProviderID: p.id,
		ExternalID: nameID.Text(),
		Username:   pick("username", "uid", "urn:oid:0.9.2342.19200300.100.1.1"),
		Email:      pick("email", "mail", "email", "urn:oid:0.9.2342.19200300.100.1.3"),
		FirstName:  pick("first_name", "givenName", "urn:oid:2.5.4.42"),
		LastName:   pick("last_name", "sn", "surname", "urn:oid:2.5.4.4"),
		Groups:     attrs[p.attributeName("groups", "groups")],
		Raw:        raw2,
	}, nil
}

func (p *SAMLProvider) attributeName(field, fallback string) string {
	if mapped := p.cfg.AttributeMap[field]; mapped != "" {
		return mapped
	}
	return fallback
}

// resolveSSOURL returns the configured SSO endpoint, or discovers it from
// the IdP metadata document (cached for 24 hours).
func (p *SAMLProvider) resolveSSOURL(ctx context.Context) (string, error) {
	if p.cfg.SSOURL != "" {
		return p.cfg.SSOURL, nil
	}
	if meta, ok := p.metadataCache.Get(p.cfg.MetadataURL); ok {
		return meta.ssoURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.MetadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch idp metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read idp metadata: %w", err)
	}

	meta, err := parseIdPMetadata(body)
	if err != nil {
		return "", err
	}
	p.metadataCache.Add(p.cfg.MetadataURL, meta)
	return meta.ssoURL, nil
}

// parseIdPMetadata extracts the entity ID and the redirect-binding SSO
// location from an EntityDescriptor document.
func parseIdPMetadata(data []byte) (idpMetadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return idpMetadata{}, fmt.Errorf("parse idp metadata: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return idpMetadata{}, fmt.Errorf("idp metadata is empty")
	}
	meta := idpMetadata{entityID: root.SelectAttrValue("entityID", "")}

	var fallback string
	for _, svc := range root.FindElements(".//IDPSSODescriptor/SingleSignOnService") {
		location := svc.SelectAttrValue("Location", "")
		if location == "" {
			continue
		}
		if svc.SelectAttrValue("Binding", "") == samlBindingRedirect {
			meta.ssoURL = location
			break
		}
		if fallback == "" {
			fallback = location
		}
	}
	if meta.ssoURL == "" {
		meta.ssoURL = fallback
	}
	if meta.ssoURL == "" {
		return idpMetadata{}, fmt.Errorf("idp metadata has no SingleSignOnService location")
	}
	return meta, nil
}

// deflateAndEncode serializes the document with the redirect-binding
// encoding: raw DEFLATE then standard base64.
func deflateAndEncode(doc *etree.Document) (string, error) {
	xml, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("serialize authn request: %w", err)
	}
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := writer.Write(xml); err != nil {
		return "", fmt.Errorf("deflate authn request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish deflate: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
