package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// DirectoryEntry is one directory object returned by a search.
type DirectoryEntry struct {
	DN         string
	Attributes map[string][]string
}

// DirectoryConn is a bound or bindable directory connection.
type DirectoryConn interface {
	Bind(dn, password string) error
	Search(baseDN, filter string, attributes []string) ([]DirectoryEntry, error)
	Close() error
}

// DirectoryDriver opens directory connections. The default driver speaks
// LDAP; tests supply an in-memory fake.
type DirectoryDriver interface {
	Connect(ctx context.Context, addr string) (DirectoryConn, error)
}

// LDAPDriver is the production DirectoryDriver backed by go-ldap.
type LDAPDriver struct{}

func (LDAPDriver) Connect(ctx context.Context, addr string) (DirectoryConn, error) {
	conn, err := ldap.DialURL(addr)
	if err != nil {
		return nil, fmt.Errorf("dial ldap %s: %w", addr, err)
	}
	return &ldapConn{conn: conn}, nil
}

type ldapConn struct {
	conn *ldap.Conn
}

func (c *ldapConn) Bind(dn, password string) error {
	return c.conn.Bind(dn, password)
}

func (c *ldapConn) Search(baseDN, filter string, attributes []string) ([]DirectoryEntry, error) {
	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		attributes,
		nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return nil, err
	}
	entries := make([]DirectoryEntry, 0, len(res.Entries))
	for _, e := range res.Entries {
		attrs := make(map[string][]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = a.Values
		}
		entries = append(entries, DirectoryEntry{DN: e.DN, Attributes: attrs})
	}
	return entries, nil
}

func (c *ldapConn) Close() error {
	return c.conn.Close()
}

// DirectoryConfig configures a directory provider.
type DirectoryConfig struct {
	Address      string // e.g. ldaps://directory.example.com:636
	BindDN       string // service account for the user search
	BindPassword string
	BaseDN       string
	// UserFilter locates the account; "{username}" is replaced with the
	// escaped login name.
	UserFilter string // default: (uid={username})
	// Attribute names for profile extraction.
	EmailAttr     string // default mail
	FirstNameAttr string // default givenName
	LastNameAttr  string // default sn
	GroupsAttr    string // default memberOf
}

func (c DirectoryConfig) withDefaults() DirectoryConfig {
	def := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	c.UserFilter = def(c.UserFilter, "(uid={username})")
	c.EmailAttr = def(c.EmailAttr, "mail")
	c.FirstNameAttr = def(c.FirstNameAttr, "givenName")
	c.LastNameAttr = def(c.LastNameAttr, "sn")
	c.GroupsAttr = def(c.GroupsAttr, "memberOf")
	return c
}

// DirectoryProvider authenticates users against an LDAP directory: a
// service-account bind locates the user entry, then the user's own
// credentials are verified by rebinding as that entry.
type DirectoryProvider struct {
	id     string
	cfg    DirectoryConfig
	driver DirectoryDriver
}

// NewDirectoryProvider creates a directory provider. A nil driver uses the
// LDAP driver.
func NewDirectoryProvider(id string, cfg DirectoryConfig, driver DirectoryDriver) (*DirectoryProvider, error) {
	if cfg.Address == "" || cfg.BaseDN == "" {
		return nil, fmt.Errorf("directory address and base dn are required")
	}
	if driver == nil {
		driver = LDAPDriver{}
	}
	return &DirectoryProvider{id: id, cfg: cfg.withDefaults(), driver: driver}, nil
}

func (p *DirectoryProvider) ID() string   { return p.id }
func (p *DirectoryProvider) Kind() string { return KindLDAP }

// Authenticate verifies a username and password against the directory.
func (p *DirectoryProvider) Authenticate(ctx context.Context, username, password string) (*ExternalIdentity, error) {
	if password == "" {
		// An empty password would turn the rebind into an anonymous bind,
		// which many directories accept.
		return nil, ErrDirectoryAuth
	}
	conn, err := p.driver.Connect(ctx, p.cfg.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("service bind: %w", err)
		}
	}

	filter := strings.ReplaceAll(p.cfg.UserFilter, "{username}", ldap.EscapeFilter(username))
	entries, err := conn.Search(p.cfg.BaseDN, filter, []string{
		"uid", p.cfg.EmailAttr, p.cfg.FirstNameAttr, p.cfg.LastNameAttr, p.cfg.GroupsAttr,
	})
	if err != nil {
		return nil, fmt.Errorf("user search: %w", err)
	}
	if len(entries) != 1 {
		return nil, ErrDirectoryAuth
	}
	entry := entries[0]

	if err := conn.Bind(entry.DN, password); err != nil {
		return nil, ErrDirectoryAuth
	}

	first := func(name string) string {
		if values := entry.Attributes[name]; len(values) > 0 {
			return values[0]
		}
		return ""
	}
	raw := make(map[string]any, len(entry.Attributes))
	for name, values := range entry.Attributes {
		raw[name] = values
	}
	return &ExternalIdentity{
		ProviderID: p.id,
		ExternalID: entry.DN,
		Username:   username,
		Email:      first(p.cfg.EmailAttr),
		FirstName:  first(p.cfg.FirstNameAttr),
		LastName:   first(p.cfg.LastNameAttr),
		Groups:     entry.Attributes[p.cfg.GroupsAttr],
		Raw:        raw,
	}, nil
}

// BeginLogin is not supported for directory providers; authentication is
// credential-based via Authenticate.
func (p *DirectoryProvider) BeginLogin(context.Context, string) (*LoginRequest, error) {
	return nil, fmt.Errorf("directory provider %s does not support redirect login", p.id)
}

// FinishLogin is not supported for directory providers.
func (p *DirectoryProvider) FinishLogin(context.Context, map[string]string) (*ExternalIdentity, error) {
	return nil, fmt.Errorf("directory provider %s does not support redirect login", p.id)
}
