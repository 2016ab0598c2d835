package pluginsec

import "time"

// Risk levels for plugin capabilities.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Well-known capability IDs seeded into the catalog.
const (
	CapFileRead       = "file.read"
	CapFileWrite      = "file.write"
	CapFileDelete     = "file.delete"
	CapNetworkConnect = "network.connect"
	CapNetworkListen  = "network.listen"
	CapSystemExecute  = "system.execute"
	CapSystemInfo     = "system.info"
	CapUserProfile    = "user.profile"
	CapUserContacts   = "user.contacts"
	CapPluginTalk     = "plugin.communicate"
	CapPluginData     = "plugin.data_access"
)

// Permission is a static plugin capability in the catalog.
type Permission struct {
	ID                      string
	Name                    string
	Description             string
	Risk                    string
	Category                string
	Dangerous               bool
	RequiresExplicitConsent bool
}

// Manifest declares a plugin's identity and the capabilities it wants.
type Manifest struct {
	PluginID             string   `json:"plugin_id"`
	Name                 string   `json:"name"`
	Version              string   `json:"version"`
	Author               string   `json:"author"`
	Description          string   `json:"description,omitempty"`
	Homepage             string   `json:"homepage,omitempty"`
	RequestedPermissions []string `json:"requested_permissions"`
	MinAPIVersion        string   `json:"min_api_version,omitempty"`
	MaxAPIVersion        string   `json:"max_api_version,omitempty"`

	RegisteredAt time.Time `json:"-"`
}

// ConsentRequest is the descriptor shown to a user when a plugin asks for
// capabilities. It stays open for a bounded window.
type ConsentRequest struct {
	RequestID    string
	UserID       string
	PluginID     string
	PluginName   string
	PluginAuthor string
	Permissions  []Permission
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Consent records a user's decision about a plugin's requested capabilities.
type Consent struct {
	ID        string
	UserID    string
	PluginID  string
	Granted   []string
	Denied    []string
	Active    bool
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// SecurityToken is an opaque credential minted for one (user, plugin) pair.
type SecurityToken struct {
	TokenID    string
	TokenValue string
	PluginID   string
	UserID     string
	Active     bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Token validation failure reasons, stable for audit records.
const (
	ReasonInvalidToken  = "Invalid token"
	ReasonTokenNotFound = "Token not found"
	ReasonTokenInactive = "Token is inactive"
	ReasonTokenExpired  = "Token has expired"
)

func (p *Permission) clone() *Permission {
	c := *p
	return &c
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.RequestedPermissions = append([]string(nil), m.RequestedPermissions...)
	return &c
}

func (c *Consent) clone() *Consent {
	out := *c
	out.Granted = append([]string(nil), c.Granted...)
	out.Denied = append([]string(nil), c.Denied...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func (t *SecurityToken) clone() *SecurityToken {
	c := *t
	return &c
}
