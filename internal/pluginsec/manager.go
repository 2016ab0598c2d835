package pluginsec

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

const tracerName = "aegis/pluginsec"

// consentRequestTTL bounds how long a consent prompt stays answerable.
const consentRequestTTL = 30 * time.Minute

// defaultTokenTTL is used when a token is minted without an explicit TTL.
const defaultTokenTTL = time.Hour

// Manager owns the plugin capability catalog, manifests, user consents, and
// plugin security tokens.
type Manager struct {
	mu              sync.RWMutex
	permissions     map[string]*Permission
	manifests       map[string]*Manifest
	consentRequests map[string]*ConsentRequest
	consents        map[string]*Consent
	userConsents    map[string]map[string]string // user ID -> plugin ID -> consent ID
	tokens          map[string]*SecurityToken    // by token ID
	tokenIDByValue  map[string]string

	schema *jsonschema.Schema
	bus    *events.Bus
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewManager creates a plugin security manager with the built-in capability
// catalog seeded.
func NewManager(bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) (*Manager, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	schema, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		permissions:     make(map[string]*Permission),
		manifests:       make(map[string]*Manifest),
		consentRequests: make(map[string]*ConsentRequest),
		consents:        make(map[string]*Consent),
		userConsents:    make(map[string]map[string]string),
		tokens:          make(map[string]*SecurityToken),
		tokenIDByValue:  make(map[string]string),
		schema:          schema,
		bus:             bus,
		clock:           clock,
		logger:          logger,
	}
	m.seedCatalog()
	return m, nil
}

// seedCatalog installs the built-in capability set.
func (m *Manager) seedCatalog() {
	seed := []Permission{
		{ID: CapFileRead, Name: "Read files", Risk: RiskMedium, Category: "filesystem"},
		{ID: CapFileWrite, Name: "Write files", Risk: RiskHigh, Category: "filesystem", Dangerous: true},
		{ID: CapFileDelete, Name: "Delete files", Risk: RiskCritical, Category: "filesystem", Dangerous: true, RequiresExplicitConsent: true},
		{ID: CapNetworkConnect, Name: "Open outbound connections", Risk: RiskMedium, Category: "network"},
		{ID: CapNetworkListen, Name: "Listen for inbound connections", Risk: RiskHigh, Category: "network", Dangerous: true},
		{ID: CapSystemExecute, Name: "Execute system commands", Risk: RiskCritical, Category: "system", Dangerous: true, RequiresExplicitConsent: true},
		{ID: CapSystemInfo, Name: "Read system information", Risk: RiskLow, Category: "system"},
		{ID: CapUserProfile, Name: "Read user profile", Risk: RiskMedium, Category: "user_data"},
		{ID: CapUserContacts, Name: "Read user contacts", Risk: RiskHigh, Category: "user_data", RequiresExplicitConsent: true},
		{ID: CapPluginTalk, Name: "Communicate with other plugins", Risk: RiskMedium, Category: "plugin"},
		{ID: CapPluginData, Name: "Access other plugins' data", Risk: RiskHigh, Category: "plugin", Dangerous: true, RequiresExplicitConsent: true},
	}
	for i := range seed {
		p := seed[i]
		m.permissions[p.ID] = &p
	}
}

// ---- capability catalog ----

// RegisterPermission adds a capability to the catalog.
func (m *Manager) RegisterPermission(p Permission) error {
	if p.ID == "" {
		return fmt.Errorf("permission id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.permissions[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePermission, p.ID)
	}
	m.permissions[p.ID] = &p
	return nil
}

// GetPermission returns a catalog entry.
func (m *Manager) GetPermission(id string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, found := m.permissions[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPermissionUnknown, id)
	}
	return p.clone(), nil
}

// ListPermissions returns the catalog, sorted by ID.
func (m *Manager) ListPermissions() []*Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- manifests ----

// RegisterManifest validates and stores a plugin manifest. Every requested
// permission must already exist in the capability catalog.
func (m *Manager) RegisterManifest(ctx context.Context, manifest Manifest) (*Manifest, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.RegisterManifest",
		attribute.String(telemetry.AttrPluginID, manifest.PluginID))
	defer span.End()

	if err := validateManifest(m.schema, &manifest); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	m.mu.Lock()
	for _, perm := range manifest.RequestedPermissions {
		if _, known := m.permissions[perm]; !known {
			m.mu.Unlock()
			err := fmt.Errorf("%w: manifest %s requests %s", ErrPermissionUnknown, manifest.PluginID, perm)
			telemetry.RecordError(span, err)
			return nil, err
		}
	}
	manifest.RegisteredAt = m.clock.Now()
	stored := manifest.clone()
	m.manifests[manifest.PluginID] = stored
	m.mu.Unlock()

	m.logger.Info("plugin manifest registered",
		"plugin_id", manifest.PluginID, "version", manifest.Version,
		"requested", len(manifest.RequestedPermissions))
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPluginManifestRegistered,
		Source: "pluginsec",
		Data: map[string]any{
			"plugin_id": manifest.PluginID,
			"version":   manifest.Version,
			"requested": append([]string(nil), manifest.RequestedPermissions...),
		},
	})
	return stored.clone(), nil
}

// GetManifest returns a registered manifest.
func (m *Manager) GetManifest(pluginID string) (*Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, found := m.manifests[pluginID]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, pluginID)
	}
	return manifest.clone(), nil
}

// ---- consent lifecycle ----

// RequestUserConsent opens a consent prompt for a plugin's capabilities.
// A nil requested list asks for everything in the manifest.
func (m *Manager) RequestUserConsent(ctx context.Context, userID, pluginID string, requested []string) (*ConsentRequest, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.RequestUserConsent",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrPluginID, pluginID))
	defer span.End()

	m.mu.Lock()
	manifest, found := m.manifests[pluginID]
	if !found {
		m.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrManifestNotFound, pluginID)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if requested == nil {
		requested = append([]string(nil), manifest.RequestedPermissions...)
	}
	details := make([]Permission, 0, len(requested))
	for _, id := range requested {
		if !contains(manifest.RequestedPermissions, id) {
			m.mu.Unlock()
			err := fmt.Errorf("%w: %s is not in the manifest of %s", ErrConsentInvalid, id, pluginID)
			telemetry.RecordError(span, err)
			return nil, err
		}
		perm, known := m.permissions[id]
		if !known {
			m.mu.Unlock()
			err := fmt.Errorf("%w: %s", ErrPermissionUnknown, id)
			telemetry.RecordError(span, err)
			return nil, err
		}
		details = append(details, *perm)
	}

	now := m.clock.Now()
	m.pruneConsentRequestsLocked(now)
	request := &ConsentRequest{
		RequestID:    uuid.NewString(),
		UserID:       userID,
		PluginID:     pluginID,
		PluginName:   manifest.Name,
		PluginAuthor: manifest.Author,
		Permissions:  details,
		CreatedAt:    now,
		ExpiresAt:    now.Add(consentRequestTTL),
	}
	m.consentRequests[request.RequestID] = request
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPluginConsentRequested,
		Source: "pluginsec",
		Data: map[string]any{
			"request_id": request.RequestID, "user_id": userID, "plugin_id": pluginID,
		},
	})
	return request, nil
}

// ProcessConsentResponse records the user's decision for an open consent
// request. Every returned permission must appear in the manifest's requested
// set, and no permission may be both granted and denied. The request is
// consumed whether or not the response validates.
func (m *Manager) ProcessConsentResponse(ctx context.Context, requestID, userID, pluginID string, granted, denied []string, expiresIn time.Duration) (*Consent, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.ProcessConsentResponse",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrPluginID, pluginID))
	defer span.End()

	now := m.clock.Now()

	m.mu.Lock()
	request, found := m.consentRequests[requestID]
	if found {
		delete(m.consentRequests, requestID)
	}
	if !found || request.UserID != userID || request.PluginID != pluginID {
		m.mu.Unlock()
		telemetry.RecordError(span, ErrConsentRequestNotFound)
		return nil, ErrConsentRequestNotFound
	}
	if !now.Before(request.ExpiresAt) {
		m.mu.Unlock()
		telemetry.RecordError(span, ErrConsentRequestExpired)
		return nil, ErrConsentRequestExpired
	}
	manifest, found := m.manifests[pluginID]
	if !found {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, pluginID)
	}
	if err := validateDecision(manifest.RequestedPermissions, granted, denied); err != nil {
		m.mu.Unlock()
		telemetry.RecordError(span, err)
		return nil, err
	}

	consent := &Consent{
		ID:        uuid.NewString(),
		UserID:    userID,
		PluginID:  pluginID,
		Granted:   append([]string(nil), granted...),
		Denied:    append([]string(nil), denied...),
		Active:    true,
		CreatedAt: now,
	}
	if expiresIn > 0 {
		expiry := now.Add(expiresIn)
		consent.ExpiresAt = &expiry
	}
	m.consents[consent.ID] = consent
	byPlugin := m.userConsents[userID]
	if byPlugin == nil {
		byPlugin = make(map[string]string)
		m.userConsents[userID] = byPlugin
	}
	byPlugin[pluginID] = consent.ID
	m.mu.Unlock()

	m.logger.Info("plugin consent recorded",
		"user_id", userID, "plugin_id", pluginID,
		"granted", len(granted), "denied", len(denied))
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPluginConsentGranted,
		Source: "pluginsec",
		Data: map[string]any{
			"consent_id": consent.ID, "user_id": userID, "plugin_id": pluginID,
			"granted": append([]string(nil), granted...),
			"denied":  append([]string(nil), denied...),
		},
	})
	return consent.clone(), nil
}

func validateDecision(requested, granted, denied []string) error {
	for _, id := range granted {
		if !contains(requested, id) {
			return fmt.Errorf("%w: granted %s is not in the requested set", ErrConsentInvalid, id)
		}
		if contains(denied, id) {
			return fmt.Errorf("%w: %s both granted and denied", ErrConsentInvalid, id)
		}
	}
	for _, id := range denied {
		if !contains(requested, id) {
			return fmt.Errorf("%w: denied %s is not in the requested set", ErrConsentInvalid, id)
		}
	}
	return nil
}

// GetConsent returns the current consent for a (user, plugin) pair.
func (m *Manager) GetConsent(userID, pluginID string) (*Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	consent := m.consentLocked(userID, pluginID)
	if consent == nil {
		return nil, fmt.Errorf("%w: user %s plugin %s", ErrConsentNotFound, userID, pluginID)
	}
	return consent.clone(), nil
}

// RevokeConsent deactivates the consent for a (user, plugin) pair. Reports
// false when no active consent existed.
func (m *Manager) RevokeConsent(ctx context.Context, userID, pluginID string) bool {
	m.mu.Lock()
	consent := m.consentLocked(userID, pluginID)
	if consent == nil || !consent.Active {
		m.mu.Unlock()
		return false
	}
	consent.Active = false
	m.mu.Unlock()

	m.logger.Info("plugin consent revoked", "user_id", userID, "plugin_id", pluginID)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPluginConsentRevoked,
		Source: "pluginsec",
		Data:   map[string]any{"user_id": userID, "plugin_id": pluginID},
	})
	return true
}

func (m *Manager) consentLocked(userID, pluginID string) *Consent {
	byPlugin := m.userConsents[userID]
	if byPlugin == nil {
		return nil
	}
	id, found := byPlugin[pluginID]
	if !found {
		return nil
	}
	return m.consents[id]
}

func (m *Manager) pruneConsentRequestsLocked(now time.Time) {
	for id, request := range m.consentRequests {
		if !now.Before(request.ExpiresAt) {
			delete(m.consentRequests, id)
		}
	}
}

// ---- runtime checks ----

// CheckPluginPermission reports whether a plugin may exercise a capability on
// behalf of a user: the capability must be registered, requested by the
// manifest, and granted (not denied) under an active, unexpired consent.
func (m *Manager) CheckPluginPermission(userID, pluginID, permission string) bool {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, known := m.permissions[permission]; !known {
		return false
	}
	manifest, found := m.manifests[pluginID]
	if !found || !contains(manifest.RequestedPermissions, permission) {
		return false
	}
	consent := m.consentLocked(userID, pluginID)
	if consent == nil || !consent.Active {
		return false
	}
	if consent.ExpiresAt != nil && !now.Before(*consent.ExpiresAt) {
		return false
	}
	return contains(consent.Granted, permission) && !contains(consent.Denied, permission)
}

// EnforcePluginPermission is CheckPluginPermission with an error and a
// security event on denial.
func (m *Manager) EnforcePluginPermission(ctx context.Context, userID, pluginID, permission string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.EnforcePluginPermission",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrPluginID, pluginID),
		attribute.String(telemetry.AttrPermission, permission))
	defer span.End()

	if m.CheckPluginPermission(userID, pluginID, permission) {
		span.SetAttributes(attribute.String(telemetry.AttrDecision, "allow"))
		return nil
	}
	span.SetAttributes(attribute.String(telemetry.AttrDecision, "deny"))

	m.bus.EmitSync(ctx, events.Event{
		Topic:    events.TopicSecurityEvent,
		Source:   "pluginsec",
		Priority: events.PriorityHigh,
		Data: map[string]any{
			"event_type": "plugin_permission_denied",
			"user_id":    userID, "plugin_id": pluginID, "permission": permission,
		},
	})
	return fmt.Errorf("%w: plugin %s lacks %s for user %s", ErrPluginPermissionDenied, pluginID, permission, userID)
}

// ---- security tokens ----

// GenerateSecurityToken mints an opaque token for a (user, plugin) pair.
// ttl <= 0 uses the default.
func (m *Manager) GenerateSecurityToken(ctx context.Context, userID, pluginID string, ttl time.Duration) (*SecurityToken, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.GenerateSecurityToken",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrPluginID, pluginID))
	defer span.End()

	m.mu.RLock()
	_, found := m.manifests[pluginID]
	m.mu.RUnlock()
	if !found {
		err := fmt.Errorf("%w: %s", ErrManifestNotFound, pluginID)
		telemetry.RecordError(span, err)
		return nil, err
	}

	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := m.clock.Now()
	token := &SecurityToken{
		TokenID:    uuid.NewString(),
		TokenValue: base58.Encode(raw),
		PluginID:   pluginID,
		UserID:     userID,
		Active:     true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	m.mu.Lock()
	m.tokens[token.TokenID] = token
	m.tokenIDByValue[token.TokenValue] = token.TokenID
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPluginTokenIssued,
		Source: "pluginsec",
		Data: map[string]any{
			"token_id": token.TokenID, "user_id": userID, "plugin_id": pluginID,
		},
	})
	return token.clone(), nil
}

// ValidateSecurityToken checks a presented token value. On failure the
// returned reason is one of the stable Reason* strings.
func (m *Manager) ValidateSecurityToken(tokenValue string) (bool, *SecurityToken, string) {
	if tokenValue == "" {
		return false, nil, ReasonInvalidToken
	}
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	id, found := m.tokenIDByValue[tokenValue]
	if !found {
		return false, nil, ReasonTokenNotFound
	}
	token := m.tokens[id]
	if !token.Active {
		return false, token.clone(), ReasonTokenInactive
	}
	if !now.Before(token.ExpiresAt) {
		return false, token.clone(), ReasonTokenExpired
	}
	return true, token.clone(), ""
}

// GetSecurityToken returns a token by its ID.
func (m *Manager) GetSecurityToken(tokenID string) (*SecurityToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, found := m.tokens[tokenID]
	if !found {
		return nil, false
	}
	return token.clone(), true
}

// RevokeSecurityToken deactivates a token by ID. Reports false when the
// token does not exist or is already inactive.
func (m *Manager) RevokeSecurityToken(ctx context.Context, tokenID string) bool {
	m.mu.Lock()
	token, found := m.tokens[tokenID]
	if !found || !token.Active {
		m.mu.Unlock()
		return false
	}
	token.Active = false
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPluginTokenRevoked,
		Source: "pluginsec",
		Data:   map[string]any{"token_id": tokenID},
	})
	return true
}

// ---- inter-plugin authorization ----

// AuthorizeCommunication decides whether src may talk to dst on behalf of a
// user: src must hold plugin.communicate, dst must have a manifest, and the
// user must have an active consent for dst.
func (m *Manager) AuthorizeCommunication(ctx context.Context, userID, srcPluginID, dstPluginID string) error {
	_, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.AuthorizeCommunication",
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	if !m.CheckPluginPermission(userID, srcPluginID, CapPluginTalk) {
		return fmt.Errorf("%w: %s lacks %s", ErrCommunicationDenied, srcPluginID, CapPluginTalk)
	}
	return m.requireActiveConsent(userID, dstPluginID)
}

// AuthorizeDataAccess decides whether src may read dst's data on behalf of a
// user. On top of the communication requirements, src must hold
// plugin.data_access.
func (m *Manager) AuthorizeDataAccess(ctx context.Context, userID, srcPluginID, dstPluginID, dataType string) error {
	_, span := telemetry.StartSpan(ctx, tracerName, "pluginsec.AuthorizeDataAccess",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(attrDataType, dataType))
	defer span.End()

	if !m.CheckPluginPermission(userID, srcPluginID, CapPluginTalk) {
		return fmt.Errorf("%w: %s lacks %s", ErrCommunicationDenied, srcPluginID, CapPluginTalk)
	}
	if !m.CheckPluginPermission(userID, srcPluginID, CapPluginData) {
		return fmt.Errorf("%w: %s lacks %s", ErrCommunicationDenied, srcPluginID, CapPluginData)
	}
	return m.requireActiveConsent(userID, dstPluginID)
}

const attrDataType = "plugin.data_type"

func (m *Manager) requireActiveConsent(userID, dstPluginID string) error {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, found := m.manifests[dstPluginID]; !found {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, dstPluginID)
	}
	consent := m.consentLocked(userID, dstPluginID)
	if consent == nil || !consent.Active {
		return fmt.Errorf("%w: no active consent for %s", ErrCommunicationDenied, dstPluginID)
	}
	if consent.ExpiresAt != nil && !now.Before(*consent.ExpiresAt) {
		return fmt.Errorf("%w: consent for %s expired", ErrCommunicationDenied, dstPluginID)
	}
	return nil
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
