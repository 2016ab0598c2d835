package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

// ProviderSettings control how logins through a provider map to local
// accounts.
type ProviderSettings struct {
	// AutoProvision creates a local account on first login when no link or
	// email match exists.
	AutoProvision bool
}

// Manager is the federation front door: it keeps the provider registry and
// runs the login flows, handing verified external identities to the linker.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	settings  map[string]ProviderSettings

	linker *Linker
	bus    *events.Bus
	logger *slog.Logger
}

// NewManager creates the identity manager.
func NewManager(linker *Linker, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		providers: make(map[string]Provider),
		settings:  make(map[string]ProviderSettings),
		linker:    linker,
		bus:       bus,
		logger:    logger,
	}
}

// RegisterProvider adds a provider to the registry, replacing any provider
// with the same ID.
func (m *Manager) RegisterProvider(ctx context.Context, p Provider, settings ProviderSettings) {
	m.mu.Lock()
	m.providers[p.ID()] = p
	m.settings[p.ID()] = settings
	m.mu.Unlock()

	m.logger.Info("identity provider registered", "provider_id", p.ID(), "kind", p.Kind())
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicIdentityProviderRegistered,
		Source: "identity",
		Data:   map[string]any{"provider_id": p.ID(), "kind": p.Kind()},
	})
}

// Provider returns a registered provider by ID.
func (m *Manager) Provider(providerID string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, found := m.providers[providerID]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return p, nil
}

// ListProviders returns the registered provider IDs, sorted.
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InitiateLogin starts a redirect-based login with a provider.
func (m *Manager) InitiateLogin(ctx context.Context, providerID, callbackURL string) (*LoginRequest, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.InitiateLogin",
		attribute.String(telemetry.AttrProvider, providerID))
	defer span.End()

	p, err := m.Provider(providerID)
	if err != nil {
		return nil, err
	}
	request, err := p.BeginLogin(ctx, callbackURL)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("begin login with %s: %w", providerID, err)
	}

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicIdentityLoginInitiated,
		Source: "identity",
		Data:   map[string]any{"provider_id": providerID, "state": request.State},
	})
	return request, nil
}

// CompleteLogin consumes a provider callback, resolves the external
// identity to a local account, and returns both.
func (m *Manager) CompleteLogin(ctx context.Context, providerID string, payload map[string]string) (*authn.User, *ExternalIdentity, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.CompleteLogin",
		attribute.String(telemetry.AttrProvider, providerID))
	defer span.End()

	p, err := m.Provider(providerID)
	if err != nil {
		return nil, nil, err
	}
	ext, err := p.FinishLogin(ctx, payload)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, fmt.Errorf("finish login with %s: %w", providerID, err)
	}
	return m.resolve(ctx, span, providerID, ext)
}

// DirectLogin authenticates credentials against a provider that supports
// direct verification (directories).
func (m *Manager) DirectLogin(ctx context.Context, providerID, username, password string) (*authn.User, *ExternalIdentity, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.DirectLogin",
		attribute.String(telemetry.AttrProvider, providerID))
	defer span.End()

	p, err := m.Provider(providerID)
	if err != nil {
		return nil, nil, err
	}
	direct, ok := p.(DirectAuthenticator)
	if !ok {
		return nil, nil, fmt.Errorf("provider %s does not support credential login", providerID)
	}
	ext, err := direct.Authenticate(ctx, username, password)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	return m.resolve(ctx, span, providerID, ext)
}

func (m *Manager) resolve(ctx context.Context, span trace.Span, providerID string, ext *ExternalIdentity) (*authn.User, *ExternalIdentity, error) {
	m.mu.RLock()
	settings := m.settings[providerID]
	m.mu.RUnlock()

	user, err := m.linker.Resolve(ctx, ext, settings.AutoProvision)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrUserID, user.ID))
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicIdentityLoginCompleted,
		Source: "identity",
		Data: map[string]any{
			"provider_id": providerID, "user_id": user.ID, "external_id": ext.ExternalID,
		},
	})
	return user, ext, nil
}
