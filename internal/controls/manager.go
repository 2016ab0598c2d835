// Package controls implements network- and behavior-level security controls:
// IP access rules, geo restrictions, device fingerprinting, rate limiting,
// and the append-only security event log.
package controls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/events"
)

const tracerName = "aegis/controls"

// Manager owns all advanced security controls. Each control family keeps its
// own state under the shared lock; checks are read-mostly except rate limits,
// which append admission timestamps.
type Manager struct {
	mu         sync.RWMutex
	ipRules    []*IPRule
	geoRules   []*GeoRestriction
	devices    map[string]map[string]*DeviceFingerprint // user ID -> device ID
	rateLimits map[string]*RateLimitRule
	eventLog   []*SecurityEvent

	cfg    config.ControlsConfig
	bus    *events.Bus
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewManager creates the controls manager. When cfg.SeedDefaults is set the
// default IP and rate-limit rules are installed.
func NewManager(cfg config.ControlsConfig, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) (*Manager, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		devices:    make(map[string]map[string]*DeviceFingerprint),
		rateLimits: make(map[string]*RateLimitRule),
		cfg:        cfg,
		bus:        bus,
		clock:      clock,
		logger:     logger,
	}
	if cfg.SeedDefaults {
		if err := m.seedDefaults(context.Background()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// seedDefaults installs the baseline rule set: known-bad networks are denied
// outright, private ranges are allowed at low priority, and login and API
// traffic get sliding-window limits.
func (m *Manager) seedDefaults(ctx context.Context) error {
	deny := []string{"203.0.113.0/24", "198.51.100.0/24"}
	for _, cidr := range deny {
		if _, err := m.AddIPRule(ctx, IPRuleTypeDeny, cidr, 100, "known malicious network"); err != nil {
			return err
		}
	}
	private := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	for _, cidr := range private {
		if _, err := m.AddIPRule(ctx, IPRuleTypeAllow, cidr, 10, "private network"); err != nil {
			return err
		}
	}

	if _, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name:          "login_attempts",
		ResourceRegex: "^auth/login$",
		Limit:         5,
		Window:        5 * time.Minute,
		Scope:         ScopeUserIP,
		Action:        ActionBlock,
	}); err != nil {
		return err
	}
	if _, err := m.AddRateLimitRule(ctx, RateLimitRule{
		Name:          "api_requests",
		ResourceRegex: "^api/",
		Limit:         100,
		Window:        time.Minute,
		Scope:         ScopeIP,
		Action:        ActionDelay,
	}); err != nil {
		return err
	}
	return nil
}
