package controls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quorumsec/aegis/internal/events"
)

// Geo restriction types.
const (
	GeoTypeAllow = "allow"
	GeoTypeDeny  = "deny"
)

// GeoRestriction pins access to a set of countries. Any active allow entry
// turns the set into an allow-list; deny entries only apply when no
// allow-list exists.
type GeoRestriction struct {
	ID          string
	Type        string
	Countries   []string // ISO 3166-1 alpha-2
	Description string
	Active      bool
	CreatedAt   time.Time
}

func (r *GeoRestriction) clone() *GeoRestriction {
	c := *r
	c.Countries = append([]string(nil), r.Countries...)
	return &c
}

func (r *GeoRestriction) covers(countryCode string) bool {
	for _, c := range r.Countries {
		if c == countryCode {
			return true
		}
	}
	return false
}

// AddGeoRestriction registers a restriction over one or more countries. A
// country already covered by an existing restriction of the same type is
// rejected as a duplicate.
func (m *Manager) AddGeoRestriction(ctx context.Context, geoType string, countries []string, description string) (*GeoRestriction, error) {
	if geoType != GeoTypeAllow && geoType != GeoTypeDeny {
		return nil, fmt.Errorf("geo restriction type must be %q or %q, got %q", GeoTypeAllow, GeoTypeDeny, geoType)
	}
	if len(countries) == 0 {
		return nil, fmt.Errorf("geo restriction needs at least one country")
	}
	normalized := make([]string, 0, len(countries))
	for _, code := range countries {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 2 {
			return nil, fmt.Errorf("country code must be two letters, got %q", code)
		}
		normalized = append(normalized, code)
	}

	m.mu.Lock()
	for _, existing := range m.geoRules {
		if existing.Type != geoType {
			continue
		}
		for _, code := range normalized {
			if existing.covers(code) {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: %s %s", ErrRestrictionExists, geoType, code)
			}
		}
	}
	rule := &GeoRestriction{
		ID:          uuid.NewString(),
		Type:        geoType,
		Countries:   normalized,
		Description: description,
		Active:      true,
		CreatedAt:   m.clock.Now(),
	}
	m.geoRules = append(m.geoRules, rule)
	m.mu.Unlock()

	m.logger.Info("geo restriction added", "rule_id", rule.ID, "type", geoType, "countries", normalized)
	return rule.clone(), nil
}

// RemoveGeoRestriction deletes a restriction by ID.
func (m *Manager) RemoveGeoRestriction(ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rule := range m.geoRules {
		if rule.ID == ruleID {
			m.geoRules = append(m.geoRules[:i], m.geoRules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// CheckCountry decides whether a request from a country is allowed. With an
// active allow-list the country must appear on it; otherwise any active deny
// match rejects; otherwise allow.
func (m *Manager) CheckCountry(ctx context.Context, countryCode string) bool {
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))

	m.mu.RLock()
	hasAllowList := false
	allowed := false
	denied := false
	for _, rule := range m.geoRules {
		if !rule.Active {
			continue
		}
		switch rule.Type {
		case GeoTypeAllow:
			hasAllowList = true
			if rule.covers(countryCode) {
				allowed = true
			}
		case GeoTypeDeny:
			if rule.covers(countryCode) {
				denied = true
			}
		}
	}
	m.mu.RUnlock()

	pass := true
	if hasAllowList {
		pass = allowed
	} else if denied {
		pass = false
	}
	if !pass {
		m.recordEvent(ctx, SecurityEvent{
			EventType:   "geo_blocked",
			Severity:    SeverityMedium,
			Source:      "controls",
			Description: fmt.Sprintf("request from %s rejected by geo policy", countryCode),
			Metadata:    map[string]any{"country": countryCode},
		})
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicSecurityGeoBlocked,
			Source: "controls",
			Data:   map[string]any{"country": countryCode},
		})
	}
	return pass
}

// EnforceCountry is CheckCountry with an error on denial.
func (m *Manager) EnforceCountry(ctx context.Context, countryCode string) error {
	if !m.CheckCountry(ctx, countryCode) {
		return fmt.Errorf("%w: %s", ErrGeoBlocked, countryCode)
	}
	return nil
}
