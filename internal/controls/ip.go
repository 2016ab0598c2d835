package controls

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

// IP rule types.
const (
	IPRuleTypeAllow = "allow"
	IPRuleTypeDeny  = "deny"
)

// IPRule matches a network range. Rules are evaluated in descending priority
// and the first match wins; no match means allow.
type IPRule struct {
	ID          string
	Type        string
	CIDR        string
	Priority    int
	Description string
	Active      bool
	CreatedAt   time.Time

	prefix netip.Prefix
}

func (r *IPRule) clone() *IPRule {
	c := *r
	return &c
}

// AddIPRule registers an IP access rule. The CIDR is parsed once here; a bare
// address is treated as a single-host prefix.
func (m *Manager) AddIPRule(ctx context.Context, ruleType, cidr string, priority int, description string) (*IPRule, error) {
	if ruleType != IPRuleTypeAllow && ruleType != IPRuleTypeDeny {
		return nil, fmt.Errorf("ip rule type must be %q or %q, got %q", IPRuleTypeAllow, IPRuleTypeDeny, ruleType)
	}
	prefix, err := parsePrefix(cidr)
	if err != nil {
		return nil, err
	}
	rule := &IPRule{
		ID:          uuid.NewString(),
		Type:        ruleType,
		CIDR:        cidr,
		Priority:    priority,
		Description: description,
		Active:      true,
		CreatedAt:   m.clock.Now(),
		prefix:      prefix,
	}

	m.mu.Lock()
	m.ipRules = append(m.ipRules, rule)
	sort.SliceStable(m.ipRules, func(i, j int) bool {
		return m.ipRules[i].Priority > m.ipRules[j].Priority
	})
	m.mu.Unlock()

	m.logger.Info("ip rule added", "rule_id", rule.ID, "type", ruleType, "cidr", cidr, "priority", priority)
	return rule.clone(), nil
}

// RemoveIPRule deletes a rule by ID.
func (m *Manager) RemoveIPRule(ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rule := range m.ipRules {
		if rule.ID == ruleID {
			m.ipRules = append(m.ipRules[:i], m.ipRules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// SetIPRuleActive toggles a rule without removing it.
func (m *Manager) SetIPRuleActive(ruleID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range m.ipRules {
		if rule.ID == ruleID {
			rule.Active = active
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// ListIPRules returns the rules in evaluation order.
func (m *Manager) ListIPRules() []*IPRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*IPRule, 0, len(m.ipRules))
	for _, rule := range m.ipRules {
		out = append(out, rule.clone())
	}
	return out
}

// CheckIP evaluates the rule chain for an address. It reports whether the
// address is allowed and, when a rule matched, which one.
func (m *Manager) CheckIP(ctx context.Context, ip string) (bool, *IPRule, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, nil, fmt.Errorf("parse ip %q: %w", ip, err)
	}

	m.mu.RLock()
	var matched *IPRule
	for _, rule := range m.ipRules {
		if !rule.Active {
			continue
		}
		if rule.prefix.Contains(addr) {
			matched = rule.clone()
			break
		}
	}
	m.mu.RUnlock()

	if matched == nil {
		return true, nil, nil
	}
	allowed := matched.Type == IPRuleTypeAllow
	if !allowed {
		m.recordEvent(ctx, SecurityEvent{
			EventType:   "ip_blocked",
			Severity:    SeverityHigh,
			Source:      "controls",
			IP:          ip,
			Description: fmt.Sprintf("address %s matched deny rule %s (%s)", ip, matched.ID, matched.CIDR),
		})
		m.bus.EmitSync(ctx, events.Event{
			Topic:    events.TopicSecurityIPBlocked,
			Source:   "controls",
			Priority: events.PriorityHigh,
			Data:     map[string]any{"ip": ip, "rule_id": matched.ID, "cidr": matched.CIDR},
		})
	}
	return allowed, matched, nil
}

// EnforceIP is CheckIP with an error on denial.
func (m *Manager) EnforceIP(ctx context.Context, ip string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "controls.EnforceIP")
	defer span.End()

	allowed, matched, err := m.CheckIP(ctx, ip)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if !allowed {
		span.SetAttributes(
			attribute.String(telemetry.AttrDecision, "deny"),
			attribute.String(telemetry.AttrRuleID, matched.ID),
		)
		return fmt.Errorf("%w: %s", ErrIPBlocked, ip)
	}
	return nil
}

func parsePrefix(cidr string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(cidr); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s", ErrInvalidCIDR, cidr)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
