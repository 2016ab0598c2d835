package controls

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

// Rate limit scopes.
const (
	ScopeGlobal = "global"
	ScopeIP     = "ip"
	ScopeUser   = "user"
	ScopeUserIP = "user_ip"
)

// Actions taken when a limit is exceeded.
const (
	ActionBlock   = "block"
	ActionDelay   = "delay"
	ActionCaptcha = "captcha"
	ActionLog     = "log"
)

// RateLimitRule is a sliding-window limit over a request scope. A rule with
// a ResourceRegex applies only to requests whose resource matches it; an
// empty pattern applies to every request.
type RateLimitRule struct {
	ID            string
	Name          string
	ResourceRegex string
	Limit         int
	Window        time.Duration
	Scope         string
	Action        string
	Active        bool

	resourceRE *regexp.Regexp
	windows    map[string][]time.Time
}

func (r *RateLimitRule) clone() *RateLimitRule {
	c := *r
	c.resourceRE = nil
	c.windows = nil
	return &c
}

// Request carries the identifying data a rate-limit check scopes on.
// Resource names the operation being limited (e.g. "auth/login").
type Request struct {
	Resource string
	UserID   string
	IP       string
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed  bool
	RuleName string
	Action   string
	Reason   string
}

// AddRateLimitRule registers a limit. Zero or negative limits and windows are
// rejected.
func (m *Manager) AddRateLimitRule(ctx context.Context, rule RateLimitRule) (*RateLimitRule, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return nil, fmt.Errorf("rate limit rule %q needs a positive limit and window", rule.Name)
	}
	switch rule.Scope {
	case ScopeGlobal, ScopeIP, ScopeUser, ScopeUserIP:
	default:
		return nil, fmt.Errorf("unknown rate limit scope %q", rule.Scope)
	}
	switch rule.Action {
	case ActionBlock, ActionDelay, ActionCaptcha, ActionLog:
	default:
		return nil, fmt.Errorf("unknown rate limit action %q", rule.Action)
	}
	if rule.ResourceRegex != "" {
		re, err := regexp.Compile(rule.ResourceRegex)
		if err != nil {
			return nil, fmt.Errorf("rate limit rule %q has an invalid resource pattern: %w", rule.Name, err)
		}
		rule.resourceRE = re
	}
	rule.ID = uuid.NewString()
	rule.Active = true
	rule.windows = make(map[string][]time.Time)

	m.mu.Lock()
	m.rateLimits[rule.ID] = &rule
	m.mu.Unlock()

	m.logger.Info("rate limit rule added",
		"rule_id", rule.ID, "name", rule.Name, "limit", rule.Limit,
		"window", rule.Window, "scope", rule.Scope)
	return rule.clone(), nil
}

// RemoveRateLimitRule deletes a rule by ID.
func (m *Manager) RemoveRateLimitRule(ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.rateLimits[ruleID]; !found {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	delete(m.rateLimits, ruleID)
	return nil
}

// CheckRateLimit evaluates every applicable rule for a request. The request
// is admitted (and its timestamp recorded against each applicable rule) only
// when no rule is exceeded. Rules whose resource pattern does not match, or
// whose scope needs data the request does not carry, are skipped.
func (m *Manager) CheckRateLimit(ctx context.Context, req Request) Decision {
	_, span := telemetry.StartSpan(ctx, tracerName, "controls.CheckRateLimit",
		attribute.String(telemetry.AttrUserID, req.UserID))
	defer span.End()

	now := m.clock.Now()

	m.mu.Lock()
	var violated *RateLimitRule
	applicable := make([]scopedRule, 0, len(m.rateLimits))
	for _, rule := range m.rateLimits {
		if !rule.Active {
			continue
		}
		if rule.resourceRE != nil && !rule.resourceRE.MatchString(req.Resource) {
			continue
		}
		key, ok := scopeKey(rule.Scope, req)
		if !ok {
			continue
		}
		rule.windows[key] = pruneWindow(rule.windows[key], now.Add(-rule.Window))
		if len(rule.windows[key]) >= rule.Limit {
			violated = rule
			break
		}
		applicable = append(applicable, scopedRule{rule: rule, key: key})
	}
	if violated == nil {
		for _, sr := range applicable {
			sr.rule.windows[sr.key] = append(sr.rule.windows[sr.key], now)
		}
	}
	m.mu.Unlock()

	if violated == nil {
		span.SetAttributes(attribute.String(telemetry.AttrDecision, "allow"))
		return Decision{Allowed: true}
	}

	span.SetAttributes(
		attribute.String(telemetry.AttrDecision, "deny"),
		attribute.String(telemetry.AttrRuleID, violated.ID),
	)
	reason := fmt.Sprintf("%s: more than %d requests in %s", violated.Name, violated.Limit, violated.Window)
	m.recordEvent(ctx, SecurityEvent{
		EventType:   "rate_limit_exceeded",
		Severity:    SeverityMedium,
		Source:      "controls",
		UserID:      req.UserID,
		IP:          req.IP,
		Description: reason,
		Resource:    req.Resource,
		Metadata:    map[string]any{"rule": violated.Name, "action": violated.Action},
	})
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicSecurityRateLimited,
		Source: "controls",
		Data: map[string]any{
			"rule": violated.Name, "action": violated.Action,
			"resource": req.Resource, "user_id": req.UserID, "ip": req.IP,
		},
	})
	return Decision{
		Allowed:  false,
		RuleName: violated.Name,
		Action:   violated.Action,
		Reason:   reason,
	}
}

// EnforceRateLimit is CheckRateLimit with an error when the decision's
// action is blocking.
func (m *Manager) EnforceRateLimit(ctx context.Context, req Request) error {
	decision := m.CheckRateLimit(ctx, req)
	if decision.Allowed || decision.Action == ActionLog {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason)
}

type scopedRule struct {
	rule *RateLimitRule
	key  string
}

func scopeKey(scope string, req Request) (string, bool) {
	switch scope {
	case ScopeGlobal:
		return "global", true
	case ScopeIP:
		if req.IP == "" {
			return "", false
		}
		return "ip:" + req.IP, true
	case ScopeUser:
		if req.UserID == "" {
			return "", false
		}
		return "user:" + req.UserID, true
	case ScopeUserIP:
		if req.UserID == "" || req.IP == "" {
			return "", false
		}
		return "user:" + req.UserID + ":ip:" + req.IP, true
	}
	return "", false
}

func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	return window[idx:]
}
