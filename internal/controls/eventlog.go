package controls

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quorumsec/aegis/internal/events"
)

// Security event severities.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SecurityEvent is one append-only entry in the security event log.
type SecurityEvent struct {
	ID          string
	EventType   string
	Severity    string
	Source      string
	UserID      string
	IP          string
	Resource    string
	Description string
	Timestamp   time.Time
	Metadata    map[string]any
}

func (e *SecurityEvent) clone() *SecurityEvent {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SecurityEventFilter narrows a query. Zero fields match everything.
type SecurityEventFilter struct {
	EventType string
	Severity  string
	UserID    string
	IP        string
	Since     time.Time
	Until     time.Time
}

// RecordSecurityEvent appends an event to the log and broadcasts it.
func (m *Manager) RecordSecurityEvent(ctx context.Context, event SecurityEvent) *SecurityEvent {
	return m.recordEvent(ctx, event)
}

func (m *Manager) recordEvent(ctx context.Context, event SecurityEvent) *SecurityEvent {
	event.ID = uuid.NewString()
	event.Timestamp = m.clock.Now()
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	stored := event.clone()

	m.mu.Lock()
	m.eventLog = append(m.eventLog, stored)
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicSecurityEvent,
		Source: "controls",
		Data: map[string]any{
			"event_id": stored.ID, "event_type": stored.EventType,
			"severity": stored.Severity, "user_id": stored.UserID, "ip": stored.IP,
		},
	})
	return stored.clone()
}

// QuerySecurityEvents returns matching events, newest first, up to limit.
// A non-positive limit returns all matches.
func (m *Manager) QuerySecurityEvents(filter SecurityEventFilter, limit int) []*SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SecurityEvent, 0)
	for i := len(m.eventLog) - 1; i >= 0; i-- {
		event := m.eventLog[i]
		if !matchesFilter(event, filter) {
			continue
		}
		out = append(out, event.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func matchesFilter(event *SecurityEvent, filter SecurityEventFilter) bool {
	if filter.EventType != "" && event.EventType != filter.EventType {
		return false
	}
	if filter.Severity != "" && event.Severity != filter.Severity {
		return false
	}
	if filter.UserID != "" && event.UserID != filter.UserID {
		return false
	}
	if filter.IP != "" && event.IP != filter.IP {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
		return false
	}
	return true
}
