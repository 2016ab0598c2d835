// Package monitor implements security monitoring: the audit log, the
// compliance model, and anomaly detection over user behavior.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/quorumsec/aegis/internal/events"
)

// Manager owns the audit log, the compliance catalog, and the behavioral
// anomaly detector.
type Manager struct {
	mu           sync.RWMutex
	auditLog     []*AuditEntry
	requirements map[string]*Requirement
	checks       map[string][]*Check // requirement ID -> checks
	behavior     *BehavioralDetector
	metrics      map[string]*StatisticalDetector

	bus    *events.Bus
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewManager creates the monitoring manager.
func NewManager(bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		requirements: make(map[string]*Requirement),
		checks:       make(map[string][]*Check),
		behavior:     NewBehavioralDetector(),
		metrics:      make(map[string]*StatisticalDetector),
		bus:          bus,
		clock:        clock,
		logger:       logger,
	}
}

// WireBus subscribes the audit recorder to the control-plane topics so that
// every state change lands in the audit log.
func (m *Manager) WireBus(bus *events.Bus) {
	spec := events.MustTopicSpec(
		"user.*", "session.*", "role.*", "permission.*", "rbac.*",
		"mfa.*", "identity.*", "plugin_security.*", "security.*",
	)
	bus.Subscribe(spec, func(ctx context.Context, ev events.Event) error {
		m.RecordAudit(ctx, auditEntryFromEvent(ev))
		return nil
	}, events.WithPriority(events.PriorityLow))
}

// auditEntryFromEvent maps a bus event onto an audit entry, pulling actor and
// resource hints out of the event payload.
func auditEntryFromEvent(ev events.Event) AuditEntry {
	entry := AuditEntry{
		Action:      ev.Topic,
		ActorType:   ActorSystem,
		Description: fmt.Sprintf("%s emitted by %s", ev.Topic, ev.Source),
		Metadata:    ev.Data,
	}
	if userID, ok := ev.Data["user_id"].(string); ok {
		entry.ActorID = userID
		entry.ActorType = ActorUser
	}
	if pluginID, ok := ev.Data["plugin_id"].(string); ok {
		entry.ResourceType = "plugin"
		entry.ResourceID = pluginID
	}
	if ip, ok := ev.Data["ip"].(string); ok {
		entry.IP = ip
	}
	if sessionID, ok := ev.Data["session_id"].(string); ok {
		entry.SessionID = sessionID
	}
	return entry
}
