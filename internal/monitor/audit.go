package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actor types for audit entries.
const (
	ActorUser   = "user"
	ActorSystem = "system"
	ActorPlugin = "plugin"
	ActorAdmin  = "admin"
)

// Results an audited action can have.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
	ResultWarning = "warning"
)

// AuditEntry is one append-only record of an authoritative system action.
type AuditEntry struct {
	ID           string
	Action       string
	ActorID      string
	ActorType    string
	ResourceType string
	ResourceID   string
	Result       string
	Description  string
	Timestamp    time.Time
	IP           string
	UserAgent    string
	SessionID    string
	Metadata     map[string]any
}

func (e *AuditEntry) clone() *AuditEntry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Action       string
	ActorID      string
	ActorType    string
	ResourceType string
	Result       string
	Since        time.Time
	Until        time.Time
}

// RecordAudit appends an entry to the audit log. Missing actor type and
// result default to system/success.
func (m *Manager) RecordAudit(ctx context.Context, entry AuditEntry) *AuditEntry {
	entry.ID = uuid.NewString()
	entry.Timestamp = m.clock.Now()
	if entry.ActorType == "" {
		entry.ActorType = ActorSystem
	}
	if entry.Result == "" {
		entry.Result = ResultSuccess
	}
	stored := entry.clone()

	m.mu.Lock()
	m.auditLog = append(m.auditLog, stored)
	m.mu.Unlock()

	m.logger.Debug("audit entry recorded",
		"action", stored.Action, "actor_id", stored.ActorID, "result", stored.Result)
	return stored.clone()
}

// QueryAudit returns matching entries, newest first, up to limit. A
// non-positive limit returns all matches.
func (m *Manager) QueryAudit(filter AuditFilter, limit int) []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AuditEntry, 0)
	for i := len(m.auditLog) - 1; i >= 0; i-- {
		entry := m.auditLog[i]
		if !matchesAuditFilter(entry, filter) {
			continue
		}
		out = append(out, entry.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func matchesAuditFilter(entry *AuditEntry, filter AuditFilter) bool {
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.ActorID != "" && entry.ActorID != filter.ActorID {
		return false
	}
	if filter.ActorType != "" && entry.ActorType != filter.ActorType {
		return false
	}
	if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
		return false
	}
	if filter.Result != "" && entry.Result != filter.Result {
		return false
	}
	if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
		return false
	}
	return true
}
