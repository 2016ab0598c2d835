package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// MetadataMap stores arbitrary key/value metadata as a JSON column.
type MetadataMap map[string]any

// Scan implements sql.Scanner for reading from database
func (m *MetadataMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan MetadataMap: expected []byte or string, got %T", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Value implements driver.Valuer for writing to database
func (m MetadataMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// StringList stores a list of strings as a JSON column.
type StringList []string

// Scan implements sql.Scanner for reading from database
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan StringList: expected []byte or string, got %T", value)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Value implements driver.Valuer for writing to database
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// UserRecord is the persisted form of an account.
type UserRecord struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           string      `bun:"id,pk,type:uuid"`
	Username     string      `bun:"username,notnull,unique"`
	Email        string      `bun:"email,notnull,unique"`
	PasswordHash string      `bun:"password_hash,notnull"`
	FirstName    string      `bun:"first_name"`
	LastName     string      `bun:"last_name"`
	Active       bool        `bun:"active,notnull"`
	Verified     bool        `bun:"verified,notnull"`
	MFAEnabled   bool        `bun:"mfa_enabled,notnull"`
	MFAMethods   StringList  `bun:"mfa_methods,type:jsonb"`
	CreatedAt    time.Time   `bun:"created_at,notnull"`
	LastLoginAt  *time.Time  `bun:"last_login_at"`
	Metadata     MetadataMap `bun:"metadata,type:jsonb"`
}

// AuditRecord is one persisted audit log entry.
type AuditRecord struct {
	bun.BaseModel `bun:"table:audit_entries,alias:ae"`

	ID           string      `bun:"id,pk,type:uuid"`
	Action       string      `bun:"action,notnull"`
	ActorID      string      `bun:"actor_id"`
	ActorType    string      `bun:"actor_type,notnull"`
	ResourceType string      `bun:"resource_type"`
	ResourceID   string      `bun:"resource_id"`
	Result       string      `bun:"result,notnull"`
	Description  string      `bun:"description"`
	Timestamp    time.Time   `bun:"ts,notnull"`
	IP           string      `bun:"ip"`
	UserAgent    string      `bun:"user_agent"`
	SessionID    string      `bun:"session_id"`
	Metadata     MetadataMap `bun:"metadata,type:jsonb"`
}

// SecurityEventRecord is one persisted security event.
type SecurityEventRecord struct {
	bun.BaseModel `bun:"table:security_events,alias:se"`

	ID          string      `bun:"id,pk,type:uuid"`
	EventType   string      `bun:"event_type,notnull"`
	Severity    string      `bun:"severity,notnull"`
	Source      string      `bun:"source"`
	UserID      string      `bun:"user_id"`
	IP          string      `bun:"ip"`
	Resource    string      `bun:"resource"`
	Description string      `bun:"description"`
	Timestamp   time.Time   `bun:"ts,notnull"`
	Metadata    MetadataMap `bun:"metadata,type:jsonb"`
}
