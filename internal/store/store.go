package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/controls"
	"github.com/quorumsec/aegis/internal/monitor"
)

// Store reads and writes control-plane snapshots through Bun.
type Store struct {
	db *bun.DB
}

// New creates a store on an open database.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Init creates the snapshot tables when they do not exist.
func (s *Store) Init(ctx context.Context) error {
	models := []any{
		(*UserRecord)(nil),
		(*AuditRecord)(nil),
		(*SecurityEventRecord)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

// SaveUsers replaces the persisted user snapshot.
func (s *Store) SaveUsers(ctx context.Context, users []*authn.User) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*UserRecord)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("clear user snapshot: %w", err)
		}
		if len(users) == 0 {
			return nil
		}
		records := make([]UserRecord, 0, len(users))
		for _, user := range users {
			records = append(records, userToRecord(user))
		}
		if _, err := tx.NewInsert().Model(&records).Exec(ctx); err != nil {
			return fmt.Errorf("insert user snapshot: %w", err)
		}
		return nil
	})
}

// LoadUsers reads the persisted user snapshot.
func (s *Store) LoadUsers(ctx context.Context) ([]*authn.User, error) {
	var records []UserRecord
	if err := s.db.NewSelect().Model(&records).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	users := make([]*authn.User, 0, len(records))
	for i := range records {
		users = append(users, recordToUser(&records[i]))
	}
	return users, nil
}

// AppendAuditEntries persists audit entries. Entries keep their IDs; missing
// IDs get time-ordered ones.
func (s *Store) AppendAuditEntries(ctx context.Context, entries []*monitor.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]AuditRecord, 0, len(entries))
	for _, entry := range entries {
		record := AuditRecord{
			ID:           entry.ID,
			Action:       entry.Action,
			ActorID:      entry.ActorID,
			ActorType:    entry.ActorType,
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			Result:       entry.Result,
			Description:  entry.Description,
			Timestamp:    entry.Timestamp,
			IP:           entry.IP,
			UserAgent:    entry.UserAgent,
			SessionID:    entry.SessionID,
			Metadata:     MetadataMap(entry.Metadata),
		}
		if record.ID == "" {
			record.ID = NewUUIDv7()
		}
		records = append(records, record)
	}
	if _, err := s.db.NewInsert().Model(&records).Exec(ctx); err != nil {
		return fmt.Errorf("append audit entries: %w", err)
	}
	return nil
}

// LoadAuditEntries reads persisted audit entries, newest first, up to limit.
// A non-positive limit returns everything.
func (s *Store) LoadAuditEntries(ctx context.Context, limit int) ([]*monitor.AuditEntry, error) {
	var records []AuditRecord
	q := s.db.NewSelect().Model(&records).Order("ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	entries := make([]*monitor.AuditEntry, 0, len(records))
	for i := range records {
		r := &records[i]
		entries = append(entries, &monitor.AuditEntry{
			ID:           r.ID,
			Action:       r.Action,
			ActorID:      r.ActorID,
			ActorType:    r.ActorType,
			ResourceType: r.ResourceType,
			ResourceID:   r.ResourceID,
			Result:       r.Result,
			Description:  r.Description,
			Timestamp:    r.Timestamp,
			IP:           r.IP,
			UserAgent:    r.UserAgent,
			SessionID:    r.SessionID,
			Metadata:     map[string]any(r.Metadata),
		})
	}
	return entries, nil
}

// AppendSecurityEvents persists security events.
func (s *Store) AppendSecurityEvents(ctx context.Context, events []*controls.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]SecurityEventRecord, 0, len(events))
	for _, event := range events {
		record := SecurityEventRecord{
			ID:          event.ID,
			EventType:   event.EventType,
			Severity:    event.Severity,
			Source:      event.Source,
			UserID:      event.UserID,
			IP:          event.IP,
			Resource:    event.Resource,
			Description: event.Description,
			Timestamp:   event.Timestamp,
			Metadata:    MetadataMap(event.Metadata),
		}
		if record.ID == "" {
			record.ID = NewUUIDv7()
		}
		records = append(records, record)
	}
	if _, err := s.db.NewInsert().Model(&records).Exec(ctx); err != nil {
		return fmt.Errorf("append security events: %w", err)
	}
	return nil
}

// LoadSecurityEvents reads persisted security events, newest first, up to
// limit. A non-positive limit returns everything.
func (s *Store) LoadSecurityEvents(ctx context.Context, limit int) ([]*controls.SecurityEvent, error) {
	var records []SecurityEventRecord
	q := s.db.NewSelect().Model(&records).Order("ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("load security events: %w", err)
	}
	events := make([]*controls.SecurityEvent, 0, len(records))
	for i := range records {
		r := &records[i]
		events = append(events, &controls.SecurityEvent{
			ID:          r.ID,
			EventType:   r.EventType,
			Severity:    r.Severity,
			Source:      r.Source,
			UserID:      r.UserID,
			IP:          r.IP,
			Resource:    r.Resource,
			Description: r.Description,
			Timestamp:   r.Timestamp,
			Metadata:    map[string]any(r.Metadata),
		})
	}
	return events, nil
}

func userToRecord(user *authn.User) UserRecord {
	return UserRecord{
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Active:       user.Active,
		Verified:     user.Verified,
		MFAEnabled:   user.MFAEnabled,
		MFAMethods:   StringList(user.MFAMethods),
		CreatedAt:    user.CreatedAt,
		LastLoginAt:  user.LastLogin,
		Metadata:     MetadataMap(user.Metadata),
	}
}

func recordToUser(r *UserRecord) *authn.User {
	return &authn.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		Active:       r.Active,
		Verified:     r.Verified,
		MFAEnabled:   r.MFAEnabled,
		MFAMethods:   []string(r.MFAMethods),
		CreatedAt:    r.CreatedAt,
		LastLogin:    r.LastLoginAt,
		Metadata:     map[string]any(r.Metadata),
	}
}
