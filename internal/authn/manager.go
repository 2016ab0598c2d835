// Package authn owns user accounts, credential verification, and sessions.
//
// All state lives in memory behind the manager's lock. Password hashing is
// performed outside lock scope, and every state change is announced on the
// event bus after the lock is released.
package authn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

const tracerName = "aegis/authn"

// User is a local account. Lookups by username and email are
// case-insensitive; the stored fields preserve the caller's casing.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Active       bool
	Verified     bool
	MFAEnabled   bool
	MFAMethods   []string
	CreatedAt    time.Time
	LastLogin    *time.Time
	Metadata     map[string]any
}

// Session is an authenticated session bound to a user.
type Session struct {
	ID        string
	UserID    string
	IP        string
	UserAgent string
	Active    bool
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]any
}

// RegisterParams are the inputs for RegisterUser.
type RegisterParams struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Metadata  map[string]any
}

// UserUpdate carries optional field changes for UpdateUser. Nil pointers
// leave the field untouched.
type UserUpdate struct {
	Username  *string
	Email     *string
	FirstName *string
	LastName  *string
	Active    *bool
	Verified  *bool
	Metadata  map[string]any
}

// Manager implements registration, login, and session lifecycle.
type Manager struct {
	mu           sync.RWMutex
	users        map[string]*User   // user ID -> user
	byUsername   map[string]string  // lower(username) -> user ID
	byEmail      map[string]string  // lower(email) -> user ID
	sessions     map[string]*Session
	userSessions map[string]map[string]struct{} // user ID -> session IDs

	// attempts tracks failed logins keyed by lower(identifier):ip. Entries
	// outside the lockout window are pruned on access.
	attempts map[string][]time.Time

	hasher *PasswordHasher
	cfg    config.AuthConfig
	clock  clockwork.Clock
	bus    *events.Bus
	logger *slog.Logger
}

// NewManager creates an authentication manager. bus is required; clock and
// logger default to the real clock and a discarding logger.
func NewManager(cfg config.AuthConfig, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		users:        make(map[string]*User),
		byUsername:   make(map[string]string),
		byEmail:      make(map[string]string),
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]map[string]struct{}),
		attempts:     make(map[string][]time.Time),
		hasher:       NewPasswordHasher(cfg.BcryptCost),
		cfg:          cfg,
		clock:        clock,
		bus:          bus,
		logger:       logger,
	}
}

// RegisterUser creates a new account. Username and email must be unique
// case-insensitively.
func (m *Manager) RegisterUser(ctx context.Context, params RegisterParams) (*User, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.RegisterUser")
	defer span.End()

	username := strings.TrimSpace(params.Username)
	email := strings.TrimSpace(params.Email)
	if username == "" || email == "" || params.Password == "" {
		return nil, fmt.Errorf("username, email, and password are required")
	}

	// Hash before taking the lock; argon2id is deliberately expensive.
	hash, err := m.hasher.Hash(params.Password)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    params.FirstName,
		LastName:     params.LastName,
		Active:       true,
		CreatedAt:    m.clock.Now(),
		Metadata:     cloneMetadata(params.Metadata),
	}

	m.mu.Lock()
	if _, taken := m.byUsername[strings.ToLower(username)]; taken {
		m.mu.Unlock()
		return nil, ErrDuplicateUsername
	}
	if _, taken := m.byEmail[strings.ToLower(email)]; taken {
		m.mu.Unlock()
		return nil, ErrDuplicateEmail
	}
	m.users[user.ID] = user
	m.byUsername[strings.ToLower(username)] = user.ID
	m.byEmail[strings.ToLower(email)] = user.ID
	snapshot := user.clone()
	m.mu.Unlock()

	span.SetAttributes(attribute.String(telemetry.AttrUserID, user.ID))
	m.logger.Info("user registered", "user_id", user.ID, "username", username)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicUserRegistered,
		Source: "authn",
		Data:   map[string]any{"user_id": user.ID, "username": username, "email": email},
	})
	return snapshot, nil
}

// Authenticate verifies credentials for a username or email. Failed attempts
// are throttled per identifier and source IP: once the threshold is reached
// within the lockout window, further attempts are refused even with the
// correct password until the window expires.
func (m *Manager) Authenticate(ctx context.Context, identifier, password, ip string) (*User, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.Authenticate")
	defer span.End()

	key := strings.ToLower(strings.TrimSpace(identifier)) + ":" + ip
	now := m.clock.Now()

	m.mu.Lock()
	if m.lockedLocked(key, now) {
		m.mu.Unlock()
		telemetry.AddEvent(span, "login.throttled")
		return nil, ErrRateLimited
	}
	user := m.lookupLocked(identifier)
	var hash string
	if user != nil {
		hash = user.PasswordHash
	}
	m.mu.Unlock()

	// Verify outside the lock. For unknown identifiers we still record the
	// failure so the throttle cannot be used to probe for accounts.
	ok := false
	if hash != "" {
		var err error
		ok, err = m.hasher.Verify(password, hash)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("verify password: %w", err)
		}
	}
	if !ok {
		m.mu.Lock()
		m.attempts[key] = append(m.pruneAttemptsLocked(key, now), now)
		m.mu.Unlock()
		m.logger.Warn("login failed", "identifier", identifier, "ip", ip)
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}

	// Legacy bcrypt hashes (and weaker argon2id parameters) are upgraded on
	// the first successful login.
	var newHash string
	if m.hasher.NeedsRehash(hash) {
		var err error
		if newHash, err = m.hasher.Hash(password); err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("rehash password: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.attempts, key)
	stored, found := m.users[user.ID]
	if !found {
		m.mu.Unlock()
		return nil, ErrUserNotFound
	}
	loginAt := now
	stored.LastLogin = &loginAt
	if newHash != "" && stored.PasswordHash == hash {
		stored.PasswordHash = newHash
	}
	snapshot := stored.clone()
	m.mu.Unlock()

	span.SetAttributes(attribute.String(telemetry.AttrUserID, snapshot.ID))
	m.logger.Info("user authenticated", "user_id", snapshot.ID, "ip", ip)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicUserLogin,
		Source: "authn",
		Data:   map[string]any{"user_id": snapshot.ID, "username": snapshot.Username, "ip": ip},
	})
	return snapshot, nil
}

// CreateSession starts a session for userID. ttl of zero uses the configured
// session duration.
func (m *Manager) CreateSession(ctx context.Context, userID, ip, userAgent string, ttl time.Duration) (*Session, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.CreateSession",
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	if ttl <= 0 {
		ttl = m.cfg.SessionDuration
	}
	now := m.clock.Now()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	user, found := m.users[userID]
	if !found {
		m.mu.Unlock()
		return nil, ErrUserNotFound
	}
	if !user.Active {
		m.mu.Unlock()
		return nil, ErrAccountDisabled
	}
	m.sessions[session.ID] = session
	if m.userSessions[userID] == nil {
		m.userSessions[userID] = make(map[string]struct{})
	}
	m.userSessions[userID][session.ID] = struct{}{}
	snapshot := session.clone()
	m.mu.Unlock()

	span.SetAttributes(attribute.String(telemetry.AttrSessionID, session.ID))
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicSessionCreated,
		Source: "authn",
		Data:   map[string]any{"session_id": session.ID, "user_id": userID, "ip": ip},
	})
	return snapshot, nil
}

// ValidateSession checks that a session exists, is active, has not expired,
// and belongs to an active user. Expired sessions, and sessions of deleted
// or deactivated users, are invalidated lazily on first observation.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (*User, *Session, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.ValidateSession",
		attribute.String(telemetry.AttrSessionID, sessionID))
	defer span.End()

	now := m.clock.Now()

	m.mu.Lock()
	session, found := m.sessions[sessionID]
	if !found {
		m.mu.Unlock()
		return nil, nil, ErrSessionNotFound
	}
	if !session.Active {
		m.mu.Unlock()
		return nil, nil, ErrSessionInvalid
	}
	if !now.Before(session.ExpiresAt) {
		session.Active = false
		snapshot := session.clone()
		m.mu.Unlock()
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicSessionInvalidated,
			Source: "authn",
			Data:   map[string]any{"session_id": snapshot.ID, "user_id": snapshot.UserID, "reason": "expired"},
		})
		return nil, nil, ErrSessionInvalid
	}
	user, found := m.users[session.UserID]
	if !found || !user.Active {
		session.Active = false
		snapshot := session.clone()
		m.mu.Unlock()
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicSessionInvalidated,
			Source: "authn",
			Data:   map[string]any{"session_id": snapshot.ID, "user_id": snapshot.UserID, "reason": "user_inactive"},
		})
		return nil, nil, ErrSessionInvalid
	}
	userSnap := user.clone()
	sessionSnap := session.clone()
	m.mu.Unlock()

	return userSnap, sessionSnap, nil
}

// InvalidateSession deactivates a session. Invalidating an unknown or
// already-inactive session is a no-op and reports false.
func (m *Manager) InvalidateSession(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	session, found := m.sessions[sessionID]
	if !found || !session.Active {
		m.mu.Unlock()
		return false
	}
	session.Active = false
	snapshot := session.clone()
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicSessionInvalidated,
		Source: "authn",
		Data:   map[string]any{"session_id": snapshot.ID, "user_id": snapshot.UserID, "reason": "invalidated"},
	})
	return true
}

// InvalidateUserSessions deactivates all of a user's active sessions and
// returns how many were invalidated.
func (m *Manager) InvalidateUserSessions(ctx context.Context, userID string) int {
	m.mu.Lock()
	invalidated := m.invalidateUserSessionsLocked(userID)
	m.mu.Unlock()

	for _, sessionID := range invalidated {
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicSessionInvalidated,
			Source: "authn",
			Data:   map[string]any{"session_id": sessionID, "user_id": userID, "reason": "invalidated"},
		})
	}
	return len(invalidated)
}

// ListSessions returns the user's sessions that are active and unexpired.
func (m *Manager) ListSessions(userID string) []*Session {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for sessionID := range m.userSessions[userID] {
		session := m.sessions[sessionID]
		if session != nil && session.Active && now.Before(session.ExpiresAt) {
			out = append(out, session.clone())
		}
	}
	return out
}

// ChangePassword verifies the current password and sets a new one. All of
// the user's sessions are invalidated.
func (m *Manager) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.ChangePassword",
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	m.mu.RLock()
	user, found := m.users[userID]
	var hash string
	if found {
		hash = user.PasswordHash
	}
	m.mu.RUnlock()
	if !found {
		return ErrUserNotFound
	}

	ok, err := m.hasher.Verify(oldPassword, hash)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return m.setPassword(ctx, userID, newPassword, events.TopicUserPasswordChanged)
}

// ResetPassword sets a new password without checking the old one. Meant for
// administrative resets and recovery flows; all sessions are invalidated.
func (m *Manager) ResetPassword(ctx context.Context, userID, newPassword string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.ResetPassword",
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	return m.setPassword(ctx, userID, newPassword, events.TopicUserPasswordReset)
}

func (m *Manager) setPassword(ctx context.Context, userID, newPassword, topic string) error {
	if newPassword == "" {
		return fmt.Errorf("new password is required")
	}
	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	user, found := m.users[userID]
	if !found {
		m.mu.Unlock()
		return ErrUserNotFound
	}
	user.PasswordHash = hash
	invalidated := m.invalidateUserSessionsLocked(userID)
	m.mu.Unlock()

	m.logger.Info("password updated", "user_id", userID, "sessions_invalidated", len(invalidated))
	m.bus.EmitSync(ctx, events.Event{
		Topic:  topic,
		Source: "authn",
		Data:   map[string]any{"user_id": userID},
	})
	for _, sessionID := range invalidated {
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicSessionInvalidated,
			Source: "authn",
			Data:   map[string]any{"session_id": sessionID, "user_id": userID, "reason": "password_changed"},
		})
	}
	return nil
}

// UpdateUser applies field changes. Username and email changes rewrite the
// case-insensitive indices and enforce uniqueness. Deactivating a user makes
// their sessions fail validation immediately.
func (m *Manager) UpdateUser(ctx context.Context, userID string, update UserUpdate) (*User, error) {
	m.mu.Lock()
	user, found := m.users[userID]
	if !found {
		m.mu.Unlock()
		return nil, ErrUserNotFound
	}

	if update.Username != nil && !strings.EqualFold(*update.Username, user.Username) {
		lower := strings.ToLower(*update.Username)
		if _, taken := m.byUsername[lower]; taken {
			m.mu.Unlock()
			return nil, ErrDuplicateUsername
		}
		delete(m.byUsername, strings.ToLower(user.Username))
		m.byUsername[lower] = userID
		user.Username = *update.Username
	} else if update.Username != nil {
		user.Username = *update.Username
	}

	if update.Email != nil && !strings.EqualFold(*update.Email, user.Email) {
		lower := strings.ToLower(*update.Email)
		if _, taken := m.byEmail[lower]; taken {
			m.mu.Unlock()
			return nil, ErrDuplicateEmail
		}
		delete(m.byEmail, strings.ToLower(user.Email))
		m.byEmail[lower] = userID
		user.Email = *update.Email
	} else if update.Email != nil {
		user.Email = *update.Email
	}

	if update.FirstName != nil {
		user.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		user.LastName = *update.LastName
	}
	if update.Active != nil {
		user.Active = *update.Active
	}
	if update.Verified != nil {
		user.Verified = *update.Verified
	}
	for k, v := range update.Metadata {
		if user.Metadata == nil {
			user.Metadata = make(map[string]any)
		}
		user.Metadata[k] = v
	}
	snapshot := user.clone()
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicUserUpdated,
		Source: "authn",
		Data:   map[string]any{"user_id": userID},
	})
	return snapshot, nil
}

// DeleteUser removes an account, its index entries, and all its sessions.
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	user, found := m.users[userID]
	if !found {
		m.mu.Unlock()
		return ErrUserNotFound
	}
	delete(m.byUsername, strings.ToLower(user.Username))
	delete(m.byEmail, strings.ToLower(user.Email))
	delete(m.users, userID)
	invalidated := m.invalidateUserSessionsLocked(userID)
	for sessionID := range m.userSessions[userID] {
		delete(m.sessions, sessionID)
	}
	delete(m.userSessions, userID)
	m.mu.Unlock()

	m.logger.Info("user deleted", "user_id", userID)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicUserDeleted,
		Source: "authn",
		Data:   map[string]any{"user_id": userID},
	})
	for _, sessionID := range invalidated {
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicSessionInvalidated,
			Source: "authn",
			Data:   map[string]any{"session_id": sessionID, "user_id": userID, "reason": "user_deleted"},
		})
	}
	return nil
}

// GetUser returns a user by ID.
func (m *Manager) GetUser(userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, found := m.users[userID]
	if !found {
		return nil, ErrUserNotFound
	}
	return user.clone(), nil
}

// GetUserByUsername resolves a user by username or email, case-insensitively.
func (m *Manager) GetUserByUsername(identifier string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user := m.lookupLocked(identifier)
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user.clone(), nil
}

// ListUsers returns a snapshot of every account, ordered by creation time.
// This is the persistence point for the account table.
func (m *Manager) ListUsers() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, user := range m.users {
		out = append(out, user.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RestoreUsers loads a persisted snapshot, replacing the in-memory account
// table and its indexes. Sessions and throttle state are not restored.
func (m *Manager) RestoreUsers(users []*User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]*User, len(users))
	m.byUsername = make(map[string]string, len(users))
	m.byEmail = make(map[string]string, len(users))
	for _, user := range users {
		u := user.clone()
		m.users[u.ID] = u
		m.byUsername[strings.ToLower(u.Username)] = u.ID
		m.byEmail[strings.ToLower(u.Email)] = u.ID
	}
}

// SetMFAStatus records MFA enrollment state on the account. Called by the
// MFA manager when methods are enabled or disabled.
func (m *Manager) SetMFAStatus(userID string, enabled bool, methods []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, found := m.users[userID]
	if !found {
		return ErrUserNotFound
	}
	user.MFAEnabled = enabled
	user.MFAMethods = append([]string(nil), methods...)
	return nil
}

// lookupLocked resolves an identifier to a user, trying the username index
// first and then the email index. Caller holds the lock.
func (m *Manager) lookupLocked(identifier string) *User {
	lower := strings.ToLower(strings.TrimSpace(identifier))
	if id, ok := m.byUsername[lower]; ok {
		return m.users[id]
	}
	if id, ok := m.byEmail[lower]; ok {
		return m.users[id]
	}
	return nil
}

// lockedLocked reports whether the throttle key has reached the failure
// threshold within the lockout window. Caller holds the lock.
func (m *Manager) lockedLocked(key string, now time.Time) bool {
	recent := m.pruneAttemptsLocked(key, now)
	return len(recent) >= m.cfg.LockoutThreshold
}

// pruneAttemptsLocked drops failures older than the lockout window and
// returns the survivors. Caller holds the lock.
func (m *Manager) pruneAttemptsLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-m.cfg.LockoutWindow)
	recent := m.attempts[key][:0]
	for _, t := range m.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(m.attempts, key)
		return nil
	}
	m.attempts[key] = recent
	return recent
}

// invalidateUserSessionsLocked deactivates all active sessions for userID
// and returns their IDs. Caller holds the lock.
func (m *Manager) invalidateUserSessionsLocked(userID string) []string {
	var invalidated []string
	for sessionID := range m.userSessions[userID] {
		session := m.sessions[sessionID]
		if session != nil && session.Active {
			session.Active = false
			invalidated = append(invalidated, sessionID)
		}
	}
	return invalidated
}

func (u *User) clone() *User {
	out := *u
	out.MFAMethods = append([]string(nil), u.MFAMethods...)
	out.Metadata = cloneMetadata(u.Metadata)
	if u.LastLogin != nil {
		t := *u.LastLogin
		out.LastLogin = &t
	}
	return &out
}

func (s *Session) clone() *Session {
	out := *s
	out.Metadata = cloneMetadata(s.Metadata)
	return &out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
