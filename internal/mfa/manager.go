package mfa

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

const tracerName = "aegis/mfa"

// AccountDirectory is the slice of the account store the MFA manager needs:
// keeping the user record's enrollment summary in sync.
type AccountDirectory interface {
	SetMFAStatus(userID string, enabled bool, methods []string) error
}

// Manager tracks per-user MFA enrollments and pending challenges.
//
// Code delivery (SMS, email) happens outside the lock; verification runs
// under the write lock so single-use backup codes are consumed atomically.
type Manager struct {
	mu          sync.RWMutex
	enrollments map[string]map[string]*Enrollment // user ID -> method -> enrollment
	challenges  map[string]*Challenge

	providers map[string]Provider
	accounts  AccountDirectory
	bus       *events.Bus
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewManager creates an MFA manager with the given providers. accounts may
// be nil when no user record sync is wanted (tests).
func NewManager(providers []Provider, accounts AccountDirectory, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	byMethod := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byMethod[p.Method()] = p
	}
	return &Manager{
		enrollments: make(map[string]map[string]*Enrollment),
		challenges:  make(map[string]*Challenge),
		providers:   byMethod,
		accounts:    accounts,
		bus:         bus,
		clock:       clock,
		logger:      logger,
	}
}

// EnableMethod enrolls the user in a method and returns the one-time setup
// material. Re-enabling replaces the existing enrollment; for backup codes
// this invalidates the previous set.
func (m *Manager) EnableMethod(ctx context.Context, userID, method string, opts EnrollOptions) (*Setup, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "mfa.EnableMethod",
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	provider, ok := m.providers[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	enr, setup, err := provider.Enroll(ctx, userID, opts, m.clock.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	m.mu.Lock()
	if m.enrollments[userID] == nil {
		m.enrollments[userID] = make(map[string]*Enrollment)
	}
	m.enrollments[userID][method] = enr
	methods := m.methodsLocked(userID)
	m.mu.Unlock()

	m.syncAccount(userID, methods)
	m.logger.Info("mfa method enabled", "user_id", userID, "method", method)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicMFAEnabled,
		Source: "mfa",
		Data:   map[string]any{"user_id": userID, "method": method},
	})
	if method == MethodBackupCodes {
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicMFACodesGenerated,
			Source: "mfa",
			Data:   map[string]any{"user_id": userID, "count": len(setup.BackupCodes)},
		})
	}
	return setup, nil
}

// DisableMethod removes an enrollment. Disabling a method that is not
// enabled is a no-op and reports false.
func (m *Manager) DisableMethod(ctx context.Context, userID, method string) bool {
	m.mu.Lock()
	userMethods := m.enrollments[userID]
	if _, enabled := userMethods[method]; !enabled {
		m.mu.Unlock()
		return false
	}
	delete(userMethods, method)
	if len(userMethods) == 0 {
		delete(m.enrollments, userID)
	}
	methods := m.methodsLocked(userID)
	m.mu.Unlock()

	m.syncAccount(userID, methods)
	m.logger.Info("mfa method disabled", "user_id", userID, "method", method)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicMFADisabled,
		Source: "mfa",
		Data:   map[string]any{"user_id": userID, "method": method},
	})
	return true
}

// EnabledMethods returns the user's enrolled methods, sorted.
func (m *Manager) EnabledMethods(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.methodsLocked(userID)
}

// InitiateVerification opens a challenge for an enrolled method. For SMS and
// email this sends the code before the challenge is recorded.
func (m *Manager) InitiateVerification(ctx context.Context, userID, method string) (*Challenge, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "mfa.InitiateVerification",
		attribute.String(telemetry.AttrUserID, userID))
	defer span.End()

	provider, ok := m.providers[method]
	if !ok {
		return nil, ErrUnknownMethod
	}

	m.mu.RLock()
	enr := m.enrollments[userID][method]
	m.mu.RUnlock()
	if enr == nil {
		return nil, ErrMethodNotEnabled
	}

	// Delivery may block on a gateway; never under the lock.
	ch, err := provider.Issue(ctx, enr, m.clock.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	m.mu.Lock()
	m.challenges[ch.ID] = ch
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicMFAChallengeSent,
		Source: "mfa",
		Data:   map[string]any{"user_id": userID, "method": method, "challenge_id": ch.ID},
	})
	out := *ch
	return &out, nil
}

// CompleteVerification resolves a challenge with the user's response. The
// challenge is consumed regardless of the outcome; a second attempt needs a
// fresh InitiateVerification.
func (m *Manager) CompleteVerification(ctx context.Context, challengeID, response string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "mfa.CompleteVerification")
	defer span.End()

	now := m.clock.Now()

	m.mu.Lock()
	ch, found := m.challenges[challengeID]
	if !found {
		m.mu.Unlock()
		return false, ErrChallengeNotFound
	}
	delete(m.challenges, challengeID)
	if !now.Before(ch.ExpiresAt) {
		m.mu.Unlock()
		return false, ErrChallengeExpired
	}
	provider := m.providers[ch.Method]
	enr := m.enrollments[ch.UserID][ch.Method]
	var verified bool
	if provider != nil && enr != nil {
		verified = provider.Verify(enr, ch, response, now)
	}
	m.mu.Unlock()

	span.SetAttributes(attribute.String(telemetry.AttrUserID, ch.UserID))
	if verified {
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicMFAVerified,
			Source: "mfa",
			Data:   map[string]any{"user_id": ch.UserID, "method": ch.Method},
		})
	} else {
		m.logger.Warn("mfa verification failed", "user_id", ch.UserID, "method", ch.Method)
		m.bus.EmitSync(ctx, events.Event{
			Topic:    events.TopicMFAVerifyFailed,
			Source:   "mfa",
			Priority: events.PriorityHigh,
			Data:     map[string]any{"user_id": ch.UserID, "method": ch.Method},
		})
	}
	return verified, nil
}

// RemainingBackupCodes reports how many of the user's backup codes are
// still unused.
func (m *Manager) RemainingBackupCodes(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	enr := m.enrollments[userID][MethodBackupCodes]
	if enr == nil {
		return 0
	}
	remaining := 0
	for _, used := range enr.Codes {
		if !used {
			remaining++
		}
	}
	return remaining
}

func (m *Manager) methodsLocked(userID string) []string {
	methods := make([]string, 0, len(m.enrollments[userID]))
	for method := range m.enrollments[userID] {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func (m *Manager) syncAccount(userID string, methods []string) {
	if m.accounts == nil {
		return
	}
	if err := m.accounts.SetMFAStatus(userID, len(methods) > 0, methods); err != nil {
		m.logger.Warn("failed to sync mfa status to account", "user_id", userID, "error", err)
	}
}
