package controls

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"

	"github.com/quorumsec/aegis/internal/events"
)

// deviceMatchThreshold is the minimum field similarity for a candidate to be
// considered the same device.
const deviceMatchThreshold = 0.8

// Device trust states. New devices start unknown and are promoted to known
// on their first successful match; trusted and suspicious are explicit
// operator or policy decisions.
const (
	TrustUnknown    = "unknown"
	TrustKnown      = "known"
	TrustTrusted    = "trusted"
	TrustSuspicious = "suspicious"
)

// DeviceFingerprint is a stored set of client attributes (user agent, screen,
// timezone, ...) used to recognize returning devices.
type DeviceFingerprint struct {
	ID         string
	UserID     string
	Name       string
	Data       map[string]string
	Trust      string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

func (f *DeviceFingerprint) clone() *DeviceFingerprint {
	c := *f
	c.Data = make(map[string]string, len(f.Data))
	for k, v := range f.Data {
		c.Data[k] = v
	}
	return &c
}

// RegisterDevice stores a fingerprint for a user.
func (m *Manager) RegisterDevice(ctx context.Context, userID, name string, data map[string]string) (*DeviceFingerprint, error) {
	if len(data) == 0 {
		return nil, ErrFingerprintEmpty
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate device id: %w", err)
	}
	now := m.clock.Now()
	fp := &DeviceFingerprint{
		ID:         base58.Encode(raw),
		UserID:     userID,
		Name:       name,
		Data:       make(map[string]string, len(data)),
		Trust:      TrustUnknown,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	for k, v := range data {
		fp.Data[k] = v
	}

	m.mu.Lock()
	byID := m.devices[userID]
	if byID == nil {
		byID = make(map[string]*DeviceFingerprint)
		m.devices[userID] = byID
	}
	byID[fp.ID] = fp
	m.mu.Unlock()

	m.logger.Info("device registered", "user_id", userID, "device_id", fp.ID)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicSecurityDeviceSeen,
		Source: "controls",
		Data:   map[string]any{"user_id": userID, "device_id": fp.ID, "new": true},
	})
	return fp.clone(), nil
}

// MatchDevice compares candidate data against the user's stored fingerprints
// and returns the best match at or above the similarity threshold, updating
// its last-seen time. A miss signals the caller to offer registration.
func (m *Manager) MatchDevice(ctx context.Context, userID string, data map[string]string) (*DeviceFingerprint, float64, bool) {
	if len(data) == 0 {
		return nil, 0, false
	}
	now := m.clock.Now()

	m.mu.Lock()
	var best *DeviceFingerprint
	bestScore := 0.0
	for _, fp := range m.devices[userID] {
		score := similarity(fp.Data, data)
		if score > bestScore {
			best, bestScore = fp, score
		}
	}
	if best == nil || bestScore < deviceMatchThreshold {
		m.mu.Unlock()
		return nil, bestScore, false
	}
	best.LastSeenAt = now
	if best.Trust == TrustUnknown {
		best.Trust = TrustKnown
	}
	matched := best.clone()
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicSecurityDeviceSeen,
		Source: "controls",
		Data:   map[string]any{"user_id": userID, "device_id": matched.ID, "new": false},
	})
	return matched, bestScore, true
}

// SetDeviceTrust moves a stored device to an explicit trust state.
func (m *Manager) SetDeviceTrust(userID, deviceID, trust string) error {
	switch trust {
	case TrustUnknown, TrustKnown, TrustTrusted, TrustSuspicious:
	default:
		return fmt.Errorf("unknown device trust state %q", trust)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := m.devices[userID][deviceID]
	if fp == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	fp.Trust = trust
	return nil
}

// ListDevices returns a user's stored fingerprints.
func (m *Manager) ListDevices(userID string) []*DeviceFingerprint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DeviceFingerprint, 0, len(m.devices[userID]))
	for _, fp := range m.devices[userID] {
		out = append(out, fp.clone())
	}
	return out
}

// RemoveDevice deletes a stored fingerprint.
func (m *Manager) RemoveDevice(userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[userID][deviceID] == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	delete(m.devices[userID], deviceID)
	return nil
}

// similarity is the share of matching fields over the union of keys.
func similarity(stored, candidate map[string]string) float64 {
	union := make(map[string]struct{}, len(stored)+len(candidate))
	matching := 0
	for k := range stored {
		union[k] = struct{}{}
	}
	for k := range candidate {
		union[k] = struct{}{}
	}
	for k, v := range stored {
		if cv, found := candidate[k]; found && cv == v {
			matching++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(matching) / float64(len(union))
}
