// Package authz implements role-based access control: permissions, roles
// with inheritance, time-bounded assignments, and the enhanced layer of
// ownership, delegation, approval workflows, and attribute rules.
//
// The manager's tables are the source of truth. Role and permission
// structure is mirrored into a Casbin enforcer, which answers hierarchy
// questions at check time; assignments are filtered for expiry and approval
// status in Go so grants lapse the moment they expire.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

const tracerName = "aegis/authz"

//go:embed model.conf
var casbinModelContent string

// PermissionSystemAdmin short-circuits every permission check: a user whose
// effective roles include it passes all checks.
const PermissionSystemAdmin = "system.admin"

// assignmentStatusKey in assignment metadata gates approval-flow grants.
const assignmentStatusKey = "status"

// Manager is the base RBAC engine.
type Manager struct {
	mu          sync.RWMutex
	permissions map[string]*Permission // permission ID -> permission
	permByName  map[string]string      // name -> permission ID
	roles       map[string]*Role       // role ID -> role
	roleByName  map[string]string      // name -> role ID
	assignments map[string][]*Assignment // user ID -> assignment history, oldest first

	enforcer casbin.IEnforcer
	bus      *events.Bus
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewManager creates the RBAC manager with an in-memory Casbin enforcer.
func NewManager(bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) (*Manager, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mdl, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(mdl)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	return &Manager{
		permissions: make(map[string]*Permission),
		permByName:  make(map[string]string),
		roles:       make(map[string]*Role),
		roleByName:  make(map[string]string),
		assignments: make(map[string][]*Assignment),
		enforcer:    enforcer,
		bus:         bus,
		clock:       clock,
		logger:      logger,
	}, nil
}

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

// CreatePermission registers a named permission. Names are unique.
func (m *Manager) CreatePermission(ctx context.Context, name, description, category string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("permission name is required")
	}
	perm := &Permission{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Category:    category,
		CreatedAt:   m.clock.Now(),
	}

	m.mu.Lock()
	if _, exists := m.permByName[name]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicatePermission
	}
	m.permissions[perm.ID] = perm
	m.permByName[name] = perm.ID
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPermissionCreated,
		Source: "authz",
		Data:   map[string]any{"permission_id": perm.ID, "name": name},
	})
	return perm.clone(), nil
}

// UpdatePermission changes description and category. System permissions and
// permission names are immutable.
func (m *Manager) UpdatePermission(ctx context.Context, id, description, category string) (*Permission, error) {
	m.mu.Lock()
	perm, found := m.permissions[id]
	if !found {
		m.mu.Unlock()
		return nil, ErrPermissionNotFound
	}
	if perm.System {
		m.mu.Unlock()
		return nil, ErrSystemImmutable
	}
	perm.Description = description
	perm.Category = category
	snapshot := perm.clone()
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPermissionUpdated,
		Source: "authz",
		Data:   map[string]any{"permission_id": id, "name": snapshot.Name},
	})
	return snapshot, nil
}

// DeletePermission removes a permission that no role references.
func (m *Manager) DeletePermission(ctx context.Context, id string) error {
	m.mu.Lock()
	perm, found := m.permissions[id]
	if !found {
		m.mu.Unlock()
		return ErrPermissionNotFound
	}
	if perm.System {
		m.mu.Unlock()
		return ErrSystemImmutable
	}
	for _, role := range m.roles {
		for _, name := range role.Permissions {
			if name == perm.Name {
				m.mu.Unlock()
				return fmt.Errorf("%w: role %q", ErrPermissionInUse, role.Name)
			}
		}
	}
	delete(m.permByName, perm.Name)
	delete(m.permissions, id)
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicPermissionDeleted,
		Source: "authz",
		Data:   map[string]any{"permission_id": id, "name": perm.Name},
	})
	return nil
}

// GetPermission returns a permission by ID.
func (m *Manager) GetPermission(id string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perm, found := m.permissions[id]
	if !found {
		return nil, ErrPermissionNotFound
	}
	return perm.clone(), nil
}

// GetPermissionByName returns a permission by its unique name.
func (m *Manager) GetPermissionByName(name string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, found := m.permByName[name]
	if !found {
		return nil, ErrPermissionNotFound
	}
	return m.permissions[id].clone(), nil
}

// ListPermissions returns all permissions sorted by name.
func (m *Manager) ListPermissions() []*Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Permission, 0, len(m.permissions))
	for _, perm := range m.permissions {
		out = append(out, perm.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

// CreateRole creates a role granting the named permissions, optionally
// inheriting from parent roles.
func (m *Manager) CreateRole(ctx context.Context, name, description string, permissionNames, parentIDs []string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("role name is required")
	}
	now := m.clock.Now()
	role := &Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Permissions: append([]string(nil), permissionNames...),
		Parents:     append([]string(nil), parentIDs...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	if _, exists := m.roleByName[name]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateRole
	}
	if err := m.validateRoleRefsLocked(role.Permissions, role.Parents); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.roles[role.ID] = role
	m.roleByName[name] = role.ID
	if err := m.syncEnforcerLocked(); err != nil {
		delete(m.roles, role.ID)
		delete(m.roleByName, name)
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRoleCreated,
		Source: "authz",
		Data:   map[string]any{"role_id": role.ID, "name": name},
	})
	return role.clone(), nil
}

// UpdateRole applies changes to a non-system role. Parent changes are
// rejected if they would introduce an inheritance cycle.
func (m *Manager) UpdateRole(ctx context.Context, id string, update RoleUpdate) (*Role, error) {
	m.mu.Lock()
	role, found := m.roles[id]
	if !found {
		m.mu.Unlock()
		return nil, ErrRoleNotFound
	}
	if role.System {
		m.mu.Unlock()
		return nil, ErrSystemImmutable
	}

	prev := role.clone()
	if update.Description != nil {
		role.Description = *update.Description
	}
	if update.Permissions != nil {
		if err := m.validateRoleRefsLocked(*update.Permissions, nil); err != nil {
			*role = *prev
			m.mu.Unlock()
			return nil, err
		}
		role.Permissions = append([]string(nil), (*update.Permissions)...)
	}
	if update.Parents != nil {
		if err := m.validateRoleRefsLocked(nil, *update.Parents); err != nil {
			*role = *prev
			m.mu.Unlock()
			return nil, err
		}
		role.Parents = append([]string(nil), (*update.Parents)...)
		if m.hasCycleLocked(id) {
			*role = *prev
			m.mu.Unlock()
			return nil, ErrHierarchyCycle
		}
	}
	role.UpdatedAt = m.clock.Now()
	if err := m.syncEnforcerLocked(); err != nil {
		*role = *prev
		m.mu.Unlock()
		return nil, err
	}
	snapshot := role.clone()
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRoleUpdated,
		Source: "authz",
		Data:   map[string]any{"role_id": id, "name": snapshot.Name},
	})
	return snapshot, nil
}

// DeleteRole removes a role that is not assigned to any user and not a
// parent of another role.
func (m *Manager) DeleteRole(ctx context.Context, id string) error {
	m.mu.Lock()
	role, found := m.roles[id]
	if !found {
		m.mu.Unlock()
		return ErrRoleNotFound
	}
	if role.System {
		m.mu.Unlock()
		return ErrSystemImmutable
	}
	for _, history := range m.assignments {
		for _, assignment := range history {
			if assignment.RoleID == id && assignment.Active {
				m.mu.Unlock()
				return ErrRoleInUse
			}
		}
	}
	for _, other := range m.roles {
		for _, parent := range other.Parents {
			if parent == id {
				m.mu.Unlock()
				return fmt.Errorf("%w: inherited by role %q", ErrRoleInUse, other.Name)
			}
		}
	}
	delete(m.roleByName, role.Name)
	delete(m.roles, id)
	if err := m.syncEnforcerLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRoleDeleted,
		Source: "authz",
		Data:   map[string]any{"role_id": id, "name": role.Name},
	})
	return nil
}

// GetRole returns a role by ID.
func (m *Manager) GetRole(id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, found := m.roles[id]
	if !found {
		return nil, ErrRoleNotFound
	}
	return role.clone(), nil
}

// GetRoleByName returns a role by its unique name.
func (m *Manager) GetRoleByName(name string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, found := m.roleByName[name]
	if !found {
		return nil, ErrRoleNotFound
	}
	return m.roles[id].clone(), nil
}

// ListRoles returns all roles sorted by name.
func (m *Manager) ListRoles() []*Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, role.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

// AssignRole grants a role to a user, optionally until expiresAt.
// Re-assigning an already-held role deactivates the previous assignment and
// records a new one; the full assignment history is retained.
func (m *Manager) AssignRole(ctx context.Context, userID, roleID, assignedBy string, expiresAt *time.Time, metadata map[string]any) (*Assignment, error) {
	now := m.clock.Now()
	m.mu.Lock()
	if _, found := m.roles[roleID]; !found {
		m.mu.Unlock()
		return nil, ErrRoleNotFound
	}
	for _, existing := range m.assignments[userID] {
		if existing.RoleID == roleID && existing.Active {
			existing.Active = false
			revoked := now
			existing.RevokedAt = &revoked
		}
	}
	assignment := &Assignment{
		ID:         uuid.NewString(),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
		Active:     true,
		Metadata:   metadata,
	}
	m.assignments[userID] = append(m.assignments[userID], assignment)
	snapshot := assignment.clone()
	m.mu.Unlock()

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRoleAssigned,
		Source: "authz",
		Data:   map[string]any{"user_id": userID, "role_id": roleID, "assigned_by": assignedBy},
	})
	return snapshot, nil
}

// RevokeRole deactivates every active assignment of the role. The records
// themselves are kept for the audit trail. Revoking a role the user does not
// actively hold is a no-op and reports false.
func (m *Manager) RevokeRole(ctx context.Context, userID, roleID string) bool {
	now := m.clock.Now()
	m.mu.Lock()
	revoked := false
	for _, assignment := range m.assignments[userID] {
		if assignment.RoleID == roleID && assignment.Active {
			assignment.Active = false
			at := now
			assignment.RevokedAt = &at
			revoked = true
		}
	}
	m.mu.Unlock()
	if !revoked {
		return false
	}

	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRoleRevoked,
		Source: "authz",
		Data:   map[string]any{"user_id": userID, "role_id": roleID},
	})
	return true
}

// SetAssignmentStatus updates the approval status on the user's current
// assignment of the role. Used by the approval workflow.
func (m *Manager) SetAssignmentStatus(userID, roleID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assignment := m.activeAssignmentLocked(userID, roleID)
	if assignment == nil {
		return ErrRoleNotFound
	}
	if assignment.Metadata == nil {
		assignment.Metadata = make(map[string]any)
	}
	assignment.Metadata[assignmentStatusKey] = status
	return nil
}

// ListAssignments returns a user's full assignment history, revoked entries
// included, oldest first.
func (m *Manager) ListAssignments(userID string) []*Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Assignment, 0, len(m.assignments[userID]))
	for _, assignment := range m.assignments[userID] {
		out = append(out, assignment.clone())
	}
	return out
}

// EffectiveRoles returns the roles a user currently holds: active approved
// assignments expanded through the role hierarchy.
func (m *Manager) EffectiveRoles(userID string) []*Role {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Role
	var walk func(roleID string)
	walk = func(roleID string) {
		if _, done := seen[roleID]; done {
			return
		}
		seen[roleID] = struct{}{}
		role, found := m.roles[roleID]
		if !found {
			return
		}
		out = append(out, role.clone())
		for _, parent := range role.Parents {
			walk(parent)
		}
	}
	for _, assignment := range m.assignments[userID] {
		if assignmentActive(assignment, now) {
			walk(assignment.RoleID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EffectivePermissions returns the sorted union of permission names granted
// by the user's effective roles.
func (m *Manager) EffectivePermissions(userID string) []string {
	set := make(map[string]struct{})
	for _, role := range m.EffectiveRoles(userID) {
		m.mu.RLock()
		perms, err := m.enforcer.GetImplicitPermissionsForUser(role.ID)
		m.mu.RUnlock()
		if err != nil {
			continue
		}
		for _, p := range perms {
			if len(p) >= 2 {
				set[p[1]] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasRole reports whether the user's effective roles include the named
// role, directly or through inheritance.
func (m *Manager) HasRole(userID, roleName string) bool {
	for _, role := range m.EffectiveRoles(userID) {
		if role.Name == roleName {
			return true
		}
	}
	return false
}

// HasPermission reports whether any of the user's active roles grants the
// permission, including through role inheritance. Holding system.admin
// grants everything.
func (m *Manager) HasPermission(userID, permission string) bool {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, assignment := range m.assignments[userID] {
		if !assignmentActive(assignment, now) {
			continue
		}
		if ok, err := m.enforcer.Enforce(assignment.RoleID, permission); err == nil && ok {
			return true
		}
		if permission != PermissionSystemAdmin {
			if ok, err := m.enforcer.Enforce(assignment.RoleID, PermissionSystemAdmin); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// CheckPermission is HasPermission with an error result suitable for
// guarding operations.
func (m *Manager) CheckPermission(ctx context.Context, userID, permission string) error {
	_, span := telemetry.StartSpan(ctx, tracerName, "authz.CheckPermission",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrPermission, permission))
	defer span.End()

	if !m.HasPermission(userID, permission) {
		span.SetAttributes(attribute.String(telemetry.AttrDecision, "deny"))
		return fmt.Errorf("%w: user %s lacks %s", ErrPermissionDenied, userID, permission)
	}
	span.SetAttributes(attribute.String(telemetry.AttrDecision, "allow"))
	return nil
}

// ---------------------------------------------------------------------------
// System defaults
// ---------------------------------------------------------------------------

// EnsureSystemDefaults seeds the built-in permissions and roles. Safe to
// call repeatedly; existing entries are left alone.
func (m *Manager) EnsureSystemDefaults(ctx context.Context) error {
	type permSeed struct{ name, description, category string }
	perms := []permSeed{
		{PermissionSystemAdmin, "Full administrative access", "system"},
		{"users.create", "Create user accounts", "users"},
		{"users.read", "View user accounts", "users"},
		{"users.update", "Modify user accounts", "users"},
		{"users.delete", "Delete user accounts", "users"},
		{"roles.create", "Create roles", "roles"},
		{"roles.read", "View roles and assignments", "roles"},
		{"roles.update", "Modify roles", "roles"},
		{"roles.delete", "Delete roles", "roles"},
	}
	for _, seed := range perms {
		perm, err := m.CreatePermission(ctx, seed.name, seed.description, seed.category)
		if err != nil {
			if err == ErrDuplicatePermission {
				continue
			}
			return fmt.Errorf("seed permission %s: %w", seed.name, err)
		}
		m.markPermissionSystem(perm.ID)
	}

	type roleSeed struct {
		name, description string
		permissions       []string
	}
	roles := []roleSeed{
		{"Administrator", "Unrestricted access to all operations", []string{
			PermissionSystemAdmin,
			"users.create", "users.read", "users.update", "users.delete",
			"roles.create", "roles.read", "roles.update", "roles.delete",
		}},
		{"User Manager", "Manage user accounts", []string{
			"users.create", "users.read", "users.update", "users.delete", "roles.read",
		}},
		{"User", "Standard account access", []string{"users.read"}},
	}
	for _, seed := range roles {
		role, err := m.CreateRole(ctx, seed.name, seed.description, seed.permissions, nil)
		if err != nil {
			if err == ErrDuplicateRole {
				continue
			}
			return fmt.Errorf("seed role %s: %w", seed.name, err)
		}
		m.markRoleSystem(role.ID)
	}
	return nil
}

func (m *Manager) markPermissionSystem(id string) {
	m.mu.Lock()
	if perm := m.permissions[id]; perm != nil {
		perm.System = true
	}
	m.mu.Unlock()
}

func (m *Manager) markRoleSystem(id string) {
	m.mu.Lock()
	if role := m.roles[id]; role != nil {
		role.System = true
	}
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func assignmentActive(a *Assignment, now time.Time) bool {
	if a == nil || !a.Active {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return false
	}
	if status, present := a.Metadata[assignmentStatusKey]; present {
		return status == "approved"
	}
	return true
}

// activeAssignmentLocked returns the user's newest active assignment of the
// role. Caller holds the lock.
func (m *Manager) activeAssignmentLocked(userID, roleID string) *Assignment {
	history := m.assignments[userID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].RoleID == roleID && history[i].Active {
			return history[i]
		}
	}
	return nil
}

// validateRoleRefsLocked checks that permission names and parent role IDs
// exist. Caller holds the lock.
func (m *Manager) validateRoleRefsLocked(permissionNames, parentIDs []string) error {
	for _, name := range permissionNames {
		if _, found := m.permByName[name]; !found {
			return fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
		}
	}
	for _, id := range parentIDs {
		if _, found := m.roles[id]; !found {
			return fmt.Errorf("%w: parent %s", ErrRoleNotFound, id)
		}
	}
	return nil
}

// hasCycleLocked reports whether the hierarchy reachable from start loops
// back to it. Caller holds the lock.
func (m *Manager) hasCycleLocked(start string) bool {
	var visit func(id string, seen map[string]struct{}) bool
	visit = func(id string, seen map[string]struct{}) bool {
		role, found := m.roles[id]
		if !found {
			return false
		}
		for _, parent := range role.Parents {
			if parent == start {
				return true
			}
			if _, done := seen[parent]; done {
				continue
			}
			seen[parent] = struct{}{}
			if visit(parent, seen) {
				return true
			}
		}
		return false
	}
	return visit(start, make(map[string]struct{}))
}

// syncEnforcerLocked rebuilds the Casbin policy from the role tables.
// Caller holds the lock.
func (m *Manager) syncEnforcerLocked() error {
	m.enforcer.ClearPolicy()
	for _, role := range m.roles {
		for _, perm := range role.Permissions {
			if _, err := m.enforcer.AddPolicy(role.ID, perm, "allow"); err != nil {
				return fmt.Errorf("sync role policy: %w", err)
			}
		}
		for _, parent := range role.Parents {
			if _, err := m.enforcer.AddGroupingPolicy(role.ID, parent); err != nil {
				return fmt.Errorf("sync role hierarchy: %w", err)
			}
		}
	}
	return nil
}
