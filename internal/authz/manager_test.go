package authz

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsec/aegis/internal/events"
)

func newTestRBAC(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus(clock, nil)
	m, err := NewManager(bus, clock, nil)
	require.NoError(t, err)
	return m, clock
}

// seedDocPerms registers a small permission set and returns a role granting
// them.
func seedDocPerms(t *testing.T, m *Manager) *Role {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"docs.read", "docs.write", "docs.delete"} {
		_, err := m.CreatePermission(ctx, name, "", "docs")
		require.NoError(t, err)
	}
	role, err := m.CreateRole(ctx, "Editor", "Can read and write docs", []string{"docs.read", "docs.write"}, nil)
	require.NoError(t, err)
	return role
}

func TestPermission_CRUDAndUniqueness(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()

	perm, err := m.CreatePermission(ctx, "docs.read", "Read documents", "docs")
	require.NoError(t, err)

	_, err = m.CreatePermission(ctx, "docs.read", "", "")
	assert.ErrorIs(t, err, ErrDuplicatePermission)

	byName, err := m.GetPermissionByName("docs.read")
	require.NoError(t, err)
	assert.Equal(t, perm.ID, byName.ID)

	updated, err := m.UpdatePermission(ctx, perm.ID, "Read any document", "documents")
	require.NoError(t, err)
	assert.Equal(t, "documents", updated.Category)

	require.NoError(t, m.DeletePermission(ctx, perm.ID))
	_, err = m.GetPermission(perm.ID)
	assert.ErrorIs(t, err, ErrPermissionNotFound)
}

func TestDeletePermission_InUse(t *testing.T) {
	m, _ := newTestRBAC(t)
	seedDocPerms(t, m)

	perm, err := m.GetPermissionByName("docs.read")
	require.NoError(t, err)
	err = m.DeletePermission(context.Background(), perm.ID)
	assert.ErrorIs(t, err, ErrPermissionInUse)
}

func TestCreateRole_ValidatesReferences(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()

	_, err := m.CreateRole(ctx, "Broken", "", []string{"no.such.permission"}, nil)
	assert.ErrorIs(t, err, ErrPermissionNotFound)

	_, err = m.CreateRole(ctx, "Orphan", "", nil, []string{"no-such-role"})
	assert.ErrorIs(t, err, ErrRoleNotFound)

	seedDocPerms(t, m)
	_, err = m.CreateRole(ctx, "Editor", "", nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateRole)
}

func TestRoleHierarchy_InheritedPermissions(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()
	editor := seedDocPerms(t, m)

	admin, err := m.CreateRole(ctx, "Docs Admin", "", []string{"docs.delete"}, []string{editor.ID})
	require.NoError(t, err)

	_, err = m.AssignRole(ctx, "u1", admin.ID, "system", nil, nil)
	require.NoError(t, err)

	// Child role grants its own and inherited permissions.
	assert.True(t, m.HasPermission("u1", "docs.delete"))
	assert.True(t, m.HasPermission("u1", "docs.write"))
	assert.True(t, m.HasRole("u1", "Editor"))
	assert.Equal(t, []string{"docs.delete", "docs.read", "docs.write"}, m.EffectivePermissions("u1"))

	// The parent role alone does not grant the child's permissions.
	_, err = m.AssignRole(ctx, "u2", editor.ID, "system", nil, nil)
	require.NoError(t, err)
	assert.False(t, m.HasPermission("u2", "docs.delete"))
}

func TestRoleHierarchy_CycleRejected(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()
	editor := seedDocPerms(t, m)

	child, err := m.CreateRole(ctx, "Junior Editor", "", nil, []string{editor.ID})
	require.NoError(t, err)
	grandchild, err := m.CreateRole(ctx, "Intern", "", nil, []string{child.ID})
	require.NoError(t, err)

	parents := []string{grandchild.ID}
	_, err = m.UpdateRole(ctx, editor.ID, RoleUpdate{Parents: &parents})
	assert.ErrorIs(t, err, ErrHierarchyCycle)

	// The failed update leaves the previous hierarchy intact.
	role, err := m.GetRole(editor.ID)
	require.NoError(t, err)
	assert.Empty(t, role.Parents)
}

func TestAssignment_Expiry(t *testing.T) {
	m, clock := newTestRBAC(t)
	ctx := context.Background()
	editor := seedDocPerms(t, m)

	expires := clock.Now().Add(time.Hour)
	_, err := m.AssignRole(ctx, "u1", editor.ID, "admin", &expires, nil)
	require.NoError(t, err)
	assert.True(t, m.HasPermission("u1", "docs.read"))

	clock.Advance(time.Hour + time.Minute)
	assert.False(t, m.HasPermission("u1", "docs.read"))
	assert.Empty(t, m.EffectiveRoles("u1"))
}

func TestRevokeRole_Idempotent(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()
	editor := seedDocPerms(t, m)

	_, err := m.AssignRole(ctx, "u1", editor.ID, "admin", nil, nil)
	require.NoError(t, err)

	assert.True(t, m.RevokeRole(ctx, "u1", editor.ID))
	assert.False(t, m.RevokeRole(ctx, "u1", editor.ID))
	assert.False(t, m.HasPermission("u1", "docs.read"))
}

func TestAssignment_RevocationKeepsHistory(t *testing.T) {
	m, clock := newTestRBAC(t)
	ctx := context.Background()
	editor := seedDocPerms(t, m)

	first, err := m.AssignRole(ctx, "u1", editor.ID, "admin", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.True(t, first.Active)

	clock.Advance(time.Minute)
	require.True(t, m.RevokeRole(ctx, "u1", editor.ID))

	// The revoked assignment is deactivated, not deleted.
	history := m.ListAssignments("u1")
	require.Len(t, history, 1)
	assert.Equal(t, first.ID, history[0].ID)
	assert.False(t, history[0].Active)
	require.NotNil(t, history[0].RevokedAt)
	assert.Equal(t, clock.Now(), *history[0].RevokedAt)

	// Re-assigning records a fresh assignment alongside the old one.
	second, err := m.AssignRole(ctx, "u1", editor.ID, "admin", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	history = m.ListAssignments("u1")
	require.Len(t, history, 2)
	assert.True(t, history[1].Active)
	assert.True(t, m.HasPermission("u1", "docs.read"))

	// Re-assigning again retires the previous assignment in place.
	clock.Advance(time.Minute)
	_, err = m.AssignRole(ctx, "u1", editor.ID, "lead", nil, nil)
	require.NoError(t, err)
	history = m.ListAssignments("u1")
	require.Len(t, history, 3)
	assert.False(t, history[1].Active)
	assert.True(t, history[2].Active)
}

func TestDeleteRole_Constraints(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()
	editor := seedDocPerms(t, m)

	_, err := m.AssignRole(ctx, "u1", editor.ID, "admin", nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.DeleteRole(ctx, editor.ID), ErrRoleInUse)

	m.RevokeRole(ctx, "u1", editor.ID)
	child, err := m.CreateRole(ctx, "Junior", "", nil, []string{editor.ID})
	require.NoError(t, err)
	assert.ErrorIs(t, m.DeleteRole(ctx, editor.ID), ErrRoleInUse)

	require.NoError(t, m.DeleteRole(ctx, child.ID))
	require.NoError(t, m.DeleteRole(ctx, editor.ID))
}

func TestSystemDefaults_SeededAndImmutable(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()

	require.NoError(t, m.EnsureSystemDefaults(ctx))
	// Idempotent.
	require.NoError(t, m.EnsureSystemDefaults(ctx))

	admin, err := m.GetRoleByName("Administrator")
	require.NoError(t, err)
	assert.True(t, admin.System)

	_, err = m.UpdateRole(ctx, admin.ID, RoleUpdate{})
	assert.ErrorIs(t, err, ErrSystemImmutable)
	assert.ErrorIs(t, m.DeleteRole(ctx, admin.ID), ErrSystemImmutable)

	perm, err := m.GetPermissionByName(PermissionSystemAdmin)
	require.NoError(t, err)
	assert.ErrorIs(t, m.DeletePermission(ctx, perm.ID), ErrSystemImmutable)
}

func TestSystemAdmin_GrantsEverything(t *testing.T) {
	m, _ := newTestRBAC(t)
	ctx := context.Background()

	require.NoError(t, m.EnsureSystemDefaults(ctx))
	seedDocPerms(t, m)

	admin, err := m.GetRoleByName("Administrator")
	require.NoError(t, err)
	_, err = m.AssignRole(ctx, "root", admin.ID, "system", nil, nil)
	require.NoError(t, err)

	// docs.read is not on the Administrator role, but system.admin short-
	// circuits the check.
	assert.True(t, m.HasPermission("root", "docs.read"))
	assert.NoError(t, m.CheckPermission(ctx, "root", "docs.delete"))
}

func TestCheckPermission_Denied(t *testing.T) {
	m, _ := newTestRBAC(t)

	err := m.CheckPermission(context.Background(), "nobody", "docs.read")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
