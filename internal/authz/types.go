package authz

import "time"

// Permission is a named capability. Permissions are referenced by name
// everywhere (role definitions, delegations, checks); the ID exists for
// stable storage keys only.
type Permission struct {
	ID          string
	Name        string
	Description string
	Category    string
	System      bool
	CreatedAt   time.Time
}

// Role groups permissions and may inherit from parent roles. A role grants
// the union of its own permission names and everything its ancestors grant.
type Role struct {
	ID          string
	Name        string
	Description string
	System      bool
	Permissions []string // permission names
	Parents     []string // parent role IDs
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment binds a role to a user, optionally until an expiry. Revoked
// assignments stay on record with Active cleared; they grant nothing. An
// assignment whose metadata carries a status other than "approved" is
// inert: it grants nothing until the approval workflow resolves it.
type Assignment struct {
	ID         string
	UserID     string
	RoleID     string
	AssignedBy string
	AssignedAt time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	Active     bool
	Metadata   map[string]any
}

// RoleUpdate carries optional changes for UpdateRole.
type RoleUpdate struct {
	Description *string
	Permissions *[]string
	Parents     *[]string
}

func (r *Role) clone() *Role {
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	out.Parents = append([]string(nil), r.Parents...)
	return &out
}

func (p *Permission) clone() *Permission {
	out := *p
	return &out
}

func (a *Assignment) clone() *Assignment {
	out := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		out.RevokedAt = &t
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
