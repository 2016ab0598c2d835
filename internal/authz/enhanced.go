package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-bexpr"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/telemetry"
)

// Ownership records which user owns a resource. Owners pass every
// permission evaluation on their resource.
type Ownership struct {
	ResourceType string
	ResourceID   string
	OwnerID      string
	RegisteredAt time.Time
}

// Delegation lends specific permission names from one user to another,
// optionally scoped to a resource type or a single resource and bounded by
// an expiry.
type Delegation struct {
	ID           string
	DelegatorID  string
	DelegateeID  string
	Permissions  []string
	ResourceType string // empty means any
	ResourceID   string // empty means any resource of the type
	Active       bool
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Approval workflow statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ApprovalRequest tracks a role assignment that requires sign-off. The
// underlying assignment exists immediately but grants nothing until every
// approver approves; a single rejection settles the request as rejected.
type ApprovalRequest struct {
	ID          string
	UserID      string
	RoleID      string
	RequestedBy string
	Approvers   []string
	Decisions   map[string]bool // approver ID -> approve
	Status      string
	CreatedAt   time.Time
	DecidedAt   *time.Time
}

// Rule is an attribute-based condition attached to a permission and
// optionally a resource type. The expression is evaluated against the
// attributes supplied at check time.
type Rule struct {
	ID           string
	Name         string
	Expression   string
	Permission   string
	ResourceType string // empty means any
	Priority     int
	CreatedAt    time.Time

	eval *bexpr.Evaluator
}

// Enhanced layers ownership, delegation, approval workflows, and dynamic
// rules on top of the base RBAC manager.
//
// Lock order: Enhanced's lock may be held while calling into the base
// manager, never the reverse.
type Enhanced struct {
	mu          sync.RWMutex
	base        *Manager
	ownership   map[string]*Ownership  // resourceType + "\x00" + resourceID
	delegations map[string]*Delegation // delegation ID
	approvals   map[string]*ApprovalRequest
	rules       map[string]*Rule

	bus    *events.Bus
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewEnhanced wraps a base manager.
func NewEnhanced(base *Manager, bus *events.Bus, clock clockwork.Clock, logger *slog.Logger) *Enhanced {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Enhanced{
		base:        base,
		ownership:   make(map[string]*Ownership),
		delegations: make(map[string]*Delegation),
		approvals:   make(map[string]*ApprovalRequest),
		rules:       make(map[string]*Rule),
		bus:         bus,
		clock:       clock,
		logger:      logger,
	}
}

// Base exposes the wrapped RBAC manager.
func (e *Enhanced) Base() *Manager { return e.base }

func ownershipKey(resourceType, resourceID string) string {
	return resourceType + "\x00" + resourceID
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

// RegisterOwnership records ownerID as the owner of a resource, replacing
// any previous record.
func (e *Enhanced) RegisterOwnership(ctx context.Context, resourceType, resourceID, ownerID string) (*Ownership, error) {
	if resourceType == "" || resourceID == "" || ownerID == "" {
		return nil, fmt.Errorf("resource type, resource id, and owner are required")
	}
	record := &Ownership{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OwnerID:      ownerID,
		RegisteredAt: e.clock.Now(),
	}

	e.mu.Lock()
	e.ownership[ownershipKey(resourceType, resourceID)] = record
	e.mu.Unlock()

	e.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRBACOwnershipRegistered,
		Source: "authz",
		Data:   map[string]any{"resource_type": resourceType, "resource_id": resourceID, "owner_id": ownerID},
	})
	out := *record
	return &out, nil
}

// TransferOwnership reassigns a resource. The caller must be the current
// owner or hold system.admin.
func (e *Enhanced) TransferOwnership(ctx context.Context, resourceType, resourceID, callerID, newOwnerID string) error {
	key := ownershipKey(resourceType, resourceID)

	e.mu.Lock()
	record, found := e.ownership[key]
	if !found {
		e.mu.Unlock()
		return ErrOwnershipNotFound
	}
	if record.OwnerID != callerID && !e.base.HasPermission(callerID, PermissionSystemAdmin) {
		e.mu.Unlock()
		return ErrNotOwner
	}
	previous := record.OwnerID
	record.OwnerID = newOwnerID
	record.RegisteredAt = e.clock.Now()
	e.mu.Unlock()

	e.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRBACOwnershipTransferred,
		Source: "authz",
		Data: map[string]any{
			"resource_type": resourceType, "resource_id": resourceID,
			"previous_owner": previous, "new_owner": newOwnerID,
		},
	})
	return nil
}

// GetOwner returns the owner of a resource.
func (e *Enhanced) GetOwner(resourceType, resourceID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, found := e.ownership[ownershipKey(resourceType, resourceID)]
	if !found {
		return "", ErrOwnershipNotFound
	}
	return record.OwnerID, nil
}

// ---------------------------------------------------------------------------
// Delegation
// ---------------------------------------------------------------------------

// CreateDelegation lends permissions from delegator to delegatee. The
// delegator must effectively hold every delegated permission at creation
// time.
func (e *Enhanced) CreateDelegation(ctx context.Context, delegatorID, delegateeID string, permissions []string, resourceType, resourceID string, expiresAt *time.Time) (*Delegation, error) {
	if len(permissions) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	if resourceID != "" && resourceType == "" {
		return nil, fmt.Errorf("a resource-scoped delegation needs a resource type")
	}
	for _, perm := range permissions {
		if !e.base.HasPermission(delegatorID, perm) {
			return nil, fmt.Errorf("%w: %s", ErrDelegatorLacksGrant, perm)
		}
	}
	delegation := &Delegation{
		ID:           uuid.NewString(),
		DelegatorID:  delegatorID,
		DelegateeID:  delegateeID,
		Permissions:  append([]string(nil), permissions...),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Active:       true,
		CreatedAt:    e.clock.Now(),
		ExpiresAt:    expiresAt,
	}

	e.mu.Lock()
	e.delegations[delegation.ID] = delegation
	e.mu.Unlock()

	e.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRBACDelegationCreated,
		Source: "authz",
		Data: map[string]any{
			"delegation_id": delegation.ID, "delegator_id": delegatorID,
			"delegatee_id": delegateeID, "permissions": permissions,
		},
	})
	out := delegation.snapshot()
	return &out, nil
}

// RevokeDelegation deactivates a delegation. Revoking an unknown or
// already-revoked delegation is a no-op and reports false.
func (e *Enhanced) RevokeDelegation(ctx context.Context, delegationID string) bool {
	e.mu.Lock()
	delegation, found := e.delegations[delegationID]
	if !found || !delegation.Active {
		e.mu.Unlock()
		return false
	}
	delegation.Active = false
	e.mu.Unlock()

	e.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRBACDelegationRevoked,
		Source: "authz",
		Data:   map[string]any{"delegation_id": delegationID},
	})
	return true
}

// DelegatedPermissions returns the permission names currently delegated to
// the user, restricted to delegations matching resourceType and resourceID
// (delegations without a resource scope always apply).
func (e *Enhanced) DelegatedPermissions(userID, resourceType, resourceID string) []string {
	now := e.clock.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, d := range e.delegations {
		if !delegationActive(d, now) || d.DelegateeID != userID {
			continue
		}
		if d.ResourceType != "" && resourceType != "" && d.ResourceType != resourceType {
			continue
		}
		if d.ResourceID != "" && d.ResourceID != resourceID {
			continue
		}
		for _, perm := range d.Permissions {
			set[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func delegationActive(d *Delegation, now time.Time) bool {
	if !d.Active {
		return false
	}
	return d.ExpiresAt == nil || now.Before(*d.ExpiresAt)
}

func (d *Delegation) snapshot() Delegation {
	out := *d
	out.Permissions = append([]string(nil), d.Permissions...)
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// ---------------------------------------------------------------------------
// Approval workflow
// ---------------------------------------------------------------------------

// RequestRoleAssignment creates a role assignment that requires sign-off
// from every listed approver before it grants anything.
func (e *Enhanced) RequestRoleAssignment(ctx context.Context, userID, roleID, requestedBy string, approvers []string) (*ApprovalRequest, error) {
	if len(approvers) == 0 {
		return nil, fmt.Errorf("at least one approver is required")
	}
	// The assignment is created inert; it turns effective only on approval.
	if _, err := e.base.AssignRole(ctx, userID, roleID, requestedBy, nil, map[string]any{
		assignmentStatusKey: ApprovalPending,
	}); err != nil {
		return nil, err
	}
	request := &ApprovalRequest{
		ID:          uuid.NewString(),
		UserID:      userID,
		RoleID:      roleID,
		RequestedBy: requestedBy,
		Approvers:   append([]string(nil), approvers...),
		Decisions:   make(map[string]bool),
		Status:      ApprovalPending,
		CreatedAt:   e.clock.Now(),
	}

	e.mu.Lock()
	e.approvals[request.ID] = request
	e.mu.Unlock()

	e.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRBACApprovalRequested,
		Source: "authz",
		Data: map[string]any{
			"request_id": request.ID, "user_id": userID,
			"role_id": roleID, "approvers": approvers,
		},
	})
	out := request.snapshot()
	return &out, nil
}

// DecideApproval records one approver's decision. Any rejection settles the
// request as rejected; once every approver has approved, the assignment
// becomes effective.
func (e *Enhanced) DecideApproval(ctx context.Context, requestID, approverID string, approve bool) (*ApprovalRequest, error) {
	e.mu.Lock()
	request, found := e.approvals[requestID]
	if !found {
		e.mu.Unlock()
		return nil, ErrApprovalNotFound
	}
	if request.Status != ApprovalPending {
		e.mu.Unlock()
		return nil, ErrApprovalDecided
	}
	if !contains(request.Approvers, approverID) {
		e.mu.Unlock()
		return nil, ErrNotAnApprover
	}
	request.Decisions[approverID] = approve

	settled := ""
	switch {
	case !approve:
		settled = ApprovalRejected
	case len(request.Decisions) == len(request.Approvers):
		settled = ApprovalApproved
	}
	if settled != "" {
		request.Status = settled
		now := e.clock.Now()
		request.DecidedAt = &now
	}
	snapshot := request.snapshot()
	userID, roleID := request.UserID, request.RoleID
	e.mu.Unlock()

	if settled != "" {
		if err := e.base.SetAssignmentStatus(userID, roleID, settled); err != nil {
			e.logger.Warn("failed to settle assignment status",
				"request_id", requestID, "status", settled, "error", err)
		}
		e.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicRBACApprovalDecided,
			Source: "authz",
			Data: map[string]any{
				"request_id": requestID, "user_id": userID,
				"role_id": roleID, "status": settled,
			},
		})
	}
	return &snapshot, nil
}

// GetApproval returns an approval request by ID.
func (e *Enhanced) GetApproval(requestID string) (*ApprovalRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	request, found := e.approvals[requestID]
	if !found {
		return nil, ErrApprovalNotFound
	}
	out := request.snapshot()
	return &out, nil
}

func (r *ApprovalRequest) snapshot() ApprovalRequest {
	out := *r
	out.Approvers = append([]string(nil), r.Approvers...)
	out.Decisions = make(map[string]bool, len(r.Decisions))
	for k, v := range r.Decisions {
		out.Decisions[k] = v
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		out.DecidedAt = &t
	}
	return out
}

// ---------------------------------------------------------------------------
// Dynamic rules
// ---------------------------------------------------------------------------

// RegisterRule attaches a boolean expression to a permission, optionally
// scoped to a resource type. The expression is compiled once here; an
// expression that does not parse is rejected. Registering an identical
// binding again returns the existing rule.
func (e *Enhanced) RegisterRule(ctx context.Context, name, expression, permission, resourceType string, priority int) (*Rule, error) {
	if permission == "" {
		return nil, fmt.Errorf("rule permission is required")
	}
	eval, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleExpr, err)
	}
	rule := &Rule{
		ID:           uuid.NewString(),
		Name:         name,
		Expression:   expression,
		Permission:   permission,
		ResourceType: resourceType,
		Priority:     priority,
		CreatedAt:    e.clock.Now(),
		eval:         eval,
	}

	e.mu.Lock()
	for _, existing := range e.rules {
		if existing.Permission == permission && existing.ResourceType == resourceType && existing.Expression == expression {
			e.mu.Unlock()
			out := *existing
			return &out, nil
		}
	}
	e.rules[rule.ID] = rule
	e.mu.Unlock()

	e.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicRBACRuleRegistered,
		Source: "authz",
		Data: map[string]any{
			"rule_id": rule.ID, "permission": permission,
			"resource_type": resourceType, "expression": expression,
		},
	})
	out := *rule
	return &out, nil
}

// RemoveRule deletes a rule. Removing an unknown rule reports false.
func (e *Enhanced) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, found := e.rules[id]; !found {
		return false
	}
	delete(e.rules, id)
	return true
}

// ListRules returns all rules sorted by priority (highest first), then name.
func (e *Enhanced) ListRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		r := *rule
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// EvaluatePermission is the full access decision for a user acting on a
// resource:
//
//  1. The resource's owner is always allowed.
//  2. The user must hold the permission through roles or delegation;
//     otherwise the answer is deny.
//  3. If rules apply to the permission (and resource type), at least one
//     must evaluate true against the supplied attributes. With no
//     applicable rules, holding the permission is enough.
//
// The returned reason is a short machine-readable label for audit records.
func (e *Enhanced) EvaluatePermission(ctx context.Context, userID, permission, resourceType, resourceID string, attrs map[string]any) (bool, string) {
	_, span := telemetry.StartSpan(ctx, tracerName, "authz.EvaluatePermission",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrPermission, permission),
		attribute.String(telemetry.AttrResourceType, resourceType))
	defer span.End()

	allowed, reason := e.evaluate(userID, permission, resourceType, resourceID, attrs)
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	span.SetAttributes(attribute.String(telemetry.AttrDecision, decision))
	return allowed, reason
}

func (e *Enhanced) evaluate(userID, permission, resourceType, resourceID string, attrs map[string]any) (bool, string) {
	e.mu.RLock()
	if record, found := e.ownership[ownershipKey(resourceType, resourceID)]; found && record.OwnerID == userID {
		e.mu.RUnlock()
		return true, "owner"
	}
	e.mu.RUnlock()

	held := e.base.HasPermission(userID, permission)
	if !held {
		held = contains(e.DelegatedPermissions(userID, resourceType, resourceID), permission)
	}
	if !held {
		return false, "permission_not_held"
	}

	// Time attributes are strings so rules can use bexpr's equality and
	// membership operators on them.
	now := e.clock.Now()
	datum := map[string]any{
		"user_id":       userID,
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"now":           now.Format(time.RFC3339),
		"now_hour":      fmt.Sprintf("%02d", now.Hour()),
		"now_weekday":   now.Weekday().String(),
	}
	for k, v := range attrs {
		datum[k] = v
	}

	e.mu.RLock()
	applicable := make([]*Rule, 0)
	for _, rule := range e.rules {
		if rule.Permission != permission {
			continue
		}
		if rule.ResourceType != "" && rule.ResourceType != resourceType {
			continue
		}
		applicable = append(applicable, rule)
	}
	e.mu.RUnlock()

	if len(applicable) == 0 {
		return true, "permission_held"
	}
	sort.Slice(applicable, func(i, j int) bool { return applicable[i].Priority > applicable[j].Priority })
	for _, rule := range applicable {
		ok, err := rule.eval.Evaluate(datum)
		if err != nil {
			e.logger.Warn("rule evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if ok {
			return true, "rule:" + rule.Name
		}
	}
	return false, "rules_denied"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
