package authz

import "errors"

var (
	ErrPermissionNotFound   = errors.New("permission not found")
	ErrRoleNotFound         = errors.New("role not found")
	ErrDuplicatePermission  = errors.New("permission name already exists")
	ErrDuplicateRole        = errors.New("role name already exists")
	ErrSystemImmutable      = errors.New("system roles and permissions cannot be modified")
	ErrPermissionInUse      = errors.New("permission is referenced by one or more roles")
	ErrRoleInUse            = errors.New("role is assigned to one or more users")
	ErrHierarchyCycle       = errors.New("role hierarchy would contain a cycle")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrDelegationNotFound   = errors.New("delegation not found")
	ErrDelegatorLacksGrant  = errors.New("delegator does not hold a delegated permission")
	ErrApprovalNotFound     = errors.New("approval request not found")
	ErrNotAnApprover        = errors.New("user is not an approver for this request")
	ErrApprovalDecided      = errors.New("approval request is already decided")
	ErrOwnershipNotFound    = errors.New("no ownership record for resource")
	ErrNotOwner             = errors.New("user does not own the resource")
	ErrInvalidRuleExpr      = errors.New("invalid rule expression")
)
