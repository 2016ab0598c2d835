package events

// Canonical topics emitted by the control plane. Subscribers typically use
// the matching wildcard prefix ("user.*", "security.*").
const (
	TopicUserRegistered      = "user.registered"
	TopicUserLogin           = "user.login"
	TopicUserPasswordChanged = "user.password_changed"
	TopicUserPasswordReset   = "user.password_reset"
	TopicUserUpdated         = "user.updated"
	TopicUserDeleted         = "user.deleted"

	TopicSessionCreated     = "session.created"
	TopicSessionInvalidated = "session.invalidated"

	TopicRoleCreated       = "role.created"
	TopicRoleUpdated       = "role.updated"
	TopicRoleDeleted       = "role.deleted"
	TopicRoleAssigned      = "role.assigned"
	TopicRoleRevoked       = "role.revoked"
	TopicPermissionCreated = "permission.created"
	TopicPermissionUpdated = "permission.updated"
	TopicPermissionDeleted = "permission.deleted"

	TopicRBACOwnershipRegistered  = "rbac.ownership_registered"
	TopicRBACOwnershipTransferred = "rbac.ownership_transferred"
	TopicRBACDelegationCreated    = "rbac.delegation_created"
	TopicRBACDelegationRevoked    = "rbac.delegation_revoked"
	TopicRBACApprovalRequested    = "rbac.approval_requested"
	TopicRBACApprovalDecided      = "rbac.approval_decided"
	TopicRBACRuleRegistered       = "rbac.rule_registered"

	TopicMFAEnabled        = "mfa.enabled"
	TopicMFADisabled       = "mfa.disabled"
	TopicMFAChallengeSent  = "mfa.challenge_sent"
	TopicMFAVerified       = "mfa.verified"
	TopicMFAVerifyFailed   = "mfa.verify_failed"
	TopicMFACodesGenerated = "mfa.backup_codes_generated"

	TopicIdentityProviderRegistered = "identity.provider_registered"
	TopicIdentityLoginInitiated     = "identity.login_initiated"
	TopicIdentityLoginCompleted     = "identity.login_completed"
	TopicIdentityLinked             = "identity.linked"
	TopicIdentityProvisioned        = "identity.user_provisioned"
	TopicIdentityTokenIssued        = "identity.token_issued"
	TopicIdentityTokenRevoked       = "identity.token_revoked"

	TopicPluginManifestRegistered = "plugin_security.manifest_registered"
	TopicPluginConsentRequested   = "plugin_security.consent_requested"
	TopicPluginConsentGranted     = "plugin_security.consent_granted"
	TopicPluginConsentRevoked     = "plugin_security.consent_revoked"
	TopicPluginTokenIssued        = "plugin_security.token_issued"
	TopicPluginTokenRevoked       = "plugin_security.token_revoked"

	TopicSecurityEvent           = "security.event"
	TopicSecurityIPBlocked       = "security.ip_blocked"
	TopicSecurityGeoBlocked      = "security.geo_blocked"
	TopicSecurityRateLimited     = "security.rate_limited"
	TopicSecurityDeviceSeen      = "security.device_seen"
	TopicSecurityAnomalyDetected = "security.anomaly_detected"

	TopicComplianceCheckRun    = "compliance.check_run"
	TopicComplianceReportBuilt = "compliance.report_built"
)
