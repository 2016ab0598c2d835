package pluginsec

import "errors"

var (
	ErrDuplicatePermission    = errors.New("plugin permission already registered")
	ErrPermissionUnknown      = errors.New("plugin permission not registered")
	ErrManifestInvalid        = errors.New("plugin manifest invalid")
	ErrManifestNotFound       = errors.New("plugin manifest not found")
	ErrConsentRequestNotFound = errors.New("consent request not found")
	ErrConsentRequestExpired  = errors.New("consent request expired")
	ErrConsentInvalid         = errors.New("consent response invalid")
	ErrConsentNotFound        = errors.New("consent not found")
	ErrPluginPermissionDenied = errors.New("plugin permission denied")
	ErrCommunicationDenied    = errors.New("plugin communication denied")
)
