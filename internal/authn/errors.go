package authn

import "errors"

// Failure taxonomy for authentication operations. Callers branch with
// errors.Is; messages are safe to surface to end users.
var (
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrRateLimited        = errors.New("too many failed login attempts, try again later")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionInvalid     = errors.New("session is expired or inactive")
)
