package identity

import "errors"

var (
	ErrClientNotFound     = errors.New("oauth client not found")
	ErrInvalidClient      = errors.New("invalid client credentials")
	ErrInvalidRedirect    = errors.New("redirect uri is not registered for client")
	ErrInvalidScope       = errors.New("requested scope is not allowed for client")
	ErrInvalidGrant       = errors.New("invalid authorization grant")
	ErrInvalidPKCE        = errors.New("pkce verification failed")
	ErrTokenNotFound      = errors.New("token not found")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrProviderNotFound   = errors.New("identity provider not found")
	ErrLoginStateNotFound = errors.New("login state not found or expired")
	ErrAssertionInvalid   = errors.New("assertion failed validation")
	ErrDirectoryAuth      = errors.New("directory authentication failed")
)
