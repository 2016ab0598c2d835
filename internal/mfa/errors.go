package mfa

import "errors"

var (
	ErrUnknownMethod     = errors.New("unknown mfa method")
	ErrMethodNotEnabled  = errors.New("mfa method not enabled for user")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge has expired")
)
