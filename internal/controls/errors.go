package controls

import "errors"

var (
	ErrInvalidCIDR       = errors.New("invalid cidr")
	ErrRuleNotFound      = errors.New("rule not found")
	ErrIPBlocked         = errors.New("ip address blocked")
	ErrGeoBlocked        = errors.New("country blocked")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrFingerprintEmpty  = errors.New("fingerprint data is empty")
	ErrDeviceNotFound    = errors.New("device fingerprint not found")
	ErrRestrictionExists = errors.New("restriction already exists")
)
