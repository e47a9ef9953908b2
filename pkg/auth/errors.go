package auth

import "errors"

// Authentication failures short-circuit before policy evaluation. They are
// never retried automatically and never reach the audit chain as decisions;
// the guard feeds them into reputation instead.
var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrBadSignature = errors.New("auth: bad signature")
	ErrExpired      = errors.New("auth: timestamp outside allowed window")
	ErrReplayed     = errors.New("auth: nonce replayed")
	ErrRateLimited  = errors.New("auth: rate limit exceeded")
)
