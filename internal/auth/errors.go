package auth

import "errors"

// Sentinel errors returned by the auth service and token manager.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when name/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned when a session token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
