package shared

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials covers every login failure mode; callers must not
	// be able to distinguish a wrong password from a disabled account.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing indicates a mutating request without a token header.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch indicates a token that fails HMAC verification.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)
