package auth

import "errors"

var (
	// ErrUnauthorized covers every credential failure: bad password, unknown
	// username, inactive account, revoked or expired session. Callers get the
	// same error regardless of which sub-check failed.
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// ErrInvalidToken indicates an access token failed signature or claim checks.
var ErrInvalidToken = errors.New("auth: invalid token")
