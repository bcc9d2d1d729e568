package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingToken is returned when no bearer credential was presented.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrMissingSecret is returned when a validator or signer is built without a key.
	ErrMissingSecret = errors.New("auth: secret is not configured")
)
