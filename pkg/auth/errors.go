package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrTokenInvalid       = errors.New("invalid or expired token")
	ErrSetupComplete      = errors.New("setup already completed")
	ErrBootstrapDisabled  = errors.New("bootstrap secret not configured")
)
