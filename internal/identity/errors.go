package identity

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// The message is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should not expose it to clients.
	ErrUserDisabled = errors.New("user disabled")

	ErrUnauthenticated          = errors.New("not signed in")
	ErrUserNotFound             = errors.New("user not found")
	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailRequired            = errors.New("email required")
	ErrInvalidEmail             = errors.New("invalid email address")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrWeakPassword             = errors.New("weak password")
	ErrDisplayNameTooLong       = errors.New("display name too long")
	ErrPasswordNotSet           = errors.New("password not set for this account")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrEmailNotVerified = errors.New("identity provider did not verify the email address")
)
