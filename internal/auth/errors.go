package auth

import "errors"

var (
	// ErrInvalidCredentials is deliberately generic: the same error is
	// returned whether the email is unknown or the password is wrong, so
	// account existence cannot be probed through the login endpoint.
	ErrInvalidCredentials = errors.New("auth: email/password is not correct")

	// ErrInvalidRefreshToken means no stored hash matched the presented
	// refresh token.
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")

	// ErrTokenRevoked means the presented refresh token matched a stored
	// one that has already been revoked. The caller must log in again.
	ErrTokenRevoked = errors.New("auth: refresh token already revoked")

	// ErrSessionExpired means the refresh token was valid but past its
	// expiry; the token has been revoked as a side effect.
	ErrSessionExpired = errors.New("auth: session expired, log in again")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrForbidden     = errors.New("auth: forbidden")

	// ErrUnavailable classifies infrastructure failures (store unreachable,
	// statement timeout, hashing backend error). Safe to retry.
	ErrUnavailable = errors.New("auth: backend unavailable")
)
