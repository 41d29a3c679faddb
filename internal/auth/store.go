package auth

import (
	"context"
	"time"
)

// UserStore describes the persistence operations the auth and user
// subsystems need for identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error

	// CreateMany and DeleteMany run inside a single transaction: all rows
	// are written or none are.
	CreateMany(ctx context.Context, users []*User) error
	DeleteMany(ctx context.Context, ids []string) error

	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetPasswordReset(ctx context.Context, userID, tokenHash string, expiry time.Time) error
	ClearPasswordReset(ctx context.Context, userID string) error
	SetEmailVerification(ctx context.Context, userID, tokenHash string, expiry time.Time) error
	MarkEmailVerified(ctx context.Context, userID string) error
}

// RefreshTokenStore persists hashed refresh tokens and locates a presented
// plaintext token among a user's stored hashes.
type RefreshTokenStore interface {
	// Save hashes the plaintext token and persists it with expiry
	// now+refreshTTL and the request metadata.
	Save(ctx context.Context, user *User, plaintext string, meta RequestMeta) (*RefreshToken, error)

	// FindMatching loads every stored token for the user and compares the
	// presented plaintext against each hash in stored order, returning the
	// first match. No match yields ErrInvalidRefreshToken; a match that is
	// already revoked yields ErrTokenRevoked.
	FindMatching(ctx context.Context, userID, plaintext string) (*RefreshToken, error)

	// Revoke marks a single token revoked.
	Revoke(ctx context.Context, tokenID string, at time.Time) error

	// RevokeOne locates the matching token and revokes it.
	RevokeOne(ctx context.Context, userID, plaintext string) (*RefreshToken, error)

	// RevokeAll revokes every non-revoked token of the user in one batch.
	// Already-revoked rows are left untouched.
	RevokeAll(ctx context.Context, userID string) error
}
