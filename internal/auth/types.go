package auth

import "time"

// Role enumerates the access levels a user can hold.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is the identity record. The auth subsystem never deletes users;
// deletion is a user-management concern and cascades to refresh tokens at
// the store level.
type User struct {
	ID           string `json:"id"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`

	IsEmailVerified         bool      `json:"isEmailVerified"`
	EmailVerificationToken  string    `json:"-"`
	EmailVerificationExpiry time.Time `json:"-"`

	PasswordResetToken  string    `json:"-"`
	PasswordResetExpiry time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sanitized returns a copy of u with every stored secret stripped, suitable
// for returning to callers.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	u.EmailVerificationToken = ""
	u.PasswordResetToken = ""
	return u
}

// RefreshToken is one active or historical login session. The plaintext
// token value is never persisted; TokenHash holds its bcrypt hash. Once
// Revoked is set the record is permanently inert.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt time.Time
	UserAgent string
	IPAddress string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether the token may still be exchanged for an access
// token: not revoked and not past expiry.
func (t RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

// RequestMeta carries provenance from the HTTP layer for refresh-token
// records. Empty fields are stored as "unknown".
type RequestMeta struct {
	UserAgent string
	IPAddress string
}

// TokenPair is the login result handed back to the boundary layer.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshResult is the refresh outcome: a fresh access token and the same
// refresh token string the caller presented (tokens are not rotated).
type RefreshResult struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LogoutResult confirms a single-session revocation.
type LogoutResult struct {
	LoggedOut bool `json:"loggedOut"`
}

// LogoutAllResult confirms an all-sessions revocation.
type LogoutAllResult struct {
	RevokedAllSessions bool `json:"revokedAllSessions"`
}
