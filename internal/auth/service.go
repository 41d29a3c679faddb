package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// dummyHash keeps the failure path of ValidateUser the same shape whether
// or not the email exists: a bcrypt compare always runs.
var dummyHash, _ = NewBcryptHasher(0).Hash("accountd-dummy-credential")

// Service composes the credential validator, token signer and refresh
// token store into the login / refresh / revoke state machine.
type Service struct {
	users  UserStore
	tokens RefreshTokenStore
	hasher Hasher
	signer *Signer
	now    func() time.Time
}

// NewService wires the session subsystem together.
func NewService(users UserStore, tokens RefreshTokenStore, hasher Hasher, signer *Signer) *Service {
	return &Service{
		users:  users,
		tokens: tokens,
		hasher: hasher,
		signer: signer,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// ValidateUser verifies an email/password pair and returns the user with
// all stored secrets stripped. Unknown email and wrong password are
// indistinguishable from the outside.
func (s *Service) ValidateUser(ctx context.Context, email, password string) (*User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The user is absent; never let a missing hash reach the
			// compare step. Burn a compare anyway so the timing profile
			// matches the found-user path.
			_, _ = s.hasher.Compare(password, dummyHash)
			slog.Warn("login_failed", "reason", "user_not_found")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	match, err := s.hasher.Compare(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		slog.Warn("login_failed", "user_id", user.ID, "reason", "invalid_password")
		return nil, ErrInvalidCredentials
	}

	sanitized := user.Sanitized()
	return &sanitized, nil
}

// Login validates credentials, signs the access/refresh pair and persists
// the hashed refresh token. A persistence failure aborts the whole login;
// no tokens are handed back on a partial success.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (TokenPair, error) {
	user, err := s.ValidateUser(ctx, email, password)
	if err != nil {
		return TokenPair{}, err
	}

	pair, err := s.signer.SignPair(user)
	if err != nil {
		return TokenPair{}, err
	}

	if _, err := s.tokens.Save(ctx, user, pair.RefreshToken, meta); err != nil {
		return TokenPair{}, err
	}

	slog.Info("login_success", "user_id", user.ID)
	return pair, nil
}

// Refresh evaluates a presented refresh token and, when it is valid,
// issues a new access token. The refresh token itself is never rotated:
// the caller gets back the exact string it presented, so a session's
// authority window stays bounded by the original issuance TTL.
//
// Evaluation order: not found, revoked, expired, valid. The first three
// terminate with no token issued; expiry additionally flips the stored
// token to revoked before rejecting.
func (s *Service) Refresh(ctx context.Context, userID, presented string) (RefreshResult, error) {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return RefreshResult{}, err
	}

	tok, err := s.tokens.FindMatching(ctx, userID, presented)
	if err != nil {
		// Not found and already-revoked are both terminal here.
		return RefreshResult{}, err
	}

	now := s.now().UTC()
	if !tok.ExpiresAt.After(now) {
		// Expiry triggers permanent revocation. If that write fails the
		// transient error wins over the rejection: the caller should
		// retry rather than be told to log in again.
		if err := s.tokens.Revoke(ctx, tok.ID, now); err != nil {
			return RefreshResult{}, err
		}
		slog.Info("refresh_token_expired", "user_id", userID, "token_id", tok.ID)
		return RefreshResult{}, ErrSessionExpired
	}

	access, err := s.signer.Sign(user.ID, user.Role, s.signer.AccessTTL(), user.Email)
	if err != nil {
		return RefreshResult{}, err
	}

	return RefreshResult{
		User:         user.Sanitized(),
		AccessToken:  access,
		RefreshToken: presented,
	}, nil
}

// Logout revokes the single session identified by the presented refresh
// token. Re-logging-out an already-revoked session surfaces
// ErrTokenRevoked, which callers treat as an acceptable terminal state.
func (s *Service) Logout(ctx context.Context, userID, presented string) (LogoutResult, error) {
	tok, err := s.tokens.RevokeOne(ctx, userID, presented)
	if err != nil {
		return LogoutResult{}, err
	}
	slog.Info("logout", "user_id", userID, "token_id", tok.ID)
	return LogoutResult{LoggedOut: true}, nil
}

// LogoutAll revokes every active session of the user. Calling it again is
// a no-op with the same result.
func (s *Service) LogoutAll(ctx context.Context, userID string) (LogoutAllResult, error) {
	if err := s.tokens.RevokeAll(ctx, userID); err != nil {
		return LogoutAllResult{}, err
	}
	slog.Info("logout_all_sessions", "user_id", userID)
	return LogoutAllResult{RevokedAllSessions: true}, nil
}
