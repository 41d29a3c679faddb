// Package users implements account management: signup, profile CRUD,
// email verification and password recovery. Session issuance lives in
// internal/auth; this package only manipulates identity records.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"accountd/internal/auth"
	"accountd/internal/ids"
	"accountd/internal/mail"
)

var (
	// ErrInvalidToken covers verification and reset tokens that do not
	// match the stored hash or were never issued.
	ErrInvalidToken = errors.New("users: invalid token")
	// ErrTokenExpired covers verification and reset tokens past their
	// one hour validity window.
	ErrTokenExpired = errors.New("users: token expired")
	// ErrPasswordUnchanged rejects a password change where the new
	// password equals the current one.
	ErrPasswordUnchanged = errors.New("users: new password must differ from current password")
	// ErrAlreadyVerified rejects a resend for an address that is
	// already confirmed.
	ErrAlreadyVerified = errors.New("users: email already verified")
)

// tokenTTL is the validity window for verification and reset tokens.
const tokenTTL = time.Hour

// Service coordinates the user store, the hashing capability and the
// outbound mailer.
type Service struct {
	store  auth.UserStore
	hasher auth.Hasher
	mailer mail.Mailer
	now    func() time.Time
}

// NewService wires a user service. The mailer may be a mail.LogMailer in
// environments without SMTP.
func NewService(store auth.UserStore, hasher auth.Hasher, mailer mail.Mailer) *Service {
	return &Service{
		store:  store,
		hasher: hasher,
		mailer: mailer,
		now:    time.Now,
	}
}

// WithClock replaces the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateUserInput is the signup payload.
type CreateUserInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (in CreateUserInput) validate() error {
	if strings.TrimSpace(in.Email) == "" {
		return fmt.Errorf("users: email is required")
	}
	if len(in.Password) < 8 {
		return fmt.Errorf("users: password must be at least 8 characters")
	}
	if strings.TrimSpace(in.Username) == "" {
		return fmt.Errorf("users: username is required")
	}
	return nil
}

// Signup registers a new user with role USER and sends a verification
// email. The returned user is sanitized.
func (s *Service) Signup(ctx context.Context, in CreateUserInput) (*auth.User, error) {
	return s.create(ctx, in, auth.RoleUser)
}

// CreateAdmin registers a new user with role ADMIN. Only an admin
// principal may call it.
func (s *Service) CreateAdmin(ctx context.Context, in CreateUserInput) (*auth.User, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok || !p.IsAdmin() {
		return nil, auth.ErrForbidden
	}
	return s.create(ctx, in, auth.RoleAdmin)
}

func (s *Service) create(ctx context.Context, in CreateUserInput, role auth.Role) (*auth.User, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("users: hash password: %w", err)
	}
	u := &auth.User{
		ID:           ids.New(),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Username:     in.Username,
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.issueVerification(ctx, u); err != nil {
		// The account exists; verification can be re-requested later.
		slog.Warn("verification_email_failed", "user_id", u.ID, "err", err)
	}
	out := u.Sanitized()
	return &out, nil
}

// issueVerification generates a fresh verification token, stores its hash
// with a one hour expiry and emails the plaintext to the user.
func (s *Service) issueVerification(ctx context.Context, u *auth.User) error {
	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(token)
	if err != nil {
		return fmt.Errorf("users: hash verification token: %w", err)
	}
	if err := s.store.SetEmailVerification(ctx, u.ID, hash, s.now().Add(tokenTTL)); err != nil {
		return err
	}
	return s.mailer.SendVerificationEmail(ctx, u.Email, u.FirstName, u.ID, token)
}

// VerifyEmail confirms an address given the plaintext token from the
// verification link. Verifying an already-verified address is a no-op.
func (s *Service) VerifyEmail(ctx context.Context, userID, token string) error {
	u, err := s.store.Find(ctx, userID)
	if err != nil {
		return err
	}
	if u.IsEmailVerified {
		return nil
	}
	if u.EmailVerificationToken == "" {
		return ErrInvalidToken
	}
	if !u.EmailVerificationExpiry.After(s.now()) {
		return ErrTokenExpired
	}
	ok, err := s.hasher.Compare(token, u.EmailVerificationToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidToken
	}
	return s.store.MarkEmailVerified(ctx, u.ID)
}

// ResendVerification issues a new verification token for an unverified
// address.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	u, err := s.store.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	if u.IsEmailVerified {
		return ErrAlreadyVerified
	}
	return s.issueVerification(ctx, u)
}

// ChangePassword updates the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 8 {
		return fmt.Errorf("users: password must be at least 8 characters")
	}
	u, err := s.store.Find(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Compare(current, u.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrInvalidCredentials
	}
	if current == next {
		return ErrPasswordUnchanged
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}
	return s.store.UpdatePassword(ctx, u.ID, hash)
}

// ForgotPassword starts password recovery. Unknown addresses are
// deliberately reported as success so the endpoint does not reveal which
// emails have accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.store.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			slog.Info("password_reset_unknown_email", "email", email)
			return nil
		}
		return err
	}
	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(token)
	if err != nil {
		return fmt.Errorf("users: hash reset token: %w", err)
	}
	if err := s.store.SetPasswordReset(ctx, u.ID, hash, s.now().Add(tokenTTL)); err != nil {
		return err
	}
	return s.mailer.SendPasswordResetEmail(ctx, u.Email, u.FirstName, token)
}

// ResetPassword completes recovery given the emailed plaintext token.
func (s *Service) ResetPassword(ctx context.Context, email, token, next string) error {
	if len(next) < 8 {
		return fmt.Errorf("users: password must be at least 8 characters")
	}
	u, err := s.store.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	if u.PasswordResetToken == "" {
		return ErrInvalidToken
	}
	if !u.PasswordResetExpiry.After(s.now()) {
		return ErrTokenExpired
	}
	ok, err := s.hasher.Compare(token, u.PasswordResetToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidToken
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	return s.store.ClearPasswordReset(ctx, u.ID)
}

// Find returns a sanitized user by id.
func (s *Service) Find(ctx context.Context, id string) (*auth.User, error) {
	u, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	out := u.Sanitized()
	return &out, nil
}

// List returns a sanitized page of users.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*auth.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	users, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*auth.User, 0, len(users))
	for _, u := range users {
		v := u.Sanitized()
		out = append(out, &v)
	}
	return out, nil
}

// UpdateUserInput carries optional profile fields; nil means unchanged.
type UpdateUserInput struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Username  *string `json:"username"`
	Email     *string `json:"email"`
}

// Update applies a partial profile update. Changing the email clears the
// verified flag and triggers a fresh verification mail.
func (s *Service) Update(ctx context.Context, id string, in UpdateUserInput) (*auth.User, error) {
	u, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.FirstName != nil {
		u.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		u.LastName = *in.LastName
	}
	if in.Username != nil {
		u.Username = *in.Username
	}
	emailChanged := false
	if in.Email != nil {
		next := strings.ToLower(strings.TrimSpace(*in.Email))
		if next == "" {
			return nil, fmt.Errorf("users: email cannot be blank")
		}
		if next != u.Email {
			u.Email = next
			u.IsEmailVerified = false
			emailChanged = true
		}
	}
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	if emailChanged {
		if err := s.issueVerification(ctx, u); err != nil {
			slog.Warn("verification_email_failed", "user_id", u.ID, "err", err)
		}
	}
	out := u.Sanitized()
	return &out, nil
}

// Delete removes a user. Refresh tokens cascade at the store level.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// CreateMany registers a batch of users in one transaction. Verification
// emails are not sent for bulk imports.
func (s *Service) CreateMany(ctx context.Context, ins []CreateUserInput) ([]*auth.User, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("users: empty batch")
	}
	batch := make([]*auth.User, 0, len(ins))
	for i, in := range ins {
		if err := in.validate(); err != nil {
			return nil, fmt.Errorf("users: entry %d: %w", i, err)
		}
		hash, err := s.hasher.Hash(in.Password)
		if err != nil {
			return nil, fmt.Errorf("users: hash password: %w", err)
		}
		batch = append(batch, &auth.User{
			ID:           ids.New(),
			FirstName:    in.FirstName,
			LastName:     in.LastName,
			Username:     in.Username,
			Email:        strings.ToLower(strings.TrimSpace(in.Email)),
			PasswordHash: hash,
			Role:         auth.RoleUser,
		})
	}
	if err := s.store.CreateMany(ctx, batch); err != nil {
		return nil, err
	}
	out := make([]*auth.User, 0, len(batch))
	for _, u := range batch {
		v := u.Sanitized()
		out = append(out, &v)
	}
	return out, nil
}

// DeleteMany removes a batch of users in one transaction.
func (s *Service) DeleteMany(ctx context.Context, idList []string) error {
	if len(idList) == 0 {
		return fmt.Errorf("users: empty batch")
	}
	return s.store.DeleteMany(ctx, idList)
}
