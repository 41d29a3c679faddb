package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"accountd/internal/ids"
)

// fakeUsers covers the lookups the session service needs; everything else
// panics via the embedded nil interface.
type fakeUsers struct {
	UserStore
	byID    map[string]*User
	byEmail map[string]*User
}

func newFakeUsers(users ...*User) *fakeUsers {
	f := &fakeUsers{byID: map[string]*User{}, byEmail: map[string]*User{}}
	for _, u := range users {
		f.byID[u.ID] = u
		f.byEmail[u.Email] = u
	}
	return f
}

func (f *fakeUsers) Find(_ context.Context, id string) (*User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// fakeTokens is an in-memory RefreshTokenStore with the same matching and
// revocation semantics as the Postgres store.
type fakeTokens struct {
	hasher     Hasher
	refreshTTL time.Duration
	now        func() time.Time
	records    []*RefreshToken
	saveErr    error
}

func newFakeTokens(hasher Hasher, ttl time.Duration, now func() time.Time) *fakeTokens {
	return &fakeTokens{hasher: hasher, refreshTTL: ttl, now: now}
}

func (f *fakeTokens) Save(_ context.Context, user *User, plaintext string, meta RequestMeta) (*RefreshToken, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	hashed, err := f.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	now := f.now().UTC()
	tok := &RefreshToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashed,
		ExpiresAt: now.Add(f.refreshTTL),
		UserAgent: orUnknown(meta.UserAgent),
		IPAddress: orUnknown(meta.IPAddress),
		CreatedAt: now,
	}
	f.records = append(f.records, tok)
	return tok, nil
}

func (f *fakeTokens) FindMatching(_ context.Context, userID, plaintext string) (*RefreshToken, error) {
	for _, tok := range f.records {
		if tok.UserID != userID {
			continue
		}
		match, err := f.hasher.Compare(plaintext, tok.TokenHash)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		if tok.Revoked {
			return nil, ErrTokenRevoked
		}
		return tok, nil
	}
	return nil, ErrInvalidRefreshToken
}

func (f *fakeTokens) Revoke(_ context.Context, tokenID string, at time.Time) error {
	for _, tok := range f.records {
		if tok.ID == tokenID {
			tok.Revoked = true
			tok.RevokedAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeTokens) RevokeOne(ctx context.Context, userID, plaintext string) (*RefreshToken, error) {
	tok, err := f.FindMatching(ctx, userID, plaintext)
	if err != nil {
		return nil, err
	}
	if err := f.Revoke(ctx, tok.ID, f.now().UTC()); err != nil {
		return nil, err
	}
	return tok, nil
}

func (f *fakeTokens) RevokeAll(_ context.Context, userID string) error {
	now := f.now().UTC()
	for _, tok := range f.records {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = now
		}
	}
	return nil
}

const (
	testPassword   = "correct horse battery staple"
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 24 * time.Hour
)

func newTestService(t *testing.T) (*Service, *fakeUsers, *fakeTokens, *User) {
	t.Helper()
	hasher := NewBcryptHasher(bcrypt.MinCost)
	passwordHash, err := hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &User{
		ID:           ids.New(),
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        "ada@example.com",
		PasswordHash: passwordHash,
		Role:         RoleUser,
	}
	users := newFakeUsers(user)

	cfg := testSignerConfig()
	cfg.AccessTTL = testAccessTTL
	cfg.RefreshTTL = testRefreshTTL
	signer, err := NewSigner(cfg)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tokens := newFakeTokens(hasher, testRefreshTTL, time.Now)
	svc := NewService(users, tokens, hasher, signer)
	return svc, users, tokens, user
}

func TestValidateUser(t *testing.T) {
	svc, _, _, user := newTestService(t)
	ctx := context.Background()

	got, err := svc.ValidateUser(ctx, user.Email, testPassword)
	if err != nil {
		t.Fatalf("ValidateUser: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("unexpected user %q", got.ID)
	}
	if got.PasswordHash != "" {
		t.Fatalf("password hash must be stripped from the result")
	}

	if _, err := svc.ValidateUser(ctx, user.Email, "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.ValidateUser(ctx, "nobody@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected the identical generic error, got %v", err)
	}
}

func TestLoginPersistsRefreshToken(t *testing.T) {
	svc, _, tokens, user := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, user.Email, testPassword, RequestMeta{UserAgent: "test-agent", IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens")
	}
	if len(tokens.records) != 1 {
		t.Fatalf("expected exactly one stored token, got %d", len(tokens.records))
	}

	rec := tokens.records[0]
	if rec.TokenHash == pair.RefreshToken {
		t.Fatalf("refresh token must be stored hashed, not in plaintext")
	}
	if rec.Revoked {
		t.Fatalf("fresh token must not be revoked")
	}
	if rec.UserAgent != "test-agent" || rec.IPAddress != "10.0.0.1" {
		t.Fatalf("request metadata not attached: %+v", rec)
	}
	if remaining := time.Until(rec.ExpiresAt); remaining < testRefreshTTL-time.Minute || remaining > testRefreshTTL {
		t.Fatalf("unexpected expiry %v", rec.ExpiresAt)
	}
}

func TestLoginMetadataDefaultsToUnknown(t *testing.T) {
	svc, _, tokens, user := newTestService(t)

	if _, err := svc.Login(context.Background(), user.Email, testPassword, RequestMeta{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	rec := tokens.records[0]
	if rec.UserAgent != "unknown" || rec.IPAddress != "unknown" {
		t.Fatalf("absent metadata must fall back to unknown, got %+v", rec)
	}
}

func TestLoginAbortsWhenPersistenceFails(t *testing.T) {
	svc, _, tokens, user := newTestService(t)
	tokens.saveErr = ErrUnavailable

	if _, err := svc.Login(context.Background(), user.Email, testPassword, RequestMeta{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected persistence failure to abort login, got %v", err)
	}
}

func TestRefreshNotFound(t *testing.T) {
	svc, _, _, user := newTestService(t)

	_, err := svc.Refresh(context.Background(), user.ID, "never-issued")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRefreshValidIssuesAccessOnly(t *testing.T) {
	svc, _, tokens, user := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, user.Email, testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	res, err := svc.Refresh(ctx, user.ID, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.RefreshToken != pair.RefreshToken {
		t.Fatalf("refresh token must be returned unchanged (no rotation)")
	}
	if res.AccessToken == "" || res.AccessToken == pair.AccessToken {
		t.Fatalf("expected a new, different access token")
	}
	if res.User.ID != user.ID || res.User.PasswordHash != "" {
		t.Fatalf("expected sanitized user in the result: %+v", res.User)
	}
	if len(tokens.records) != 1 || tokens.records[0].Revoked {
		t.Fatalf("the valid path must not mutate the store")
	}
}

func TestRefreshExpiredRevokesToken(t *testing.T) {
	svc, _, tokens, user := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, user.Email, testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Move the service clock past the token's expiry.
	svc.WithClock(func() time.Time { return time.Now().Add(testRefreshTTL + time.Hour) })

	if _, err := svc.Refresh(ctx, user.ID, pair.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if !tokens.records[0].Revoked {
		t.Fatalf("expiry must flip the stored token to revoked")
	}
	if tokens.records[0].RevokedAt.IsZero() {
		t.Fatalf("revocation timestamp must be set")
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc, _, tokens, user := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, user.Email, testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(tokens.records) != 1 {
		t.Fatalf("expected 1 stored token after login")
	}

	res, err := svc.Refresh(ctx, user.ID, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh before expiry: %v", err)
	}
	if res.RefreshToken != pair.RefreshToken {
		t.Fatalf("refresh token changed across refresh")
	}
	if len(tokens.records) != 1 {
		t.Fatalf("refresh must not add tokens")
	}

	out, err := svc.Logout(ctx, user.ID, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if !out.LoggedOut {
		t.Fatalf("expected LoggedOut confirmation")
	}
	if !tokens.records[0].Revoked {
		t.Fatalf("logout must revoke the stored token")
	}

	if _, err := svc.Refresh(ctx, user.ID, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh after logout: expected ErrTokenRevoked, got %v", err)
	}
}

func TestLogoutAllIdempotent(t *testing.T) {
	svc, _, tokens, user := newTestService(t)
	ctx := context.Background()

	var lastPair TokenPair
	for i := 0; i < 4; i++ {
		pair, err := svc.Login(ctx, user.Email, testPassword, RequestMeta{})
		if err != nil {
			t.Fatalf("Login %d: %v", i, err)
		}
		lastPair = pair
	}
	if _, err := svc.Logout(ctx, user.ID, lastPair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	// 3 active + 1 already revoked.
	res, err := svc.LogoutAll(ctx, user.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if !res.RevokedAllSessions {
		t.Fatalf("expected RevokedAllSessions confirmation")
	}
	for i, tok := range tokens.records {
		if !tok.Revoked {
			t.Fatalf("token %d still active after LogoutAll", i)
		}
	}

	// Second call is a no-op with the same end state.
	if _, err := svc.LogoutAll(ctx, user.ID); err != nil {
		t.Fatalf("second LogoutAll: %v", err)
	}
	for i, tok := range tokens.records {
		if !tok.Revoked {
			t.Fatalf("token %d flipped back after repeat LogoutAll", i)
		}
	}
}
