package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"accountd/internal/auth"
	"accountd/internal/ids"
	"accountd/internal/users"
)

type memUsers struct {
	auth.UserStore

	byID map[string]*auth.User
}

func (m *memUsers) Create(_ context.Context, u *auth.User) error {
	for _, ex := range m.byID {
		if ex.Email == u.Email {
			return auth.ErrAlreadyExists
		}
	}
	cp := *u
	m.byID[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*auth.User, error) {
	u, ok := m.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	for _, u := range m.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memUsers) List(_ context.Context, limit, offset int) ([]*auth.User, error) {
	out := make([]*auth.User, 0, len(m.byID))
	for _, u := range m.byID {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memUsers) SetEmailVerification(_ context.Context, userID, tokenHash string, expiry time.Time) error {
	u, ok := m.byID[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.EmailVerificationToken = tokenHash
	u.EmailVerificationExpiry = expiry
	return nil
}

type memTokens struct {
	auth.RefreshTokenStore

	hasher auth.Hasher
	rows   []*auth.RefreshToken
}

func (m *memTokens) Save(_ context.Context, user *auth.User, plaintext string, meta auth.RequestMeta) (*auth.RefreshToken, error) {
	hash, err := m.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	tok := &auth.RefreshToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: time.Now().Add(24 * time.Hour),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}
	m.rows = append(m.rows, tok)
	return tok, nil
}

func (m *memTokens) FindMatching(_ context.Context, userID, plaintext string) (*auth.RefreshToken, error) {
	for _, tok := range m.rows {
		if tok.UserID != userID {
			continue
		}
		ok, err := m.hasher.Compare(plaintext, tok.TokenHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if tok.Revoked {
			return nil, auth.ErrTokenRevoked
		}
		cp := *tok
		return &cp, nil
	}
	return nil, auth.ErrInvalidRefreshToken
}

func (m *memTokens) Revoke(_ context.Context, tokenID string, at time.Time) error {
	for _, tok := range m.rows {
		if tok.ID == tokenID {
			tok.Revoked = true
			tok.RevokedAt = at
			return nil
		}
	}
	return auth.ErrNotFound
}

func (m *memTokens) RevokeOne(ctx context.Context, userID, plaintext string) (*auth.RefreshToken, error) {
	tok, err := m.FindMatching(ctx, userID, plaintext)
	if err != nil {
		return nil, err
	}
	if err := m.Revoke(ctx, tok.ID, time.Now()); err != nil {
		return nil, err
	}
	tok.Revoked = true
	return tok, nil
}

func (m *memTokens) RevokeAll(_ context.Context, userID string) error {
	for _, tok := range m.rows {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = time.Now()
		}
	}
	return nil
}

type nopMailer struct{}

func (nopMailer) SendVerificationEmail(context.Context, string, string, string, string) error {
	return nil
}

func (nopMailer) SendPasswordResetEmail(context.Context, string, string, string) error {
	return nil
}

const testPassword = "correct-horse-battery"

func newTestAPI(t *testing.T) (*API, *memUsers) {
	t.Helper()

	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	signer, err := auth.NewSigner(auth.SignerConfig{
		Secret:     "httpapi-test-secret",
		Issuer:     "accountd-test",
		Audience:   "accountd-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	store := &memUsers{byID: map[string]*auth.User{}}
	tokens := &memTokens{hasher: hasher}

	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	store.byID["u-1"] = &auth.User{
		ID:           "u-1",
		FirstName:    "Ada",
		Username:     "ada",
		Email:        "ada@example.com",
		PasswordHash: hash,
		Role:         auth.RoleUser,
	}
	adminHash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	store.byID["a-1"] = &auth.User{
		ID:           "a-1",
		Username:     "root",
		Email:        "admin@example.com",
		PasswordHash: adminHash,
		Role:         auth.RoleAdmin,
	}

	authSvc := auth.NewService(store, tokens, hasher, signer)
	userSvc := users.NewService(store, hasher, nopMailer{})

	api := New(authSvc, userSvc, signer, ReadyProbe{}, Options{Version: "test"})
	return api, store
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, email, password string) auth.TokenPair {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	return pair
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	pair := login(t, h, "ada@example.com", testPassword)

	// Refresh with the refresh token as bearer. The refresh token is not
	// rotated; only a new access token comes back.
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/refresh-token", pair.RefreshToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res auth.RefreshResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, pair.RefreshToken, res.RefreshToken)
	require.NotEmpty(t, res.AccessToken)
	require.Equal(t, "u-1", res.User.ID)

	// Logout revokes the session.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/logout", pair.RefreshToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"loggedOut":true}`, rec.Body.String())

	// The revoked token can no longer be exchanged.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/refresh-token", pair.RefreshToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	first := login(t, h, "ada@example.com", testPassword)
	second := login(t, h, "ada@example.com", testPassword)

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/logout-all-sessions", first.RefreshToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"revokedAllSessions":true}`, rec.Body.String())

	for _, pair := range []auth.TokenPair{first, second} {
		rec := doJSON(t, h, http.MethodPost, "/v1/auth/refresh-token", pair.RefreshToken, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	unknown := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "ghost@example.com",
		"password": testPassword,
	})
	wrongPass := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "ada@example.com",
		"password": "not-the-password",
	})

	require.Equal(t, http.StatusUnauthorized, unknown.Code)
	require.Equal(t, http.StatusUnauthorized, wrongPass.Code)
	require.Equal(t, unknown.Body.String(), wrongPass.Body.String())
}

func TestAccessTokenRejectedAsRefreshToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	pair := login(t, h, "ada@example.com", testPassword)

	// The access token parses but matches no stored refresh hash.
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/refresh-token", pair.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeRequiresAccessToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/users/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	pair := login(t, h, "ada@example.com", testPassword)
	rec = doJSON(t, h, http.MethodGet, "/v1/users/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ada@example.com", body["email"])
	require.NotContains(t, rec.Body.String(), "password")
}

func TestSignupIsPublic(t *testing.T) {
	api, store := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/users", "", users.CreateUserInput{
		FirstName: "Grace",
		Username:  "grace",
		Email:     "grace@example.com",
		Password:  "compiler-1952",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, store.byID, 3)
}

func TestAdminEndpointsRejectNonAdmins(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	user := login(t, h, "ada@example.com", testPassword)
	admin := login(t, h, "admin@example.com", testPassword)

	rec := doJSON(t, h, http.MethodGet, "/v1/users", user.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/users", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	newAdmin := users.CreateUserInput{
		FirstName: "Edsger",
		Username:  "edsger",
		Email:     "edsger@example.com",
		Password:  "goto-harmful",
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/users/admin", user.AccessToken, newAdmin)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/users/admin", admin.AccessToken, newAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"role":"ADMIN"`)
}

func TestUserCannotReadOtherUsers(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	user := login(t, h, "ada@example.com", testPassword)

	rec := doJSON(t, h, http.MethodGet, "/v1/users/a-1", user.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/users/u-1", user.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/auth/login", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestRequestIDEchoed(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}

func TestRateLimitStartsNoGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		_ = RateLimit(http.NotFoundHandler(), 1, 1)
	}
	// Allow slack for runtime background goroutines, but nothing close to
	// one per constructed middleware.
	require.Less(t, runtime.NumGoroutine(), before+10)
}

func TestRateLimitIsPerClient(t *testing.T) {
	handler := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 1, 0.0001)

	request := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, request("192.0.2.1"))
	require.Equal(t, http.StatusTooManyRequests, request("192.0.2.1"))
	// A different client keeps its own bucket.
	require.Equal(t, http.StatusOK, request("192.0.2.2"))
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2, 0.0001)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
