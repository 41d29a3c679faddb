package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"accountd/internal/ids"
)

const pgUniqueViolation = "23505"

// PGStore implements UserStore and RefreshTokenStore on PostgreSQL via
// database/sql. Row-level consistency comes from the database; the store
// adds no locking of its own.
type PGStore struct {
	db         *sql.DB
	hasher     Hasher
	refreshTTL time.Duration
	now        func() time.Time
}

var (
	_ UserStore         = (*PGStore)(nil)
	_ RefreshTokenStore = (*PGStore)(nil)
)

// NewPGStore constructs a PGStore. The refresh TTL is injected here so the
// store can stamp expiry on save without reaching into ambient config.
func NewPGStore(db *sql.DB, hasher Hasher, refreshTTL time.Duration) *PGStore {
	return &PGStore{db: db, hasher: hasher, refreshTTL: refreshTTL, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (s *PGStore) WithClock(fn func() time.Time) *PGStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

// storeErr translates driver errors into the package taxonomy. Unique
// violations become ErrAlreadyExists, missing rows ErrNotFound, everything
// else is transient.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyExists
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// User store ---------------------------------------------------------------

const userColumns = `id, first_name, last_name, username, email, password_hash, role,
	is_email_verified, email_verification_token, email_verification_expires_at,
	password_reset_token, password_reset_expires_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u            User
		username     sql.NullString
		verifyToken  sql.NullString
		verifyExpiry sql.NullTime
		resetToken   sql.NullString
		resetExpiry  sql.NullTime
	)
	if err := row.Scan(
		&u.ID, &u.FirstName, &u.LastName, &username, &u.Email, &u.PasswordHash, &u.Role,
		&u.IsEmailVerified, &verifyToken, &verifyExpiry,
		&resetToken, &resetExpiry, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.Username = username.String
	u.EmailVerificationToken = verifyToken.String
	u.EmailVerificationExpiry = verifyExpiry.Time
	u.PasswordResetToken = resetToken.String
	u.PasswordResetExpiry = resetExpiry.Time
	return &u, nil
}

func (s *PGStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, first_name, last_name, username, email, password_hash, role)
		 values($1,$2,$3,nullif($4,''),$5,$6,$7)`,
		u.ID, u.FirstName, u.LastName, u.Username, u.Email, u.PasswordHash, u.Role,
	)
	return storeErr(err)
}

func (s *PGStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, storeErr(err)
	}
	return u, nil
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, storeErr(err)
	}
	return u, nil
}

func (s *PGStore) List(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by created_at desc limit $1 offset $2`,
		limit, offset,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		users = append(users, u)
	}
	return users, storeErr(rows.Err())
}

func (s *PGStore) Update(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`update users set first_name=$2, last_name=$3, username=nullif($4,''), email=$5,
		 is_email_verified=$6, updated_at=now() where id=$1`,
		u.ID, u.FirstName, u.LastName, u.Username, u.Email, u.IsEmailVerified,
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

// CreateMany writes all users in one transaction; any failure rolls the
// whole batch back.
func (s *PGStore) CreateMany(ctx context.Context, users []*User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	for _, u := range users {
		if u.ID == "" {
			u.ID = ids.New()
		}
		if u.Role == "" {
			u.Role = RoleUser
		}
		_, err := tx.ExecContext(ctx,
			`insert into users(id, first_name, last_name, username, email, password_hash, role)
			 values($1,$2,$3,nullif($4,''),$5,$6,$7)`,
			u.ID, u.FirstName, u.LastName, u.Username, u.Email, u.PasswordHash, u.Role,
		)
		if err != nil {
			return storeErr(err)
		}
	}
	return storeErr(tx.Commit())
}

// DeleteMany removes all listed users in one transaction.
func (s *PGStore) DeleteMany(ctx context.Context, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	for _, id := range userIDs {
		res, err := tx.ExecContext(ctx, `delete from users where id=$1`, id)
		if err != nil {
			return storeErr(err)
		}
		if err := oneAffected(res); err != nil {
			return err
		}
	}
	return storeErr(tx.Commit())
}

func (s *PGStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`,
		userID, passwordHash,
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

func (s *PGStore) SetPasswordReset(ctx context.Context, userID, tokenHash string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_reset_token=$2, password_reset_expires_at=$3, updated_at=now()
		 where id=$1`,
		userID, tokenHash, expiry,
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

func (s *PGStore) ClearPasswordReset(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_reset_token=null, password_reset_expires_at=null, updated_at=now()
		 where id=$1`,
		userID,
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

func (s *PGStore) SetEmailVerification(ctx context.Context, userID, tokenHash string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email_verification_token=$2, email_verification_expires_at=$3, updated_at=now()
		 where id=$1`,
		userID, tokenHash, expiry,
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

func (s *PGStore) MarkEmailVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set is_email_verified=true, email_verification_token=null,
		 email_verification_expires_at=null, updated_at=now() where id=$1`,
		userID,
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

func oneAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Refresh token store ------------------------------------------------------

const refreshColumns = `id, user_id, token_hash, expires_at, revoked, revoked_at,
	user_agent, ip_address, created_at, updated_at`

func scanRefreshToken(row interface{ Scan(...any) error }) (*RefreshToken, error) {
	var (
		t         RefreshToken
		revokedAt sql.NullTime
		userAgent sql.NullString
		ipAddress sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &revokedAt,
		&userAgent, &ipAddress, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.RevokedAt = revokedAt.Time
	t.UserAgent = userAgent.String
	t.IPAddress = ipAddress.String
	return &t, nil
}

// Save hashes the plaintext refresh token and persists the session record.
func (s *PGStore) Save(ctx context.Context, user *User, plaintext string, meta RequestMeta) (*RefreshToken, error) {
	hashed, err := s.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tok := &RefreshToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashed,
		ExpiresAt: now.Add(s.refreshTTL),
		UserAgent: orUnknown(meta.UserAgent),
		IPAddress: orUnknown(meta.IPAddress),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, expires_at, user_agent, ip_address)
		 values($1,$2,$3,$4,$5,$6)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.UserAgent, tok.IPAddress,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	return tok, nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// FindMatching walks every stored token for the user and bcrypt-compares
// the presented plaintext against each hash. The scan is O(sessions per
// user): the hashes are salted, so there is nothing to index on.
func (s *PGStore) FindMatching(ctx context.Context, userID, plaintext string) (*RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where user_id=$1 order by created_at`,
		userID,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var tokens []*RefreshToken
	for rows.Next() {
		tok, err := scanRefreshToken(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	for _, tok := range tokens {
		match, err := s.hasher.Compare(plaintext, tok.TokenHash)
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

// Revoke flips a single token to revoked. Writing an already-revoked row
// again is harmless: the end state is identical.
func (s *PGStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=$2, updated_at=$2 where id=$1`,
		tokenID, at.UTC(),
	)
	if err != nil {
		return storeErr(err)
	}
	return oneAffected(res)
}

// RevokeOne locates the matching token via the same linear scan and
// revokes it.
func (s *PGStore) RevokeOne(ctx context.Context, userID, plaintext string) (*RefreshToken, error) {
	tok, err := s.FindMatching(ctx, userID, plaintext)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.Revoke(ctx, tok.ID, now); err != nil {
		return nil, err
	}
	tok.Revoked = true
	tok.RevokedAt = now
	return tok, nil
}

// RevokeAll flips every active token of the user in a single statement.
// Rows already revoked keep their original revoked_at, which makes the
// operation idempotent.
func (s *PGStore) RevokeAll(ctx context.Context, userID string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=$2, updated_at=$2
		 where user_id=$1 and revoked=false`,
		userID, now,
	)
	return storeErr(err)
}
