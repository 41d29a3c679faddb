package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidToken indicates an access token failed signature or claim
// validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// SignerConfig is the explicit configuration bundle for token issuance.
// It is injected at construction; nothing here is read from ambient state.
type SignerConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Claims are the JWT claims carried by both access and refresh tokens.
type Claims struct {
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues signed, time-bound tokens with a shared HS256 secret.
type Signer struct {
	cfg SignerConfig
	now func() time.Time
}

// NewSigner validates the configuration and returns a Signer. A missing
// secret is a configuration error surfaced here, at startup, never per
// request.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: signing secret is not configured")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: token TTLs must be greater than zero")
	}
	return &Signer{cfg: cfg, now: time.Now}, nil
}

// WithClock overrides the time source. Test use only.
func (s *Signer) WithClock(fn func() time.Time) *Signer {
	if fn != nil {
		s.now = fn
	}
	return s
}

// AccessTTL returns the configured access-token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (s *Signer) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

// Sign issues a single token for the subject with the given TTL. Extra
// claims beyond subject and role are carried via email.
func (s *Signer) Sign(userID string, role Role, ttl time.Duration, email string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: userID is required")
	}
	now := s.now().UTC()
	claims := Claims{
		Role:  role,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// SignPair issues the access and refresh tokens for a login. The two
// signatures have no ordering dependency and run concurrently.
func (s *Signer) SignPair(user *User) (TokenPair, error) {
	var pair TokenPair
	var g errgroup.Group
	g.Go(func() error {
		token, err := s.Sign(user.ID, user.Role, s.cfg.AccessTTL, user.Email)
		pair.AccessToken = token
		return err
	})
	g.Go(func() error {
		token, err := s.Sign(user.ID, user.Role, s.cfg.RefreshTTL, "")
		pair.RefreshToken = token
		return err
	})
	if err := g.Wait(); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Parse verifies a token's signature and registered claims and returns the
// claim set. Used by the boundary layer to authenticate bearer tokens.
func (s *Signer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithIssuer(s.cfg.Issuer), jwt.WithAudience(s.cfg.Audience), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
