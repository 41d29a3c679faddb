package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"accountd/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// publicPaths need no access token. The refresh and logout endpoints
// authenticate with the refresh token inside their handlers, and signup
// is the POST side of /v1/users.
var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh-token",
	"/v1/auth/logout",
	"/v1/auth/logout-all-sessions",
	"/v1/auth/forgot-password",
	"/v1/auth/reset-password",
	"/v1/auth/verify-email",
	"/v1/auth/resend-verification",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func isPublicPath(p string) bool {
	for _, pub := range publicPaths {
		if p == pub {
			return true
		}
	}
	return false
}

// withAuth validates the bearer access token and attaches the principal
// to the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/v1/users" && r.Method == http.MethodPost {
			// Signup.
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.signer.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		p := auth.Principal{
			UserID: claims.Subject,
			Role:   claims.Role,
			Email:  claims.Email,
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
	})
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	if !strings.HasPrefix(header, bearer) {
		return "", errors.New("authorization header must use Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearer))
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}

// requirePrincipal returns the authenticated principal or writes a 401.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

// requireAdmin returns the principal if it holds the ADMIN role.
func requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if !p.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return auth.Principal{}, false
	}
	return p, true
}
