package auth

import "context"

// Principal is the authenticated identity resolved from a bearer token.
type Principal struct {
	UserID string
	Role   Role
	Email  string
}

// IsAdmin reports whether the principal holds the ADMIN role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &p)
}

// PrincipalFromContext extracts the authenticated principal, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
