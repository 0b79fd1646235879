package auth

import "context"

type principalKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok && principal.UserID != ""
}

// UserIDFromContext adapts PrincipalFrom for handlers that only need the id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	principal, ok := PrincipalFrom(ctx)
	return principal.UserID, ok
}
