package auth

import (
	"errors"
	"net/http"
	"strings"

	"trust-serverless/internal/observability"
)

// Middleware admits requests carrying a live access token and stores the
// caller in the request context. Every request consults the revocation
// ledger; if the ledger cannot answer the request is refused with 503.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		scheme, tokenStr, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		tokenStr = strings.TrimSpace(tokenStr)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}

		principal, err := service.Authenticate(r.Context(), tokenStr)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionRevoked):
			writeError(w, http.StatusUnauthorized, "session revoked")
			return
		case errors.Is(err, ErrSessionCheckUnavailable):
			observability.CaptureError(err, map[string]string{"component": "auth_middleware"})
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "session check unavailable")
			return
		default:
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole must sit behind Middleware.
func RequireRole(role Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if principal.Role != role {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}
