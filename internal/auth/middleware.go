package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/observability"
)

type claimsContextKey struct{}
type tokenContextKey struct{}

// Middleware validates the Authorization bearer and stores the claims and
// the raw token on the request context. The raw token is kept because the
// executor forwards it as the subject token for downstream exchange.
func Middleware(v Validator, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, "missing authorization header")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				writeUnauthorized(w, "expected bearer token")
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				if logger != nil {
					logger.Warn(r.Context(), "bearer rejected", "error", err)
				}
				writeUnauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			ctx = context.WithValue(ctx, tokenContextKey{}, token)
			if sub := claims.Subject(); sub != "" {
				ctx = observability.AddUserID(ctx, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(Claims)
	return c, ok
}

// TokenFromContext returns the raw bearer stored by Middleware.
func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenContextKey{}).(string)
	return t, ok
}
