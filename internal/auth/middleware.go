package auth

import (
	"context"
	"log"
	"net/http"
	"strings"
)

type contextKey string

const claimsKey contextKey = "auth.claims"

// ClaimsFromContext returns the claims attached by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// publicPaths never require a token.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware enforces bearer-token auth and the viewer/operator split:
// viewers are rejected on mutating methods. An empty secret disables auth
// entirely; the caller logs the warning at startup.
func Middleware(secret []byte, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := ParseJWT(strings.TrimPrefix(header, "Bearer "), secret)
			if err != nil {
				logger.Printf("auth: rejected token: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			role, _ := NormalizeRole(claims.Role)
			if role != RoleOperator && mutating(r.Method) {
				http.Error(w, "operator role required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
