package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/voxguard/voxguard/internal/ports"
)

type contextKey string

const claimsContextKey contextKey = "auth_claims"

// Auth guards the introspection API with the same admission tokens the
// gateway accepts.
func Auth(verifier ports.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				log.Printf("WARNING: stats API token rejected (path=%s): %v", r.URL.Path, err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the verified claims, or nil outside an Auth route.
func GetClaims(ctx context.Context) *ports.AuthClaims {
	claims, ok := ctx.Value(claimsContextKey).(*ports.AuthClaims)
	if !ok {
		return nil
	}
	return claims
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
