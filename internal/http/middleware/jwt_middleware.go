package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/diagnosis/turnstile/internal/http/response"
	"github.com/diagnosis/turnstile/pkg/auth"
)

type ctxKey string

const CtxClaims ctxKey = "claims"

// RequireRole admits requests carrying a valid operator token whose role is
// one of roles. With no roles any valid token passes.
func RequireRole(secret string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				response.Unauthorized(w, "invalid authorization header")
				return
			}
			raw := strings.TrimPrefix(authz, "Bearer ")
			claims, err := auth.Parse(raw, secret)
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					response.WriteError(w, http.StatusUnauthorized, "token expired", response.CodeExpiredToken)
					return
				}
				response.WriteError(w, http.StatusUnauthorized, "invalid authorization token", response.CodeInvalidToken)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
				response.Forbidden(w, "role not allowed")
				return
			}
			ctx := context.WithValue(r.Context(), CtxClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func Claims(r *http.Request) *auth.Claims {
	v := r.Context().Value(CtxClaims)
	if v == nil {
		return nil
	}
	return v.(*auth.Claims)
}
