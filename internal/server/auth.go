package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

// Roles carried in the token's role claim.
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// Claims are the bearer token claims the API reads.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type claimsKey struct{}

// claimsFrom returns the verified claims stored by the auth middleware.
func claimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// parseToken verifies an HS256 token. A token without a role claim is a
// student token.
func parseToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("server: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, eris.Wrap(err, "server: invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, eris.New("server: invalid token claims")
	}
	if claims.Role == "" {
		claims.Role = RoleStudent
	}
	return claims, nil
}

// requireRole rejects requests without a valid bearer token (401) or whose
// token carries another role (403).
func requireRole(secret []byte, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := parseToken(secret, strings.TrimSpace(raw))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.Role != role {
				writeError(w, http.StatusForbidden, "requires role "+role)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
