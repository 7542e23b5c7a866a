// Package middleware holds the chi middleware shared by the HTTP servers.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermOrdersWrite    = "orders.write"
	PermOrdersRead     = "orders.read"
	PermOrdersFulfil   = "orders.fulfil"
	PermInventoryWrite = "inventory.write"
	PermInventoryRead  = "inventory.read"
)

type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Authz validates the HS256 bearer token the front-end service presents and
// checks its perms claim.
type Authz struct {
	cfg AuthConfig
}

func NewAuthz(cfg AuthConfig) *Authz {
	return &Authz{cfg: cfg}
}

type subjectKey struct{}

// Subject returns the sub claim of the authenticated caller.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

func (a *Authz) Require(requiredPerms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauth(w, "invalid_request", "missing bearer token")
				return
			}

			opts := []jwt.ParserOption{
				jwt.WithLeeway(30 * time.Second),
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			}
			if a.cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
			}
			if a.cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(a.cfg.Audience))
			}
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (any, error) {
				return []byte(a.cfg.Secret), nil
			}, opts...)
			if err != nil || !token.Valid {
				unauth(w, "invalid_token", "invalid jwt")
				return
			}

			if !hasAll(extractPerms(claims), requiredPerms) {
				forbidden(w, "insufficient_scope", "missing required permissions")
				return
			}

			sub, _ := claims.GetSubject()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
		})
	}
}

func extractPerms(claims jwt.MapClaims) map[string]bool {
	out := map[string]bool{}
	if arr, ok := claims["perms"].([]any); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok && s != "" {
				out[s] = true
			}
		}
	}
	return out
}

func hasAll(have map[string]bool, req []string) bool {
	for _, r := range req {
		if !have[r] {
			return false
		}
	}
	return true
}

func unauth(w http.ResponseWriter, code, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	writeError(w, http.StatusUnauthorized, code, desc)
}

func forbidden(w http.ResponseWriter, code, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	writeError(w, http.StatusForbidden, code, desc)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
