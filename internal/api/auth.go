package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware requires "Authorization: Bearer <api.token>" on every route
// it wraps. Connection strings come back from these routes, so a missing
// token with require_token set rejects everything.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing authorization header")
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			unauthorized(w, "invalid authorization header format")
			return
		}

		if !validateToken(token, s.cfg.API.Token, s.cfg.API.RequireToken) {
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pgbranch"`)
	writeError(w, http.StatusUnauthorized, message)
}

// validateToken compares in constant time. An unset expected token only
// passes when tokens are not required.
func validateToken(provided, expected string, required bool) bool {
	if expected == "" {
		return !required
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
