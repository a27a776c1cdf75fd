package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// exemptFromAuth reports whether a path is reachable without credentials.
// Health checkers and metric scrapers rarely support auth headers.
func exemptFromAuth(path string) bool {
	return path == "/health" || path == "/metrics"
}

// authMiddleware guards the tile and region API with a bearer token. When
// no AuthToken is configured the middleware is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare(got, want) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) ([]byte, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, false
	}
	return []byte(strings.TrimPrefix(auth, "Bearer ")), true
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
