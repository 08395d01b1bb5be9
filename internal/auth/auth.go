// Package auth guards the ops API. A static API key covers the single-user
// deployment shape; an empty key disables authentication entirely.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Noop passes every request through unchanged.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey validates requests against a static key carried in
// "Authorization: Bearer <key>". GET /health stays reachable without
// credentials so load balancers can probe it. Comparison is constant-time.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return Noop()
	}
	keyBytes := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), keyBytes) != 1 {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
