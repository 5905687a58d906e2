package handlers

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RequireAPIKey gates every route behind a shared client key. The server
// keeps only the bcrypt hash; the plaintext key travels in X-Api-Key.
func RequireAPIKey(keyHash string) func(http.Handler) http.Handler {
	hash := []byte(strings.TrimSpace(keyHash))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("X-Api-Key"))
			if key == "" {
				http.Error(w, "missing api key", http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
