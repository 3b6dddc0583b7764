package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireBasicAuth checks the request credentials against the configured
// users.
func (s *server) requireBasicAuth(next http.Handler) http.Handler {
	users := make(map[string]string, len(s.cfg.Auth.Basic.Users))
	for _, u := range s.cfg.Auth.Basic.Users {
		users[u.Username] = u.PasswordHash
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="sweepoor"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{"authentication required"})

			return
		}

		hash, known := users[username]
		if !known || !checkPassword(hash, password) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{"invalid credentials"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkPassword compares a bcrypt hash with a plaintext password.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword(
		[]byte(hash), []byte(password),
	) == nil
}
