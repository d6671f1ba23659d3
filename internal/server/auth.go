package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// bearerAuth guards internal endpoints with the shared API token. The
// comparison is constant-time so the token never leaks through timing.
func bearerAuth(token string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				log.Error().Msg("internal API token not configured, refusing request")
				writeError(w, r, http.StatusServiceUnavailable, "service not configured")
				return
			}

			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("invalid API token")
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
