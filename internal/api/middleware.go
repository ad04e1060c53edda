/**
 * @description
 * This file contains custom middleware for the HTTP router. The
 * settlement-service exposes an internal, service-to-service surface
 * only, authenticated with a shared API key.
 *
 * @dependencies
 * - crypto/subtle, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
)

// InternalAuthMiddleware validates the shared internal API key carried
// in the x-internal-api-key header. The comparison is constant-time.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				http.Error(w, "internal API key is not configured", http.StatusServiceUnavailable)
				return
			}
			provided := r.Header.Get("x-internal-api-key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "invalid or missing internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
