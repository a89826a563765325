package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the request's API token against the configured one. An
// empty configured token disables auth. Comparison is constant-time.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ExtractToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// ExtractToken extracts an API token from the request. It checks, in
// order: Authorization: Bearer <token>, the X-API-Key header, and the
// api_key query param (the query param exists for WebSocket clients that
// cannot set headers).
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
