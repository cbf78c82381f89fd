package server

import (
	"net/http"
	"strings"

	"github.com/glowback/gateway/internal/observability"
)

// apiKeyFrom pulls the caller's credential from, in order, a bearer token,
// the X-API-Key header, or the api_key query parameter.
func apiKeyFrom(r *http.Request) string {
	const bearer = "bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(bearer) && strings.EqualFold(auth[:len(bearer)], bearer) {
		return strings.TrimSpace(auth[len(bearer):])
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// withAuth enforces API-key auth when keys are configured. An empty key set
// leaves the gateway open, matching single-tenant deployments.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 || r.URL.Path == healthPath {
			next.ServeHTTP(w, r)
			return
		}
		key := apiKeyFrom(r)
		if _, ok := s.apiKeys[key]; key == "" || !ok {
			status := "absent"
			if key != "" {
				status = "present"
			}
			observability.Log().Warn("api key rejected",
				observability.Field{Key: "method", Value: r.Method},
				observability.Field{Key: "path", Value: r.URL.Path},
				observability.Field{Key: "client", Value: clientIP(r)},
				observability.Field{Key: "key_status", Value: status},
			)
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
