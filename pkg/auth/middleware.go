package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey struct{}

// identityKey carries the authenticated identity through the request context.
var identityKey = contextKey{}

// IdentityFromContext returns the request's identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// exempt paths never require authentication.
func exempt(path string) bool {
	return path == "/auth/login" || path == "/healthz"
}

// Middleware authenticates requests from either a bearer token or an
// X-API-Key header. When auth is disabled it is a pass-through.
func (s *Service) Middleware(next http.Handler) http.Handler {
	if !s.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := s.authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func (s *Service) authenticate(r *http.Request) (*Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return s.ValidateAPIKey(key)
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrInvalidToken
	}
	if strings.HasPrefix(token, apiKeyPrefix) {
		return s.ValidateAPIKey(token)
	}
	return s.ValidateToken(r.Context(), token)
}
