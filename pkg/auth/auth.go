// Package auth provides authentication: login-issued HS256 bearer tokens
// and long-lived API keys with permission sets.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/maestro/pkg/config"
)

// Errors surfaced to the HTTP layer.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrAPIKeyNotFound     = errors.New("api key not found")
)

// apiKeyPrefix marks issued keys so they are distinguishable from bearer
// tokens in logs and support requests.
const apiKeyPrefix = "mk_"

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Subject     string   `json:"subject"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	// Method is "jwt" or "api_key".
	Method string `json:"method"`
}

// HasPermission reports whether the identity carries the permission.
// JWT identities are not permission-scoped and always pass.
func (id *Identity) HasPermission(perm string) bool {
	if id == nil {
		return false
	}
	if id.Method != "api_key" {
		return true
	}
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// TokenResponse is the login result.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// APIKey is the stored record of an issued key. Only a hash of the secret
// is kept; the plaintext is returned once at creation.
type APIKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`

	hash string
}

// Service issues and validates tokens and API keys.
type Service struct {
	cfg config.AuthConfig
	key jwk.Key

	mu   sync.Mutex
	keys map[string]*APIKey
}

// NewService builds the auth service from configuration. The signing key is
// the configured shared secret (HS256).
func NewService(cfg config.AuthConfig) (*Service, error) {
	var key jwk.Key
	if cfg.JWTSecret != "" {
		var err error
		key, err = jwk.FromRaw([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("failed to build signing key: %w", err)
		}
	}
	return &Service{
		cfg:  cfg,
		key:  key,
		keys: make(map[string]*APIKey),
	}, nil
}

// Enabled reports whether requests must authenticate.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Login checks the static credentials and issues a short-lived token.
func (s *Service) Login(username, password string) (*TokenResponse, error) {
	var user *config.UserConfig
	for i := range s.cfg.Users {
		u := &s.cfg.Users[i]
		if subtle.ConstantTimeCompare([]byte(u.Username), []byte(username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1 {
			user = u
			break
		}
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	expires := now.Add(s.cfg.TokenTTL)

	builder := jwt.NewBuilder().
		Issuer(s.cfg.Issuer).
		Audience([]string{s.cfg.Audience}).
		Subject(user.Username).
		IssuedAt(now).
		Expiration(expires).
		JwtID(uuid.NewString())
	if user.Role != "" {
		builder = builder.Claim("role", user.Role)
	}
	token, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &TokenResponse{
		AccessToken: string(signed),
		TokenType:   "Bearer",
		ExpiresAt:   expires,
	}, nil
}

// ValidateToken verifies signature, expiry, issuer and audience, and
// extracts the identity.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := &Identity{Subject: token.Subject(), Method: "jwt"}
	if role, ok := token.Get("role"); ok {
		if roleStr, ok := role.(string); ok {
			id.Role = roleStr
		}
	}
	return id, nil
}

// CreateAPIKey issues a new key. The plaintext secret is returned exactly
// once; only its hash is retained.
func (s *Service) CreateAPIKey(name string, permissions []string) (*APIKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate api key: %w", err)
	}
	secret := apiKeyPrefix + hex.EncodeToString(raw)

	if len(permissions) == 0 {
		permissions = []string{"*"}
	}
	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now().UTC(),
		hash:        hashSecret(secret),
	}

	s.mu.Lock()
	s.keys[key.ID] = key
	s.mu.Unlock()
	return key, secret, nil
}

// ValidateAPIKey resolves a presented secret to its identity and touches
// the key's last-used timestamp.
func (s *Service) ValidateAPIKey(secret string) (*Identity, error) {
	h := hashSecret(secret)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key.hash), []byte(h)) == 1 {
			key.LastUsedAt = time.Now().UTC()
			return &Identity{
				Subject:     key.Name,
				Permissions: key.Permissions,
				Method:      "api_key",
			}, nil
		}
	}
	return nil, ErrInvalidToken
}

// ListAPIKeys returns the issued keys, oldest first. Hashes are not exposed.
func (s *Service) ListAPIKeys() []*APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		copied := *key
		copied.hash = ""
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RevokeAPIKey deletes a key by id.
func (s *Service) RevokeAPIKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAPIKeyNotFound, id)
	}
	delete(s.keys, id)
	return nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
