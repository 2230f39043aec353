package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/config"
)

func testConfig() config.AuthConfig {
	cfg := config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret-with-enough-entropy",
		Users: []config.UserConfig{
			{Username: "admin", Password: "hunter2", Role: "admin"},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestLoginAndValidate(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)

	token, err := svc.Login("admin", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.True(t, token.ExpiresAt.After(time.Now()))

	identity, err := svc.ValidateToken(context.Background(), token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", identity.Subject)
	assert.Equal(t, "admin", identity.Role)
	assert.Equal(t, "jwt", identity.Method)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)

	_, err = svc.Login("admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login("nobody", "hunter2")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateRejectsForgedToken(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)

	other := testConfig()
	other.JWTSecret = "a-different-secret-entirely-here"
	forger, err := NewService(other)
	require.NoError(t, err)

	token, err := forger.Login("admin", "hunter2")
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), token.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)

	key, secret, err := svc.CreateAPIKey("ci", []string{"agents:read"})
	require.NoError(t, err)
	assert.True(t, len(secret) > len(apiKeyPrefix))

	identity, err := svc.ValidateAPIKey(secret)
	require.NoError(t, err)
	assert.Equal(t, "ci", identity.Subject)
	assert.Equal(t, "api_key", identity.Method)
	assert.True(t, identity.HasPermission("agents:read"))
	assert.False(t, identity.HasPermission("agents:write"))

	listed := svc.ListAPIKeys()
	require.Len(t, listed, 1)
	assert.Equal(t, key.ID, listed[0].ID)

	require.NoError(t, svc.RevokeAPIKey(key.ID))
	_, err = svc.ValidateAPIKey(secret)
	require.Error(t, err)

	require.ErrorIs(t, svc.RevokeAPIKey(key.ID), ErrAPIKeyNotFound)
}

func TestMiddleware(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)

	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if ok {
			w.Header().Set("X-Subject", identity.Subject)
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("exempt paths pass through", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/auth/login"} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})

	t.Run("missing credentials rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		token, err := svc.Login("admin", "hunter2")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/agents", nil)
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "admin", rec.Header().Get("X-Subject"))
	})

	t.Run("api key accepted in either header", func(t *testing.T) {
		_, secret, err := svc.CreateAPIKey("ci", nil)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/agents", nil)
		req.Header.Set("X-API-Key", secret)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/agents", nil)
		req.Header.Set("Authorization", "Bearer "+secret)
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("disabled auth passes everything", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		open, err := NewService(cfg)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		open.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
