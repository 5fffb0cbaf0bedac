package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-for-auth"

func TestGenerateAndValidateToken(t *testing.T) {
	t.Setenv("TETHER_AUTH_SECRET", testSecret)

	token, err := GenerateToken("cli", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	am := NewAuthMiddleware()
	require.NotNil(t, am)

	claims, err := am.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "cli", claims.Source)
	assert.Greater(t, claims.ExpiresAt, time.Now().Unix())
}

func TestGenerateTokenWithoutSecret(t *testing.T) {
	t.Setenv("TETHER_AUTH_SECRET", "")

	_, err := GenerateToken("cli", time.Hour)
	assert.Error(t, err)
	assert.Nil(t, NewAuthMiddleware())
}

func TestValidateTokenRejections(t *testing.T) {
	t.Setenv("TETHER_AUTH_SECRET", testSecret)
	am := NewAuthMiddleware()

	t.Run("malformed", func(t *testing.T) {
		_, err := am.ValidateToken("not-a-token")
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := GenerateToken("cli", -time.Minute)
		require.NoError(t, err)

		_, err = am.ValidateToken(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := GenerateToken("cli", time.Hour)
		require.NoError(t, err)

		t.Setenv("TETHER_AUTH_SECRET", "another-secret")
		other := NewAuthMiddleware()
		_, err = other.ValidateToken(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature")
	})

	t.Run("tampered payload", func(t *testing.T) {
		token, err := GenerateToken("cli", time.Hour)
		require.NoError(t, err)

		parts := strings.Split(token, ".")
		parts[1] = parts[1][:len(parts[1])-2] + "xx"
		_, err = am.ValidateToken(strings.Join(parts, "."))
		assert.Error(t, err)
	})
}

func TestValidateForRefresh(t *testing.T) {
	t.Setenv("TETHER_AUTH_SECRET", testSecret)
	am := NewAuthMiddleware()

	t.Run("valid token passes", func(t *testing.T) {
		token, err := GenerateToken("mobile", time.Hour)
		require.NoError(t, err)

		claims, err := am.ValidateForRefresh(token)
		require.NoError(t, err)
		assert.Equal(t, "mobile", claims.Source)
	})

	t.Run("recently expired token passes", func(t *testing.T) {
		token, err := GenerateToken("mobile", -time.Hour)
		require.NoError(t, err)

		claims, err := am.ValidateForRefresh(token)
		require.NoError(t, err)
		assert.Equal(t, "mobile", claims.Source)
	})

	t.Run("token expired past grace is rejected", func(t *testing.T) {
		token, err := GenerateToken("mobile", -(RefreshGrace + time.Hour))
		require.NoError(t, err)

		_, err = am.ValidateForRefresh(token)
		assert.Error(t, err)
	})

	t.Run("bad signature is rejected even when expired", func(t *testing.T) {
		token, err := GenerateToken("mobile", -time.Minute)
		require.NoError(t, err)

		t.Setenv("TETHER_AUTH_SECRET", "another-secret")
		other := NewAuthMiddleware()
		_, err = other.ValidateForRefresh(token)
		assert.Error(t, err)
	})
}

func newAuthTestApp(am *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Use(am.RequireAuth)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Post("/v1/auth/token", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/v1/sessions", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestRequireAuth(t *testing.T) {
	t.Setenv("TETHER_AUTH_SECRET", testSecret)
	am := NewAuthMiddleware()
	app := newAuthTestApp(am)

	token, err := GenerateToken("cli", time.Hour)
	require.NoError(t, err)

	t.Run("health is always open", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("token endpoint is open", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("POST", "/v1/auth/token", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/sessions", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bearer header is accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("cookie is accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/sessions", nil)
		req.AddCookie(&http.Cookie{Name: "tether_token", Value: token})
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("query parameter is accepted", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/sessions?token="+token, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/sessions", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestRequireAuthDisabled(t *testing.T) {
	var am *AuthMiddleware
	app := newAuthTestApp(am)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
