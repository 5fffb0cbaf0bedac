package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/middleware"
)

// AuthHandler issues and refreshes bearer tokens. Initial pairing happens
// outside this core; this endpoint exchanges a previously issued (possibly
// recently expired) token for a fresh one.
type AuthHandler struct {
	auth *middleware.AuthMiddleware
}

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 12 * time.Hour

// TokenResponse carries a freshly issued token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(auth *middleware.AuthMiddleware) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// RegisterRoutes registers auth routes on the v1 router.
func (h *AuthHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Post("/auth/token", h.RefreshToken)
}

// RefreshToken exchanges an existing token for a fresh one
// @Summary Refresh bearer token
// @Description Requires a valid or recently expired token as proof of identity
// @Tags auth
// @Produce json
// @Success 200 {object} TokenResponse
// @Router /v1/auth/token [post]
func (h *AuthHandler) RefreshToken(c *fiber.Ctx) error {
	if h.auth == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "authentication is not enabled",
		})
	}

	var req struct {
		Token  string `json:"token"`
		Source string `json:"source"`
	}
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "token is required",
		})
	}

	claims, err := h.auth.ValidateForRefresh(req.Token)
	if err != nil {
		logger.Debugf("token refresh rejected: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid token",
		})
	}

	source := req.Source
	if source == "" {
		source = claims.Source
	}

	token, err := middleware.GenerateToken(source, TokenTTL)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(TokenTTL),
	})
}
