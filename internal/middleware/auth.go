package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tetherhq/tether/internal/logger"
)

// Claims carried by a tether bearer token.
type Claims struct {
	Source    string `json:"source"` // "cli", "web" or "mobile"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// AuthMiddleware validates HMAC-signed bearer tokens. A nil middleware (no
// TETHER_AUTH_SECRET configured) passes everything through.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates the middleware from the environment.
func NewAuthMiddleware() *AuthMiddleware {
	secret := os.Getenv("TETHER_AUTH_SECRET")
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireAuth checks for a valid token on every request except the health
// check and the token endpoint itself.
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}

	path := c.Path()
	if path == "/health" || path == "/v1/auth/token" {
		return c.Next()
	}

	token := am.extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	claims, err := am.ValidateToken(token)
	if err != nil {
		logger.Debugf("auth failed: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or expired token",
		})
	}

	c.Locals("claims", claims)
	return c.Next()
}

// extractToken looks in the Authorization header, the cookie, and the query
// string. WebSocket attach requests can only carry the query parameter.
func (am *AuthMiddleware) extractToken(c *fiber.Ctx) string {
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if cookie := c.Cookies("tether_token"); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// ValidateToken verifies the signature and expiry of a token.
func (am *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	signatureInput := parts[0] + "." + parts[1]
	h := hmac.New(sha256.New, am.secret)
	h.Write([]byte(signatureInput))
	expected := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("invalid signature")
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	return &claims, nil
}

// RefreshGrace is how long past expiry a token is still accepted as proof
// of identity for a refresh. Mobile clients that were backgrounded longer
// than this must pair again.
const RefreshGrace = 24 * time.Hour

// ValidateForRefresh verifies the signature of a possibly expired token.
// The expiry must fall within RefreshGrace.
func (am *AuthMiddleware) ValidateForRefresh(tokenString string) (*Claims, error) {
	claims, err := am.ValidateToken(tokenString)
	if err == nil {
		return claims, nil
	}
	if !strings.Contains(err.Error(), "expired") {
		return nil, err
	}

	// Re-parse to check how stale the expiry is; the signature was already
	// verified before the expiry check rejected it.
	parts := strings.Split(tokenString, ".")
	payloadJSON, _ := base64.RawURLEncoding.DecodeString(parts[1])
	var stale Claims
	if err := json.Unmarshal(payloadJSON, &stale); err != nil {
		return nil, err
	}
	if time.Since(time.Unix(stale.ExpiresAt, 0)) > RefreshGrace {
		return nil, fmt.Errorf("token too old to refresh")
	}
	return &stale, nil
}

// GenerateToken issues a signed token for the given source and lifetime.
func GenerateToken(source string, duration time.Duration) (string, error) {
	secret := os.Getenv("TETHER_AUTH_SECRET")
	if secret == "" {
		return "", fmt.Errorf("TETHER_AUTH_SECRET not set")
	}

	now := time.Now()
	claims := Claims{
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	headerEncoded := base64.RawURLEncoding.EncodeToString(headerJSON)
	claimsEncoded := base64.RawURLEncoding.EncodeToString(claimsJSON)

	signatureInput := headerEncoded + "." + claimsEncoded
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signatureInput))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return signatureInput + "." + signature, nil
}
