package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/imagebatch/internal/auth"
	"github.com/makeasinger/imagebatch/pkg/response"
)

// tokenTTL is the lifetime of tokens minted by GenerateToken
const tokenTTL = 24 * time.Hour

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	jwtSecret string
}

// NewAuthMiddleware creates auth middleware using HMAC signed tokens
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.jwtSecret == "" {
			return response.Unauthorized(c, "Authentication not configured")
		}

		token, err := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return response.Unauthorized(c, "Missing or malformed bearer token")
		}

		claims, err := auth.Verify(token, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", claims.User())
		c.Locals("email", claims.Email)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}

// GenerateToken creates a new HMAC JWT token (useful for testing)
func (m *AuthMiddleware) GenerateToken(userID, email string) (string, error) {
	return auth.Sign(m.jwtSecret, userID, email, tokenTTL)
}
