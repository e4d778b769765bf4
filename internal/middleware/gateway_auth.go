package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/imagebatch/internal/auth"
	"github.com/makeasinger/imagebatch/pkg/response"
)

// GatewayAuthMiddleware trusts the identity a gateway forwarded after calling
// /auth/verify. Batches are owned by the forwarded user id.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(auth.HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing "+auth.HeaderUserID+" header")
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get(auth.HeaderUserEmail))
		c.Locals("name", c.Get(auth.HeaderUserName))
		return c.Next()
	}
}
