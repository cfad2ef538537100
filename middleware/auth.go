// middleware/auth.go
package middleware

import (
	"slices"
	"strings"

	"waitlist-campaign/models"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	LocalUserID    = "user_id"
	LocalUserRoles = "user_roles"

	RoleAdmin = "admin"
)

// UserContextMiddleware extracts the account id and roles set by the Gateway.
// Routes that need an identity add RequireUser.
func UserContextMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserRoles, roles)

		logger.Debug("user context",
			zap.String("user_id", userID),
			zap.Strings("roles", roles),
			zap.String("path", c.Path()))
		return c.Next()
	}
}

// RequireUser rejects requests without a well-formed X-User-ID.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := UserID(c)
		if id == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}
		if !models.IsID(id) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "malformed X-User-ID",
			})
		}
		return c.Next()
	}
}

// RequireRole rejects requests whose roles lack role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !slices.Contains(Roles(c), role) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "forbidden",
				"cause": "requires role " + role,
			})
		}
		return c.Next()
	}
}

func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}

func Roles(c *fiber.Ctx) []string {
	roles, _ := c.Locals(LocalUserRoles).([]string)
	return roles
}
