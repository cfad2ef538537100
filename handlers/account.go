// handlers/account.go
package handlers

import (
	"waitlist-campaign/middleware"
	"waitlist-campaign/services"

	"github.com/gofiber/fiber/v2"
)

type AccountServices struct {
	Chest        *services.ChestService
	Profiles     *services.ProfileService
	Verification *services.VerificationService
}

type verifyChannelRequest struct {
	TelegramID int64 `json:"telegram_id"`
}

// SetupAccountRoutes registers the routes that act on the caller's account.
func SetupAccountRoutes(app *fiber.App, svc AccountServices) {
	// Per-route, not a "/" group: a group on "/" would gate every later route.
	user := middleware.RequireUser()
	// Runs after RequireUser on routes that act on the account.
	observe := func(c *fiber.Ctx) error {
		svc.Verification.RecordClient(c.UserContext(), middleware.UserID(c), middleware.ClientIP(c), middleware.DeviceFingerprint(c))
		return c.Next()
	}

	app.Post("/chest/open", user, observe, func(c *fiber.Ctx) error {
		res, err := svc.Chest.OpenChest(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	app.Get("/me", user, func(c *fiber.Ctx) error {
		p, err := svc.Profiles.Get(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(p)
	})

	app.Get("/me/referrals", user, func(c *fiber.Ctx) error {
		stats, err := svc.Profiles.Referrals(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(stats)
	})

	app.Post("/verify/email", user, observe, func(c *fiber.Ctx) error {
		acct, err := svc.Verification.VerifyEmail(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"email_verified": acct.EmailVerified, "channel_verified": acct.ChannelVerified})
	})

	app.Post("/verify/channel", user, observe, func(c *fiber.Ctx) error {
		var req verifyChannelRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", err)
		}
		acct, err := svc.Verification.VerifyChannel(c.UserContext(), middleware.UserID(c), req.TelegramID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"email_verified": acct.EmailVerified, "channel_verified": acct.ChannelVerified})
	})
}
