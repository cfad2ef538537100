// handlers/waitlist.go
package handlers

import (
	"waitlist-campaign/middleware"
	"waitlist-campaign/services"

	"github.com/gofiber/fiber/v2"
)

type joinResponse struct {
	AccountID    string `json:"account_id"`
	Contact      string `json:"contact"`
	ReferralCode string `json:"referral_code"`
	ClaimCode    string `json:"claim_code"`
	Referred     bool   `json:"referred"`
}

func SetupWaitlistRoutes(app *fiber.App, waitlist *services.WaitlistService) {
	app.Post("/waitlist", func(c *fiber.Ctx) error {
		var req services.JoinRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", err)
		}
		req.IP = middleware.ClientIP(c)
		req.DeviceFingerprint = middleware.DeviceFingerprint(c)

		res, err := waitlist.Join(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(joinResponse{
			AccountID:    res.Account.ID,
			Contact:      res.Account.Contact,
			ReferralCode: res.Account.ReferralCode,
			ClaimCode:    res.Account.ClaimCode,
			Referred:     res.Referral != nil,
		})
	})
}
