// handlers/admin.go
package handlers

import (
	"bytes"
	"errors"

	"waitlist-campaign/middleware"
	"waitlist-campaign/models"
	"waitlist-campaign/services"
	"waitlist-campaign/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func page(c *fiber.Ctx) store.Page {
	return store.Page{Cursor: c.Query("cursor"), Limit: c.QueryInt("limit", 0)}
}

func SetupAdminRoutes(app *fiber.App, admin *services.AdminService, pipeline *services.Pipeline, logger *zap.Logger) {
	g := app.Group("/admin", middleware.RequireUser(), middleware.RequireRole(middleware.RoleAdmin))

	g.Get("/accounts", func(c *fiber.Ctx) error {
		list, next, err := admin.Accounts(c.UserContext(), store.AccountQuery{Search: c.Query("search"), Page: page(c)})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"items": list, "next_cursor": next})
	})

	g.Get("/referrals", func(c *fiber.Ctx) error {
		list, next, err := admin.Referrals(c.UserContext(), store.ReferralQuery{
			Status:     models.ReferralStatus(c.Query("status")),
			ReferrerID: c.Query("referrer_id"),
			Page:       page(c),
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"items": list, "next_cursor": next})
	})

	g.Get("/fraud-signals", func(c *fiber.Ctx) error {
		list, next, err := admin.FraudSignals(c.UserContext(), store.SignalQuery{
			AccountID: c.Query("account_id"),
			Category:  models.FraudCategory(c.Query("category")),
			Page:      page(c),
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"items": list, "next_cursor": next})
	})

	g.Get("/leaderboard/snapshots", func(c *fiber.Ctx) error {
		snaps, err := admin.Snapshots(c.UserContext(), c.QueryInt("limit", 10))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"items": snaps})
	})

	g.Post("/flag", func(c *fiber.Ctx) error {
		var req services.FlagRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", err)
		}
		if err := admin.Flag(c.UserContext(), req, middleware.UserID(c)); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(fiber.StatusCreated)
	})

	g.Get("/exports/claim-codes.csv", func(c *fiber.Ctx) error {
		var buf bytes.Buffer
		if _, err := admin.ExportClaimCodes(c.UserContext(), &buf); err != nil {
			return respondError(c, err)
		}
		if c.QueryBool("archive", false) {
			url, err := admin.ArchiveClaimCodes(c.UserContext())
			if err != nil {
				logger.Warn("claim code archive failed", zap.Error(err))
			} else if url != "" {
				c.Set("X-Archive-URL", url)
			}
		}
		c.Set(fiber.HeaderContentType, "text/csv")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="claim-codes.csv"`)
		return c.Send(buf.Bytes())
	})

	g.Post("/pipeline/run", func(c *fiber.Ctx) error {
		report, err := pipeline.Run(c.UserContext())
		if errors.Is(err, models.ErrPipelineBusy) {
			return respondError(c, err)
		}
		if err != nil {
			// A failed stage still reports what ran.
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "pipeline cycle aborted",
				"cause":  err.Error(),
				"report": report,
			})
		}
		return c.JSON(report)
	})
}
