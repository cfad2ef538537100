// handlers/leaderboard.go
package handlers

import (
	"waitlist-campaign/models"
	"waitlist-campaign/services"

	"github.com/gofiber/fiber/v2"
)

const maxTopN = 100

func SetupLeaderboardRoutes(app *fiber.App, leaderboard *services.LeaderboardService) {
	top := func(c *fiber.Ctx, n int) error {
		rows, err := leaderboard.TopN(c.UserContext(), n)
		if err != nil {
			return respondError(c, err)
		}
		entries := make([]models.LeaderboardEntry, len(rows))
		for i, r := range rows {
			entries[i] = r.Public()
		}
		return c.JSON(fiber.Map{"entries": entries})
	}

	app.Get("/leaderboard/top10", func(c *fiber.Ctx) error {
		return top(c, 10)
	})

	app.Get("/leaderboard/top", func(c *fiber.Ctx) error {
		n := c.QueryInt("n", 10)
		if n < 1 || n > maxTopN {
			return badRequest(c, "n must be between 1 and 100", nil)
		}
		return top(c, n)
	})
}
