// handlers/wins.go
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"waitlist-campaign/services"
	"waitlist-campaign/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	defaultWinsLimit = 24
	maxWinsLimit     = 50
)

func SetupWinsRoutes(app *fiber.App, wins *services.SyntheticWinService, pollEvery time.Duration, logger *zap.Logger) {
	app.Get("/wins/latest", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", defaultWinsLimit)
		if limit < 1 || limit > maxWinsLimit {
			return badRequest(c, "limit must be between 1 and 50", nil)
		}
		list, err := wins.Latest(c.UserContext(), limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"wins": list})
	})

	app.Get("/wins/stream", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		done := c.Context().Done()
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			streamWins(w, wins, pollEvery, done, logger)
		})
		return nil
	})
}

// streamWins writes each new win as an SSE "win" event until the client goes
// away or the server shuts down.
func streamWins(w *bufio.Writer, wins *services.SyntheticWinService, pollEvery time.Duration, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	// Start past the newest stored win; ties on created_at break on id.
	cursor := store.WinCursor{At: time.Now()}
	if latest, err := wins.Latest(context.Background(), 1); err == nil && len(latest) > 0 {
		cursor = store.WinCursorOf(latest[0])
	}

	// Initial keepalive (comment event)
	_, _ = w.WriteString(":\n\n")
	if err := w.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pollEvery)
			fresh, err := wins.After(ctx, cursor, maxWinsLimit)
			cancel()
			if err != nil {
				logger.Warn("wins stream query failed", zap.Error(err))
				continue
			}
			if len(fresh) == 0 {
				_, _ = w.WriteString(":\n\n")
			}
			for _, win := range fresh {
				payload, _ := json.Marshal(win)
				fmt.Fprintf(w, "event: win\ndata: %s\n\n", payload)
				cursor = store.WinCursorOf(win)
			}
			if err := w.Flush(); err != nil {
				// Client disconnected
				return
			}
		case <-done:
			return
		}
	}
}
