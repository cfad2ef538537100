// handlers/routes.go
package handlers

import (
	"strings"
	"time"

	"waitlist-campaign/middleware"
	"waitlist-campaign/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Deps struct {
	Waitlist    *services.WaitlistService
	Leaderboard *services.LeaderboardService
	Wins        *services.SyntheticWinService
	Account     AccountServices
	Admin       *services.AdminService
	Pipeline    *services.Pipeline
	Health      map[string]Pinger
	Gatherer    prometheus.Gatherer
	StreamEvery time.Duration
	Logger      *zap.Logger
}

type AppConfig struct {
	GatewayToken   string
	AllowedOrigins []string
	AccessLog      bool
}

// NewApp builds the Fiber app with every campaign route registered.
func NewApp(cfg AppConfig, deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "waitlist-campaign",
		BodyLimit: 64 * 1024,
	})

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(fiberlogger.New())
	}

	// 🔐 GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, deps.Logger))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Device-Fingerprint",
		ExposeHeaders:    "Content-Length, Content-Type, Retry-After, X-Archive-URL",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(middleware.UserContextMiddleware(deps.Logger))
	app.Use(middleware.ClientContextMiddleware())

	SetupHealthRoutes(app, deps.Health, deps.Gatherer)
	SetupWaitlistRoutes(app, deps.Waitlist)
	SetupLeaderboardRoutes(app, deps.Leaderboard)
	SetupWinsRoutes(app, deps.Wins, deps.StreamEvery, deps.Logger)
	SetupAccountRoutes(app, deps.Account)
	SetupAdminRoutes(app, deps.Admin, deps.Pipeline, deps.Logger)
	return app
}
