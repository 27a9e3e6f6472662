package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/degentalk/dgt-wallet/internal/metrics"
	"github.com/degentalk/dgt-wallet/internal/middleware"
	"github.com/degentalk/dgt-wallet/internal/postings"
	"github.com/degentalk/dgt-wallet/internal/wallet"
)

const (
	withdrawalsPerMinute = 5
	transfersPerMinute   = 30
)

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, s *Services) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(metrics.Middleware())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", metrics.Handler())

	walletHandler := wallet.NewHandler(s.Wallet)
	postingsHandler := postings.NewHandler(s.Postings)

	// Provider callbacks authenticate by signature and carry no Idempotency-Key.
	app.Post("/webhooks/:provider", walletHandler.Webhook)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c.UserContext()),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	user := api.Group("", middleware.JWTAuth([]byte(d.Cfg.JWTSecret)), middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterWalletRoutes(user, walletHandler, middleware.RateLimit(d.Cache, "withdraw", withdrawalsPerMinute), middleware.RateLimit(d.Cache, "transfer", transfersPerMinute))

	internal := app.Group("/internal/v1", middleware.ServiceKey(d.Cfg.ServiceKeyHashes), middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterPostingRoutes(internal, postingsHandler)
}
