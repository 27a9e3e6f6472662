package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/degentalk/dgt-wallet/internal/config"
	"github.com/degentalk/dgt-wallet/internal/jobs"
	"github.com/degentalk/dgt-wallet/internal/middleware"
	"github.com/degentalk/dgt-wallet/internal/routes"
)

// Server wraps the Fiber application, the scheduler and shared dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	scheduler *jobs.Scheduler
	logger    *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, walletCfg config.Wallet, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	deps := routes.Deps{Cfg: cfg, Wallet: walletCfg, DB: db, Cache: cache, Logger: logger}
	services, err := routes.NewServices(deps)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BodyLimit:    1 << 20,
		ErrorHandler: middleware.ErrorHandler,
	})
	routes.Setup(app, deps, services)

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add(jobs.Reconcile(services.Reconciler, cfg.ReconcileSchedule)); err != nil {
		return nil, err
	}
	if err := scheduler.Add(jobs.ExpireWithdrawals(services.Wallet, cfg.WithdrawalSweepSchedule)); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, scheduler: scheduler, logger: logger}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the scheduler and the HTTP server.
func (s *Server) Listen() error {
	s.scheduler.Start()
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then waits for running jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.app.ShutdownWithContext(ctx)
	jobsErr := s.scheduler.Stop(ctx)
	if jobsErr != nil {
		s.logger.Warn("scheduled jobs did not finish before shutdown", slog.Any("error", jobsErr))
	}
	return errors.Join(httpErr, jobsErr)
}
