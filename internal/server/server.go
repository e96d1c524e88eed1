package server

import (
	"context"
	"errors"

	"backend-drivertrack/internal/auth"
	"backend-drivertrack/internal/config"
	"backend-drivertrack/internal/db"
	"backend-drivertrack/internal/ingest"
	"backend-drivertrack/internal/session"
	"backend-drivertrack/internal/stream"

	"cdr.dev/slog/v3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       db.Querier
	Redis    *redis.Client
	Stream   *stream.Hub
	Registry *prometheus.Registry
	Log      slog.Logger
}

// NewServer wires the HTTP API. ctx bounds the stream hub's Redis
// subscription.
func NewServer(ctx context.Context, cfg config.Config, q db.Querier, redisClient *redis.Client, log slog.Logger) *Server {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	app.Use(recover.New())
	app.Use(logger.New())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       q,
		Redis:    redisClient,
		Stream:   stream.NewHub(ctx, redisClient, log),
		Registry: reg,
		Log:      log,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))

	authSvc := auth.NewService(s.Cfg.JWTSecret, s.DB)
	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	driverOnly := auth.RequireRole(authSvc, auth.RoleDriver)

	ingestMetrics := ingest.NewMetrics()
	ingestMetrics.Register(s.Registry)

	auth.RegisterRoutes(s.App.Group("/auth"), authSvc)
	session.RegisterRoutes(s.App.Group("/sessions", jwtMiddleware, driverOnly), session.NewService(s.DB))
	ingest.RegisterRoutes(
		s.App.Group("/locations", jwtMiddleware, driverOnly),
		ingest.NewService(s.DB, s.Stream, ingestMetrics, s.Log),
		s.Cfg.BatchRateLimit,
	)
	stream.RegisterRoutes(
		s.App.Group("/stream", jwtMiddleware, auth.RequireRole(authSvc, auth.RoleDriver, auth.RoleDispatcher, auth.RoleAdmin)),
		s.Stream,
	)
}

// errorHandler renders every error as {"error": message}. Messages of
// errors that are not *fiber.Error are not exposed.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
