// Package ops is the operational HTTP surface: health, readiness, metrics and
// a small authenticated internal API. It is not a public API.
package ops

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"greeting-service/internal/db"
	"greeting-service/internal/provider"
	natsq "greeting-service/internal/queue/nats"
	"greeting-service/internal/scheduler"
)

// Deps are the probes and handles the server exposes. Nil fields are simply
// not wired: the worker process runs without a Runner, the scheduler process
// without a Sender.
type Deps struct {
	Logger     *zap.Logger
	Postgres   *db.PostgresDB
	Redis      *db.RedisDB
	Queue      *natsq.Queue
	Runner     *scheduler.Runner
	Daily      scheduler.Job
	Sender     provider.Sender
	APIKeyHash string
}

type Server struct {
	app  *fiber.App
	deps Deps
}

func NewServer(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{app: app, deps: deps}

	app.Get("/healthz", s.healthz)
	app.Get("/readyz", s.readyz)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	internal := app.Group("/internal", s.requireAPIKey)
	internal.Get("/schedulers", s.schedulers)
	internal.Get("/circuit", s.circuit)
	internal.Post("/precalculate", s.precalculate)

	return s
}

func (s *Server) Listen(port string) error {
	return s.app.Listen(":" + port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// readyz checks every wired dependency. A single unreachable dependency
// fails readiness so the orchestrator stops routing to this instance.
func (s *Server) readyz(c *fiber.Ctx) error {
	ctx := c.Context()
	checks := fiber.Map{}
	healthy := true

	if s.deps.Postgres != nil {
		if err := s.deps.Postgres.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}
	if s.deps.Queue != nil {
		if err := s.deps.Queue.HealthCheck(ctx); err != nil {
			checks["nats"] = err.Error()
			healthy = false
		} else {
			checks["nats"] = "ok"
		}
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(checks)
	}
	return c.JSON(checks)
}

// requireAPIKey guards the internal group with a bcrypt-hashed key. An empty
// configured hash disables the group entirely rather than leaving it open.
func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	if s.deps.APIKeyHash == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}

	key := c.Get("X-API-Key")
	if key == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing API key"})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.deps.APIKeyHash), []byte(key)); err != nil {
		s.deps.Logger.Warn("rejected internal API request", zap.String("path", c.Path()))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid API key"})
	}
	return c.Next()
}

func (s *Server) schedulers(c *fiber.Ctx) error {
	if s.deps.Runner == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no schedulers in this process"})
	}
	return c.JSON(s.deps.Runner.Status())
}

func (s *Server) circuit(c *fiber.Ctx) error {
	if s.deps.Sender == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no vendor client in this process"})
	}
	return c.JSON(fiber.Map{"state": s.deps.Sender.State()})
}

// precalculate triggers the daily job outside its schedule, for catch-up
// after an outage. The run happens in the background; the overlap guard
// rejects it if a scheduled run is already in flight.
func (s *Server) precalculate(c *fiber.Ctx) error {
	if s.deps.Runner == nil || s.deps.Daily == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no schedulers in this process"})
	}

	go s.deps.Runner.RunNow(s.deps.Daily)

	s.deps.Logger.Info("on-demand precalculation triggered")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "triggered"})
}
