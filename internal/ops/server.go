// Package ops serves the operational HTTP surface: probes, Prometheus
// metrics, and a small read-only JSON API over the leaderboards.
package ops

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/stevencarpenter/pp-bot/internal/health"
	"github.com/stevencarpenter/pp-bot/internal/metrics"
	"github.com/stevencarpenter/pp-bot/internal/store"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// ReadStore is the slice of the persistence layer the ops API reads from.
type ReadStore interface {
	GetTopUsers(ctx context.Context, limit int) ([]store.Entry, error)
	GetTopThings(ctx context.Context, limit int) ([]store.Entry, error)
	GetRecentVotes(ctx context.Context, targetID string, limit int) ([]store.VoteRecord, error)
	GetStats(ctx context.Context) (store.Stats, error)
}

// Server is the ops Fiber application.
type Server struct {
	app    *fiber.App
	addr   string
	logger zerolog.Logger
}

// NewServer creates and configures the ops server.
func NewServer(addr string, checker *health.Checker, m *metrics.Metrics, reads ReadStore, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		addr:   addr,
		logger: logger.With().Str("component", "ops_server").Logger(),
	}

	app.Use(recover.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		results := checker.RunAll(c.Context())
		ready := true
		for _, st := range results {
			if st == health.StatusDown {
				ready = false
				break
			}
		}
		status := "ready"
		code := fiber.StatusOK
		if !ready {
			status = "not_ready"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
	})

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	v1 := app.Group("/api/v1")
	v1.Get("/leaderboard/users", s.topUsers(reads))
	v1.Get("/leaderboard/things", s.topThings(reads))
	v1.Get("/votes/recent", s.recentVotes(reads))
	v1.Get("/stats", s.stats(reads))

	return s
}

func (s *Server) topUsers(reads ReadStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entries, err := reads.GetTopUsers(c.Context(), listLimit(c))
		if err != nil {
			return s.storeError(c, err, "leaderboard read failed")
		}
		return c.JSON(fiber.Map{"entries": entries})
	}
}

func (s *Server) topThings(reads ReadStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entries, err := reads.GetTopThings(c.Context(), listLimit(c))
		if err != nil {
			return s.storeError(c, err, "thing leaderboard read failed")
		}
		return c.JSON(fiber.Map{"entries": entries})
	}
}

func (s *Server) recentVotes(reads ReadStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		votes, err := reads.GetRecentVotes(c.Context(), c.Query("target"), listLimit(c))
		if err != nil {
			return s.storeError(c, err, "vote history read failed")
		}
		return c.JSON(fiber.Map{"votes": votes})
	}
}

func (s *Server) stats(reads ReadStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats, err := reads.GetStats(c.Context())
		if err != nil {
			return s.storeError(c, err, "stats read failed")
		}
		return c.JSON(stats)
	}
}

func (s *Server) storeError(c *fiber.Ctx, err error, msg string) error {
	s.logger.Error().Err(err).Str("path", c.Path()).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func listLimit(c *fiber.Ctx) int {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("ops server starting")
	return s.app.Listen(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("ops server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}
