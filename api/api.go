// Package api exposes the memory engine over HTTP.
package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/memory"
)

// Server is the API server for observing and recalling memories
type Server struct {
	config Config
	engine *memory.Engine
	logger *zap.Logger
	app    *fiber.App
}

// NewServer creates a new API server.
// The engine is injected to allow sharing with other components.
func NewServer(config Config, engine *memory.Engine, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		engine: engine,
		logger: logger,
		app:    app,
	}

	app.Get("/ping", s.handlePing)
	app.Post("/v1/observe", s.handleObserve)
	app.Get("/v1/recall", s.handleRecall)
	app.Get("/v1/recall/asof", s.handleRecallAsOf)
	app.Get("/v1/audit", s.handleAudit)
	app.Post("/v1/drain", s.handleDrain)

	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
