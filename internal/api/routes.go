package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/gmsas95/dosewatch/internal/metrics"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Server.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	if s.config.Metrics.Enabled {
		s.app.Get(s.config.Metrics.Path, adaptor.HTTPHandler(metrics.Handler()))
	}
	s.app.Get("/api/metrics", s.handleMetricsJSON)

	api := s.app.Group("/api")

	api.Get("/medications", s.handleListMedications)
	api.Post("/medications", s.handleCreateMedication)
	api.Get("/medications/:id", s.handleGetMedication)
	api.Put("/medications/:id", s.handleUpdateMedication)
	api.Delete("/medications/:id", s.handleDeleteMedication)
	api.Get("/medications/:id/alerts", s.handleListAlerts)
	api.Post("/medications/:id/taken", s.handleRecordTaken)
	api.Post("/medications/:id/missed", s.handleRecordMissed)

	api.Get("/history", s.handleHistory)
	api.Delete("/history", s.handleClearHistory)
	api.Get("/adherence", s.handleAdherence)
	api.Get("/today", s.handleToday)
	api.Get("/schedule", s.handleSchedule)
	api.Get("/escalations", s.handleEscalations)
	api.Post("/replan", s.handleReplan)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/events", websocket.New(s.handleEvents))
}
