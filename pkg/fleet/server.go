package fleet

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pluviolabs/pluvio/internal/config"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// Server is the hub's HTTP and WebSocket surface.
type Server struct {
	app  *fiber.App
	cfg  config.HubConfig
	mets *metrics.Metrics
	hub  *Hub
}

// NewServer wires the hub behind a fiber app.
func NewServer(hub *Hub, cfg config.HubConfig, mets *metrics.Metrics) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "pluvio hub",
			DisableStartupMessage: true,
		}),
		cfg:  cfg,
		mets: mets,
		hub:  hub,
	}

	s.app.Use(recover.New())
	s.app.Use(cors.New())

	api := s.app.Group("/api")

	api.Get("/robots", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"robots": s.hub.List()})
	})

	api.Post("/robots", func(c *fiber.Ctx) error {
		var rec RobotRecord
		if err := c.BodyParser(&rec); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		if rec.BaseURL == "" {
			return c.Status(400).JSON(fiber.Map{"error": "base_url is required"})
		}
		rec = s.hub.Register(rec)
		return c.JSON(fiber.Map{"status": "ok", "robot": rec})
	})

	api.Get("/robots/:id", func(c *fiber.Ctx) error {
		entry, ok := s.hub.Get(c.Params("id"))
		if !ok {
			return c.Status(404).JSON(fiber.Map{"error": "robot not found"})
		}
		return c.JSON(entry)
	})

	api.Delete("/robots/:id", func(c *fiber.Ctx) error {
		if !s.hub.Deregister(c.Params("id")) {
			return c.Status(404).JSON(fiber.Map{"error": "robot not found"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api.Post("/robots/:id/command", func(c *fiber.Ctx) error {
		var env protocol.CommandEnvelope
		if err := c.BodyParser(&env); err != nil {
			return c.Status(400).JSON(protocol.AckBody{
				Status: "error",
				Error:  "invalid envelope: " + err.Error(),
			})
		}
		status, body, err := s.hub.Route(c.Context(), c.Params("id"), &env)
		if err != nil {
			if errors.Is(err, ErrRobotUnreachable) {
				return c.Status(fiber.StatusServiceUnavailable).JSON(protocol.AckBody{
					Status: "error",
					Error:  err.Error(),
				})
			}
			return c.Status(500).JSON(protocol.AckBody{Status: "error", Error: err.Error()})
		}
		// The robot's ack passes through unchanged, status code included.
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(status).Send(body)
	})

	api.Get("/active", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"active": s.hub.Active()})
	})

	api.Post("/active", func(c *fiber.Ctx) error {
		var req struct {
			ID string `json:"id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		if err := s.hub.SetActive(req.ID); err != nil {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok", "active": req.ID})
	})

	s.app.Get("/health", func(c *fiber.Ctx) error {
		entries := s.hub.List()
		online := 0
		for _, e := range entries {
			if e.Online {
				online++
			}
		}
		return c.JSON(fiber.Map{
			"status": "ok",
			"robots": len(entries),
			"online": online,
			"active": s.hub.Active(),
		})
	})

	s.app.Get("/metrics", adaptor.HTTPHandler(mets.Handler()))

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.hub.HandleWS))

	return s
}

// NewServerFromConfig builds the hub and its server from a profile.
func NewServerFromConfig(cfg config.HubConfig, mets *metrics.Metrics) *Server {
	return NewServer(NewHub(cfg, mets), cfg, mets)
}

// Hub returns the aggregator behind the server.
func (s *Server) Hub() *Hub { return s.hub }

// Start launches the hub loops and serves until Shutdown. It blocks.
func (s *Server) Start(addr string) error {
	s.hub.Start()
	log.Info("hub listening", "addr", addr, "robots", len(s.cfg.Robots))
	return s.app.Listen(addr)
}

// StartAsync runs Start in a goroutine.
func (s *Server) StartAsync(addr string) {
	go func() {
		if err := s.Start(addr); err != nil {
			log.Error("hub stopped", "err", err)
		}
	}()
}

// Shutdown stops the listener and the hub.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	s.hub.Shutdown()
	return err
}
