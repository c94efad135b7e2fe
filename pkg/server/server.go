package server

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/pluviolabs/pluvio/internal/config"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// Server is the robot-server: one robot exposed over HTTP and WebSocket.
type Server struct {
	app  *fiber.App
	cfg  config.RobotConfig
	mets *metrics.Metrics

	session     *Session
	broadcaster *Broadcaster

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewServer wires a session behind the fiber app.
func NewServer(session *Session, cfg config.RobotConfig, mets *metrics.Metrics) *Server {
	s := &Server{
		cfg:         cfg,
		mets:        mets,
		session:     session,
		broadcaster: NewBroadcaster(mets),
		stop:        make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "pluvio robot-server",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/command", s.handleCommand)
	api.Get("/serial/ports", s.handleSerialPorts)
	api.Post("/serial/open", s.handleSerialOpen)
	api.Post("/serial/close", s.handleSerialClose)
	api.Post("/stop", s.handleStop)
	api.Post("/home", s.handleHome)
	api.Post("/emergency_stop", s.handleEmergencyStop)

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(mets.Handler()))

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/control", websocket.New(s.handleControlWS))
	app.Get("/ws/telemetry", websocket.New(s.handleTelemetryWS))

	s.app = app
	return s
}

// NewServerFromConfig builds the whole robot-server from a profile.
func NewServerFromConfig(cfg config.RobotConfig, mets *metrics.Metrics) *Server {
	return NewServer(NewSessionFromConfig(cfg, mets), cfg, mets)
}

// Session exposes the robot session, mainly for tests and embedding.
func (s *Server) Session() *Session { return s.session }

// Start opens the configured link unless one is already open, launches the
// background loops and serves until Shutdown. It blocks.
func (s *Server) Start(addr string) error {
	if !s.session.LinkOpen() {
		if err := s.session.OpenBoot(); err != nil {
			log.Warn("starting without a serial link", "err", err)
		}
	}
	s.session.Start()
	go s.broadcaster.Run()
	s.wg.Add(1)
	go s.publishLoop()

	log.Info("robot-server listening", "addr", addr, "robot", s.cfg.ID, "kind", s.session.Manager().Kind())
	return s.app.Listen(addr)
}

// StartAsync runs Start in a goroutine.
func (s *Server) StartAsync(addr string) {
	go func() {
		if err := s.Start(addr); err != nil {
			log.Error("robot-server stopped", "err", err)
		}
	}()
}

// Shutdown stops the listener, the background loops and the session.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.broadcaster.Stop()
	s.session.Shutdown()
	return err
}

// telemetryInterval is the broadcast cadence from the profile.
func (s *Server) telemetryInterval() time.Duration {
	if s.cfg.TelemetryIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(s.cfg.TelemetryIntervalMs) * time.Millisecond
}

// publishLoop broadcasts the composed snapshot to telemetry subscribers.
func (s *Server) publishLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.telemetryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.broadcaster.ClientCount() == 0 {
				continue
			}
			msg, err := protocol.NewTelemetryMessage(s.session.Status())
			if err != nil {
				continue
			}
			data, err := msg.Bytes()
			if err != nil {
				continue
			}
			s.broadcaster.Broadcast(data)
		}
	}
}
