package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/protocol"
	"github.com/pluviolabs/pluvio/pkg/serial"
)

// handleStatus returns the composed snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.session.Status())
}

// handleCommand applies a sparse envelope over HTTP. The response is the
// same ack body the control channel produces, so the hub can relay it
// unchanged.
func (s *Server) handleCommand(c *fiber.Ctx) error {
	var env protocol.CommandEnvelope
	if err := c.BodyParser(&env); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(protocol.AckBody{
			Status: "error",
			Error:  "invalid envelope: " + err.Error(),
		})
	}

	applied, err := s.session.Apply(&env)
	if err != nil {
		code := fiber.StatusInternalServerError
		if errors.Is(err, serial.ErrLinkClosed) {
			code = fiber.StatusConflict
		}
		return c.Status(code).JSON(protocol.AckBody{
			Status: "error",
			Error:  err.Error(),
		})
	}

	return c.JSON(protocol.AckBody{
		Status:   "ok",
		Applied:  applied,
		Snapshot: s.session.Status(),
	})
}

// handleSerialPorts lists selectable ports and the current link state.
func (s *Server) handleSerialPorts(c *fiber.Ctx) error {
	mgr := s.session.Manager()
	name, _ := mgr.PortName()
	return c.JSON(fiber.Map{
		"ports":      mgr.ListPorts(),
		"current":    name,
		"open":       s.session.LinkOpen(),
		"is_virtual": mgr.IsVirtual(),
		"robot_id":   s.cfg.ID,
	})
}

// SerialOpenRequest selects the port to open. Missing fields fall back to
// the profile.
type SerialOpenRequest struct {
	Port     string `json:"port"`
	Baudrate int    `json:"baudrate"`
}

func (s *Server) handleSerialOpen(c *fiber.Ctx) error {
	req := SerialOpenRequest{
		Port:     s.cfg.Serial.Port,
		Baudrate: s.cfg.Serial.Baudrate,
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request: " + err.Error(),
			})
		}
	}
	if req.Baudrate == 0 {
		req.Baudrate = s.cfg.Serial.Baudrate
	}

	if err := s.session.OpenSerial(req.Port, req.Baudrate); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	name, baud := s.session.Manager().PortName()
	return c.JSON(fiber.Map{
		"status":   "ok",
		"port":     name,
		"baudrate": baud,
		"open":     true,
	})
}

func (s *Server) handleSerialClose(c *fiber.Ctx) error {
	name, _ := s.session.Manager().PortName()
	if err := s.session.CloseSerial(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status": "ok",
		"port":   name,
		"open":   false,
	})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.session.Stop(); err != nil {
		code := fiber.StatusInternalServerError
		if errors.Is(err, serial.ErrLinkClosed) {
			code = fiber.StatusConflict
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *Server) handleHome(c *fiber.Ctx) error {
	if err := s.session.Home(); err != nil {
		code := fiber.StatusInternalServerError
		if errors.Is(err, serial.ErrLinkClosed) {
			code = fiber.StatusConflict
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "home"})
}

func (s *Server) handleEmergencyStop(c *fiber.Ctx) error {
	s.session.EmergencyStop()
	return c.JSON(fiber.Map{"status": "emergency_stop"})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"robot_id":    s.cfg.ID,
		"serial_open": s.session.LinkOpen(),
		"virtual":     s.session.Manager().IsVirtual(),
	})
}

// handleControlWS runs one control connection: a ready hello, then each
// received envelope is applied and acked in receipt order. The handler
// goroutine is the connection's only writer, which keeps acks aligned with
// commands.
func (s *Server) handleControlWS(c *websocket.Conn) {
	defer c.Close()

	hello, err := protocol.NewControlReadyMessage(s.cfg.ID, s.session.Manager().Kind())
	if err == nil {
		if werr := writeWS(c, hello); werr != nil {
			return
		}
	}
	log.Info("control connection open", "robot", s.cfg.ID)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Info("control connection closed", "robot", s.cfg.ID)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			s.writeErrorAck(c, "invalid message: "+err.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			ping, err := msg.GetPingData()
			if err != nil {
				continue
			}
			pong, err := protocol.NewPongMessage(ping.ID, msg.Timestamp, time.Now().UnixMilli())
			if err == nil {
				writeWS(c, pong)
			}

		case protocol.TypeCommand:
			env, err := msg.GetCommandEnvelope()
			if err != nil {
				s.writeErrorAck(c, "invalid envelope: "+err.Error())
				continue
			}
			applied, err := s.session.Apply(env)
			if err != nil {
				s.writeErrorAck(c, err.Error())
				continue
			}
			ack, err := protocol.NewAckMessage(applied, s.session.Status())
			if err != nil {
				s.writeErrorAck(c, "ack encoding failed")
				continue
			}
			if err := writeWS(c, ack); err != nil {
				return
			}

		default:
			s.writeErrorAck(c, "unsupported message type: "+string(msg.Type))
		}
	}
}

func (s *Server) writeErrorAck(c *websocket.Conn, reason string) {
	msg, err := protocol.NewErrorAckMessage(reason)
	if err != nil {
		return
	}
	writeWS(c, msg)
}

func writeWS(c *websocket.Conn, msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// handleTelemetryWS subscribes one connection to the broadcast stream.
func (s *Server) handleTelemetryWS(c *websocket.Conn) {
	hello, err := protocol.NewTelemetryReadyMessage(s.cfg.ID, s.telemetryInterval().Seconds())
	if err == nil {
		if werr := writeWS(c, hello); werr != nil {
			c.Close()
			return
		}
	}
	newTelemetryClient(s.broadcaster, c).run()
}
