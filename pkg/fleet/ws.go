package fleet

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// subscriber is one hub WebSocket client. Writes are serialized per
// connection; a failed write drops the subscriber.
type subscriber struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func (s *subscriber) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleWS serves one hub subscriber: an immediate fleet snapshot, then the
// periodic robots_status broadcasts and the active robot's relayed
// telemetry until the client hangs up.
func (h *Hub) HandleWS(c *websocket.Conn) {
	sub := &subscriber{conn: c}

	h.mu.Lock()
	h.subs[sub] = true
	count := len(h.subs)
	h.mu.Unlock()
	h.mets.SetTelemetryClients(count)
	log.Info("hub subscriber connected", "total", count)

	defer func() {
		h.dropSubscriber(sub)
		c.Close()
	}()

	// New subscribers should not wait out a broadcast tick to see the fleet.
	if msg, err := protocol.NewRobotsStatusMessage(h.List()); err == nil {
		if data, err := msg.Bytes(); err == nil {
			if err := sub.send(data); err != nil {
				return
			}
		}
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		if msg.Type == protocol.TypePing {
			ping, err := msg.GetPingData()
			if err != nil {
				continue
			}
			pong, err := protocol.NewPongMessage(ping.ID, msg.Timestamp, time.Now().UnixMilli())
			if err != nil {
				continue
			}
			if data, err := pong.Bytes(); err == nil {
				if err := sub.send(data); err != nil {
					return
				}
			}
		}
	}
}

func (h *Hub) dropSubscriber(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	count := len(h.subs)
	h.mu.Unlock()
	h.mets.SetTelemetryClients(count)
	log.Info("hub subscriber disconnected", "total", count)
}

// broadcastBytes sends one frame to every subscriber, dropping the ones
// whose writes fail.
func (h *Hub) broadcastBytes(data []byte) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.send(data); err != nil {
			log.Warn("dropping hub subscriber", "err", err)
			h.dropSubscriber(sub)
			sub.conn.Close()
		}
	}
	h.mets.RecordBroadcast()
}
