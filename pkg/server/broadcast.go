package server

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; subscribers only send pongs
	maxMessageSize = 4096

	// clientBuffer is the per-subscriber send queue; a full queue marks
	// the subscriber too slow to keep
	clientBuffer = 8
)

// Broadcaster fans telemetry out to WebSocket subscribers using the
// register/unregister/broadcast loop. Slow subscribers are dropped rather
// than allowed to stall the stream.
type Broadcaster struct {
	mets *metrics.Metrics

	clients    map[*telemetryClient]bool
	register   chan *telemetryClient
	unregister chan *telemetryClient
	broadcast  chan []byte
	stop       chan struct{}

	mu   sync.RWMutex
	once sync.Once
}

// NewBroadcaster creates a stopped broadcaster; call Run in a goroutine.
func NewBroadcaster(mets *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		mets:       mets,
		clients:    make(map[*telemetryClient]bool),
		register:   make(chan *telemetryClient),
		unregister: make(chan *telemetryClient),
		broadcast:  make(chan []byte, 64),
		stop:       make(chan struct{}),
	}
}

// Run is the broadcaster's main loop.
func (b *Broadcaster) Run() {
	for {
		select {
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			count := len(b.clients)
			b.mu.Unlock()
			b.mets.SetTelemetryClients(count)
			log.Info("telemetry client connected", "total", count)

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.send)
			}
			count := len(b.clients)
			b.mu.Unlock()
			b.mets.SetTelemetryClients(count)
			log.Info("telemetry client disconnected", "remaining", count)

		case data := <-b.broadcast:
			b.mu.Lock()
			for client := range b.clients {
				select {
				case client.send <- data:
				default:
					// The subscriber's queue is full; they cannot
					// keep up with the stream.
					close(client.send)
					delete(b.clients, client)
					b.mets.RecordSlowClientDrop()
					log.Warn("dropped slow telemetry client")
				}
			}
			b.mu.Unlock()

		case <-b.stop:
			b.mu.Lock()
			for client := range b.clients {
				close(client.send)
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return
		}
	}
}

// Stop terminates the loop and disconnects every subscriber.
func (b *Broadcaster) Stop() {
	b.once.Do(func() { close(b.stop) })
}

// Broadcast queues a frame for every subscriber. A saturated queue drops the
// frame; telemetry is latest-wins.
func (b *Broadcaster) Broadcast(data []byte) {
	select {
	case b.broadcast <- data:
		b.mets.RecordBroadcast()
	default:
		log.Warn("telemetry broadcast queue full, dropping frame")
	}
}

// ClientCount returns the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// telemetryClient is one subscriber connection. The write pump is the only
// goroutine writing to the socket.
type telemetryClient struct {
	b    *Broadcaster
	conn *websocket.Conn
	send chan []byte
}

func newTelemetryClient(b *Broadcaster, conn *websocket.Conn) *telemetryClient {
	client := &telemetryClient{
		b:    b,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	select {
	case b.register <- client:
	case <-b.stop:
		// Broadcaster already stopped; the closed queue makes the write
		// pump hang up immediately.
		close(client.send)
	}
	return client
}

// run pumps until the connection closes. Call from the websocket handler;
// it blocks for the connection's lifetime.
func (c *telemetryClient) run() {
	go c.writePump()
	c.readPump()
}

// readPump detects disconnection and keeps pong deadlines fresh; telemetry
// subscribers are not expected to send anything else.
func (c *telemetryClient) readPump() {
	defer func() {
		select {
		case c.b.unregister <- c:
		case <-c.b.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *telemetryClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
