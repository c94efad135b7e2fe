package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// DefaultTelemetryReconnectDelay is the pause before a telemetry redial.
// Telemetry reconnects independently of the command channel: losing one is
// observable without losing the other.
const DefaultTelemetryReconnectDelay = 1500 * time.Millisecond

// TelemetryChannel is the one-way status stream client. Each received
// snapshot replaces the consumer's whole view; nothing is merged
// client-side.
type TelemetryChannel struct {
	URL string

	// ReconnectDelay defaults when zero.
	ReconnectDelay time.Duration

	// OnSnapshot receives every decoded snapshot.
	OnSnapshot func(*protocol.StatusSnapshot)
	// OnReady is invoked with the server hello each time the stream opens.
	OnReady func(*protocol.ReadyData)
	// OnState is invoked on every state transition.
	OnState func(State)

	mu        sync.Mutex
	wsMu      sync.Mutex
	ws        *websocket.Conn
	state     State
	reconnect *time.Timer
	gen       int
	started   bool
	closed    bool
}

// NewTelemetryChannel creates a telemetry channel for the given ws:// URL.
// Call Start to begin connecting.
func NewTelemetryChannel(url string) *TelemetryChannel {
	return &TelemetryChannel{
		URL:            url,
		ReconnectDelay: DefaultTelemetryReconnectDelay,
		state:          StateDisconnected,
	}
}

// Start begins connection management. It returns immediately.
func (c *TelemetryChannel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.setStateLocked(StateConnecting)
	go c.dial(c.gen)
}

// State reports the channel lifecycle state.
func (c *TelemetryChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restart drops the stream and redials immediately, cancelling any
// scheduled redial. Used when the upstream endpoint changes.
func (c *TelemetryChannel) Restart() {
	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.teardownLocked()
	c.setStateLocked(StateConnecting)
	gen := c.gen
	c.mu.Unlock()
	go c.dial(gen)
}

// Close ends the stream for good.
func (c *TelemetryChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

func (c *TelemetryChannel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.OnState != nil {
		go c.OnState(s)
	}
}

func (c *TelemetryChannel) teardownLocked() {
	c.gen++
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

func (c *TelemetryChannel) scheduleReconnectLocked() {
	if c.closed || c.reconnect != nil {
		return
	}
	c.setStateLocked(StateDisconnected)
	c.reconnect = time.AfterFunc(c.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		gen := c.gen
		c.mu.Unlock()
		c.dial(gen)
	})
}

func (c *TelemetryChannel) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.Dial(c.URL, nil)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		log.Debug("telemetry channel dial failed", "url", c.URL, "err", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	log.Debug("telemetry channel connected", "url", c.URL)
	go c.readLoop(ws, gen)
	go c.keepAlive(ws, gen)
}

func (c *TelemetryChannel) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed && gen == c.gen {
				log.Debug("telemetry channel lost", "url", c.URL, "err", err)
				c.teardownLocked()
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeTelemetryReady:
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			if !stale {
				c.setStateLocked(StateReady)
			}
			cb := c.OnReady
			c.mu.Unlock()
			if stale {
				return
			}
			if cb != nil {
				if ready, err := msg.GetReadyData(); err == nil {
					cb(ready)
				}
			}
		case protocol.TypeTelemetry:
			if c.OnSnapshot == nil {
				continue
			}
			snap, err := msg.GetStatusSnapshot()
			if err != nil {
				continue
			}
			c.OnSnapshot(snap)
		}
	}
}

func (c *TelemetryChannel) keepAlive(ws *websocket.Conn, gen int) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.closed || gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.wsMu.Lock()
		err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
		c.wsMu.Unlock()
		if err != nil {
			return
		}
	}
}
