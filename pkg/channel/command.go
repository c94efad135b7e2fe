// Package channel implements the client side of a robot's two WebSocket
// channels: the duplex command channel with strict in-order ack correlation
// and the one-way telemetry stream. Both reconnect on their own and expose
// Restart for callers that switch endpoints.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// State is the channel lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "connecting"
	}
}

const (
	// DefaultAckTimeout is how long a transmitted command waits for its ack.
	DefaultAckTimeout = 4000 * time.Millisecond

	// DefaultReconnectDelay is the pause before a command channel redial.
	DefaultReconnectDelay = 1200 * time.Millisecond

	handshakeTimeout  = 10 * time.Second
	keepaliveInterval = 30 * time.Second
	writeWait         = 10 * time.Second
)

type result struct {
	ack *protocol.AckBody
	err error
}

// pendingCommand tracks one command from enqueue to resolution. done is
// buffered so the ack, timeout, and teardown paths can race without
// blocking; the first resolution wins.
type pendingCommand struct {
	env   *protocol.CommandEnvelope
	done  chan result
	timer *time.Timer
}

func (pc *pendingCommand) resolve(ack *protocol.AckBody, err error) {
	select {
	case pc.done <- result{ack: ack, err: err}:
	default:
	}
}

// CommandChannel is the duplex command client. The protocol carries no
// message ids: acks correlate to commands strictly first-in-first-out, so
// all transmissions go through one FIFO pending list.
type CommandChannel struct {
	URL string

	// AckTimeout and ReconnectDelay default when zero.
	AckTimeout     time.Duration
	ReconnectDelay time.Duration

	// OnState is invoked on every state transition.
	OnState func(State)
	// OnReady is invoked with the server hello each time the channel
	// becomes ready.
	OnReady func(*protocol.ReadyData)

	mu        sync.Mutex
	wsMu      sync.Mutex // serializes writes to ws
	ws        *websocket.Conn
	state     State
	queue     []*pendingCommand // not yet transmitted, waiting for ready
	pending   []*pendingCommand // transmitted, awaiting ack, FIFO
	reconnect *time.Timer       // scheduled redial, single-flight
	gen       int               // bumps on teardown so stale goroutines no-op
	started   bool
	closed    bool
}

// NewCommandChannel creates a command channel for the given ws:// URL.
// Call Start to begin connecting.
func NewCommandChannel(url string) *CommandChannel {
	return &CommandChannel{
		URL:            url,
		AckTimeout:     DefaultAckTimeout,
		ReconnectDelay: DefaultReconnectDelay,
		state:          StateDisconnected,
	}
}

// Start begins connection management. It returns immediately; commands sent
// before the channel is ready queue and drain in order once it is.
func (c *CommandChannel) Start() {
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
func (c *CommandChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether commands transmit immediately.
func (c *CommandChannel) Ready() bool {
	return c.State() == StateReady
}

// Send transmits the envelope and blocks until its ack, the ack timeout, a
// channel loss, or ctx cancellation. While the channel is not ready the
// envelope queues instead of failing; the ack window starts at
// transmission.
func (c *CommandChannel) Send(ctx context.Context, env *protocol.CommandEnvelope) (*protocol.AckBody, error) {
	pc := &pendingCommand{env: env, done: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.state == StateReady {
		c.transmitLocked(pc)
	} else {
		c.queue = append(c.queue, pc)
	}
	c.mu.Unlock()

	select {
	case r := <-pc.done:
		return r.ack, r.err
	case <-ctx.Done():
		// A queued command can be withdrawn; a transmitted one cannot be
		// un-sent, so it stays in the pending list to keep ack positions
		// aligned. Its eventual resolution lands in the buffered done.
		c.dropQueued(pc)
		return nil, ctx.Err()
	}
}

// Restart drops the connection and redials immediately, cancelling any
// scheduled redial. In-flight commands are rejected first.
func (c *CommandChannel) Restart() {
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

// Close ends the channel for good, rejecting every queued and in-flight
// command.
func (c *CommandChannel) Close() {
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
	queued := c.queue
	c.queue = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	for _, pc := range queued {
		pc.resolve(nil, ErrChannelClosed)
	}
}

func (c *CommandChannel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.OnState != nil {
		go c.OnState(s)
	}
}

// teardownLocked closes the socket and rejects in-flight commands. Queued
// commands survive for the next connection.
func (c *CommandChannel) teardownLocked() {
	c.gen++
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	pending := c.pending
	c.pending = nil
	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resolve(nil, ErrChannelClosed)
	}
}

func (c *CommandChannel) scheduleReconnectLocked() {
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

func (c *CommandChannel) dial(gen int) {
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
		log.Debug("command channel dial failed", "url", c.URL, "err", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	log.Debug("command channel connected", "url", c.URL)
	go c.readLoop(ws, gen)
	go c.keepAlive(ws, gen)
}

func (c *CommandChannel) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeControlReady:
			c.handleReady(msg, gen)
		case protocol.TypeControlAck:
			c.handleAck(msg, gen)
		}
	}
}

func (c *CommandChannel) handleReady(msg *protocol.Message, gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReady)
	queued := c.queue
	c.queue = nil
	for _, pc := range queued {
		c.transmitLocked(pc)
	}
	cb := c.OnReady
	c.mu.Unlock()

	if cb != nil {
		if ready, err := msg.GetReadyData(); err == nil {
			cb(ready)
		}
	}
}

// transmitLocked appends to the pending list, writes the frame, and arms
// the ack timer. Append happens before the write so an instant ack still
// finds its entry.
func (c *CommandChannel) transmitLocked(pc *pendingCommand) {
	msg, err := protocol.NewCommandMessage(pc.env)
	if err != nil {
		pc.resolve(nil, fmt.Errorf("channel: encode command: %w", err))
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		pc.resolve(nil, fmt.Errorf("channel: encode command: %w", err))
		return
	}

	c.pending = append(c.pending, pc)
	ws := c.ws

	c.wsMu.Lock()
	werr := ws.WriteMessage(websocket.TextMessage, data)
	c.wsMu.Unlock()
	if werr != nil {
		// The connection is going down; the read loop rejects pending.
		log.Debug("command write failed", "err", werr)
		return
	}

	pc.timer = time.AfterFunc(c.AckTimeout, func() {
		c.timeoutPending(pc)
	})
}

func (c *CommandChannel) handleAck(msg *protocol.Message, gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	var pc *pendingCommand
	if len(c.pending) > 0 {
		pc = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if pc == nil {
		// Late ack for a command that already timed out.
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}

	ack, err := msg.GetAckBody()
	if err != nil {
		pc.resolve(nil, fmt.Errorf("channel: malformed ack: %w", err))
		return
	}
	if !ack.OK() {
		pc.resolve(ack, fmt.Errorf("channel: command rejected: %s", ack.Error))
		return
	}
	pc.resolve(ack, nil)
}

// timeoutPending rejects one command whose ack window expired. Commands
// acked or torn down first are left alone.
func (c *CommandChannel) timeoutPending(pc *pendingCommand) {
	c.mu.Lock()
	removed := false
	for i, q := range c.pending {
		if q == pc {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			removed = true
			break
		}
	}
	c.mu.Unlock()

	if removed {
		pc.resolve(nil, ErrCommandTimeout)
	}
}

func (c *CommandChannel) dropQueued(pc *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == pc {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *CommandChannel) handleDisconnect(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	log.Debug("command channel lost", "url", c.URL, "err", err)
	c.teardownLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

func (c *CommandChannel) keepAlive(ws *websocket.Conn, gen int) {
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
