package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"

	"github.com/pluviolabs/pluvio/internal/config"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// fakeRobot is a scripted robot-server: canned status, canned command ack,
// and a telemetry stream tagged with its id.
type fakeRobot struct {
	app *fiber.App

	mu        sync.Mutex
	snap      protocol.StatusSnapshot
	ackStatus int
	ackBody   protocol.AckBody
	commands  int
}

func startFakeRobot(t *testing.T, port int, id string) *fakeRobot {
	t.Helper()
	f := &fakeRobot{
		snap: protocol.StatusSnapshot{
			RobotID:    id,
			SerialOpen: true,
			IsVirtual:  true,
			VolumeML:   42,
			RxAgeMs:    10,
		},
		ackStatus: 200,
		ackBody:   protocol.AckBody{Status: "ok", Applied: []string{"setpoints"}},
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/api/status", func(c *fiber.Ctx) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		return c.JSON(f.snap)
	})
	app.Post("/api/command", func(c *fiber.Ctx) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.commands++
		return c.Status(f.ackStatus).JSON(f.ackBody)
	})
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", fiberws.New(func(conn *fiberws.Conn) {
		if hello, err := protocol.NewTelemetryReadyMessage(id, 0.03); err == nil {
			if data, err := hello.Bytes(); err == nil {
				if conn.WriteMessage(fiberws.TextMessage, data) != nil {
					return
				}
			}
		}
		for {
			f.mu.Lock()
			snap := f.snap
			f.mu.Unlock()
			msg, err := protocol.NewTelemetryMessage(&snap)
			if err != nil {
				return
			}
			data, err := msg.Bytes()
			if err != nil {
				return
			}
			if conn.WriteMessage(fiberws.TextMessage, data) != nil {
				return
			}
			time.Sleep(30 * time.Millisecond)
		}
	}))

	f.app = app
	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
			t.Logf("fake robot listen: %v", err)
		}
	}()
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)
	return f
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(config.HubConfig{PollIntervalMs: 50, StaleAfterMs: 4000}, nil)
	t.Cleanup(h.Shutdown)
	return h
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubPollMarksOnlineThenOffline(t *testing.T) {
	robot := startFakeRobot(t, 18760, "r1")
	h := testHub(t)
	h.Register(RobotRecord{ID: "r1", BaseURL: "http://127.0.0.1:18760"})

	waitFor(t, 3*time.Second, "r1 to come online", func() bool {
		e, ok := h.Get("r1")
		return ok && e.Online && e.Snapshot != nil
	})

	// Several more successful polls before the outage.
	time.Sleep(500 * time.Millisecond)
	e, _ := h.Get("r1")
	if e.Snapshot.VolumeML != 42 {
		t.Fatalf("cached VolumeML = %g, want 42", e.Snapshot.VolumeML)
	}
	if !e.Healthy {
		t.Errorf("healthy = false for an open virtual link, want true")
	}

	robot.app.Shutdown()

	waitFor(t, 3*time.Second, "r1 to go offline", func() bool {
		e, ok := h.Get("r1")
		return ok && !e.Online
	})

	// The outage keeps the last good snapshot visible.
	e, _ = h.Get("r1")
	if e.Snapshot == nil || e.Snapshot.VolumeML != 42 {
		t.Errorf("snapshot lost during outage: %+v", e.Snapshot)
	}
	if e.Error == "" {
		t.Error("last error empty during outage")
	}
	if e.Healthy {
		t.Error("healthy = true while offline")
	}

	// Routing during the failure window fails fast.
	_, _, err := h.Route(context.Background(), "r1", &protocol.CommandEnvelope{})
	if !errors.Is(err, ErrRobotUnreachable) {
		t.Errorf("Route() during outage = %v, want ErrRobotUnreachable", err)
	}
}

func TestHubRouteUnknownRobot(t *testing.T) {
	h := testHub(t)
	_, _, err := h.Route(context.Background(), "ghost", &protocol.CommandEnvelope{})
	if !errors.Is(err, ErrRobotUnreachable) {
		t.Errorf("Route() for unknown id = %v, want ErrRobotUnreachable", err)
	}
}

func TestHubRoutePassesAckThrough(t *testing.T) {
	robot := startFakeRobot(t, 18761, "r1")
	h := testHub(t)
	srv := NewServer(h, config.HubConfig{}, nil)
	h.Register(RobotRecord{ID: "r1", BaseURL: "http://127.0.0.1:18761"})

	waitFor(t, 3*time.Second, "r1 to come online", func() bool {
		e, ok := h.Get("r1")
		return ok && e.Online
	})

	status, body, err := h.Route(context.Background(), "r1", &protocol.CommandEnvelope{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if status != 200 {
		t.Errorf("Route() status = %d, want 200", status)
	}
	var ack protocol.AckBody
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatalf("routed body not an ack: %v", err)
	}
	if !ack.OK() || len(ack.Applied) != 1 || ack.Applied[0] != "setpoints" {
		t.Errorf("routed ack = %+v, want the robot's ack unchanged", ack)
	}

	// The HTTP endpoint relays the same bytes, error statuses included.
	robot.mu.Lock()
	robot.ackStatus = 409
	robot.ackBody = protocol.AckBody{Status: "error", Error: "serial link closed"}
	robot.mu.Unlock()

	req := httptest.NewRequest("POST", "/api/robots/r1/command",
		strings.NewReader(`{"setpoints":{"x_mm":10}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != 409 {
		t.Errorf("routed status = %d, want the robot's 409 passed through", resp.StatusCode)
	}
	var relayed protocol.AckBody
	if err := json.NewDecoder(resp.Body).Decode(&relayed); err != nil {
		t.Fatalf("decode relayed ack: %v", err)
	}
	if relayed.Error != "serial link closed" {
		t.Errorf("relayed error = %q, want the robot's message", relayed.Error)
	}
	robot.mu.Lock()
	forwarded := robot.commands
	robot.mu.Unlock()
	if forwarded != 2 {
		t.Errorf("robot received %d commands, want 2", forwarded)
	}

	// Unknown robots turn into 503 without touching the network.
	req = httptest.NewRequest("POST", "/api/robots/ghost/command", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = srv.app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("unknown robot status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthPolicy(t *testing.T) {
	staleAfter := 4 * time.Second
	tests := []struct {
		name string
		snap *protocol.StatusSnapshot
		want bool
	}{
		{"no snapshot", nil, false},
		{"open hardware link", &protocol.StatusSnapshot{SerialOpen: true, RxAgeMs: 20}, true},
		{"closed hardware link", &protocol.StatusSnapshot{SerialOpen: false, RxAgeMs: 20}, false},
		{"closed virtual link", &protocol.StatusSnapshot{SerialOpen: false, IsVirtual: true, RxAgeMs: 20}, true},
		{"limit X asserted", &protocol.StatusSnapshot{SerialOpen: true, LimitX: true, RxAgeMs: 20}, false},
		{"limit A asserted", &protocol.StatusSnapshot{SerialOpen: true, LimitA: true, RxAgeMs: 20}, false},
		{"frames stale", &protocol.StatusSnapshot{SerialOpen: true, RxAgeMs: 5000}, false},
		{"no frames yet", &protocol.StatusSnapshot{SerialOpen: true, RxAgeMs: -1}, false},
	}
	for _, tt := range tests {
		if got := healthy(tt.snap, staleAfter); got != tt.want {
			t.Errorf("%s: healthy() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHubRegistryLifecycle(t *testing.T) {
	h := testHub(t)

	rec := h.Register(RobotRecord{BaseURL: "http://127.0.0.1:1"})
	if rec.ID == "" {
		t.Fatal("Register() left the id empty, want a generated one")
	}
	if rec.Kind != "hardware" {
		t.Errorf("Kind = %q, want hardware default", rec.Kind)
	}

	// Re-registering the same id replaces the record.
	h.Register(RobotRecord{ID: rec.ID, BaseURL: "http://127.0.0.1:2/", Label: "renamed"})
	e, ok := h.Get(rec.ID)
	if !ok {
		t.Fatal("robot vanished after replace")
	}
	if e.BaseURL != "http://127.0.0.1:2" || e.Label != "renamed" {
		t.Errorf("replaced record = %+v, want new base URL without trailing slash", e)
	}
	if got := len(h.List()); got != 1 {
		t.Fatalf("List() has %d entries after replace, want 1", got)
	}

	if !h.Deregister(rec.ID) {
		t.Error("Deregister() = false for a known robot")
	}
	if h.Deregister(rec.ID) {
		t.Error("Deregister() = true for a removed robot")
	}
	if got := len(h.List()); got != 0 {
		t.Errorf("List() has %d entries after deregister, want 0", got)
	}
}

func TestHubActiveSwitchRestartsRelay(t *testing.T) {
	startFakeRobot(t, 18762, "r1")
	startFakeRobot(t, 18763, "r2")

	srv := NewServerFromConfig(config.HubConfig{PollIntervalMs: 50}, nil)
	srv.StartAsync(":18764")
	t.Cleanup(func() { srv.Shutdown() })
	time.Sleep(100 * time.Millisecond)

	h := srv.Hub()
	h.Register(RobotRecord{ID: "r1", BaseURL: "http://127.0.0.1:18762"})
	h.Register(RobotRecord{ID: "r2", BaseURL: "http://127.0.0.1:18763"})

	ws, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:18764/ws", nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer ws.Close()

	// The first frame is the fleet snapshot.
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil || msg.Type != protocol.TypeRobotsStatus {
		t.Fatalf("initial message = %s (%v), want robots_status", data, err)
	}

	if err := h.SetActive("r1"); err != nil {
		t.Fatalf("SetActive(r1) error = %v", err)
	}
	if got := h.Active(); got != "r1" {
		t.Fatalf("Active() = %q, want r1", got)
	}
	readTelemetryFrom(t, ws, "r1")

	if err := h.SetActive("r2"); err != nil {
		t.Fatalf("SetActive(r2) error = %v", err)
	}
	readTelemetryFrom(t, ws, "r2")
}

// readTelemetryFrom reads hub frames until a telemetry message tagged with
// the wanted robot arrives.
func readTelemetryFrom(t *testing.T, ws *websocket.Conn, robotID string) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for telemetry from %s: %v", robotID, err)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil || msg.Type != protocol.TypeTelemetry {
			continue
		}
		snap, err := msg.GetStatusSnapshot()
		if err != nil {
			continue
		}
		if snap.RobotID == robotID {
			return
		}
	}
}

func TestTelemetryURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://10.0.0.5:8000", "ws://10.0.0.5:8000/ws/telemetry"},
		{"http://10.0.0.5:8000/", "ws://10.0.0.5:8000/ws/telemetry"},
		{"https://robots.example.com", "wss://robots.example.com/ws/telemetry"},
	}
	for _, tt := range tests {
		if got := telemetryURL(tt.base); got != tt.want {
			t.Errorf("telemetryURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
