// Package fleet aggregates many robot-servers behind one hub: a registry of
// robots, a bounded poll worker per robot, command routing, and a WebSocket
// fan-out of fleet status plus the active robot's telemetry.
package fleet

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pluviolabs/pluvio/internal/config"
	"github.com/pluviolabs/pluvio/internal/httpc"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

const pollTimeout = 2 * time.Second

// RobotRecord identifies one registered robot-server.
type RobotRecord struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	BaseURL string `json:"base_url"`
	Kind    string `json:"kind"` // "hardware" or "virtual"
}

// robotState is the registry row plus everything the poller learned.
type robotState struct {
	rec      RobotRecord
	online   bool
	lastSeen time.Time
	lastErr  string
	snapshot *protocol.StatusSnapshot

	stopPoll chan struct{}
}

// Hub manages the fleet. One poll worker runs per registered robot; health
// is derived from the cached snapshot on every read, never stored.
type Hub struct {
	cfg    config.HubConfig
	mets   *metrics.Metrics
	client *http.Client

	mu     sync.RWMutex
	robots map[string]*robotState
	active string
	subs   map[*subscriber]bool
	relay  *relay

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewHub creates an empty hub. Robots from the profile are registered by
// Start.
func NewHub(cfg config.HubConfig, mets *metrics.Metrics) *Hub {
	return &Hub{
		cfg:    cfg,
		mets:   mets,
		client: httpc.NewClient(pollTimeout),
		robots: make(map[string]*robotState),
		subs:   make(map[*subscriber]bool),
		stop:   make(chan struct{}),
	}
}

// Start registers the pre-configured robots and launches the status
// broadcast loop.
func (h *Hub) Start() {
	for _, rc := range h.cfg.Robots {
		h.Register(RobotRecord{ID: rc.ID, Label: rc.Label, BaseURL: rc.BaseURL, Kind: rc.Kind})
	}
	h.wg.Add(1)
	go h.statusLoop()
}

// Shutdown stops every poll worker, the relay and the broadcast loop.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.stop) })
	h.mu.Lock()
	if h.relay != nil {
		h.relay.close()
		h.relay = nil
	}
	for _, st := range h.robots {
		select {
		case <-st.stopPoll:
		default:
			close(st.stopPoll)
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Register adds a robot and starts its poll worker. An empty id gets a
// generated one; registering an existing id replaces the record and
// restarts its worker. The final record is returned.
func (h *Hub) Register(rec RobotRecord) RobotRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = "hardware"
	}
	rec.BaseURL = strings.TrimSuffix(rec.BaseURL, "/")

	st := &robotState{rec: rec, stopPoll: make(chan struct{})}

	h.mu.Lock()
	if old, ok := h.robots[rec.ID]; ok {
		close(old.stopPoll)
		// The replacement keeps the cached view until its own poll lands.
		st.online = old.online
		st.lastSeen = old.lastSeen
		st.snapshot = old.snapshot
	}
	h.robots[rec.ID] = st
	h.mu.Unlock()

	h.wg.Add(1)
	go h.pollWorker(st)

	log.Info("robot registered", "id", rec.ID, "base_url", rec.BaseURL, "kind", rec.Kind)
	return rec
}

// Deregister stops the robot's poll worker and removes it. Removing the
// active robot stops the telemetry relay.
func (h *Hub) Deregister(id string) bool {
	h.mu.Lock()
	st, ok := h.robots[id]
	if ok {
		close(st.stopPoll)
		delete(h.robots, id)
	}
	if h.active == id {
		h.active = ""
		if h.relay != nil {
			h.relay.close()
			h.relay = nil
		}
	}
	h.mu.Unlock()

	if ok {
		log.Info("robot deregistered", "id", id)
	}
	return ok
}

// List returns every robot's current entry, sorted by id.
func (h *Hub) List() []protocol.RobotStatusEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.RobotStatusEntry, 0, len(h.robots))
	for _, st := range h.robots {
		out = append(out, h.entryLocked(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one robot's entry.
func (h *Hub) Get(id string) (protocol.RobotStatusEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.robots[id]
	if !ok {
		return protocol.RobotStatusEntry{}, false
	}
	return h.entryLocked(st), true
}

// Active returns the active robot id, empty when none is selected.
func (h *Hub) Active() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// SetActive selects the robot whose telemetry the hub relays. Every switch
// restarts the relay so subscribers resync to the new stream immediately.
func (h *Hub) SetActive(id string) error {
	h.mu.Lock()
	st, ok := h.robots[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: unknown robot %q", ErrRobotUnreachable, id)
	}
	h.active = id
	if h.relay != nil {
		h.relay.close()
	}
	h.relay = h.startRelayLocked(st.rec)
	h.mu.Unlock()

	h.mets.RecordRelayRestart()
	log.Info("active robot switched", "id", id)
	return nil
}

// entryLocked builds the public view of one robot. Callers hold mu.
func (h *Hub) entryLocked(st *robotState) protocol.RobotStatusEntry {
	e := protocol.RobotStatusEntry{
		ID:       st.rec.ID,
		Label:    st.rec.Label,
		BaseURL:  st.rec.BaseURL,
		Kind:     st.rec.Kind,
		Online:   st.online,
		Healthy:  st.online && healthy(st.snapshot, h.staleAfter()),
		Active:   h.active == st.rec.ID,
		Error:    st.lastErr,
		Snapshot: st.snapshot,
	}
	if !st.lastSeen.IsZero() {
		e.LastSeen = st.lastSeen.UnixMilli()
	}
	return e
}

// healthy applies the health policy to a cached snapshot: the serial link
// must be open (hardware robots), no limit switch asserted, and the frame
// age within the staleness threshold.
func healthy(snap *protocol.StatusSnapshot, staleAfter time.Duration) bool {
	if snap == nil {
		return false
	}
	if !snap.SerialOpen && !snap.IsVirtual {
		return false
	}
	if snap.LimitX || snap.LimitA {
		return false
	}
	if snap.RxAgeMs < 0 || snap.RxAgeMs > staleAfter.Milliseconds() {
		return false
	}
	return true
}

func (h *Hub) pollInterval() time.Duration {
	if h.cfg.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(h.cfg.PollIntervalMs) * time.Millisecond
}

func (h *Hub) staleAfter() time.Duration {
	if h.cfg.StaleAfterMs <= 0 {
		return 4000 * time.Millisecond
	}
	return time.Duration(h.cfg.StaleAfterMs) * time.Millisecond
}

func (h *Hub) onlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, st := range h.robots {
		if st.online {
			n++
		}
	}
	return n
}

// statusLoop broadcasts the fleet aggregate to hub subscribers at the poll
// cadence.
func (h *Hub) statusLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.broadcastStatus()
		}
	}
}

func (h *Hub) broadcastStatus() {
	msg, err := protocol.NewRobotsStatusMessage(h.List())
	if err != nil {
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	h.broadcastBytes(data)
}
