package fleet

import (
	"context"
	"time"

	"github.com/pluviolabs/pluvio/internal/httpc"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// pollWorker fetches one robot's status at the poll cadence until the robot
// is deregistered or the hub shuts down. One worker per robot, no more.
func (h *Hub) pollWorker(st *robotState) {
	defer h.wg.Done()

	// First poll immediately so a fresh registration shows up without
	// waiting a full tick.
	h.pollOnce(st)

	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-st.stopPoll:
			return
		case <-ticker.C:
			h.pollOnce(st)
		}
	}
}

func (h *Hub) pollOnce(st *robotState) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	var snap protocol.StatusSnapshot
	err := httpc.GetJSON(ctx, h.client, st.rec.BaseURL+"/api/status", &snap)

	h.mu.Lock()
	wasOnline := st.online
	if err != nil {
		// Keep the last snapshot: stale but visible beats a blank row.
		st.online = false
		st.lastErr = err.Error()
	} else {
		st.online = true
		st.lastSeen = time.Now()
		st.lastErr = ""
		st.snapshot = &snap
	}
	h.mu.Unlock()

	h.mets.RecordPoll(err == nil)
	h.mets.SetRobotsOnline(h.onlineCount())

	if wasOnline && err != nil {
		log.Warn("robot went offline", "id", st.rec.ID, "err", err)
	} else if !wasOnline && err == nil {
		log.Info("robot online", "id", st.rec.ID)
	}
}
