package fleet

import (
	"strings"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/channel"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// relay subscribes to the active robot's telemetry stream and republishes
// every snapshot to hub subscribers.
type relay struct {
	robotID string
	ch      *channel.TelemetryChannel
}

// startRelayLocked opens a telemetry channel to the given robot. Callers
// hold mu; the previous relay must already be closed.
func (h *Hub) startRelayLocked(rec RobotRecord) *relay {
	ch := channel.NewTelemetryChannel(telemetryURL(rec.BaseURL))
	ch.OnSnapshot = func(snap *protocol.StatusSnapshot) {
		msg, err := protocol.NewTelemetryMessage(snap)
		if err != nil {
			return
		}
		data, err := msg.Bytes()
		if err != nil {
			return
		}
		h.broadcastBytes(data)
	}
	ch.OnState = func(s channel.State) {
		log.Debug("relay state", "robot", rec.ID, "state", s.String())
	}
	ch.Start()
	return &relay{robotID: rec.ID, ch: ch}
}

func (r *relay) close() {
	if r == nil || r.ch == nil {
		return
	}
	r.ch.Close()
}

// telemetryURL derives the robot's telemetry WebSocket endpoint from its
// HTTP base URL.
func telemetryURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/telemetry"
}
