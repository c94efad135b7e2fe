package fleet

import (
	"context"
	"fmt"

	"github.com/pluviolabs/pluvio/internal/httpc"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// Route forwards a command envelope to the robot's own command endpoint and
// returns the robot's HTTP status and raw ack body unchanged. It fails fast
// with ErrRobotUnreachable for unknown or offline robots instead of letting
// a request hang against a dead endpoint.
func (h *Hub) Route(ctx context.Context, id string, env *protocol.CommandEnvelope) (int, []byte, error) {
	h.mu.RLock()
	st, ok := h.robots[id]
	var online bool
	var base string
	if ok {
		online = st.online
		base = st.rec.BaseURL
	}
	h.mu.RUnlock()

	if !ok {
		h.mets.RecordRoutedCommand("unknown")
		return 0, nil, fmt.Errorf("%w: unknown robot %q", ErrRobotUnreachable, id)
	}
	if !online {
		h.mets.RecordRoutedCommand("offline")
		return 0, nil, fmt.Errorf("%w: robot %q is offline", ErrRobotUnreachable, id)
	}

	status, body, err := httpc.PostJSON(ctx, h.client, base+"/api/command", env, nil)
	if err != nil {
		h.mets.RecordRoutedCommand("error")
		return 0, nil, fmt.Errorf("%w: %v", ErrRobotUnreachable, err)
	}
	h.mets.RecordRoutedCommand("ok")
	return status, body, nil
}
