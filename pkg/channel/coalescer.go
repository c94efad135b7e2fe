package channel

import (
	"context"
	"sync"
	"time"

	"github.com/pluviolabs/pluvio/pkg/protocol"
)

// SendFunc transmits one envelope and blocks until its ack.
type SendFunc func(context.Context, *protocol.CommandEnvelope) (*protocol.AckBody, error)

// DefaultCoalesceTimeout bounds one coalesced send. It sits above the ack
// timeout so the channel's own timeout surfaces first.
const DefaultCoalesceTimeout = 6 * time.Second

// Coalescer folds rapid command updates into at most one in-flight send.
// While a send is awaiting its ack, newer updates replace each other and
// only the latest goes out next. Slider-style producers use this to avoid
// growing the ack queue faster than the robot drains it.
type Coalescer struct {
	// Timeout bounds each send; defaults when zero.
	Timeout time.Duration
	// OnResult, when set, observes every completed send.
	OnResult func(*protocol.AckBody, error)

	send SendFunc

	mu       sync.Mutex
	latest   *protocol.CommandEnvelope
	inflight bool
}

// NewCoalescer wraps a send function, typically CommandChannel.Send.
func NewCoalescer(send SendFunc) *Coalescer {
	return &Coalescer{Timeout: DefaultCoalesceTimeout, send: send}
}

// Update records env as the newest desired command. It never blocks; an
// older not-yet-sent update is discarded.
func (co *Coalescer) Update(env *protocol.CommandEnvelope) {
	co.mu.Lock()
	co.latest = env
	if !co.inflight {
		co.inflight = true
		go co.drain()
	}
	co.mu.Unlock()
}

func (co *Coalescer) drain() {
	for {
		co.mu.Lock()
		env := co.latest
		co.latest = nil
		if env == nil {
			co.inflight = false
			co.mu.Unlock()
			return
		}
		co.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), co.Timeout)
		ack, err := co.send(ctx, env)
		cancel()
		if co.OnResult != nil {
			co.OnResult(ack, err)
		}
	}
}
