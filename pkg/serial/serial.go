// Package serial manages the byte link to the motor controller: port
// lifecycle, the continuous frame decode loop, and the outbound command
// keepalive. A Manager owns at most one port at a time; decoded status is
// published as an atomically swapped snapshot that many readers can load
// without contending with the decode loop.
package serial

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
	"github.com/pluviolabs/pluvio/pkg/protocol"
	"github.com/pluviolabs/pluvio/pkg/wire"
)

// State is the link lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	// DefaultStaleAfter marks telemetry stale once the controller has been
	// silent this long. The link stays open; staleness is observable state,
	// not a close condition.
	DefaultStaleAfter = 4000 * time.Millisecond

	// DefaultKeepalive is the outbound frame cadence while the link is open.
	DefaultKeepalive = 50 * time.Millisecond
)

// Options configure a Manager for one robot.
type Options struct {
	RobotID    string
	RobotLabel string
	Virtual    bool
	StaleAfter time.Duration // defaults to DefaultStaleAfter
	Keepalive  time.Duration // defaults to DefaultKeepalive
}

// Manager drives the serial link for one robot. All port writes are
// serialized under mu; the decode loop is the single snapshot writer.
type Manager struct {
	opts Options
	mets *metrics.Metrics

	mu       sync.Mutex
	state    State
	port     Port
	portName string
	baud     int
	cmd      wire.Command // current outbound vector, re-sent by the keepalive
	gen      int          // bumped per open/close so stale loop cleanups no-op
	stop     chan struct{}
	wg       sync.WaitGroup

	snapshot atomic.Pointer[protocol.StatusSnapshot]
	lastRx   atomic.Int64 // unix nanos of the last good frame
}

// NewManager creates a manager for one robot link.
func NewManager(opts Options, mets *metrics.Metrics) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	return &Manager{opts: opts, mets: mets}
}

// Kind reports "virtual" or "hardware".
func (m *Manager) Kind() string {
	if m.opts.Virtual {
		return "virtual"
	}
	return "hardware"
}

// IsVirtual reports whether a simulated controller backs this link.
func (m *Manager) IsVirtual() bool {
	return m.opts.Virtual
}

// State reports the link lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PortName reports the most recently opened port and baudrate.
func (m *Manager) PortName() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portName, m.baud
}

// ListPorts reports the ports this manager can open.
func (m *Manager) ListPorts() []string {
	if m.opts.Virtual {
		return []string{VirtualPortName}
	}
	return ListPorts()
}

// Open claims the port and starts the decode and keepalive loops. An
// already-open link is closed first, so Open doubles as re-open. Virtual
// managers ignore the arguments and always succeed.
func (m *Manager) Open(portName string, baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		m.closeLocked()
	}
	m.state = StateOpening

	var p Port
	if m.opts.Virtual {
		portName = VirtualPortName
		baud = 0
		p = NewVirtualController()
	} else {
		if portName == "" {
			m.state = StateClosed
			return fmt.Errorf("%w: no port selected", ErrPortUnavailable)
		}
		if err := claimPort(portName); err != nil {
			m.state = StateClosed
			return err
		}
		hw, err := openHardware(portName, baud)
		if err != nil {
			releasePort(portName)
			m.state = StateClosed
			return err
		}
		p = hw
	}

	m.startLocked(p, portName, baud)
	log.Info("serial link open", "port", portName, "baud", baud, "virtual", m.opts.Virtual)
	return nil
}

// OpenWith starts the link over an already-open port, bypassing discovery
// and claiming. Useful for bridged transports and tests.
func (m *Manager) OpenWith(p Port, portName string, baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		m.closeLocked()
	}
	m.startLocked(p, portName, baud)
	log.Info("serial link open", "port", portName, "baud", baud, "virtual", m.opts.Virtual)
	return nil
}

// startLocked transitions to Open and launches the per-open goroutines.
// Callers hold mu.
func (m *Manager) startLocked(p Port, portName string, baud int) {
	m.port = p
	m.portName = portName
	m.baud = baud
	m.state = StateOpen
	m.stop = make(chan struct{})
	m.gen++
	m.snapshot.Store(nil)
	m.lastRx.Store(0)
	m.mets.RecordLinkOpen(true)

	m.wg.Add(2)
	go m.readLoop(p, m.gen)
	go m.keepaliveLoop(m.stop)
}

// Close stops the loops and releases the port. Closing a closed link is a
// no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.closeLocked()
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Manager) closeLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.port != nil {
		m.port.Close()
		m.port = nil
	}
	if !m.opts.Virtual && m.portName != "" {
		releasePort(m.portName)
	}
	m.state = StateClosed
	m.gen++
	m.mets.RecordLinkOpen(false)
	log.Info("serial link closed", "port", m.portName)
}

// Send replaces the outbound command vector and writes one frame now. The
// one-shot flags ride exactly this frame; the keepalive re-sends the vector
// with them cleared.
func (m *Manager) Send(cmd wire.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return ErrLinkClosed
	}
	m.cmd = cmd
	err := m.writeLocked(wire.Encode(m.cmd))
	m.cmd.ClearOneShot()
	return err
}

// Command returns a copy of the current outbound vector.
func (m *Manager) Command() wire.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd
}

// Reset sends the controller soft-reset line and zeroes the outbound
// vector. Callers re-seed their defaults with a following Send.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return ErrLinkClosed
	}
	m.cmd = wire.Command{}
	return m.writeLocked(wire.EncodeReset())
}

func (m *Manager) writeLocked(frame []byte) error {
	if _, err := m.port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	m.mets.RecordFrameSent()
	return nil
}

// TimeSinceLastFrame reports how long the controller has been silent.
// It is negative when no frame has arrived since the link opened.
func (m *Manager) TimeSinceLastFrame() time.Duration {
	last := m.lastRx.Load()
	if last == 0 {
		return -1
	}
	return time.Since(time.Unix(0, last))
}

// LatestStatus returns the last decoded snapshot with freshness computed at
// call time. Callers own the returned copy. A link with no frames yet, or a
// closed link, yields a skeleton snapshot carrying only identity and link
// state.
func (m *Manager) LatestStatus() *protocol.StatusSnapshot {
	m.mu.Lock()
	open := m.state == StateOpen
	portName, baud := m.portName, m.baud
	m.mu.Unlock()

	base := m.snapshot.Load()
	if base == nil || !open {
		return &protocol.StatusSnapshot{
			RobotID:    m.opts.RobotID,
			RobotLabel: m.opts.RobotLabel,
			RobotKind:  m.Kind(),
			SerialOpen: open,
			SerialPort: portName,
			Baudrate:   baud,
			IsVirtual:  m.opts.Virtual,
			Stale:      true,
			RxAgeMs:    -1,
			Timestamp:  time.Now().UnixMilli(),
		}
	}

	snap := *base
	age := m.TimeSinceLastFrame()
	snap.RxAgeMs = age.Milliseconds()
	snap.Stale = age > m.opts.StaleAfter
	return &snap
}

// readLoop decodes controller frames until the port dies or the link is
// closed. A frame that fails to decode is dropped; the published snapshot
// is never partially updated.
func (m *Manager) readLoop(p Port, gen int) {
	defer m.wg.Done()
	scanner := bufio.NewScanner(portReader{p})
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		f, err := wire.Decode(line)
		if err != nil {
			m.mets.RecordDecodeError()
			log.Debug("dropped controller frame", "err", err)
			continue
		}
		m.publish(f)
	}

	m.mu.Lock()
	if m.gen == gen {
		// The port died underneath us.
		if err := scanner.Err(); err != nil {
			log.Warn("serial link lost", "port", m.portName, "err", err)
		}
		m.closeLocked()
	}
	m.mu.Unlock()
}

// publish swaps the cached snapshot for a freshly decoded frame. The read
// loop is the single writer.
func (m *Manager) publish(f *wire.Frame) {
	m.mu.Lock()
	cmd := m.cmd
	portName, baud := m.portName, m.baud
	m.mu.Unlock()

	now := time.Now()
	snap := &protocol.StatusSnapshot{
		RobotID:    m.opts.RobotID,
		RobotLabel: m.opts.RobotLabel,
		RobotKind:  m.Kind(),

		XMM:       f.XMM,
		ADeg:      f.ADeg,
		ZMM:       f.ZMM,
		ServoZDeg: cmd.ServoZDeg,

		VolumeML:    f.VolumeML,
		TargetVolML: cmd.TargetVolML,

		Mode: f.Mode,
		Energies: protocol.EnergyState{
			X:     int(f.CmdXEcho),
			A:     int(f.CmdAEcho),
			Bomba: int(f.PumpEnergy),
		},
		LimitX:  f.LimitX,
		LimitA:  f.LimitA,
		HomingX: f.HomingX,
		HomingA: f.HomingA,

		SerialOpen: true,
		SerialPort: portName,
		Baudrate:   baud,
		IsVirtual:  m.opts.Virtual,

		KpX: f.KpX, KiX: f.KiX, KdX: f.KdX,
		KpA: f.KpA, KiA: f.KiA, KdA: f.KdA,
		StepsPerMM:    f.StepsPerMM,
		StepsPerDeg:   f.StepsPerDeg,
		UseFlowSensor: cmd.UseFlowSensor,
		PumpRateMLs:   cmd.PumpRateMLs,

		Timestamp: now.UnixMilli(),
	}
	m.snapshot.Store(snap)
	m.lastRx.Store(now.UnixNano())
	m.mets.RecordFrameDecoded()
}

// keepaliveLoop re-sends the current vector at the controller cadence while
// the link is open.
func (m *Manager) keepaliveLoop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state == StateOpen && m.port != nil {
				if err := m.writeLocked(wire.Encode(m.cmd)); err != nil {
					log.Debug("keepalive write failed", "err", err)
				}
			}
			m.mu.Unlock()
		}
	}
}
