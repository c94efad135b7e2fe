// Package server exposes one robot over HTTP and WebSocket: a control
// channel that applies sparse command envelopes, a telemetry broadcast, and
// the REST surface used by the hub. The session binds the serial link to the
// flow estimator and owns the full outbound command vector.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pluviolabs/pluvio/internal/config"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
	"github.com/pluviolabs/pluvio/pkg/flow"
	"github.com/pluviolabs/pluvio/pkg/protocol"
	"github.com/pluviolabs/pluvio/pkg/serial"
	"github.com/pluviolabs/pluvio/pkg/wire"
)

// feedInterval is the estimator feed cadence, matching the controller's own
// frame rate.
const feedInterval = 50 * time.Millisecond

// Session owns one robot: the serial link, the outbound command vector and
// the flow estimator. Only command handlers mutate targets; telemetry paths
// read composed snapshots.
type Session struct {
	cfg  config.RobotConfig
	mets *metrics.Metrics

	mu       sync.Mutex
	mgr      *serial.Manager
	desired  wire.Command // next outbound vector, sparse overlays land here
	deadband int          // pump deadband energy used for flow mapping

	est      *flow.Estimator
	lastFlow atomic.Pointer[flow.Result]

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSession builds a session around an existing link manager. The manager's
// identity should match the profile.
func NewSession(mgr *serial.Manager, cfg config.RobotConfig, mets *metrics.Metrics) *Session {
	s := &Session{
		cfg:      cfg,
		mets:     mets,
		mgr:      mgr,
		est:      flow.NewEstimator(),
		deadband: clampI(cfg.Flow.DeadbandEnergy, 0, 255),
		stop:     make(chan struct{}),
	}
	s.desired = defaultCommand(cfg)
	return s
}

// NewSessionFromConfig builds the link manager described by the profile and
// wraps it in a session.
func NewSessionFromConfig(cfg config.RobotConfig, mets *metrics.Metrics) *Session {
	mgr := serial.NewManager(serial.Options{
		RobotID:    cfg.ID,
		RobotLabel: cfg.Label,
		Virtual:    cfg.Kind == "virtual",
	}, mets)
	return NewSession(mgr, cfg, mets)
}

// defaultCommand is the vector pushed to a freshly opened controller: the
// profile's calibration plus the servo parked at its idle angle.
func defaultCommand(cfg config.RobotConfig) wire.Command {
	return wire.Command{
		ServoZDeg:     wire.MaxServoDeg,
		StepsPerMM:    cfg.Calibration.StepsPerMM,
		StepsPerDeg:   cfg.Calibration.StepsPerDeg,
		UseFlowSensor: cfg.Flow.UseSensor,
		PumpRateMLs:   cfg.Flow.PumpRateMLs,
	}
}

// Start launches the estimator feed loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.feedLoop()
}

// Shutdown stops the feed loop and closes the link.
func (s *Session) Shutdown() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.manager().Close()
}

func (s *Session) manager() *serial.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr
}

// Manager exposes the underlying link, mainly for status endpoints.
func (s *Session) Manager() *serial.Manager { return s.manager() }

// OpenBoot opens the configured link. When the hardware port cannot be
// opened and the profile allows it, the session falls back to the virtual
// controller instead of starting disconnected.
func (s *Session) OpenBoot() error {
	mgr := s.manager()
	if mgr.IsVirtual() {
		return s.OpenSerial(serial.VirtualPortName, s.cfg.Serial.Baudrate)
	}
	err := s.OpenSerial(s.cfg.Serial.Port, s.cfg.Serial.Baudrate)
	if err == nil {
		return nil
	}
	if !s.cfg.Serial.FallbackVirtual {
		return err
	}
	log.Warn("hardware port unavailable, falling back to virtual controller",
		"port", s.cfg.Serial.Port, "err", err)
	virtual := serial.NewManager(serial.Options{
		RobotID:    s.cfg.ID,
		RobotLabel: s.cfg.Label,
		Virtual:    true,
	}, s.mets)
	s.mu.Lock()
	s.mgr = virtual
	s.mu.Unlock()
	return s.OpenSerial(serial.VirtualPortName, 0)
}

// OpenSerial (re)opens the link, resets the controller to a known state and
// seeds it with the session's current vector.
func (s *Session) OpenSerial(portName string, baud int) error {
	mgr := s.manager()
	if err := mgr.Open(portName, baud); err != nil {
		return err
	}
	s.lastFlow.Store(nil)
	if err := mgr.Reset(); err != nil {
		log.Warn("controller reset failed", "err", err)
	}
	s.mu.Lock()
	cmd := s.desired
	s.mu.Unlock()
	if err := mgr.Send(cmd); err != nil {
		log.Warn("seeding controller defaults failed", "err", err)
	}
	return nil
}

// CloseSerial closes the link. The session's vector survives for the next
// open.
func (s *Session) CloseSerial() error {
	return s.manager().Close()
}

// LinkOpen reports whether commands can currently reach the controller.
func (s *Session) LinkOpen() bool {
	return s.manager().State() == serial.StateOpen
}

// Apply merges a sparse command envelope onto the session vector and
// transmits the result. It returns the envelope groups applied, in a fixed
// order, for the ack. Absent fields never alter controller state.
func (s *Session) Apply(env *protocol.CommandEnvelope) ([]string, error) {
	start := time.Now()
	if env == nil {
		env = &protocol.CommandEnvelope{}
	}
	mgr := s.manager()
	if mgr.State() != serial.StateOpen {
		s.mets.RecordCommand("error", time.Since(start))
		return nil, serial.ErrLinkClosed
	}

	s.mu.Lock()
	applied := s.mergeLocked(env)
	cmd := s.desired
	// The frame built from cmd carries the one-shots; the session vector
	// must not repeat them on the next send.
	s.desired.ClearOneShot()
	s.mu.Unlock()

	if env.Execute {
		s.est.Rearm()
	}

	if err := mgr.Send(cmd); err != nil {
		s.mets.RecordCommand("error", time.Since(start))
		return nil, err
	}

	s.mets.RecordCommand("ok", time.Since(start))
	log.Debug("command applied", "groups", applied)
	return applied, nil
}

// mergeLocked folds the envelope into the desired vector. Callers hold mu.
func (s *Session) mergeLocked(env *protocol.CommandEnvelope) []string {
	var applied []string

	if sp := env.Setpoints; sp != nil {
		if sp.XMM != nil {
			s.desired.SetpointXMM = clampF(*sp.XMM, 0, wire.MaxXMM)
		}
		if sp.ADeg != nil {
			s.desired.SetpointADeg = clampF(*sp.ADeg, 0, wire.MaxADeg)
		}
		if sp.VolumeML != nil {
			v := *sp.VolumeML
			if v < 0 {
				v = 0
			}
			s.desired.TargetVolML = v
		}
		if sp.ZMM != nil {
			s.desired.ZSetMM = *sp.ZMM
		}
		if sp.ServoZDeg != nil {
			s.desired.ServoZDeg = clampF(*sp.ServoZDeg, 0, wire.MaxServoDeg)
		}
		applied = append(applied, "setpoints")
	}

	if en := env.Energies; en != nil {
		if en.X != nil {
			s.desired.EnergyX = clampI(*en.X, -wire.MaxEnergy, wire.MaxEnergy)
		}
		if en.A != nil {
			s.desired.EnergyA = clampI(*en.A, -wire.MaxEnergy, wire.MaxEnergy)
		}
		if en.Bomba != nil {
			s.desired.EnergyPump = clampI(*en.Bomba, -wire.MaxEnergy, wire.MaxEnergy)
		}
		applied = append(applied, "energies")
	}

	if mv := env.Motion; mv != nil {
		if mv.ZSpeedDegS != nil && *mv.ZSpeedDegS > 0 {
			s.desired.ServoZSpeed = *mv.ZSpeedDegS
		}
		applied = append(applied, "motion")
	}

	if pid := env.PIDSettings; pid != nil {
		if g := pid.PIDX; g != nil {
			applyGain(g.Kp, &s.desired.KpX)
			applyGain(g.Ki, &s.desired.KiX)
			applyGain(g.Kd, &s.desired.KdX)
		}
		if g := pid.PIDA; g != nil {
			applyGain(g.Kp, &s.desired.KpA)
			applyGain(g.Ki, &s.desired.KiA)
			applyGain(g.Kd, &s.desired.KdA)
		}
		applied = append(applied, "pid_settings")
	}

	if cal := env.Calibration; cal != nil {
		if cal.StepsMM != nil && *cal.StepsMM > 0 {
			s.desired.StepsPerMM = *cal.StepsMM
		}
		if cal.StepsDeg != nil && *cal.StepsDeg > 0 {
			s.desired.StepsPerDeg = *cal.StepsDeg
		}
		applied = append(applied, "calibration")
	}

	if fl := env.Flow; fl != nil {
		if fl.UseSensor != nil {
			s.desired.UseFlowSensor = *fl.UseSensor
		}
		if fl.PumpRateMLs != nil {
			r := *fl.PumpRateMLs
			if r < 0 {
				r = 0
			}
			s.desired.PumpRateMLs = r
		}
		if fl.DeadbandEnergy != nil {
			s.deadband = clampI(*fl.DeadbandEnergy, 0, 255)
		}
		// Without a sensor an objective flow maps to pump energy, unless
		// an explicit pump energy came in the same envelope.
		if fl.FlowTargetMLs != nil && !s.desired.UseFlowSensor {
			explicit := env.Energies != nil && env.Energies.Bomba != nil
			if !explicit {
				s.desired.EnergyPump = flow.EnergyForFlow(*fl.FlowTargetMLs, s.deadband, s.desired.PumpRateMLs)
			}
		}
		applied = append(applied, "flow")
	}

	if env.Mode != nil {
		manual := *env.Mode & (wire.ModeManualX | wire.ModeManualA)
		s.desired.Mode = (s.desired.Mode &^ (wire.ModeManualX | wire.ModeManualA)) | manual
		applied = append(applied, "modo")
	}

	if env.Execute {
		s.desired.Mode |= wire.ModeExecute
		applied = append(applied, "execute")
	}

	if env.ResetVolume || env.ResetX || env.ResetA {
		s.desired.ResetVolume = env.ResetVolume
		s.desired.ResetX = env.ResetX
		s.desired.ResetA = env.ResetA
		applied = append(applied, "reset")
	}

	return applied
}

// Stop zeroes every energy, clears the objective and holds both axes in
// manual mode. Requires an open link.
func (s *Session) Stop() error {
	mgr := s.manager()
	if mgr.State() != serial.StateOpen {
		return serial.ErrLinkClosed
	}
	s.mu.Lock()
	s.desired.EnergyX = 0
	s.desired.EnergyA = 0
	s.desired.EnergyPump = 0
	s.desired.TargetVolML = 0
	s.desired.Mode = wire.ModeManualX | wire.ModeManualA
	cmd := s.desired
	s.mu.Unlock()
	log.Info("stop: all actuators off")
	return mgr.Send(cmd)
}

// Home sends both axes to their zero position. Requires an open link.
func (s *Session) Home() error {
	mgr := s.manager()
	if mgr.State() != serial.StateOpen {
		return serial.ErrLinkClosed
	}
	s.mu.Lock()
	s.desired.SetpointXMM = 0
	s.desired.SetpointADeg = 0
	cmd := s.desired
	s.mu.Unlock()
	log.Info("homing axes")
	return mgr.Send(cmd)
}

// EmergencyStop zeroes energies, drops manual control and closes the link.
// It never fails: with the port gone the actuators cannot be re-energized.
func (s *Session) EmergencyStop() {
	mgr := s.manager()
	s.mu.Lock()
	s.desired.EnergyX = 0
	s.desired.EnergyA = 0
	s.desired.EnergyPump = 0
	s.desired.TargetVolML = 0
	s.desired.Mode &^= wire.ModeManualX | wire.ModeManualA | wire.ModeExecute
	cmd := s.desired
	s.mu.Unlock()
	if err := mgr.Send(cmd); err != nil {
		log.Warn("emergency stop frame not sent", "err", err)
	}
	mgr.Close()
	log.Warn("emergency stop engaged")
}

// Command returns a copy of the session's outbound vector.
func (s *Session) Command() wire.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

// Status composes the public snapshot: the link's authoritative view plus
// the estimator override and the derived volumetric fields.
func (s *Session) Status() *protocol.StatusSnapshot {
	snap := s.manager().LatestStatus()
	if !snap.SerialOpen {
		return snap
	}

	if res := s.lastFlow.Load(); res != nil && res.Active {
		snap.VolumeML = res.VolumeML
		snap.FlowEstMLs = res.FlowMLs
		snap.FlowEstimated = true
	}

	s.mu.Lock()
	deadband := s.deadband
	s.mu.Unlock()

	snap.FlowTargetEstMLs = flow.EnergyFlow(snap.Energies.Bomba, deadband, snap.PumpRateMLs)
	d := flow.Derive(snap.VolumeML, snap.TargetVolML, snap.FlowTargetEstMLs,
		snap.Mode&wire.ModeExecute != 0, flow.DefaultMarginML)
	snap.RemainingML = d.RemainingML
	snap.ObjectivePending = d.ObjectivePending
	snap.Running = d.Running
	return snap
}

// feedLoop drives the estimator off the decoded snapshots and fires the
// auto-stop when a sensor-less pour reaches its objective.
func (s *Session) feedLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.feedOnce(time.Now())
		}
	}
}

func (s *Session) feedOnce(now time.Time) {
	mgr := s.manager()
	base := mgr.LatestStatus()
	if !base.SerialOpen || base.RxAgeMs < 0 {
		s.lastFlow.Store(nil)
		return
	}

	res := s.est.Tick(flow.Input{
		Now:         now,
		VolumeML:    base.VolumeML,
		TargetVolML: base.TargetVolML,
		PumpEnergy:  base.Energies.Bomba,
		UseSensor:   base.UseFlowSensor,
		PumpRateMLs: base.PumpRateMLs,
	})
	s.lastFlow.Store(&res)

	if res.Completed {
		s.mu.Lock()
		s.desired.EnergyPump = 0
		s.desired.TargetVolML = 0
		s.desired.Mode &^= wire.ModeExecute
		cmd := s.desired
		s.mu.Unlock()
		if err := mgr.Send(cmd); err != nil {
			log.Warn("auto-stop frame not sent", "err", err)
			return
		}
		log.Info("pour objective reached, pump stopped", "volume_ml", res.VolumeML)
	}
}

func applyGain(v *float64, dst *float64) {
	if v != nil && *v > 0 {
		*dst = *v
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
