package flow

import (
	"sync"
	"time"
)

// Input is one decode cycle's authoritative controller view.
type Input struct {
	Now         time.Time
	VolumeML    float64 // volume reported by the controller
	TargetVolML float64 // current objective, 0 = none
	PumpEnergy  int     // applied pump energy echoed by the controller
	UseSensor   bool    // controller has an authoritative flow sensor
	PumpRateMLs float64 // configured rate at full energy, ml/s
}

// Result is the estimator's view after one tick.
type Result struct {
	VolumeML float64 // estimate while active, authoritative otherwise
	FlowMLs  float64 // estimated instantaneous flow, 0 when inactive
	Active   bool    // estimate currently overrides the reported volume
	// Completed is true on exactly one tick per run: when the objective has
	// stayed within the margin for two consecutive ticks and the auto-stop
	// has not fired yet.
	Completed bool
}

// Estimator approximates delivered volume while the pump runs without a
// flow sensor. It never overshoots the objective and fires its completion
// signal once per run; a new execute command re-arms it via Rearm.
type Estimator struct {
	mu sync.Mutex

	marginML float64

	active   bool
	estimate float64
	lastTick time.Time

	inMargin    int  // consecutive ticks with the objective within margin
	stopLatched bool // auto-stop already fired for this run
}

// NewEstimator creates an estimator with the default objective margin.
func NewEstimator() *Estimator {
	return &Estimator{marginML: DefaultMarginML}
}

// NewEstimatorWithMargin creates an estimator with a custom margin.
func NewEstimatorWithMargin(marginML float64) *Estimator {
	if marginML <= 0 {
		marginML = DefaultMarginML
	}
	return &Estimator{marginML: marginML}
}

// Tick feeds one decode cycle through the estimator. Time comes from the
// caller so behavior is reproducible.
func (e *Estimator) Tick(in Input) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Sensor is authoritative: never estimate, track the reported value.
	if in.UseSensor {
		e.deactivate(in)
		return Result{VolumeML: in.VolumeML}
	}

	pumpOn := in.PumpEnergy != 0
	if !pumpOn || in.PumpRateMLs <= 0 {
		e.deactivate(in)
		return Result{VolumeML: in.VolumeML}
	}

	if !e.active {
		pending := in.TargetVolML > 0 && (in.TargetVolML-in.VolumeML) > e.marginML
		// A latched run stays stopped until a new execute re-arms it.
		if !pending || e.stopLatched {
			e.deactivate(in)
			return Result{VolumeML: in.VolumeML}
		}
		// Seed from the last known authoritative volume.
		e.active = true
		e.estimate = in.VolumeML
		e.lastTick = in.Now
	} else {
		dt := in.Now.Sub(e.lastTick).Seconds()
		if dt < 0 {
			dt = 0
		}
		e.lastTick = in.Now
		next := e.estimate + in.PumpRateMLs*dt
		if in.VolumeML > next {
			next = in.VolumeML
		}
		e.estimate = next
	}

	// Never overshoot the objective.
	if in.TargetVolML > 0 && e.estimate > in.TargetVolML {
		e.estimate = in.TargetVolML
	}

	res := Result{VolumeML: e.estimate, FlowMLs: in.PumpRateMLs, Active: true}

	// Completion detection, debounced against single-sample crossings.
	if in.TargetVolML > 0 && (in.TargetVolML-e.estimate) <= e.marginML {
		e.inMargin++
	} else {
		e.inMargin = 0
	}
	// The estimator stays active, holding the clamped estimate, until the
	// auto-stop's pump-off round trip deactivates it.
	if e.inMargin >= completionTicks && !e.stopLatched {
		e.stopLatched = true
		res.Completed = true
	}
	return res
}

// Rearm resets the auto-stop latch. Called when a new execute command
// starts a fresh run.
func (e *Estimator) Rearm() {
	e.mu.Lock()
	e.stopLatched = false
	e.inMargin = 0
	e.mu.Unlock()
}

// Active reports whether the estimate currently overrides reported volume.
func (e *Estimator) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// deactivate releases the estimate; the authoritative value takes over.
func (e *Estimator) deactivate(in Input) {
	e.active = false
	e.estimate = in.VolumeML
	e.lastTick = in.Now
	e.inMargin = 0
}
