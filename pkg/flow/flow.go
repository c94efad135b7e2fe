// Package flow reconstructs pump progress when the controller has no flow
// sensor: an estimator integrates the configured pump rate over time to
// approximate delivered volume, and pure helpers map between pump energy and
// flow rate.
package flow

// Defaults for sensor-less estimation.
const (
	DefaultMarginML   = 0.05 // objective tolerance, ml
	DefaultMaxRateMLs = 50.0 // assumed rate at full energy when unconfigured

	completionTicks = 2 // consecutive in-margin ticks before auto-stop
)

// EnergyFlow returns the flow implied by a pump energy level. Energy at or
// below the deadband produces no flow; above it flow scales linearly up to
// maxRateMLs at full energy.
func EnergyFlow(energy, deadband int, maxRateMLs float64) float64 {
	if maxRateMLs <= 0 {
		maxRateMLs = DefaultMaxRateMLs
	}
	e := energy
	if e < 0 {
		e = -e
	}
	if e <= deadband {
		return 0
	}
	span := 255 - deadband
	if span < 1 {
		span = 1
	}
	alpha := float64(e-deadband) / float64(span)
	f := alpha * maxRateMLs
	if f < 0 {
		return 0
	}
	if f > maxRateMLs {
		return maxRateMLs
	}
	return f
}

// EnergyForFlow returns the pump energy that approximates the target flow.
// The inverse of EnergyFlow.
func EnergyForFlow(targetMLs float64, deadband int, maxRateMLs float64) int {
	if targetMLs <= 0 {
		return 0
	}
	if maxRateMLs <= 0 {
		maxRateMLs = DefaultMaxRateMLs
	}
	alpha := targetMLs / maxRateMLs
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	e := int(float64(deadband) + alpha*float64(255-deadband) + 0.5)
	if e > 255 {
		e = 255
	}
	return e
}

// Derived holds the convenience fields computed from a snapshot.
type Derived struct {
	RemainingML      float64
	ObjectivePending bool
	Running          bool
}

// Derive computes remaining volume, objective pending and running state.
// execOn is the pump-execute bit as reported by the controller.
func Derive(volumeML, targetML, flowMLs float64, execOn bool, marginML float64) Derived {
	if marginML <= 0 {
		marginML = DefaultMarginML
	}
	remaining := targetML - volumeML
	if remaining < 0 {
		remaining = 0
	}
	pending := remaining > marginML
	return Derived{
		RemainingML:      remaining,
		ObjectivePending: pending,
		Running:          flowMLs > 0.01 || (execOn && pending),
	}
}
