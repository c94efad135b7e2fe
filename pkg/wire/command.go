package wire

import (
	"strconv"
	"strings"
)

// Command is the full outbound target vector. Encode renders every field on
// every frame; the controller keeps its own state for ">0 applies" fields.
type Command struct {
	Mode       int // absolute, ModeBitfield
	EnergyA    int // absolute, -255..255, 0 = stop
	EnergyX    int // absolute, -255..255, 0 = stop
	EnergyPump int // absolute, -255..255, 0 = stop

	SetpointXMM  float64 // absolute, clamped 0..400
	SetpointADeg float64 // absolute, clamped 0..355
	TargetVolML  float64 // absolute, 0 = no objective

	KpX, KiX, KdX float64 // >0 applies
	KpA, KiA, KdA float64 // >0 applies

	ResetVolume bool // one-shot
	ResetX      bool // one-shot
	ResetA      bool // one-shot

	StepsPerMM  float64 // >0 applies
	StepsPerDeg float64 // >0 applies

	UseFlowSensor bool    // absolute
	PumpRateMLs   float64 // >0 applies, ml/s at full energy

	ServoZDeg   float64 // absolute, clamped 0..180
	ServoZSpeed float64 // >0 applies, deg/s
	ZSetMM      float64 // >0 applies, 0 = derive from servo Z
	ZMMPerDeg   float64 // >0 applies
}

// ClearOneShot zeroes the one-shot flags after a frame has carried them.
func (c *Command) ClearOneShot() {
	c.ResetVolume = false
	c.ResetX = false
	c.ResetA = false
}

// Encode renders the command as one controller frame. Out-of-range values
// are clamped, never rejected, so a frame is always producible.
func Encode(c Command) []byte {
	fields := [TxFieldCount]string{
		itoa(c.Mode),
		itoa(clampi(c.EnergyA, -MaxEnergy, MaxEnergy)),
		itoa(clampi(c.EnergyX, -MaxEnergy, MaxEnergy)),
		itoa(clampi(c.EnergyPump, -MaxEnergy, MaxEnergy)),
		ftoa(clampf(c.SetpointXMM, 0, MaxXMM)),
		ftoa(clampf(c.SetpointADeg, 0, MaxADeg)),
		ftoa(maxf(c.TargetVolML, 0)),
		ftoa(c.KpX), ftoa(c.KiX), ftoa(c.KdX),
		ftoa(c.KpA), ftoa(c.KiA), ftoa(c.KdA),
		btoa(c.ResetVolume),
		btoa(c.ResetX),
		btoa(c.ResetA),
		ftoa(c.StepsPerMM),
		ftoa(c.StepsPerDeg),
		btoa(c.UseFlowSensor),
		ftoa(c.PumpRateMLs),
		ftoa(clampf(c.ServoZDeg, 0, MaxServoDeg)),
		ftoa(c.ServoZSpeed),
		ftoa(c.ZSetMM),
		ftoa(c.ZMMPerDeg),
	}
	return []byte(strings.Join(fields[:], ",") + "\n")
}

// EncodeReset renders the controller soft-reset line.
func EncodeReset() []byte {
	return []byte("reset\n")
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

func btoa(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ftoa renders a float the way the controller expects: four decimals with
// trailing zeros and a trailing dot trimmed.
func ftoa(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
