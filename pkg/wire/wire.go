// Package wire implements the fixed-layout serial frames exchanged with the
// motor controller. Field order and count are a compatibility contract with
// deployed controller firmware and must not be renumbered.
//
// Outbound frames carry the full target vector every time; sparse command
// merging happens above this package. Each Command field documents its
// convention: "absolute" fields are applied verbatim every frame (0 means
// set to zero), ">0 applies" fields are ignored by the controller when 0
// (0 means leave unchanged), and one-shot flags are cleared by the sender
// after a single frame.
package wire

// Mode bitfield bits. Bits are independent; an absent bit means
// automatic/idle for that axis.
const (
	ModeManualX = 1 << 0 // manual energy drives the X axis
	ModeManualA = 1 << 1 // manual energy drives the A axis
	ModeExecute = 1 << 3 // pump execute trigger
)

// Controller travel and power limits.
const (
	MaxXMM      = 400.0
	MaxADeg     = 355.0
	MaxServoDeg = 180.0
	MaxEnergy   = 255
)

// Frame geometry.
const (
	TxFieldCount = 24
	RxFieldCount = 22

	rxStart = '<'
	rxEnd   = '>'
)

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampi(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
