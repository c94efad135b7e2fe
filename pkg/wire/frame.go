package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame is one decoded controller status transmission. The mode field
// round-trips verbatim: whatever bits the controller reports are
// authoritative over what was last commanded.
type Frame struct {
	XMM        float64
	ADeg       float64
	PumpEnergy float64 // applied pump energy, 0..255
	VolumeML   float64

	LimitX  bool
	LimitA  bool
	HomingX bool
	HomingA bool

	CmdXEcho    float64
	CmdAEcho    float64
	CmdPumpEcho float64

	Mode int

	KpX, KiX, KdX float64
	KpA, KiA, KdA float64

	StepsPerMM  float64
	StepsPerDeg float64
	FlowFactor  float64 // controller flow calibration constant
	ZMM         float64
}

// DecodeError describes a rejected controller frame. A failed decode never
// touches previously published state.
type DecodeError struct {
	Reason string
	Field  int // offending field index, -1 when structural
}

func (e *DecodeError) Error() string {
	if e.Field >= 0 {
		return fmt.Sprintf("wire: bad frame: %s (field %d)", e.Reason, e.Field)
	}
	return fmt.Sprintf("wire: bad frame: %s", e.Reason)
}

// Decode parses one bracketed controller frame.
func Decode(line []byte) (*Frame, error) {
	s := strings.TrimSpace(string(line))
	if len(s) < 2 || s[0] != rxStart || s[len(s)-1] != rxEnd {
		return nil, &DecodeError{Reason: "missing frame brackets", Field: -1}
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != RxFieldCount {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("expected %d fields, got %d", RxFieldCount, len(parts)),
			Field:  -1,
		}
	}

	vals := make([]float64, RxFieldCount)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, &DecodeError{Reason: "numeric parse failed", Field: i}
		}
		vals[i] = v
	}

	return &Frame{
		XMM:         vals[0],
		ADeg:        vals[1],
		PumpEnergy:  vals[2],
		VolumeML:    vals[3],
		LimitX:      vals[4] != 0,
		LimitA:      vals[5] != 0,
		HomingX:     vals[6] != 0,
		HomingA:     vals[7] != 0,
		CmdXEcho:    vals[8],
		CmdAEcho:    vals[9],
		CmdPumpEcho: vals[10],
		Mode:        int(vals[11]),
		KpX:         vals[12],
		KiX:         vals[13],
		KdX:         vals[14],
		KpA:         vals[15],
		KiA:         vals[16],
		KdA:         vals[17],
		StepsPerMM:  vals[18],
		StepsPerDeg: vals[19],
		FlowFactor:  vals[20],
		ZMM:         vals[21],
	}, nil
}

// EncodeFrame renders a Frame back into controller format. The virtual
// controller uses this to produce byte-identical frames to hardware.
func EncodeFrame(f *Frame) []byte {
	fields := [RxFieldCount]string{
		ftoa(f.XMM),
		ftoa(f.ADeg),
		ftoa(f.PumpEnergy),
		ftoa(f.VolumeML),
		btoa(f.LimitX),
		btoa(f.LimitA),
		btoa(f.HomingX),
		btoa(f.HomingA),
		ftoa(f.CmdXEcho),
		ftoa(f.CmdAEcho),
		ftoa(f.CmdPumpEcho),
		itoa(f.Mode),
		ftoa(f.KpX), ftoa(f.KiX), ftoa(f.KdX),
		ftoa(f.KpA), ftoa(f.KiA), ftoa(f.KdA),
		ftoa(f.StepsPerMM),
		ftoa(f.StepsPerDeg),
		ftoa(f.FlowFactor),
		ftoa(f.ZMM),
	}
	return []byte(string(rxStart) + strings.Join(fields[:], ",") + string(rxEnd) + "\n")
}
