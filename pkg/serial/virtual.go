package serial

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pluviolabs/pluvio/pkg/wire"
)

// Virtual controller motion envelope, matching the firmware.
const (
	virtualFrameInterval = 50 * time.Millisecond
	virtualMaxSpeedX     = 160.0 // mm/s
	virtualMaxSpeedA     = 120.0 // deg/s
	virtualMaxSpeedZ     = 120.0 // mm/s
	virtualMaxZMM        = 150.0
	virtualMarginML      = 0.05
)

// VirtualController simulates the motor controller in-process so the whole
// stack runs without hardware. It implements Port: Write accepts command
// frames, Read yields status frames at the controller cadence. Limit and
// homing flags never assert; those are hardware inputs.
type VirtualController struct {
	mu sync.Mutex

	xMM, aDeg, zMM float64
	volumeML       float64
	pumpApplied    float64

	mode                int
	cmdX, cmdA, cmdPump float64
	targetX, targetA    float64
	targetZ             float64
	targetVolume        float64
	manualX, manualA    bool

	kpX, kiX, kdX float64
	kpA, kiA, kdA float64
	stepsPerMM    float64
	stepsPerDeg   float64
	pumpRate      float64
	flowFactor    float64
	servoZDeg     float64
	zMMPerDeg     float64

	lastStep time.Time
	wbuf     []byte

	pr        *io.PipeReader
	pw        *io.PipeWriter
	stop      chan struct{}
	closeOnce sync.Once
}

// NewVirtualController starts a simulated controller producing frames at
// 20 Hz.
func NewVirtualController() *VirtualController {
	pr, pw := io.Pipe()
	v := &VirtualController{
		pr:       pr,
		pw:       pw,
		stop:     make(chan struct{}),
		lastStep: time.Now(),
	}
	v.resetLocked()
	go v.run()
	return v
}

func (v *VirtualController) run() {
	ticker := time.NewTicker(virtualFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case now := <-ticker.C:
			frame := v.step(now)
			if _, err := v.pw.Write(frame); err != nil {
				return
			}
		}
	}
}

func (v *VirtualController) Read(p []byte) (int, error) {
	return v.pr.Read(p)
}

// Write accepts command frames. Partial writes are buffered until a full
// line arrives.
func (v *VirtualController) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wbuf = append(v.wbuf, p...)
	for {
		i := bytes.IndexByte(v.wbuf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimSpace(string(v.wbuf[:i]))
		v.wbuf = v.wbuf[i+1:]
		if line != "" {
			v.applyLocked(line)
		}
	}
}

// Close stops the simulation and unblocks both pipe ends.
func (v *VirtualController) Close() error {
	v.closeOnce.Do(func() {
		close(v.stop)
		v.pw.CloseWithError(io.EOF)
		v.pr.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

// applyLocked interprets one inbound line: the soft-reset word or a full
// command vector. Unparseable fields read as zero, like the firmware.
func (v *VirtualController) applyLocked(line string) {
	if line == "reset" {
		v.resetLocked()
		return
	}
	vals := make([]float64, wire.TxFieldCount)
	for i, part := range strings.Split(line, ",") {
		if i >= wire.TxFieldCount {
			break
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
			vals[i] = f
		}
	}

	v.mode = int(math.Round(vals[0]))
	v.cmdA = vals[1]
	v.cmdX = vals[2]
	v.cmdPump = vals[3]
	v.pumpApplied = vals[3]
	v.targetX = clamp(vals[4], 0, wire.MaxXMM)
	v.targetA = clamp(vals[5], 0, wire.MaxADeg)
	v.targetVolume = math.Max(0, vals[6])
	v.kpX, v.kiX, v.kdX = vals[7], vals[8], vals[9]
	v.kpA, v.kiA, v.kdA = vals[10], vals[11], vals[12]
	if vals[13] != 0 {
		v.volumeML = 0
	}
	if vals[14] != 0 {
		v.xMM = 0
	}
	if vals[15] != 0 {
		v.aDeg = 0
	}
	v.stepsPerMM = vals[16]
	v.stepsPerDeg = vals[17]
	// vals[18] selects the flow sensor; the simulation always integrates.
	v.pumpRate = vals[19]
	v.flowFactor = vals[19]
	v.servoZDeg = vals[20]
	// vals[21] is the servo speed; the simulation moves Z at its own limit.
	if vals[23] > 0 {
		v.zMMPerDeg = vals[23]
	}
	if zSet := vals[22]; zSet > 0 {
		v.targetZ = clamp(zSet, 0, virtualMaxZMM)
	} else {
		v.targetZ = math.Max(0, (180-v.servoZDeg)*v.zMMPerDeg)
	}
	v.manualX = v.mode&wire.ModeManualX != 0
	v.manualA = v.mode&wire.ModeManualA != 0
}

func (v *VirtualController) resetLocked() {
	v.xMM, v.aDeg, v.zMM = 0, 0, 0
	v.volumeML = 0
	v.pumpApplied = 0
	v.mode = 0
	v.cmdX, v.cmdA, v.cmdPump = 0, 0, 0
	v.targetX, v.targetA, v.targetZ = 0, 0, 0
	v.targetVolume = 0
	v.manualX, v.manualA = false, false
	v.kpX, v.kiX, v.kdX = 0, 0, 0
	v.kpA, v.kiA, v.kdA = 0, 0, 0
	v.stepsPerMM = 1
	v.stepsPerDeg = 1
	v.pumpRate = 1
	v.flowFactor = 1
	v.servoZDeg = 180
	v.zMMPerDeg = 1
}

// step advances the simulation by the elapsed wall time and renders one
// status frame.
func (v *VirtualController) step(now time.Time) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	dt := now.Sub(v.lastStep).Seconds()
	v.lastStep = now
	if dt < 0 {
		dt = 0
	}

	if v.manualX {
		v.xMM += v.cmdX / 255 * virtualMaxSpeedX * dt
	} else {
		v.xMM = approach(v.xMM, v.targetX, virtualMaxSpeedX*dt)
	}
	v.xMM = clamp(v.xMM, 0, wire.MaxXMM)

	if v.manualA {
		v.aDeg += v.cmdA / 255 * virtualMaxSpeedA * dt
	} else {
		v.aDeg = approach(v.aDeg, v.targetA, virtualMaxSpeedA*dt)
	}
	v.aDeg = clamp(v.aDeg, 0, wire.MaxADeg)

	// The pump runs itself at full energy while an objective is pending and
	// stops when the target is reached; without an objective it follows the
	// manual energy.
	pending := v.targetVolume-v.volumeML > virtualMarginML
	energy := v.cmdPump
	if pending {
		energy = wire.MaxEnergy
	}
	flow := math.Abs(energy) / 255 * v.pumpRate
	if energy >= 0 {
		if pending && v.targetVolume > 0 {
			add := math.Max(0, v.targetVolume-v.volumeML)
			v.volumeML += math.Min(add, flow*dt)
		} else {
			v.volumeML += flow * dt
		}
	} else {
		v.volumeML = math.Max(0, v.volumeML-flow*dt)
	}
	if v.targetVolume > 0 {
		v.volumeML = math.Min(v.volumeML, v.targetVolume)
	}
	v.pumpApplied = energy

	v.zMM = approach(v.zMM, v.targetZ, virtualMaxSpeedZ*dt)

	return wire.EncodeFrame(&wire.Frame{
		XMM:         v.xMM,
		ADeg:        v.aDeg,
		PumpEnergy:  v.pumpApplied,
		VolumeML:    v.volumeML,
		CmdXEcho:    v.cmdX,
		CmdAEcho:    v.cmdA,
		CmdPumpEcho: v.cmdPump,
		Mode:        v.mode,
		KpX:         v.kpX,
		KiX:         v.kiX,
		KdX:         v.kdX,
		KpA:         v.kpA,
		KiA:         v.kiA,
		KdA:         v.kdA,
		StepsPerMM:  v.stepsPerMM,
		StepsPerDeg: v.stepsPerDeg,
		FlowFactor:  v.flowFactor,
		ZMM:         v.zMM,
	})
}

// approach moves current toward target by at most maxDelta.
func approach(current, target, maxDelta float64) float64 {
	if maxDelta <= 0 {
		return current
	}
	delta := target - current
	if math.Abs(delta) <= maxDelta {
		return target
	}
	return current + math.Copysign(maxDelta, delta)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
