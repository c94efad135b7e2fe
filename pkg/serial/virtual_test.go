package serial

import (
	"bufio"
	"testing"
	"time"

	"github.com/pluviolabs/pluvio/pkg/wire"
)

func nextFrame(t *testing.T, sc *bufio.Scanner) *wire.Frame {
	t.Helper()
	if !sc.Scan() {
		t.Fatalf("controller stream ended: %v", sc.Err())
	}
	f, err := wire.Decode(sc.Bytes())
	if err != nil {
		t.Fatalf("Decode(%q) error = %v", sc.Text(), err)
	}
	return f
}

func sendCommand(t *testing.T, v *VirtualController, cmd wire.Command) {
	t.Helper()
	if _, err := v.Write(wire.Encode(cmd)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestVirtualAxesApproachSetpoints(t *testing.T) {
	v := NewVirtualController()
	defer v.Close()
	sc := bufio.NewScanner(v)

	sendCommand(t, v, wire.Command{SetpointXMM: 16, SetpointADeg: 12, ServoZDeg: 180})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := nextFrame(t, sc)
		if f.XMM > 16+1e-9 {
			t.Fatalf("X overshot setpoint: %v", f.XMM)
		}
		if f.ADeg > 12+1e-9 {
			t.Fatalf("A overshot setpoint: %v", f.ADeg)
		}
		if f.XMM == 16 && f.ADeg == 12 {
			return
		}
	}
	t.Fatal("axes never reached setpoints")
}

func TestVirtualManualDrive(t *testing.T) {
	v := NewVirtualController()
	defer v.Close()
	sc := bufio.NewScanner(v)

	sendCommand(t, v, wire.Command{Mode: wire.ModeManualX, EnergyX: 255, ServoZDeg: 180})

	var last float64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := nextFrame(t, sc)
		if f.Mode != wire.ModeManualX {
			t.Fatalf("Mode = %d, want %d", f.Mode, wire.ModeManualX)
		}
		if f.XMM < last {
			t.Fatalf("X reversed in manual mode: %v then %v", last, f.XMM)
		}
		last = f.XMM
		if f.XMM > 20 {
			return
		}
	}
	t.Fatalf("X = %v, never moved past 20 at full manual energy", last)
}

func TestVirtualPumpStopsAtTarget(t *testing.T) {
	v := NewVirtualController()
	defer v.Close()
	sc := bufio.NewScanner(v)

	sendCommand(t, v, wire.Command{TargetVolML: 2, PumpRateMLs: 50, ServoZDeg: 180})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := nextFrame(t, sc)
		if f.VolumeML > 2+1e-9 {
			t.Fatalf("volume overshot target: %v", f.VolumeML)
		}
		if f.VolumeML == 2 && f.PumpEnergy == 0 {
			return
		}
	}
	t.Fatal("pump never reached target and stopped")
}

func TestVirtualResetLine(t *testing.T) {
	v := NewVirtualController()
	defer v.Close()
	sc := bufio.NewScanner(v)

	sendCommand(t, v, wire.Command{SetpointXMM: 400, StepsPerMM: 80, ServoZDeg: 180})
	moved := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nextFrame(t, sc).XMM >= 20 {
			moved = true
			break
		}
	}
	if !moved {
		t.Fatal("X never moved toward 400")
	}

	if _, err := v.Write([]byte("reset\n")); err != nil {
		t.Fatalf("Write(reset) error = %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f := nextFrame(t, sc)
		// Before the reset X only grows toward 400, so zero proves it.
		if f.XMM == 0 {
			if f.StepsPerMM != 1 || f.Mode != 0 || f.VolumeML != 0 {
				t.Errorf("post-reset frame = {pasos:%v modo:%v vol:%v}, want defaults", f.StepsPerMM, f.Mode, f.VolumeML)
			}
			return
		}
	}
	t.Fatal("reset never took effect")
}

func TestVirtualOneShotVolumeReset(t *testing.T) {
	v := NewVirtualController()
	defer v.Close()
	sc := bufio.NewScanner(v)

	sendCommand(t, v, wire.Command{EnergyPump: 255, PumpRateMLs: 10, ServoZDeg: 180})
	grown := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nextFrame(t, sc).VolumeML > 0.3 {
			grown = true
			break
		}
	}
	if !grown {
		t.Fatal("manual pump never accumulated volume")
	}

	sendCommand(t, v, wire.Command{ResetVolume: true, PumpRateMLs: 10, ServoZDeg: 180})
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f := nextFrame(t, sc)
		if f.VolumeML == 0 && f.CmdPumpEcho == 0 {
			return
		}
	}
	t.Fatal("volume counter never reset")
}

func TestVirtualZTargets(t *testing.T) {
	v := NewVirtualController()
	defer v.Close()
	sc := bufio.NewScanner(v)

	// Z derives from the servo angle when no explicit setpoint rides along.
	sendCommand(t, v, wire.Command{ServoZDeg: 120, ZMMPerDeg: 1})
	reached := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nextFrame(t, sc).ZMM == 60 {
			reached = true
			break
		}
	}
	if !reached {
		t.Fatal("Z never reached the derived target")
	}

	// An explicit setpoint wins over the derived one.
	sendCommand(t, v, wire.Command{ServoZDeg: 120, ZMMPerDeg: 1, ZSetMM: 30})
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nextFrame(t, sc).ZMM == 30 {
			return
		}
	}
	t.Fatal("Z never reached the explicit setpoint")
}
