package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeFieldLayout(t *testing.T) {
	cmd := Command{
		Mode:          ModeManualX | ModeExecute,
		EnergyA:       -120,
		EnergyX:       200,
		EnergyPump:    255,
		SetpointXMM:   150.5,
		SetpointADeg:  90,
		TargetVolML:   100,
		KpX:           1.2,
		KiX:           0.01,
		KdX:           0.5,
		KpA:           2,
		KiA:           0.02,
		KdA:           0.25,
		ResetVolume:   true,
		StepsPerMM:    80,
		StepsPerDeg:   10,
		UseFlowSensor: true,
		PumpRateMLs:   5,
		ServoZDeg:     45,
		ServoZSpeed:   30,
		ZSetMM:        12.5,
		ZMMPerDeg:     0.8,
	}

	frame := string(Encode(cmd))
	if !strings.HasSuffix(frame, "\n") {
		t.Fatal("Encode() frame should end with newline")
	}
	fields := strings.Split(strings.TrimSuffix(frame, "\n"), ",")
	if len(fields) != TxFieldCount {
		t.Fatalf("Encode() produced %d fields, want %d", len(fields), TxFieldCount)
	}

	want := map[int]string{
		0:  "9", // manual X + execute
		1:  "-120",
		2:  "200",
		3:  "255",
		4:  "150.5",
		5:  "90",
		6:  "100",
		7:  "1.2",
		13: "1",
		14: "0",
		15: "0",
		16: "80",
		17: "10",
		18: "1",
		19: "5",
		20: "45",
		21: "30",
		22: "12.5",
		23: "0.8",
	}
	for idx, w := range want {
		if fields[idx] != w {
			t.Errorf("field[%d] = %q, want %q", idx, fields[idx], w)
		}
	}
}

func TestEncodeClamping(t *testing.T) {
	tests := []struct {
		name  string
		cmd   Command
		field int
		want  string
	}{
		{"x setpoint above travel", Command{SetpointXMM: 900}, 4, "400"},
		{"x setpoint below zero", Command{SetpointXMM: -5}, 4, "0"},
		{"a setpoint above travel", Command{SetpointADeg: 400}, 5, "355"},
		{"energy above max", Command{EnergyX: 300}, 2, "255"},
		{"energy below min", Command{EnergyA: -999}, 1, "-255"},
		{"negative target volume", Command{TargetVolML: -3}, 6, "0"},
		{"servo above travel", Command{ServoZDeg: 270}, 20, "180"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := strings.Split(strings.TrimSpace(string(Encode(tt.cmd))), ",")
			if fields[tt.field] != tt.want {
				t.Errorf("field[%d] = %q, want %q", tt.field, fields[tt.field], tt.want)
			}
		})
	}
}

func TestFloatFormat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{2.0, "2"},
		{1.5, "1.5"},
		{0.0625, "0.0625"},
		{1.23456, "1.2346"},
		{-0.00004, "0"},
		{-12.25, "-12.25"},
	}
	for _, tt := range tests {
		if got := ftoa(tt.in); got != tt.want {
			t.Errorf("ftoa(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncodeReset(t *testing.T) {
	if got := string(EncodeReset()); got != "reset\n" {
		t.Errorf("EncodeReset() = %q, want %q", got, "reset\n")
	}
}

func TestClearOneShot(t *testing.T) {
	cmd := Command{ResetVolume: true, ResetX: true, ResetA: true, TargetVolML: 50}
	cmd.ClearOneShot()
	if cmd.ResetVolume || cmd.ResetX || cmd.ResetA {
		t.Error("ClearOneShot() should zero all one-shot flags")
	}
	if cmd.TargetVolML != 50 {
		t.Error("ClearOneShot() must not touch other fields")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	orig := &Frame{
		XMM:         123.45,
		ADeg:        270.5,
		PumpEnergy:  255,
		VolumeML:    42.7,
		LimitX:      true,
		HomingA:     true,
		CmdXEcho:    200,
		CmdAEcho:    -120,
		CmdPumpEcho: 255,
		Mode:        ModeManualX | ModeManualA | ModeExecute,
		KpX:         1.2,
		KiX:         0.01,
		KdX:         0.5,
		KpA:         2,
		KiA:         0.02,
		KdA:         0.25,
		StepsPerMM:  80,
		StepsPerDeg: 10,
		FlowFactor:  0.98,
		ZMM:         15.2,
	}

	decoded, err := Decode(EncodeFrame(orig))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if *decoded != *orig {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestDecodeControllerFrame(t *testing.T) {
	// A frame as the controller actually prints it.
	line := "<120.5,45,255,33.25,0,0,1,0,200,0,255,11,1.2,0.01,0.5,2,0.02,0.25,80,10,0.98,15>\n"

	f, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.XMM != 120.5 {
		t.Errorf("XMM = %v, want 120.5", f.XMM)
	}
	if f.VolumeML != 33.25 {
		t.Errorf("VolumeML = %v, want 33.25", f.VolumeML)
	}
	if f.LimitX || f.LimitA {
		t.Error("limit flags should be clear")
	}
	if !f.HomingX {
		t.Error("HomingX should be set")
	}
	if f.Mode != (ModeManualX | ModeManualA | ModeExecute) {
		t.Errorf("Mode = %d, want %d", f.Mode, ModeManualX|ModeManualA|ModeExecute)
	}
	if f.ZMM != 15 {
		t.Errorf("ZMM = %v, want 15", f.ZMM)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantField int
	}{
		{"empty", "", -1},
		{"missing start bracket", "1,2,3>", -1},
		{"missing end bracket", "<1,2,3", -1},
		{"too few fields", "<1,2,3>", -1},
		{"too many fields", "<" + strings.Repeat("1,", RxFieldCount) + "1>", -1},
		{"non numeric field", "<1,2,x,4,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0>", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			if err == nil {
				t.Fatal("Decode() should fail")
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("error type = %T, want *DecodeError", err)
			}
			if decErr.Field != tt.wantField {
				t.Errorf("Field = %d, want %d", decErr.Field, tt.wantField)
			}
		})
	}
}

func BenchmarkEncode(b *testing.B) {
	cmd := Command{Mode: ModeExecute, EnergyPump: 255, TargetVolML: 100, PumpRateMLs: 5}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Encode(cmd)
	}
}

func BenchmarkDecode(b *testing.B) {
	line := EncodeFrame(&Frame{XMM: 120.5, VolumeML: 33.25, Mode: 11})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Decode(line)
	}
}
