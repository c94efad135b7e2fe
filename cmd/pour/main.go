// pour: operator console for a pluvio robot-server. Talks the same two
// WebSocket channels a dashboard would: commands with FIFO acks over
// /ws/control, telemetry over /ws/telemetry.
//
// Examples:
//
//	pour -volume 150              dispense 150 ml and wait for completion
//	pour -x 120 -a 45             absolute move
//	pour -jog-x 5 -repeat 10      step X ten times, newest target wins
//	pour -watch                   stream telemetry until interrupted
//	pour -stop                    halt motion and pump, then exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pluviolabs/pluvio/internal/httpc"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/pkg/channel"
	"github.com/pluviolabs/pluvio/pkg/protocol"
)

type cliConfig struct {
	server     string
	volume     float64
	rate       float64
	x, a       float64
	xSet, aSet bool
	jogX, jogA float64
	repeat     int
	every      time.Duration
	watch      bool
	stop       bool
	timeout    time.Duration
	debug      bool
}

func main() {
	cfg := parseFlags()

	level := "warn"
	if cfg.debug {
		level = "debug"
	}
	log.Init(level)

	if cfg.stop {
		if err := sendStop(cfg.server); err != nil {
			log.Fatal("stop failed", "err", err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("💧 pluvio pour")
	fmt.Printf("   Server: %s\n", cfg.server)
	fmt.Println()

	snaps := make(chan *protocol.StatusSnapshot, 8)
	telCh := channel.NewTelemetryChannel(wsURL(cfg.server, "/ws/telemetry"))
	telCh.OnSnapshot = func(s *protocol.StatusSnapshot) {
		select {
		case snaps <- s:
		default:
		}
	}
	telCh.Start()
	defer telCh.Close()

	cmdCh := channel.NewCommandChannel(wsURL(cfg.server, "/ws/control"))
	cmdCh.OnReady = func(rd *protocol.ReadyData) {
		fmt.Printf("✅ Control ready: %s (%s)\n", rd.RobotID, rd.Kind)
	}
	cmdCh.Start()
	defer cmdCh.Close()

	env := buildEnvelope(cfg)
	if !env.IsZero() {
		drainSnaps(snaps)
		sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
		ack, err := cmdCh.Send(sendCtx, env)
		sendCancel()
		if err != nil {
			log.Fatal("command failed", "err", err)
		}
		if !ack.OK() {
			log.Fatal("command rejected", "error", ack.Error)
		}
		fmt.Printf("✅ Applied: %s\n", strings.Join(ack.Applied, ", "))

		if cfg.volume > 0 {
			if err := watchPour(ctx, snaps, cfg.timeout); err != nil {
				log.Fatal("pour failed", "err", err)
			}
		}
	}

	if cfg.jogX != 0 || cfg.jogA != 0 {
		if err := runJog(ctx, cmdCh, snaps, cfg); err != nil {
			log.Fatal("jog failed", "err", err)
		}
	}

	switch {
	case cfg.watch:
		streamTelemetry(ctx, snaps)
	case env.IsZero() && cfg.jogX == 0 && cfg.jogA == 0:
		// No command given: print one snapshot and leave.
		s, err := waitSnapshot(ctx, snaps)
		if err != nil {
			log.Fatal("no telemetry", "err", err)
		}
		printSnapshot(s)
	}

	fmt.Println("👋 Goodbye!")
}

// parseFlags parses command line flags and returns configuration.
func parseFlags() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.server, "server", "http://127.0.0.1:8000", "Robot-server base URL (or set PLUVIO_SERVER env)")
	flag.Float64Var(&cfg.volume, "volume", 0, "Dispense this many ml and wait for completion")
	flag.Float64Var(&cfg.rate, "rate", 0, "Pump rate in ml/s (0 keeps the robot's setting)")
	flag.Float64Var(&cfg.x, "x", 0, "Absolute X target in mm")
	flag.Float64Var(&cfg.a, "a", 0, "Absolute A target in degrees")
	flag.Float64Var(&cfg.jogX, "jog-x", 0, "Step X by this many mm per tick")
	flag.Float64Var(&cfg.jogA, "jog-a", 0, "Step A by this many degrees per tick")
	flag.IntVar(&cfg.repeat, "repeat", 1, "Number of jog ticks")
	flag.DurationVar(&cfg.every, "every", 150*time.Millisecond, "Delay between jog ticks")
	flag.BoolVar(&cfg.watch, "watch", false, "Keep streaming telemetry until interrupted")
	flag.BoolVar(&cfg.stop, "stop", false, "Stop all motion and the pump, then exit")
	flag.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "Give up on a pour after this long")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable verbose debug logging")

	serverSet := false
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			serverSet = true
		case "x":
			cfg.xSet = true
		case "a":
			cfg.aSet = true
		}
	})

	// Environment variables
	if addr := os.Getenv("PLUVIO_SERVER"); addr != "" && !serverSet {
		cfg.server = addr
	}
	return cfg
}

func buildEnvelope(cfg cliConfig) *protocol.CommandEnvelope {
	env := &protocol.CommandEnvelope{}
	sp := &protocol.Setpoints{}
	used := false
	if cfg.xSet {
		v := cfg.x
		sp.XMM = &v
		used = true
	}
	if cfg.aSet {
		v := cfg.a
		sp.ADeg = &v
		used = true
	}
	if cfg.volume > 0 {
		v := cfg.volume
		sp.VolumeML = &v
		used = true
		env.Execute = true
		if cfg.rate > 0 {
			r := cfg.rate
			env.Flow = &protocol.FlowSettings{PumpRateMLs: &r}
		}
	}
	if used {
		env.Setpoints = sp
	}
	return env
}

// watchPour streams telemetry until the dispense settles: no objective, no
// pump energy, estimator off, two frames in a row.
func watchPour(ctx context.Context, snaps <-chan *protocol.StatusSnapshot, timeout time.Duration) error {
	deadline := time.After(timeout)
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("pour did not complete in time")
		case s := <-snaps:
			printSnapshot(s)
			if s.Running || s.ObjectivePending || s.FlowEstimated || s.Energies.Bomba != 0 {
				idle = 0
				continue
			}
			idle++
			if idle >= 2 {
				fmt.Printf("✅ Done: %.2f ml dispensed\n", s.VolumeML)
				return nil
			}
		}
	}
}

// runJog models a held stepper button: every tick advances the absolute
// target and hands it to the coalescer, which keeps only the newest target
// while a send is awaiting its ack.
func runJog(ctx context.Context, cmdCh *channel.CommandChannel, snaps <-chan *protocol.StatusSnapshot, cfg cliConfig) error {
	start, err := waitSnapshot(ctx, snaps)
	if err != nil {
		return err
	}
	x, a := start.XMM, start.ADeg

	co := channel.NewCoalescer(cmdCh.Send)
	co.OnResult = func(_ *protocol.AckBody, err error) {
		if err != nil {
			fmt.Println("⚠️  step not acked:", err)
		}
	}

	ticker := time.NewTicker(cfg.every)
	defer ticker.Stop()
	for i := 0; i < cfg.repeat; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		x += cfg.jogX
		a += cfg.jogA
		co.Update(jogEnvelope(cfg, x, a))
		fmt.Printf("  step %d/%d: x=%.2f a=%.2f\n", i+1, cfg.repeat, x, a)
	}

	// Button released: make sure the final target actually lands.
	sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
	defer sendCancel()
	ack, err := cmdCh.Send(sendCtx, jogEnvelope(cfg, x, a))
	if err != nil {
		return err
	}
	if !ack.OK() {
		return fmt.Errorf("rejected: %s", ack.Error)
	}
	fmt.Printf("✅ Jog done: x=%.2f mm  a=%.2f°\n", x, a)
	return nil
}

func jogEnvelope(cfg cliConfig, x, a float64) *protocol.CommandEnvelope {
	sp := &protocol.Setpoints{}
	if cfg.jogX != 0 {
		v := x
		sp.XMM = &v
	}
	if cfg.jogA != 0 {
		v := a
		sp.ADeg = &v
	}
	return &protocol.CommandEnvelope{Setpoints: sp}
}

func sendStop(server string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.TrimSuffix(server, "/") + "/api/stop"
	status, body, err := httpc.PostJSON(ctx, httpc.Client, url, struct{}{}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("stop returned %d: %s", status, body)
	}
	fmt.Println("🛑 Motion and pump stopped")
	return nil
}

func streamTelemetry(ctx context.Context, snaps <-chan *protocol.StatusSnapshot) {
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case s := <-snaps:
			printSnapshot(s)
		}
	}
}

func waitSnapshot(ctx context.Context, snaps <-chan *protocol.StatusSnapshot) (*protocol.StatusSnapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, errors.New("no telemetry within 5s")
	case s := <-snaps:
		return s, nil
	}
}

func drainSnaps(snaps <-chan *protocol.StatusSnapshot) {
	for {
		select {
		case <-snaps:
		default:
			return
		}
	}
}

func printSnapshot(s *protocol.StatusSnapshot) {
	mark := ""
	if s.FlowEstimated {
		mark = "~"
	}
	extra := ""
	if s.LimitX || s.LimitA {
		extra += "  LIMIT"
	}
	if s.Stale {
		extra += "  STALE"
	}
	fmt.Printf("  [%s] x=%8.2f mm  a=%7.2f°  vol=%s%.2f/%.0f ml  pump=%4d  modo=%d%s\n",
		s.RobotID, s.XMM, s.ADeg, mark, s.VolumeML, s.TargetVolML, s.Energies.Bomba, s.Mode, extra)
}

// wsURL turns the server base URL into a WebSocket endpoint.
func wsURL(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	}
	return "ws://" + strings.TrimPrefix(base, "http://") + path
}
