// pluvio: robot-server daemon. Owns one serial-linked dispensing robot and
// exposes it over HTTP and WebSocket: a duplex control channel, a one-way
// telemetry stream, and a REST API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pluviolabs/pluvio/internal/config"
	"github.com/pluviolabs/pluvio/internal/log"
	"github.com/pluviolabs/pluvio/internal/metrics"
	"github.com/pluviolabs/pluvio/pkg/server"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "", "Path to YAML config file")
	port       = flag.Int("port", config.DefaultServerPort, "HTTP server port")
	robotID    = flag.String("id", "", "Robot id (overrides config)")
	serialPort = flag.String("serial", "", "Serial port (overrides config)")
	baudrate   = flag.Int("baud", 0, "Serial baudrate (overrides config)")
	virtual    = flag.Bool("virtual", false, "Use the simulated controller instead of hardware")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// Override from environment
	if envPort := os.Getenv("PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", port)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", "err", err)
	}
	robot := cfg.Robot
	if *robotID != "" {
		robot.ID = *robotID
	}
	if *serialPort != "" {
		robot.Serial.Port = *serialPort
	}
	if *baudrate != 0 {
		robot.Serial.Baudrate = *baudrate
	}
	if *virtual {
		robot.Kind = "virtual"
	}

	fmt.Println()
	fmt.Println("🤖 pluvio robot-server v" + version)
	fmt.Printf("   Robot:  %s (%s)\n", robot.ID, robot.Kind)
	if robot.Kind == "virtual" {
		fmt.Println("   Serial: simulated controller")
	} else {
		fmt.Printf("   Serial: %s @ %d\n", robot.Serial.Port, robot.Serial.Baudrate)
	}
	fmt.Printf("   Control:   ws://localhost:%d/ws/control\n", *port)
	fmt.Printf("   Telemetry: ws://localhost:%d/ws/telemetry\n", *port)
	fmt.Printf("   Status:    http://localhost:%d/api/status\n", *port)
	fmt.Println()

	srv := server.NewServerFromConfig(robot, metrics.New())

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", *port)); err != nil {
			log.Fatal("server error", "err", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n👋 Shutting down...")
	if err := srv.Shutdown(); err != nil {
		log.Warn("shutdown error", "err", err)
	}
	fmt.Println("✅ Goodbye!")
}
