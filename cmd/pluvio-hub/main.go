// pluvio-hub: fleet aggregator daemon. Registers robot-servers, polls their
// status, routes commands to the robot that owns them, and fans fleet state
// plus the active robot's telemetry out to WebSocket clients.
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
	"github.com/pluviolabs/pluvio/pkg/fleet"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "", "Path to YAML config file")
	port       = flag.Int("port", config.DefaultHubPort, "HTTP server port")
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

	fmt.Println()
	fmt.Println("☁️  pluvio hub v" + version)
	fmt.Println("   Robot fleet aggregator")
	fmt.Printf("   Robots: http://localhost:%d/api/robots\n", *port)
	fmt.Printf("   Fleet:  ws://localhost:%d/ws\n", *port)
	if n := len(cfg.Hub.Robots); n > 0 {
		fmt.Printf("   Preregistered robots: %d\n", n)
	}
	fmt.Println()

	srv := fleet.NewServerFromConfig(cfg.Hub, metrics.New())

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
