package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration shared by the robot-server
// and the hub. Each daemon reads the section it owns.
type Config struct {
	Robot RobotConfig `yaml:"robot"`
	Hub   HubConfig   `yaml:"hub"`
}

// RobotConfig describes one robot-server instance.
type RobotConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Kind  string `yaml:"kind"` // "hardware" or "virtual"

	Serial      SerialConfig      `yaml:"serial"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Flow        FlowConfig        `yaml:"flow"`

	// TelemetryIntervalMs is the broadcast cadence; 500 when unset.
	TelemetryIntervalMs int `yaml:"telemetry_interval_ms"`
}

// SerialConfig describes the physical link.
type SerialConfig struct {
	Port     string `yaml:"port"`
	Baudrate int    `yaml:"baudrate"`

	// FallbackVirtual switches to the virtual controller when the
	// hardware port cannot be opened at boot.
	FallbackVirtual bool `yaml:"fallback_virtual"`
}

// CalibrationConfig carries the controller calibration constants.
// Zero values mean "leave the controller's current value unchanged".
type CalibrationConfig struct {
	StepsPerMM  float64 `yaml:"steps_per_mm"`
	StepsPerDeg float64 `yaml:"steps_per_deg"`
}

// FlowConfig carries pump/flow defaults.
type FlowConfig struct {
	UseSensor      bool    `yaml:"use_sensor"`
	PumpRateMLs    float64 `yaml:"pump_rate_mls"`
	DeadbandEnergy int     `yaml:"deadband_energy"`
}

// HubConfig describes the hub aggregator.
type HubConfig struct {
	PollIntervalMs int              `yaml:"poll_interval_ms"`
	StaleAfterMs   int              `yaml:"stale_after_ms"`
	Robots         []HubRobotConfig `yaml:"robots"`
}

// HubRobotConfig pre-registers a robot with the hub at boot.
type HubRobotConfig struct {
	ID      string `yaml:"id"`
	Label   string `yaml:"label"`
	BaseURL string `yaml:"base_url"`
	Kind    string `yaml:"kind"`
}

// Load reads a YAML config file. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Robot.ID == "" {
		c.Robot.ID = "robot"
	}
	if c.Robot.Label == "" {
		c.Robot.Label = c.Robot.ID
	}
	if c.Robot.Kind == "" {
		c.Robot.Kind = "hardware"
	}
	if c.Robot.Serial.Port == "" {
		c.Robot.Serial.Port = DefaultSerialPort
	}
	if c.Robot.Serial.Baudrate == 0 {
		c.Robot.Serial.Baudrate = DefaultBaudrate
	}
	if c.Robot.Flow.PumpRateMLs == 0 {
		c.Robot.Flow.PumpRateMLs = 5.0
	}
	if c.Robot.TelemetryIntervalMs == 0 {
		c.Robot.TelemetryIntervalMs = 500
	}
	if c.Hub.PollIntervalMs == 0 {
		c.Hub.PollIntervalMs = 500
	}
	if c.Hub.StaleAfterMs == 0 {
		c.Hub.StaleAfterMs = 4000
	}
}
