// Package config provides configuration helpers for pluvio commands.
package config

import (
	"os"
	"strconv"
)

// Default robot configuration.
const (
	DefaultServerPort = 8000
	DefaultHubPort    = 8100
	DefaultSerialPort = "/dev/ttyUSB0"
	DefaultBaudrate   = 115200
)

// Getenv returns the env var value or the provided default if not set.
func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetenvInt returns the env var parsed as int or the provided default.
func GetenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetenvBool returns the env var parsed as bool or the provided default.
func GetenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
