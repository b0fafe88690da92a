package config

import (
	"os"
	"strings"
)

// Environment variables that override the config file.
const (
	EnvSerialPort  = "REACHY_SERIAL_PORT"
	EnvBusEndpoint = "REACHY_BUS_ENDPOINT"
	EnvRobotName   = "REACHY_ROBOT_NAME"
	EnvLogLevel    = "REACHY_LOG_LEVEL"
)

// Env returns the value of key, or def when it is unset or blank.
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
