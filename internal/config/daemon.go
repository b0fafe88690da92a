// Package config loads the reachy daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/daemon"
	"github.com/teslashibe/go-reachy-daemon/pkg/dynamixel"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

// Backend names.
const (
	BackendRobot   = backend.KindRobot
	BackendPhysics = backend.KindPhysics
	BackendMockup  = backend.KindMockup
)

// Moves locates the recorded move libraries.
type Moves struct {
	// Dir holds one library per sub-directory of JSON moves.
	Dir string `yaml:"dir"`
	// DB is a sqlite move store loaded at start.
	DB string `yaml:"db"`
}

// Daemon is the configuration file of reachy-daemon.
type Daemon struct {
	Daemon daemon.Config `yaml:"daemon"`

	// Backend is robot, physics or mockup.
	Backend string `yaml:"backend"`
	// Kinematics names the kinematics engine.
	Kinematics       string            `yaml:"kinematics"`
	KinematicsConfig kinematics.Config `yaml:"kinematics_config"`

	Serial dynamixel.BusConfig `yaml:"serial"`
	// HardwareConfig is a motor YAML file. Empty uses the factory ids.
	HardwareConfig string `yaml:"hardware_config"`

	Robot   backend.RobotConfig    `yaml:"robot"`
	Physics backend.PhysicsConfig  `yaml:"physics"`
	Mockup  backend.MockupConfig   `yaml:"mockup"`
	Sim     backend.JointSimConfig `yaml:"sim"`

	Bus   bus.Config `yaml:"bus"`
	Moves Moves      `yaml:"moves"`

	WakeUpOnStart   bool `yaml:"wake_up_on_start"`
	GotoSleepOnStop bool `yaml:"goto_sleep_on_stop"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used without a file.
func Default() Daemon {
	return Daemon{
		Daemon:           daemon.DefaultConfig(),
		Backend:          BackendRobot,
		Kinematics:       kinematics.EngineAnalytical,
		KinematicsConfig: kinematics.DefaultConfig(),
		Serial:           dynamixel.DefaultBusConfig(),
		Robot:            backend.DefaultRobotConfig(),
		Physics:          backend.DefaultPhysicsConfig(),
		Mockup:           backend.DefaultMockupConfig(),
		Sim:              backend.DefaultJointSimConfig(),
		Bus:              bus.DefaultConfig(),
		WakeUpOnStart:    true,
		GotoSleepOnStop:  true,
		LogLevel:         "info",
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads the defaults only.
func Load(path string) (Daemon, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if cfg.Daemon.Prefix != "" {
		cfg.Bus.WebSocket.Prefix = cfg.Daemon.Prefix
	}
	return cfg, nil
}

// ApplyEnv applies the REACHY_* environment overrides.
func (c *Daemon) ApplyEnv() {
	c.Serial.Port = Env(EnvSerialPort, c.Serial.Port)
	c.Daemon.RobotName = Env(EnvRobotName, c.Daemon.RobotName)
	c.LogLevel = Env(EnvLogLevel, c.LogLevel)
	if endpoint := Env(EnvBusEndpoint, ""); endpoint != "" {
		c.SetBusEndpoint(endpoint)
	}
}

// SetBusEndpoint points the selected transport at endpoint: the broker
// URL for mqtt, the listen address for websocket.
func (c *Daemon) SetBusEndpoint(endpoint string) {
	switch c.Bus.Kind {
	case bus.KindMQTT:
		c.Bus.MQTT.URL = endpoint
	case bus.KindWebSocket:
		c.Bus.WebSocket.Listen = endpoint
	}
}

// Simulated reports whether the backend runs without hardware.
func (c Daemon) Simulated() bool { return c.Backend != BackendRobot }

// DaemonConfig returns the lifecycle config with the simulation flags the
// status reports.
func (c Daemon) DaemonConfig() daemon.Config {
	d := c.Daemon
	d.Simulation = c.Backend == BackendPhysics
	d.MockupSim = c.Backend == BackendMockup
	return d
}

// Validate checks the whole file.
func (c Daemon) Validate() error {
	var errs []error
	if err := c.Daemon.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("daemon: %w", err))
	}
	switch c.Backend {
	case BackendRobot:
		if c.Serial.Port == "" {
			errs = append(errs, errors.New("serial port is required for the robot backend"))
		}
		if err := c.Serial.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("serial: %w", err))
		}
		if err := c.Robot.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("robot: %w", err))
		}
	case BackendPhysics:
		if err := c.Physics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("physics: %w", err))
		}
	case BackendMockup:
		if err := c.Mockup.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mockup: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := kinematics.CanonicalName(c.Kinematics); err != nil {
		errs = append(errs, err)
	}
	if err := c.KinematicsConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kinematics: %w", err))
	}
	if err := c.Bus.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
