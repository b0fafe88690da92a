package dynamixel

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Motor names of the Reachy head.
const (
	BodyRotation = "body_rotation"
	Stewart1     = "stewart_1"
	Stewart2     = "stewart_2"
	Stewart3     = "stewart_3"
	Stewart4     = "stewart_4"
	Stewart5     = "stewart_5"
	Stewart6     = "stewart_6"
	RightAntenna = "right_antenna"
	LeftAntenna  = "left_antenna"
)

// HeadMotors lists the head motors in joint order: body yaw then the six
// platform motors.
var HeadMotors = [7]string{BodyRotation, Stewart1, Stewart2, Stewart3, Stewart4, Stewart5, Stewart6}

// AntennaMotors lists the antenna motors, right then left.
var AntennaMotors = [2]string{RightAntenna, LeftAntenna}

// MotorConfig is one motor entry of the hardware file.
type MotorConfig struct {
	ID              uint8    `yaml:"id"`
	Offset          int      `yaml:"offset"`
	LowerLimit      int      `yaml:"lower_limit"`
	UpperLimit      int      `yaml:"upper_limit"`
	ReturnDelayTime int      `yaml:"return_delay_time"`
	ShutdownError   int      `yaml:"shutdown_error"`
	OperatingMode   int      `yaml:"operating_mode"`
	PID             []uint16 `yaml:"pid,omitempty"`
}

// HardwareConfig describes the motors on the bus. In YAML the motors are
// a list of single-key maps so the file keeps its order:
//
//	version: "1.0"
//	serial:
//	  baudrate: 1000000
//	motors:
//	  - body_rotation: {id: 10, pid: [200, 0, 0]}
type HardwareConfig struct {
	Version  string
	Baudrate int
	Motors   map[string]MotorConfig
}

type hardwareFile struct {
	Version string `yaml:"version"`
	Serial  struct {
		Baudrate int `yaml:"baudrate"`
	} `yaml:"serial"`
	Motors []map[string]MotorConfig `yaml:"motors"`
}

// DefaultHardwareConfig returns the factory motor ids.
func DefaultHardwareConfig() HardwareConfig {
	cfg := HardwareConfig{
		Version:  "default",
		Baudrate: DefaultBusConfig().Baudrate,
		Motors:   make(map[string]MotorConfig),
	}
	for i, name := range HeadMotors {
		cfg.Motors[name] = MotorConfig{ID: uint8(10 + i), OperatingMode: int(modePosition)}
	}
	cfg.Motors[RightAntenna] = MotorConfig{ID: 17, OperatingMode: int(modePosition)}
	cfg.Motors[LeftAntenna] = MotorConfig{ID: 18, OperatingMode: int(modePosition)}
	return cfg
}

// LoadHardwareConfig reads a hardware file.
func LoadHardwareConfig(path string) (HardwareConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HardwareConfig{}, fmt.Errorf("read hardware config: %w", err)
	}
	return ParseHardwareConfig(data)
}

// ParseHardwareConfig decodes and validates a hardware file.
func ParseHardwareConfig(data []byte) (HardwareConfig, error) {
	var f hardwareFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return HardwareConfig{}, fmt.Errorf("parse hardware config: %w", err)
	}
	cfg := HardwareConfig{
		Version:  f.Version,
		Baudrate: f.Serial.Baudrate,
		Motors:   make(map[string]MotorConfig),
	}
	for _, entry := range f.Motors {
		for name, m := range entry {
			if _, dup := cfg.Motors[name]; dup {
				return HardwareConfig{}, fmt.Errorf("hardware config: motor %q listed twice", name)
			}
			cfg.Motors[name] = m
		}
	}
	if err := cfg.Validate(); err != nil {
		return HardwareConfig{}, err
	}
	return cfg, nil
}

// Validate checks that every head and antenna motor is present with a
// unique id and well formed gains.
func (c HardwareConfig) Validate() error {
	seen := make(map[uint8]string)
	for _, name := range c.names() {
		m := c.Motors[name]
		if other, ok := seen[m.ID]; ok {
			return fmt.Errorf("hardware config: %s and %s share id %d", other, name, m.ID)
		}
		seen[m.ID] = name
		if m.ID == BroadcastID {
			return fmt.Errorf("hardware config: %s uses the broadcast id", name)
		}
		if m.PID != nil && len(m.PID) != 3 {
			return fmt.Errorf("hardware config: %s pid needs 3 gains, got %d", name, len(m.PID))
		}
	}
	for _, name := range append(HeadMotors[:], AntennaMotors[:]...) {
		if _, ok := c.Motors[name]; !ok {
			return fmt.Errorf("%w: %s missing from hardware config", ErrUnknownMotor, name)
		}
	}
	if c.Baudrate < 0 {
		return fmt.Errorf("hardware config: negative baudrate %d", c.Baudrate)
	}
	return nil
}

// IDs maps motor names to bus ids.
func (c HardwareConfig) IDs() map[string]uint8 {
	ids := make(map[string]uint8, len(c.Motors))
	for name, m := range c.Motors {
		ids[name] = m.ID
	}
	return ids
}

// PIDGains returns the gains of the motors that set them.
func (c HardwareConfig) PIDGains() map[string][3]uint16 {
	gains := make(map[string][3]uint16)
	for name, m := range c.Motors {
		if len(m.PID) == 3 {
			gains[name] = [3]uint16{m.PID[0], m.PID[1], m.PID[2]}
		}
	}
	return gains
}

func (c HardwareConfig) names() []string {
	names := make([]string, 0, len(c.Motors))
	for name := range c.Motors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
