package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

// SilenceMessage is the status error set when the motors stop answering.
const SilenceMessage = "No response from the robot's motor for the last second."

// Torque to goal current conversion for the platform motors. The torque
// constant is 1.47 Nm for 0.52 A; the correction holds for the small
// currents gravity compensation needs.
const (
	nmToMilliAmp            = 1.47 / 0.52 * 1000
	currentCorrectionFactor = 4.0
)

// Registers read by the hardware error check.
const (
	regHardwareError  uint16 = 70
	regPresentVoltage uint16 = 144
	maxSupplyVoltage         = 7.8
)

var hardwareErrorBits = map[int]string{
	0: "Input Voltage Error",
	2: "Overheating Error",
	4: "Electrical Shock Error",
	5: "Overload Error",
}

// RobotConfig configures the robot backend.
type RobotConfig struct {
	// Frequency is the control loop rate in Hz.
	Frequency float64 `yaml:"frequency" json:"frequency"`
	// HardwareErrorFrequency is the hardware error poll rate in Hz.
	HardwareErrorFrequency float64 `yaml:"hardware_error_frequency" json:"hardware_error_frequency"`
	// SilenceTimeout stops the loop when no read succeeded for that long.
	SilenceTimeout time.Duration `yaml:"silence_timeout" json:"silence_timeout"`
	// PID maps motor names to position gains written at start.
	PID map[string][3]uint16 `yaml:"pid" json:"pid"`
}

// DefaultRobotConfig returns a 50 Hz loop polling hardware errors once a
// second.
func DefaultRobotConfig() RobotConfig {
	return RobotConfig{Frequency: 50, HardwareErrorFrequency: 1, SilenceTimeout: time.Second}
}

// Validate checks the configuration.
func (c RobotConfig) Validate() error {
	if c.Frequency <= 0 {
		return fmt.Errorf("control frequency must be positive, got %v", c.Frequency)
	}
	if c.HardwareErrorFrequency <= 0 {
		return fmt.Errorf("hardware error check frequency must be positive, got %v", c.HardwareErrorFrequency)
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("silence timeout must be positive, got %v", c.SilenceTimeout)
	}
	return nil
}

// Robot drives the physical head.
type Robot struct {
	*core
	ctrl MotorController
	cfg  RobotConfig
	ids  map[string]uint8

	// Motor state, under hwMu.
	hwMu          sync.Mutex
	torqueEnabled bool
	headMode      int
	antennaMode   int
	gravity       bool

	aliveMu   sync.RWMutex
	lastAlive time.Time

	stats         *loopStats
	lastHWCheck   time.Time
	writeThrottle *log.Throttle
}

// NewRobot creates the robot backend. It writes the configured PID gains
// and infers the motor mode from the controller.
func NewRobot(ctrl MotorController, engine kinematics.Engine, cfg RobotConfig, logger *slog.Logger) (*Robot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Robot{
		ctrl:          ctrl,
		cfg:           cfg,
		ids:           ctrl.MotorIDs(),
		stats:         newLoopStats(statsWindow),
		writeThrottle: log.NewThrottle(time.Second),
	}
	r.core = newCore(KindRobot, engine, Disabled, logger)
	r.switchMode = r.applyMode

	names := make([]string, 0, len(cfg.PID))
	for name := range cfg.PID {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		id, ok := r.ids[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q in PID gains", ErrUnknownMotor, name)
		}
		g := cfg.PID[name]
		r.logger.Info("setting PID gains", "motor", name, "id", id, "p", g[0], "i", g[1], "d", g[2])
		if err := ctrl.WritePID(id, g[0], g[1], g[2]); err != nil {
			return nil, fmt.Errorf("write PID gains of %s: %w", name, err)
		}
	}

	mode, err := inferMode(ctrl)
	if err != nil {
		return nil, err
	}
	r.mode = mode
	r.torqueEnabled = mode != Disabled
	r.gravity = mode == GravityCompensation
	r.headMode, r.antennaMode = int(OperatingModePosition), int(OperatingModePosition)
	if r.gravity {
		r.headMode, r.antennaMode = int(OperatingModeCurrent), int(OperatingModeCurrent)
	}
	r.logger.Info("motor control mode", "mode", mode)
	return r, nil
}

func inferMode(ctrl MotorController) (MotorControlMode, error) {
	on, err := ctrl.TorqueEnabled()
	if err != nil {
		return "", fmt.Errorf("read torque state: %w", err)
	}
	if !on {
		return Disabled, nil
	}
	mode, err := ctrl.StewartOperatingMode()
	if err != nil {
		return "", fmt.Errorf("read operating mode: %w", err)
	}
	switch mode {
	case OperatingModePosition:
		return Enabled, nil
	case OperatingModeVelocity, OperatingModeCurrent:
		return GravityCompensation, nil
	default:
		return "", fmt.Errorf("unknown motor operating mode %d", mode)
	}
}

// Run implements Backend. It returns ErrHardwareSilent when the motors
// stop answering.
func (r *Robot) Run(ctx context.Context) error {
	head, antennas, err := r.ctrl.ReadPositions()
	if err != nil {
		r.setError(err.Error())
		return fmt.Errorf("read initial positions: %w", err)
	}
	if err := r.prime(head, antennas); err != nil {
		r.setError(err.Error())
		return err
	}

	now := time.Now()
	r.setAlive(now)
	r.lastHWCheck = now

	r.logger.Info("control loop started", "frequency", r.cfg.Frequency)
	defer r.logger.Info("control loop stopped")
	period := time.Duration(float64(time.Second) / r.cfg.Frequency)
	return runLoop(ctx, period, minLoopSleep, r.logger, r.tick)
}

func (r *Robot) tick(now time.Time) error {
	r.stats.tick(now)
	r.writeTargets()

	head, antennas, err := r.ctrl.ReadPositions()
	if err != nil {
		r.stats.fail()
		if now.Sub(r.LastAlive()) > r.cfg.SilenceTimeout {
			r.setError(SilenceMessage)
			r.logger.Error("no response from the motors for the last second, stopping", "error", err)
			return fmt.Errorf("%w: %v", ErrHardwareSilent, err)
		}
		r.rollStats(now)
		return nil
	}

	if err := r.updateKinematics(head, antennas); err != nil {
		r.logger.Debug("forward kinematics failed", "error", err)
	}
	_ = r.refreshIK(true)
	r.publish(head, antennas)
	r.setAlive(now)
	r.markReady()

	r.rollStats(now)
	if now.Sub(r.lastHWCheck) > time.Duration(float64(time.Second)/r.cfg.HardwareErrorFrequency) {
		r.logHardwareErrors()
		r.lastHWCheck = now
	}
	return nil
}

// writeTargets sends the targets snapshot according to the motor state.
func (r *Robot) writeTargets() {
	t := r.snapshotTargets()

	r.hwMu.Lock()
	torque, headMode, antennaMode, gravity := r.torqueEnabled, r.headMode, r.antennaMode, r.gravity
	r.hwMu.Unlock()
	if !torque {
		return
	}

	var errs []error
	if headMode != int(OperatingModeCurrent) {
		if t.hasHeadJoints {
			errs = append(errs,
				r.ctrl.SetStewartPositions(t.headJoints.Platform()),
				r.ctrl.SetBodyRotation(t.headJoints.BodyYaw()),
			)
		}
	} else if gravity {
		if currents, ok := r.gravityCurrents(); ok {
			errs = append(errs, r.ctrl.SetStewartGoalCurrents(currents))
		}
	}
	if antennaMode != int(OperatingModeCurrent) && t.hasAntennas {
		errs = append(errs, r.ctrl.SetAntennaPositions(t.antennas))
	}
	if err := errors.Join(errs...); err != nil && r.writeThrottle.Allow() {
		r.logger.Warn("write targets", "error", err)
	}
}

// gravityCurrents converts the gravity torque at the present joints into
// platform goal currents.
func (r *Robot) gravityCurrents() ([6]int16, bool) {
	var out [6]int16
	gm, ok := r.engine.(kinematics.GravityModel)
	if !ok {
		return out, false
	}
	tau, err := gm.GravityTorque(r.PresentHeadJoints())
	if err != nil {
		if r.ikThrottle.Allow() {
			r.logger.Warn("gravity torque", "error", err)
		}
		return out, false
	}
	for i := range out {
		out[i] = int16(math.Round(GravityCurrent(tau[i+1])))
	}
	return out, true
}

// GravityCurrent converts a joint torque in Nm to a goal current in mA.
func GravityCurrent(torque float64) float64 {
	return torque * nmToMilliAmp / currentCorrectionFactor
}

func (r *Robot) rollStats(now time.Time) {
	r.stats.roll(now, func() any {
		if sr, ok := r.ctrl.(StatsReporter); ok {
			return sr.Stats()
		}
		return nil
	})
}

func (r *Robot) setAlive(t time.Time) {
	r.aliveMu.Lock()
	r.lastAlive = t
	r.aliveMu.Unlock()
}

// LastAlive returns the time of the last successful read.
func (r *Robot) LastAlive() time.Time {
	r.aliveMu.RLock()
	defer r.aliveMu.RUnlock()
	return r.lastAlive
}

// Status implements Backend.
func (r *Robot) Status() Status {
	s := r.baseStatus()
	if t := r.LastAlive(); !t.IsZero() {
		v := float64(t.UnixNano()) / 1e9
		s.LastAlive = &v
	}
	s.ControlLoopStats = r.stats.snapshot()
	if s.ControlLoopStats == nil {
		s.ControlLoopStats = &LoopStats{}
	}
	return s
}

// applyMode performs the motor side of a mode change.
func (r *Robot) applyMode(from, to MotorControlMode) error {
	r.hwMu.Lock()
	defer r.hwMu.Unlock()

	switch to {
	case Enabled:
		// Disabled keeps the operating modes, so a robot that went
		// GravityCompensation then Disabled is still in current mode here.
		if r.headMode != int(OperatingModePosition) || r.antennaMode != int(OperatingModePosition) {
			if err := r.setTorque(false); err != nil {
				return err
			}
			if err := r.setHeadMode(OperatingModePosition); err != nil {
				return err
			}
			if err := r.setAntennaMode(OperatingModePosition); err != nil {
				return err
			}
		}
		r.gravity = false
		return r.setTorque(true)
	case Disabled:
		r.gravity = false
		return r.setTorque(false)
	case GravityCompensation:
		if err := r.setTorque(false); err != nil {
			return err
		}
		if err := r.setHeadMode(OperatingModeCurrent); err != nil {
			return err
		}
		if err := r.setAntennaMode(OperatingModeCurrent); err != nil {
			return err
		}
		r.gravity = true
		return r.setTorque(true)
	}
	return fmt.Errorf("unknown motor control mode %q", to)
}

func (r *Robot) setTorque(on bool) error {
	var err error
	if on {
		err = r.ctrl.EnableTorque()
	} else {
		err = r.ctrl.DisableTorque()
	}
	if err != nil {
		return err
	}
	r.torqueEnabled = on
	return nil
}

// setHeadMode changes the platform operating mode. Entering a position
// mode first sets the goal to the present position so the head does not
// jump.
func (r *Robot) setHeadMode(mode uint8) error {
	if r.torqueEnabled {
		if err := r.ctrl.EnableStewart(false); err != nil {
			return err
		}
	}
	if err := r.ctrl.SetStewartOperatingMode(mode); err != nil {
		return err
	}

	if mode != OperatingModeCurrent {
		head, _, err := r.ctrl.ReadPositions()
		if err != nil {
			return err
		}
		r.SetTargetHeadJoints(head)
		if err := r.ctrl.SetStewartPositions(head.Platform()); err != nil {
			return err
		}
		if err := r.ctrl.SetBodyRotation(head.BodyYaw()); err != nil {
			return err
		}
		if err := r.ctrl.EnableBodyRotation(true); err != nil {
			return err
		}
		if err := r.ctrl.SetBodyRotationOperatingMode(OperatingModeCurrent); err != nil {
			return err
		}
	} else if err := r.ctrl.EnableBodyRotation(false); err != nil {
		return err
	}

	if r.torqueEnabled {
		if err := r.ctrl.EnableStewart(true); err != nil {
			return err
		}
	}
	r.headMode = int(mode)
	return nil
}

func (r *Robot) setAntennaMode(mode uint8) error {
	if r.antennaMode == int(mode) {
		return nil
	}
	if mode != OperatingModeCurrent {
		_, antennas, err := r.ctrl.ReadPositions()
		if err != nil {
			return err
		}
		r.SetTargetAntennas(antennas)
		if err := r.ctrl.SetAntennaPositions(antennas); err != nil {
			return err
		}
		if err := r.ctrl.EnableAntennas(true); err != nil {
			return err
		}
	} else if err := r.ctrl.EnableAntennas(false); err != nil {
		return err
	}
	r.antennaMode = int(mode)
	return nil
}

// SetMotorTorqueIDs implements Backend.
func (r *Robot) SetMotorTorqueIDs(names []string, on bool) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: empty motor list", ErrUnknownMotor)
	}
	ids := make([]uint8, 0, len(names))
	for _, name := range names {
		id, ok := r.ids[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMotor, name)
		}
		ids = append(ids, id)
	}
	return r.ctrl.SetTorqueOnIDs(ids, on)
}

// HardwareErrors reads the error register of every motor. Input voltage
// errors are dropped while the supply voltage is within range.
func (r *Robot) HardwareErrors() (map[string][]string, error) {
	names := make([]string, 0, len(r.ids))
	for name := range r.ids {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string][]string)
	for _, name := range names {
		id := r.ids[name]
		b, err := r.ctrl.ReadRaw(id, regHardwareError, 1)
		if err != nil {
			return out, fmt.Errorf("read hardware error of %s: %w", name, err)
		}
		if len(b) != 1 {
			return out, fmt.Errorf("read hardware error of %s: got %d bytes", name, len(b))
		}
		errs := DecodeHardwareError(b[0])
		if len(errs) > 0 && errs[0] == hardwareErrorBits[0] {
			ok, err := r.voltageOK(id)
			if err != nil {
				return out, err
			}
			if ok {
				errs = errs[1:]
			}
		}
		if len(errs) > 0 {
			out[name] = errs
		}
	}
	return out, nil
}

func (r *Robot) voltageOK(id uint8) (bool, error) {
	b, err := r.ctrl.ReadRaw(id, regPresentVoltage, 2)
	if err != nil {
		return false, fmt.Errorf("read voltage of motor %d: %w", id, err)
	}
	if len(b) != 2 {
		return false, fmt.Errorf("read voltage of motor %d: got %d bytes", id, len(b))
	}
	volts := float64(int16(binary.LittleEndian.Uint16(b))) / 10
	return volts <= maxSupplyVoltage, nil
}

func (r *Robot) logHardwareErrors() {
	errs, err := r.HardwareErrors()
	if err != nil {
		r.logger.Debug("hardware error check failed", "error", err)
	}
	for name, e := range errs {
		r.logger.Error("motor hardware errors", "motor", name, "errors", e)
	}
}

// DecodeHardwareError lists the known errors set in a hardware error
// status byte, lowest bit first.
func DecodeHardwareError(b byte) []string {
	var out []string
	for bit := 0; bit < 8; bit++ {
		if b&(1<<bit) == 0 {
			continue
		}
		if name, ok := hardwareErrorBits[bit]; ok {
			out = append(out, name)
		}
	}
	return out
}

// WriteRawPacket sends a raw packet to the motor bus and returns the
// response.
func (r *Robot) WriteRawPacket(packet []byte) ([]byte, error) {
	return r.ctrl.WriteRawPacket(packet)
}

// Close implements Backend.
func (r *Robot) Close() error {
	return r.ctrl.Close()
}
