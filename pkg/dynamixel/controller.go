package dynamixel

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

// XL330 control table.
const (
	AddrOperatingMode   uint16 = 11
	AddrTorqueEnable    uint16 = 64
	AddrHardwareError   uint16 = 70
	AddrPositionDGain   uint16 = 80
	AddrPositionIGain   uint16 = 82
	AddrPositionPGain   uint16 = 84
	AddrGoalCurrent     uint16 = 102
	AddrGoalPosition    uint16 = 116
	AddrPresentPosition uint16 = 132
	AddrPresentVoltage  uint16 = 144
)

// Position resolution.
const (
	TicksPerRevolution = 4096
	CenterPosition     = 2048
)

const modePosition = backend.OperatingModePosition

var _ backend.MotorController = (*Controller)(nil)
var _ backend.StatsReporter = (*Controller)(nil)

// Controller maps the Reachy head joints onto motors of one bus.
type Controller struct {
	bus    *Bus
	logger *slog.Logger

	ids      map[string]uint8
	head     [7]uint8
	stewart  []uint8
	antennas []uint8
	all      []uint8
}

// Dial opens the serial port and checks that every configured motor
// answers. A zero Baudrate in cfg takes the one of the hardware file.
func Dial(cfg BusConfig, hw HardwareConfig, logger *slog.Logger) (*Controller, error) {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = hw.Baudrate
	}
	bus, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	c, err := NewController(bus, hw, logger)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	return c, nil
}

// NewController builds a controller over bus and pings every motor.
func NewController(bus *Bus, hw HardwareConfig, logger *slog.Logger) (*Controller, error) {
	if err := hw.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		bus:    bus,
		logger: logger.With("component", "motor-controller"),
		ids:    hw.IDs(),
	}
	for i, name := range HeadMotors {
		c.head[i] = c.ids[name]
	}
	c.stewart = append([]uint8(nil), c.head[1:]...)
	for _, name := range AntennaMotors {
		c.antennas = append(c.antennas, c.ids[name])
	}
	c.all = append(append([]uint8(nil), c.head[:]...), c.antennas...)

	for _, name := range append(HeadMotors[:], AntennaMotors[:]...) {
		model, err := bus.Ping(c.ids[name])
		if err != nil {
			return nil, fmt.Errorf("ping %s (id %d): %w", name, c.ids[name], err)
		}
		c.logger.Debug("motor found", "motor", name, "id", c.ids[name], "model", model)
	}
	return c, nil
}

// MotorIDs implements backend.MotorController.
func (c *Controller) MotorIDs() map[string]uint8 {
	out := make(map[string]uint8, len(c.ids))
	for k, v := range c.ids {
		out[k] = v
	}
	return out
}

// Stats implements backend.StatsReporter.
func (c *Controller) Stats() map[string]any { return c.bus.Stats() }

// Close closes the bus.
func (c *Controller) Close() error { return c.bus.Close() }

// ReadPositions reads all nine motors in one sync read.
func (c *Controller) ReadPositions() (kinematics.HeadJoints, kinematics.Antennas, error) {
	var (
		head     kinematics.HeadJoints
		antennas kinematics.Antennas
	)
	data, err := c.bus.SyncRead(c.all, AddrPresentPosition, 4)
	if err != nil {
		return head, antennas, fmt.Errorf("read positions: %w", err)
	}
	for i := range head {
		head[i] = TicksToRadians(int32(binary.LittleEndian.Uint32(data[i])))
	}
	for i := range antennas {
		antennas[i] = TicksToRadians(int32(binary.LittleEndian.Uint32(data[len(head)+i])))
	}
	return head, antennas, nil
}

// SetStewartPositions writes the six platform goal positions.
func (c *Controller) SetStewartPositions(p [6]float64) error {
	return c.writePositions(c.stewart, p[:])
}

// SetBodyRotation writes the body goal position.
func (c *Controller) SetBodyRotation(yaw float64) error {
	return c.writePositions(c.head[:1], []float64{yaw})
}

// SetAntennaPositions writes the antenna goal positions.
func (c *Controller) SetAntennaPositions(a kinematics.Antennas) error {
	return c.writePositions(c.antennas, a[:])
}

func (c *Controller) writePositions(ids []uint8, rad []float64) error {
	data := make([][]byte, len(ids))
	for i := range ids {
		data[i] = binary.LittleEndian.AppendUint32(nil, uint32(RadiansToTicks(rad[i])))
	}
	return c.bus.SyncWrite(AddrGoalPosition, 4, ids, data)
}

// SetStewartGoalCurrents writes the platform goal currents in mA.
func (c *Controller) SetStewartGoalCurrents(cur [6]int16) error {
	data := make([][]byte, len(c.stewart))
	for i := range c.stewart {
		data[i] = binary.LittleEndian.AppendUint16(nil, uint16(cur[i]))
	}
	return c.bus.SyncWrite(AddrGoalCurrent, 2, c.stewart, data)
}

// EnableTorque turns every motor on.
func (c *Controller) EnableTorque() error { return c.SetTorqueOnIDs(c.all, true) }

// DisableTorque turns every motor off.
func (c *Controller) DisableTorque() error { return c.SetTorqueOnIDs(c.all, false) }

// TorqueEnabled reports whether all platform motors hold torque.
func (c *Controller) TorqueEnabled() (bool, error) {
	data, err := c.bus.SyncRead(c.stewart, AddrTorqueEnable, 1)
	if err != nil {
		return false, fmt.Errorf("read torque enable: %w", err)
	}
	for _, d := range data {
		if d[0] == 0 {
			return false, nil
		}
	}
	return true, nil
}

// SetTorqueOnIDs switches torque on the listed motors.
func (c *Controller) SetTorqueOnIDs(ids []uint8, on bool) error {
	return c.syncByte(AddrTorqueEnable, ids, boolByte(on))
}

// EnableStewart switches the platform motors.
func (c *Controller) EnableStewart(on bool) error { return c.SetTorqueOnIDs(c.stewart, on) }

// EnableBodyRotation switches the body motor.
func (c *Controller) EnableBodyRotation(on bool) error { return c.SetTorqueOnIDs(c.head[:1], on) }

// EnableAntennas switches the antenna motors.
func (c *Controller) EnableAntennas(on bool) error { return c.SetTorqueOnIDs(c.antennas, on) }

// StewartOperatingMode reads the mode of the first platform motor.
func (c *Controller) StewartOperatingMode() (uint8, error) {
	b, err := c.bus.Read(c.stewart[0], AddrOperatingMode, 1)
	if err != nil {
		return 0, fmt.Errorf("read operating mode: %w", err)
	}
	return b[0], nil
}

// SetStewartOperatingMode writes the mode of the platform motors. Torque
// must be off.
func (c *Controller) SetStewartOperatingMode(mode uint8) error {
	return c.syncByte(AddrOperatingMode, c.stewart, mode)
}

// SetBodyRotationOperatingMode writes the mode of the body motor.
func (c *Controller) SetBodyRotationOperatingMode(mode uint8) error {
	return c.syncByte(AddrOperatingMode, c.head[:1], mode)
}

// ReadRaw reads a register of one motor.
func (c *Controller) ReadRaw(id uint8, addr uint16, length int) ([]byte, error) {
	return c.bus.Read(id, addr, length)
}

// WriteRawPacket sends an encoded packet and returns the status bytes.
func (c *Controller) WriteRawPacket(packet []byte) ([]byte, error) {
	return c.bus.Raw(packet)
}

// WritePID writes the position gains. D, I and P are contiguous on the
// X series so one write covers all three.
func (c *Controller) WritePID(id uint8, p, i, d uint16) error {
	data := binary.LittleEndian.AppendUint16(nil, d)
	data = binary.LittleEndian.AppendUint16(data, i)
	data = binary.LittleEndian.AppendUint16(data, p)
	return c.bus.Write(id, AddrPositionDGain, data)
}

func (c *Controller) syncByte(addr uint16, ids []uint8, v byte) error {
	data := make([][]byte, len(ids))
	for i := range ids {
		data[i] = []byte{v}
	}
	return c.bus.SyncWrite(addr, 1, ids, data)
}

func boolByte(on bool) byte {
	if on {
		return 1
	}
	return 0
}

// RadiansToTicks converts an angle around the center position to ticks.
func RadiansToTicks(rad float64) int32 {
	return CenterPosition + int32(math.Round(rad*TicksPerRevolution/(2*math.Pi)))
}

// TicksToRadians converts ticks to an angle around the center position.
func TicksToRadians(ticks int32) float64 {
	return float64(ticks-CenterPosition) * 2 * math.Pi / TicksPerRevolution
}
