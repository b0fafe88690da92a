package dynamixel

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

func newTestController(t *testing.T) (*Controller, *fakeServos) {
	t.Helper()
	f := newFakeServos(10, 11, 12, 13, 14, 15, 16, 17, 18)
	c, err := NewController(testBus(f), DefaultHardwareConfig(), nil)
	require.NoError(t, err)
	return c, f
}

func putTicks(f *fakeServos, id uint8, ticks int32) {
	f.set(id, AddrPresentPosition, binary.LittleEndian.AppendUint32(nil, uint32(ticks))...)
}

func goalTicks(f *fakeServos, id uint8) int32 {
	return int32(binary.LittleEndian.Uint32(f.get(id, AddrGoalPosition, 4)))
}

func TestNewControllerPingsEveryMotor(t *testing.T) {
	_, f := newTestController(t)
	assert.Len(t, f.instructions(), 9)

	missing := newFakeServos(10, 11, 12, 13, 14, 15, 16, 17)
	_, err := NewController(testBus(missing), DefaultHardwareConfig(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTicksConversion(t *testing.T) {
	assert.Equal(t, int32(2048), RadiansToTicks(0))
	assert.Equal(t, int32(3072), RadiansToTicks(math.Pi/2))
	assert.Equal(t, int32(1024), RadiansToTicks(-math.Pi/2))
	assert.InDelta(t, math.Pi, TicksToRadians(4096), 1e-12)
	assert.InDelta(t, 0.3, TicksToRadians(RadiansToTicks(0.3)), 2*math.Pi/TicksPerRevolution)
}

func TestReadPositions(t *testing.T) {
	c, f := newTestController(t)
	for i := uint8(10); i <= 18; i++ {
		putTicks(f, i, 2048+int32(i-10)*100)
	}
	putTicks(f, 18, 1000)

	head, antennas, err := c.ReadPositions()
	require.NoError(t, err)
	for i := range head {
		assert.InDelta(t, TicksToRadians(2048+int32(i)*100), head[i], 1e-12)
	}
	assert.InDelta(t, TicksToRadians(2748), antennas[0], 1e-12)
	assert.InDelta(t, TicksToRadians(1000), antennas[1], 1e-12)
}

func TestWritePositions(t *testing.T) {
	c, f := newTestController(t)

	require.NoError(t, c.SetStewartPositions([6]float64{0, 0.1, 0.2, -0.1, -0.2, math.Pi / 2}))
	require.NoError(t, c.SetBodyRotation(-math.Pi / 2))
	require.NoError(t, c.SetAntennaPositions(kinematics.Antennas{0.5, -0.5}))

	assert.Equal(t, int32(1024), goalTicks(f, 10))
	assert.Equal(t, int32(2048), goalTicks(f, 11))
	assert.Equal(t, RadiansToTicks(0.1), goalTicks(f, 12))
	assert.Equal(t, RadiansToTicks(-0.2), goalTicks(f, 15))
	assert.Equal(t, int32(3072), goalTicks(f, 16))
	assert.Equal(t, RadiansToTicks(0.5), goalTicks(f, 17))
	assert.Equal(t, RadiansToTicks(-0.5), goalTicks(f, 18))
}

func TestGoalCurrents(t *testing.T) {
	c, f := newTestController(t)
	require.NoError(t, c.SetStewartGoalCurrents([6]int16{-5, 10, 0, 0, 0, 300}))

	assert.Equal(t, int16(-5), int16(binary.LittleEndian.Uint16(f.get(11, AddrGoalCurrent, 2))))
	assert.Equal(t, int16(300), int16(binary.LittleEndian.Uint16(f.get(16, AddrGoalCurrent, 2))))
	assert.Equal(t, []byte{0, 0}, f.get(10, AddrGoalCurrent, 2))
}

func TestTorqueSwitching(t *testing.T) {
	c, f := newTestController(t)

	on, err := c.TorqueEnabled()
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, c.EnableTorque())
	on, err = c.TorqueEnabled()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, c.EnableAntennas(false))
	assert.Equal(t, []byte{0}, f.get(17, AddrTorqueEnable, 1))
	assert.Equal(t, []byte{1}, f.get(10, AddrTorqueEnable, 1))

	require.NoError(t, c.EnableBodyRotation(false))
	assert.Equal(t, []byte{0}, f.get(10, AddrTorqueEnable, 1))
	on, err = c.TorqueEnabled()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, c.EnableStewart(false))
	on, err = c.TorqueEnabled()
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, c.SetTorqueOnIDs([]uint8{13}, true))
	assert.Equal(t, []byte{1}, f.get(13, AddrTorqueEnable, 1))

	require.NoError(t, c.DisableTorque())
	for id := uint8(10); id <= 18; id++ {
		assert.Equal(t, []byte{0}, f.get(id, AddrTorqueEnable, 1))
	}
}

func TestOperatingModes(t *testing.T) {
	c, f := newTestController(t)

	require.NoError(t, c.SetStewartOperatingMode(backend.OperatingModePosition))
	mode, err := c.StewartOperatingMode()
	require.NoError(t, err)
	assert.Equal(t, backend.OperatingModePosition, mode)
	assert.Equal(t, []byte{0}, f.get(10, AddrOperatingMode, 1))

	require.NoError(t, c.SetBodyRotationOperatingMode(backend.OperatingModeCurrent))
	require.NoError(t, c.SetStewartOperatingMode(backend.OperatingModeCurrent))
	mode, err = c.StewartOperatingMode()
	require.NoError(t, err)
	assert.Equal(t, backend.OperatingModeCurrent, mode)
}

func TestWritePID(t *testing.T) {
	c, f := newTestController(t)
	require.NoError(t, c.WritePID(11, 800, 20, 5))

	assert.Equal(t, uint16(5), binary.LittleEndian.Uint16(f.get(11, AddrPositionDGain, 2)))
	assert.Equal(t, uint16(20), binary.LittleEndian.Uint16(f.get(11, AddrPositionIGain, 2)))
	assert.Equal(t, uint16(800), binary.LittleEndian.Uint16(f.get(11, AddrPositionPGain, 2)))
}

func TestRawAccess(t *testing.T) {
	c, f := newTestController(t)
	f.set(12, AddrHardwareError, 0x04)
	f.set(12, AddrPresentVoltage, 50, 0)

	b, err := c.ReadRaw(12, AddrHardwareError, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04}, b)

	b, err = c.ReadRaw(12, AddrPresentVoltage, 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(50), binary.LittleEndian.Uint16(b))

	raw, err := c.WriteRawPacket(WritePacket(12, AddrTorqueEnable, []byte{1}).Encode())
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, []byte{1}, f.get(12, AddrTorqueEnable, 1))
}

func TestMotorIDsIsACopy(t *testing.T) {
	c, _ := newTestController(t)
	ids := c.MotorIDs()
	assert.Equal(t, uint8(10), ids[BodyRotation])
	ids[BodyRotation] = 99
	assert.Equal(t, uint8(10), c.MotorIDs()[BodyRotation])
}

func TestControllerStatsAndClose(t *testing.T) {
	c, _ := newTestController(t)
	assert.Equal(t, int64(9), c.Stats()["exchanges"])
	require.NoError(t, c.Close())
	_, _, err := c.ReadPositions()
	assert.ErrorIs(t, err, ErrClosed)
}
