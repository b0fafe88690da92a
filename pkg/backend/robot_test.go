package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

// fakeController records every call and serves positions from memory.
type fakeController struct {
	mu       sync.Mutex
	calls    []string
	head     kinematics.HeadJoints
	antennas kinematics.Antennas
	torque   bool
	opMode   uint8
	silent   bool
	currents [][6]int16
	regs     map[[2]uint16][]byte
	pid      map[uint8][3]uint16
}

func newFakeController() *fakeController {
	return &fakeController{
		torque: true,
		opMode: OperatingModePosition,
		regs:   make(map[[2]uint16][]byte),
		pid:    make(map[uint8][3]uint16),
	}
}

func (f *fakeController) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeController) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeController) setSilent(on bool) {
	f.mu.Lock()
	f.silent = on
	f.mu.Unlock()
}

func (f *fakeController) ReadPositions() (kinematics.HeadJoints, kinematics.Antennas, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.silent {
		return kinematics.HeadJoints{}, kinematics.Antennas{}, errors.New("timeout")
	}
	return f.head, f.antennas, nil
}

func (f *fakeController) SetStewartPositions(p [6]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.head[1:], p[:])
	return nil
}

func (f *fakeController) SetBodyRotation(yaw float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head[0] = yaw
	return nil
}

func (f *fakeController) SetAntennaPositions(a kinematics.Antennas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.antennas = a
	return nil
}

func (f *fakeController) SetStewartGoalCurrents(c [6]int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currents = append(f.currents, c)
	return nil
}

func (f *fakeController) EnableTorque() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("torque on")
	f.torque = true
	return nil
}

func (f *fakeController) DisableTorque() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("torque off")
	f.torque = false
	return nil
}

func (f *fakeController) TorqueEnabled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.torque, nil
}

func (f *fakeController) SetTorqueOnIDs(ids []uint8, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("torque %v on %v", on, ids)
	return nil
}

func (f *fakeController) EnableStewart(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stewart %v", on)
	return nil
}

func (f *fakeController) EnableBodyRotation(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("body %v", on)
	return nil
}

func (f *fakeController) EnableAntennas(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("antennas %v", on)
	return nil
}

func (f *fakeController) StewartOperatingMode() (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opMode, nil
}

func (f *fakeController) SetStewartOperatingMode(mode uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stewart mode %d", mode)
	f.opMode = mode
	return nil
}

func (f *fakeController) SetBodyRotationOperatingMode(mode uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("body mode %d", mode)
	return nil
}

func (f *fakeController) ReadRaw(id uint8, addr uint16, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.regs[[2]uint16{uint16(id), addr}]; ok {
		return b, nil
	}
	return make([]byte, length), nil
}

func (f *fakeController) WriteRawPacket(packet []byte) ([]byte, error) {
	return append([]byte{0xff}, packet...), nil
}

func (f *fakeController) WritePID(id uint8, p, i, d uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pid[id] = [3]uint16{p, i, d}
	return nil
}

func (f *fakeController) MotorIDs() map[string]uint8 {
	return map[string]uint8{
		"body_rotation": 10,
		"stewart_1":     11,
		"stewart_2":     12,
		"stewart_3":     13,
		"stewart_4":     14,
		"stewart_5":     15,
		"stewart_6":     16,
		"right_antenna": 17,
		"left_antenna":  18,
	}
}

func (f *fakeController) Close() error { return nil }

func (f *fakeController) Stats() map[string]any { return map[string]any{"reads": 1} }

func newRobot(t *testing.T, ctrl *fakeController, engine kinematics.Engine) *Robot {
	t.Helper()
	r, err := NewRobot(ctrl, engine, DefaultRobotConfig(), nil)
	require.NoError(t, err)
	return r
}

func TestRobot_InfersMode(t *testing.T) {
	cases := []struct {
		torque bool
		mode   uint8
		want   MotorControlMode
	}{
		{false, OperatingModePosition, Disabled},
		{true, OperatingModePosition, Enabled},
		{true, OperatingModeVelocity, GravityCompensation},
	}
	for _, tc := range cases {
		ctrl := newFakeController()
		ctrl.torque, ctrl.opMode = tc.torque, tc.mode
		assert.Equal(t, tc.want, newRobot(t, ctrl, analytical(t)).MotorControlMode())
	}

	ctrl := newFakeController()
	ctrl.opMode = 4
	_, err := NewRobot(ctrl, analytical(t), DefaultRobotConfig(), nil)
	assert.Error(t, err)
}

func TestRobot_WritesPIDGains(t *testing.T) {
	ctrl := newFakeController()
	cfg := DefaultRobotConfig()
	cfg.PID = map[string][3]uint16{"stewart_1": {800, 0, 100}}
	_, err := NewRobot(ctrl, analytical(t), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, [3]uint16{800, 0, 100}, ctrl.pid[11])

	cfg.PID = map[string][3]uint16{"tail": {1, 2, 3}}
	_, err = NewRobot(newFakeController(), analytical(t), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownMotor)
}

func TestRobotConfig_Validate(t *testing.T) {
	cfg := DefaultRobotConfig()
	cfg.HardwareErrorFrequency = 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultRobotConfig()
	cfg.Frequency = -1
	assert.Error(t, cfg.Validate())
}

func TestRobot_ModeTransitions(t *testing.T) {
	solver, err := kinematics.New(kinematics.EngineSolver, kinematics.DefaultConfig(), nil)
	require.NoError(t, err)
	ctrl := newFakeController()
	r := newRobot(t, ctrl, solver)

	require.NoError(t, r.SetMotorControlMode(GravityCompensation))
	assert.Equal(t, []string{
		"torque off",
		"stewart mode 0",
		"body false",
		"antennas false",
		"torque on",
	}, ctrl.callLog())

	ctrl.resetCalls()
	require.NoError(t, r.SetMotorControlMode(Enabled))
	assert.Equal(t, []string{
		"torque off",
		"stewart mode 3",
		"body true",
		"body mode 0",
		"antennas true",
		"torque on",
	}, ctrl.callLog())

	ctrl.resetCalls()
	require.NoError(t, r.SetMotorControlMode(Enabled))
	assert.Empty(t, ctrl.callLog(), "same mode must not touch the motors")

	require.NoError(t, r.SetMotorControlMode(Disabled))
	assert.Equal(t, []string{"torque off"}, ctrl.callLog())
}

func TestRobot_EnableAfterGravityThenDisabled(t *testing.T) {
	solver, err := kinematics.New(kinematics.EngineSolver, kinematics.DefaultConfig(), nil)
	require.NoError(t, err)
	ctrl := newFakeController()
	r := newRobot(t, ctrl, solver)

	require.NoError(t, r.SetMotorControlMode(GravityCompensation))
	require.NoError(t, r.SetMotorControlMode(Disabled))

	ctrl.resetCalls()
	require.NoError(t, r.SetMotorControlMode(Enabled))
	assert.Equal(t, []string{
		"torque off",
		"stewart mode 3",
		"body true",
		"body mode 0",
		"antennas true",
		"torque on",
	}, ctrl.callLog(), "leaving current mode must restore position mode")

	target := kinematics.HeadJoints{0.1, 0.2, -0.2, 0.3, -0.3, 0.4, -0.4}
	r.SetTargetHeadJoints(target)
	r.writeTargets()

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, target, ctrl.head, "head targets must reach the motors")
}

func TestRobot_GravityCompensationWritesCurrents(t *testing.T) {
	solver, err := kinematics.New(kinematics.EngineSolver, kinematics.DefaultConfig(), nil)
	require.NoError(t, err)
	ctrl := newFakeController()
	ctrl.head, err = solver.Inverse(kinematics.InitHeadPose, 0)
	require.NoError(t, err)

	r := newRobot(t, ctrl, solver)
	require.NoError(t, r.SetMotorControlMode(GravityCompensation))
	running(t, r)

	eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.currents) > 0
	}, "goal currents should be written")

	ctrl.mu.Lock()
	c := ctrl.currents[0]
	ctrl.mu.Unlock()
	assert.NotEqual(t, [6]int16{}, c, "holding the head needs some current")
}

func TestRobot_GravityCompensationNeedsModel(t *testing.T) {
	r := newRobot(t, newFakeController(), analytical(t))
	ctrl := r.ctrl.(*fakeController)
	err := r.SetMotorControlMode(GravityCompensation)
	assert.ErrorIs(t, err, ErrCapability)
	assert.Equal(t, Enabled, r.MotorControlMode())
	assert.Empty(t, ctrl.callLog())
}

func TestRobot_FollowsTargets(t *testing.T) {
	ctrl := newFakeController()
	r := newRobot(t, ctrl, analytical(t))
	pub := &recorder{}
	r.SetPublisher(pub)
	running(t, r)

	target := kinematics.HeadJoints{0.3, 0.1, -0.1, 0.1, -0.1, 0.1, -0.1}
	r.SetTargetHeadJoints(target)
	r.SetTargetAntennas(kinematics.Antennas{1, -1})
	eventually(t, func() bool {
		return r.PresentHeadJoints() == target && r.PresentAntennas() == kinematics.Antennas{1, -1}
	}, "present joints should follow the written targets")
	assert.Positive(t, pub.jointCount())

	r.SetShuttingDown(true)
	time.Sleep(50 * time.Millisecond)
	n := pub.jointCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, pub.jointCount(), "nothing is published while shutting down")
}

func TestRobot_SilenceStopsLoop(t *testing.T) {
	ctrl := newFakeController()
	r := newRobot(t, ctrl, analytical(t))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("robot not ready")
	}
	require.Nil(t, r.Status().Error)

	silentSince := time.Now()
	ctrl.setSilent(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrHardwareSilent)
		assert.GreaterOrEqual(t, time.Since(silentSince), time.Second-50*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("silent hardware did not stop the loop")
	}

	st := r.Status()
	require.NotNil(t, st.Error)
	assert.Equal(t, SilenceMessage, *st.Error)
	require.NotNil(t, st.LastAlive)
	assert.Equal(t, KindRobot, st.Backend)
}

func TestRobot_StatusStats(t *testing.T) {
	ctrl := newFakeController()
	r := newRobot(t, ctrl, analytical(t))
	running(t, r)

	eventually(t, func() bool {
		st := r.Status()
		return st.ControlLoopStats != nil && st.ControlLoopStats.MeanFrequency > 0
	}, "stats should roll after one second")
	st := r.Status()
	assert.InDelta(t, 50, st.ControlLoopStats.MeanFrequency, 25)
	assert.Equal(t, map[string]any{"reads": 1}, st.ControlLoopStats.MotorController)
}

func TestDecodeHardwareError(t *testing.T) {
	assert.Empty(t, DecodeHardwareError(0))
	assert.Equal(t, []string{"Input Voltage Error", "Overload Error"}, DecodeHardwareError(0b100001))
	assert.Equal(t, []string{"Overheating Error", "Electrical Shock Error"}, DecodeHardwareError(0b010110))
}

func TestRobot_HardwareErrorsVoltageCrossCheck(t *testing.T) {
	ctrl := newFakeController()
	// stewart_1 reports a voltage error at 7.5 V: dropped.
	ctrl.regs[[2]uint16{11, regHardwareError}] = []byte{0b000001}
	ctrl.regs[[2]uint16{11, regPresentVoltage}] = []byte{75, 0}
	// stewart_2 reports a voltage error at 12 V and overheating: both kept.
	ctrl.regs[[2]uint16{12, regHardwareError}] = []byte{0b000101}
	ctrl.regs[[2]uint16{12, regPresentVoltage}] = []byte{120, 0}
	// stewart_3 reports overload only.
	ctrl.regs[[2]uint16{13, regHardwareError}] = []byte{0b100000}

	r := newRobot(t, ctrl, analytical(t))
	errs, err := r.HardwareErrors()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"stewart_2": {"Input Voltage Error", "Overheating Error"},
		"stewart_3": {"Overload Error"},
	}, errs)
}

func TestRobot_SetMotorTorqueIDs(t *testing.T) {
	ctrl := newFakeController()
	r := newRobot(t, ctrl, analytical(t))

	require.NoError(t, r.SetMotorTorqueIDs([]string{"stewart_1", "left_antenna"}, false))
	assert.Equal(t, []string{"torque false on [11 18]"}, ctrl.callLog())

	assert.ErrorIs(t, r.SetMotorTorqueIDs([]string{"tail"}, true), ErrUnknownMotor)
	assert.ErrorIs(t, r.SetMotorTorqueIDs(nil, true), ErrUnknownMotor)
}

func TestGravityCurrent(t *testing.T) {
	assert.InDelta(t, 1.47/0.52*1000/4, GravityCurrent(1), 1e-9)
}

func TestRobot_WriteRawPacket(t *testing.T) {
	r := newRobot(t, newFakeController(), analytical(t))
	resp, err := r.WriteRawPacket([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 1, 2}, resp)
}
