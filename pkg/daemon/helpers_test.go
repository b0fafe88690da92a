package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 500 * time.Millisecond
	cfg.JoinTimeout = 300 * time.Millisecond
	cfg.StatusPeriod = 20 * time.Millisecond
	cfg.MockupSim = true
	return cfg
}

func newMockup(t *testing.T) *backend.Mockup {
	t.Helper()
	engine, err := kinematics.New(kinematics.EngineAnalytical, kinematics.DefaultConfig(), nil)
	require.NoError(t, err)
	m, err := backend.NewMockup(engine, backend.DefaultMockupConfig(), nil)
	require.NoError(t, err)
	return m
}

func mockupFactory(t *testing.T) BackendFactory {
	return func() (backend.Backend, error) { return newMockup(t), nil }
}

func testMoves(t *testing.T) *motion.Registry {
	t.Helper()
	lib, err := motion.Embedded()
	require.NoError(t, err)
	return motion.NewRegistry(lib)
}

// runBackend runs b's control loop for the duration of the test.
func runBackend(t *testing.T, b backend.Backend) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("backend not ready")
	}
}

// collector keeps every payload published on one topic.
type collector struct {
	mu       sync.Mutex
	payloads [][]byte
}

func collect(t *testing.T, b bus.Bus, topic string) *collector {
	t.Helper()
	c := &collector{}
	sub, err := b.Subscribe(topic, func(_ string, payload []byte) {
		c.mu.Lock()
		c.payloads = append(c.payloads, append([]byte(nil), payload...))
		c.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return c
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

// last decodes the newest payload into v.
func (c *collector) last(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.payloads)
	require.NoError(t, json.Unmarshal(c.payloads[len(c.payloads)-1], v))
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.len() >= n }, 3*time.Second, 5*time.Millisecond)
}

// fakeBackend records the calls the server makes. Methods it does not
// override panic through the nil embedded interface.
type fakeBackend struct {
	backend.Backend

	mu      sync.Mutex
	moving  bool
	calls   []string
	modeErr error
}

func (f *fakeBackend) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeBackend) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) setMoving(on bool) {
	f.mu.Lock()
	f.moving = on
	f.mu.Unlock()
}

func (f *fakeBackend) IsMoveRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moving
}

func (f *fakeBackend) SetPublisher(backend.Publisher) {}

func (f *fakeBackend) SetMotorControlMode(m backend.MotorControlMode) error {
	f.record("mode %s", m)
	return f.modeErr
}

func (f *fakeBackend) SetMotorTorqueIDs(names []string, on bool) error {
	f.record("torque %v %v", names, on)
	return nil
}

func (f *fakeBackend) SetTargetHeadJoints(j kinematics.HeadJoints) { f.record("head_joints %.1f", j[0]) }

func (f *fakeBackend) SetTargetHeadPose(p pose.Pose) { f.record("head_pose %.2f", p[2][3]) }

func (f *fakeBackend) SetTargetBodyYaw(y float64) { f.record("body_yaw %.1f", y) }

func (f *fakeBackend) SetTargetAntennas(a kinematics.Antennas) { f.record("antennas %.1f %.1f", a[0], a[1]) }

func (f *fakeBackend) SetAutomaticBodyYaw(on bool) { f.record("auto_yaw %v", on) }

func (f *fakeBackend) AppendRecord(r backend.Record) { f.record("record %v", r["t"]) }

func (f *fakeBackend) StartRecording() { f.record("start_recording") }

func (f *fakeBackend) StopRecording() []backend.Record {
	f.record("stop_recording")
	return nil
}

// stuckBackend never becomes ready. With ignoreCancel its loop also
// ignores cancellation until release is closed.
type stuckBackend struct {
	*backend.Mockup
	ignoreCancel bool
	release      chan struct{}
}

func (s *stuckBackend) Ready() <-chan struct{} { return make(chan struct{}) }

func (s *stuckBackend) Run(ctx context.Context) error {
	if s.ignoreCancel {
		<-s.release
		return nil
	}
	<-ctx.Done()
	return nil
}

// failingBackend's control loop fails at once.
type failingBackend struct {
	*backend.Mockup
	err error
}

func (f *failingBackend) Ready() <-chan struct{} { return make(chan struct{}) }

func (f *failingBackend) Run(context.Context) error { return f.err }

// erroredBackend runs normally but reports an error in its status.
type erroredBackend struct {
	*backend.Mockup
}

func (e *erroredBackend) Status() backend.Status {
	st := e.Mockup.Status()
	msg := "motor 11: overload"
	st.Error = &msg
	return st
}
