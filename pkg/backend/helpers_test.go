package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

func analytical(t *testing.T) kinematics.Engine {
	t.Helper()
	e, err := kinematics.New(kinematics.EngineAnalytical, kinematics.DefaultConfig(), nil)
	require.NoError(t, err)
	return e
}

// running starts b's control loop and waits until it is ready. The loop
// is stopped at the end of the test.
func running(t *testing.T, b Backend) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("control loop did not stop")
		}
	})

	select {
	case <-b.Ready():
	case err := <-done:
		t.Fatalf("control loop exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("backend not ready after 2s")
	}
}

// recorder is a Publisher keeping everything it receives.
type recorder struct {
	mu         sync.Mutex
	joints     int
	poses      []pose.Pose
	recordings [][]byte
}

func (r *recorder) PublishJoints(kinematics.HeadJoints, kinematics.Antennas) {
	r.mu.Lock()
	r.joints++
	r.mu.Unlock()
}

func (r *recorder) PublishHeadPose(p pose.Pose) {
	r.mu.Lock()
	r.poses = append(r.poses, p)
	r.mu.Unlock()
}

func (r *recorder) PublishRecording(payload []byte) error {
	r.mu.Lock()
	r.recordings = append(r.recordings, payload)
	r.mu.Unlock()
	return nil
}

func (r *recorder) jointCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joints
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}
