package backend

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

func newMockup(t *testing.T) *Mockup {
	t.Helper()
	m, err := NewMockup(analytical(t), DefaultMockupConfig(), nil)
	require.NoError(t, err)
	return m
}

func TestGotoTarget_FromSleepToNeutral(t *testing.T) {
	m := newMockup(t)
	running(t, m)

	_, _, magic := pose.Distance(m.PresentHeadPose(), kinematics.InitHeadPose)
	require.Greater(t, magic, 10.0, "mockup should start at rest")

	neutral := kinematics.InitHeadPose
	err := m.GotoTarget(context.Background(), GotoRequest{
		Head:     &neutral,
		Antennas: &kinematics.Antennas{},
		Duration: 2 * time.Second,
		Method:   trajectory.MinJerk,
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		tr, ang, _ := pose.Distance(m.PresentHeadPose(), neutral)
		return tr < 1e-3 && ang < 1e-2
	}, "head should reach neutral")
	a := m.PresentAntennas()
	assert.InDelta(t, 0, a[0], 1e-9)
	assert.InDelta(t, 0, a[1], 1e-9)
	assert.False(t, m.IsMoveRunning())
}

func TestGotoMove_DistanceDecreasesAtTheEnd(t *testing.T) {
	start := kinematics.SleepHeadPose
	target := kinematics.InitHeadPose
	g, err := motion.NewGotoMove(motion.GotoEndpoint{Head: &start}, motion.GotoEndpoint{Head: &target}, 2*time.Second, trajectory.MinJerk)
	require.NoError(t, err)

	prev := math.Inf(1)
	for ts := 1.5 + 0.01; ts <= 2.0+1e-9; ts += 0.01 {
		s, err := g.Evaluate(time.Duration(ts * float64(time.Second)))
		require.NoError(t, err)
		_, _, magic := pose.Distance(*s.Head, target)
		require.Less(t, magic, prev, "t=%.2f", ts)
		prev = magic
	}
	s, err := g.Evaluate(2 * time.Second)
	require.NoError(t, err)
	_, _, magic := pose.Distance(*s.Head, target)
	assert.InDelta(t, 0, magic, 1e-9)
}

func TestGotoTarget_Validation(t *testing.T) {
	m := newMockup(t)
	ctx := context.Background()

	err := m.GotoTarget(ctx, GotoRequest{Duration: 0})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	bad := pose.Identity()
	bad[0][0] = 3
	err = m.GotoTarget(ctx, GotoRequest{Head: &bad, Duration: time.Second})
	assert.ErrorIs(t, err, pose.ErrNotOrthonormal)

	err = m.GotoTarget(ctx, GotoRequest{Duration: time.Second, Method: "wobble"})
	assert.ErrorIs(t, err, trajectory.ErrUnknownMethod)

	err = m.GotoJointPositions(ctx, nil, nil, -time.Second, "")
	assert.ErrorIs(t, err, ErrInvalidDuration)

	assert.False(t, m.IsMoveRunning())
}

func TestPlayMove_RejectsConcurrentMove(t *testing.T) {
	m := newMockup(t)
	running(t, m)

	first := make(chan error, 1)
	go func() {
		first <- m.GotoTarget(context.Background(), GotoRequest{Duration: 5 * time.Second})
	}()
	eventually(t, m.IsMoveRunning, "first move should start")

	err := m.GotoTarget(context.Background(), GotoRequest{Duration: time.Second})
	assert.ErrorIs(t, err, ErrMoveRunning)
	err = m.GotoJointPositions(context.Background(), nil, nil, time.Second, "")
	assert.ErrorIs(t, err, ErrMoveRunning)

	m.CancelMove()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrMoveCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled move did not return")
	}
	assert.False(t, m.IsMoveRunning())

	// The guard is free again.
	require.NoError(t, m.GotoTarget(context.Background(), GotoRequest{Duration: 20 * time.Millisecond}))
}

func shortRecorded(t *testing.T) *motion.RecordedMove {
	t.Helper()
	frame := func(yaw float64) motion.Frame {
		return motion.Frame{Head: pose.FromXYZRPY(0, 0, 0, 0, 0, yaw), Antennas: [2]float64{yaw, -yaw}}
	}
	m, err := motion.NewRecorded("short", motion.RecordedData{
		Time:          []float64{0, 0.05, 0.1, 0.15},
		SetTargetData: []motion.Frame{frame(0.1), frame(0.15), frame(0.2), frame(0.25)},
	}, "")
	require.NoError(t, err)
	return m
}

func TestPlayMove_InitialGotoReentersGuard(t *testing.T) {
	m := newMockup(t)
	running(t, m)

	err := m.PlayMove(context.Background(), shortRecorded(t), PlayOptions{InitialGoto: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, m.IsMoveRunning())
	assert.Equal(t, 0, m.guard.depth)
}

func TestPlayMove_CancelReleasesOnce(t *testing.T) {
	cases := []struct {
		name     string
		opts     PlayOptions
		cancelAt time.Duration
	}{
		{"before first sample", PlayOptions{}, 0},
		{"mid move", PlayOptions{}, 30 * time.Millisecond},
		{"during initial goto", PlayOptions{InitialGoto: time.Second}, 30 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMockup(t)
			ctx, cancel := context.WithCancel(context.Background())
			if tc.cancelAt == 0 {
				cancel()
			} else {
				time.AfterFunc(tc.cancelAt, cancel)
			}
			defer cancel()

			g, err := motion.NewGotoMove(motion.GotoEndpoint{}, motion.GotoEndpoint{}, time.Second, trajectory.Linear)
			require.NoError(t, err)
			err = m.PlayMove(ctx, g, tc.opts)
			assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
			assert.False(t, m.IsMoveRunning())
			assert.Equal(t, 0, m.guard.depth)
		})
	}
}

func TestGotoJointPositions_ReachesTarget(t *testing.T) {
	m := newMockup(t)
	running(t, m)

	target := kinematics.HeadJoints{0.2}
	antennas := kinematics.Antennas{0.5, -0.5}
	require.NoError(t, m.GotoJointPositions(context.Background(), &target, &antennas, 100*time.Millisecond, trajectory.EaseInOut))

	eventually(t, func() bool {
		return m.PresentHeadJoints().MaxAbsDiff(target) < 1e-9 && m.PresentAntennas() == antennas
	}, "joints should reach the target")
}

func TestWakeUpAndSleep(t *testing.T) {
	if testing.Short() {
		t.Skip("wake up and sleep take several seconds")
	}
	m := newMockup(t)
	running(t, m)
	ctx := context.Background()

	require.NoError(t, m.WakeUp(ctx))
	eventually(t, func() bool {
		tr, ang, _ := pose.Distance(m.PresentHeadPose(), kinematics.InitHeadPose)
		return tr < 1e-3 && ang < 1e-2
	}, "wake up should end at neutral")

	sleepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.GotoSleep(sleepCtx))
	assert.Equal(t, kinematics.SleepAntennas, m.PresentAntennas())
}

func TestGotoSleep_ObservesContext(t *testing.T) {
	m := newMockup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Already at rest: GotoSleep only waits, and the wait is cut short.
	err := m.GotoSleep(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
