package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

// Sounds played around wake up and sleep.
const (
	WakeUpSound    = "wake_up.wav"
	GoToSleepSound = "go_sleep.wav"
)

// jointStepPeriod is the target update period of GotoJointPositions.
const jointStepPeriod = 10 * time.Millisecond

// IsMoveRunning reports whether a move currently owns the guard.
func (c *core) IsMoveRunning() bool { return c.guard.running() }

// CancelMove stops the running move. It does nothing when idle.
func (c *core) CancelMove() {
	if c.guard.cancelCurrent() {
		c.logger.Info("move cancelled")
	}
}

// GotoTarget moves from the present state to the requested targets in
// task space.
func (c *core) GotoTarget(ctx context.Context, req GotoRequest) error {
	if req.Duration <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidDuration, req.Duration)
	}
	method := req.Method
	if method == "" {
		method = trajectory.Default
	}
	if req.Head != nil {
		if err := req.Head.Validate(); err != nil {
			return err
		}
	}
	yaw := 0.0
	if req.BodyYaw != nil {
		yaw = *req.BodyYaw
	}

	startHead := c.PresentHeadPose()
	startAntennas := c.PresentAntennas()
	startYaw := c.PresentBodyYaw()
	m, err := motion.NewGotoMove(
		motion.GotoEndpoint{Head: &startHead, Antennas: &startAntennas, BodyYaw: &startYaw},
		motion.GotoEndpoint{Head: req.Head, Antennas: req.Antennas, BodyYaw: &yaw},
		req.Duration,
		method,
	)
	if err != nil {
		return err
	}
	return c.PlayMove(ctx, m, PlayOptions{})
}

// PlayMove samples m at opts.Frequency and applies each sample as the
// target. It returns ErrMoveRunning when another caller owns the guard.
func (c *core) PlayMove(ctx context.Context, m motion.Move, opts PlayOptions) error {
	if m == nil {
		return errors.New("nil move")
	}
	if opts.Frequency == 0 {
		opts.Frequency = DefaultPlayFrequency
	}
	if opts.Frequency < 0 || math.IsNaN(opts.Frequency) || math.IsInf(opts.Frequency, 0) {
		return fmt.Errorf("play frequency must be positive, got %v", opts.Frequency)
	}

	ctx, l, ok := c.guard.tryAcquire(ctx)
	if !ok {
		c.logger.Warn("ignoring move request, another move is running")
		return ErrMoveRunning
	}
	defer l.release()

	if opts.InitialGoto > 0 {
		start, err := m.Evaluate(0)
		if err != nil {
			return fmt.Errorf("evaluate move start: %w", err)
		}
		err = c.GotoTarget(ctx, GotoRequest{
			Head:     start.Head,
			Antennas: start.Antennas,
			BodyYaw:  start.BodyYaw,
			Duration: opts.InitialGoto,
		})
		if err != nil {
			return err
		}
	}

	if sp, ok := m.(motion.SoundPather); ok && sp.SoundPath() != "" {
		if player := c.getSound(); player != nil {
			if err := player.Play(sp.SoundPath()); err != nil {
				c.logger.Warn("play move sound", "path", sp.SoundPath(), "error", err)
			}
			defer player.Stop()
		}
	}

	period := time.Duration(float64(time.Second) / opts.Frequency)
	duration := m.Duration()
	t0 := time.Now()
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		t := time.Since(t0)
		if t >= duration {
			break
		}

		s, err := m.Evaluate(t)
		if errors.Is(err, motion.ErrBeyondEnd) {
			break
		}
		if err != nil {
			return fmt.Errorf("evaluate move at %v: %w", t, err)
		}
		c.SetTarget(s.Head, s.Antennas, s.BodyYaw)

		wait := period - (time.Since(t0) - t)
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	// Land exactly on the final sample when the move defines one.
	if s, err := m.Evaluate(duration); err == nil {
		c.SetTarget(s.Head, s.Antennas, s.BodyYaw)
	}
	return nil
}

// GotoJointPositions interpolates in joint space from the present joints.
// Nil targets hold their present value.
func (c *core) GotoJointPositions(ctx context.Context, head *kinematics.HeadJoints, antennas *kinematics.Antennas, d time.Duration, method trajectory.Method) error {
	if d <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidDuration, d)
	}
	if method == "" {
		method = trajectory.Default
	}
	method, err := trajectory.ParseMethod(string(method))
	if err != nil {
		return err
	}

	ctx, l, ok := c.guard.tryAcquire(ctx)
	if !ok {
		c.logger.Warn("ignoring joint move request, another move is running")
		return ErrMoveRunning
	}
	defer l.release()

	startHead, startAntennas := c.PresentHeadJoints(), c.PresentAntennas()
	targetHead, targetAntennas := startHead, startAntennas
	if head != nil {
		targetHead = *head
	}
	if antennas != nil {
		targetAntennas = *antennas
	}

	t0 := time.Now()
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		t := time.Since(t0)
		if t >= d {
			break
		}
		s, err := trajectory.Warp(t.Seconds()/d.Seconds(), method)
		if err != nil {
			return err
		}

		var h kinematics.HeadJoints
		for i := range h {
			h[i] = startHead[i] + (targetHead[i]-startHead[i])*s
		}
		var a kinematics.Antennas
		for i := range a {
			a[i] = startAntennas[i] + (targetAntennas[i]-startAntennas[i])*s
		}
		c.SetTargetHeadJoints(h)
		c.SetTargetAntennas(a)

		if err := sleepCtx(ctx, jointStepPeriod); err != nil {
			return err
		}
	}
	c.SetTargetHeadJoints(targetHead)
	c.SetTargetAntennas(targetAntennas)
	return nil
}

// WakeUp brings the head up from wherever it is and nods to the side.
func (c *core) WakeUp(ctx context.Context) error {
	if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
		return err
	}

	_, _, magic := pose.Distance(c.PresentHeadPose(), kinematics.InitHeadPose)
	neutral := kinematics.InitHeadPose
	zero := kinematics.Antennas{}
	d := time.Duration(magic * 20 / 1000 * float64(time.Second))
	if d <= 0 {
		d = time.Millisecond
	}
	if err := c.GotoTarget(ctx, GotoRequest{Head: &neutral, Antennas: &zero, Duration: d}); err != nil {
		return err
	}
	if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
		return err
	}

	c.playSound(WakeUpSound)
	defer c.stopSound()

	roll := pose.New(pose.RotX(20*math.Pi/180), neutral.Translation())
	if err := c.GotoTarget(ctx, GotoRequest{Head: &roll, Duration: 200 * time.Millisecond}); err != nil {
		return err
	}
	return c.GotoTarget(ctx, GotoRequest{Head: &neutral, Duration: 200 * time.Millisecond})
}

// GotoSleep lays the head down on the body and folds the antennas. Close
// to the sleep pose already, it only waits.
func (c *core) GotoSleep(ctx context.Context) error {
	present := c.PresentHeadPose()
	_, _, toSleep := pose.Distance(present, kinematics.SleepHeadPose)
	_, _, toInit := pose.Distance(present, kinematics.InitHeadPose)

	wait := 2 * time.Second
	defer c.stopSound()
	if toSleep > 10 {
		if toInit > 30 {
			neutral := kinematics.InitHeadPose
			zero := kinematics.Antennas{}
			if err := c.GotoTarget(ctx, GotoRequest{Head: &neutral, Antennas: &zero, Duration: time.Second}); err != nil {
				return err
			}
			if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
				return err
			}
		}

		c.playSound(GoToSleepSound)
		sleep := kinematics.SleepHeadPose
		antennas := kinematics.SleepAntennas
		if err := c.GotoTarget(ctx, GotoRequest{Head: &sleep, Antennas: &antennas, Duration: 2 * time.Second}); err != nil {
			return err
		}
	} else {
		c.playSound(GoToSleepSound)
		wait += 3 * time.Second
	}
	return sleepCtx(ctx, wait)
}

func (c *core) playSound(path string) {
	if player := c.getSound(); player != nil {
		if err := player.Play(path); err != nil {
			c.logger.Debug("play sound", "path", path, "error", err)
		}
	}
}

func (c *core) stopSound() {
	if player := c.getSound(); player != nil {
		player.Stop()
	}
}

// sleepCtx waits for d or until ctx is done, returning the cancel cause.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
