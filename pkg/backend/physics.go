package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

// PhysicsConfig configures the physics backend.
type PhysicsConfig struct {
	// Decimation is the number of simulator steps per control tick.
	Decimation int `yaml:"decimation" json:"decimation"`
	// SettleSteps is the length of each settle phase at start.
	SettleSteps int `yaml:"settle_steps" json:"settle_steps"`
	// FramePeriod is the camera render period.
	FramePeriod time.Duration `yaml:"frame_period" json:"frame_period"`
}

// DefaultPhysicsConfig returns 50 Hz control over a 500 Hz simulator and
// 25 Hz frames.
func DefaultPhysicsConfig() PhysicsConfig {
	return PhysicsConfig{Decimation: 10, SettleSteps: 100, FramePeriod: 40 * time.Millisecond}
}

// Validate checks the configuration.
func (c PhysicsConfig) Validate() error {
	if c.Decimation < 1 {
		return fmt.Errorf("decimation must be at least 1, got %d", c.Decimation)
	}
	if c.SettleSteps < 0 {
		return fmt.Errorf("settle steps must not be negative, got %d", c.SettleSteps)
	}
	if c.FramePeriod <= 0 {
		return fmt.Errorf("frame period must be positive, got %v", c.FramePeriod)
	}
	return nil
}

// Camera renders the simulated scene.
type Camera interface {
	Render() ([]byte, error)
}

// FrameSink receives rendered frames.
type FrameSink interface {
	SendFrame(frame []byte) error
}

// Physics closes the control loop on a simulator.
type Physics struct {
	*core
	sim Simulator
	cfg PhysicsConfig

	camera Camera
	sinks  []FrameSink

	step     int
	ctrlHead kinematics.HeadJoints
	ctrlAnt  kinematics.Antennas
}

// NewPhysics creates a physics backend over sim.
func NewPhysics(sim Simulator, engine kinematics.Engine, cfg PhysicsConfig, logger *slog.Logger) (*Physics, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sim.Timestep() <= 0 {
		return nil, fmt.Errorf("simulator timestep must be positive, got %v", sim.Timestep())
	}
	return &Physics{
		core: newCore(KindPhysics, engine, Enabled, logger),
		sim:  sim,
		cfg:  cfg,
	}, nil
}

// AttachCamera streams frames from cam to every sink while running.
func (p *Physics) AttachCamera(cam Camera, sinks ...FrameSink) {
	p.camera = cam
	p.sinks = sinks
}

// Run implements Backend. It settles the simulator at rest, then steps
// it in real time with a control tick every Decimation steps.
func (p *Physics) Run(ctx context.Context) error {
	p.settle()

	head, simAnt := p.sim.ReadJoints()
	if err := p.prime(head, mirror(simAnt)); err != nil {
		return err
	}
	if pr, ok := p.sim.(PoseReporter); ok {
		if measured, ok := pr.HeadPose(); ok {
			p.setPresentPose(measured)
		}
	}

	// Frame loops also stop when a failed step ends the run.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	if p.camera != nil && len(p.sinks) > 0 {
		slot := newFrameSlot()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.renderFrames(ctx, slot)
		}()
		for _, sink := range p.sinks {
			wg.Add(1)
			go func(sink FrameSink) {
				defer wg.Done()
				p.streamFrames(ctx, slot, sink)
			}(sink)
		}
	}

	p.logger.Info("simulation started", "timestep", p.sim.Timestep(), "decimation", p.cfg.Decimation)
	defer p.logger.Info("simulation stopped")
	return runLoop(ctx, p.sim.Timestep(), 0, p.logger, p.tick)
}

// settle starts the simulator at rest without collisions, then lets it
// come to rest with them.
func (p *Physics) settle() {
	head := initialSimJoints(p.engine, p.logger)
	p.ctrlHead, p.ctrlAnt = head, kinematics.SleepAntennas

	p.sim.SetCollisions(false)
	p.sim.Reset(head, mirror(kinematics.SleepAntennas))
	p.stepN(p.cfg.SettleSteps)
	p.sim.SetCollisions(true)
	p.stepN(p.cfg.SettleSteps)
	p.stepN(1)
}

func (p *Physics) stepN(n int) {
	for i := 0; i < n; i++ {
		if err := p.sim.Step(); err != nil {
			p.logger.Warn("simulator step failed", "error", err)
			return
		}
	}
}

func (p *Physics) tick(time.Time) error {
	if p.step%p.cfg.Decimation == 0 {
		p.control()
	}
	p.step++
	if err := p.sim.Step(); err != nil {
		return fmt.Errorf("simulator step: %w", err)
	}
	return nil
}

func (p *Physics) control() {
	head, simAnt := p.sim.ReadJoints()
	antennas := mirror(simAnt)

	if err := p.updateKinematics(head, antennas); err != nil {
		p.logger.Debug("forward kinematics failed", "error", err)
	}
	if pr, ok := p.sim.(PoseReporter); ok {
		if measured, ok := pr.HeadPose(); ok {
			p.setPresentPose(measured)
		}
	}
	_ = p.refreshIK(true)

	t := p.snapshotTargets()
	if t.hasHeadJoints {
		p.ctrlHead = t.headJoints
	}
	if t.hasAntennas {
		p.ctrlAnt = t.antennas
	}
	if p.MotorControlMode() != Disabled {
		p.sim.WriteControl(p.ctrlHead, mirror(p.ctrlAnt))
	}

	p.publish(head, antennas)
	p.markReady()
}

// renderFrames renders one frame per FramePeriod into slot.
func (p *Physics) renderFrames(ctx context.Context, slot *frameSlot) {
	for ctx.Err() == nil {
		start := time.Now()
		frame, err := p.camera.Render()
		if err != nil {
			p.logger.Debug("frame render failed", "error", err)
		} else {
			slot.store(frame)
		}
		wait := p.cfg.FramePeriod - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		if sleepCtx(ctx, wait) != nil {
			return
		}
	}
}

// streamFrames sends every new frame of slot to sink. A slow sink skips
// frames rather than delaying the others.
func (p *Physics) streamFrames(ctx context.Context, slot *frameSlot, sink FrameSink) {
	var seq uint64
	for {
		frame, n, err := slot.next(ctx, seq)
		if err != nil {
			return
		}
		seq = n
		if err := sink.SendFrame(frame); err != nil {
			p.logger.Debug("frame dropped", "error", err)
		}
	}
}

// frameSlot holds the latest rendered frame.
type frameSlot struct {
	mu    sync.Mutex
	seq   uint64
	frame []byte
	ready chan struct{} // closed on the next store
}

func newFrameSlot() *frameSlot {
	return &frameSlot{ready: make(chan struct{})}
}

func (s *frameSlot) store(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame
	s.seq++
	close(s.ready)
	s.ready = make(chan struct{})
}

// next waits for a frame newer than seq and returns it with its sequence
// number.
func (s *frameSlot) next(ctx context.Context, seq uint64) ([]byte, uint64, error) {
	for {
		s.mu.Lock()
		if s.seq > seq {
			frame, n := s.frame, s.seq
			s.mu.Unlock()
			return frame, n, nil
		}
		ready := s.ready
		s.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, seq, ctx.Err()
		}
	}
}

// mirror converts antennas between the robot and simulator conventions.
func mirror(a kinematics.Antennas) kinematics.Antennas {
	return kinematics.Antennas{-a[0], -a[1]}
}

// Status implements Backend.
func (p *Physics) Status() Status { return p.baseStatus() }

// SetMotorTorqueIDs implements Backend. Simulated motors have no per-id
// torque.
func (p *Physics) SetMotorTorqueIDs(names []string, on bool) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: empty motor list", ErrUnknownMotor)
	}
	return nil
}

// Close implements Backend.
func (p *Physics) Close() error { return nil }
