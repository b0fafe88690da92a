package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Kinematic tolerances. FK runs every tick and is only recomputed when a
// joint moved more than FKTolerance. IK runs only when the target moved
// more than the IK tolerances.
const (
	FKTolerance            = 1e-3   // rad
	IKAngularTolerance     = 2e-3   // rad
	IKTranslationTolerance = 0.5e-3 // m
)

const (
	ikErrorLogInterval = 500 * time.Millisecond
	primingIterations  = 20
	statsWindow        = time.Second
	minLoopSleep       = time.Millisecond
)

// targets are the commanded values, consumed by the control loop.
type targets struct {
	headPose   pose.Pose
	bodyYaw    float64
	ikRequired bool

	headJoints    kinematics.HeadJoints
	hasHeadJoints bool
	antennas      kinematics.Antennas
	hasAntennas   bool
}

// core holds the state every variant shares: targets, present state,
// the move guard, recording and motor mode bookkeeping.
type core struct {
	kind   string
	engine kinematics.Engine
	logger *slog.Logger

	targetsMu sync.Mutex
	tgt       targets

	stateMu         sync.RWMutex
	presentJoints   kinematics.HeadJoints
	presentAntennas kinematics.Antennas
	presentPose     pose.Pose
	lastFKJoints    kinematics.HeadJoints
	fkDone          bool

	// Touched by the control loop only.
	lastIKPose pose.Pose
	lastIKYaw  float64
	ikDone     bool
	ikThrottle *log.Throttle

	guard moveGuard

	recMu     sync.Mutex
	recording atomic.Bool
	records   []Record

	ioMu      sync.RWMutex
	publisher Publisher
	sound     SoundPlayer

	modeMu     sync.Mutex
	mode       MotorControlMode
	switchMode func(from, to MotorControlMode) error

	ready     chan struct{}
	readyOnce sync.Once

	shuttingDown atomic.Bool

	errMu sync.RWMutex
	err   *string
}

func newCore(kind string, engine kinematics.Engine, mode MotorControlMode, logger *slog.Logger) *core {
	if logger == nil {
		logger = slog.Default()
	}
	return &core{
		kind:        kind,
		engine:      engine,
		logger:      logger.With("component", "backend", "backend", kind),
		tgt:         targets{headPose: kinematics.InitHeadPose},
		presentPose: kinematics.InitHeadPose,
		ikThrottle:  log.NewThrottle(ikErrorLogInterval),
		mode:        mode,
		ready:       make(chan struct{}),
	}
}

// Ready is closed after the first successful control tick.
func (c *core) Ready() <-chan struct{} { return c.ready }

func (c *core) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *core) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *core) setError(msg string) {
	c.errMu.Lock()
	c.err = &msg
	c.errMu.Unlock()
}

func (c *core) lastError() *string {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	if c.err == nil {
		return nil
	}
	msg := *c.err
	return &msg
}

func (c *core) baseStatus() Status {
	return Status{
		Backend:          c.kind,
		MotorControlMode: c.MotorControlMode(),
		Ready:            c.isReady(),
		Error:            c.lastError(),
	}
}

// SetShuttingDown stops state publishing while the daemon winds down.
func (c *core) SetShuttingDown(on bool) { c.shuttingDown.Store(on) }

// SetPublisher sets where joints, poses and recordings go.
func (c *core) SetPublisher(p Publisher) {
	c.ioMu.Lock()
	c.publisher = p
	c.ioMu.Unlock()
}

// SetSoundPlayer sets the player for move sounds. Nil disables sound.
func (c *core) SetSoundPlayer(s SoundPlayer) {
	c.ioMu.Lock()
	c.sound = s
	c.ioMu.Unlock()
}

func (c *core) getPublisher() Publisher {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	return c.publisher
}

func (c *core) getSound() SoundPlayer {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	return c.sound
}

// Targets.

// SetTarget sets any of the head pose, antennas and body yaw.
func (c *core) SetTarget(head *pose.Pose, antennas *kinematics.Antennas, bodyYaw *float64) {
	c.targetsMu.Lock()
	defer c.targetsMu.Unlock()
	if head != nil {
		c.tgt.headPose = *head
		c.tgt.ikRequired = true
	}
	if bodyYaw != nil {
		c.tgt.bodyYaw = *bodyYaw
		c.tgt.ikRequired = true
	}
	if antennas != nil {
		c.tgt.antennas = *antennas
		c.tgt.hasAntennas = true
	}
}

// SetTargetHeadPose sets the head pose target, solved by IK on the next tick.
func (c *core) SetTargetHeadPose(p pose.Pose) { c.SetTarget(&p, nil, nil) }

// SetTargetBodyYaw sets the body yaw used with the head pose target.
func (c *core) SetTargetBodyYaw(y float64) { c.SetTarget(nil, nil, &y) }

// SetTargetAntennas sets the antenna targets.
func (c *core) SetTargetAntennas(a kinematics.Antennas) { c.SetTarget(nil, &a, nil) }

// SetTargetHeadJoints sets joint targets directly and turns IK off.
func (c *core) SetTargetHeadJoints(j kinematics.HeadJoints) {
	c.targetsMu.Lock()
	c.tgt.headJoints = j
	c.tgt.hasHeadJoints = true
	c.tgt.ikRequired = false
	c.targetsMu.Unlock()
}

func (c *core) snapshotTargets() targets {
	c.targetsMu.Lock()
	defer c.targetsMu.Unlock()
	return c.tgt
}

// Present state.

// PresentHeadJoints returns the last read head joints.
func (c *core) PresentHeadJoints() kinematics.HeadJoints {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.presentJoints
}

// PresentAntennas returns the last read antenna joints.
func (c *core) PresentAntennas() kinematics.Antennas {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.presentAntennas
}

// PresentHeadPose returns the head pose from the last forward kinematics.
func (c *core) PresentHeadPose() pose.Pose {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.presentPose
}

// PresentBodyYaw returns the present body joint.
func (c *core) PresentBodyYaw() float64 { return c.PresentHeadJoints().BodyYaw() }

func (c *core) setPresentPose(p pose.Pose) {
	c.stateMu.Lock()
	c.presentPose = p
	c.stateMu.Unlock()
}

// updateKinematics stores the read joints and refreshes the present pose
// when the head joints moved beyond FKTolerance.
func (c *core) updateKinematics(head kinematics.HeadJoints, antennas kinematics.Antennas) error {
	c.stateMu.Lock()
	c.presentJoints = head
	c.presentAntennas = antennas
	stale := !c.fkDone || head.MaxAbsDiff(c.lastFKJoints) > FKTolerance
	c.stateMu.Unlock()
	if !stale {
		return nil
	}

	p, err := c.engine.Forward(head)
	if err != nil {
		return fmt.Errorf("forward kinematics: %w", err)
	}

	c.stateMu.Lock()
	c.presentPose = p
	c.lastFKJoints = head
	c.fkDone = true
	c.stateMu.Unlock()
	return nil
}

// prime runs long solves from the given joints so iterative engines start
// from a converged state.
func (c *core) prime(head kinematics.HeadJoints, antennas kinematics.Antennas) error {
	var (
		p   pose.Pose
		err error
	)
	if it, ok := c.engine.(kinematics.Iterative); ok {
		p, err = it.ForwardN(head, primingIterations)
		if err == nil {
			_, err = it.InverseN(p, head.BodyYaw(), primingIterations)
		}
	} else {
		p, err = c.engine.Forward(head)
	}
	if err != nil {
		return fmt.Errorf("prime kinematics: %w", err)
	}

	c.stateMu.Lock()
	c.presentJoints = head
	c.presentAntennas = antennas
	c.presentPose = p
	c.lastFKJoints = head
	c.fkDone = true
	c.stateMu.Unlock()
	return nil
}

// refreshIK solves the head pose target when it changed since the last
// solve. On failure the previous joint targets are kept.
func (c *core) refreshIK(logFailure bool) error {
	t := c.snapshotTargets()
	if !t.ikRequired {
		return nil
	}
	if c.ikDone && math.Abs(t.bodyYaw-c.lastIKYaw) <= IKAngularTolerance {
		tr, ang, _ := pose.Distance(t.headPose, c.lastIKPose)
		if tr <= IKTranslationTolerance && ang <= IKAngularTolerance {
			return nil
		}
	}

	j, err := c.engine.Inverse(t.headPose, t.bodyYaw)
	if err != nil {
		if logFailure && c.ikThrottle.Allow() {
			c.logger.Warn("IK error", "error", err)
		}
		return err
	}
	c.lastIKPose, c.lastIKYaw, c.ikDone = t.headPose, t.bodyYaw, true

	c.targetsMu.Lock()
	// A joint target set meanwhile wins over the solved pose.
	if c.tgt.ikRequired {
		c.tgt.headJoints = j
		c.tgt.hasHeadJoints = true
	}
	c.targetsMu.Unlock()
	return nil
}

func (c *core) publish(head kinematics.HeadJoints, antennas kinematics.Antennas) {
	if c.shuttingDown.Load() {
		return
	}
	p := c.getPublisher()
	if p == nil {
		return
	}
	p.PublishJoints(head, antennas)
	p.PublishHeadPose(c.PresentHeadPose())
}

// initialSimJoints returns the joints a simulation starts from: the sleep
// pose solved by the engine, or neutral when it cannot be reached.
func initialSimJoints(engine kinematics.Engine, logger *slog.Logger) kinematics.HeadJoints {
	j, err := engine.Inverse(kinematics.SleepHeadPose, 0)
	if err != nil {
		logger.Warn("sleep pose unreachable, starting from neutral", "error", err)
		j, err = engine.Inverse(kinematics.InitHeadPose, 0)
		if err != nil {
			return kinematics.HeadJoints{}
		}
	}
	return j
}

// Recording.

// StartRecording clears the buffer and starts accepting records.
func (c *core) StartRecording() {
	c.recMu.Lock()
	c.records = nil
	c.recording.Store(true)
	c.recMu.Unlock()
}

// AppendRecord adds r while recording and drops it otherwise.
func (c *core) AppendRecord(r Record) {
	if !c.recording.Load() {
		return
	}
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if c.recording.Load() {
		c.records = append(c.records, r)
	}
}

// StopRecording stops recording, publishes the records as recorded_data
// and returns them.
func (c *core) StopRecording() []Record {
	c.recMu.Lock()
	c.recording.Store(false)
	records := c.records
	c.records = nil
	c.recMu.Unlock()

	if records == nil {
		records = []Record{}
	}
	p := c.getPublisher()
	if p == nil {
		c.logger.Warn("stop recording without a publisher, dropping data", "records", len(records))
		return records
	}
	payload, err := json.Marshal(records)
	if err != nil {
		c.logger.Error("encode recording", "error", err)
		return records
	}
	if err := p.PublishRecording(payload); err != nil {
		c.logger.Error("publish recording", "error", err)
	}
	return records
}

// Motor modes.

// MotorControlMode returns the current mode.
func (c *core) MotorControlMode() MotorControlMode {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.mode
}

// SetMotorControlMode switches mode. Setting the current mode does
// nothing. Gravity compensation needs an engine with a gravity model.
func (c *core) SetMotorControlMode(m MotorControlMode) error {
	if !m.Valid() {
		return fmt.Errorf("unknown motor control mode %q", m)
	}
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	if m == c.mode {
		return nil
	}
	if m == GravityCompensation {
		if _, ok := c.engine.(kinematics.GravityModel); !ok {
			return fmt.Errorf("%w: %s engine has no gravity model", ErrCapability, c.engine.Name())
		}
	}
	if c.switchMode != nil {
		if err := c.switchMode(c.mode, m); err != nil {
			return fmt.Errorf("switch motors from %s to %s: %w", c.mode, m, err)
		}
	}
	c.logger.Info("motor control mode changed", "from", c.mode, "to", m)
	c.mode = m
	return nil
}

// SetAutomaticBodyYaw toggles the engine's automatic body yaw.
func (c *core) SetAutomaticBodyYaw(on bool) { c.engine.SetAutomaticBodyYaw(on) }
