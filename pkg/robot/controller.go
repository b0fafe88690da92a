package robot

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
)

// Head limits in radians. Commands beyond them are clamped before sending.
const (
	MaxHeadRoll  = 0.35
	MaxHeadPitch = 0.52
	MaxHeadYaw   = 0.70
)

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Offset represents additive head adjustments (roll, pitch, yaw in radians)
type Offset struct {
	Roll, Pitch, Yaw float64
}

// Clamp returns a new Offset with values clamped to the head limits.
func (o Offset) Clamp() Offset {
	return Offset{
		Roll:  clamp(o.Roll, -MaxHeadRoll, MaxHeadRoll),
		Pitch: clamp(o.Pitch, -MaxHeadPitch, MaxHeadPitch),
		Yaw:   clamp(o.Yaw, -MaxHeadYaw, MaxHeadYaw),
	}
}

// Add returns a new Offset that is the sum of o and other
func (o Offset) Add(other Offset) Offset {
	return Offset{
		Roll:  o.Roll + other.Roll,
		Pitch: o.Pitch + other.Pitch,
		Yaw:   o.Yaw + other.Yaw,
	}
}

// MotionController is what the RateController drives.
type MotionController interface {
	PoseController
}

// Dead zones. A tick is skipped when nothing moved more than these.
const (
	DeadZoneHeadRad    = 0.005
	DeadZoneAntennaRad = 0.009
	DeadZoneBodyRad    = 0.009
)

// RateController streams targets to the daemon at a fixed rate. It fuses
// a base head pose with an additive offset (for example from a tracker).
type RateController struct {
	robot  MotionController
	logger *slog.Logger

	mu           sync.RWMutex
	baseHead     Offset
	trackingHead Offset
	antennas     [2]float64 // left, right
	bodyYaw      float64

	rate     time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	lastSentHead     Offset
	lastSentAntennas [2]float64
	lastSentBodyYaw  float64
	sentOnce         bool

	tickCount    uint64
	skippedTicks uint64
	errorCount   uint64
	errThrottle  *log.Throttle
	beatThrottle *log.Throttle
}

// NewRateController creates a controller ticking every rate. A nil logger
// means slog.Default().
func NewRateController(robot MotionController, rate time.Duration, logger *slog.Logger) *RateController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateController{
		robot:        robot,
		logger:       logger.With("component", "rate_controller"),
		rate:         rate,
		stop:         make(chan struct{}),
		errThrottle:  log.NewThrottle(5 * time.Second),
		beatThrottle: log.NewThrottle(5 * time.Second),
	}
}

// SetBaseHead sets the primary head pose.
func (c *RateController) SetBaseHead(offset Offset) {
	c.mu.Lock()
	c.baseHead = offset
	c.mu.Unlock()
}

// SetTrackingOffset sets the additive head offset.
func (c *RateController) SetTrackingOffset(offset Offset) {
	c.mu.Lock()
	c.trackingHead = offset
	c.mu.Unlock()
}

// SetAntennas sets the antenna positions.
func (c *RateController) SetAntennas(left, right float64) {
	c.mu.Lock()
	c.antennas = [2]float64{left, right}
	c.mu.Unlock()
}

// SetBodyYaw sets the body rotation.
func (c *RateController) SetBodyYaw(yaw float64) {
	c.mu.Lock()
	c.bodyYaw = yaw
	c.mu.Unlock()
}

// BodyYaw returns the current body orientation.
func (c *RateController) BodyYaw() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bodyYaw
}

// BaseHead returns the current base head pose.
func (c *RateController) BaseHead() Offset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseHead
}

// TrackingOffset returns the current tracking offset.
func (c *RateController) TrackingOffset() Offset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trackingHead
}

// CombinedHead returns the fused head pose (base + tracking).
func (c *RateController) CombinedHead() Offset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseHead.Add(c.trackingHead)
}

// Run ticks until ctx is done or Stop is called.
func (c *RateController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// Stop halts Run. It is safe to call more than once.
func (c *RateController) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// tick fuses the poses and sends them in one command.
func (c *RateController) tick() {
	c.mu.RLock()
	combined := c.baseHead.Add(c.trackingHead)
	antennas := c.antennas
	bodyYaw := c.bodyYaw
	c.mu.RUnlock()

	combined = combined.Clamp()

	if c.robot == nil {
		return
	}
	c.tickCount++
	defer c.heartbeat(combined)

	headDiff := max(
		math.Abs(combined.Roll-c.lastSentHead.Roll),
		math.Abs(combined.Pitch-c.lastSentHead.Pitch),
		math.Abs(combined.Yaw-c.lastSentHead.Yaw),
	)
	antennaDiff := max(math.Abs(antennas[0]-c.lastSentAntennas[0]), math.Abs(antennas[1]-c.lastSentAntennas[1]))
	bodyDiff := math.Abs(bodyYaw - c.lastSentBodyYaw)

	if c.sentOnce && headDiff < DeadZoneHeadRad && antennaDiff < DeadZoneAntennaRad && bodyDiff < DeadZoneBodyRad {
		c.skippedTicks++
		return
	}

	if err := c.robot.SetPose(&combined, &antennas, &bodyYaw); err != nil {
		c.errorCount++
		if c.errThrottle.Allow() {
			c.logger.Warn("set pose failed", "error", err, "errors", c.errorCount)
		}
		return
	}
	c.lastSentHead = combined
	c.lastSentAntennas = antennas
	c.lastSentBodyYaw = bodyYaw
	c.sentOnce = true
}

func (c *RateController) heartbeat(head Offset) {
	if !c.beatThrottle.Allow() {
		return
	}
	c.logger.Debug("rate controller",
		"ticks", c.tickCount,
		"skipped", c.skippedTicks,
		"errors", c.errorCount,
		"roll", head.Roll, "pitch", head.Pitch, "yaw", head.Yaw)
}
