package kinematics

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// MaxUprightRetries bounds how many nudged restarts forward kinematics
// attempts before giving up on an upside-down solution.
const MaxUprightRetries = 100

const (
	analyticalMaxRelativeYaw = 65 * math.Pi / 180
	analyticalMaxBodyYaw     = 160 * math.Pi / 180
	uprightNudge             = 0.001
)

// Analytical solves inverse kinematics in closed form, leg by leg, and
// forward kinematics with a warm-started Newton iteration.
type Analytical struct {
	geo    *stewart
	logger *slog.Logger

	mu           sync.Mutex
	autoBodyYaw  bool
	fkIterations int
	seed         params
}

// NewAnalytical creates the closed-form engine.
func NewAnalytical(cfg Config, logger *slog.Logger) *Analytical {
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.FKIterations
	if n < 1 {
		n = DefaultConfig().FKIterations
	}
	return &Analytical{
		geo:          newStewart(),
		logger:       logger.With("component", "kinematics", "engine", EngineAnalytical),
		autoBodyYaw:  cfg.AutomaticBodyYaw,
		fkIterations: n,
		seed:         neutralParams(),
	}
}

// Name implements Engine.
func (a *Analytical) Name() string { return EngineAnalytical }

// SetAutomaticBodyYaw implements Engine.
func (a *Analytical) SetAutomaticBodyYaw(on bool) {
	a.mu.Lock()
	a.autoBodyYaw = on
	a.mu.Unlock()
}

// Inverse implements Engine. With automatic body yaw on, bodyYaw is only a
// hint: the body follows the head so that their relative yaw stays within
// 65° and the body within 160°.
func (a *Analytical) Inverse(p pose.Pose, bodyYaw float64) (HeadJoints, error) {
	a.mu.Lock()
	auto := a.autoBodyYaw
	a.mu.Unlock()

	if auto {
		bodyYaw = limitBodyYaw(p.Yaw(), bodyYaw, analyticalMaxRelativeYaw, analyticalMaxBodyYaw)
	}
	theta, err := a.geo.inverse(platformPose(p, bodyYaw))
	if err != nil {
		return HeadJoints{}, err
	}
	return joints(bodyYaw, theta), nil
}

// InverseN implements Iterative. The closed form has no iterations, so n
// is only validated.
func (a *Analytical) InverseN(p pose.Pose, bodyYaw float64, n int) (HeadJoints, error) {
	if n < 0 {
		return HeadJoints{}, fmt.Errorf("%w: %d", ErrIterations, n)
	}
	return a.Inverse(p, bodyYaw)
}

// Forward implements Engine using the configured iteration count.
func (a *Analytical) Forward(j HeadJoints) (pose.Pose, error) {
	a.mu.Lock()
	n := a.fkIterations
	a.mu.Unlock()
	return a.ForwardN(j, n)
}

// ForwardN implements Iterative. Each call continues from the previous
// solution, so a few iterations per control tick are enough to track the
// head. An upside-down result is retried from neutral with every joint
// nudged slightly, up to MaxUprightRetries times.
func (a *Analytical) ForwardN(j HeadJoints, n int) (pose.Pose, error) {
	if n < 1 {
		return pose.Pose{}, fmt.Errorf("%w: forward kinematics needs at least 1, got %d", ErrIterations, n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bodyYaw, theta := j.BodyYaw(), j.Platform()
	for attempt := 0; ; attempt++ {
		x, err := a.geo.forward(a.seed, theta, n)
		if err == nil {
			p := worldPose(x.pose(), bodyYaw)
			if upright(p) {
				a.seed = x
				return p, nil
			}
		}

		if attempt >= MaxUprightRetries {
			a.seed = neutralParams()
			if err != nil {
				return pose.Pose{}, fmt.Errorf("%w after %d retries: %v", ErrNotUpright, attempt, err)
			}
			return pose.Pose{}, fmt.Errorf("%w after %d retries", ErrNotUpright, attempt)
		}
		if attempt == 0 {
			a.logger.Warn("head is not upright, recomputing forward kinematics")
		}
		bodyYaw += uprightNudge
		for i := range theta {
			theta[i] += uprightNudge
		}
		a.seed = neutralParams()
	}
}

func upright(p pose.Pose) bool {
	roll, pitch, _ := p.Rotation().EulerXYZ()
	return math.Abs(roll) <= math.Pi/2 && math.Abs(pitch) <= math.Pi/2
}
