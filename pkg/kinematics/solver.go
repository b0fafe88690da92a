package kinematics

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Solver limits and tolerances.
const (
	solverMaxRelativeYaw = 55 * math.Pi / 180
	solverMaxHeadYaw     = 179 * math.Pi / 180
	solverMaxTilt        = 35 * math.Pi / 180
	solverMaxBodyYaw     = 2.8
	solverDamping        = 1e-6
	solverClosureTol     = 1e-6
	solverRetryExtra     = 2

	convergedPosition    = 0.1e-4
	convergedOrientation = 0.01 * math.Pi / 180
	convergedBodyYaw     = 0.01 * math.Pi / 180
	convergedStep        = 1e-4

	ikPositionTol    = 1e-4
	ikOrientationTol = 1e-3
	fkOrientationTol = 0.1 * math.Pi / 180
	fkPositionTol    = 1e-5

	minRodClearance   = 1e-3
	minPlatformHeight = baseHeight + 0.01

	// HeadMass is the mass carried by the platform, in kg.
	HeadMass = 0.35
	gravity  = 9.81
)

// headCoM is the head's center of mass in the head frame.
var headCoM = r3.Vector{Z: 0.02}

// config is the solver's decision vector: platform translation, platform
// rotation vector, then the six actuator angles.
type config [12]float64

func initialConfig() config {
	var q config
	n := neutralParams()
	copy(q[:6], n[:])
	return q
}

func (q config) platform() pose.Pose {
	var x params
	copy(x[:], q[:6])
	return x.pose()
}

func (q config) theta() [6]float64 {
	var t [6]float64
	copy(t[:], q[6:])
	return t
}

// Solver treats the head as a closed-loop mechanism and solves for the
// platform pose and the actuator angles together, with the loop closure of
// every leg as a hard equality constraint. Each step solves the KKT system
// of a damped Gauss-Newton problem.
type Solver struct {
	geo    *stewart
	logger *slog.Logger

	mu             sync.Mutex
	autoBodyYaw    bool
	checkCollision bool
	ikIterations   int
	fkIterations   int

	ikState  config
	ikYaw    float64
	lastStep float64
	fkState  config
}

// NewSolver creates the constrained engine.
func NewSolver(cfg Config, logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FKIterations < 1 {
		cfg.FKIterations = def.FKIterations
	}
	if cfg.IKIterations < 1 {
		cfg.IKIterations = def.IKIterations
	}
	return &Solver{
		geo:            newStewart(),
		logger:         logger.With("component", "kinematics", "engine", EngineSolver),
		autoBodyYaw:    cfg.AutomaticBodyYaw,
		checkCollision: cfg.CheckCollision,
		ikIterations:   cfg.IKIterations,
		fkIterations:   cfg.FKIterations,
		ikState:        initialConfig(),
		lastStep:       math.Inf(1),
		fkState:        initialConfig(),
	}
}

// Name implements Engine.
func (s *Solver) Name() string { return EngineSolver }

// SetAutomaticBodyYaw implements Engine.
func (s *Solver) SetAutomaticBodyYaw(on bool) {
	s.mu.Lock()
	s.autoBodyYaw = on
	s.mu.Unlock()
}

// SetCheckCollision implements CollisionChecker.
func (s *Solver) SetCheckCollision(on bool) {
	s.mu.Lock()
	s.checkCollision = on
	s.mu.Unlock()
}

// Inverse implements Engine.
func (s *Solver) Inverse(p pose.Pose, bodyYaw float64) (HeadJoints, error) {
	s.mu.Lock()
	n := s.ikIterations
	s.mu.Unlock()
	return s.InverseN(p, bodyYaw, n)
}

// InverseN implements Iterative. A failed solve is retried once from the
// initial configuration with two more iterations.
func (s *Solver) InverseN(p pose.Pose, bodyYaw float64, n int) (HeadJoints, error) {
	if n < 1 {
		return HeadJoints{}, fmt.Errorf("%w: inverse kinematics needs at least 1, got %d", ErrIterations, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoBodyYaw {
		bodyYaw = limitBodyYaw(p.Yaw(), bodyYaw, solverMaxRelativeYaw, solverMaxBodyYaw)
	}
	target := platformPose(p, bodyYaw)

	current := s.ikState.platform()
	if s.converged(current, target, bodyYaw) {
		return joints(s.ikYaw, s.ikState.theta()), nil
	}

	start := s.ikState
	if current.Rotation().Transpose().Mul(target.Rotation()).Angle() >= math.Pi-1e-6 {
		start = initialConfig()
	}

	task := func(q config) [6]float64 { return poseError(q.platform(), target) }
	done := func(dx *mat.VecDense) bool { return mat.Norm(dx, 2) < 1e-10 }

	var lastErr error
	for attempt, iters := range []int{n, n + solverRetryExtra} {
		if attempt > 0 {
			start = initialConfig()
		}
		q, step, err := s.solve(start, task, iters, done)
		if err == nil {
			err = s.validate(q, target, bodyYaw)
		}
		if err == nil {
			s.ikState, s.ikYaw, s.lastStep = q, bodyYaw, step
			return joints(bodyYaw, q.theta()), nil
		}
		s.logger.Debug("solver attempt failed", "attempt", attempt+1, "iterations", iters, "error", err)
		lastErr = err
	}
	s.lastStep = math.Inf(1)
	return HeadJoints{}, fmt.Errorf("%w: %v", ErrNoSolution, lastErr)
}

func (s *Solver) converged(current, target pose.Pose, bodyYaw float64) bool {
	if s.lastStep >= convergedStep {
		return false
	}
	if math.Abs(wrapAngle(bodyYaw-s.ikYaw)) >= convergedBodyYaw {
		return false
	}
	tr, ang, _ := pose.Distance(current, target)
	return tr < convergedPosition && ang < convergedOrientation
}

// validate checks a solution against the mechanical limits.
func (s *Solver) validate(q config, target pose.Pose, bodyYaw float64) error {
	platform := q.platform()
	e := poseError(platform, target)
	if (r3.Vector{X: e[0], Y: e[1], Z: e[2]}).Norm() > ikPositionTol ||
		(r3.Vector{X: e[3], Y: e[4], Z: e[5]}).Norm() > ikOrientationTol {
		return errors.New("did not converge")
	}
	for i, c := range s.geo.closure(platform, q.theta()) {
		if math.Abs(c) > solverClosureTol {
			return fmt.Errorf("leg %d loop closure residual %.2g", i+1, c)
		}
	}
	if math.Abs(bodyYaw) > solverMaxBodyYaw {
		return fmt.Errorf("body yaw %.2f exceeds %.2f", bodyYaw, solverMaxBodyYaw)
	}
	headYaw := worldPose(platform, bodyYaw).Yaw()
	if math.Abs(headYaw) > solverMaxHeadYaw {
		return fmt.Errorf("head yaw %.1f° exceeds limit", headYaw*180/math.Pi)
	}
	if rel := wrapAngle(headYaw - bodyYaw); math.Abs(rel) > solverMaxRelativeYaw {
		return fmt.Errorf("head to body yaw %.1f° exceeds limit", rel*180/math.Pi)
	}
	if tilt := platform.Tilt(); tilt > solverMaxTilt {
		return fmt.Errorf("head tilt %.1f° exceeds limit", tilt*180/math.Pi)
	}
	if s.checkCollision {
		return s.collision(platform, q.theta())
	}
	return nil
}

func (s *Solver) collision(platform pose.Pose, theta [6]float64) error {
	rods := s.geo.rods(platform, theta)
	for i := range rods {
		if rods[i][1].Z < minPlatformHeight {
			return fmt.Errorf("leg %d too close to the base", i+1)
		}
		for j := i + 1; j < len(rods); j++ {
			if d := segmentDistance(rods[i][0], rods[i][1], rods[j][0], rods[j][1]); d < minRodClearance {
				return fmt.Errorf("legs %d and %d collide (%.4f m)", i+1, j+1, d)
			}
		}
	}
	return nil
}

// Forward implements Engine.
func (s *Solver) Forward(j HeadJoints) (pose.Pose, error) {
	s.mu.Lock()
	n := s.fkIterations
	s.mu.Unlock()
	return s.ForwardN(j, n)
}

// ForwardN implements Iterative. The solve stops early once the rotation
// step falls under 0.1°.
func (s *Solver) ForwardN(j HeadJoints, n int) (pose.Pose, error) {
	if n < 1 {
		return pose.Pose{}, fmt.Errorf("%w: forward kinematics needs at least 1, got %d", ErrIterations, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.forward(s.fkState, j.Platform(), n)
	if err != nil {
		s.fkState = initialConfig()
		return pose.Pose{}, fmt.Errorf("%w: %v", ErrNoSolution, err)
	}
	s.fkState = q
	return worldPose(q.platform(), j.BodyYaw()), nil
}

func (s *Solver) forward(start config, theta [6]float64, n int) (config, error) {
	task := func(q config) [6]float64 {
		var e [6]float64
		for i := range e {
			e[i] = q[6+i] - theta[i]
		}
		return e
	}
	done := func(dx *mat.VecDense) bool {
		rot := math.Sqrt(dx.AtVec(3)*dx.AtVec(3) + dx.AtVec(4)*dx.AtVec(4) + dx.AtVec(5)*dx.AtVec(5))
		pos := math.Sqrt(dx.AtVec(0)*dx.AtVec(0) + dx.AtVec(1)*dx.AtVec(1) + dx.AtVec(2)*dx.AtVec(2))
		return rot < fkOrientationTol && pos < fkPositionTol
	}
	q, _, err := s.solve(start, task, n, done)
	return q, err
}

// GravityTorque implements GravityModel. Platform torques follow from
// virtual work on the head's center of mass, differentiated through the
// forward kinematics. The body joint carries no gravity load.
func (s *Solver) GravityTorque(j HeadJoints) ([7]float64, error) {
	var tau [7]float64

	s.mu.Lock()
	defer s.mu.Unlock()

	theta := j.Platform()
	base, err := s.forward(s.fkState, theta, 20)
	if err != nil {
		return tau, fmt.Errorf("%w: %v", ErrNoSolution, err)
	}

	const h = 1e-4
	for i := range theta {
		plus, minus := theta, theta
		plus[i] += h
		minus[i] -= h
		qp, err := s.forward(base, plus, 10)
		if err != nil {
			return tau, fmt.Errorf("%w: %v", ErrNoSolution, err)
		}
		qm, err := s.forward(base, minus, 10)
		if err != nil {
			return tau, fmt.Errorf("%w: %v", ErrNoSolution, err)
		}
		dz := qp.platform().Apply(headCoM).Z - qm.platform().Apply(headCoM).Z
		tau[i+1] = HeadMass * gravity * dz / (2 * h)
	}
	return tau, nil
}

// solve runs up to n constrained Gauss-Newton steps on task, subject to
// the loop closure of every leg. It returns the final configuration and the
// norm of the last step.
func (s *Solver) solve(q config, task func(config) [6]float64, n int, done func(*mat.VecDense) bool) (config, float64, error) {
	const (
		nv = len(config{})
		nc = 6
	)
	closure := func(q config) [6]float64 { return s.geo.closure(q.platform(), q.theta()) }

	step := math.Inf(1)
	for it := 0; it < n; it++ {
		e, c := task(q), closure(q)
		jt, jc := numericJacobian(task, q), numericJacobian(closure, q)

		kkt := mat.NewDense(nv+nc, nv+nc, nil)
		rhs := mat.NewVecDense(nv+nc, nil)
		var jtj mat.Dense
		jtj.Mul(jt.T(), jt)
		for r := 0; r < nv; r++ {
			for col := 0; col < nv; col++ {
				kkt.Set(r, col, jtj.At(r, col))
			}
			kkt.Set(r, r, kkt.At(r, r)+solverDamping)
			for k := 0; k < nc; k++ {
				kkt.Set(r, nv+k, jc.At(k, r))
				kkt.Set(nv+k, r, jc.At(k, r))
			}
			var g float64
			for k := 0; k < len(e); k++ {
				g += jt.At(k, r) * e[k]
			}
			rhs.SetVec(r, -g)
		}
		for k := 0; k < nc; k++ {
			rhs.SetVec(nv+k, -c[k])
		}

		var sol mat.VecDense
		if err := sol.SolveVec(kkt, rhs); err != nil {
			return q, step, fmt.Errorf("kkt solve: %w", err)
		}
		dx := sol.SliceVec(0, nv).(*mat.VecDense)
		for i := 0; i < nv; i++ {
			q[i] += dx.AtVec(i)
		}
		step = mat.Norm(dx, 2)
		if done(dx) {
			break
		}
	}
	for i := 6; i < nv; i++ {
		q[i] = wrapAngle(q[i])
	}
	return q, step, nil
}

func numericJacobian(f func(config) [6]float64, q config) *mat.Dense {
	const h = 1e-7
	jac := mat.NewDense(6, len(q), nil)
	for j := range q {
		qp, qm := q, q
		qp[j] += h
		qm[j] -= h
		a, b := f(qp), f(qm)
		for i := 0; i < 6; i++ {
			jac.Set(i, j, (a[i]-b[i])/(2*h))
		}
	}
	return jac
}

// poseError is the 6D error of current against target: translation
// difference, then the rotation vector of R_targetᵀ·R.
func poseError(current, target pose.Pose) [6]float64 {
	dt := current.Translation().Sub(target.Translation())
	w := target.Rotation().Transpose().Mul(current.Rotation()).Log()
	return [6]float64{dt.X, dt.Y, dt.Z, w.X, w.Y, w.Z}
}
