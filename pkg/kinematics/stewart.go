package kinematics

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// HeadZOffset is the height of the neutral head frame above the body
// frame. World poses are expressed relative to the neutral head.
const HeadZOffset = 0.177

// Platform geometry, meters and degrees.
const (
	armLength          = 0.038
	baseRadius         = 0.05
	baseHeight         = 0.035
	platformRadius     = 0.035
	platformHeight     = -0.06
	motorHalfSpread    = 22.0
	platformHalfSpread = 30.0
)

var (
	pairCenters = [3]float64{90, 210, 330}
	zAxis       = r3.Vector{Z: 1}
)

// leg is one actuator: a horn turning in the vertical plane that contains
// dir, joined by a fixed-length rod to a branch point on the platform.
type leg struct {
	anchor   r3.Vector
	dir      r3.Vector
	branch   r3.Vector
	rod      float64
	solution float64
}

func (l leg) horn(theta float64) r3.Vector {
	return l.anchor.Add(l.dir.Mul(armLength * math.Cos(theta))).Add(zAxis.Mul(armLength * math.Sin(theta)))
}

// angle solves the horn angle that puts the rod end on p, a platform point
// in the body frame.
func (l leg) angle(p r3.Vector) (float64, error) {
	phi, spread, err := l.branches(p)
	if err != nil {
		return 0, err
	}
	return wrapAngle(phi + l.solution*spread), nil
}

func (l leg) branches(p r3.Vector) (phi, spread float64, err error) {
	v := p.Sub(l.anchor)
	px, py := v.Dot(l.dir), v.Dot(zAxis)
	k := (v.Norm2() + armLength*armLength - l.rod*l.rod) / (2 * armLength)
	h := math.Hypot(px, py)
	if h == 0 || math.Abs(k) > h {
		return 0, 0, ErrUnreachable
	}
	return math.Atan2(py, px), math.Acos(k / h), nil
}

type stewart struct {
	legs [6]leg
}

// newStewart lays out the six legs and sizes the rods so that the neutral
// head maps to all-zero actuator angles.
func newStewart() *stewart {
	s := &stewart{}
	neutral := platformPose(pose.Identity(), 0)
	for i := range s.legs {
		center := pairCenters[i/2]
		sgn := -1.0
		if i%2 == 1 {
			sgn = 1
		}

		a := deg2rad(center + sgn*motorHalfSpread)
		anchor := r3.Vector{X: baseRadius * math.Cos(a), Y: baseRadius * math.Sin(a), Z: baseHeight}
		dir := r3.Vector{X: -math.Sin(a), Y: math.Cos(a)}.Mul(sgn)

		b := deg2rad(center + sgn*platformHalfSpread)
		branch := r3.Vector{X: platformRadius * math.Cos(b), Y: platformRadius * math.Sin(b), Z: platformHeight}

		l := leg{anchor: anchor, dir: dir, branch: branch, solution: 1}
		p := neutral.Apply(branch)
		l.rod = p.Sub(l.horn(0)).Norm()

		phi, spread, _ := l.branches(p)
		if math.Abs(phi-spread) < math.Abs(phi+spread) {
			l.solution = -1
		}
		s.legs[i] = l
	}
	return s
}

// inverse solves the six actuator angles for a platform pose in the body
// frame.
func (s *stewart) inverse(platform pose.Pose) ([6]float64, error) {
	var out [6]float64
	for i, l := range s.legs {
		theta, err := l.angle(platform.Apply(l.branch))
		if err != nil {
			return out, fmt.Errorf("leg %d: %w", i+1, err)
		}
		out[i] = theta
	}
	return out, nil
}

// closure returns the loop-closure residual |T·p_i - horn_i(θ_i)|² - s² of
// every leg.
func (s *stewart) closure(platform pose.Pose, theta [6]float64) [6]float64 {
	var out [6]float64
	for i, l := range s.legs {
		d := platform.Apply(l.branch).Sub(l.horn(theta[i]))
		out[i] = d.Norm2() - l.rod*l.rod
	}
	return out
}

// rods returns the horn tip and platform end of every rod.
func (s *stewart) rods(platform pose.Pose, theta [6]float64) [6][2]r3.Vector {
	var out [6][2]r3.Vector
	for i, l := range s.legs {
		out[i] = [2]r3.Vector{l.horn(theta[i]), platform.Apply(l.branch)}
	}
	return out
}

// forward runs up to n damped Newton iterations from seed, solving for the
// platform parameters whose leg angles match theta. The step is halved
// until the residual decreases.
func (s *stewart) forward(seed params, theta [6]float64, n int) (params, error) {
	x := seed
	r, err := s.residual(x, theta)
	if err != nil {
		return x, err
	}
	for it := 0; it < n; it++ {
		n0 := norm6(r)
		if n0 < 1e-12 {
			break
		}
		jac, err := s.jacobian(x)
		if err != nil {
			return x, err
		}
		rhs := mat.NewVecDense(6, nil)
		for i := range r {
			rhs.SetVec(i, -r[i])
		}
		var dx mat.VecDense
		if err := dx.SolveVec(jac, rhs); err != nil {
			return x, fmt.Errorf("%w: %v", ErrNoSolution, err)
		}

		improved := false
		for step := 1.0; step > 1e-4; step /= 2 {
			var xn params
			for i := range xn {
				xn[i] = x[i] + step*dx.AtVec(i)
			}
			rn, err := s.residual(xn, theta)
			if err == nil && norm6(rn) < n0 {
				x, r, improved = xn, rn, true
				break
			}
		}
		if !improved {
			break
		}
	}
	return x, nil
}

func (s *stewart) residual(x params, theta [6]float64) ([6]float64, error) {
	got, err := s.inverse(x.pose())
	if err != nil {
		return got, err
	}
	for i := range got {
		got[i] = wrapAngle(got[i] - theta[i])
	}
	return got, nil
}

func (s *stewart) jacobian(x params) (*mat.Dense, error) {
	const h = 1e-6
	jac := mat.NewDense(6, 6, nil)
	for j := 0; j < 6; j++ {
		xp, xm := x, x
		xp[j] += h
		xm[j] -= h
		a, err := s.inverse(xp.pose())
		if err != nil {
			return nil, err
		}
		b, err := s.inverse(xm.pose())
		if err != nil {
			return nil, err
		}
		for i := 0; i < 6; i++ {
			jac.Set(i, j, wrapAngle(a[i]-b[i])/(2*h))
		}
	}
	return jac, nil
}

// params is a platform pose as translation then rotation vector.
type params [6]float64

func neutralParams() params {
	return params{0, 0, HeadZOffset}
}

func (x params) pose() pose.Pose {
	return pose.New(pose.Exp(r3.Vector{X: x[3], Y: x[4], Z: x[5]}), r3.Vector{X: x[0], Y: x[1], Z: x[2]})
}

func paramsOf(p pose.Pose) params {
	t, w := p.Translation(), p.Rotation().Log()
	return params{t.X, t.Y, t.Z, w.X, w.Y, w.Z}
}

// platformPose converts a world head pose into the platform pose in the
// frame of a body turned by bodyYaw.
func platformPose(world pose.Pose, bodyYaw float64) pose.Pose {
	unyaw := pose.RotZ(-bodyYaw)
	t := world.Translation()
	t.Z += HeadZOffset
	return pose.New(unyaw.Mul(world.Rotation()), unyaw.Apply(t))
}

// worldPose is the inverse of platformPose.
func worldPose(platform pose.Pose, bodyYaw float64) pose.Pose {
	yaw := pose.RotZ(bodyYaw)
	t := yaw.Apply(platform.Translation())
	t.Z -= HeadZOffset
	return pose.New(yaw.Mul(platform.Rotation()), t)
}

// limitBodyYaw moves the body toward the head so their relative yaw stays
// within maxRelative, then clamps the body to ±maxBody.
func limitBodyYaw(headYaw, bodyYaw, maxRelative, maxBody float64) float64 {
	rel := wrapAngle(headYaw - bodyYaw)
	switch {
	case rel > maxRelative:
		bodyYaw = headYaw - maxRelative
	case rel < -maxRelative:
		bodyYaw = headYaw + maxRelative
	}
	bodyYaw = wrapAngle(bodyYaw)
	return math.Max(-maxBody, math.Min(maxBody, bodyYaw))
}

// segmentDistance returns the shortest distance between segments p1q1 and
// p2q2.
func segmentDistance(p1, q1, p2, q2 r3.Vector) float64 {
	d1, d2, r := q1.Sub(p1), q2.Sub(p2), p1.Sub(p2)
	a, e, f := d1.Norm2(), d2.Norm2(), d2.Dot(r)

	var s, t float64
	switch {
	case a < 1e-18 && e < 1e-18:
		return r.Norm()
	case a < 1e-18:
		t = clamp01(f / e)
	default:
		c := d1.Dot(r)
		if e < 1e-18 {
			s = clamp01(-c / a)
		} else {
			b := d1.Dot(d2)
			denom := a*e - b*b
			if denom > 1e-18 {
				s = clamp01((b*f - c*e) / denom)
			}
			t = (b*s + f) / e
			if t < 0 {
				t, s = 0, clamp01(-c/a)
			} else if t > 1 {
				t, s = 1, clamp01((b-c)/a)
			}
		}
	}
	return p1.Add(d1.Mul(s)).Sub(p2.Add(d2.Mul(t))).Norm()
}

func wrapAngle(a float64) float64 {
	return math.Atan2(math.Sin(a), math.Cos(a))
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func norm6(v [6]float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
