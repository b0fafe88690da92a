// Package pose provides the 4x4 homogeneous head pose used across the
// daemon, plus the rotation helpers, interpolation and distance metrics
// that the kinematics engines and moves are built on.
//
// Poses are row-major, translations are in meters:
//
//	[[r00,r01,r02,tx], [r10,r11,r12,ty], [r20,r21,r22,tz], [0,0,0,1]]
package pose

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// OrthonormalTolerance is the maximum deviation of RᵀR from identity
// accepted by Validate.
const OrthonormalTolerance = 1e-2

// Pose is a homogeneous transform. The zero value is not a valid pose;
// use Identity.
type Pose [4][4]float64

// Identity returns the neutral head pose.
func Identity() Pose {
	return Pose{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// New builds a pose from a rotation and a translation.
func New(r Rotation, t r3.Vector) Pose {
	p := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p[i][j] = r[i][j]
		}
	}
	p[0][3], p[1][3], p[2][3] = t.X, t.Y, t.Z
	return p
}

// FromXYZRPY builds a pose from a translation and extrinsic xyz euler
// angles (roll about x, then pitch about y, then yaw about z).
func FromXYZRPY(x, y, z, roll, pitch, yaw float64) Pose {
	return New(FromEulerXYZ(roll, pitch, yaw), r3.Vector{X: x, Y: y, Z: z})
}

// FromFlat builds a pose from 16 row-major values.
func FromFlat(v []float64) (Pose, error) {
	if len(v) != 16 {
		return Pose{}, fmt.Errorf("%w: pose needs 16 values, got %d", ErrBadShape, len(v))
	}
	var p Pose
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			p[i][j] = v[i*4+j]
		}
	}
	return p, nil
}

// Flat returns the 16 row-major values of the pose.
func (p Pose) Flat() []float64 {
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		out = append(out, p[i][:]...)
	}
	return out
}

// Rotation returns the 3x3 rotation block.
func (p Pose) Rotation() Rotation {
	var r Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = p[i][j]
		}
	}
	return r
}

// Translation returns the translation column.
func (p Pose) Translation() r3.Vector {
	return r3.Vector{X: p[0][3], Y: p[1][3], Z: p[2][3]}
}

// WithTranslation returns a copy of p with its translation replaced.
func (p Pose) WithTranslation(t r3.Vector) Pose {
	p[0][3], p[1][3], p[2][3] = t.X, t.Y, t.Z
	return p
}

// OffsetZ returns a copy of p moved by dz along the world z axis.
func (p Pose) OffsetZ(dz float64) Pose {
	p[2][3] += dz
	return p
}

// Mul returns the composition p·q.
func (p Pose) Mul(q Pose) Pose {
	var out Pose
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += p[i][k] * q[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Inverse returns the rigid inverse of p.
func (p Pose) Inverse() Pose {
	rt := p.Rotation().Transpose()
	t := rt.Apply(p.Translation()).Mul(-1)
	return New(rt, t)
}

// Apply transforms a point by p.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return p.Rotation().Apply(v).Add(p.Translation())
}

// Validate checks that the pose is finite, has a [0 0 0 1] last row and an
// orthonormal rotation block.
func (p Pose) Validate() error {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(p[i][j]) || math.IsInf(p[i][j], 0) {
				return fmt.Errorf("%w: non-finite value at [%d][%d]", ErrBadShape, i, j)
			}
		}
	}
	if p[3][0] != 0 || p[3][1] != 0 || p[3][2] != 0 || p[3][3] != 1 {
		return fmt.Errorf("%w: last row must be [0 0 0 1]", ErrBadShape)
	}
	r := p.Rotation()
	rtr := r.Transpose().Mul(r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rtr[i][j]-want) > OrthonormalTolerance {
				return fmt.Errorf("%w: deviation %.4f at [%d][%d]", ErrNotOrthonormal, rtr[i][j]-want, i, j)
			}
		}
	}
	return nil
}

// ApproxEqual reports whether every element of p and q differs by at most tol.
func (p Pose) ApproxEqual(q Pose, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(p[i][j]-q[i][j]) > tol {
				return false
			}
		}
	}
	return true
}
