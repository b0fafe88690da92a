package pose

import (
	"math"

	"github.com/golang/geo/r3"
)

// Rotation is a 3x3 rotation matrix.
type Rotation [3][3]float64

// IdentityRotation returns the identity rotation.
func IdentityRotation() Rotation {
	return Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// RotX returns a rotation of angle radians about the x axis.
func RotX(angle float64) Rotation {
	c, s := math.Cos(angle), math.Sin(angle)
	return Rotation{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

// RotY returns a rotation of angle radians about the y axis.
func RotY(angle float64) Rotation {
	c, s := math.Cos(angle), math.Sin(angle)
	return Rotation{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

// RotZ returns a rotation of angle radians about the z axis.
func RotZ(angle float64) Rotation {
	c, s := math.Cos(angle), math.Sin(angle)
	return Rotation{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// FromEulerXYZ builds a rotation from extrinsic xyz angles: R = Rz·Ry·Rx.
func FromEulerXYZ(roll, pitch, yaw float64) Rotation {
	return RotZ(yaw).Mul(RotY(pitch)).Mul(RotX(roll))
}

// EulerXYZ extracts extrinsic xyz angles (roll, pitch, yaw) in radians.
func (r Rotation) EulerXYZ() (roll, pitch, yaw float64) {
	sy := math.Sqrt(r[0][0]*r[0][0] + r[1][0]*r[1][0])

	// Gimbal lock at pitch = ±90°
	if sy < 1e-6 {
		return math.Atan2(-r[1][2], r[1][1]), math.Atan2(-r[2][0], sy), 0
	}
	return math.Atan2(r[2][1], r[2][2]), math.Atan2(-r[2][0], sy), math.Atan2(r[1][0], r[0][0])
}

// Mul returns r·q.
func (r Rotation) Mul(q Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][0]*q[0][j] + r[i][1]*q[1][j] + r[i][2]*q[2][j]
		}
	}
	return out
}

// Transpose returns rᵀ, which is also the inverse rotation.
func (r Rotation) Transpose() Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[j][i]
		}
	}
	return out
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Column returns column i (the image of the i-th basis vector).
func (r Rotation) Column(i int) r3.Vector {
	return r3.Vector{X: r[0][i], Y: r[1][i], Z: r[2][i]}
}

// Exp maps a rotation vector (axis times angle) to a rotation matrix.
func Exp(w r3.Vector) Rotation {
	theta := w.Norm()
	if theta < 1e-12 {
		return IdentityRotation()
	}
	k := w.Mul(1 / theta)
	kx := Rotation{{0, -k.Z, k.Y}, {k.Z, 0, -k.X}, {-k.Y, k.X, 0}}
	kk := kx.Mul(kx)
	s, c := math.Sin(theta), 1-math.Cos(theta)
	out := IdentityRotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] += s*kx[i][j] + c*kk[i][j]
		}
	}
	return out
}

// Log maps a rotation matrix to its rotation vector.
func (r Rotation) Log() r3.Vector {
	theta := r.Angle()
	vee := r3.Vector{X: r[2][1] - r[1][2], Y: r[0][2] - r[2][0], Z: r[1][0] - r[0][1]}

	switch {
	case theta < 1e-9:
		return vee.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// sin(theta) vanishes; recover the axis from the symmetric part.
		axis := r3.Vector{
			X: math.Sqrt(math.Max(0, (r[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (r[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (r[2][2]+1)/2)),
		}
		switch {
		case axis.X >= axis.Y && axis.X >= axis.Z:
			axis.Y = math.Copysign(axis.Y, r[0][1]+r[1][0])
			axis.Z = math.Copysign(axis.Z, r[0][2]+r[2][0])
		case axis.Y >= axis.Z:
			axis.X = math.Copysign(axis.X, r[0][1]+r[1][0])
			axis.Z = math.Copysign(axis.Z, r[1][2]+r[2][1])
		default:
			axis.X = math.Copysign(axis.X, r[0][2]+r[2][0])
			axis.Y = math.Copysign(axis.Y, r[1][2]+r[2][1])
		}
		return axis.Normalize().Mul(theta)
	default:
		return vee.Mul(theta / (2 * math.Sin(theta)))
	}
}

// Angle returns the rotation angle in [0, π].
func (r Rotation) Angle() float64 {
	c := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	return math.Acos(clamp(c, -1, 1))
}

// Orthonormalize re-projects r onto the nearest rotation using Gram-Schmidt
// on the first two columns.
func (r Rotation) Orthonormalize() Rotation {
	x := r.Column(0).Normalize()
	y := r.Column(1)
	y = y.Sub(x.Mul(x.Dot(y))).Normalize()
	z := x.Cross(y)

	var out Rotation
	for i, c := range []r3.Vector{x, y, z} {
		out[0][i], out[1][i], out[2][i] = c.X, c.Y, c.Z
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
