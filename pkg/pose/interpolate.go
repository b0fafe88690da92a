package pose

import (
	"math"
)

// Interpolate blends a toward b at parameter s. Rotation follows the
// geodesic R_a·exp(s·log(R_aᵀ·R_b)), translation is linear. s=0 and s=1
// return a and b exactly.
func Interpolate(a, b Pose, s float64) Pose {
	switch s {
	case 0:
		return a
	case 1:
		return b
	}

	ra := a.Rotation()
	rel := ra.Transpose().Mul(b.Rotation()).Log()
	r := ra.Mul(Exp(rel.Mul(s)))

	ta, tb := a.Translation(), b.Translation()
	return New(r, ta.Add(tb.Sub(ta).Mul(s)))
}

// Distance returns the translation distance in meters, the rotation angle
// between the two poses in radians, and the combined "magic" distance
// (millimeters plus degrees) used to size automatic move durations.
func Distance(a, b Pose) (translation, angle, magic float64) {
	translation = a.Translation().Sub(b.Translation()).Norm()

	rel := a.Rotation().Mul(b.Rotation().Transpose())
	angle = math.Acos(clamp((rel[0][0]+rel[1][1]+rel[2][2]-1)/2, -1, 1))

	magic = translation*1000 + angle*180/math.Pi
	return translation, angle, magic
}

// ComposeWorldOffset applies a world-frame offset to an absolute pose:
// the rotations compose as R_off·R_abs and the translations add.
func ComposeWorldOffset(abs, offset Pose) Pose {
	r := offset.Rotation().Mul(abs.Rotation())
	return New(r, abs.Translation().Add(offset.Translation()))
}

// Yaw returns the heading of the pose's x axis in the world xy plane.
func (p Pose) Yaw() float64 {
	return math.Atan2(p[1][0], p[0][0])
}

// Tilt returns the angle between the pose's z axis and the world z axis.
func (p Pose) Tilt() float64 {
	return math.Acos(clamp(p[2][2], -1, 1))
}
