package pose

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-9

func deg(d float64) float64 { return d * math.Pi / 180 }

func TestEulerRoundTrip(t *testing.T) {
	cases := []struct{ roll, pitch, yaw float64 }{
		{0, 0, 0},
		{deg(20), 0, 0},
		{0, deg(-35), 0},
		{0, 0, deg(170)},
		{deg(10), deg(15), deg(-40)},
	}
	for _, c := range cases {
		r, p, y := FromEulerXYZ(c.roll, c.pitch, c.yaw).EulerXYZ()
		assert.InDelta(t, c.roll, r, tol)
		assert.InDelta(t, c.pitch, p, tol)
		assert.InDelta(t, c.yaw, y, tol)
	}
}

func TestExpLog(t *testing.T) {
	vs := []r3.Vector{
		{},
		{X: 0.3},
		{X: 0.1, Y: -0.4, Z: 0.2},
		{Z: math.Pi - 1e-8},
		{X: 1, Y: 1, Z: 0},
	}
	for _, v := range vs {
		got := Exp(v).Log()
		assert.InDelta(t, v.X, got.X, 1e-6, "x of %v", v)
		assert.InDelta(t, v.Y, got.Y, 1e-6, "y of %v", v)
		assert.InDelta(t, v.Z, got.Z, 1e-6, "z of %v", v)
	}
}

func TestFlatRoundTrip(t *testing.T) {
	p := FromXYZRPY(0.01, -0.02, 0.03, 0.1, 0.2, 0.3)
	q, err := FromFlat(p.Flat())
	require.NoError(t, err)
	assert.Equal(t, p, q)

	_, err = FromFlat(make([]float64, 15))
	assert.True(t, errors.Is(err, ErrBadShape))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Identity().Validate())
	require.NoError(t, FromXYZRPY(0, 0, 0.01, 0.4, -0.2, 1.0).Validate())

	skewed := Identity()
	skewed[0][1] = 0.5
	assert.ErrorIs(t, skewed.Validate(), ErrNotOrthonormal)

	var zero Pose
	assert.ErrorIs(t, zero.Validate(), ErrBadShape)

	nan := Identity()
	nan[1][3] = math.NaN()
	assert.ErrorIs(t, nan.Validate(), ErrBadShape)
}

func TestInterpolateEndpoints(t *testing.T) {
	a := FromXYZRPY(0, 0, -0.01, 0, deg(20), 0)
	b := FromXYZRPY(0.01, 0, 0.005, deg(-10), 0, deg(30))

	assert.Equal(t, a, Interpolate(a, b, 0))
	assert.Equal(t, b, Interpolate(a, b, 1))

	mid := Interpolate(a, b, 0.5)
	require.NoError(t, mid.Validate())
	_, angA, _ := Distance(a, mid)
	_, angB, _ := Distance(mid, b)
	assert.InDelta(t, angA, angB, 1e-9, "geodesic midpoint splits the angle evenly")
}

func TestDistance(t *testing.T) {
	a := Identity()
	b := FromXYZRPY(0.003, 0.004, 0, 0, 0, deg(10))
	tr, ang, magic := Distance(a, b)
	assert.InDelta(t, 0.005, tr, tol)
	assert.InDelta(t, deg(10), ang, 1e-9)
	assert.InDelta(t, 5+10, magic, 1e-6)

	tr, ang, magic = Distance(b, b)
	assert.InDelta(t, 0, tr, tol)
	assert.InDelta(t, 0, ang, 1e-6)
	assert.InDelta(t, 0, magic, 1e-4)
}

func TestComposeWorldOffset(t *testing.T) {
	abs := FromXYZRPY(0.01, 0, 0, 0, deg(10), 0)
	off := FromXYZRPY(0, 0.02, 0, 0, 0, deg(90))
	got := ComposeWorldOffset(abs, off)

	want := RotZ(deg(90)).Mul(RotY(deg(10)))
	assert.True(t, New(want, r3.Vector{X: 0.01, Y: 0.02}).ApproxEqual(got, 1e-12))
}

func TestInverse(t *testing.T) {
	p := FromXYZRPY(0.01, -0.02, 0.17, 0.2, -0.1, 0.5)
	assert.True(t, p.Mul(p.Inverse()).ApproxEqual(Identity(), 1e-12))
}

func TestOrthonormalize(t *testing.T) {
	r := FromEulerXYZ(0.1, 0.2, 0.3)
	r[0][0] += 0.01
	fixed := New(r.Orthonormalize(), r3.Vector{})
	require.NoError(t, fixed.Validate())
}
