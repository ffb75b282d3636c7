package vec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVec3_Basics(t *testing.T) {
	a := Vec3{X: 1, Y: 2, Z: 2}
	assert.Equal(t, 3.0, a.Length())
	assert.Equal(t, 9.0, a.LengthSq())
	assert.Equal(t, Vec3{X: 2, Y: 4, Z: 4}, a.Mul(2))
	assert.Equal(t, Vec3{}, Vec3{}.Normalized())
	assert.InDelta(t, 1.0, a.Normalized().Length(), 1e-9)
	assert.Equal(t, Vec3{X: 0.5, Y: 1, Z: 1}, Vec3{}.Lerp(a, 0.5))
	assert.False(t, Vec3{X: math.NaN()}.IsFinite())
}

func TestQuat_Slerp(t *testing.T) {
	from := Identity
	to := FromYaw(math.Pi / 2)

	assert.InDelta(t, 0, from.Slerp(to, 0).AngleTo(from), 1e-6)
	assert.InDelta(t, 0, from.Slerp(to, 1).AngleTo(to), 1e-6)
	assert.InDelta(t, math.Pi/4, from.Slerp(to, 0.5).AngleTo(from), 1e-6)
	assert.Equal(t, Identity, Quat{}.Normalized())
}
