package vec

import "math"

// Quat кватернион поворота (ожидается единичной длины)
type Quat struct {
	X, Y, Z, W float64
}

// Identity поворот без вращения
var Identity = Quat{W: 1}

// Dot скалярное произведение кватернионов
func (q Quat) Dot(o Quat) float64 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

// Length длина кватерниона
func (q Quat) Length() float64 {
	return math.Sqrt(q.Dot(q))
}

// Normalized возвращает кватернион единичной длины; нулевой превращается в Identity
func (q Quat) Normalized() Quat {
	l := q.Length()
	if l == 0 || !isFinite(l) {
		return Identity
	}
	return Quat{X: q.X / l, Y: q.Y / l, Z: q.Z / l, W: q.W / l}
}

// FromYaw поворот вокруг оси Y на угол в радианах
func FromYaw(yaw float64) Quat {
	s, c := math.Sincos(yaw / 2)
	return Quat{Y: s, W: c}
}

// Slerp сферическая интерполяция по кратчайшей дуге
func (q Quat) Slerp(to Quat, t float64) Quat {
	cos := q.Dot(to)
	if cos < 0 {
		to = Quat{X: -to.X, Y: -to.Y, Z: -to.Z, W: -to.W}
		cos = -cos
	}

	// Почти совпадают: обычный lerp устойчивее
	if cos > 0.9995 {
		return Quat{
			X: q.X + (to.X-q.X)*t,
			Y: q.Y + (to.Y-q.Y)*t,
			Z: q.Z + (to.Z-q.Z)*t,
			W: q.W + (to.W-q.W)*t,
		}.Normalized()
	}

	theta := math.Acos(cos)
	sin := math.Sin(theta)
	a := math.Sin((1-t)*theta) / sin
	b := math.Sin(t*theta) / sin
	return Quat{
		X: q.X*a + to.X*b,
		Y: q.Y*a + to.Y*b,
		Z: q.Z*a + to.Z*b,
		W: q.W*a + to.W*b,
	}
}

// AngleTo угол между поворотами в радианах
func (q Quat) AngleTo(o Quat) float64 {
	d := math.Abs(q.Normalized().Dot(o.Normalized()))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}
