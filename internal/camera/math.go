package camera

import "math"

// Vec3 is a 3-component vector (value type, stack-allocated).
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 {
	return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func (a Vec3) Sub(b Vec3) Vec3 {
	return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

func (a Vec3) Dot(b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (v Vec3) Len() float64 {
	return math.Sqrt(v.Dot(v))
}

// Quat represents a quaternion (x, y, z, w).
type Quat [4]float64

// IdentityQuat is the rotation that leaves every vector unchanged.
var IdentityQuat = Quat{0, 0, 0, 1}

// Mul returns the Hamilton product a*b, which applies b first and then a.
func (a Quat) Mul(b Quat) Quat {
	ax, ay, az, aw := a[0], a[1], a[2], a[3]
	bx, by, bz, bw := b[0], b[1], b[2], b[3]
	return Quat{
		aw*bx + ax*bw + ay*bz - az*by,
		aw*by - ax*bz + ay*bw + az*bx,
		aw*bz + ax*by - ay*bx + az*bw,
		aw*bw - ax*bx - ay*by - az*bz,
	}
}

func (q Quat) Conjugate() Quat {
	return Quat{-q[0], -q[1], -q[2], q[3]}
}

func (a Quat) Dot(b Quat) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] + a[3]*b[3]
}

func (q Quat) Len() float64 {
	return math.Sqrt(q.Dot(q))
}

// Inverse returns the multiplicative inverse. A zero quaternion maps to the identity.
func (q Quat) Inverse() Quat {
	n := q.Dot(q)
	if n < 1e-12 {
		return IdentityQuat
	}
	c := q.Conjugate()
	return Quat{c[0] / n, c[1] / n, c[2] / n, c[3] / n}
}

func (q Quat) Normalize() Quat {
	l := q.Len()
	if l < 1e-12 {
		return IdentityQuat
	}
	return Quat{q[0] / l, q[1] / l, q[2] / l, q[3] / l}
}

// Rotate applies the rotation q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q[0], q[1], q[2]}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q[3])).Add(u.Cross(t))
}

// Angle returns the angle in radians of the rotation taking a to b.
func (a Quat) Angle(b Quat) float64 {
	d := math.Abs(a.Normalize().Dot(b.Normalize()))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Slerp interpolates along the shortest arc from a to b. t is clamped to [0, 1].
func Slerp(a, b Quat, t float64) Quat {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}

	d := a.Dot(b)
	if d < 0 {
		b = Quat{-b[0], -b[1], -b[2], -b[3]}
		d = -d
	}

	// Nearly parallel: fall back to a normalized lerp.
	if d > 0.9995 {
		return Quat{
			a[0] + t*(b[0]-a[0]),
			a[1] + t*(b[1]-a[1]),
			a[2] + t*(b[2]-a[2]),
			a[3] + t*(b[3]-a[3]),
		}.Normalize()
	}

	theta := math.Acos(d)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return Quat{
		wa*a[0] + wb*b[0],
		wa*a[1] + wb*b[1],
		wa*a[2] + wb*b[2],
		wa*a[3] + wb*b[3],
	}
}

// EulerToQuat builds a rotation from pitch (X), yaw (Y) and roll (Z) in
// radians. The composition order is always yaw * pitch * roll.
func EulerToQuat(pitch, yaw, roll float64) Quat {
	sp, cp := math.Sincos(pitch * 0.5)
	sy, cy := math.Sincos(yaw * 0.5)
	sr, cr := math.Sincos(roll * 0.5)

	qx := Quat{sp, 0, 0, cp}
	qy := Quat{0, sy, 0, cy}
	qz := Quat{0, 0, sr, cr}
	return qy.Mul(qx).Mul(qz)
}

// QuatToEuler is the inverse of EulerToQuat, returning (pitch, yaw, roll).
func QuatToEuler(q Quat) Vec3 {
	m := quatToMat3(q.Normalize())

	sinPitch := -m[5]
	if sinPitch >= 0.99999 || sinPitch <= -0.99999 {
		// Gimbal lock: yaw and roll share an axis, put everything into yaw.
		pitch := math.Copysign(math.Pi/2, sinPitch)
		return Vec3{pitch, math.Atan2(-m[6], m[0]), 0}
	}
	return Vec3{
		math.Asin(sinPitch),
		math.Atan2(m[2], m[8]),
		math.Atan2(m[3], m[4]),
	}
}

// quatToMat3 converts a quaternion to a row-major 3×3 rotation matrix.
func quatToMat3(q Quat) [9]float64 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	xx, yy, zz := x*x, y*y, z*z
	xy, xz, yz := x*y, x*z, y*z
	wx, wy, wz := w*x, w*y, w*z

	return [9]float64{
		1 - 2*(yy+zz), 2 * (xy - wz), 2 * (xz + wy),
		2 * (xy + wz), 1 - 2*(xx+zz), 2 * (yz - wx),
		2 * (xz - wy), 2 * (yz + wx), 1 - 2*(xx+yy),
	}
}

const twoPi = 2 * math.Pi

// maxAngle bounds the magnitude ClampAngle steps through. Anything larger is
// not an angle the host produces.
const maxAngle = 1 << 20

// ClampAngle maps x into (-π, π] by repeated ±2π steps. NaN, infinities and
// magnitudes beyond maxAngle map to 0.
func ClampAngle(x float64) float64 {
	if math.IsNaN(x) || math.Abs(x) > maxAngle {
		return 0
	}
	for x > math.Pi {
		x -= twoPi
	}
	for x <= -math.Pi {
		x += twoPi
	}
	return x
}
