// Package geom implements the rigid-body transforms shared by the calibration
// stages. A Pose is stored the way the optimiser sees it: a translation
// followed by an axis-angle rotation, so that a pose can be handed to the
// solver as a flat parameter block without conversion.
package geom

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is {tx, ty, tz, rx, ry, rz}. The rotation is axis-angle: the vector
// direction is the axis and its norm is the angle in radians.
type Pose [6]float64

// Identity is the zero transform.
var Identity = Pose{}

// smallAngle is the rotation magnitude below which the first-order
// expansion of Rodrigues' formula is used.
const smallAngle = 1e-12

// Translation returns the translation component.
func (p Pose) Translation() r3.Vector {
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}
}

// Rotation returns the axis-angle rotation component.
func (p Pose) Rotation() r3.Vector {
	return r3.Vector{X: p[3], Y: p[4], Z: p[5]}
}

// NewPose builds a pose from a translation and an axis-angle vector.
func NewPose(t, aa r3.Vector) Pose {
	return Pose{t.X, t.Y, t.Z, aa.X, aa.Y, aa.Z}
}

// RotatePoint rotates x by the axis-angle vector aa.
func RotatePoint(aa, x r3.Vector) r3.Vector {
	theta2 := aa.Dot(aa)
	if theta2 > smallAngle {
		theta := math.Sqrt(theta2)
		c, s := math.Cos(theta), math.Sin(theta)
		w := aa.Mul(1 / theta)
		wx := w.Cross(x)
		tmp := w.Dot(x) * (1 - c)
		return x.Mul(c).Add(wx.Mul(s)).Add(w.Mul(tmp))
	}
	// Near zero the rotation is x + aa × x to first order.
	return x.Add(aa.Cross(x))
}

// Apply maps x from the child frame into the parent frame: R x + t.
func (p Pose) Apply(x r3.Vector) r3.Vector {
	return RotatePoint(p.Rotation(), x).Add(p.Translation())
}

// ApplyInverse maps x from the parent frame into the child frame: R'(x - t).
func (p Pose) ApplyInverse(x r3.Vector) r3.Vector {
	return RotatePoint(p.Rotation().Mul(-1), x.Sub(p.Translation()))
}

// Compose returns p * q, the transform that first applies q and then p.
func (p Pose) Compose(q Pose) Pose {
	r := mulRot(p.Matrix(), q.Matrix())
	t := p.Apply(q.Translation())
	return NewPose(t, AxisAngleFromMatrix(r))
}

// Inverse returns the transform that undoes p.
func (p Pose) Inverse() Pose {
	inv := p.Rotation().Mul(-1)
	t := RotatePoint(inv, p.Translation()).Mul(-1)
	return NewPose(t, inv)
}

// Matrix returns the 3x3 rotation matrix of p.
func (p Pose) Matrix() *mat.Dense {
	return RotationMatrix(p.Rotation())
}

// RotationMatrix converts an axis-angle vector into a rotation matrix.
func RotationMatrix(aa r3.Vector) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	cols := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	for c, e := range cols {
		v := RotatePoint(aa, e)
		m.Set(0, c, v.X)
		m.Set(1, c, v.Y)
		m.Set(2, c, v.Z)
	}
	return m
}

// PoseFromMatrix builds a pose from a rotation matrix and a translation.
func PoseFromMatrix(r mat.Matrix, t r3.Vector) Pose {
	return NewPose(t, AxisAngleFromMatrix(r))
}

// AxisAngleFromMatrix converts a rotation matrix into axis-angle form. The
// conversion goes through a unit quaternion, which stays well conditioned
// for angles close to pi.
func AxisAngleFromMatrix(r mat.Matrix) r3.Vector {
	w, x, y, z := quaternionFromMatrix(r)
	return AxisAngleFromQuaternion(w, x, y, z)
}

// AxisAngleFromQuaternion converts a (not necessarily unit) quaternion into
// an axis-angle vector with angle in [0, pi].
func AxisAngleFromQuaternion(w, x, y, z float64) r3.Vector {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n == 0 {
		return r3.Vector{}
	}
	w, x, y, z = w/n, x/n, y/n, z/n
	if w < 0 {
		w, x, y, z = -w, -x, -y, -z
	}
	s := math.Sqrt(x*x + y*y + z*z)
	if s < smallAngle {
		return r3.Vector{X: 2 * x, Y: 2 * y, Z: 2 * z}
	}
	angle := 2 * math.Atan2(s, w)
	return r3.Vector{X: x, Y: y, Z: z}.Mul(angle / s)
}

// FromQuaternion builds a pose from a translation and a quaternion given in
// (w, x, y, z) order.
func FromQuaternion(t r3.Vector, w, x, y, z float64) Pose {
	return NewPose(t, AxisAngleFromQuaternion(w, x, y, z))
}

// FromTransform7 parses the {x, y, z, qx, qy, qz, qw} layout used by rig
// configuration files.
func FromTransform7(v [7]float64) Pose {
	return FromQuaternion(r3.Vector{X: v[0], Y: v[1], Z: v[2]}, v[6], v[3], v[4], v[5])
}

// Quaternion returns the rotation of p as (w, x, y, z).
func (p Pose) Quaternion() (w, x, y, z float64) {
	aa := p.Rotation()
	theta := aa.Norm()
	if theta < smallAngle {
		return 1, aa.X / 2, aa.Y / 2, aa.Z / 2
	}
	s := math.Sin(theta/2) / theta
	return math.Cos(theta / 2), aa.X * s, aa.Y * s, aa.Z * s
}

// Transform7 returns p in {x, y, z, qx, qy, qz, qw} layout.
func (p Pose) Transform7() [7]float64 {
	w, x, y, z := p.Quaternion()
	return [7]float64{p[0], p[1], p[2], x, y, z, w}
}

func mulRot(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

func quaternionFromMatrix(r mat.Matrix) (w, x, y, z float64) {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		w = 0.25 / s
		x = (m21 - m12) * s
		y = (m02 - m20) * s
		z = (m10 - m01) * s
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		w = (m21 - m12) / s
		x = 0.25 * s
		y = (m01 + m10) / s
		z = (m02 + m20) / s
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		w = (m02 - m20) / s
		x = (m01 + m10) / s
		y = 0.25 * s
		z = (m12 + m21) / s
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		w = (m10 - m01) / s
		x = (m02 + m20) / s
		y = (m12 + m21) / s
		z = 0.25 * s
	}
	return w, x, y, z
}
