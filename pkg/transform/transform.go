// Package transform applies the fixed display pose to resolved assets.
package transform

import (
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/hashicorp-forge/augment/pkg/bundle"
)

// Canonical pose. Every fetched object is authored with the same
// orientation, so the pose is overwritten unconditionally.
const (
	UniformScale = 2.9
	RotationXDeg = -90.0
	RotationYDeg = 0.0
	RotationZDeg = 0.0
)

// Vec3 is a three component vector.
type Vec3 struct {
	X, Y, Z float64
}

// Pose is a local transform.
type Pose struct {
	Position Vec3
	Scale    Vec3
	// Rotation is in Euler degrees.
	Rotation Vec3
}

// Quaternion returns the rotation as a unit quaternion, applying Z then X
// then Y like the scene engine does for Euler angles.
func (p Pose) Quaternion() quat.Number {
	qx := axisAngle(Vec3{X: 1}, p.Rotation.X)
	qy := axisAngle(Vec3{Y: 1}, p.Rotation.Y)
	qz := axisAngle(Vec3{Z: 1}, p.Rotation.Z)
	return quat.Mul(quat.Mul(qy, qx), qz)
}

// Rotate rotates v by the pose rotation.
func (p Pose) Rotate(v Vec3) Vec3 {
	q := p.Quaternion()
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return Vec3{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func axisAngle(axis Vec3, deg float64) quat.Number {
	half := deg * math.Pi / 360
	s := math.Sin(half)
	return quat.Number{Real: math.Cos(half), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// Canonical returns the normalized pose.
func Canonical() Pose {
	return Pose{
		Position: Vec3{},
		Scale:    Vec3{X: UniformScale, Y: UniformScale, Z: UniformScale},
		Rotation: Vec3{X: RotationXDeg, Y: RotationYDeg, Z: RotationZDeg},
	}
}

// PositionedAsset is a resolved asset with its display pose.
type PositionedAsset struct {
	Asset *bundle.ResolvedAsset
	Pose  Pose
}

// Apply returns asset with the canonical pose.
func Apply(asset *bundle.ResolvedAsset) PositionedAsset {
	return PositionedAsset{Asset: asset, Pose: Canonical()}
}
