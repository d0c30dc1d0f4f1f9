// Package geom provides the primitive data model and the pure placement
// validation rules. Everything here is deterministic and side-effect free;
// the action pipeline is the sole caller that turns a validation failure
// into a user-visible error.
package geom

import "math"

// Vec3 is a point or extent in world space. Y is up; the ground plane is y=0.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec2XZ is a point on the ground plane. Movement and most placement rules
// operate in XZ only.
type Vec2XZ struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Finite reports whether all components are finite numbers.
func (v Vec3) Finite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// Positive reports whether all components are strictly positive.
// Scale vectors must satisfy this.
func (v Vec3) Positive() bool {
	return v.X > 0 && v.Y > 0 && v.Z > 0
}

// NonZero reports whether no component is exactly zero.
func (v Vec3) NonZero() bool {
	return v.X != 0 && v.Y != 0 && v.Z != 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// DistanceXZ returns the Euclidean distance between two points projected
// onto the ground plane.
func DistanceXZ(ax, az, bx, bz float64) float64 {
	dx := ax - bx
	dz := az - bz
	return math.Sqrt(dx*dx + dz*dz)
}
