package geom

import (
	"math"
	"time"
)

// Primitive is an atomic shape placed in the world. Immutable after
// creation except for delete-by-owner; all other systems treat the
// primitive set as shared geometry.
type Primitive struct {
	ID             string    `json:"id"`
	OwnerAgentID   string    `json:"ownerAgentId"`
	OwnerAgentName string    `json:"ownerAgentName"`
	Shape          Shape     `json:"shape"`
	Position       Vec3      `json:"position"`
	Rotation       Vec3      `json:"rotation"`
	Scale          Vec3      `json:"scale"`
	Color          string    `json:"color"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// PrimitiveBounds returns the AABB of a primitive, position ± scale/2.
func PrimitiveBounds(p *Primitive) Bounds {
	return Bounds{
		MinX: p.Position.X - p.Scale.X/2,
		MaxX: p.Position.X + p.Scale.X/2,
		MinY: p.Position.Y - p.Scale.Y/2,
		MaxY: p.Position.Y + p.Scale.Y/2,
		MinZ: p.Position.Z - p.Scale.Z/2,
		MaxZ: p.Position.Z + p.Scale.Z/2,
	}
}

// BoundingBox returns the AABB containing every primitive in the set.
// The zero Bounds is returned for an empty set.
func BoundingBox(prims []*Primitive) Bounds {
	if len(prims) == 0 {
		return Bounds{}
	}
	b := PrimitiveBounds(prims[0])
	for _, p := range prims[1:] {
		pb := PrimitiveBounds(p)
		b.MinX = math.Min(b.MinX, pb.MinX)
		b.MinY = math.Min(b.MinY, pb.MinY)
		b.MinZ = math.Min(b.MinZ, pb.MinZ)
		b.MaxX = math.Max(b.MaxX, pb.MaxX)
		b.MaxY = math.Max(b.MaxY, pb.MaxY)
		b.MaxZ = math.Max(b.MaxZ, pb.MaxZ)
	}
	return b
}

// ExpandXZ grows the box by pad on all four ground-plane sides.
func (b Bounds) ExpandXZ(pad float64) Bounds {
	b.MinX -= pad
	b.MaxX += pad
	b.MinZ -= pad
	b.MaxZ += pad
	return b
}

// OverlapsXZ reports whether two boxes intersect when projected onto the
// ground plane, with either box expanded by pad.
func (b Bounds) OverlapsXZ(o Bounds, pad float64) bool {
	return b.MinX-pad < o.MaxX && b.MaxX+pad > o.MinX &&
		b.MinZ-pad < o.MaxZ && b.MaxZ+pad > o.MinZ
}

// Overlaps3D reports whether two boxes intersect in full 3D. A shared face
// (exact stacking) does not count as overlap; shrink guards against float
// noise at the contact plane.
func (b Bounds) Overlaps3D(o Bounds) bool {
	const shrink = 1e-3
	return b.MinX+shrink < o.MaxX && b.MaxX-shrink > o.MinX &&
		b.MinY+shrink < o.MaxY && b.MaxY-shrink > o.MinY &&
		b.MinZ+shrink < o.MaxZ && b.MaxZ-shrink > o.MinZ
}

// CenterXZ returns the ground-plane center of the box.
func (b Bounds) CenterXZ() (x, z float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinZ + b.MaxZ) / 2
}

// IsConnector reports whether a primitive reads as a road segment: a plane,
// or a thin wide box/cylinder.
func IsConnector(p *Primitive) bool {
	switch p.Shape {
	case ShapePlane:
		return true
	case ShapeBox, ShapeCylinder:
		return p.Scale.Y <= 0.25 && math.Max(p.Scale.X, p.Scale.Z) >= 1.5
	default:
		return false
	}
}

// InferCategory classifies a primitive by shape and flatness. Flat
// connector geometry always reads as infrastructure regardless of shape.
func InferCategory(p *Primitive) Category {
	if IsConnector(p) {
		return CategoryInfrastructure
	}
	if p.Shape >= shapeCount {
		return CategoryMixed
	}
	return baseCategory[p.Shape]
}

// RadiusXZ returns half the primitive's footprint diagonal, used as a
// conservative ground-plane radius.
func RadiusXZ(p *Primitive) float64 {
	return math.Hypot(p.Scale.X, p.Scale.Z) / 2
}

// MaxDimension returns the largest scale component.
func MaxDimension(p *Primitive) float64 {
	return math.Max(p.Scale.X, math.Max(p.Scale.Y, p.Scale.Z))
}
