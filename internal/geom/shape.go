package geom

import "fmt"

// Shape is a closed enumeration of the geometric primitives agents can
// place. The validator and the spatial analyzer branch on the tag, never
// on strings; the string form exists only at the wire boundary.
type Shape uint8

const (
	ShapeBox Shape = iota
	ShapeSphere
	ShapeCone
	ShapeCylinder
	ShapePlane
	ShapeTorus
	ShapeCircle
	ShapeDodecahedron
	ShapeIcosahedron
	ShapeOctahedron
	ShapeRing
	ShapeTetrahedron
	ShapeTorusKnot
	ShapeCapsule

	shapeCount
)

// Category classifies what a primitive reads as in the scene. Derived, not
// stored: the analyzer recomputes it from shape and flatness.
type Category uint8

const (
	CategoryArchitecture Category = iota
	CategoryInfrastructure
	CategoryTechnology
	CategoryArt
	CategoryNature
	CategoryMixed
)

// BuildCategories are the categories a settlement node can be missing.
// CategoryMixed is a verdict, not a buildable category.
var BuildCategories = [...]Category{
	CategoryArchitecture,
	CategoryInfrastructure,
	CategoryTechnology,
	CategoryArt,
	CategoryNature,
}

var shapeNames = [shapeCount]string{
	"box", "sphere", "cone", "cylinder", "plane", "torus", "circle",
	"dodecahedron", "icosahedron", "octahedron", "ring", "tetrahedron",
	"torusKnot", "capsule",
}

var categoryNames = [...]string{
	"architecture", "infrastructure", "technology", "art", "nature", "mixed",
}

// physicsExempt shapes skip ground/stack snapping entirely: they are flat
// decals that may float or lie on other geometry.
var physicsExempt = [shapeCount]bool{
	ShapePlane:  true,
	ShapeCircle: true,
}

// baseCategory is the category a shape reads as when it is not flat enough
// to count as a connector.
var baseCategory = [shapeCount]Category{
	ShapeBox:          CategoryArchitecture,
	ShapeSphere:       CategoryNature,
	ShapeCone:         CategoryNature,
	ShapeCylinder:     CategoryArchitecture,
	ShapePlane:        CategoryInfrastructure,
	ShapeTorus:        CategoryArt,
	ShapeCircle:       CategoryInfrastructure,
	ShapeDodecahedron: CategoryTechnology,
	ShapeIcosahedron:  CategoryTechnology,
	ShapeOctahedron:   CategoryTechnology,
	ShapeRing:         CategoryArt,
	ShapeTetrahedron:  CategoryTechnology,
	ShapeTorusKnot:    CategoryArt,
	ShapeCapsule:      CategoryNature,
}

// String returns the wire name of the shape.
func (s Shape) String() string {
	if s >= shapeCount {
		return "unknown"
	}
	return shapeNames[s]
}

// Exempt reports whether the shape skips placement physics.
func (s Shape) Exempt() bool {
	return s < shapeCount && physicsExempt[s]
}

// ParseShape maps a wire name to its shape tag.
func ParseShape(name string) (Shape, error) {
	for i, n := range shapeNames {
		if n == name {
			return Shape(i), nil
		}
	}
	return 0, fmt.Errorf("unknown shape %q", name)
}

// String returns the wire name of the category.
func (c Category) String() string {
	if int(c) >= len(categoryNames) {
		return "mixed"
	}
	return categoryNames[c]
}

// MarshalText lets categories serialize as their wire names.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// MarshalText lets shapes serialize as their wire names.
func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a shape from its wire name.
func (s *Shape) UnmarshalText(b []byte) error {
	parsed, err := ParseShape(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
