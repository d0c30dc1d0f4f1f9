package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x, y, z, sx, sy, sz float64) *Primitive {
	return &Primitive{
		ID:       "p",
		Shape:    ShapeBox,
		Position: Vec3{X: x, Y: y, Z: z},
		Scale:    Vec3{X: sx, Y: sy, Z: sz},
	}
}

func TestValidatePlacementGroundSnap(t *testing.T) {
	// Unit box requested at y=0 must snap up to y=0.5.
	res := ValidatePlacement(ShapeBox, Vec3{X: 105, Y: 0, Z: 100}, Vec3{X: 1, Y: 1, Z: 1}, nil)
	require.False(t, res.Valid)
	require.True(t, res.Snapped)
	assert.InDelta(t, 0.5, res.CorrectedY, 1e-9)
	assert.ErrorIs(t, res.Err, ErrFloating)

	// Re-validating at the corrected height passes.
	res = ValidatePlacement(ShapeBox, Vec3{X: 105, Y: res.CorrectedY, Z: 100}, Vec3{X: 1, Y: 1, Z: 1}, nil)
	assert.True(t, res.Valid)
}

func TestValidatePlacementStacking(t *testing.T) {
	support := box(10, 0.5, 10, 2, 1, 2)

	// A unit box dropped over the support snaps to its top.
	res := ValidatePlacement(ShapeBox, Vec3{X: 10, Y: 2, Z: 10}, Vec3{X: 1, Y: 1, Z: 1}, []*Primitive{support})
	require.True(t, res.Snapped)
	assert.InDelta(t, 1.5, res.CorrectedY, 1e-9)

	res = ValidatePlacement(ShapeBox, Vec3{X: 10, Y: 1.5, Z: 10}, Vec3{X: 1, Y: 1, Z: 1}, []*Primitive{support})
	assert.True(t, res.Valid, "resting exactly on top must not count as overlap")
}

func TestValidatePlacementOverlap(t *testing.T) {
	// A taller neighbor: the candidate cannot stack on it (its top is above
	// the candidate's), so the side intersection is a hard overlap.
	existing := box(10, 1, 10, 2, 2, 2)

	res := ValidatePlacement(ShapeBox, Vec3{X: 10.5, Y: 0.5, Z: 10}, Vec3{X: 1, Y: 1, Z: 1}, []*Primitive{existing})
	require.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, ErrOverlap)
}

func TestValidatePlacementExemptShapes(t *testing.T) {
	for _, shape := range []Shape{ShapePlane, ShapeCircle} {
		res := ValidatePlacement(shape, Vec3{X: 0, Y: 7, Z: 0}, Vec3{X: 3, Y: 0.1, Z: 3}, nil)
		assert.True(t, res.Valid, "%s is physics-exempt", shape)
	}
}

func TestCheckOriginExclusion(t *testing.T) {
	r := DefaultRules()
	assert.Error(t, r.CheckOriginExclusion(10, 10))
	assert.Error(t, r.CheckOriginExclusion(49.9, 0))
	assert.NoError(t, r.CheckOriginExclusion(50, 0))
	assert.NoError(t, r.CheckOriginExclusion(100, 100))
}

func TestCheckBuildRange(t *testing.T) {
	r := DefaultRules()
	assert.ErrorIs(t, r.CheckBuildRange(0, 0, 1, 0), ErrOutOfRange, "too close")
	assert.ErrorIs(t, r.CheckBuildRange(0, 0, 30, 30), ErrOutOfRange, "too far")
	assert.NoError(t, r.CheckBuildRange(100, 100, 105, 100))
}

func TestCheckSettlementProximity(t *testing.T) {
	r := DefaultRules()

	// Bootstrap: below the threshold everything passes.
	few := []*Primitive{box(100, 0.5, 100, 1, 1, 1)}
	assert.NoError(t, r.CheckSettlementProximity(700, 700, few, nil))

	var cluster []*Primitive
	for i := 0; i < 6; i++ {
		cluster = append(cluster, box(100+float64(i)*2, 0.5, 100, 1, 1, 1))
	}

	err := r.CheckSettlementProximity(705, 705, cluster, nil)
	assert.ErrorIs(t, err, ErrSettlementTooFar)

	// Near the cluster: fine.
	assert.NoError(t, r.CheckSettlementProximity(110, 100, cluster, nil))

	// Frontier distance with an under-developed nearest node.
	smallNode := func(x, z float64) (string, int, bool) { return "North Settlement I", 10, true }
	err = r.CheckSettlementProximity(310, 310, cluster, smallNode)
	assert.ErrorIs(t, err, ErrExpansionGate)

	// Same spot once the node has matured.
	bigNode := func(x, z float64) (string, int, bool) { return "North City I", 25, true }
	assert.NoError(t, r.CheckSettlementProximity(310, 310, cluster, bigNode))
}

func TestIsConnector(t *testing.T) {
	assert.True(t, IsConnector(&Primitive{Shape: ShapePlane, Scale: Vec3{X: 1, Y: 1, Z: 1}}))
	assert.True(t, IsConnector(box(0, 0, 0, 4, 0.2, 1)), "thin wide box is a road segment")
	assert.False(t, IsConnector(box(0, 0, 0, 1, 1, 1)))
	assert.False(t, IsConnector(box(0, 0, 0, 1, 0.2, 1)), "thin but narrow")
	assert.False(t, IsConnector(&Primitive{Shape: ShapeSphere, Scale: Vec3{X: 4, Y: 0.2, Z: 4}}))
}

func TestInferCategory(t *testing.T) {
	assert.Equal(t, CategoryArchitecture, InferCategory(box(0, 0, 0, 1, 1, 1)))
	assert.Equal(t, CategoryInfrastructure, InferCategory(box(0, 0, 0, 4, 0.2, 1)), "flat geometry reads as infrastructure")
	assert.Equal(t, CategoryNature, InferCategory(&Primitive{Shape: ShapeCone, Scale: Vec3{X: 1, Y: 2, Z: 1}}))
	assert.Equal(t, CategoryTechnology, InferCategory(&Primitive{Shape: ShapeOctahedron, Scale: Vec3{X: 1, Y: 1, Z: 1}}))
	assert.Equal(t, CategoryArt, InferCategory(&Primitive{Shape: ShapeTorusKnot, Scale: Vec3{X: 1, Y: 1, Z: 1}}))
}

func TestConnected(t *testing.T) {
	a := box(110, 0.5, 110, 1, 1, 1)
	b := box(113, 0.5, 110, 1, 1, 1)
	c := box(140, 0.5, 110, 1, 1, 1)

	assert.True(t, Connected(a, b), "3 units apart, within default tolerance")
	assert.False(t, Connected(b, c), "27 units apart")

	// Large primitives extend the tolerance up to the 12-unit cap.
	big1 := box(0, 4, 0, 8, 8, 8)
	big2 := box(11, 4, 0, 8, 8, 8)
	assert.True(t, Connected(big1, big2))
}

func TestDistanceToNearest(t *testing.T) {
	assert.True(t, math.IsInf(DistanceToNearest(0, 0, nil), 1))
	prims := []*Primitive{box(3, 0.5, 4, 1, 1, 1)}
	assert.InDelta(t, 5, DistanceToNearest(0, 0, prims), 1e-9)
}

func TestBoundingBox(t *testing.T) {
	prims := []*Primitive{
		box(0, 0.5, 0, 1, 1, 1),
		box(10, 0.5, -5, 2, 1, 2),
	}
	b := BoundingBox(prims)
	assert.InDelta(t, -0.5, b.MinX, 1e-9)
	assert.InDelta(t, 11, b.MaxX, 1e-9)
	assert.InDelta(t, -6, b.MinZ, 1e-9)
	assert.InDelta(t, 0.5, b.MaxZ, 1e-9)
}

func TestParseShape(t *testing.T) {
	s, err := ParseShape("torusKnot")
	require.NoError(t, err)
	assert.Equal(t, ShapeTorusKnot, s)

	_, err = ParseShape("pyramid")
	assert.Error(t, err)
}
