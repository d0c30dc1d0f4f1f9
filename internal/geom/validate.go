package geom

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel validation failures. The action pipeline maps these onto the
// stable machine tags it returns to clients; the wrapped message carries
// the human-readable diagnostic.
var (
	ErrOutOfRange       = errors.New("build target out of range")
	ErrOriginExcluded   = errors.New("origin exclusion zone")
	ErrSettlementTooFar = errors.New("too far from nearest settlement")
	ErrExpansionGate    = errors.New("expansion gate active")
	ErrOverlap          = errors.New("overlaps existing primitive")
	ErrFloating         = errors.New("primitive would float")
	ErrInvalidCoords    = errors.New("invalid coordinates")
)

// Rules holds the tunable placement policy. Defaults match production;
// the config layer may override individual values.
type Rules struct {
	PrimitiveCost       int64   // credits debited per placed primitive
	OriginExclusion     float64 // no builds within this XZ radius of the origin
	MinBuildRange       float64 // agent must be at least this far from the target
	MaxBuildRange       float64 // and at most this far
	SettlementThreshold int     // below this world primitive count, proximity rules are off
	SettlementMax       float64 // max distance from the nearest primitive
	FrontierMin         float64 // at or past this distance the expansion gate applies
	FrontierMax         float64 // outer edge of frontier open-area sampling
	NodeExpansionGate   int     // structures the nearest node needs before frontier builds
}

// DefaultRules returns the production placement policy.
func DefaultRules() Rules {
	return Rules{
		PrimitiveCost:       1,
		OriginExclusion:     50,
		MinBuildRange:       2,
		MaxBuildRange:       20,
		SettlementThreshold: 5,
		SettlementMax:       601,
		FrontierMin:         200,
		FrontierMax:         600,
		NodeExpansionGate:   25,
	}
}

// NodeGate resolves the settlement node nearest to a ground-plane point.
// ok is false when no node exists yet. Supplied by the spatial analyzer;
// kept as a function type so validation stays free of analyzer imports.
type NodeGate func(x, z float64) (name string, structures int, ok bool)

// PlacementResult is the outcome of ValidatePlacement.
type PlacementResult struct {
	Valid      bool
	CorrectedY float64 // meaningful only when Snapped
	Snapped    bool    // provided y was wrong; CorrectedY is where it belongs
	Err        error
}

// ValidatePlacement runs the physics check for one primitive against the
// geometry already near it. Exempt shapes pass unconditionally. Non-exempt
// shapes must either sit on the ground (y = scale.y/2) or rest exactly on
// top of the highest overlapping primitive below; a wrong y comes back as
// a snap suggestion rather than a hard failure. A 3D overlap with existing
// non-exempt geometry is a hard failure.
func ValidatePlacement(shape Shape, position, scale Vec3, nearby []*Primitive) PlacementResult {
	if shape.Exempt() {
		return PlacementResult{Valid: true}
	}

	candidate := &Primitive{Shape: shape, Position: position, Scale: scale}
	cb := PrimitiveBounds(candidate)

	// Required resting height: ground, or the top of the tallest
	// non-exempt primitive whose footprint is under ours.
	requiredY := scale.Y / 2
	for _, p := range nearby {
		if p.Shape.Exempt() {
			continue
		}
		pb := PrimitiveBounds(p)
		if !cb.OverlapsXZ(pb, 0) {
			continue
		}
		top := pb.MaxY
		if top+scale.Y/2 > requiredY && top <= position.Y+scale.Y/2 {
			requiredY = top + scale.Y/2
		}
	}

	const yTolerance = 0.05
	if math.Abs(position.Y-requiredY) > yTolerance {
		return PlacementResult{
			Valid:      false,
			Snapped:    true,
			CorrectedY: requiredY,
			Err:        fmt.Errorf("%w: y=%.3f, resting height %.3f", ErrFloating, position.Y, requiredY),
		}
	}

	for _, p := range nearby {
		if p.Shape.Exempt() {
			continue
		}
		if cb.Overlaps3D(PrimitiveBounds(p)) {
			return PlacementResult{
				Valid: false,
				Err:   fmt.Errorf("%w: primitive %s", ErrOverlap, p.ID),
			}
		}
	}

	return PlacementResult{Valid: true}
}

// CheckOriginExclusion rejects points inside the protected radius around
// the world origin.
func (r Rules) CheckOriginExclusion(x, z float64) error {
	if math.Hypot(x, z) < r.OriginExclusion {
		return fmt.Errorf("%w: within %.0f units of origin", ErrOriginExcluded, r.OriginExclusion)
	}
	return nil
}

// CheckBuildRange rejects targets the agent is standing on top of or
// cannot plausibly reach.
func (r Rules) CheckBuildRange(agentX, agentZ, targetX, targetZ float64) error {
	d := DistanceXZ(agentX, agentZ, targetX, targetZ)
	if d < r.MinBuildRange || d > r.MaxBuildRange {
		return fmt.Errorf("%w: distance %.1f, allowed %.0f-%.0f", ErrOutOfRange, d, r.MinBuildRange, r.MaxBuildRange)
	}
	return nil
}

// CheckSettlementProximity enforces the growth rules that keep the scene
// contiguous: until the world has SettlementThreshold primitives anything
// goes; after that a build must land within SettlementMax of existing
// geometry, and frontier-distance builds (>= FrontierMin) additionally
// require the nearest node to have reached the expansion gate density.
func (r Rules) CheckSettlementProximity(x, z float64, prims []*Primitive, gate NodeGate) error {
	if len(prims) < r.SettlementThreshold {
		return nil
	}

	nearest := DistanceToNearest(x, z, prims)
	if nearest > r.SettlementMax {
		return fmt.Errorf("%w: nearest build is %.0f units away (max %.0f)", ErrSettlementTooFar, nearest, r.SettlementMax)
	}

	if nearest >= r.FrontierMin && gate != nil {
		name, structures, ok := gate(x, z)
		if !ok || structures < r.NodeExpansionGate {
			return fmt.Errorf("%w: nearest node %q has %d structures, needs %d",
				ErrExpansionGate, name, structures, r.NodeExpansionGate)
		}
	}
	return nil
}

// DistanceToNearest returns the XZ distance from a point to the closest
// primitive center. Returns +Inf for an empty set.
func DistanceToNearest(x, z float64, prims []*Primitive) float64 {
	best := math.Inf(1)
	for _, p := range prims {
		if d := DistanceXZ(x, z, p.Position.X, p.Position.Z); d < best {
			best = d
		}
	}
	return best
}

// Connected reports whether two primitives belong to the same structure:
// their XZ boxes overlap when either is expanded by the contiguity pad, or
// their centers are within a size-aware distance of each other.
func Connected(a, b *Primitive) bool {
	const pad = 1.5
	if PrimitiveBounds(a).OverlapsXZ(PrimitiveBounds(b), pad) {
		return true
	}
	maxDim := math.Max(MaxDimension(a), MaxDimension(b))
	tolerance := math.Max(3.5, math.Min(12, 1.5*maxDim))
	return DistanceXZ(a.Position.X, a.Position.Z, b.Position.X, b.Position.Z) <= tolerance
}
