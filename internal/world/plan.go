package world

import (
	"time"

	"github.com/milomadeit/gridworld/internal/blueprint"
	"github.com/milomadeit/gridworld/internal/geom"
)

// BuildPlan is an in-flight blueprint execution. At most one per agent.
// Pieces hold absolute coordinates resolved at START; NextIndex is the
// cursor and only ever moves forward.
type BuildPlan struct {
	AgentID       string                    `json:"agentId"`
	BlueprintName string                    `json:"blueprintName"`
	AnchorX       float64                   `json:"anchorX"`
	AnchorZ       float64                   `json:"anchorZ"`
	Pieces        []blueprint.ResolvedPiece `json:"allPrimitives"`
	Phases        []blueprint.Phase         `json:"phases"`
	PlacedCount   int                       `json:"placedCount"`
	FailedCount   int                       `json:"failedCount"`
	NextIndex     int                       `json:"nextIndex"`
	StartedAt     time.Time                 `json:"startedAt"`
}

// Total returns the number of pieces in the plan.
func (p *BuildPlan) Total() int {
	return len(p.Pieces)
}

// Done reports whether the cursor has consumed every piece.
func (p *BuildPlan) Done() bool {
	return p.NextIndex >= len(p.Pieces)
}

// CurrentPhase returns the phase name the cursor is inside, or "" when the
// plan is done.
func (p *BuildPlan) CurrentPhase() string {
	idx := p.NextIndex
	for _, ph := range p.Phases {
		if idx < ph.Count {
			return ph.Name
		}
		idx -= ph.Count
	}
	return ""
}

// Footprint returns the plan's reserved XZ bounding box.
func (p *BuildPlan) Footprint() geom.Bounds {
	prims := make([]*geom.Primitive, len(p.Pieces))
	for i := range p.Pieces {
		pc := &p.Pieces[i]
		prims[i] = &geom.Primitive{Shape: pc.Shape, Position: pc.Position, Scale: pc.Scale}
	}
	return geom.BoundingBox(prims)
}
