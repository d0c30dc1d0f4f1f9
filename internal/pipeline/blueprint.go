package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/milomadeit/gridworld/internal/blueprint"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/world"
)

// continueBatchSize is the number of pieces placed per CONTINUE call.
const continueBatchSize = 5

// StartResult describes a freshly registered blueprint plan.
type StartResult struct {
	BlueprintName   string            `json:"blueprintName"`
	TotalPrimitives int               `json:"totalPrimitives"`
	Phases          []blueprint.Phase `json:"phases"`
	AnchorX         float64           `json:"anchorX"`
	AnchorZ         float64           `json:"anchorZ"`
}

// BlueprintStart resolves a named blueprint at an anchor, reserves its
// footprint, and registers the plan. No pieces are placed yet.
func (p *Pipeline) BlueprintStart(agentID, name string, anchorX, anchorZ float64) (*StartResult, *Error) {
	defer p.lockAgent(agentID)()

	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	if ok, retry := p.throttles.Allow(ClassBlueprintStart, agentID); !ok {
		return nil, &Error{Tag: TagRateLimited, Reason: "blueprint start rate exceeded", RetryAfterMs: retry}
	}
	if _, active := p.store.GetBuildPlan(agentID); active {
		return nil, errf(TagBlueprintActive, "agent already has an active plan")
	}

	bp, err := blueprint.Lookup(name)
	if err != nil {
		return nil, errf(TagBlueprintNotFound, "%v", err)
	}
	if d := geom.DistanceXZ(agent.Position.X, agent.Position.Z, anchorX, anchorZ); d > p.rules.MaxBuildRange {
		return nil, errf(TagAnchorTooFar, "anchor is %.1f units away, max %.0f", d, p.rules.MaxBuildRange)
	}

	prims := p.store.Primitives()
	if err := p.rules.CheckOriginExclusion(anchorX, anchorZ); err != nil {
		return nil, errf(TagAnchorOutOfRange, "%v", err)
	}
	if err := p.rules.CheckSettlementProximity(anchorX, anchorZ, prims, p.gate); err != nil {
		return nil, errf(TagAnchorOutOfRange, "%v", err)
	}

	resolved := bp.Resolve(anchorX, anchorZ)

	// Footprint exclusivity: the resolved plan must not overlap existing
	// non-exempt geometry or any other agent's reservation.
	for _, pr := range prims {
		if pr.Shape.Exempt() {
			continue
		}
		if resolved.Footprint.OverlapsXZ(geom.PrimitiveBounds(pr), 0) {
			return nil, errf(TagFootprintOverlap, "footprint overlaps primitive %s", pr.ID)
		}
	}
	for owner, b := range p.store.Reservations() {
		if owner != agentID && resolved.Footprint.OverlapsXZ(b, 0) {
			return nil, errf(TagFootprintOverlap, "footprint overlaps reservation of agent %s", owner)
		}
	}

	total := len(resolved.Pieces)
	if need := int64(total) * p.rules.PrimitiveCost; p.ledger.Balance(agentID) < need {
		return nil, errf(TagInsufficientCredits, "plan needs %d credits, balance %d", need, p.ledger.Balance(agentID))
	}

	plan := &world.BuildPlan{
		AgentID:       agentID,
		BlueprintName: bp.Name,
		AnchorX:       anchorX,
		AnchorZ:       anchorZ,
		Pieces:        resolved.Pieces,
		Phases:        resolved.Phases,
		StartedAt:     p.now(),
	}
	p.store.SetBuildPlan(plan)
	if err := p.db.SaveBuildPlan(plan); err != nil {
		p.store.ClearBuildPlan(agentID)
		return nil, fromValidation(err)
	}
	p.store.TouchAgent(agentID, p.now())

	p.terminal(agentID, agent.Name, fmt.Sprintf("%s started blueprint %s at (%.0f, %.0f)",
		agent.Name, bp.Name, anchorX, anchorZ))
	return &StartResult{
		BlueprintName:   bp.Name,
		TotalPrimitives: total,
		Phases:          resolved.Phases,
		AnchorX:         anchorX,
		AnchorZ:         anchorZ,
	}, nil
}

// ContinueResult reports the outcome of one CONTINUE batch.
type ContinueResult struct {
	Status        string        `json:"status"` // building | complete | complete_with_failures
	Placed        int           `json:"placed"`
	Total         int           `json:"total"`
	CurrentPhase  string        `json:"currentPhase,omitempty"`
	NextBatchSize int           `json:"nextBatchSize,omitempty"`
	Results       []MultiResult `json:"results"`
}

// BlueprintContinue places the next batch of up to five pieces. A failed
// piece records its error and the cursor still advances, so any plan
// terminates in at most ceil(total/5) calls.
func (p *Pipeline) BlueprintContinue(agentID string) (*ContinueResult, *Error) {
	defer p.lockAgent(agentID)()

	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	if ok, retry := p.throttles.Allow(ClassBlueprintContinue, agentID); !ok {
		return nil, &Error{Tag: TagRateLimited, Reason: "blueprint continue rate exceeded", RetryAfterMs: retry}
	}
	plan, active := p.store.GetBuildPlan(agentID)
	if !active {
		return nil, errf(TagBlueprintNotActive, "no active plan")
	}
	if d := geom.DistanceXZ(agent.Position.X, agent.Position.Z, plan.AnchorX, plan.AnchorZ); d > p.rules.MaxBuildRange {
		return nil, errf(TagAnchorTooFar, "anchor is %.1f units away, max %.0f", d, p.rules.MaxBuildRange)
	}

	end := plan.NextIndex + continueBatchSize
	if end > plan.Total() {
		end = plan.Total()
	}

	var results []MultiResult
	for i := plan.NextIndex; i < end; i++ {
		pc := plan.Pieces[i]
		prim := &geom.Primitive{
			ID:             uuid.NewString(),
			OwnerAgentID:   agentID,
			OwnerAgentName: agent.Name,
			Shape:          pc.Shape,
			Position:       pc.Position,
			Rotation:       pc.Rotation,
			Scale:          pc.Scale,
			Color:          pc.Color,
			CreatedAt:      p.now(),
		}

		var itemErr *Error
		if itemErr = validateWithSnap(prim, p.store.Primitives()); itemErr == nil {
			itemErr = p.debitAndPlace(prim)
		}
		if itemErr != nil {
			results = append(results, MultiResult{Index: i, OK: false, Err: itemErr})
			p.store.MutatePlan(agentID, func(lp *world.BuildPlan) {
				lp.NextIndex++
				lp.FailedCount++
			})
			continue
		}
		results = append(results, MultiResult{Index: i, OK: true, Prim: prim})
		p.store.MutatePlan(agentID, func(lp *world.BuildPlan) {
			lp.NextIndex++
			lp.PlacedCount++
		})
		p.broadcast(Event{Type: "primitive_created", Payload: prim})
	}

	plan, _ = p.store.GetBuildPlan(agentID)
	p.store.TouchAgent(agentID, p.now())

	if plan.Done() {
		status := "complete"
		if plan.FailedCount > 0 {
			status = "complete_with_failures"
		}
		p.store.ClearBuildPlan(agentID)
		if err := p.db.DeleteBuildPlan(agentID); err != nil {
			slog.Warn("plan cleanup failed", "agent", agentID, "error", err)
		}
		p.terminal(agentID, agent.Name, fmt.Sprintf("%s finished blueprint %s (%d placed, %d failed)",
			agent.Name, plan.BlueprintName, plan.PlacedCount, plan.FailedCount))
		return &ContinueResult{
			Status:  status,
			Placed:  plan.PlacedCount,
			Total:   plan.Total(),
			Results: results,
		}, nil
	}

	if err := p.db.SaveBuildPlan(&plan); err != nil {
		slog.Warn("plan checkpoint failed", "agent", agentID, "error", err)
	}
	next := plan.Total() - plan.NextIndex
	if next > continueBatchSize {
		next = continueBatchSize
	}
	return &ContinueResult{
		Status:        "building",
		Placed:        plan.PlacedCount,
		Total:         plan.Total(),
		CurrentPhase:  plan.CurrentPhase(),
		NextBatchSize: next,
		Results:       results,
	}, nil
}

// CancelResult acknowledges a cancelled plan.
type CancelResult struct {
	Cancelled    bool `json:"cancelled"`
	PiecesPlaced int  `json:"piecesPlaced"`
}

// BlueprintCancel abandons the active plan. Already-placed pieces stay.
func (p *Pipeline) BlueprintCancel(agentID string) (*CancelResult, *Error) {
	defer p.lockAgent(agentID)()

	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	plan, active := p.store.GetBuildPlan(agentID)
	if !active {
		return nil, errf(TagBlueprintNotActive, "no active plan")
	}
	p.store.ClearBuildPlan(agentID)
	if err := p.db.DeleteBuildPlan(agentID); err != nil {
		slog.Warn("plan cleanup failed", "agent", agentID, "error", err)
	}
	p.terminal(agentID, agent.Name, fmt.Sprintf("%s cancelled blueprint %s", agent.Name, plan.BlueprintName))
	return &CancelResult{Cancelled: true, PiecesPlaced: plan.PlacedCount}, nil
}
