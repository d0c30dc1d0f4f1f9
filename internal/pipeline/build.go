package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/world"
)

// PrimitiveRequest is the wire form of one primitive to place.
type PrimitiveRequest struct {
	Shape    string    `json:"shape"`
	Position geom.Vec3 `json:"position"`
	Rotation geom.Vec3 `json:"rotation"`
	Scale    geom.Vec3 `json:"scale"`
	Color    string    `json:"color"`
}

func (r *PrimitiveRequest) toPrimitive(agent *world.Agent, at time.Time) (*geom.Primitive, *Error) {
	shape, err := geom.ParseShape(r.Shape)
	if err != nil {
		return nil, errf(TagInvalidShape, "%v", err)
	}
	if !r.Position.Finite() || !r.Rotation.Finite() || !r.Scale.Finite() {
		return nil, errf(TagInvalidCoords, "non-finite coordinate")
	}
	if !r.Scale.Positive() {
		return nil, errf(TagInvalidCoords, "scale must be positive on every axis")
	}
	return &geom.Primitive{
		ID:             uuid.NewString(),
		OwnerAgentID:   agent.ID,
		OwnerAgentName: agent.Name,
		Shape:          shape,
		Position:       r.Position,
		Rotation:       r.Rotation,
		Scale:          r.Scale,
		Color:          r.Color,
		CreatedAt:      at,
	}, nil
}

// checkPlacementRules runs the positional gauntlet shared by single and
// multi builds: build range, origin exclusion, settlement proximity and
// the expansion gate. Pure reads only.
func (p *Pipeline) checkPlacementRules(agent *world.Agent, x, z float64, prims []*geom.Primitive) *Error {
	if err := p.rules.CheckBuildRange(agent.Position.X, agent.Position.Z, x, z); err != nil {
		return fromValidation(err)
	}
	if err := p.rules.CheckOriginExclusion(x, z); err != nil {
		return fromValidation(err)
	}
	if err := p.rules.CheckSettlementProximity(x, z, prims, p.gate); err != nil {
		return fromValidation(err)
	}
	return nil
}

// validateWithSnap runs the physics check, applying the correctedY
// suggestion once before giving up.
func validateWithSnap(prim *geom.Primitive, nearby []*geom.Primitive) *Error {
	res := geom.ValidatePlacement(prim.Shape, prim.Position, prim.Scale, nearby)
	if res.Valid {
		return nil
	}
	if res.Snapped {
		prim.Position.Y = res.CorrectedY
		res = geom.ValidatePlacement(prim.Shape, prim.Position, prim.Scale, nearby)
		if res.Valid {
			return nil
		}
	}
	perr := fromValidation(res.Err)
	if res.Snapped {
		perr.Corrected = true
		perr.CorrectedY = res.CorrectedY
	}
	return perr
}

// BuildPrimitive validates and places a single primitive.
func (p *Pipeline) BuildPrimitive(agentID string, req PrimitiveRequest) (*geom.Primitive, *Error) {
	defer p.lockAgent(agentID)()

	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	if ok, retry := p.throttles.Allow(ClassPrimitive, agentID); !ok {
		return nil, &Error{Tag: TagRateLimited, Reason: "build rate exceeded", RetryAfterMs: retry}
	}
	if p.ledger.Balance(agentID) < p.rules.PrimitiveCost {
		return nil, errf(TagInsufficientCredits, "balance %d, cost %d",
			p.ledger.Balance(agentID), p.rules.PrimitiveCost)
	}

	prim, perr := req.toPrimitive(&agent, p.now())
	if perr != nil {
		return nil, perr
	}

	prims := p.store.Primitives()
	if perr := p.checkPlacementRules(&agent, prim.Position.X, prim.Position.Z, prims); perr != nil {
		return nil, perr
	}
	if perr := validateWithSnap(prim, prims); perr != nil {
		return nil, perr
	}

	if perr := p.debitAndPlace(prim); perr != nil {
		return nil, perr
	}
	p.store.TouchAgent(agentID, p.now())

	p.broadcast(Event{Type: "primitive_created", Payload: prim})
	p.terminal(agentID, agent.Name, fmt.Sprintf("%s built a %s at (%.0f, %.0f)",
		agent.Name, req.Shape, prim.Position.X, prim.Position.Z))
	return prim, nil
}

// MultiResult is one entry of a BUILD_MULTI response.
type MultiResult struct {
	Index int             `json:"index"`
	OK    bool            `json:"ok"`
	Prim  *geom.Primitive `json:"primitive,omitempty"`
	Err   *Error          `json:"error,omitempty"`
}

// BuildMulti places a batch of one to five primitives. The batch must be
// mutually contiguous and fully valid before anything is inserted; after
// insertion starts, the first commit failure aborts the remainder and is
// surfaced as a partial placement.
func (p *Pipeline) BuildMulti(agentID string, reqs []PrimitiveRequest) ([]MultiResult, *Error) {
	defer p.lockAgent(agentID)()

	if len(reqs) < 1 || len(reqs) > 5 {
		return nil, errf(TagInvalidBody, "batch size %d, allowed 1-5", len(reqs))
	}
	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	if ok, retry := p.throttles.Allow(ClassPrimitive, agentID); !ok {
		return nil, &Error{Tag: TagRateLimited, Reason: "build rate exceeded", RetryAfterMs: retry}
	}
	cost := p.rules.PrimitiveCost * int64(len(reqs))
	if p.ledger.Balance(agentID) < cost {
		return nil, errf(TagInsufficientCredits, "balance %d, batch cost %d", p.ledger.Balance(agentID), cost)
	}

	now := p.now()
	batch := make([]*geom.Primitive, 0, len(reqs))
	for i := range reqs {
		prim, perr := reqs[i].toPrimitive(&agent, now)
		if perr != nil {
			perr.Reason = fmt.Sprintf("item %d: %s", i, perr.Reason)
			return nil, perr
		}
		// Batch entries are stricter than single builds: every coordinate
		// must be finite and non-zero.
		if !prim.Position.NonZero() {
			return nil, errf(TagInvalidCoords, "item %d: zero coordinate", i)
		}
		batch = append(batch, prim)
	}

	// Every pre-check must pass for every item before anything mutates.
	prims := p.store.Primitives()
	for i, prim := range batch {
		if perr := p.checkPlacementRules(&agent, prim.Position.X, prim.Position.Z, prims); perr != nil {
			perr.Reason = fmt.Sprintf("item %d: %s", i, perr.Reason)
			return nil, perr
		}
		// Physics against the world plus the earlier batch items, so
		// within-batch stacking resolves.
		nearby := append(append([]*geom.Primitive{}, prims...), batch[:i]...)
		if perr := validateWithSnap(prim, nearby); perr != nil {
			perr.Reason = fmt.Sprintf("item %d: %s", i, perr.Reason)
			return nil, perr
		}
	}
	if !mutuallyConnected(batch) {
		return nil, errf(TagMultiDisconnected, "batch is not contiguous in XZ")
	}

	// Insert in order. A mid-batch commit failure leaves earlier items in
	// the world; that is the one documented non-atomic outcome.
	results := make([]MultiResult, 0, len(batch))
	for i, prim := range batch {
		if perr := p.debitAndPlace(prim); perr != nil {
			results = append(results, MultiResult{Index: i, OK: false, Err: perr})
			return results, &Error{
				Tag:    TagPartialPlacement,
				Reason: fmt.Sprintf("placed %d of %d before item %d failed", i, len(batch), i),
				Detail: perr,
			}
		}
		results = append(results, MultiResult{Index: i, OK: true, Prim: prim})
		p.broadcast(Event{Type: "primitive_created", Payload: prim})
	}
	p.store.TouchAgent(agentID, p.now())
	p.terminal(agentID, agent.Name, fmt.Sprintf("%s built %d primitives near (%.0f, %.0f)",
		agent.Name, len(batch), batch[0].Position.X, batch[0].Position.Z))
	return results, nil
}

// mutuallyConnected reports whether the batch forms one connected
// component under the structure contiguity rule.
func mutuallyConnected(batch []*geom.Primitive) bool {
	if len(batch) <= 1 {
		return true
	}
	visited := make([]bool, len(batch))
	queue := []int{0}
	visited[0] = true
	count := 1
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for v := range batch {
			if !visited[v] && geom.Connected(batch[u], batch[v]) {
				visited[v] = true
				count++
				queue = append(queue, v)
			}
		}
	}
	return count == len(batch)
}
