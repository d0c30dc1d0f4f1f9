package world

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milomadeit/gridworld/internal/geom"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrPrimitiveNotFound = errors.New("primitive not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrOwnerOnline       = errors.New("owner already has an online agent")
)

// Store is the authoritative in-memory world. A single coarse mutex
// serializes every read-then-write over the shared geometry; the primitive
// snapshot is copy-on-write so readers hold no lock while iterating it.
type Store struct {
	mu sync.RWMutex

	agents map[string]*Agent

	prims    map[string]*geom.Primitive
	snapshot []*geom.Primitive // immutable; replaced wholesale on mutation
	revision uint64            // bumps exactly once per committed geometry change

	plans        map[string]*BuildPlan
	reservations map[string]geom.Bounds

	tick atomic.Uint64

	Chat     *MessageLog
	Terminal *MessageLog
}

// NewStore creates an empty world.
func NewStore() *Store {
	return &Store{
		agents:       make(map[string]*Agent),
		prims:        make(map[string]*geom.Primitive),
		plans:        make(map[string]*BuildPlan),
		reservations: make(map[string]geom.Bounds),
		Chat:         NewMessageLog(0),
		Terminal:     NewMessageLog(0),
	}
}

// ── Agents ───────────────────────────────────────────────────────────

// AddAgent registers an agent. At most one online agent per owner wallet.
func (s *Store) AddAgent(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("%w: agent %s", ErrDuplicateID, a.ID)
	}
	if a.Online {
		for _, other := range s.agents {
			if other.Online && other.OwnerID == a.OwnerID {
				return fmt.Errorf("%w: %s", ErrOwnerOnline, a.OwnerID)
			}
		}
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

// RemoveAgent drops an agent's session. Its primitives stay in the world.
func (s *Store) RemoveAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
}

// GetAgent returns a copy of the agent.
func (s *Store) GetAgent(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// TouchAgent refreshes lastSeenAt and marks the agent online. Bringing an
// offline agent back online is subject to the same one-online-agent-per-
// owner rule AddAgent enforces.
func (s *Store) TouchAgent(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if !a.Online {
		for _, other := range s.agents {
			if other.ID != id && other.Online && other.OwnerID == a.OwnerID {
				return fmt.Errorf("%w: %s", ErrOwnerOnline, a.OwnerID)
			}
		}
	}
	a.LastSeenAt = at
	a.Online = true
	return nil
}

// SetTarget points the agent at a ground-plane destination; the clock
// interpolates toward it.
func (s *Store) SetTarget(id string, x, z float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.TargetPosition = geom.Vec3{X: x, Y: a.Position.Y, Z: z}
	a.Status = StatusMoving
	return nil
}

// TeleportAgent relocates an agent instantly, clearing any pending move.
func (s *Store) TeleportAgent(id string, x, z float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Position = geom.Vec3{X: x, Y: a.Position.Y, Z: z}
	a.TargetPosition = a.Position
	a.Status = StatusIdle
	return nil
}

// SetStatus updates the activity state clients render.
func (s *Store) SetStatus(id string, st AgentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		a.Status = st
	}
}

// Agents returns value copies of every agent, ordered by id.
func (s *Store) Agents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentCount returns the number of online agents.
func (s *Store) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.agents {
		if a.Online {
			n++
		}
	}
	return n
}

// Interpolate advances every moving agent toward its target by one tick's
// travel. Called from the simulation clock.
func (s *Store) Interpolate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if a.Status != StatusMoving {
			continue
		}
		dx := a.TargetPosition.X - a.Position.X
		dz := a.TargetPosition.Z - a.Position.Z
		dist := geom.DistanceXZ(a.Position.X, a.Position.Z, a.TargetPosition.X, a.TargetPosition.Z)
		if dist <= moveSpeed+arriveEpsilon {
			a.Position.X = a.TargetPosition.X
			a.Position.Z = a.TargetPosition.Z
			a.Status = StatusIdle
			continue
		}
		a.Position.X += dx / dist * moveSpeed
		a.Position.Z += dz / dist * moveSpeed
	}
}

// SweepIdle marks agents offline whose lastSeenAt is older than horizon.
// Returns the ids swept this pass.
func (s *Store) SweepIdle(now time.Time, horizon time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []string
	for id, a := range s.agents {
		if a.Online && now.Sub(a.LastSeenAt) > horizon {
			a.Online = false
			a.Status = StatusIdle
			swept = append(swept, id)
		}
	}
	sort.Strings(swept)
	return swept
}

// ── Primitives ───────────────────────────────────────────────────────

// AddPrimitive inserts a primitive and bumps the revision. The revision
// advances strictly after the change is visible in the snapshot.
func (s *Store) AddPrimitive(p *geom.Primitive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPrimitiveLocked(p)
}

func (s *Store) addPrimitiveLocked(p *geom.Primitive) error {
	if _, exists := s.prims[p.ID]; exists {
		return fmt.Errorf("%w: primitive %s", ErrDuplicateID, p.ID)
	}
	cp := *p
	s.prims[p.ID] = &cp

	next := make([]*geom.Primitive, len(s.snapshot), len(s.snapshot)+1)
	copy(next, s.snapshot)
	s.snapshot = append(next, &cp)
	s.revision++
	return nil
}

// RemovePrimitive deletes a primitive and bumps the revision.
func (s *Store) RemovePrimitive(id string) (geom.Primitive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prims[id]
	if !ok {
		return geom.Primitive{}, fmt.Errorf("%w: %s", ErrPrimitiveNotFound, id)
	}
	delete(s.prims, id)

	next := make([]*geom.Primitive, 0, len(s.snapshot)-1)
	for _, sp := range s.snapshot {
		if sp.ID != id {
			next = append(next, sp)
		}
	}
	s.snapshot = next
	s.revision++
	return *p, nil
}

// GetPrimitive returns a copy of one primitive.
func (s *Store) GetPrimitive(id string) (geom.Primitive, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prims[id]
	if !ok {
		return geom.Primitive{}, false
	}
	return *p, true
}

// Primitives returns the current snapshot. The returned slice and its
// elements are never mutated by the store; callers may iterate without
// holding any lock, but must not modify elements.
func (s *Store) Primitives() []*geom.Primitive {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// PrimitiveCount returns the number of primitives in the world.
func (s *Store) PrimitiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prims)
}

// PrimitiveRevision returns the monotonic geometry revision.
func (s *Store) PrimitiveRevision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Mutate runs fn with exclusive access to the world and an insert hook
// that preserves the revision discipline. It exists for the pipeline's
// composed debit-and-place commit: the overlap re-check and the insert
// must happen under one critical section.
func (s *Store) Mutate(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// Tx is the view handed to Mutate callbacks.
type Tx struct {
	s *Store
}

// Primitives returns the snapshot as of the critical section.
func (t *Tx) Primitives() []*geom.Primitive {
	return t.s.snapshot
}

// AddPrimitive inserts under the already-held world lock.
func (t *Tx) AddPrimitive(p *geom.Primitive) error {
	return t.s.addPrimitiveLocked(p)
}

// Reservations returns active blueprint footprints by agent id.
func (t *Tx) Reservations() map[string]geom.Bounds {
	out := make(map[string]geom.Bounds, len(t.s.reservations))
	for id, b := range t.s.reservations {
		out[id] = b
	}
	return out
}

// SetReservation registers a footprint under the already-held world lock.
func (t *Tx) SetReservation(agentID string, b geom.Bounds) {
	t.s.reservations[agentID] = b
}

// ── Build plans ──────────────────────────────────────────────────────

// SetBuildPlan installs the agent's active plan and its reservation.
func (s *Store) SetBuildPlan(p *BuildPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.AgentID] = p
	s.reservations[p.AgentID] = p.Footprint()
}

// GetBuildPlan returns a copy of the agent's active plan.
func (s *Store) GetBuildPlan(agentID string) (BuildPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[agentID]
	if !ok {
		return BuildPlan{}, false
	}
	return *p, true
}

// MutatePlan runs fn on the agent's live plan under the world lock.
func (s *Store) MutatePlan(agentID string, fn func(p *BuildPlan)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[agentID]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// ClearBuildPlan removes the agent's plan and footprint reservation.
func (s *Store) ClearBuildPlan(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, agentID)
	delete(s.reservations, agentID)
}

// BuildPlans returns copies of all active plans, for persistence and boot
// recovery checks.
func (s *Store) BuildPlans() []BuildPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BuildPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Reservations returns active blueprint footprints by agent id.
func (s *Store) Reservations() map[string]geom.Bounds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]geom.Bounds, len(s.reservations))
	for id, b := range s.reservations {
		out[id] = b
	}
	return out
}

// ── Counters ─────────────────────────────────────────────────────────

// AdvanceTick bumps and returns the simulation tick. Called by the clock.
func (s *Store) AdvanceTick() uint64 {
	return s.tick.Add(1)
}

// CurrentTick returns the simulation tick.
func (s *Store) CurrentTick() uint64 {
	return s.tick.Load()
}

// SetTick restores the tick counter after a restart.
func (s *Store) SetTick(t uint64) {
	s.tick.Store(t)
}
