// Package pipeline processes authenticated agent actions against the
// world: movement, chat, builds, and blueprint execution. Every action
// validates first and mutates last; failures before the commit leave the
// world and ledger untouched.
package pipeline

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/milomadeit/gridworld/internal/economy"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/persistence"
	"github.com/milomadeit/gridworld/internal/world"
)

const chatMaxLen = 500

// Event is a broadcast message pushed to all live subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Broadcaster fans events out to subscribers. Enqueue must not block;
// the pipeline calls it outside the world lock.
type Broadcaster interface {
	Broadcast(Event)
}

// Persister is the slice of the storage layer the pipeline commits
// through. Satisfied by *persistence.DB.
type Persister interface {
	CreatePrimitiveWithCreditDebit(p *geom.Primitive, cost int64) (persistence.PlaceOutcome, error)
	DeletePrimitive(id string) error
	SetCredits(agentID string, credits int64) error
	TransferCredits(from, to string, amount int64) error
	SaveBuildPlan(plan *world.BuildPlan) error
	DeleteBuildPlan(agentID string) error
	AppendChat(m *world.Message) error
	AppendTerminal(m *world.Message) error
}

// Pipeline executes actions for authenticated agents.
type Pipeline struct {
	store     *world.Store
	ledger    *economy.Ledger
	db        Persister
	gate      geom.NodeGate
	rules     geom.Rules
	bc        Broadcaster
	throttles *Throttles
	now       func() time.Time

	mu       sync.Mutex
	agentMus map[string]*sync.Mutex
}

// New wires a pipeline over its collaborators. gate and bc may be nil.
func New(store *world.Store, ledger *economy.Ledger, db Persister, gate geom.NodeGate, rules geom.Rules, bc Broadcaster) *Pipeline {
	return &Pipeline{
		store:     store,
		ledger:    ledger,
		db:        db,
		gate:      gate,
		rules:     rules,
		bc:        bc,
		throttles: NewThrottles(),
		now:       time.Now,
		agentMus:  make(map[string]*sync.Mutex),
	}
}

// lockAgent serializes actions per agent: two requests from the same
// agent never run concurrently, preserving submission order.
func (p *Pipeline) lockAgent(agentID string) func() {
	p.mu.Lock()
	m, ok := p.agentMus[agentID]
	if !ok {
		m = &sync.Mutex{}
		p.agentMus[agentID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (p *Pipeline) session(agentID string) (world.Agent, *Error) {
	a, ok := p.store.GetAgent(agentID)
	if !ok {
		return world.Agent{}, errf(TagUnauthorized, "no session for agent %s", agentID)
	}
	return a, nil
}

func (p *Pipeline) broadcast(ev Event) {
	if p.bc != nil {
		p.bc.Broadcast(ev)
	}
}

// MoveResult acknowledges a queued movement.
type MoveResult struct {
	Status string `json:"status"`
	Tick   uint64 `json:"tick"`
}

// Move points the agent at a ground-plane destination. The simulation
// clock interpolates; geometry rules never apply to movement.
func (p *Pipeline) Move(agentID string, x, z float64) (*MoveResult, *Error) {
	defer p.lockAgent(agentID)()

	if _, perr := p.session(agentID); perr != nil {
		return nil, perr
	}
	if !(geom.Vec3{X: x, Z: z}).Finite() {
		return nil, errf(TagInvalidCoords, "non-finite destination")
	}
	if err := p.store.SetTarget(agentID, x, z); err != nil {
		return nil, errf(TagUnauthorized, "%v", err)
	}
	p.store.TouchAgent(agentID, p.now())

	p.broadcast(Event{Type: "agent_moving", Payload: map[string]any{
		"agentId": agentID, "x": x, "z": z,
	}})
	return &MoveResult{Status: "queued", Tick: p.store.CurrentTick()}, nil
}

// ChatResult acknowledges an executed chat action.
type ChatResult struct {
	Status string `json:"status"`
	Tick   uint64 `json:"tick"`
}

// Chat appends a message to the world chat log and broadcasts it.
func (p *Pipeline) Chat(agentID, text string) (*ChatResult, *Error) {
	defer p.lockAgent(agentID)()

	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errf(TagInvalidBody, "empty message")
	}
	if len(text) > chatMaxLen {
		// Never cut inside a multi-byte rune.
		cut := chatMaxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	msg := p.store.Chat.Append(agentID, agent.Name, text, p.now())
	if err := p.db.AppendChat(&msg); err != nil {
		slog.Warn("chat persistence failed", "agent", agentID, "error", err)
	}
	p.store.TouchAgent(agentID, p.now())

	p.broadcast(Event{Type: "chat", Payload: msg})
	return &ChatResult{Status: "executed", Tick: p.store.CurrentTick()}, nil
}

// terminal appends a system event to the terminal log and broadcasts it.
func (p *Pipeline) terminal(agentID, agentName, text string) {
	msg := p.store.Terminal.Append(agentID, agentName, text, p.now())
	if err := p.db.AppendTerminal(&msg); err != nil {
		slog.Warn("terminal persistence failed", "error", err)
	}
	p.broadcast(Event{Type: "terminal", Payload: msg})
}

// debitAndPlace is the composed commit: under one world critical section
// it re-checks physics against the live geometry, checks blueprint
// reservations, debits the ledger, writes the durable row, and inserts
// into the store. Either everything lands or nothing does.
//
// The sqlite write happens while the world lock is held. The database is
// local and the write is one small transaction; paying that latency under
// the lock is what makes the ledger, the store, and the durable state
// agree at every instant.
func (p *Pipeline) debitAndPlace(prim *geom.Primitive) *Error {
	cost := p.rules.PrimitiveCost
	var perr *Error

	p.store.Mutate(func(tx *world.Tx) error {
		res := geom.ValidatePlacement(prim.Shape, prim.Position, prim.Scale, tx.Primitives())
		if !res.Valid {
			perr = fromValidation(res.Err)
			if res.Snapped {
				perr.Corrected = true
				perr.CorrectedY = res.CorrectedY
			}
			return nil
		}

		cb := geom.PrimitiveBounds(prim)
		for owner, b := range tx.Reservations() {
			if owner != prim.OwnerAgentID && cb.OverlapsXZ(b, 0) {
				perr = errf(TagOverlap, "inside blueprint reservation of agent %s", owner)
				return nil
			}
		}

		if err := p.ledger.Debit(prim.OwnerAgentID, cost); err != nil {
			perr = fromValidation(err)
			return nil
		}

		out, err := p.db.CreatePrimitiveWithCreditDebit(prim, cost)
		if err != nil || out != persistence.PlaceOK {
			p.ledger.Credit(prim.OwnerAgentID, cost)
			switch {
			case err != nil:
				perr = fromValidation(err)
			case out == persistence.PlaceInsufficientCredits:
				perr = errf(TagInsufficientCredits, "insufficient credits")
			default:
				perr = errf(TagConflict, "primitive commit conflicted")
			}
			return nil
		}

		if err := tx.AddPrimitive(prim); err != nil {
			// Durable row exists without a live twin; undo both sides.
			p.ledger.Credit(prim.OwnerAgentID, cost)
			if derr := p.db.DeletePrimitive(prim.ID); derr != nil {
				slog.Error("orphan primitive row", "id", prim.ID, "error", derr)
			}
			perr = errf(TagConflict, "%v", err)
		}
		return nil
	})
	return perr
}

// DeletePrimitiveResult acknowledges a removal.
type DeletePrimitiveResult struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// DeletePrimitive removes one of the agent's own primitives. No refund:
// credits buy placement, not material.
func (p *Pipeline) DeletePrimitive(agentID, primitiveID string) (*DeletePrimitiveResult, *Error) {
	defer p.lockAgent(agentID)()

	if _, perr := p.session(agentID); perr != nil {
		return nil, perr
	}
	prim, ok := p.store.GetPrimitive(primitiveID)
	if !ok {
		return nil, errf(TagInvalidBody, "primitive %s not found", primitiveID)
	}
	if prim.OwnerAgentID != agentID {
		return nil, errf(TagUnauthorized, "primitive %s belongs to another agent", primitiveID)
	}

	if err := p.db.DeletePrimitive(primitiveID); err != nil {
		return nil, fromValidation(err)
	}
	if _, err := p.store.RemovePrimitive(primitiveID); err != nil {
		return nil, errf(TagConflict, "%v", err)
	}

	p.broadcast(Event{Type: "primitive_deleted", Payload: map[string]string{"id": primitiveID}})
	return &DeletePrimitiveResult{Deleted: true, ID: primitiveID}, nil
}

// TransferResult reports both post-transfer balances.
type TransferResult struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	FromBalance int64  `json:"fromBalance"`
	ToBalance   int64  `json:"toBalance"`
}

// Transfer moves credits from the acting agent to another agent.
func (p *Pipeline) Transfer(agentID, toAgentID string, amount int64) (*TransferResult, *Error) {
	defer p.lockAgent(agentID)()

	agent, perr := p.session(agentID)
	if perr != nil {
		return nil, perr
	}
	if err := p.ledger.Transfer(agentID, toAgentID, amount); err != nil {
		if err == economy.ErrInsufficientCredits {
			return nil, errf(TagInsufficientCredits, "%v", err)
		}
		return nil, errf(TagInvalidBody, "%v", err)
	}
	if err := p.db.TransferCredits(agentID, toAgentID, amount); err != nil {
		// Mirror back: the durable side refused.
		p.ledger.Credit(agentID, amount)
		p.ledger.Debit(toAgentID, amount)
		return nil, fromValidation(err)
	}

	p.terminal(agentID, agent.Name, agent.Name+" transferred credits")
	return &TransferResult{
		From:        agentID,
		To:          toAgentID,
		Amount:      amount,
		FromBalance: p.ledger.Balance(agentID),
		ToBalance:   p.ledger.Balance(toAgentID),
	}, nil
}
