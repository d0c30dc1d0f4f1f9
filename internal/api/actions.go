package api

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/milomadeit/gridworld/internal/auth"
	"github.com/milomadeit/gridworld/internal/economy"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/persistence"
	"github.com/milomadeit/gridworld/internal/pipeline"
	"github.com/milomadeit/gridworld/internal/world"
)

// spawnRadius places new agents on a ring outside the origin exclusion
// zone, angled by a hash of the agent id so arrivals spread out.
const spawnRadius = 60.0

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: "invalid json"})
		return false
	}
	return true
}

// ── Entry ────────────────────────────────────────────────────────────

type entryRequest struct {
	auth.EntryRequest
	Name  string `json:"name"`
	Color string `json:"color"`
	Bio   string `json:"bio,omitempty"`
}

// handleEntry verifies the signed entry, spawns or resumes the agent, and
// issues a session token for subsequent actions.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	identity, err := s.Verifier.VerifyEntry(req.EntryRequest)
	if err != nil {
		writeError(w, authError(err))
		return
	}
	agentID := identity.AgentID
	now := time.Now()

	if _, ok := s.Store.GetAgent(agentID); !ok {
		agent, err := s.DB.GetAgent(agentID)
		if err != nil {
			writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "agent lookup failed"})
			return
		}
		if agent == nil {
			agent = newSpawn(agentID, identity.OwnerWallet, req.Name, req.Color, req.Bio)
		}
		agent.Online = true
		agent.LastSeenAt = now
		if err := s.Store.AddAgent(agent); err != nil {
			if errors.Is(err, world.ErrOwnerOnline) {
				writeError(w, &pipeline.Error{Tag: pipeline.TagTokenMismatch,
					Reason: "owner already has an online agent"})
				return
			}
			writeError(w, &pipeline.Error{Tag: pipeline.TagConflict, Reason: err.Error()})
			return
		}
		if err := s.DB.UpsertAgent(agent); err != nil {
			slog.Warn("agent upsert failed", "agent", agentID, "error", err)
		}
	} else {
		if err := s.Store.TouchAgent(agentID, now); err != nil {
			if errors.Is(err, world.ErrOwnerOnline) {
				writeError(w, &pipeline.Error{Tag: pipeline.TagTokenMismatch,
					Reason: "owner already has an online agent"})
				return
			}
			writeError(w, &pipeline.Error{Tag: pipeline.TagConflict, Reason: err.Error()})
			return
		}
		if err := s.DB.TouchAgent(agentID, now); err != nil {
			slog.Warn("agent touch failed", "agent", agentID, "error", err)
		}
	}

	// Daily allowance lands lazily on entry; mirror the new balance and the
	// refill marker down so a restart cannot grant the same day twice.
	if granted := s.Ledger.MaybeRefill(agentID, now, false); granted > 0 {
		if err := s.DB.SetCredits(agentID, s.Ledger.Balance(agentID)); err != nil {
			slog.Warn("refill persistence failed", "agent", agentID, "error", err)
		}
		if err := s.DB.SetLastRefillDay(agentID, economy.UTCDay(now)); err != nil {
			slog.Warn("refill persistence failed", "agent", agentID, "error", err)
		}
		slog.Info("daily allowance granted", "agent", agentID, "amount", granted)
	}

	token := s.Tokens.Issue(identity)
	agent, _ := s.Store.GetAgent(agentID)
	s.Hub.Broadcast(pipeline.Event{Type: "agent_joined", Payload: agent})

	writeJSON(w, map[string]any{
		"token":   token,
		"agent":   agent,
		"credits": s.Ledger.Balance(agentID),
	})
}

// newSpawn creates a first-time agent on the spawn ring.
func newSpawn(agentID, wallet, name, color, bio string) *world.Agent {
	h := fnv.New32a()
	io.WriteString(h, agentID)
	angle := float64(h.Sum32()) / float64(math.MaxUint32) * 2 * math.Pi

	if name == "" {
		name = "agent-" + agentID[:min(8, len(agentID))]
	}
	if color == "" {
		color = "#8888ff"
	}
	pos := geom.Vec3{X: spawnRadius * math.Cos(angle), Z: spawnRadius * math.Sin(angle)}
	return &world.Agent{
		ID:             agentID,
		OwnerID:        wallet, // already lowercased by the verifier
		Name:           name,
		Color:          color,
		Bio:            bio,
		Position:       pos,
		TargetPosition: pos,
		Status:         world.StatusIdle,
	}
}

func authError(err error) *pipeline.Error {
	tag := pipeline.TagUnauthorized
	switch {
	case errors.Is(err, auth.ErrTokenMismatch):
		tag = pipeline.TagTokenMismatch
	case errors.Is(err, auth.ErrFeeRequired):
		tag = pipeline.TagFeeRequired
	case errors.Is(err, auth.ErrFeeInvalid):
		tag = pipeline.TagFeeInvalid
	case errors.Is(err, persistence.ErrUnavailable):
		tag = pipeline.TagPersistence
	}
	return &pipeline.Error{Tag: tag, Reason: err.Error()}
}

// ── Session auth ─────────────────────────────────────────────────────

// authed resolves the session token and rebinds it against the stored
// agent before every action. A mismatch forces re-authentication.
func (s *Server) authed(next func(w http.ResponseWriter, r *http.Request, agentID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, &pipeline.Error{Tag: pipeline.TagUnauthorized, Reason: "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(h, "Bearer ")

		identity, ok := s.Tokens.Resolve(token)
		if !ok {
			writeError(w, &pipeline.Error{Tag: pipeline.TagUnauthorized, Reason: "unknown session token"})
			return
		}
		agent, ok := s.Store.GetAgent(identity.AgentID)
		if !ok {
			writeError(w, &pipeline.Error{Tag: pipeline.TagUnauthorized, Reason: "no session for agent"})
			return
		}
		if err := s.Tokens.Rebind(token, identity.AgentID, agent.OwnerID); err != nil {
			s.Tokens.Revoke(token)
			writeError(w, authError(err))
			return
		}
		next(w, r, identity.AgentID)
	}
}

// ── Actions ──────────────────────────────────────────────────────────

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		X float64 `json:"x"`
		Z float64 `json:"z"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, perr := s.Pipe.Move(agentID, req.X, req.Z)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, perr := s.Pipe.Chat(agentID, req.Message)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request, agentID string) {
	var req pipeline.PrimitiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prim, perr := s.Pipe.BuildPrimitive(agentID, req)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, prim)
}

func (s *Server) handleBuildMulti(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		Primitives []pipeline.PrimitiveRequest `json:"primitives"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	results, perr := s.Pipe.BuildMulti(agentID, req.Primitives)
	if perr != nil {
		if perr.Tag == pipeline.TagPartialPlacement {
			// Some items landed. The per-item results are the contract.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(httpStatusFor(perr.Tag))
			if err := json.NewEncoder(w).Encode(map[string]any{
				"error":   perr.Tag,
				"reason":  perr.Reason,
				"results": results,
			}); err != nil {
				slog.Error("response encode failed", "error", err)
			}
			return
		}
		writeError(w, perr)
		return
	}
	writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleBlueprintStart(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		Name    string  `json:"name"`
		AnchorX float64 `json:"anchorX"`
		AnchorZ float64 `json:"anchorZ"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, perr := s.Pipe.BlueprintStart(agentID, req.Name, req.AnchorX, req.AnchorZ)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleBlueprintContinue(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, perr := s.Pipe.BlueprintContinue(agentID)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleBlueprintCancel(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, perr := s.Pipe.BlueprintCancel(agentID)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleDeletePrimitive(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, perr := s.Pipe.DeletePrimitive(agentID, req.ID)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, perr := s.Pipe.Transfer(agentID, req.To, req.Amount)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, agentID string) {
	var req struct {
		DirectiveID string `json:"directiveId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.DB.CastVote(req.DirectiveID, agentID, time.Now())
	switch {
	case errors.Is(err, persistence.ErrDirectiveNotFound):
		writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: "directive not found"})
	case errors.Is(err, persistence.ErrDirectiveClosed):
		writeError(w, &pipeline.Error{Tag: pipeline.TagConflict, Reason: "directive is closed"})
	case errors.Is(err, persistence.ErrAlreadyVoted):
		writeError(w, &pipeline.Error{Tag: pipeline.TagConflict, Reason: "already voted"})
	case err != nil:
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "vote failed"})
	default:
		s.Hub.Broadcast(pipeline.Event{Type: "directive_vote", Payload: map[string]string{
			"directiveId": req.DirectiveID, "agentId": agentID,
		}})
		writeJSON(w, map[string]any{"voted": true, "directiveId": req.DirectiveID})
	}
}

// ── Agent memory ─────────────────────────────────────────────────────

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.DB.ListMemory(agentID)
	if err != nil {
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "memory unavailable"})
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleMemoryKey(w http.ResponseWriter, r *http.Request, agentID string) {
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/memory/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: "missing memory key"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		val, err := s.DB.GetMemory(agentID, key)
		if errors.Is(err, persistence.ErrMemoryKeyMissing) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "memory unavailable"})
			return
		}
		writeJSON(w, map[string]string{"key": key, "value": val})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: "invalid json"})
			return
		}
		err := s.DB.SetMemory(agentID, key, req.Value, time.Now())
		switch {
		case errors.Is(err, persistence.ErrMemoryWriteRate):
			writeError(w, &pipeline.Error{Tag: pipeline.TagRateLimited,
				Reason: "memory write too soon", RetryAfterMs: 5000})
		case errors.Is(err, persistence.ErrMemoryKeyQuota),
			errors.Is(err, persistence.ErrMemoryValueSize):
			writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: err.Error()})
		case err != nil:
			writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "memory write failed"})
		default:
			writeJSON(w, map[string]string{"key": key, "value": req.Value})
		}

	case http.MethodDelete:
		if err := s.DB.DeleteMemory(agentID, key); err != nil {
			writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "memory delete failed"})
			return
		}
		writeJSON(w, map[string]any{"deleted": true, "key": key})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── Admin ────────────────────────────────────────────────────────────

// directiveVoteReward is what each voter earns when a directive completes.
const directiveVoteReward = 10

func (s *Server) handleAdminDirective(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: "title required"})
		return
	}
	d := &persistence.Directive{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		CreatedBy:   "admin",
		Status:      "open",
		CreatedAt:   time.Now(),
	}
	if err := s.DB.CreateDirective(d); err != nil {
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "directive create failed"})
		return
	}
	s.Hub.Broadcast(pipeline.Event{Type: "directive_created", Payload: d})
	writeJSON(w, d)
}

func (s *Server) handleAdminDirectiveComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DirectiveID string `json:"directiveId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	voters, err := s.DB.CompleteDirective(req.DirectiveID, time.Now())
	switch {
	case errors.Is(err, persistence.ErrDirectiveNotFound):
		writeError(w, &pipeline.Error{Tag: pipeline.TagInvalidBody, Reason: "directive not found"})
		return
	case errors.Is(err, persistence.ErrDirectiveClosed):
		writeError(w, &pipeline.Error{Tag: pipeline.TagConflict, Reason: "directive already closed"})
		return
	case err != nil:
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "directive complete failed"})
		return
	}

	rewarded := s.Ledger.RewardDirectiveVoters(req.DirectiveID, voters, directiveVoteReward)
	for _, v := range voters {
		if err := s.DB.SetCredits(v, s.Ledger.Balance(v)); err != nil {
			slog.Warn("reward persistence failed", "agent", v, "error", err)
		}
	}
	s.Hub.Broadcast(pipeline.Event{Type: "directive_completed", Payload: map[string]any{
		"directiveId": req.DirectiveID, "voters": len(voters),
	}})
	writeJSON(w, map[string]any{
		"completed":   true,
		"directiveId": req.DirectiveID,
		"rewarded":    rewarded,
		"reward":      directiveVoteReward,
	})
}

// handleAdminReset wipes every primitive and every active blueprint plan,
// durable rows first so a crash mid-reset reloads the emptier of the two
// states.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.ClearAllPrimitives(); err != nil {
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "reset failed"})
		return
	}
	if err := s.DB.ClearAllBuildPlans(); err != nil {
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "reset failed"})
		return
	}
	removed := 0
	for _, p := range s.Store.Primitives() {
		if _, err := s.Store.RemovePrimitive(p.ID); err == nil {
			removed++
		}
	}
	// Plans and their footprint reservations go with the geometry; a
	// reservation over an empty world would block builds for no reason.
	for _, plan := range s.Store.BuildPlans() {
		s.Store.ClearBuildPlan(plan.AgentID)
	}
	slog.Info("world reset", "primitives_removed", removed)
	s.Hub.Broadcast(pipeline.Event{Type: "world_reset", Payload: map[string]int{"removed": removed}})
	writeJSON(w, map[string]any{"reset": true, "removed": removed})
}
