// Package api exposes the world over HTTP: entity-tagged read surfaces,
// authenticated action endpoints, a websocket event feed, and a small
// admin control plane behind a bearer token.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/milomadeit/gridworld/internal/auth"
	"github.com/milomadeit/gridworld/internal/blueprint"
	"github.com/milomadeit/gridworld/internal/economy"
	"github.com/milomadeit/gridworld/internal/persistence"
	"github.com/milomadeit/gridworld/internal/pipeline"
	"github.com/milomadeit/gridworld/internal/spatial"
	"github.com/milomadeit/gridworld/internal/world"
)

// messageTailLen is how many chat and terminal entries the full state
// snapshot carries.
const messageTailLen = 30

// Server serves the grid world over HTTP.
type Server struct {
	Addr     string
	Store    *world.Store
	Ledger   *economy.Ledger
	DB       *persistence.DB
	Pipe     *pipeline.Pipeline
	Analyzer *spatial.Analyzer
	Verifier auth.Verifier
	Tokens   *auth.TokenStore
	Hub      *Hub
	AdminKey string // Bearer token for admin endpoints. Empty = admin disabled.

	StartedAt time.Time
	httpSrv   *http.Server
}

// Handler builds the route table. Split from Start so tests can drive the
// mux through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	entryLimiter := NewRateLimiter(30, time.Minute)
	spatialLimiter := NewRateLimiter(120, time.Minute)

	mux := http.NewServeMux()

	// Public read surfaces (entity-tagged where it pays off).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/state-lite", s.handleStateLite)
	mux.HandleFunc("/api/v1/agents-lite", s.handleAgentsLite)
	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/spatial-summary", RateLimitMiddleware(spatialLimiter, s.handleSpatialSummary))
	mux.HandleFunc("/api/v1/primitives", s.handlePrimitives)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agent/", s.handleAgentDetail)
	mux.HandleFunc("/api/v1/blueprints", s.handleBlueprints)
	mux.HandleFunc("/api/v1/directives", s.handleDirectives)

	// Entry and authenticated action endpoints.
	mux.HandleFunc("/api/v1/entry", RateLimitMiddleware(entryLimiter, s.handleEntry))
	mux.HandleFunc("/api/v1/action/move", s.authed(s.handleMove))
	mux.HandleFunc("/api/v1/action/chat", s.authed(s.handleChat))
	mux.HandleFunc("/api/v1/action/build", s.authed(s.handleBuild))
	mux.HandleFunc("/api/v1/action/build-multi", s.authed(s.handleBuildMulti))
	mux.HandleFunc("/api/v1/action/blueprint/start", s.authed(s.handleBlueprintStart))
	mux.HandleFunc("/api/v1/action/blueprint/continue", s.authed(s.handleBlueprintContinue))
	mux.HandleFunc("/api/v1/action/blueprint/cancel", s.authed(s.handleBlueprintCancel))
	mux.HandleFunc("/api/v1/action/delete-primitive", s.authed(s.handleDeletePrimitive))
	mux.HandleFunc("/api/v1/action/transfer", s.authed(s.handleTransfer))
	mux.HandleFunc("/api/v1/action/vote", s.authed(s.handleVote))
	mux.HandleFunc("/api/v1/memory", s.authed(s.handleMemoryList))
	mux.HandleFunc("/api/v1/memory/", s.authed(s.handleMemoryKey))

	// Websocket event feed.
	mux.HandleFunc("/api/v1/ws", s.Hub.handleWS)

	// Admin control plane (POST, bearer token).
	mux.HandleFunc("/api/v1/admin/directive", s.adminOnly(s.handleAdminDirective))
	mux.HandleFunc("/api/v1/admin/directive/complete", s.adminOnly(s.handleAdminDirectiveComplete))
	mux.HandleFunc("/api/v1/admin/reset", s.adminOnly(s.handleAdminReset))

	return corsMiddleware(mux)
}

// Start begins serving in a goroutine. Shutdown stops it.
func (s *Server) Start() {
	s.httpSrv = &http.Server{Addr: s.Addr, Handler: s.Handler()}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins. Set
// CORS_ORIGINS to a comma-separated list; localhost dev servers are
// always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// writeError maps a typed action failure onto an HTTP status and
// serializes the body unchanged, so clients see the stable tag.
func writeError(w http.ResponseWriter, perr *pipeline.Error) {
	if perr.Tag == pipeline.TagRateLimited && perr.RetryAfterMs > 0 {
		secs := (perr.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(perr.Tag))
	if err := json.NewEncoder(w).Encode(perr); err != nil {
		slog.Error("error encode failed", "error", err)
	}
}

func httpStatusFor(tag string) int {
	switch tag {
	case pipeline.TagUnauthorized, pipeline.TagTokenMismatch:
		return http.StatusUnauthorized
	case pipeline.TagFeeRequired, pipeline.TagFeeInvalid, pipeline.TagInsufficientCredits:
		return http.StatusPaymentRequired
	case pipeline.TagInvalidBody, pipeline.TagInvalidShape, pipeline.TagInvalidCoords:
		return http.StatusBadRequest
	case pipeline.TagRateLimited:
		return http.StatusTooManyRequests
	case pipeline.TagPersistence:
		return http.StatusServiceUnavailable
	case pipeline.TagBlueprintNotFound:
		return http.StatusNotFound
	default:
		// Build, blueprint, and concurrency refusals: the request was
		// well-formed but the world said no.
		return http.StatusConflict
	}
}

// checkBearerToken reports whether the request carries the admin token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	return strings.HasPrefix(h, "Bearer ") && strings.TrimPrefix(h, "Bearer ") == s.AdminKey
}

// adminOnly requires POST with the admin bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ── Entity-tagged reads ──────────────────────────────────────────────

// writeTagged serves payload() under an entity tag. A matching
// If-None-Match short-circuits to 304 before the payload is built.
func writeTagged(w http.ResponseWriter, r *http.Request, tag string, payload func() any) {
	quoted := `"` + tag + `"`
	w.Header().Set("ETag", quoted)
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, payload())
}

// positionHash digests the id-ordered position/status tuples of every
// agent. Movement interpolation changes it each tick an agent walks.
func positionHash(agents []world.Agent) uint64 {
	h := fnv.New64a()
	for _, a := range agents {
		fmt.Fprintf(h, "%s|%.3f|%.3f|%s;", a.ID, a.Position.X, a.Position.Z, a.Status)
	}
	return h.Sum64()
}

func (s *Server) handleStateLite(w http.ResponseWriter, r *http.Request) {
	tick := s.Store.CurrentTick()
	rev := s.Store.PrimitiveRevision()
	online := s.Store.AgentCount()
	count := s.Store.PrimitiveCount()
	lastTerm := s.Store.Terminal.LatestID()
	lastChat := s.Store.Chat.LatestID()

	tag := fmt.Sprintf("sl-%d-%d-%d-%d-%d-%d", tick, rev, online, count, lastTerm, lastChat)
	writeTagged(w, r, tag, func() any {
		return map[string]any{
			"tick":                    tick,
			"primitiveRevision":       rev,
			"agentsOnline":            online,
			"primitiveCount":          count,
			"latestTerminalMessageId": lastTerm,
			"latestChatMessageId":     lastChat,
		}
	})
}

func (s *Server) handleAgentsLite(w http.ResponseWriter, r *http.Request) {
	agents := s.Store.Agents()
	tag := fmt.Sprintf("al-%x", positionHash(agents))

	writeTagged(w, r, tag, func() any {
		type liteAgent struct {
			ID       string            `json:"id"`
			Position [2]float64        `json:"position"`
			Status   world.AgentStatus `json:"status"`
		}
		out := make([]liteAgent, 0, len(agents))
		for _, a := range agents {
			out = append(out, liteAgent{
				ID:       a.ID,
				Position: [2]float64{a.Position.X, a.Position.Z},
				Status:   a.Status,
			})
		}
		return map[string]any{"tick": s.Store.CurrentTick(), "agents": out}
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	agents := s.Store.Agents()
	rev := s.Store.PrimitiveRevision()
	lastChat := s.Store.Chat.LatestID()
	lastTerm := s.Store.Terminal.LatestID()

	tag := fmt.Sprintf("st-%d-%x-%d-%d", rev, positionHash(agents), lastChat, lastTerm)
	writeTagged(w, r, tag, func() any {
		return map[string]any{
			"tick":              s.Store.CurrentTick(),
			"primitiveRevision": rev,
			"agents":            agents,
			"primitives":        s.Store.Primitives(),
			"chat":              s.Store.Chat.Recent(messageTailLen),
			"terminal":          s.Store.Terminal.Recent(messageTailLen),
		}
	})
}

func (s *Server) handleSpatialSummary(w http.ResponseWriter, r *http.Request) {
	tag := fmt.Sprintf("spatial-%d", s.Store.PrimitiveRevision())
	writeTagged(w, r, tag, func() any {
		return s.Analyzer.Summary()
	})
}

// ── Plain reads ──────────────────────────────────────────────────────

func (s *Server) handlePrimitives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"primitiveRevision": s.Store.PrimitiveRevision(),
		"primitives":        s.Store.Primitives(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Store.Agents())
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	a, ok := s.Store.GetAgent(id)
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	owned := 0
	for _, p := range s.Store.Primitives() {
		if p.OwnerAgentID == id {
			owned++
		}
	}

	writeJSON(w, map[string]any{
		"agent":      a,
		"credits":    s.Ledger.Balance(id),
		"primitives": owned,
	})
}

func (s *Server) handleBlueprints(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name   string `json:"name"`
		Pieces int    `json:"pieces"`
		Phases int    `json:"phases"`
	}
	out := make([]entry, 0)
	for _, name := range blueprint.Names() {
		bp, err := blueprint.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, entry{Name: bp.Name, Pieces: bp.TotalPieces(), Phases: len(bp.Phases)})
	}
	writeJSON(w, out)
}

func (s *Server) handleDirectives(w http.ResponseWriter, r *http.Request) {
	ds, err := s.DB.ListDirectives()
	if err != nil {
		slog.Error("directive list failed", "error", err)
		writeError(w, &pipeline.Error{Tag: pipeline.TagPersistence, Reason: "directive list unavailable"})
		return
	}
	if ds == nil {
		ds = []*persistence.Directive{}
	}
	writeJSON(w, ds)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"name":         "gridworld",
		"tick":         s.Store.CurrentTick(),
		"started":      humanize.Time(s.StartedAt),
		"agentsOnline": s.Store.AgentCount(),
		"primitives":   humanize.Comma(int64(s.Store.PrimitiveCount())),
		"revision":     s.Store.PrimitiveRevision(),
	})
}
