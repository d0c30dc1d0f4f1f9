package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milomadeit/gridworld/internal/auth"
	"github.com/milomadeit/gridworld/internal/economy"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/persistence"
	"github.com/milomadeit/gridworld/internal/pipeline"
	"github.com/milomadeit/gridworld/internal/spatial"
	"github.com/milomadeit/gridworld/internal/world"
)

var testSecret = []byte("api-test-secret")

const adminKey = "admin-test-key"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := world.NewStore()
	ledger := economy.NewLedger(economy.DefaultRefillPolicy())
	rules := geom.DefaultRules()
	analyzer := spatial.NewAnalyzer(store, rules)
	hub := NewHub()
	pipe := pipeline.New(store, ledger, db, analyzer.NearestNode, rules, hub)

	s := &Server{
		Store:     store,
		Ledger:    ledger,
		DB:        db,
		Pipe:      pipe,
		Analyzer:  analyzer,
		Verifier:  &auth.HMACVerifier{Secret: testSecret, Fees: db},
		Tokens:    auth.NewTokenStore(),
		Hub:       hub,
		AdminKey:  adminKey,
		StartedAt: time.Now(),
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return s, ts
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type entryResponse struct {
	Token   string      `json:"token"`
	Agent   world.Agent `json:"agent"`
	Credits int64       `json:"credits"`
}

func enter(t *testing.T, ts *httptest.Server, agentID, wallet string) entryResponse {
	t.Helper()
	now := time.Now()
	resp := postJSON(t, ts.URL+"/api/v1/entry", "", map[string]any{
		"walletAddress":  wallet,
		"onChainAgentId": agentID,
		"timestamp":      now,
		"signature":      auth.SignEntry(testSecret, wallet, agentID, now),
		"feeTxHash":      "0xfee-" + agentID,
		"name":           "Tester-" + agentID,
		"color":          "#22cc88",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[entryResponse](t, resp)
	require.NotEmpty(t, out.Token)
	return out
}

// outward returns a build target d units further from the origin than the
// agent, along its own radial. Keeps the target inside build range and
// outside the origin exclusion zone.
func outward(a world.Agent, d float64) (x, z float64) {
	r := math.Hypot(a.Position.X, a.Position.Z)
	f := (r + d) / r
	return a.Position.X * f, a.Position.Z * f
}

func TestEntrySpawnsAgentWithAllowance(t *testing.T) {
	s, ts := newTestServer(t)

	out := enter(t, ts, "agent-1", "0xAAA")
	assert.Equal(t, "Tester-agent-1", out.Agent.Name)
	assert.Equal(t, int64(500), out.Credits, "daily allowance granted on first entry")
	assert.InDelta(t, spawnRadius, math.Hypot(out.Agent.Position.X, out.Agent.Position.Z), 0.001)
	assert.True(t, out.Agent.Online)

	// Same identity re-enters: resumed, not respawned, no double refill.
	again := enter(t, ts, "agent-1", "0xAAA")
	assert.Equal(t, int64(500), again.Credits)
	assert.Len(t, s.Store.Agents(), 1)

	// Durable row exists for restart recovery.
	persisted, err := s.DB.GetAgent("agent-1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "0xaaa", persisted.OwnerID, "wallet stored lowercase")
}

func TestMixedCaseWalletKeepsSession(t *testing.T) {
	s, ts := newTestServer(t)

	// Checksummed wallets arrive mixed-case. The stored owner id is
	// lowercase, and the token must still rebind on the first action.
	out := enter(t, ts, "agent-1", "0xAbCdEf12345")

	resp := postJSON(t, ts.URL+"/api/v1/action/move", out.Token, map[string]float64{"x": 70, "z": 0})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	agent, ok := s.Store.GetAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, "0xabcdef12345", agent.OwnerID)
}

func TestResumeHonorsOwnerExclusivity(t *testing.T) {
	s, ts := newTestServer(t)

	// Two persisted agents for one wallet, both offline, as after a boot.
	for _, id := range []string{"twin-a", "twin-b"} {
		require.NoError(t, s.Store.AddAgent(&world.Agent{
			ID: id, OwnerID: "0xcc", Name: id, Status: world.StatusIdle,
		}))
	}

	out := enter(t, ts, "twin-a", "0xCC")
	require.NotEmpty(t, out.Token)

	now := time.Now()
	resp := postJSON(t, ts.URL+"/api/v1/entry", "", map[string]any{
		"walletAddress":  "0xCC",
		"onChainAgentId": "twin-b",
		"timestamp":      now,
		"signature":      auth.SignEntry(testSecret, "0xCC", "twin-b", now),
		"feeTxHash":      "0xfee-twin-b",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, pipeline.TagTokenMismatch, body["error"])

	twin, _ := s.Store.GetAgent("twin-b")
	assert.False(t, twin.Online, "second agent of the owner stays offline")
}

func TestEntryRejectsBadSignature(t *testing.T) {
	_, ts := newTestServer(t)

	now := time.Now()
	resp := postJSON(t, ts.URL+"/api/v1/entry", "", map[string]any{
		"walletAddress":  "0xAAA",
		"onChainAgentId": "agent-1",
		"timestamp":      now,
		"signature":      "deadbeef",
		"feeTxHash":      "0xfee",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, pipeline.TagUnauthorized, body["error"])
}

func TestEntryRequiresFee(t *testing.T) {
	_, ts := newTestServer(t)

	now := time.Now()
	resp := postJSON(t, ts.URL+"/api/v1/entry", "", map[string]any{
		"walletAddress":  "0xAAA",
		"onChainAgentId": "agent-1",
		"timestamp":      now,
		"signature":      auth.SignEntry(testSecret, "0xAAA", "agent-1", now),
	})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, pipeline.TagFeeRequired, body["error"])
}

func TestActionsRequireSession(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/action/move", "", map[string]float64{"x": 1, "z": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/v1/action/move", "not-a-token", map[string]float64{"x": 1, "z": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, pipeline.TagUnauthorized, body["error"])
}

func TestMoveChatBuildFlow(t *testing.T) {
	s, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	resp := postJSON(t, ts.URL+"/api/v1/action/move", out.Token, map[string]float64{"x": 70, "z": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	move := decode[map[string]any](t, resp)
	assert.Equal(t, "queued", move["status"])

	resp = postJSON(t, ts.URL+"/api/v1/action/chat", out.Token, map[string]string{"message": "hello world"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), s.Store.Chat.LatestID())

	x, z := outward(out.Agent, 5)
	resp = postJSON(t, ts.URL+"/api/v1/action/build", out.Token, map[string]any{
		"shape":    "box",
		"position": map[string]float64{"x": x, "y": 0.5, "z": z},
		"scale":    map[string]float64{"x": 1, "y": 1, "z": 1},
		"color":    "#ff0000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prim := decode[geom.Primitive](t, resp)
	assert.Equal(t, "agent-1", prim.OwnerAgentID)
	assert.Equal(t, 1, s.Store.PrimitiveCount())
	assert.Equal(t, int64(499), s.Ledger.Balance("agent-1"))
}

func TestBuildErrorCarriesStableTag(t *testing.T) {
	_, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	// Inward by 15: within build range but inside the origin exclusion.
	x, z := outward(out.Agent, -15)
	resp := postJSON(t, ts.URL+"/api/v1/action/build", out.Token, map[string]any{
		"shape":    "box",
		"position": map[string]float64{"x": x, "y": 0.5, "z": z},
		"scale":    map[string]float64{"x": 1, "y": 1, "z": 1},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, pipeline.TagOriginExcluded, body["error"])
}

func TestStateLiteNotModified(t *testing.T) {
	_, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	resp, err := http.Get(ts.URL + "/api/v1/state-lite")
	require.NoError(t, err)
	tag := resp.Header.Get("ETag")
	require.NotEmpty(t, tag)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/state-lite", nil)
	req.Header.Set("If-None-Match", tag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	resp.Body.Close()

	// A chat bumps latestChatMessageId, so the tag moves.
	postJSON(t, ts.URL+"/api/v1/action/chat", out.Token, map[string]string{"message": "hi"}).Body.Close()

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, tag, resp.Header.Get("ETag"))
	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["latestChatMessageId"])
}

func TestSpatialSummaryTagTracksRevision(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/spatial-summary")
	require.NoError(t, err)
	assert.Equal(t, `"spatial-0"`, resp.Header.Get("ETag"))
	resp.Body.Close()

	require.NoError(t, s.Store.AddPrimitive(&geom.Primitive{
		ID: "p1", OwnerAgentID: "a1", Shape: geom.ShapeBox,
		Position: geom.Vec3{X: 100, Y: 0.5, Z: 100},
		Scale:    geom.Vec3{X: 1, Y: 1, Z: 1},
	}))

	resp, err = http.Get(ts.URL + "/api/v1/spatial-summary")
	require.NoError(t, err)
	assert.Equal(t, `"spatial-1"`, resp.Header.Get("ETag"))
	summary := decode[spatial.Summary](t, resp)
	assert.Equal(t, 1, summary.PrimitiveCount)
}

func TestStateServesMessageTails(t *testing.T) {
	_, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	for i := 0; i < 3; i++ {
		postJSON(t, ts.URL+"/api/v1/action/chat", out.Token,
			map[string]string{"message": fmt.Sprintf("msg %d", i)}).Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/state")
	require.NoError(t, err)
	body := decode[struct {
		Agents   []world.Agent   `json:"agents"`
		Chat     []world.Message `json:"chat"`
		Terminal []world.Message `json:"terminal"`
	}](t, resp)
	assert.Len(t, body.Agents, 1)
	require.Len(t, body.Chat, 3)
	assert.Equal(t, "msg 2", body.Chat[2].Text)
}

func TestMemoryQuotaAndRate(t *testing.T) {
	_, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	resp := postJSON(t, ts.URL+"/api/v1/memory/plan", out.Token, map[string]string{"value": "build a bridge"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Second write inside the 5s gap is throttled.
	resp = postJSON(t, ts.URL+"/api/v1/memory/plan", out.Token, map[string]string{"value": "again"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, pipeline.TagRateLimited, body["error"])

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/memory/plan", nil)
	req.Header.Set("Authorization", "Bearer "+out.Token)
	getResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	got := decode[map[string]string](t, getResp)
	assert.Equal(t, "build a bridge", got["value"])

	del, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/memory/plan", nil)
	del.Header.Set("Authorization", "Bearer "+out.Token)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	delResp.Body.Close()

	getResp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getResp2.StatusCode)
	getResp2.Body.Close()
}

func TestDirectiveLifecyclePaysVoters(t *testing.T) {
	s, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	// Creating a directive needs the admin key.
	resp := postJSON(t, ts.URL+"/api/v1/admin/directive", out.Token, map[string]string{"title": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/admin/directive", adminKey, map[string]string{
		"title":       "Build the north bridge",
		"description": "Span the gap at x=200",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[persistence.Directive](t, resp)
	require.NotEmpty(t, d.ID)

	resp = postJSON(t, ts.URL+"/api/v1/action/vote", out.Token, map[string]string{"directiveId": d.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Double vote refused.
	resp = postJSON(t, ts.URL+"/api/v1/action/vote", out.Token, map[string]string{"directiveId": d.ID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	before := s.Ledger.Balance("agent-1")
	resp = postJSON(t, ts.URL+"/api/v1/admin/directive/complete", adminKey, map[string]string{"directiveId": d.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, done["rewarded"])
	assert.Equal(t, before+directiveVoteReward, s.Ledger.Balance("agent-1"))

	// Completing twice is refused and pays nothing.
	resp = postJSON(t, ts.URL+"/api/v1/admin/directive/complete", adminKey, map[string]string{"directiveId": d.ID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, before+directiveVoteReward, s.Ledger.Balance("agent-1"))
}

func TestAdminResetClearsPrimitivesAndPlans(t *testing.T) {
	s, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	// An active blueprint plan holds a footprint reservation.
	ax, az := outward(out.Agent, 10)
	resp := postJSON(t, ts.URL+"/api/v1/action/blueprint/start", out.Token, map[string]any{
		"name": "BRIDGE", "anchorX": ax, "anchorZ": az,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Len(t, s.Store.Reservations(), 1)

	x, z := outward(out.Agent, 5)
	resp = postJSON(t, ts.URL+"/api/v1/action/build", out.Token, map[string]any{
		"shape":    "box",
		"position": map[string]float64{"x": x, "y": 0.5, "z": z},
		"scale":    map[string]float64{"x": 1, "y": 1, "z": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, 1, s.Store.PrimitiveCount())

	resp = postJSON(t, ts.URL+"/api/v1/admin/reset", adminKey, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, 0, s.Store.PrimitiveCount())
	rows, err := s.DB.LoadPrimitives()
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Plans and reservations must not outlive the geometry they reserved.
	_, hasPlan := s.Store.GetBuildPlan("agent-1")
	assert.False(t, hasPlan)
	assert.Empty(t, s.Store.Reservations())
	plans, err := s.DB.LoadBuildPlans()
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestAgentDetailAndBlueprintCatalog(t *testing.T) {
	_, ts := newTestServer(t)
	enter(t, ts, "agent-1", "0xAAA")

	resp, err := http.Get(ts.URL + "/api/v1/agent/agent-1")
	require.NoError(t, err)
	detail := decode[struct {
		Agent   world.Agent `json:"agent"`
		Credits int64       `json:"credits"`
	}](t, resp)
	assert.Equal(t, int64(500), detail.Credits)

	resp, err = http.Get(ts.URL + "/api/v1/agent/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/blueprints")
	require.NoError(t, err)
	bps := decode[[]map[string]any](t, resp)
	names := make(map[string]bool)
	for _, bp := range bps {
		names[bp["name"].(string)] = true
	}
	assert.True(t, names["BRIDGE"], "catalog lists BRIDGE")
}
