package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milomadeit/gridworld/internal/blueprint"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/world"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func testAgent(id string) *world.Agent {
	return &world.Agent{
		ID:         id,
		OwnerID:    "wallet-" + id,
		Name:       "Agent " + id,
		Color:      "#44ccff",
		Position:   geom.Vec3{X: 100, Y: 0, Z: 100},
		Status:     world.StatusIdle,
		LastSeenAt: time.Now().UTC().Truncate(time.Second),
	}
}

func testPrimitive(id, owner string, x float64) *geom.Primitive {
	return &geom.Primitive{
		ID:           id,
		OwnerAgentID: owner,
		Shape:        geom.ShapeBox,
		Position:     geom.Vec3{X: x, Y: 0.5, Z: 100},
		Scale:        geom.Vec3{X: 1, Y: 1, Z: 1},
		Color:        "#ffffff",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestRestartRoundTrip(t *testing.T) {
	db, path := openTestDB(t)

	agent := testAgent("a1")
	require.NoError(t, db.UpsertAgent(agent))
	require.NoError(t, db.SetCredits("a1", 10))
	require.NoError(t, db.SetLastRefillDay("a1", "2026-08-24"))

	out, err := db.CreatePrimitiveWithCreditDebit(testPrimitive("p1", "a1", 100), 1)
	require.NoError(t, err)
	require.Equal(t, PlaceOK, out)
	out, err = db.CreatePrimitiveWithCreditDebit(testPrimitive("p2", "a1", 102), 1)
	require.NoError(t, err)
	require.Equal(t, PlaceOK, out)

	bp, err := blueprint.Lookup("BRIDGE")
	require.NoError(t, err)
	resolved := bp.Resolve(120, 80)
	plan := &world.BuildPlan{
		AgentID:       "a1",
		BlueprintName: "BRIDGE",
		AnchorX:       120,
		AnchorZ:       80,
		Pieces:        resolved.Pieces,
		Phases:        resolved.Phases,
		PlacedCount:   3,
		NextIndex:     3,
		StartedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, db.SaveBuildPlan(plan))

	require.NoError(t, db.AppendChat(&world.Message{
		ID: 1, AgentID: "a1", AgentName: "Agent a1", Text: "hello",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}))

	require.NoError(t, db.Close())

	// Reopen at the same path: everything must come back.
	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	agents, err := db2.LoadAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, agent.ID, agents[0].ID)
	assert.Equal(t, agent.Position, agents[0].Position)

	prims, err := db2.LoadPrimitives()
	require.NoError(t, err)
	require.Len(t, prims, 2)
	assert.Equal(t, geom.ShapeBox, prims[0].Shape)

	credits, err := db2.LoadCredits()
	require.NoError(t, err)
	assert.Equal(t, int64(8), credits["a1"], "two placements cost two credits")

	days, err := db2.LoadRefillDays()
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24", days["a1"], "refill marker survives the restart")

	plans, err := db2.LoadBuildPlans()
	require.NoError(t, err)
	require.Contains(t, plans, "a1")
	got := plans["a1"]
	assert.Equal(t, plan.NextIndex, got.NextIndex)
	assert.Equal(t, plan.PlacedCount, got.PlacedCount)
	assert.Equal(t, len(plan.Pieces), len(got.Pieces))
	assert.Equal(t, plan.Pieces[0], got.Pieces[0])

	chat, err := db2.LoadRecentChat(30)
	require.NoError(t, err)
	require.Len(t, chat, 1)
	assert.Equal(t, "hello", chat[0].Text)
}

func TestDebitAndInsertAtomicity(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.UpsertAgent(testAgent("a1")))
	require.NoError(t, db.SetCredits("a1", 1))

	out, err := db.CreatePrimitiveWithCreditDebit(testPrimitive("p1", "a1", 100), 1)
	require.NoError(t, err)
	require.Equal(t, PlaceOK, out)

	// Broke: the insert must not happen either.
	out, err = db.CreatePrimitiveWithCreditDebit(testPrimitive("p2", "a1", 102), 1)
	require.NoError(t, err)
	assert.Equal(t, PlaceInsufficientCredits, out)

	prims, err := db.LoadPrimitives()
	require.NoError(t, err)
	assert.Len(t, prims, 1)

	// Duplicate id conflicts and refunds the debit.
	require.NoError(t, db.SetCredits("a1", 5))
	out, err = db.CreatePrimitiveWithCreditDebit(testPrimitive("p1", "a1", 104), 1)
	require.NoError(t, err)
	assert.Equal(t, PlaceConflict, out)
	balance, err := db.GetCredits("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "failed insert rolls back the debit")
}

func TestTransferCredits(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.SetCredits("a1", 10))
	require.NoError(t, db.SetCredits("a2", 0))

	require.NoError(t, db.TransferCredits("a1", "a2", 4))
	b1, _ := db.GetCredits("a1")
	b2, _ := db.GetCredits("a2")
	assert.Equal(t, int64(6), b1)
	assert.Equal(t, int64(4), b2)

	assert.Error(t, db.TransferCredits("a1", "a2", 100))
}

func TestEntryFeeAndTxHash(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.UpsertAgent(testAgent("a1")))

	paid, err := db.IsEntryFeePaid("a1")
	require.NoError(t, err)
	assert.False(t, paid)

	require.NoError(t, db.MarkEntryFeePaid("a1"))
	paid, err = db.IsEntryFeePaid("a1")
	require.NoError(t, err)
	assert.True(t, paid)

	now := time.Now().UTC()
	require.NoError(t, db.RecordUsedTxHash("0xabc", now))
	used, err := db.IsTxHashUsed("0xabc")
	require.NoError(t, err)
	assert.True(t, used)
	assert.Error(t, db.RecordUsedTxHash("0xabc", now), "a tx hash can only be spent once")
}

func TestDirectiveVoteAndComplete(t *testing.T) {
	db, _ := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	d := &Directive{ID: "d1", Title: "Build a plaza", Description: "south side", CreatedBy: "a1", CreatedAt: now}
	require.NoError(t, db.CreateDirective(d))

	require.NoError(t, db.CastVote("d1", "a1", now))
	require.NoError(t, db.CastVote("d1", "a2", now))
	assert.ErrorIs(t, db.CastVote("d1", "a1", now), ErrAlreadyVoted)
	assert.ErrorIs(t, db.CastVote("missing", "a1", now), ErrDirectiveNotFound)

	voters, err := db.CompleteDirective("d1", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, voters)

	// Completing again is rejected, so rewards cannot double-pay.
	_, err = db.CompleteDirective("d1", now)
	assert.ErrorIs(t, err, ErrDirectiveClosed)

	assert.ErrorIs(t, db.CastVote("d1", "a3", now), ErrDirectiveClosed)

	list, err := db.ListDirectives()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "completed", list[0].Status)
	assert.Equal(t, 2, list[0].Votes)
}

func TestAgentMemoryLimits(t *testing.T) {
	db, _ := openTestDB(t)
	base := time.Now().UTC()

	require.NoError(t, db.SetMemory("a1", "k0", "v", base))

	// Writes must be at least five seconds apart.
	assert.ErrorIs(t, db.SetMemory("a1", "k1", "v", base.Add(time.Second)), ErrMemoryWriteRate)

	for i := 1; i < 10; i++ {
		now := base.Add(time.Duration(i) * 6 * time.Second)
		require.NoError(t, db.SetMemory("a1", keyName(i), "v", now))
	}
	assert.ErrorIs(t,
		db.SetMemory("a1", "k10", "v", base.Add(100*time.Second)),
		ErrMemoryKeyQuota)

	// Overwriting an existing key is fine at the quota.
	require.NoError(t, db.SetMemory("a1", "k0", "updated", base.Add(200*time.Second)))
	v, err := db.GetMemory("a1", "k0")
	require.NoError(t, err)
	assert.Equal(t, "updated", v)

	big := make([]byte, memoryMaxValueSize+1)
	assert.ErrorIs(t,
		db.SetMemory("a2", "k", string(big), base),
		ErrMemoryValueSize)

	require.NoError(t, db.DeleteMemory("a1", "k0"))
	_, err = db.GetMemory("a1", "k0")
	assert.ErrorIs(t, err, ErrMemoryKeyMissing)

	all, err := db.ListMemory("a1")
	require.NoError(t, err)
	assert.Len(t, all, 9)
}

func keyName(i int) string {
	return string(rune('a'+i)) + "-key"
}
