package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/milomadeit/gridworld/internal/world"
)

// SaveBuildPlan persists one agent's in-progress blueprint plan as a JSON
// blob. The plan must round-trip exactly so a restart resumes from the
// same piece cursor.
func (db *DB) SaveBuildPlan(plan *world.BuildPlan) error {
	blob, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = db.conn.Exec(`INSERT INTO blueprint_plans (agent_id, plan_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			plan_json = excluded.plan_json,
			updated_at = excluded.updated_at`,
		plan.AgentID, string(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: save plan: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteBuildPlan removes an agent's plan after completion or cancel.
func (db *DB) DeleteBuildPlan(agentID string) error {
	_, err := db.conn.Exec("DELETE FROM blueprint_plans WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("%w: delete plan: %v", ErrUnavailable, err)
	}
	return nil
}

// ClearAllBuildPlans wipes every persisted plan. Admin reset only.
func (db *DB) ClearAllBuildPlans() error {
	_, err := db.conn.Exec("DELETE FROM blueprint_plans")
	if err != nil {
		return fmt.Errorf("%w: clear plans: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadBuildPlans returns all persisted plans keyed by agent id. Rows that
// fail to decode are skipped with a warning rather than aborting boot.
func (db *DB) LoadBuildPlans() (map[string]*world.BuildPlan, error) {
	rows, err := db.conn.Queryx("SELECT agent_id, plan_json FROM blueprint_plans")
	if err != nil {
		return nil, fmt.Errorf("%w: load plans: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	plans := map[string]*world.BuildPlan{}
	for rows.Next() {
		var agentID, blob string
		if err := rows.Scan(&agentID, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan plan: %v", ErrUnavailable, err)
		}
		var plan world.BuildPlan
		if err := json.Unmarshal([]byte(blob), &plan); err != nil {
			slog.Warn("skipping corrupt build plan", "agent", agentID, "error", err)
			continue
		}
		plans[agentID] = &plan
	}
	return plans, rows.Err()
}
