// Package persistence provides SQLite-backed storage for crash recovery:
// agents, primitives, credits, blueprint plans, chat, directives, and
// agent memory. The world store remains authoritative at runtime; this
// layer exists so a restart reconstructs it.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/world"
)

// ErrUnavailable wraps any storage failure the caller may retry.
var ErrUnavailable = errors.New("persistence unavailable")

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		color TEXT NOT NULL,
		bio TEXT NOT NULL DEFAULT '',
		pos_x REAL NOT NULL,
		pos_y REAL NOT NULL,
		pos_z REAL NOT NULL,
		last_seen_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entry_fees (
		agent_id TEXT PRIMARY KEY,
		paid_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS primitives (
		id TEXT PRIMARY KEY,
		owner_agent_id TEXT NOT NULL,
		owner_agent_name TEXT NOT NULL,
		shape TEXT NOT NULL,
		pos_x REAL NOT NULL, pos_y REAL NOT NULL, pos_z REAL NOT NULL,
		rot_x REAL NOT NULL, rot_y REAL NOT NULL, rot_z REAL NOT NULL,
		scale_x REAL NOT NULL, scale_y REAL NOT NULL, scale_z REAL NOT NULL,
		color TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credits (
		agent_id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL CHECK (credits >= 0),
		last_refill_day TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS blueprint_plans (
		agent_id TEXT PRIMARY KEY,
		plan_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS terminal_messages (
		id INTEGER PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS directives (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		created_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS directive_votes (
		directive_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (directive_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS agent_memory (
		agent_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (agent_id, key)
	);

	CREATE TABLE IF NOT EXISTS used_tx_hashes (
		tx_hash TEXT PRIMARY KEY,
		used_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_primitives_owner ON primitives(owner_agent_id);
	CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_votes_directive ON directive_votes(directive_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// UpsertAgent writes an agent row, creating or refreshing it.
func (db *DB) UpsertAgent(a *world.Agent) error {
	_, err := db.conn.Exec(`INSERT INTO agents
		(id, owner_id, name, color, bio, pos_x, pos_y, pos_z, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			bio = excluded.bio,
			pos_x = excluded.pos_x,
			pos_y = excluded.pos_y,
			pos_z = excluded.pos_z,
			last_seen_at = excluded.last_seen_at`,
		a.ID, a.OwnerID, a.Name, a.Color, a.Bio,
		a.Position.X, a.Position.Y, a.Position.Z, a.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert agent: %v", ErrUnavailable, err)
	}
	return nil
}

type agentRow struct {
	ID         string    `db:"id"`
	OwnerID    string    `db:"owner_id"`
	Name       string    `db:"name"`
	Color      string    `db:"color"`
	Bio        string    `db:"bio"`
	PosX       float64   `db:"pos_x"`
	PosY       float64   `db:"pos_y"`
	PosZ       float64   `db:"pos_z"`
	LastSeenAt time.Time `db:"last_seen_at"`
}

func (r *agentRow) toAgent() *world.Agent {
	pos := geom.Vec3{X: r.PosX, Y: r.PosY, Z: r.PosZ}
	return &world.Agent{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Name:           r.Name,
		Color:          r.Color,
		Bio:            r.Bio,
		Position:       pos,
		TargetPosition: pos,
		Status:         world.StatusIdle,
		LastSeenAt:     r.LastSeenAt,
	}
}

// GetAgent loads one agent row. A missing agent returns (nil, nil).
func (db *DB) GetAgent(id string) (*world.Agent, error) {
	var row agentRow
	err := db.conn.Get(&row, "SELECT * FROM agents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get agent: %v", ErrUnavailable, err)
	}
	return row.toAgent(), nil
}

// LoadAgents returns every persisted agent, offline and at rest.
func (db *DB) LoadAgents() ([]*world.Agent, error) {
	var rows []agentRow
	if err := db.conn.Select(&rows, "SELECT * FROM agents ORDER BY id"); err != nil {
		return nil, fmt.Errorf("%w: load agents: %v", ErrUnavailable, err)
	}
	agents := make([]*world.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// TouchAgent refreshes the durable last-seen timestamp.
func (db *DB) TouchAgent(id string, at time.Time) error {
	_, err := db.conn.Exec("UPDATE agents SET last_seen_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("%w: touch agent: %v", ErrUnavailable, err)
	}
	return nil
}

// ListAgentsInRadius returns agents whose position lies within radius of
// the given ground-plane point.
func (db *DB) ListAgentsInRadius(x, z, radius float64) ([]*world.Agent, error) {
	var rows []agentRow
	err := db.conn.Select(&rows,
		`SELECT * FROM agents
		 WHERE (pos_x - ?) * (pos_x - ?) + (pos_z - ?) * (pos_z - ?) <= ? * ?
		 ORDER BY id`,
		x, x, z, z, radius, radius,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: agents in radius: %v", ErrUnavailable, err)
	}
	agents := make([]*world.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// MarkEntryFeePaid records that the one-time entry fee is settled. It may
// run before the agent row exists; verification precedes the spawn.
func (db *DB) MarkEntryFeePaid(agentID string) error {
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO entry_fees (agent_id, paid_at) VALUES (?, ?)",
		agentID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: mark fee paid: %v", ErrUnavailable, err)
	}
	return nil
}

// IsEntryFeePaid reports whether the agent's entry fee is settled.
func (db *DB) IsEntryFeePaid(agentID string) (bool, error) {
	var n int
	if err := db.conn.Get(&n, "SELECT COUNT(*) FROM entry_fees WHERE agent_id = ?", agentID); err != nil {
		return false, fmt.Errorf("%w: fee check: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// RecordUsedTxHash marks a payment transaction as consumed. Inserting a
// hash twice fails on the primary key, which is the point.
func (db *DB) RecordUsedTxHash(txHash string, at time.Time) error {
	_, err := db.conn.Exec("INSERT INTO used_tx_hashes (tx_hash, used_at) VALUES (?, ?)", txHash, at)
	if err != nil {
		return fmt.Errorf("tx hash already used: %w", err)
	}
	return nil
}

// IsTxHashUsed reports whether a payment transaction was consumed before.
func (db *DB) IsTxHashUsed(txHash string) (bool, error) {
	var n int
	if err := db.conn.Get(&n, "SELECT COUNT(*) FROM used_tx_hashes WHERE tx_hash = ?", txHash); err != nil {
		return false, fmt.Errorf("%w: tx hash check: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// PlaceOutcome is the result of the composed debit-and-insert.
type PlaceOutcome int

const (
	PlaceOK PlaceOutcome = iota
	PlaceInsufficientCredits
	PlaceConflict
)

// CreatePrimitiveWithCreditDebit debits cost from the owner and inserts
// the primitive in one transaction; either both happen or neither does.
func (db *DB) CreatePrimitiveWithCreditDebit(p *geom.Primitive, cost int64) (PlaceOutcome, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return PlaceConflict, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE credits SET credits = credits - ? WHERE agent_id = ? AND credits >= ?",
		cost, p.OwnerAgentID, cost,
	)
	if err != nil {
		return PlaceConflict, fmt.Errorf("%w: debit: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return PlaceInsufficientCredits, nil
	}

	if _, err := tx.Exec(`INSERT INTO primitives
		(id, owner_agent_id, owner_agent_name, shape,
		 pos_x, pos_y, pos_z, rot_x, rot_y, rot_z,
		 scale_x, scale_y, scale_z, color, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerAgentID, p.OwnerAgentName, shapeName(p.Shape),
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Rotation.X, p.Rotation.Y, p.Rotation.Z,
		p.Scale.X, p.Scale.Y, p.Scale.Z, p.Color, p.CreatedAt,
	); err != nil {
		// Duplicate id: another writer won the race.
		return PlaceConflict, nil
	}

	if err := tx.Commit(); err != nil {
		return PlaceConflict, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return PlaceOK, nil
}

func shapeName(s geom.Shape) string {
	b, _ := s.MarshalText()
	return string(b)
}

// DeletePrimitive removes one primitive row.
func (db *DB) DeletePrimitive(id string) error {
	_, err := db.conn.Exec("DELETE FROM primitives WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: delete primitive: %v", ErrUnavailable, err)
	}
	return nil
}

// ClearAllPrimitives wipes the primitive table. Admin reset only.
func (db *DB) ClearAllPrimitives() error {
	_, err := db.conn.Exec("DELETE FROM primitives")
	if err != nil {
		return fmt.Errorf("%w: clear primitives: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadPrimitives returns every persisted primitive in creation order.
func (db *DB) LoadPrimitives() ([]*geom.Primitive, error) {
	rows, err := db.conn.Queryx(`SELECT id, owner_agent_id, owner_agent_name, shape,
		pos_x, pos_y, pos_z, rot_x, rot_y, rot_z,
		scale_x, scale_y, scale_z, color, created_at
		FROM primitives ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: load primitives: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var prims []*geom.Primitive
	for rows.Next() {
		var (
			p    geom.Primitive
			name string
		)
		err := rows.Scan(&p.ID, &p.OwnerAgentID, &p.OwnerAgentName, &name,
			&p.Position.X, &p.Position.Y, &p.Position.Z,
			&p.Rotation.X, &p.Rotation.Y, &p.Rotation.Z,
			&p.Scale.X, &p.Scale.Y, &p.Scale.Z, &p.Color, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan primitive: %v", ErrUnavailable, err)
		}
		shape, err := geom.ParseShape(name)
		if err != nil {
			slog.Warn("skipping primitive with unknown shape", "id", p.ID, "shape", name)
			continue
		}
		p.Shape = shape
		prims = append(prims, &p)
	}
	return prims, rows.Err()
}

// GetCredits returns an agent's persisted balance.
func (db *DB) GetCredits(agentID string) (int64, error) {
	var credits int64
	err := db.conn.Get(&credits, "SELECT credits FROM credits WHERE agent_id = ?", agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get credits: %v", ErrUnavailable, err)
	}
	return credits, nil
}

// SetCredits writes an agent's balance. Used for boot sync, refills, and
// reward grants; placement debits go through
// CreatePrimitiveWithCreditDebit instead.
func (db *DB) SetCredits(agentID string, credits int64) error {
	_, err := db.conn.Exec(`INSERT INTO credits (agent_id, credits) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET credits = excluded.credits`,
		agentID, credits,
	)
	if err != nil {
		return fmt.Errorf("%w: set credits: %v", ErrUnavailable, err)
	}
	return nil
}

// SetLastRefillDay records the UTC day of the agent's latest daily
// allowance, so a restart does not grant it a second time.
func (db *DB) SetLastRefillDay(agentID, day string) error {
	_, err := db.conn.Exec(`INSERT INTO credits (agent_id, credits, last_refill_day) VALUES (?, 0, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_refill_day = excluded.last_refill_day`,
		agentID, day,
	)
	if err != nil {
		return fmt.Errorf("%w: set refill day: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadRefillDays returns the persisted refill markers by agent id.
func (db *DB) LoadRefillDays() (map[string]string, error) {
	rows, err := db.conn.Queryx("SELECT agent_id, last_refill_day FROM credits WHERE last_refill_day != ''")
	if err != nil {
		return nil, fmt.Errorf("%w: load refill days: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, day string
		if err := rows.Scan(&id, &day); err != nil {
			return nil, fmt.Errorf("%w: scan refill day: %v", ErrUnavailable, err)
		}
		out[id] = day
	}
	return out, rows.Err()
}

// TransferCredits moves credits between two agents in one transaction.
func (db *DB) TransferCredits(from, to string, amount int64) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE credits SET credits = credits - ? WHERE agent_id = ? AND credits >= ?",
		amount, from, amount,
	)
	if err != nil {
		return fmt.Errorf("%w: transfer debit: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("insufficient credits")
	}
	if _, err := tx.Exec(
		"UPDATE credits SET credits = credits + ? WHERE agent_id = ?", amount, to,
	); err != nil {
		return fmt.Errorf("%w: transfer credit: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

// LoadCredits returns all persisted balances.
func (db *DB) LoadCredits() (map[string]int64, error) {
	rows, err := db.conn.Queryx("SELECT agent_id, credits FROM credits")
	if err != nil {
		return nil, fmt.Errorf("%w: load credits: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var c int64
		if err := rows.Scan(&id, &c); err != nil {
			return nil, fmt.Errorf("%w: scan credits: %v", ErrUnavailable, err)
		}
		out[id] = c
	}
	return out, rows.Err()
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)", key, value,
	)
	if err != nil {
		return fmt.Errorf("%w: save meta: %v", ErrUnavailable, err)
	}
	return nil
}

// GetMeta retrieves a metadata value. Missing keys return "".
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get meta: %v", ErrUnavailable, err)
	}
	return value, nil
}
