package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent memory limits. Small on purpose: this is scratch space for agent
// notes, not a document store.
const (
	memoryMaxKeys      = 10
	memoryMaxValueSize = 10 * 1024
	memoryWriteGap     = 5 * time.Second
)

var (
	ErrMemoryKeyQuota   = errors.New("memory key quota exceeded")
	ErrMemoryValueSize  = errors.New("memory value too large")
	ErrMemoryWriteRate  = errors.New("memory write too soon")
	ErrMemoryKeyMissing = errors.New("memory key not found")
)

// SetMemory writes one key for an agent, enforcing the key quota, value
// size cap, and minimum gap between writes.
func (db *DB) SetMemory(agentID, key, value string, now time.Time) error {
	if len(value) > memoryMaxValueSize {
		return ErrMemoryValueSize
	}

	var last sql.NullTime
	err := db.conn.Get(&last,
		"SELECT MAX(updated_at) FROM agent_memory WHERE agent_id = ?", agentID)
	if err == nil && last.Valid && now.Sub(last.Time) < memoryWriteGap {
		return ErrMemoryWriteRate
	}

	var exists int
	if err := db.conn.Get(&exists,
		"SELECT COUNT(*) FROM agent_memory WHERE agent_id = ? AND key = ?", agentID, key); err != nil {
		return fmt.Errorf("%w: memory lookup: %v", ErrUnavailable, err)
	}
	if exists == 0 {
		var keys int
		if err := db.conn.Get(&keys,
			"SELECT COUNT(*) FROM agent_memory WHERE agent_id = ?", agentID); err != nil {
			return fmt.Errorf("%w: memory count: %v", ErrUnavailable, err)
		}
		if keys >= memoryMaxKeys {
			return ErrMemoryKeyQuota
		}
	}

	_, err = db.conn.Exec(`INSERT INTO agent_memory (agent_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		agentID, key, value, now,
	)
	if err != nil {
		return fmt.Errorf("%w: set memory: %v", ErrUnavailable, err)
	}
	return nil
}

// GetMemory reads one key for an agent.
func (db *DB) GetMemory(agentID, key string) (string, error) {
	var value string
	err := db.conn.Get(&value,
		"SELECT value FROM agent_memory WHERE agent_id = ? AND key = ?", agentID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMemoryKeyMissing
	}
	if err != nil {
		return "", fmt.Errorf("%w: get memory: %v", ErrUnavailable, err)
	}
	return value, nil
}

// ListMemory returns all of an agent's keys and values.
func (db *DB) ListMemory(agentID string) (map[string]string, error) {
	rows, err := db.conn.Queryx(
		"SELECT key, value FROM agent_memory WHERE agent_id = ?", agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: list memory: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: scan memory: %v", ErrUnavailable, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteMemory removes one key for an agent.
func (db *DB) DeleteMemory(agentID, key string) error {
	res, err := db.conn.Exec(
		"DELETE FROM agent_memory WHERE agent_id = ? AND key = ?", agentID, key)
	if err != nil {
		return fmt.Errorf("%w: delete memory: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMemoryKeyMissing
	}
	return nil
}
