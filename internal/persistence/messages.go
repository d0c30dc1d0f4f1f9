package persistence

import (
	"fmt"

	"github.com/milomadeit/gridworld/internal/world"
)

// AppendChat persists one chat message. The id comes from the in-memory
// log so the two stay aligned.
func (db *DB) AppendChat(m *world.Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO chat_messages (id, agent_id, agent_name, message, created_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.AgentID, m.AgentName, m.Text, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: append chat: %v", ErrUnavailable, err)
	}
	return nil
}

// AppendTerminal persists one terminal (system event) message.
func (db *DB) AppendTerminal(m *world.Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO terminal_messages (id, agent_id, agent_name, message, created_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.AgentID, m.AgentName, m.Text, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: append terminal: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadRecentChat returns the newest n chat messages in oldest-first order,
// for seeding the in-memory log at boot.
func (db *DB) LoadRecentChat(n int) ([]*world.Message, error) {
	return db.loadRecent("chat_messages", n)
}

// LoadRecentTerminal returns the newest n terminal messages, oldest first.
func (db *DB) LoadRecentTerminal(n int) ([]*world.Message, error) {
	return db.loadRecent("terminal_messages", n)
}

func (db *DB) loadRecent(table string, n int) ([]*world.Message, error) {
	rows, err := db.conn.Queryx(fmt.Sprintf(
		`SELECT id, agent_id, agent_name, message, created_at FROM (
			SELECT * FROM %s ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, table), n)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrUnavailable, table, err)
	}
	defer rows.Close()

	var msgs []*world.Message
	for rows.Next() {
		var m world.Message
		if err := rows.Scan(&m.ID, &m.AgentID, &m.AgentName, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, table, err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
