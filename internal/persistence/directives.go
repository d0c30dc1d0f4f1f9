package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Directive is a community goal agents can vote on. Completing one pays
// its voters a reward.
type Directive struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	CreatedBy   string     `json:"createdBy" db:"created_by"`
	Status      string     `json:"status" db:"status"` // open | completed
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	Votes       int        `json:"votes" db:"votes"`
}

var (
	ErrDirectiveNotFound = errors.New("directive not found")
	ErrDirectiveClosed   = errors.New("directive is not open")
	ErrAlreadyVoted      = errors.New("agent already voted")
)

// CreateDirective inserts a new open directive.
func (db *DB) CreateDirective(d *Directive) error {
	_, err := db.conn.Exec(
		"INSERT INTO directives (id, title, description, created_by, status, created_at) VALUES (?, ?, ?, ?, 'open', ?)",
		d.ID, d.Title, d.Description, d.CreatedBy, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create directive: %v", ErrUnavailable, err)
	}
	return nil
}

// CastVote records one agent's vote on an open directive. Voting twice
// fails with ErrAlreadyVoted.
func (db *DB) CastVote(directiveID, agentID string, at time.Time) error {
	var status string
	err := db.conn.Get(&status, "SELECT status FROM directives WHERE id = ?", directiveID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDirectiveNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: vote lookup: %v", ErrUnavailable, err)
	}
	if status != "open" {
		return ErrDirectiveClosed
	}

	_, err = db.conn.Exec(
		"INSERT INTO directive_votes (directive_id, agent_id, created_at) VALUES (?, ?, ?)",
		directiveID, agentID, at,
	)
	if err != nil {
		return ErrAlreadyVoted
	}
	return nil
}

// CompleteDirective marks a directive completed and returns its voters so
// the economy can pay them. Completing an already-completed directive
// returns ErrDirectiveClosed.
func (db *DB) CompleteDirective(directiveID string, at time.Time) ([]string, error) {
	res, err := db.conn.Exec(
		"UPDATE directives SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'open'",
		at, directiveID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: complete directive: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := db.conn.Get(&exists, "SELECT COUNT(*) FROM directives WHERE id = ?", directiveID); err == nil && exists == 0 {
			return nil, ErrDirectiveNotFound
		}
		return nil, ErrDirectiveClosed
	}

	var voters []string
	err = db.conn.Select(&voters,
		"SELECT agent_id FROM directive_votes WHERE directive_id = ? ORDER BY agent_id", directiveID)
	if err != nil {
		return nil, fmt.Errorf("%w: load voters: %v", ErrUnavailable, err)
	}
	return voters, nil
}

// ListDirectives returns directives with vote counts, newest first.
func (db *DB) ListDirectives() ([]*Directive, error) {
	rows, err := db.conn.Queryx(`SELECT d.id, d.title, d.description, d.created_by,
			d.status, d.created_at, d.completed_at,
			(SELECT COUNT(*) FROM directive_votes v WHERE v.directive_id = d.id) AS votes
		FROM directives d ORDER BY d.created_at DESC, d.id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list directives: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Directive
	for rows.Next() {
		var d Directive
		if err := rows.StructScan(&d); err != nil {
			return nil, fmt.Errorf("%w: scan directive: %v", ErrUnavailable, err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
