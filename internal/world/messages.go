package world

import (
	"sync"
	"time"
)

// Message is one chat or terminal (system) entry. IDs are assigned
// monotonically in commit order within a log.
type Message struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agentId,omitempty"`
	AgentName string    `json:"agentName,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// messageLogCapacity bounds the in-memory tail; older entries live only in
// the database.
const messageLogCapacity = 200

// MessageLog is a bounded append-only feed with monotonic ids.
type MessageLog struct {
	mu      sync.Mutex
	nextID  int64
	entries []Message
}

// NewMessageLog creates a log whose next id follows lastID (0 for a fresh
// world; the persisted high-water mark after a restart).
func NewMessageLog(lastID int64) *MessageLog {
	return &MessageLog{nextID: lastID + 1}
}

// Append commits an entry and returns it with its assigned id.
func (l *MessageLog) Append(agentID, agentName, text string, at time.Time) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := Message{
		ID:        l.nextID,
		AgentID:   agentID,
		AgentName: agentName,
		Text:      text,
		CreatedAt: at,
	}
	l.nextID++

	l.entries = append(l.entries, m)
	if len(l.entries) > messageLogCapacity {
		l.entries = l.entries[len(l.entries)-messageLogCapacity:]
	}
	return m
}

// Seed replays persisted entries into the tail without assigning new ids.
// Entries must already be in id order.
func (l *MessageLog) Seed(msgs []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		l.entries = append(l.entries, m)
		if m.ID >= l.nextID {
			l.nextID = m.ID + 1
		}
	}
	if len(l.entries) > messageLogCapacity {
		l.entries = l.entries[len(l.entries)-messageLogCapacity:]
	}
}

// Recent returns up to n most recent entries, oldest first.
func (l *MessageLog) Recent(n int) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if len(l.entries) > n {
		start = len(l.entries) - n
	}
	out := make([]Message, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// LatestID returns the most recently assigned id, 0 when empty.
func (l *MessageLog) LatestID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID - 1
}
