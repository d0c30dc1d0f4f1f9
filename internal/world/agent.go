// Package world provides the authoritative in-memory world state: agents,
// primitives, active build plans, and the tick/revision counters that back
// incremental client sync.
package world

import (
	"time"

	"github.com/milomadeit/gridworld/internal/geom"
)

// AgentStatus is the coarse activity state clients render.
type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusMoving   AgentStatus = "moving"
	StatusBuilding AgentStatus = "building"
	StatusChatting AgentStatus = "chatting"
)

// Agent is a connected (or recently connected) participant. The wallet in
// OwnerID is the external principal; ID is minted by the server on entry.
type Agent struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"` // wallet address, lowercase
	Name    string `json:"name"`
	Color   string `json:"color"`
	Bio     string `json:"bio,omitempty"`

	Position       geom.Vec3   `json:"position"`
	TargetPosition geom.Vec3   `json:"targetPosition"`
	Status         AgentStatus `json:"status"`
	Online         bool        `json:"online"`
	LastSeenAt     time.Time   `json:"lastSeenAt"`
}

// moveSpeed is how far an agent travels per simulation tick, in XZ units.
const moveSpeed = 4.0

// arriveEpsilon below which an agent snaps onto its target.
const arriveEpsilon = 0.05
