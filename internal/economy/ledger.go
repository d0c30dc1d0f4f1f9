// Package economy provides the per-agent credit ledger. The ledger
// enforces non-negativity and atomicity; allowance amounts and reward
// sizes are policy inputs.
package economy

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownAgent        = errors.New("unknown agent")
	ErrBadTransfer         = errors.New("invalid transfer")
)

// RefillPolicy sets the daily allowance tiers. Refills are anchored at
// UTC midnight: the first ledger access on a new UTC day grants the
// allowance.
type RefillPolicy struct {
	SoloDaily  int64
	GuildDaily int64
}

// DefaultRefillPolicy returns the production allowance tiers.
func DefaultRefillPolicy() RefillPolicy {
	return RefillPolicy{SoloDaily: 500, GuildDaily: 750}
}

// Ledger maps agent ids to credit balances.
type Ledger struct {
	mu         sync.Mutex
	balances   map[string]int64
	lastRefill map[string]string // agent id → UTC day of last allowance
	rewarded   map[string]bool   // directive id → voters already paid
	policy     RefillPolicy
}

// NewLedger creates an empty ledger with the given refill policy.
func NewLedger(policy RefillPolicy) *Ledger {
	return &Ledger{
		balances:   make(map[string]int64),
		lastRefill: make(map[string]string),
		rewarded:   make(map[string]bool),
		policy:     policy,
	}
}

// UTCDay formats the day bucket refills are keyed by.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Balance returns the agent's current credits.
func (l *Ledger) Balance(agentID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[agentID]
}

// SetBalance installs a balance directly. Boot recovery only.
func (l *Ledger) SetBalance(agentID string, credits int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[agentID] = credits
}

// SetLastRefillDay restores the refill marker. Boot recovery only; without
// it a restart would grant the allowance a second time on the same UTC day.
func (l *Ledger) SetLastRefillDay(agentID, day string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if day != "" {
		l.lastRefill[agentID] = day
	}
}

// Credit grants credits to an agent.
func (l *Ledger) Credit(agentID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[agentID] += amount
}

// Debit removes credits, failing without mutation when the balance is
// short.
func (l *Ledger) Debit(agentID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[agentID] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, l.balances[agentID], amount)
	}
	l.balances[agentID] -= amount
	return nil
}

// Transfer moves credits between two distinct, existing agents.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount < 1 {
		return fmt.Errorf("%w: amount must be >= 1", ErrBadTransfer)
	}
	if from == to {
		return fmt.Errorf("%w: sender and recipient are the same", ErrBadTransfer)
	}
	if _, ok := l.balances[to]; !ok {
		return fmt.Errorf("%w: recipient %s", ErrUnknownAgent, to)
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// MaybeRefill grants the daily allowance if the agent has not yet received
// it for the current UTC day. Returns the amount granted (0 when already
// refilled today).
func (l *Ledger) MaybeRefill(agentID string, now time.Time, guild bool) int64 {
	day := UTCDay(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastRefill[agentID] == day {
		return 0
	}
	l.lastRefill[agentID] = day

	amount := l.policy.SoloDaily
	if guild {
		amount = l.policy.GuildDaily
	}
	l.balances[agentID] += amount
	return amount
}

// RewardDirectiveVoters pays each voter once for a completed directive.
// Idempotent per directive id: a repeat call grants nothing.
func (l *Ledger) RewardDirectiveVoters(directiveID string, voters []string, amount int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rewarded[directiveID] {
		return 0
	}
	l.rewarded[directiveID] = true

	for _, v := range voters {
		l.balances[v] += amount
	}
	return len(voters)
}

// Balances returns a copy of every balance, for persistence snapshots.
func (l *Ledger) Balances() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.balances))
	for id, b := range l.balances {
		out[id] = b
	}
	return out
}
