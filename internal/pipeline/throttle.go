package pipeline

import (
	"sync"
	"time"
)

// Action classes with independent throttle budgets.
type ActionClass string

const (
	ClassPrimitive         ActionClass = "primitive"
	ClassBlueprintStart    ActionClass = "blueprint_start"
	ClassBlueprintContinue ActionClass = "blueprint_continue"
)

type throttlePolicy struct {
	limit  int
	window time.Duration
}

var throttlePolicies = map[ActionClass]throttlePolicy{
	ClassPrimitive:         {limit: 12, window: 10 * time.Second},
	ClassBlueprintStart:    {limit: 2, window: 20 * time.Second},
	ClassBlueprintContinue: {limit: 6, window: 30 * time.Second},
}

// Throttles tracks per-(class, agent) token buckets with fixed windows.
// An agent exhausting one class never affects another class or agent.
type Throttles struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens    int
	lastReset time.Time
	window    time.Duration
}

// NewThrottles creates the throttle table and starts a cleanup loop that
// drops stale buckets.
func NewThrottles() *Throttles {
	t := &Throttles{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	go func() {
		for {
			time.Sleep(10 * time.Minute)
			t.cleanup()
		}
	}()
	return t
}

// Allow consumes one token for the agent in the given class. When refused
// it returns the wait in milliseconds until the window resets.
func (t *Throttles) Allow(class ActionClass, agentID string) (ok bool, retryAfterMs int64) {
	pol := throttlePolicies[class]
	key := string(class) + "|" + agentID

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, exists := t.buckets[key]
	if !exists || now.Sub(b.lastReset) >= pol.window {
		t.buckets[key] = &bucket{tokens: pol.limit - 1, lastReset: now, window: pol.window}
		return true, 0
	}
	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	remaining := pol.window - now.Sub(b.lastReset)
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining.Milliseconds() + 1
}

func (t *Throttles) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, b := range t.buckets {
		if now.Sub(b.lastReset) > 2*b.window {
			delete(t.buckets, key)
		}
	}
}
