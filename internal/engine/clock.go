// Package engine provides the fixed-rate simulation clock: tick
// advancement, movement interpolation, presence sweeps, and periodic
// persistence checkpoints.
package engine

import (
	"log/slog"
	"time"

	"github.com/milomadeit/gridworld/internal/world"
)

// Cadences relative to the tick counter.
const (
	PresenceEvery   = 30  // ticks between idle-agent sweeps
	CheckpointEvery = 60  // ticks between persistence checkpoints
	RefillEvery     = 600 // ticks between daily-refill scans
)

// Clock drives the world forward at a fixed rate (1 tick per second at
// speed 1). Movement interpolation happens here and nowhere else.
type Clock struct {
	store       *world.Store
	Interval    time.Duration
	IdleHorizon time.Duration

	// Callbacks populated during setup. All run on the clock goroutine.
	OnPresence   func(swept []string) // after a sweep that marked agents offline
	OnCheckpoint func(tick uint64)    // periodic durable snapshot
	OnRefill     func()               // daily credit refill scan

	stop chan struct{}
	done chan struct{}
}

// NewClock creates a clock over the world store with default cadence.
func NewClock(store *world.Store) *Clock {
	return &Clock{
		store:       store,
		Interval:    time.Second,
		IdleHorizon: 5 * time.Minute,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run starts the loop. Blocks until Stop is called.
func (c *Clock) Run() {
	defer close(c.done)
	slog.Info("simulation clock started", "tick", c.store.CurrentTick(), "interval", c.Interval)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			slog.Info("simulation clock stopped", "tick", c.store.CurrentTick())
			return
		case <-ticker.C:
			c.step()
		}
	}
}

// Stop halts the loop and waits for the current step to finish.
func (c *Clock) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Clock) step() {
	tick := c.store.AdvanceTick()
	c.store.Interpolate()

	if tick%PresenceEvery == 0 {
		swept := c.store.SweepIdle(time.Now(), c.IdleHorizon)
		if len(swept) > 0 {
			slog.Info("swept idle agents", "count", len(swept))
			if c.OnPresence != nil {
				c.OnPresence(swept)
			}
		}
	}

	if tick%CheckpointEvery == 0 && c.OnCheckpoint != nil {
		c.OnCheckpoint(tick)
	}

	if tick%RefillEvery == 0 && c.OnRefill != nil {
		c.OnRefill()
	}
}
