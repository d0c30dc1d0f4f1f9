package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleWindowReset(t *testing.T) {
	now := time.Now()
	th := &Throttles{buckets: map[string]*bucket{}, now: func() time.Time { return now }}

	for i := 0; i < 12; i++ {
		ok, _ := th.Allow(ClassPrimitive, "a1")
		assert.True(t, ok, "request %d within budget", i)
	}
	ok, retry := th.Allow(ClassPrimitive, "a1")
	assert.False(t, ok)
	assert.Greater(t, retry, int64(0))
	assert.LessOrEqual(t, retry, int64(10_001))

	// The window expires and the budget refills.
	now = now.Add(10 * time.Second)
	ok, _ = th.Allow(ClassPrimitive, "a1")
	assert.True(t, ok)
}

func TestThrottleClassesIndependent(t *testing.T) {
	now := time.Now()
	th := &Throttles{buckets: map[string]*bucket{}, now: func() time.Time { return now }}

	ok, _ := th.Allow(ClassBlueprintStart, "a1")
	assert.True(t, ok)
	ok, _ = th.Allow(ClassBlueprintStart, "a1")
	assert.True(t, ok)
	ok, _ = th.Allow(ClassBlueprintStart, "a1")
	assert.False(t, ok, "start budget is 2 per 20s")

	// Exhausting starts leaves continues untouched.
	ok, _ = th.Allow(ClassBlueprintContinue, "a1")
	assert.True(t, ok)
}
