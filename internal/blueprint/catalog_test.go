package blueprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	bp, err := Lookup("bridge")
	require.NoError(t, err)
	assert.Equal(t, "BRIDGE", bp.Name)

	_, err = Lookup("CATHEDRAL")
	assert.Error(t, err)
}

func TestBridgePieceCount(t *testing.T) {
	bp, err := Lookup("BRIDGE")
	require.NoError(t, err)
	assert.Equal(t, 11, bp.TotalPieces())
}

func TestResolveTranslatesXZOnly(t *testing.T) {
	bp, err := Lookup("WATCHTOWER")
	require.NoError(t, err)

	r := bp.Resolve(120, -40)
	require.Equal(t, bp.TotalPieces(), len(r.Pieces))

	// Anchor-relative offsets shift X and Z; Y stays the recipe's resting
	// height.
	base := r.Pieces[0]
	assert.InDelta(t, 120, base.Position.X, 1e-9)
	assert.InDelta(t, -40, base.Position.Z, 1e-9)
	assert.InDelta(t, 0.5, base.Position.Y, 1e-9)
}

func TestResolveFootprintCoversAllPieces(t *testing.T) {
	bp, err := Lookup("BRIDGE")
	require.NoError(t, err)

	r := bp.Resolve(0, 0)
	// Footings sit at x = ±12 with scale.x = 2.
	assert.InDelta(t, -13, r.Footprint.MinX, 1e-9)
	assert.InDelta(t, 13, r.Footprint.MaxX, 1e-9)

	phases := map[string]int{}
	for _, ph := range r.Phases {
		phases[ph.Name] = ph.Count
	}
	assert.Equal(t, map[string]int{"footings": 2, "deck": 5, "railings": 4}, phases)
}

func TestNamesStable(t *testing.T) {
	assert.Equal(t, []string{"BRIDGE", "WATCHTOWER", "COTTAGE", "PLAZA"}, Names())
}
