package economy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebitNonNegative(t *testing.T) {
	l := NewLedger(DefaultRefillPolicy())
	l.SetBalance("a1", 3)

	require.NoError(t, l.Debit("a1", 2))
	assert.EqualValues(t, 1, l.Balance("a1"))

	err := l.Debit("a1", 5)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.EqualValues(t, 1, l.Balance("a1"), "failed debit must not mutate")
}

func TestTransferValidation(t *testing.T) {
	l := NewLedger(DefaultRefillPolicy())
	l.SetBalance("a1", 10)
	l.SetBalance("a2", 0)

	assert.ErrorIs(t, l.Transfer("a1", "a2", 0), ErrBadTransfer)
	assert.ErrorIs(t, l.Transfer("a1", "a1", 5), ErrBadTransfer)
	assert.ErrorIs(t, l.Transfer("a1", "ghost", 5), ErrUnknownAgent)
	assert.ErrorIs(t, l.Transfer("a1", "a2", 11), ErrInsufficientCredits)

	require.NoError(t, l.Transfer("a1", "a2", 4))
	assert.EqualValues(t, 6, l.Balance("a1"))
	assert.EqualValues(t, 4, l.Balance("a2"))
}

func TestDailyRefillOncePerUTCDay(t *testing.T) {
	l := NewLedger(DefaultRefillPolicy())

	noon := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	assert.EqualValues(t, 500, l.MaybeRefill("a1", noon, false))
	assert.EqualValues(t, 0, l.MaybeRefill("a1", noon.Add(time.Hour), false))

	// Next UTC day: another grant.
	assert.EqualValues(t, 500, l.MaybeRefill("a1", noon.Add(24*time.Hour), false))
	assert.EqualValues(t, 1000, l.Balance("a1"))

	// Guild tier.
	assert.EqualValues(t, 750, l.MaybeRefill("g1", noon, true))
}

func TestRefillMarkerSurvivesRestart(t *testing.T) {
	l := NewLedger(DefaultRefillPolicy())
	noon := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.EqualValues(t, 500, l.MaybeRefill("a1", noon, false))

	// Restart: boot recovery reloads the balance and the refill marker.
	restarted := NewLedger(DefaultRefillPolicy())
	restarted.SetBalance("a1", l.Balance("a1"))
	restarted.SetLastRefillDay("a1", UTCDay(noon))

	assert.EqualValues(t, 0, restarted.MaybeRefill("a1", noon.Add(2*time.Hour), false),
		"same UTC day grants nothing after a restart")
	assert.EqualValues(t, 500, restarted.MaybeRefill("a1", noon.Add(24*time.Hour), false))
	assert.EqualValues(t, 1000, restarted.Balance("a1"))
}

func TestRewardDirectiveVotersIdempotent(t *testing.T) {
	l := NewLedger(DefaultRefillPolicy())
	voters := []string{"a1", "a2", "a3"}

	paid := l.RewardDirectiveVoters("d-7", voters, 25)
	assert.Equal(t, 3, paid)
	assert.EqualValues(t, 25, l.Balance("a2"))

	paid = l.RewardDirectiveVoters("d-7", voters, 25)
	assert.Equal(t, 0, paid, "repeat completion pays nothing")
	assert.EqualValues(t, 25, l.Balance("a2"))
}

func TestCreditConservationUnderTransfers(t *testing.T) {
	l := NewLedger(DefaultRefillPolicy())
	l.SetBalance("a1", 100)
	l.SetBalance("a2", 50)

	require.NoError(t, l.Transfer("a1", "a2", 30))
	require.NoError(t, l.Transfer("a2", "a1", 10))
	require.NoError(t, l.Debit("a1", 5)) // five placements

	total := int64(0)
	for _, b := range l.Balances() {
		total += b
	}
	assert.EqualValues(t, 145, total, "credits + 5 placed primitives == 150 starting")
}
