package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFees struct {
	paid map[string]bool
	used map[string]bool
}

func newFakeFees() *fakeFees {
	return &fakeFees{paid: map[string]bool{}, used: map[string]bool{}}
}

func (f *fakeFees) IsEntryFeePaid(agentID string) (bool, error) { return f.paid[agentID], nil }
func (f *fakeFees) MarkEntryFeePaid(agentID string) error       { f.paid[agentID] = true; return nil }
func (f *fakeFees) IsTxHashUsed(h string) (bool, error)         { return f.used[h], nil }
func (f *fakeFees) RecordUsedTxHash(h string, _ time.Time) error {
	f.used[h] = true
	return nil
}

func newVerifier(fees FeeStore, now time.Time) *HMACVerifier {
	return &HMACVerifier{
		Secret: []byte("test-secret"),
		Fees:   fees,
		Now:    func() time.Time { return now },
	}
}

func signedRequest(ts time.Time) EntryRequest {
	return EntryRequest{
		WalletAddress:  "0xwallet",
		OnChainAgentID: "agent-1",
		Timestamp:      ts,
		Signature:      SignEntry([]byte("test-secret"), "0xwallet", "agent-1", ts),
		FeeTxHash:      "0xfee",
	}
}

func TestVerifyEntryHappyPath(t *testing.T) {
	now := time.Now()
	fees := newFakeFees()
	v := newVerifier(fees, now)

	id, err := v.VerifyEntry(signedRequest(now))
	require.NoError(t, err)
	assert.Equal(t, Identity{AgentID: "agent-1", OwnerWallet: "0xwallet"}, id)
	assert.True(t, fees.paid["agent-1"], "fee marked paid")
	assert.True(t, fees.used["0xfee"], "tx hash consumed")

	// Second entry: fee already paid, no tx hash needed.
	req := signedRequest(now)
	req.FeeTxHash = ""
	_, err = v.VerifyEntry(req)
	assert.NoError(t, err)
}

func TestVerifyEntryNormalizesWallet(t *testing.T) {
	now := time.Now()
	v := newVerifier(newFakeFees(), now)

	// Checksummed wallets arrive mixed-case; the signature covers the raw
	// form but the identity must come back canonical.
	req := EntryRequest{
		WalletAddress:  "0xAbCdEf123",
		OnChainAgentID: "agent-1",
		Timestamp:      now,
		Signature:      SignEntry([]byte("test-secret"), "0xAbCdEf123", "agent-1", now),
		FeeTxHash:      "0xfee",
	}
	id, err := v.VerifyEntry(req)
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef123", id.OwnerWallet)

	// The rebind comparison then sees one form on both sides.
	store := NewTokenStore()
	token := store.Issue(id)
	assert.NoError(t, store.Rebind(token, "agent-1", "0xabcdef123"))
}

func TestVerifyEntryStaleSignature(t *testing.T) {
	now := time.Now()
	v := newVerifier(newFakeFees(), now)

	_, err := v.VerifyEntry(signedRequest(now.Add(-6 * time.Minute)))
	assert.ErrorIs(t, err, ErrStale)
}

func TestVerifyEntryBadSignature(t *testing.T) {
	now := time.Now()
	v := newVerifier(newFakeFees(), now)

	req := signedRequest(now)
	req.Signature = "deadbeef"
	_, err := v.VerifyEntry(req)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyEntryFeeRules(t *testing.T) {
	now := time.Now()
	fees := newFakeFees()
	v := newVerifier(fees, now)

	// No fee paid and no tx hash: rejected.
	req := signedRequest(now)
	req.FeeTxHash = ""
	_, err := v.VerifyEntry(req)
	assert.ErrorIs(t, err, ErrFeeRequired)

	// A tx hash can only be spent once, even by its rightful owner.
	fees.used["0xfee"] = true
	_, err = v.VerifyEntry(signedRequest(now))
	assert.ErrorIs(t, err, ErrFeeInvalid)
}

func TestTokenRebind(t *testing.T) {
	store := NewTokenStore()
	token := store.Issue(Identity{AgentID: "agent-1", OwnerWallet: "0xwallet"})

	assert.NoError(t, store.Rebind(token, "agent-1", "0xwallet"))
	assert.ErrorIs(t, store.Rebind(token, "agent-2", "0xwallet"), ErrTokenMismatch)
	assert.ErrorIs(t, store.Rebind(token, "agent-1", "0xother"), ErrTokenMismatch)
	assert.ErrorIs(t, store.Rebind("missing", "agent-1", "0xwallet"), ErrUnauthorized)

	store.Revoke(token)
	assert.ErrorIs(t, store.Rebind(token, "agent-1", "0xwallet"), ErrUnauthorized)
}
