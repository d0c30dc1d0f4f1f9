// Package auth verifies entry requests and issues session tokens. An
// identity binds an agent id to its owner wallet; every action request
// is rebound against the stored agent, so a stolen token cannot drive
// someone else's agent.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrTokenMismatch = errors.New("token does not match agent")
	ErrFeeRequired   = errors.New("entry fee required")
	ErrFeeInvalid    = errors.New("entry fee payment invalid")
	ErrStale         = errors.New("signature timestamp too old")
)

// maxSignatureAge bounds replay of a captured entry request.
const maxSignatureAge = 5 * time.Minute

// Identity is a verified (agent, wallet) binding. The wallet is stored
// lowercase: clients sign with the checksummed mixed-case form, and every
// later comparison against stored owner ids must see one canonical form.
type Identity struct {
	AgentID     string `json:"agentId"`
	OwnerWallet string `json:"ownerWallet"`
}

// EntryRequest is one attempt to enter the world.
type EntryRequest struct {
	WalletAddress  string    `json:"walletAddress"`
	Signature      string    `json:"signature"`
	Timestamp      time.Time `json:"timestamp"`
	OnChainAgentID string    `json:"onChainAgentId"`
	FeeTxHash      string    `json:"feeTxHash,omitempty"`
}

// Verifier checks an entry request and returns the verified identity.
type Verifier interface {
	VerifyEntry(req EntryRequest) (Identity, error)
}

// FeeStore is the persistence slice the verifier needs for one-time
// entry fees. Satisfied by *persistence.DB.
type FeeStore interface {
	IsEntryFeePaid(agentID string) (bool, error)
	MarkEntryFeePaid(agentID string) error
	IsTxHashUsed(txHash string) (bool, error)
	RecordUsedTxHash(txHash string, at time.Time) error
}

// HMACVerifier authenticates entries signed with a shared secret. It
// stands in for the on-chain signature recovery the hosted deployment
// uses; the freshness, fee, and replay rules are identical.
type HMACVerifier struct {
	Secret []byte
	Fees   FeeStore
	Now    func() time.Time
}

// SignEntry computes the expected signature for an entry request.
// Exported so clients and tests produce matching signatures.
func SignEntry(secret []byte, wallet, agentID string, ts time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d", wallet, agentID, ts.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEntry checks freshness, the signature, and the one-time entry
// fee. A fee transaction hash is single-use forever.
func (v *HMACVerifier) VerifyEntry(req EntryRequest) (Identity, error) {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	if req.WalletAddress == "" || req.OnChainAgentID == "" {
		return Identity{}, fmt.Errorf("%w: missing wallet or agent id", ErrUnauthorized)
	}
	age := now.Sub(req.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > maxSignatureAge {
		return Identity{}, fmt.Errorf("%w: signed %s ago", ErrStale, age.Round(time.Second))
	}

	want := SignEntry(v.Secret, req.WalletAddress, req.OnChainAgentID, req.Timestamp)
	if !hmac.Equal([]byte(want), []byte(req.Signature)) {
		return Identity{}, fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}

	paid, err := v.Fees.IsEntryFeePaid(req.OnChainAgentID)
	if err != nil {
		return Identity{}, err
	}
	if !paid {
		if req.FeeTxHash == "" {
			return Identity{}, ErrFeeRequired
		}
		used, err := v.Fees.IsTxHashUsed(req.FeeTxHash)
		if err != nil {
			return Identity{}, err
		}
		if used {
			return Identity{}, fmt.Errorf("%w: tx hash already spent", ErrFeeInvalid)
		}
		if err := v.Fees.RecordUsedTxHash(req.FeeTxHash, now); err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrFeeInvalid, err)
		}
		if err := v.Fees.MarkEntryFeePaid(req.OnChainAgentID); err != nil {
			return Identity{}, err
		}
	}

	return Identity{AgentID: req.OnChainAgentID, OwnerWallet: strings.ToLower(req.WalletAddress)}, nil
}

// TokenStore maps opaque session tokens to verified identities.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewTokenStore creates an empty token table.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]Identity)}
}

// Issue mints a session token for a verified identity.
func (s *TokenStore) Issue(id Identity) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = id
	s.mu.Unlock()
	return token
}

// Resolve looks a token up.
func (s *TokenStore) Resolve(token string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	return id, ok
}

// Rebind confirms the token's identity still matches the stored agent's
// owner. A mismatch forces re-authentication.
func (s *TokenStore) Rebind(token, agentID, ownerWallet string) error {
	id, ok := s.Resolve(token)
	if !ok {
		return ErrUnauthorized
	}
	if id.AgentID != agentID || id.OwnerWallet != ownerWallet {
		return ErrTokenMismatch
	}
	return nil
}

// Revoke drops a token.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}
