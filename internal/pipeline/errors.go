package pipeline

import (
	"errors"
	"fmt"

	"github.com/milomadeit/gridworld/internal/economy"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/persistence"
)

// Machine tags carried on every action failure. These are wire-stable:
// clients branch on them, so renaming one is a breaking change.
const (
	TagUnauthorized  = "auth/unauthorized"
	TagTokenMismatch = "auth/token-mismatch"
	TagFeeRequired   = "auth/fee-required"
	TagFeeInvalid    = "auth/fee-invalid"

	TagInvalidBody   = "validation/invalid-body"
	TagInvalidShape  = "validation/invalid-shape"
	TagInvalidCoords = "validation/invalid-coords"

	TagOutOfRange        = "build/out-of-range"
	TagOriginExcluded    = "build/origin-excluded"
	TagSettlementTooFar  = "build/settlement-too-far"
	TagExpansionGate     = "build/expansion-gate-active"
	TagFloating          = "build/floating"
	TagOverlap           = "build/overlap"
	TagMultiDisconnected = "build/multi-disconnected"
	TagPartialPlacement  = "build/partial-placement"

	TagInsufficientCredits = "credits/insufficient"

	TagBlueprintNotFound    = "blueprint/not-found"
	TagBlueprintActive      = "blueprint/already-active"
	TagBlueprintNotActive   = "blueprint/not-active"
	TagAnchorTooFar         = "blueprint/anchor-too-far"
	TagAnchorOutOfRange     = "blueprint/anchor-out-of-range"
	TagFootprintOverlap     = "blueprint/footprint-overlap"

	TagRateLimited = "throttle/rate-limited"
	TagPersistence = "persistence/unavailable"
	TagConflict    = "concurrency/conflict"
)

// Error is a typed action failure: a stable tag for machines, a reason
// for humans, and optional remediation detail.
type Error struct {
	Tag          string  `json:"error"`
	Reason       string  `json:"reason"`
	RetryAfterMs int64   `json:"retryAfterMs,omitempty"`
	CorrectedY   float64 `json:"correctedY,omitempty"`
	Corrected    bool    `json:"-"`
	Detail       any     `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Tag, e.Reason)
}

// Retriable reports whether the client may simply retry the same request.
func (e *Error) Retriable() bool {
	return e.Tag == TagPersistence || e.Tag == TagConflict || e.Tag == TagRateLimited
}

func errf(tag, format string, args ...any) *Error {
	return &Error{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}

// fromValidation maps geom sentinel failures and collaborator errors onto
// tags. Unknown errors become conflicts: a pre-check passed and the
// commit still failed, which means something moved underneath us.
func fromValidation(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, geom.ErrOutOfRange):
		return errf(TagOutOfRange, "%v", err)
	case errors.Is(err, geom.ErrOriginExcluded):
		return errf(TagOriginExcluded, "%v", err)
	case errors.Is(err, geom.ErrSettlementTooFar):
		return errf(TagSettlementTooFar, "%v", err)
	case errors.Is(err, geom.ErrExpansionGate):
		return errf(TagExpansionGate, "%v", err)
	case errors.Is(err, geom.ErrFloating):
		return errf(TagFloating, "%v", err)
	case errors.Is(err, geom.ErrOverlap):
		return errf(TagOverlap, "%v", err)
	case errors.Is(err, geom.ErrInvalidCoords):
		return errf(TagInvalidCoords, "%v", err)
	case errors.Is(err, economy.ErrInsufficientCredits):
		return errf(TagInsufficientCredits, "%v", err)
	case errors.Is(err, persistence.ErrUnavailable):
		return errf(TagPersistence, "%v", err)
	default:
		return errf(TagConflict, "%v", err)
	}
}
