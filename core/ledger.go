package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NegativePolicy decides what happens when an append would end below zero.
type NegativePolicy string

const (
	PolicyReject       NegativePolicy = "reject"
	PolicyAllowFlagged NegativePolicy = "allow_flagged"
)

// Valid reports whether p is a known policy.
func (p NegativePolicy) Valid() bool {
	return p == PolicyReject || p == PolicyAllowFlagged
}

// DeltaScale is the number of decimal places every store keeps for amounts.
const DeltaScale = 8

// ValidateDelta rejects zero deltas and deltas finer than DeltaScale places,
// which SQL stores would round and memory or Redis stores would keep.
func ValidateDelta(d decimal.Decimal) error {
	if d.IsZero() {
		return fmt.Errorf("%w: must be non-zero", ErrInvalidDelta)
	}
	if !d.Truncate(DeltaScale).Equal(d) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidDelta, d, DeltaScale)
	}
	return nil
}

// AppendRequest is a ledger write as handed to a store. Stores call Replay when
// an entry with the same key exists and Next otherwise, both while holding the
// per-user lock (or transaction) that makes the append atomic.
type AppendRequest struct {
	Key     LedgerKey
	Delta   decimal.Decimal
	Policy  NegativePolicy
	EntryID string
	At      time.Time
}

// Replay resolves a retried append against the entry already stored for its key.
func (r AppendRequest) Replay(existing LedgerEntry) (LedgerEntry, error) {
	if !existing.Delta.Equal(r.Delta) {
		return existing, fmt.Errorf("%w: key %s stored delta %s, got %s",
			ErrIdempotencyConflict, r.Key, existing.Delta, r.Delta)
	}
	return existing, nil
}

// Next builds the entry that follows a previous balance. The balance is always
// computed here; callers never supply it.
func (r AppendRequest) Next(prevBalance decimal.Decimal, seq int64) (LedgerEntry, error) {
	next := prevBalance.Add(r.Delta)
	flagged := false
	if next.IsNegative() {
		if r.Policy != PolicyAllowFlagged {
			return LedgerEntry{}, fmt.Errorf("%w: balance %s, delta %s", ErrNegativeBalance, prevBalance, r.Delta)
		}
		flagged = true
	}
	return LedgerEntry{
		ID:           r.EntryID,
		Seq:          seq,
		UserID:       r.Key.UserID,
		Delta:        r.Delta,
		SourceType:   r.Key.SourceType,
		ReasonCode:   r.Key.ReasonCode,
		SourceID:     r.Key.SourceID,
		BalanceAfter: next,
		Flagged:      flagged,
		CreatedAt:    r.At,
	}, nil
}

// VerifyChain checks the running-sum invariant over entries ordered by Seq and
// returns the summed balance.
func VerifyChain(entries []LedgerEntry) (decimal.Decimal, error) {
	sum := decimal.Zero
	for i, e := range entries {
		sum = sum.Add(e.Delta)
		if !e.BalanceAfter.Equal(sum) {
			return sum, fmt.Errorf("entry %d (%s): balance_after %s, running sum %s", i, e.ID, e.BalanceAfter, sum)
		}
	}
	return sum, nil
}
