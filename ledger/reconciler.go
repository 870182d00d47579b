/*
reconciler.go - Timeline replay after out-of-order mutations

PURPOSE:
  When an entry is inserted, amended or removed anywhere but the end of a
  partition, every later entry's running fields are stale. The Reconciler
  folds the Calculator left-to-right from the state just before the change
  and rewrites the entries whose computed fields differ.

COST:
  Proportional to the tail length after the change point. Postings near
  "now" touch one entry; a deep backdated posting touches the whole tail.

ATOMICITY:
  The Reconciler writes through the Tx it is handed. It never commits.
  Any error (including NegativeStockError) is returned before the caller
  commits, so the enclosing WithTx rolls back and the partition keeps its
  previous state.

NEGATIVE STOCK:
  The partition policy is checked at every step of the fold. The first
  entry whose QtyAfterTransaction would be negative under a forbidding
  policy aborts the whole replay. Unvalued negative stock is priced with
  the fallback rate stamped on the entry when it was posted.

EXAMPLE:
  t1: +10 @ 5   -> qty 10, rate 5
  t3: -4        -> qty 6,  rate 5
  insert t2: +10 @ 7 at position 1
  ReconcileFrom(position=1) rewrites:
  t2 -> qty 20, rate 6
  t3 -> qty 16, rate 6

SEE ALSO:
  - valuation.go: The step function
  - engine.go: Decides the position and owns the transaction
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Calc     Calculator
	Policies *PolicySet
}

// ReconcileFrom recomputes entries [position, end) of the partition and
// returns how many entries were rewritten.
func (r *Reconciler) ReconcileFrom(ctx context.Context, tx Store, key PartitionKey, position int) (int, error) {
	entries, err := tx.ListPartition(ctx, key)
	if err != nil {
		return 0, err
	}
	return r.reconcileEntries(ctx, tx, key, entries, position)
}

func (r *Reconciler) reconcileEntries(ctx context.Context, tx Store, key PartitionKey, entries []LedgerEntry, position int) (int, error) {
	if position < 0 || position > len(entries) {
		return 0, fmt.Errorf("reconcile %s: position %d out of range [0, %d]", key, position, len(entries))
	}

	policy := r.Policies.For(key)
	calc := r.replayCalc()

	prior := StateBefore(entries, position)
	rewritten := 0
	for _, e := range entries[position:] {
		next, err := calc.Apply(prior, e.Movement())
		if err != nil {
			return 0, fmt.Errorf("reconcile %s entry %d: %w", key, e.ID, err)
		}
		if next.Qty.IsNegative() && !policy.AllowNegative {
			return 0, &NegativeStockError{
				Key:      key,
				EntryID:  e.ID,
				PostedAt: e.PostedAt().Format(time.RFC3339Nano),
				QtyAfter: next.Qty,
			}
		}

		fields := Computed(prior, next)
		if !fields.Equal(e.ComputedFields) {
			if err := tx.UpdateComputedFields(ctx, e.ID, fields); err != nil {
				return 0, err
			}
			rewritten++
		}
		prior = next
	}
	return rewritten, nil
}

// replayCalc values history with the fallback rate recorded on each entry,
// never the live policy, so a policy change only prices later postings.
func (r *Reconciler) replayCalc() Calculator {
	return r.Calc.WithFallback(decimal.NullDecimal{})
}

// Drift replays a whole partition without writing and returns the IDs of
// entries whose stored computed fields disagree with the replay.
func (r *Reconciler) Drift(key PartitionKey, entries []LedgerEntry) ([]EntryID, error) {
	calc := r.replayCalc()

	var drifted []EntryID
	prior := State{}
	for _, e := range entries {
		next, err := calc.Apply(prior, e.Movement())
		if err != nil {
			return nil, fmt.Errorf("replay %s entry %d: %w", key, e.ID, err)
		}
		if !Computed(prior, next).Equal(e.ComputedFields) {
			drifted = append(drifted, e.ID)
		}
		prior = next
	}
	return drifted, nil
}

// =============================================================================
// TIMELINE HELPERS
// =============================================================================

// StateBefore returns the running state just before position.
func StateBefore(entries []LedgerEntry, position int) State {
	if position <= 0 || len(entries) == 0 {
		return State{}
	}
	return entries[position-1].State()
}

// InsertPosition returns where an entry posted at t lands. A new entry gets
// the highest ID, so it sorts after existing entries with the same timestamp.
func InsertPosition(entries []LedgerEntry, t time.Time) int {
	return sort.Search(len(entries), func(i int) bool { return entries[i].PostedAt().After(t) })
}

// StateAt returns the state after the last entry posted at or before t.
func StateAt(entries []LedgerEntry, t time.Time) State {
	return StateBefore(entries, InsertPosition(entries, t))
}

// PositionOf returns the index of id in entries, or -1.
func PositionOf(entries []LedgerEntry, id EntryID) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
