/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the interface between the engine and the database. A Store keeps
  entries ordered per partition; a TxStore runs a group of mutations
  atomically so readers never see a half-reconciled partition.

KEY INTERFACES:
  Store:        Entry persistence (append, list, get, update computed, remove)
  VoucherIndex: Voucher -> entries (voucher.go)
  Tx:           Store + VoucherIndex bound to one transaction
  TxStore:      Opens transactions, serves committed reads

ORDERING CONTRACT:
  ListPartition always returns entries sorted by
  (PostingDate, PostingTime, ID). Append assigns IDs from a monotonic
  sequence, so an entry appended later sorts after every existing entry
  with the same timestamp.

MUTABILITY:
  Unlike an append-only journal, entries here carry a computed cache.
  UpdateComputedFields is the only in-place write and only the
  Reconciler calls it. Remove is only reachable through cancellation.

ATOMICITY:
  WithTx runs fn inside one transaction. If fn returns an error nothing
  is applied. A store that detects a commit race with another writer
  returns ErrConcurrentReconciliationConflict and applies nothing.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, optimistic per-partition versions
  - store/sqlite/sqlite.go: SQLite (single writer)
  - store/postgres/postgres.go: PostgreSQL (row lock per partition)

SEE ALSO:
  - reconciler.go: The only caller of UpdateComputedFields
  - engine.go: Opens the transactions
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Entry persistence
// =============================================================================

type Store interface {
	// Append persists a new entry and returns its assigned ID.
	// The entry's ID field is ignored.
	Append(ctx context.Context, entry LedgerEntry) (EntryID, error)

	// ListPartition returns all entries of a partition in timeline order.
	ListPartition(ctx context.Context, key PartitionKey) ([]LedgerEntry, error)

	// ListRange returns entries whose posting date lies in [from, to].
	ListRange(ctx context.Context, key PartitionKey, from, to time.Time) ([]LedgerEntry, error)

	// Get returns one entry. ErrNotFound if unknown.
	Get(ctx context.Context, id EntryID) (LedgerEntry, error)

	// UpdateComputedFields rewrites the running fields of an entry in place.
	UpdateComputedFields(ctx context.Context, id EntryID, fields ComputedFields) error

	// Remove deletes an entry. ErrNotFound if unknown.
	Remove(ctx context.Context, id EntryID) error

	// Partitions lists every partition holding at least one entry.
	Partitions(ctx context.Context) ([]PartitionKey, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the view handed to a WithTx callback.
type Tx interface {
	Store
	VoucherIndex
}

// TxStore serves committed reads and runs atomic mutation groups.
type TxStore interface {
	Store
	VoucherIndex

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// =============================================================================
// HELPERS
// =============================================================================

// ValidateRange rejects reversed date ranges.
func ValidateRange(from, to time.Time) error {
	if to.Before(from) {
		return &MovementError{Line: -1, Reason: "range end before start"}
	}
	return nil
}
