/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver errors into these sentinels at their boundary,
  the HTTP layer maps them back to status codes.

ERROR CATEGORIES:
  1. Client errors - InvalidMovement, InvalidKey, DuplicateVoucher, NegativeStock
  2. Lookup errors - NotFound
  3. Contention errors - LockTimeout, ConcurrentReconciliationConflict

RETRIES:
  Only ErrConcurrentReconciliationConflict is retried, and only by the
  Engine (bounded, with backoff). Everything else surfaces to the caller.

SEE ALSO:
  - engine.go: Retry loop
  - reconciler.go: Raises NegativeStockError
  - api/handlers.go: Status code mapping
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidMovement is returned when the quantity sign contradicts the
	// voucher direction, the quantity is zero, or an inbound movement has no rate.
	ErrInvalidMovement = errors.New("invalid movement")

	// ErrInvalidKey is returned for a malformed partition key.
	ErrInvalidKey = errors.New("invalid partition key")

	// ErrNegativeStock is returned when a mutation would drive the running
	// quantity below zero where the partition policy forbids it.
	ErrNegativeStock = errors.New("negative stock violation")

	// ErrNotFound is returned for an unknown entry, voucher or partition.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateVoucher is returned when posting a voucher that already has entries.
	ErrDuplicateVoucher = errors.New("voucher already posted")

	// ErrLockTimeout is returned when a partition lock could not be acquired
	// before the caller's deadline.
	ErrLockTimeout = errors.New("partition lock timeout")

	// ErrConcurrentReconciliationConflict is returned when two mutations raced
	// on the same partition at commit time.
	ErrConcurrentReconciliationConflict = errors.New("concurrent reconciliation conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NegativeStockError reports where a timeline first went negative.
type NegativeStockError struct {
	Key      PartitionKey
	EntryID  EntryID // zero for an entry not yet persisted
	PostedAt string
	QtyAfter decimal.Decimal
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("negative stock violation: %s would reach %s at %s (entry %d)",
		e.Key, e.QtyAfter, e.PostedAt, e.EntryID)
}

func (e *NegativeStockError) Unwrap() error {
	return ErrNegativeStock
}

// MovementError explains why a movement was rejected.
type MovementError struct {
	Line   int // index in the voucher, -1 when not applicable
	Reason string
}

func (e *MovementError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("invalid movement on line %d: %s", e.Line, e.Reason)
	}
	return "invalid movement: " + e.Reason
}

func (e *MovementError) Unwrap() error {
	return ErrInvalidMovement
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentReconciliationConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMovement) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrNegativeStock) ||
		errors.Is(err, ErrDuplicateVoucher)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
