package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

var key = ledger.PartitionKey{Item: "WIDGET", Warehouse: "Main"}

func entryAt(day, hour int, qty string) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		PartitionKey: key,
		PostingDate:  ledger.Date(2025, time.January, day),
		PostingTime:  ledger.Clock(hour, 0, 0),
		ActualQty:    decimal.RequireFromString(qty),
		Voucher:      ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"},
	}
}

func TestMemory_AppendKeepsTimelineOrder(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	late, err := mem.Append(ctx, entryAt(3, 9, "1"))
	require.NoError(t, err)
	early, err := mem.Append(ctx, entryAt(1, 9, "1"))
	require.NoError(t, err)
	tie, err := mem.Append(ctx, entryAt(3, 9, "1"))
	require.NoError(t, err)

	assert.Greater(t, early, late)
	assert.Greater(t, tie, early)

	entries, err := mem.ListPartition(ctx, key)
	require.NoError(t, err)
	ids := []ledger.EntryID{entries[0].ID, entries[1].ID, entries[2].ID}
	assert.Equal(t, []ledger.EntryID{early, late, tie}, ids)
}

func TestMemory_GetUpdateRemove(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	id, err := mem.Append(ctx, entryAt(1, 9, "5"))
	require.NoError(t, err)

	fields := ledger.ComputedFields{QtyAfterTransaction: decimal.NewFromInt(5)}
	require.NoError(t, mem.UpdateComputedFields(ctx, id, fields))

	got, err := mem.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.ComputedFields.Equal(fields))

	require.NoError(t, mem.Remove(ctx, id))
	_, err = mem.Get(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, mem.Remove(ctx, id), ledger.ErrNotFound)
	assert.ErrorIs(t, mem.UpdateComputedFields(ctx, id, fields), ledger.ErrNotFound)

	keys, err := mem.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemory_ListRangeIsInclusive(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for day := 1; day <= 5; day++ {
		_, err := mem.Append(ctx, entryAt(day, 9, "1"))
		require.NoError(t, err)
	}

	entries, err := mem.ListRange(ctx, key, ledger.Date(2025, time.January, 2), ledger.Date(2025, time.January, 4))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.Date(2025, time.January, 2), entries[0].PostingDate)
	assert.Equal(t, ledger.Date(2025, time.January, 4), entries[2].PostingDate)
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ref := ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"}
	boom := errors.New("boom")

	err := mem.WithTx(ctx, func(tx ledger.Tx) error {
		id, err := tx.Append(ctx, entryAt(1, 9, "1"))
		if err != nil {
			return err
		}
		if err := tx.RecordEntries(ctx, ref, []ledger.EntryID{id}); err != nil {
			return err
		}

		// visible inside the transaction only
		inside, _ := tx.ListPartition(ctx, key)
		outside, _ := mem.ListPartition(ctx, key)
		assert.Len(t, inside, 1)
		assert.Empty(t, outside)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := mem.ListPartition(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)
	ids, err := mem.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemory_ConcurrentCommitConflicts(t *testing.T) {
	// GIVEN: a transaction that read the partition
	// WHEN: another writer commits to it first
	// THEN: the first transaction fails with a reconciliation conflict
	ctx := context.Background()
	mem := store.NewMemory()

	err := mem.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.ListPartition(ctx, key); err != nil {
			return err
		}
		if _, err := mem.Append(ctx, entryAt(2, 9, "1")); err != nil {
			return err
		}
		_, err := tx.Append(ctx, entryAt(1, 9, "1"))
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConcurrentReconciliationConflict)
	assert.True(t, ledger.IsRetryable(err))

	entries, err := mem.ListPartition(ctx, key)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_VoucherIndex(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ref := ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"}

	ids, err := mem.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	require.NoError(t, mem.RecordEntries(ctx, ref, []ledger.EntryID{3, 1}))
	require.NoError(t, mem.RecordEntries(ctx, ref, []ledger.EntryID{7}))
	ids, err = mem.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{3, 1, 7}, ids)

	require.NoError(t, mem.RemoveVoucher(ctx, ref))
	ids, err = mem.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemory_AppendRejectsInvalidKey(t *testing.T) {
	mem := store.NewMemory()
	e := entryAt(1, 9, "1")
	e.Warehouse = ""

	_, err := mem.Append(context.Background(), e)
	assert.ErrorIs(t, err, ledger.ErrInvalidKey)
}

func TestMemory_ResetClearsDataAndConflictsInFlight(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ref := ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"}

	id, err := mem.Append(ctx, entryAt(1, 9, "1"))
	require.NoError(t, err)
	require.NoError(t, mem.RecordEntries(ctx, ref, []ledger.EntryID{id}))

	err = mem.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.ListPartition(ctx, key); err != nil {
			return err
		}
		require.NoError(t, mem.Reset(ctx))
		_, err := tx.Append(ctx, entryAt(2, 9, "1"))
		return err
	})
	assert.True(t, ledger.IsRetryable(err))

	entries, err := mem.ListPartition(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ids, err := mem.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, ids)

	keys, err := mem.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = mem.Get(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
