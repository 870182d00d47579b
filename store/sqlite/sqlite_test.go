package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

var widgetMain = ledger.PartitionKey{Item: "WIDGET", Warehouse: "Main", BatchNo: "B-1"}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func movement(no string, day, hour int, qty, rate string) ledger.MovementRequest {
	vt := ledger.VoucherDeliveryNote
	req := ledger.MovementRequest{
		Key:         widgetMain,
		PostingDate: ledger.Date(2025, time.January, day),
		PostingTime: ledger.Clock(hour, 0, 0),
		ActualQty:   d(qty),
	}
	if rate != "" {
		vt = ledger.VoucherPurchaseReceipt
		req.IncomingRate = decimal.NewNullDecimal(d(rate))
	}
	req.Voucher = ledger.VoucherRef{Type: vt, No: no}
	return req
}

func TestStore_RoundTripPreservesDecimalsAndTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry := ledger.LedgerEntry{
		Name:         "SLE-1",
		PartitionKey: widgetMain,
		PostingDate:  ledger.Date(2025, time.January, 2),
		PostingTime:  ledger.Clock(13, 45, 7) + 123456*time.Microsecond,
		ActualQty:    d("10.123456789"),
		IncomingRate: decimal.NewNullDecimal(d("0.333333333")),
		ComputedFields: ledger.ComputedFields{
			QtyAfterTransaction:  d("10.123456789"),
			ValuationRate:        d("0.333333333"),
			StockValue:           d("3.374485593"),
			StockValueDifference: d("3.374485593"),
		},
		Voucher:         ledger.VoucherRef{Type: ledger.VoucherPurchaseReceipt, No: "PR-1"},
		VoucherDetailNo: "1",
		Company:         "ACME",
		Owner:           "alice",
		CreatedAt:       time.Date(2025, 1, 2, 14, 0, 0, 0, time.UTC),
	}

	id, err := store.Append(ctx, entry)
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, entry.PartitionKey, got.PartitionKey)
	assert.True(t, entry.PostingDate.Equal(got.PostingDate))
	assert.Equal(t, entry.PostingTime, got.PostingTime)
	assert.True(t, entry.ActualQty.Equal(got.ActualQty))
	assert.True(t, got.IncomingRate.Valid)
	assert.True(t, entry.IncomingRate.Decimal.Equal(got.IncomingRate.Decimal))
	assert.True(t, entry.ComputedFields.Equal(got.ComputedFields))
	assert.Equal(t, entry.Voucher, got.Voucher)
	assert.Equal(t, "ACME", got.Company)
	assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))
	assert.False(t, got.FallbackRate.Valid)

	out := entry
	out.Name, out.Voucher = "SLE-2", ledger.VoucherRef{Type: ledger.VoucherDeliveryNote, No: "DN-1"}
	out.ActualQty, out.IncomingRate = d("-1"), decimal.NullDecimal{}
	out.FallbackRate = decimal.NewNullDecimal(d("2.75"))
	id, err = store.Append(ctx, out)
	require.NoError(t, err)

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.IncomingRate.Valid)
	require.True(t, got.FallbackRate.Valid)
	assert.True(t, got.FallbackRate.Decimal.Equal(d("2.75")))
}

func TestStore_TimelineOrderAndRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []ledger.EntryID
	for _, day := range []int{3, 1, 2} {
		id, err := store.Append(ctx, ledger.LedgerEntry{
			Name:         fmt.Sprintf("SLE-%d", day),
			PartitionKey: widgetMain,
			PostingDate:  ledger.Date(2025, time.January, day),
			PostingTime:  ledger.Clock(9, 0, 0),
			ActualQty:    d("1"),
			Voucher:      ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := store.ListPartition(ctx, widgetMain)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []ledger.EntryID{ids[1], ids[2], ids[0]}, []ledger.EntryID{entries[0].ID, entries[1].ID, entries[2].ID})

	ranged, err := store.ListRange(ctx, widgetMain, ledger.Date(2025, time.January, 2), ledger.Date(2025, time.January, 3))
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	keys, err := store.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.PartitionKey{widgetMain}, keys)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, store.Remove(ctx, 42), ledger.ErrNotFound)
	assert.ErrorIs(t, store.UpdateComputedFields(ctx, 42, ledger.ComputedFields{}), ledger.ErrNotFound)
}

func TestStore_VoucherIndexRejectsDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ref := ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"}

	id, err := store.Append(ctx, ledger.LedgerEntry{
		PartitionKey: widgetMain,
		PostingDate:  ledger.Date(2025, time.January, 1),
		ActualQty:    d("1"),
		Voucher:      ref,
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordEntries(ctx, ref, []ledger.EntryID{id}))

	err = store.RecordEntries(ctx, ref, []ledger.EntryID{id})
	assert.ErrorIs(t, err, ledger.ErrDuplicateVoucher)

	ids, err := store.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{id}, ids)

	// deleting the entry cascades to the index
	require.NoError(t, store.Remove(ctx, id))
	ids, err = store.EntriesFor(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Append(ctx, ledger.LedgerEntry{
			PartitionKey: widgetMain,
			PostingDate:  ledger.Date(2025, time.January, 1),
			ActualQty:    d("1"),
			Voucher:      ledger.VoucherRef{Type: ledger.VoucherStockAdjustment, No: "SA-1"},
		}); err != nil {
			return err
		}
		return ledger.ErrNegativeStock
	})
	assert.ErrorIs(t, err, ledger.ErrNegativeStock)

	entries, err := store.ListPartition(ctx, widgetMain)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngineOnSQLite_BackdatedPostAndCancel(t *testing.T) {
	// GIVEN: t1 +10 @ 5, t3 -4 stored in SQLite
	// WHEN: backdated t2 +10 @ 7, then cancelled
	// THEN: the tail follows each change and replays cleanly
	ctx := context.Background()
	store := newTestStore(t)
	e := ledger.NewEngine(store, ledger.Options{})

	_, err := e.Post(ctx, movement("PR-1", 1, 9, "10", "5"))
	require.NoError(t, err)
	_, err = e.Post(ctx, movement("DN-1", 3, 9, "-4", ""))
	require.NoError(t, err)

	backdated := movement("PR-2", 2, 9, "10", "7")
	_, err = e.Post(ctx, backdated)
	require.NoError(t, err)

	entries, err := e.Partition(ctx, widgetMain)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[2].QtyAfterTransaction.Equal(d("16")))
	assert.True(t, entries[2].ValuationRate.Equal(d("6")))
	assert.True(t, entries[2].StockValue.Equal(d("96")))

	_, err = e.Post(ctx, backdated)
	assert.ErrorIs(t, err, ledger.ErrDuplicateVoucher)

	removed, err := e.Cancel(ctx, backdated.Voucher)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	entries, err = e.Partition(ctx, widgetMain)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].StockValue.Equal(d("30")))

	drifted, err := e.Verify(ctx, widgetMain)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestEngineOnSQLite_NegativeStockRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := ledger.NewEngine(store, ledger.Options{})

	_, err := e.Post(ctx, movement("PR-1", 1, 9, "10", "5"))
	require.NoError(t, err)
	_, err = e.Post(ctx, movement("DN-1", 3, 9, "-8", ""))
	require.NoError(t, err)

	_, err = e.Post(ctx, movement("DN-2", 2, 9, "-5", ""))
	assert.ErrorIs(t, err, ledger.ErrNegativeStock)

	entries, err := e.Partition(ctx, widgetMain)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].QtyAfterTransaction.Equal(d("2")))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := ledger.NewEngine(store, ledger.Options{})
	_, err := e.Post(ctx, movement("PR-1", 1, 9, "10", "5"))
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx))
	keys, err := store.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
