/*
Package ledger provides the stock ledger valuation engine.

PURPOSE:
  Records every inventory movement (receipt, issue, transfer, return) as a
  ledger entry against an item/warehouse partition and keeps a running
  quantity and moving-average valuation rate on every entry, even when
  movements arrive out of chronological order.

KEY CONCEPTS IN THIS FILE (types.go):
  - PartitionKey: (item, warehouse[, batch/serial]) - one timeline each
  - LedgerEntry: a single movement plus its computed running fields
  - VoucherRef: the business document that produced entries
  - MovementRequest: what callers submit to the Engine

DESIGN PRINCIPLES:
  1. Source of truth: the ordered sequence of ActualQty/IncomingRate
  2. Computed fields (qty after, rate, value) are a cache kept by the Reconciler
  3. Precision: decimal.Decimal everywhere, never float64
  4. Partition key is immutable for the lifetime of an entry

USAGE:
  engine := ledger.NewEngine(store, ledger.Options{})
  entry, err := engine.Post(ctx, ledger.MovementRequest{
      Voucher:     ledger.VoucherRef{Type: ledger.VoucherPurchaseReceipt, No: "PR-0001"},
      Key:         ledger.PartitionKey{Item: "ITEM-1", Warehouse: "Stores"},
      PostingDate: ledger.Date(2025, time.March, 1),
      ActualQty:   decimal.NewFromInt(10),
      IncomingRate: decimal.NewNullDecimal(decimal.NewFromInt(5)),
  })

SEE ALSO:
  - valuation.go: Moving average calculator
  - reconciler.go: Replays a partition tail
  - engine.go: Posting coordinator (post, cancel, amend)
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemCode string
type WarehouseCode string

// EntryID is the monotonic insertion sequence assigned by the Store.
// It doubles as the tie-break for entries with identical posting timestamps.
type EntryID int64

// =============================================================================
// PARTITION KEY
// =============================================================================

// PartitionKey identifies one chronological ledger with its own running balance.
// Batch and serial numbers are optional; when set they split the item/warehouse
// timeline into an independent partition.
type PartitionKey struct {
	Item      ItemCode
	Warehouse WarehouseCode
	BatchNo   string
	SerialNo  string
}

// Validate returns ErrInvalidKey when the key cannot address a partition.
func (k PartitionKey) Validate() error {
	if k.Item == "" || k.Warehouse == "" {
		return fmt.Errorf("%w: item and warehouse are required", ErrInvalidKey)
	}
	for _, part := range []string{string(k.Item), string(k.Warehouse), k.BatchNo, k.SerialNo} {
		if strings.TrimSpace(part) != part {
			return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidKey, part)
		}
	}
	return nil
}

func (k PartitionKey) String() string {
	s := string(k.Item) + "@" + string(k.Warehouse)
	if k.BatchNo != "" {
		s += "#b:" + k.BatchNo
	}
	if k.SerialNo != "" {
		s += "#s:" + k.SerialNo
	}
	return s
}

// Less orders keys lexicographically. Used to acquire several partition
// locks in a fixed order.
func (k PartitionKey) Less(o PartitionKey) bool {
	if k.Item != o.Item {
		return k.Item < o.Item
	}
	if k.Warehouse != o.Warehouse {
		return k.Warehouse < o.Warehouse
	}
	if k.BatchNo != o.BatchNo {
		return k.BatchNo < o.BatchNo
	}
	return k.SerialNo < o.SerialNo
}

// =============================================================================
// VOUCHER
// =============================================================================

// VoucherRef identifies the business document that produced ledger entries.
type VoucherRef struct {
	Type VoucherType
	No   string
}

func (v VoucherRef) String() string { return string(v.Type) + "/" + v.No }

func (v VoucherRef) Validate() error {
	if v.Type == "" || v.No == "" {
		return fmt.Errorf("%w: voucher type and number are required", ErrInvalidMovement)
	}
	return nil
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// ComputedFields are the running values the Reconciler maintains.
type ComputedFields struct {
	QtyAfterTransaction  decimal.Decimal
	ValuationRate        decimal.Decimal
	StockValue           decimal.Decimal
	StockValueDifference decimal.Decimal
}

// Equal reports whether two computed states are identical (decimal-equal).
func (c ComputedFields) Equal(o ComputedFields) bool {
	return c.QtyAfterTransaction.Equal(o.QtyAfterTransaction) &&
		c.ValuationRate.Equal(o.ValuationRate) &&
		c.StockValue.Equal(o.StockValue) &&
		c.StockValueDifference.Equal(o.StockValueDifference)
}

// LedgerEntry is one stock movement in a partition timeline.
type LedgerEntry struct {
	ID   EntryID
	Name string // public identifier, e.g. SLE-<uuid>

	PartitionKey

	PostingDate time.Time     // UTC midnight
	PostingTime time.Duration // offset into PostingDate

	ActualQty    decimal.Decimal
	IncomingRate decimal.NullDecimal

	// FallbackRate is the negative stock fallback in force when an outbound
	// entry was posted. Replays price the entry with it.
	FallbackRate decimal.NullDecimal

	ComputedFields

	Voucher         VoucherRef
	VoucherDetailNo string

	// Audit fields
	Company   string
	Owner     string
	CreatedAt time.Time
}

// Key returns the entry's partition.
func (e LedgerEntry) Key() PartitionKey { return e.PartitionKey }

// PostedAt is the logical timestamp of the entry.
func (e LedgerEntry) PostedAt() time.Time { return e.PostingDate.Add(e.PostingTime) }

// State is the running state immediately after this entry.
func (e LedgerEntry) State() State {
	return State{Qty: e.QtyAfterTransaction, Rate: e.ValuationRate, Value: e.StockValue}
}

// Movement extracts the calculator input carried by the entry.
func (e LedgerEntry) Movement() Movement {
	return Movement{ActualQty: e.ActualQty, IncomingRate: e.IncomingRate, FallbackRate: e.FallbackRate}
}

// EntryLess is the total order of a partition: posting timestamp, then ID.
func EntryLess(a, b LedgerEntry) bool {
	pa, pb := a.PostedAt(), b.PostedAt()
	if !pa.Equal(pb) {
		return pa.Before(pb)
	}
	return a.ID < b.ID
}

// =============================================================================
// MOVEMENT REQUEST - Inbound boundary
// =============================================================================

// MovementRequest is what order fulfillment, goods receipt and manual
// adjustment flows submit. Voucher is ignored by PostVoucher/Amend, which
// take the voucher separately.
type MovementRequest struct {
	Voucher         VoucherRef
	VoucherDetailNo string

	Key PartitionKey

	PostingDate time.Time
	PostingTime time.Duration

	ActualQty    decimal.Decimal
	IncomingRate decimal.NullDecimal

	Company string
	Owner   string
}

// TransferRequest moves stock of one item between two warehouses.
type TransferRequest struct {
	Voucher     VoucherRef
	Item        ItemCode
	From        WarehouseCode
	To          WarehouseCode
	BatchNo     string
	PostingDate time.Time
	PostingTime time.Duration
	Qty         decimal.Decimal
	Company     string
	Owner       string
}

// =============================================================================
// BIN - Latest state of a partition
// =============================================================================

// Bin is the current balance of a partition: the computed fields of its
// last entry. A derived projection, never written independently.
type Bin struct {
	PartitionKey
	ActualQty     decimal.Decimal
	ValuationRate decimal.Decimal
	StockValue    decimal.Decimal
	LastEntryID   EntryID
	LastPostedAt  time.Time
}

// BinFromEntries builds the bin for an ordered partition.
func BinFromEntries(key PartitionKey, entries []LedgerEntry) Bin {
	bin := Bin{PartitionKey: key}
	if len(entries) == 0 {
		return bin
	}
	last := entries[len(entries)-1]
	bin.ActualQty = last.QtyAfterTransaction
	bin.ValuationRate = last.ValuationRate
	bin.StockValue = last.StockValue
	bin.LastEntryID = last.ID
	bin.LastPostedAt = last.PostedAt()
	return bin
}
