package ledger

import "context"

// =============================================================================
// VOUCHER TYPES - Which way stock may move for each kind of document
// =============================================================================

type VoucherType string

const (
	VoucherPurchaseReceipt VoucherType = "Purchase Receipt"
	VoucherPurchaseInvoice VoucherType = "Purchase Invoice"
	VoucherPurchaseReturn  VoucherType = "Purchase Return"
	VoucherDeliveryNote    VoucherType = "Delivery Note"
	VoucherSalesInvoice    VoucherType = "Sales Invoice"
	VoucherSalesReturn     VoucherType = "Sales Return"
	VoucherStockEntry      VoucherType = "Stock Entry"
	VoucherStockAdjustment VoucherType = "Stock Adjustment"
)

// Direction is the sign a voucher type allows for ActualQty.
type Direction int

const (
	DirectionAny Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "any"
	}
}

var voucherDirections = map[VoucherType]Direction{
	VoucherPurchaseReceipt: DirectionInbound,
	VoucherPurchaseInvoice: DirectionInbound,
	VoucherSalesReturn:     DirectionInbound,
	VoucherPurchaseReturn:  DirectionOutbound,
	VoucherDeliveryNote:    DirectionOutbound,
	VoucherSalesInvoice:    DirectionOutbound,
	VoucherStockEntry:      DirectionAny,
	VoucherStockAdjustment: DirectionAny,
}

// Direction returns the allowed direction. Unknown voucher types may move
// stock either way; the host application owns their semantics.
func (t VoucherType) Direction() Direction {
	if d, ok := voucherDirections[t]; ok {
		return d
	}
	return DirectionAny
}

// =============================================================================
// VOUCHER REFERENCE INDEX - Voucher -> entries it produced
// =============================================================================

// VoucherIndex maps a voucher to the ledger entries it produced.
// It is derived data used for cancellation and lookups, never for valuation.
type VoucherIndex interface {
	// RecordEntries adds entry ids to the voucher's set.
	RecordEntries(ctx context.Context, ref VoucherRef, ids []EntryID) error

	// EntriesFor returns the voucher's entries in insertion order.
	// Returns an empty slice (not an error) for an unknown voucher.
	EntriesFor(ctx context.Context, ref VoucherRef) ([]EntryID, error)

	// RemoveVoucher forgets the voucher.
	RemoveVoucher(ctx context.Context, ref VoucherRef) error
}
