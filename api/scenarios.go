/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	stock movements for testing and demos. Each scenario posts vouchers
	through the engine, so every entry carries real running balances.

AVAILABLE SCENARIOS:

	simple-receipts:   Receipts and deliveries in posting order
	backdated-receipt: Late receipt re-values every later delivery
	multi-warehouse:   Receipts at Main, transfer to East, deliveries from both
	batch-tracked:     One item valued separately per batch
	negative-override: Delivery before receipt under a negative stock override
	amend-and-cancel:  Amended receipt rate and a cancelled delivery

HOW SCENARIOS WORK:
 1. Reset the store (clear all entries and vouchers)
 2. Drop negative stock overrides
 3. Post vouchers, transfers, amendments via the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "backdated-receipt"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Voucher endpoints the loaders mirror
  - ledger/engine.go: PostVoucher, Transfer, Amend, Cancel
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

const demoCompany = "Demo Trading"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "simple-receipts",
		Name:        "Simple Receipts",
		Description: "Purchase receipts and deliveries posted in order, moving average only",
		Category:    "valuation",
	},
	{
		ID:          "backdated-receipt",
		Name:        "Backdated Receipt",
		Description: "A receipt posted late re-values every later delivery",
		Category:    "valuation",
	},
	{
		ID:          "multi-warehouse",
		Name:        "Multi-Warehouse",
		Description: "Receipts at Main, transfer to East at the Main rate, deliveries from both",
		Category:    "transfers",
	},
	{
		ID:          "batch-tracked",
		Name:        "Batch Tracked",
		Description: "One item received in two batches, each valued on its own",
		Category:    "valuation",
	},
	{
		ID:          "negative-override",
		Name:        "Negative Stock Override",
		Description: "Delivery before receipt at a warehouse allowed to go negative",
		Category:    "policies",
	},
	{
		ID:          "amend-and-cancel",
		Name:        "Amend and Cancel",
		Description: "Receipt rate corrected after the fact, one delivery cancelled",
		Category:    "vouchers",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "simple-receipts":
		load = h.loadSimpleReceiptsScenario
	case "backdated-receipt":
		load = h.loadBackdatedReceiptScenario
	case "multi-warehouse":
		load = h.loadMultiWarehouseScenario
	case "batch-tracked":
		load = h.loadBatchTrackedScenario
	case "negative-override":
		load = h.loadNegativeOverrideScenario
	case "amend-and-cancel":
		load = h.loadAmendAndCancelScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()

	// Reset first
	if err := h.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	ps := h.Engine.Policies()
	for _, o := range ps.Overrides() {
		ps.Remove(o.Item, o.Warehouse)
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	hlog.FromRequest(r).Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSimpleReceiptsScenario(ctx context.Context) error {
	// 100 @ 10, -30, 50 @ 13 (avg 11.25), -60 -> 60 @ 11.25 = 675
	bolts := ledger.PartitionKey{Item: "BOLT-M8", Warehouse: "Main"}
	return h.postAll(ctx,
		voucher(ledger.VoucherPurchaseReceipt, "PR-0001", demoLine(bolts, 2, 9, "100", "10")),
		voucher(ledger.VoucherDeliveryNote, "DN-0001", demoLine(bolts, 5, 14, "-30", "")),
		voucher(ledger.VoucherPurchaseReceipt, "PR-0002", demoLine(bolts, 8, 9, "50", "13")),
		voucher(ledger.VoucherDeliveryNote, "DN-0002", demoLine(bolts, 12, 11, "-60", "")),
	)
}

func (h *Handler) loadBackdatedReceiptScenario(ctx context.Context) error {
	// Deliveries go out at 5 until the day 5 receipt lifts the average to 6.5
	nuts := ledger.PartitionKey{Item: "NUT-M8", Warehouse: "Main"}
	if err := h.postAll(ctx,
		voucher(ledger.VoucherPurchaseReceipt, "PR-0101", demoLine(nuts, 1, 9, "20", "5")),
		voucher(ledger.VoucherDeliveryNote, "DN-0101", demoLine(nuts, 10, 10, "-10", "")),
		voucher(ledger.VoucherDeliveryNote, "DN-0102", demoLine(nuts, 15, 10, "-5", "")),
	); err != nil {
		return err
	}
	return h.postAll(ctx,
		voucher(ledger.VoucherPurchaseReceipt, "PR-0102", demoLine(nuts, 5, 9, "20", "8")),
	)
}

func (h *Handler) loadMultiWarehouseScenario(ctx context.Context) error {
	mainWh := ledger.PartitionKey{Item: "PUMP-200", Warehouse: "Main"}
	east := ledger.PartitionKey{Item: "PUMP-200", Warehouse: "East"}
	if err := h.postAll(ctx,
		voucher(ledger.VoucherPurchaseReceipt, "PR-0201", demoLine(mainWh, 1, 9, "40", "7")),
		voucher(ledger.VoucherPurchaseReceipt, "PR-0202", demoLine(mainWh, 3, 9, "40", "9")),
	); err != nil {
		return err
	}

	// 30 leave Main at the average of 8
	if _, err := h.Engine.Transfer(ctx, ledger.TransferRequest{
		Voucher:     ledger.VoucherRef{Type: ledger.VoucherStockEntry, No: "STE-0201"},
		Item:        mainWh.Item,
		From:        mainWh.Warehouse,
		To:          east.Warehouse,
		PostingDate: demoDate(4),
		PostingTime: ledger.Clock(8, 0, 0),
		Qty:         decimal.NewFromInt(30),
		Company:     demoCompany,
	}); err != nil {
		return err
	}

	return h.postAll(ctx,
		voucher(ledger.VoucherDeliveryNote, "DN-0201", demoLine(east, 6, 15, "-10", "")),
		voucher(ledger.VoucherDeliveryNote, "DN-0202", demoLine(mainWh, 7, 15, "-20", "")),
	)
}

func (h *Handler) loadBatchTrackedScenario(ctx context.Context) error {
	lotA := ledger.PartitionKey{Item: "SERUM-5ML", Warehouse: "Cold Room", BatchNo: "LOT-A"}
	lotB := ledger.PartitionKey{Item: "SERUM-5ML", Warehouse: "Cold Room", BatchNo: "LOT-B"}
	return h.postAll(ctx,
		voucher(ledger.VoucherPurchaseReceipt, "PR-0301",
			demoLine(lotA, 2, 9, "200", "1.25"),
			demoLine(lotB, 2, 9, "150", "1.40"),
		),
		voucher(ledger.VoucherDeliveryNote, "DN-0301",
			demoLine(lotA, 9, 13, "-120", ""),
			demoLine(lotB, 9, 13, "-30", ""),
		),
		voucher(ledger.VoucherPurchaseReceipt, "PR-0302", demoLine(lotA, 16, 9, "100", "1.31")),
	)
}

func (h *Handler) loadNegativeOverrideScenario(ctx context.Context) error {
	shop := ledger.PartitionKey{Item: "GADGET", Warehouse: "Shop Floor"}
	h.Engine.Policies().Set(ledger.PolicyOverride{
		Item:      shop.Item,
		Warehouse: shop.Warehouse,
		Policy: ledger.NegativeStockPolicy{
			AllowNegative: true,
			FallbackRate:  decimal.NewNullDecimal(decimal.NewFromInt(12)),
		},
	})

	// -5 @ fallback 12, then 10 @ 15 lands on a negative balance -> 5 @ 15
	return h.postAll(ctx,
		voucher(ledger.VoucherDeliveryNote, "DN-0401", demoLine(shop, 2, 10, "-5", "")),
		voucher(ledger.VoucherPurchaseReceipt, "PR-0401", demoLine(shop, 4, 9, "10", "15")),
	)
}

func (h *Handler) loadAmendAndCancelScenario(ctx context.Context) error {
	valves := ledger.PartitionKey{Item: "VALVE-3/4", Warehouse: "Main"}
	if err := h.postAll(ctx,
		voucher(ledger.VoucherPurchaseReceipt, "PR-0501", demoLine(valves, 1, 9, "10", "5")),
		voucher(ledger.VoucherDeliveryNote, "DN-0501", demoLine(valves, 3, 10, "-4", "")),
		voucher(ledger.VoucherDeliveryNote, "DN-0502", demoLine(valves, 6, 10, "-2", "")),
	); err != nil {
		return err
	}

	// Supplier invoice corrected the receipt to 6.50
	pr := ledger.VoucherRef{Type: ledger.VoucherPurchaseReceipt, No: "PR-0501"}
	if _, err := h.Engine.Amend(ctx, pr, []ledger.MovementRequest{demoLine(valves, 1, 9, "10", "6.50")}); err != nil {
		return err
	}

	_, err := h.Engine.Cancel(ctx, ledger.VoucherRef{Type: ledger.VoucherDeliveryNote, No: "DN-0502"})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type demoVoucher struct {
	ref   ledger.VoucherRef
	lines []ledger.MovementRequest
}

func voucher(vt ledger.VoucherType, no string, lines ...ledger.MovementRequest) demoVoucher {
	return demoVoucher{ref: ledger.VoucherRef{Type: vt, No: no}, lines: lines}
}

func (h *Handler) postAll(ctx context.Context, vouchers ...demoVoucher) error {
	for _, v := range vouchers {
		if _, err := h.Engine.PostVoucher(ctx, v.ref, v.lines); err != nil {
			return fmt.Errorf("post %s: %w", v.ref, err)
		}
	}
	return nil
}

func demoDate(day int) time.Time {
	return ledger.Date(2025, time.January, day)
}

func demoLine(key ledger.PartitionKey, day, hour int, qty, rate string) ledger.MovementRequest {
	l := ledger.MovementRequest{
		Key:         key,
		PostingDate: demoDate(day),
		PostingTime: ledger.Clock(hour, 0, 0),
		ActualQty:   decimal.RequireFromString(qty),
		Company:     demoCompany,
	}
	if rate != "" {
		l.IncomingRate = decimal.NewNullDecimal(decimal.RequireFromString(rate))
	}
	return l
}
