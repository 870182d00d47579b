/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the posting coordinator via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to ledger.Engine.

ENDPOINTS:
  Movements:
    POST   /api/movements                    Post a single-line voucher
    POST   /api/transfers                    Transfer between warehouses

  Vouchers:
    POST   /api/vouchers                     Post a multi-line voucher
    PUT    /api/vouchers/{type}/{no}         Amend (replace all lines)
    DELETE /api/vouchers/{type}/{no}         Cancel
    GET    /api/vouchers/{type}/{no}/entries Entries of a voucher

  Partitions (?item=&warehouse=&batch=&serial=):
    GET    /api/partitions                   List partitions with state
    GET    /api/partitions/entries           Timeline (&from=&to= dates)
    GET    /api/partitions/balance           Latest bin (&at= as-of)
    GET    /api/partitions/bin               Bin as last published to the cache
    GET    /api/partitions/verify            Replay drift check
    POST   /api/partitions/repair            Rewrite drifted running fields

  Verifications:
    GET    /api/verifications                Recent scheduled drift checks
    POST   /api/verifications                Run a drift check now
    GET    /api/verifications/schedule       Interval and next scheduled run

  Policies:
    GET    /api/policies                     Negative stock policies
    PUT    /api/policies                     Replace policies

  Scenarios (demo data, resets the store):
    GET    /api/scenarios                    List scenarios
    GET    /api/scenarios/current            Loaded scenario
    POST   /api/scenarios/load               Load a scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid movement, invalid partition key
  - 404: Unknown voucher or entry
  - 409: Duplicate voucher, unresolved reconciliation conflict
  - 422: Negative stock violation
  - 503: Partition lock timeout
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic drift checks
  - scenarios.go: Demo scenario loaders
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Scheduler *VerificationScheduler

	// Ping checks the backing store for /healthz. Optional.
	Ping func(r *http.Request) error

	// Reset clears the store before a demo scenario loads. Optional.
	Reset func(ctx context.Context) error

	// Bins reads balances published to the bin cache. Optional.
	Bins BinReader

	scenarioMu      sync.Mutex
	currentScenario string
}

// BinReader reads a published bin. ok is false when none was published.
type BinReader interface {
	Get(ctx context.Context, key ledger.PartitionKey) (bin ledger.Bin, ok bool, err error)
}

// NewHandler creates a new handler for the given engine.
func NewHandler(engine *ledger.Engine) *Handler {
	scheduler := NewVerificationScheduler(engine, zerolog.Nop())
	scheduler.Enabled = false
	return &Handler{Engine: engine, Scheduler: scheduler}
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// PostMovement posts a single-line voucher.
func (h *Handler) PostMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ref := ledger.VoucherRef{Type: ledger.VoucherType(req.VoucherType), No: req.VoucherNo}
	mr, err := req.toRequest(ref)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	entry, err := h.Engine.Post(r.Context(), mr)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// PostTransfer moves stock between two warehouses.
func (h *Handler) PostTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, clock, err := ledger.ParsePosting(req.PostingDate, req.PostingTime)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	entries, err := h.Engine.Transfer(r.Context(), ledger.TransferRequest{
		Voucher:     ledger.VoucherRef{Type: ledger.VoucherStockEntry, No: req.VoucherNo},
		Item:        ledger.ItemCode(req.Item),
		From:        ledger.WarehouseCode(req.FromWarehouse),
		To:          ledger.WarehouseCode(req.ToWarehouse),
		BatchNo:     req.BatchNo,
		PostingDate: date,
		PostingTime: clock,
		Qty:         req.Qty,
		Company:     req.Company,
		Owner:       req.Owner,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTOs(entries))
}

// =============================================================================
// VOUCHER HANDLERS
// =============================================================================

// PostVoucher posts every line of a voucher atomically.
func (h *Handler) PostVoucher(w http.ResponseWriter, r *http.Request) {
	var req VoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ref := ledger.VoucherRef{Type: ledger.VoucherType(req.VoucherType), No: req.VoucherNo}
	lines, err := toRequests(ref, req.Lines)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	entries, err := h.Engine.PostVoucher(r.Context(), ref, lines)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTOs(entries))
}

// AmendVoucher replaces the lines of a posted voucher.
func (h *Handler) AmendVoucher(w http.ResponseWriter, r *http.Request) {
	ref := voucherFromPath(r)

	var req VoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lines, err := toRequests(ref, req.Lines)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	entries, err := h.Engine.Amend(r.Context(), ref, lines)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// CancelVoucher removes every entry of a voucher.
func (h *Handler) CancelVoucher(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Engine.Cancel(r.Context(), voucherFromPath(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(removed))
}

// GetVoucherEntries returns the entries a voucher produced.
func (h *Handler) GetVoucherEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.VoucherEntries(r.Context(), voucherFromPath(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// PARTITION HANDLERS
// =============================================================================

// ListPartitions returns every partition with entries and its coordinator state.
func (h *Handler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Engine.Partitions(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]PartitionDTO, len(keys))
	for i, k := range keys {
		dtos[i] = toPartitionDTO(k, h.Engine.PartitionState(k))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPartitionEntries returns a partition timeline, optionally limited to a
// posting date range.
func (h *Handler) GetPartitionEntries(w http.ResponseWriter, r *http.Request) {
	key := keyFromQuery(r)
	q := r.URL.Query()

	var (
		entries []ledger.LedgerEntry
		err     error
	)
	if q.Get("from") != "" || q.Get("to") != "" {
		from, to, perr := parseRange(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeLedgerError(w, r, perr)
			return
		}
		entries, err = h.Engine.EntriesInRange(r.Context(), key, from, to)
	} else {
		entries, err = h.Engine.Partition(r.Context(), key)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetPartitionBalance returns the latest bin, or the state as of ?at=.
// A date-only at covers the whole day.
func (h *Handler) GetPartitionBalance(w http.ResponseWriter, r *http.Request) {
	key := keyFromQuery(r)
	dto := BalanceDTO{
		Item:      string(key.Item),
		Warehouse: string(key.Warehouse),
		BatchNo:   key.BatchNo,
		SerialNo:  key.SerialNo,
	}

	if at := r.URL.Query().Get("at"); at != "" {
		t, err := parseAsOf(at)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		state, err := h.Engine.BalanceAt(r.Context(), key, t)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		dto.AsOf = t.Format(time.RFC3339Nano)
		dto.ActualQty, dto.ValuationRate, dto.StockValue = state.Qty, state.Rate, state.Value
		writeJSON(w, http.StatusOK, dto)
		return
	}

	bin, err := h.Engine.Balance(r.Context(), key)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dto.ActualQty, dto.ValuationRate, dto.StockValue = bin.ActualQty, bin.ValuationRate, bin.StockValue
	dto.LastEntryID = int64(bin.LastEntryID)
	writeJSON(w, http.StatusOK, dto)
}

// GetCachedBin returns the balance last published to the bin cache.
func (h *Handler) GetCachedBin(w http.ResponseWriter, r *http.Request) {
	if h.Bins == nil {
		writeError(w, http.StatusNotImplemented, "Bin cache not configured", nil)
		return
	}
	key := keyFromQuery(r)
	if err := key.Validate(); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	bin, ok, err := h.Bins.Get(r.Context(), key)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("partition", key.String()).Msg("bin cache read failed")
		writeError(w, http.StatusBadGateway, "Bin cache unavailable", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No published bin", nil)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Item:          string(key.Item),
		Warehouse:     string(key.Warehouse),
		BatchNo:       key.BatchNo,
		SerialNo:      key.SerialNo,
		ActualQty:     bin.ActualQty,
		ValuationRate: bin.ValuationRate,
		StockValue:    bin.StockValue,
		LastEntryID:   int64(bin.LastEntryID),
	})
}

// VerifyPartition replays a partition and reports drifted entries.
func (h *Handler) VerifyPartition(w http.ResponseWriter, r *http.Request) {
	key := keyFromQuery(r)
	drifted, err := h.Engine.Verify(r.Context(), key)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	ids := make([]int64, len(drifted))
	for i, id := range drifted {
		ids[i] = int64(id)
	}
	writeJSON(w, http.StatusOK, VerifyDTO{
		Partition: toPartitionDTO(key, h.Engine.PartitionState(key)),
		Drifted:   ids,
	})
}

// RepairPartition rewrites drifted running fields of one partition.
func (h *Handler) RepairPartition(w http.ResponseWriter, r *http.Request) {
	key := keyFromQuery(r)
	n, err := h.Engine.Repair(r.Context(), key)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RepairDTO{
		Partition: toPartitionDTO(key, h.Engine.PartitionState(key)),
		Rewritten: n,
	})
}

// =============================================================================
// VERIFICATION HANDLERS
// =============================================================================

// ListVerifications returns recent drift check runs, newest first.
func (h *Handler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	runs := h.Scheduler.Runs()
	dtos := make([]VerificationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toVerificationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVerificationSchedule reports the scheduler settings and next run.
func (h *Handler) GetVerificationSchedule(w http.ResponseWriter, r *http.Request) {
	vs := h.Scheduler
	dto := VerificationScheduleDTO{
		Enabled:    vs.Enabled,
		Interval:   vs.CheckInterval.String(),
		AutoRepair: vs.AutoRepair,
	}
	if next, ok := vs.NextRunTime(); ok {
		dto.Running = true
		dto.NextRunAt = next.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// RunVerification runs a drift check over every partition immediately.
func (h *Handler) RunVerification(w http.ResponseWriter, r *http.Request) {
	run := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toVerificationRunDTO(run))
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// GetPolicies returns the negative stock policies.
func (h *Handler) GetPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPoliciesDTO(h.Engine.Policies()))
}

// PutPolicies replaces the default policy and every override.
func (h *Handler) PutPolicies(w http.ResponseWriter, r *http.Request) {
	var req PoliciesDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	for _, o := range req.Overrides {
		if o.Item == "" || o.Warehouse == "" {
			writeError(w, http.StatusBadRequest, "Override requires item and warehouse", nil)
			return
		}
	}

	ps := h.Engine.Policies()
	ps.SetDefault(ledger.NegativeStockPolicy{
		AllowNegative: req.Default.AllowNegative,
		FallbackRate:  req.Default.FallbackRate,
	})
	for _, o := range ps.Overrides() {
		ps.Remove(o.Item, o.Warehouse)
	}
	for _, o := range req.Overrides {
		ps.Set(ledger.PolicyOverride{
			Item:      ledger.ItemCode(o.Item),
			Warehouse: ledger.WarehouseCode(o.Warehouse),
			Policy:    ledger.NegativeStockPolicy{AllowNegative: o.AllowNegative, FallbackRate: o.FallbackRate},
		})
	}

	hlog.FromRequest(r).Info().Bool("allow_negative", req.Default.AllowNegative).Int("overrides", len(req.Overrides)).Msg("negative stock policies replaced")
	writeJSON(w, http.StatusOK, toPoliciesDTO(ps))
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors to HTTP statuses.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	if ledger.IsClientError(err) {
		hlog.FromRequest(r).Debug().Err(err).Msg("request rejected")
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidMovement):
		writeError(w, http.StatusBadRequest, "Invalid movement", err)
	case errors.Is(err, ledger.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "Invalid partition key", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrDuplicateVoucher):
		writeError(w, http.StatusConflict, "Voucher already posted", err)
	case errors.Is(err, ledger.ErrNegativeStock):
		writeError(w, http.StatusUnprocessableEntity, "Negative stock", err)
	case errors.Is(err, ledger.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "Partition busy", err)
	case errors.Is(err, ledger.ErrConcurrentReconciliationConflict):
		writeError(w, http.StatusConflict, "Concurrent reconciliation conflict", err)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func toRequests(ref ledger.VoucherRef, lines []MovementLineDTO) ([]ledger.MovementRequest, error) {
	out := make([]ledger.MovementRequest, 0, len(lines))
	for i, l := range lines {
		mr, err := l.toRequest(ref)
		if err != nil {
			return nil, &ledger.MovementError{Line: i, Reason: err.Error()}
		}
		out = append(out, mr)
	}
	return out, nil
}

func voucherFromPath(r *http.Request) ledger.VoucherRef {
	return ledger.VoucherRef{
		Type: ledger.VoucherType(chi.URLParam(r, "type")),
		No:   chi.URLParam(r, "no"),
	}
}

func keyFromQuery(r *http.Request) ledger.PartitionKey {
	q := r.URL.Query()
	return ledger.PartitionKey{
		Item:      ledger.ItemCode(q.Get("item")),
		Warehouse: ledger.WarehouseCode(q.Get("warehouse")),
		BatchNo:   q.Get("batch"),
		SerialNo:  q.Get("serial"),
	}
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		if start, _, err = ledger.ParsePosting(from, ""); err != nil {
			return start, end, err
		}
	}
	if to == "" {
		end = ledger.Date(9999, time.December, 31)
	} else if end, _, err = ledger.ParsePosting(to, ""); err != nil {
		return start, end, err
	}
	return start, end, nil
}

func parseAsOf(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, _, err := ledger.ParsePosting(s, "")
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(24*time.Hour - time.Microsecond), nil
}
