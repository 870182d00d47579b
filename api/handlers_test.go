/*
handlers_test.go - HTTP tests for the stock ledger API

Tests for:
- Posting, amending and cancelling vouchers over HTTP
- Error -> status mapping (400, 404, 409, 422)
- Partition reads (timeline, balance, as-of balance, verify)
- Policy replacement
- Reading the published bin cache
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/metrics"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine := ledger.NewEngine(store.NewMemory(), ledger.Options{})
	srv := httptest.NewServer(NewRouter(NewHandler(engine), metrics.New(metrics.DefaultConfig()), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func line(date, clock, qty, rate string) MovementLineDTO {
	l := MovementLineDTO{
		Item:        "WIDGET",
		Warehouse:   "Main",
		PostingDate: date,
		PostingTime: clock,
		ActualQty:   decimal.RequireFromString(qty),
	}
	if rate != "" {
		l.IncomingRate = decimal.NewNullDecimal(decimal.RequireFromString(rate))
	}
	return l
}

func movement(voucherType, no string, l MovementLineDTO) MovementRequest {
	return MovementRequest{VoucherType: voucherType, VoucherNo: no, MovementLineDTO: l}
}

const partitionQuery = "?item=WIDGET&warehouse=Main"

// seed posts t1 +10 @ 5 and t3 -4.
func seed(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/api/movements", movement("Purchase Receipt", "PR-1", line("2025-01-01", "09:00", "10", "5")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = do(t, srv, http.MethodPost, "/api/movements", movement("Delivery Note", "DN-1", line("2025-01-03", "09:00", "-4", "")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestPostMovement_BackdatedReceipt(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)

	resp := do(t, srv, http.MethodPost, "/api/movements", movement("Purchase Receipt", "PR-2", line("2025-01-02", "09:00", "10", "7")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decode[EntryDTO](t, resp)
	assert.Equal(t, "2025-01-02", entry.PostingDate)
	assert.Equal(t, "09:00:00.000000", entry.PostingTime)
	assert.True(t, entry.ValuationRate.Equal(decimal.NewFromInt(6)))

	resp = do(t, srv, http.MethodGet, "/api/partitions/entries"+partitionQuery, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]EntryDTO](t, resp)
	require.Len(t, entries, 3)
	assert.True(t, entries[2].QtyAfterTransaction.Equal(decimal.NewFromInt(16)))
	assert.True(t, entries[2].StockValue.Equal(decimal.NewFromInt(96)))
}

func TestPostMovement_ErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", "not an object", http.StatusBadRequest},
		{"bad posting date", movement("Purchase Receipt", "PR-9", line("01/02/2025", "", "1", "1")), http.StatusBadRequest},
		{"receipt without rate", movement("Purchase Receipt", "PR-9", line("2025-01-02", "", "1", "")), http.StatusBadRequest},
		{"missing warehouse", movement("Purchase Receipt", "PR-9", MovementLineDTO{
			Item: "WIDGET", PostingDate: "2025-01-02", ActualQty: decimal.NewFromInt(1),
			IncomingRate: decimal.NewNullDecimal(decimal.NewFromInt(1)),
		}), http.StatusBadRequest},
		{"duplicate voucher", movement("Purchase Receipt", "PR-1", line("2025-01-05", "", "1", "1")), http.StatusConflict},
		{"negative stock", movement("Delivery Note", "DN-9", line("2025-01-02", "", "-11", "")), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, "/api/movements", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			errResp := decode[ErrorResponse](t, resp)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestPostTransfer(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)

	resp := do(t, srv, http.MethodPost, "/api/transfers", TransferRequest{
		VoucherNo:     "STE-1",
		Item:          "WIDGET",
		FromWarehouse: "Main",
		ToWarehouse:   "East",
		PostingDate:   "2025-01-04",
		Qty:           decimal.NewFromInt(2),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entries := decode[[]EntryDTO](t, resp)
	require.Len(t, entries, 2)
	assert.Equal(t, "East", entries[1].Warehouse)
	assert.True(t, entries[1].ValuationRate.Equal(decimal.NewFromInt(5)))
}

// =============================================================================
// VOUCHERS
// =============================================================================

func TestVoucherLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/vouchers", VoucherRequest{
		VoucherType: "Stock Entry",
		VoucherNo:   "STE-1",
		Lines: []MovementLineDTO{
			line("2025-01-01", "09:00", "10", "5"),
			line("2025-01-01", "10:00", "-3", ""),
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, decode[[]EntryDTO](t, resp), 2)

	path := "/api/vouchers/" + url.PathEscape("Stock Entry") + "/STE-1"

	resp = do(t, srv, http.MethodGet, path+"/entries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]EntryDTO](t, resp), 2)

	resp = do(t, srv, http.MethodPut, path, VoucherRequest{
		Lines: []MovementLineDTO{line("2025-01-01", "09:00", "12", "5")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	amended := decode[[]EntryDTO](t, resp)
	require.Len(t, amended, 1)
	assert.True(t, amended[0].QtyAfterTransaction.Equal(decimal.NewFromInt(12)))

	resp = do(t, srv, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]EntryDTO](t, resp), 1)

	resp = do(t, srv, http.MethodGet, path+"/entries", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// PARTITIONS
// =============================================================================

func TestPartitionReads(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)

	resp := do(t, srv, http.MethodGet, "/api/partitions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	partitions := decode[[]PartitionDTO](t, resp)
	require.Len(t, partitions, 1)
	assert.Equal(t, "WIDGET", partitions[0].Item)
	assert.Equal(t, string(ledger.StateIdle), partitions[0].State)

	resp = do(t, srv, http.MethodGet, "/api/partitions/balance"+partitionQuery, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decode[BalanceDTO](t, resp)
	assert.True(t, bal.ActualQty.Equal(decimal.NewFromInt(6)))
	assert.True(t, bal.StockValue.Equal(decimal.NewFromInt(30)))
	assert.NotZero(t, bal.LastEntryID)

	// a date-only as-of covers the whole day
	resp = do(t, srv, http.MethodGet, "/api/partitions/balance"+partitionQuery+"&at=2025-01-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal = decode[BalanceDTO](t, resp)
	assert.True(t, bal.ActualQty.Equal(decimal.NewFromInt(10)))
	assert.NotEmpty(t, bal.AsOf)

	resp = do(t, srv, http.MethodGet, "/api/partitions/balance"+partitionQuery+"&at=2025-01-01T08:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal = decode[BalanceDTO](t, resp)
	assert.True(t, bal.ActualQty.IsZero())

	resp = do(t, srv, http.MethodGet, "/api/partitions/entries"+partitionQuery+"&from=2025-01-02", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]EntryDTO](t, resp), 1)

	resp = do(t, srv, http.MethodGet, "/api/partitions/entries"+partitionQuery+"&from=2025-01-05&to=2025-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/partitions/verify"+partitionQuery, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[VerifyDTO](t, resp).Drifted)

	resp = do(t, srv, http.MethodGet, "/api/partitions/entries?item=WIDGET", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// POLICIES
// =============================================================================

func TestPutPolicies_AllowsNegativeForOverride(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPut, "/api/policies", PoliciesDTO{
		Overrides: []PolicyOverrideDTO{{
			Item:      "WIDGET",
			Warehouse: "Main",
			PolicyDTO: PolicyDTO{AllowNegative: true, FallbackRate: decimal.NewNullDecimal(decimal.NewFromInt(3))},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	policies := decode[PoliciesDTO](t, resp)
	assert.False(t, policies.Default.AllowNegative)
	require.Len(t, policies.Overrides, 1)

	resp = do(t, srv, http.MethodPost, "/api/movements", movement("Delivery Note", "DN-1", line("2025-01-01", "", "-2", "")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decode[EntryDTO](t, resp)
	assert.True(t, entry.StockValue.Equal(decimal.NewFromInt(-6)))

	// replacing with no overrides removes it
	resp = do(t, srv, http.MethodPut, "/api/policies", PoliciesDTO{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[PoliciesDTO](t, resp).Overrides)

	resp = do(t, srv, http.MethodPut, "/api/policies", PoliciesDTO{Overrides: []PolicyOverrideDTO{{Item: "WIDGET"}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// BIN CACHE
// =============================================================================

// memoryBins stands in for the Redis bin cache.
type memoryBins struct {
	mu   sync.Mutex
	bins map[ledger.PartitionKey]ledger.Bin
}

func (m *memoryBins) Publish(_ context.Context, bins []ledger.Bin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bins == nil {
		m.bins = make(map[ledger.PartitionKey]ledger.Bin)
	}
	for _, b := range bins {
		m.bins[b.PartitionKey] = b
	}
	return nil
}

func (m *memoryBins) Get(_ context.Context, key ledger.PartitionKey) (ledger.Bin, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bins[key]
	return b, ok, nil
}

func TestGetCachedBin(t *testing.T) {
	bins := &memoryBins{}
	handler := NewHandler(ledger.NewEngine(store.NewMemory(), ledger.Options{Publisher: bins}))
	handler.Bins = bins
	srv := httptest.NewServer(NewRouter(handler, nil, zerolog.Nop()))
	t.Cleanup(srv.Close)

	resp := do(t, srv, http.MethodGet, "/api/partitions/bin"+partitionQuery, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/movements", movement("Purchase Receipt", "PR-1", line("2025-01-01", "", "10", "5")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = do(t, srv, http.MethodPost, "/api/movements", movement("Purchase Receipt", "PR-2", line("2025-01-02", "", "10", "7")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/partitions/bin"+partitionQuery, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[BalanceDTO](t, resp)
	assert.True(t, got.ActualQty.Equal(decimal.NewFromInt(20)))
	assert.True(t, got.ValuationRate.Equal(decimal.NewFromInt(6)))
	assert.True(t, got.StockValue.Equal(decimal.NewFromInt(120)))

	resp = do(t, srv, http.MethodGet, "/api/partitions/bin?item=WIDGET", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCachedBin_NotConfigured(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/api/partitions/bin"+partitionQuery, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
