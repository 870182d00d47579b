/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  Quantities, rates and values are shopspring decimals. They are written
  as JSON strings ("10.5") and accepted as strings or numbers.

TIMESTAMPS:
  posting_date is "2006-01-02"; posting_time is "15:04[:05[.000000]]".

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// MovementLineDTO is one voucher line.
type MovementLineDTO struct {
	VoucherDetailNo string              `json:"voucher_detail_no,omitempty"`
	Item            string              `json:"item"`
	Warehouse       string              `json:"warehouse"`
	BatchNo         string              `json:"batch_no,omitempty"`
	SerialNo        string              `json:"serial_no,omitempty"`
	PostingDate     string              `json:"posting_date"`
	PostingTime     string              `json:"posting_time,omitempty"`
	ActualQty       decimal.Decimal     `json:"actual_qty"`
	IncomingRate    decimal.NullDecimal `json:"incoming_rate"`
	Company         string              `json:"company,omitempty"`
	Owner           string              `json:"owner,omitempty"`
}

// MovementRequest posts a single-line voucher.
type MovementRequest struct {
	VoucherType string `json:"voucher_type"`
	VoucherNo   string `json:"voucher_no"`
	MovementLineDTO
}

// VoucherRequest posts (or amends) a multi-line voucher.
type VoucherRequest struct {
	VoucherType string            `json:"voucher_type"`
	VoucherNo   string            `json:"voucher_no"`
	Lines       []MovementLineDTO `json:"lines"`
}

// TransferRequest moves stock between warehouses.
type TransferRequest struct {
	VoucherNo     string          `json:"voucher_no,omitempty"`
	Item          string          `json:"item"`
	FromWarehouse string          `json:"from_warehouse"`
	ToWarehouse   string          `json:"to_warehouse"`
	BatchNo       string          `json:"batch_no,omitempty"`
	PostingDate   string          `json:"posting_date"`
	PostingTime   string          `json:"posting_time,omitempty"`
	Qty           decimal.Decimal `json:"qty"`
	Company       string          `json:"company,omitempty"`
	Owner         string          `json:"owner,omitempty"`
}

// PolicyDTO is a negative stock policy.
type PolicyDTO struct {
	AllowNegative bool                `json:"allow_negative"`
	FallbackRate  decimal.NullDecimal `json:"fallback_rate"`
}

// PolicyOverrideDTO scopes a policy to one item/warehouse.
type PolicyOverrideDTO struct {
	Item      string `json:"item"`
	Warehouse string `json:"warehouse"`
	PolicyDTO
}

// PoliciesDTO is the full policy set, used by GET and PUT /api/policies.
type PoliciesDTO struct {
	Default   PolicyDTO           `json:"default"`
	Overrides []PolicyOverrideDTO `json:"overrides"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO is a ledger entry in API responses.
type EntryDTO struct {
	ID                   int64               `json:"id"`
	Name                 string              `json:"name"`
	Item                 string              `json:"item"`
	Warehouse            string              `json:"warehouse"`
	BatchNo              string              `json:"batch_no,omitempty"`
	SerialNo             string              `json:"serial_no,omitempty"`
	PostingDate          string              `json:"posting_date"`
	PostingTime          string              `json:"posting_time"`
	ActualQty            decimal.Decimal     `json:"actual_qty"`
	IncomingRate         decimal.NullDecimal `json:"incoming_rate"`
	FallbackRate         decimal.NullDecimal `json:"fallback_rate"`
	QtyAfterTransaction  decimal.Decimal     `json:"qty_after_transaction"`
	ValuationRate        decimal.Decimal     `json:"valuation_rate"`
	StockValue           decimal.Decimal     `json:"stock_value"`
	StockValueDifference decimal.Decimal     `json:"stock_value_difference"`
	VoucherType          string              `json:"voucher_type"`
	VoucherNo            string              `json:"voucher_no"`
	VoucherDetailNo      string              `json:"voucher_detail_no,omitempty"`
	Company              string              `json:"company,omitempty"`
	Owner                string              `json:"owner,omitempty"`
	CreatedAt            string              `json:"created_at"`
}

// PartitionDTO identifies a partition.
type PartitionDTO struct {
	Item      string `json:"item"`
	Warehouse string `json:"warehouse"`
	BatchNo   string `json:"batch_no,omitempty"`
	SerialNo  string `json:"serial_no,omitempty"`
	State     string `json:"state"`
}

// BalanceDTO is the state of a partition, latest or as of a timestamp.
type BalanceDTO struct {
	Item          string          `json:"item"`
	Warehouse     string          `json:"warehouse"`
	BatchNo       string          `json:"batch_no,omitempty"`
	SerialNo      string          `json:"serial_no,omitempty"`
	AsOf          string          `json:"as_of,omitempty"`
	ActualQty     decimal.Decimal `json:"actual_qty"`
	ValuationRate decimal.Decimal `json:"valuation_rate"`
	StockValue    decimal.Decimal `json:"stock_value"`
	LastEntryID   int64           `json:"last_entry_id,omitempty"`
}

// VerifyDTO reports entries whose cached fields drifted from a replay.
type VerifyDTO struct {
	Partition PartitionDTO `json:"partition"`
	Drifted   []int64      `json:"drifted"`
}

// RepairDTO reports how many entries a repair rewrote.
type RepairDTO struct {
	Partition PartitionDTO `json:"partition"`
	Rewritten int          `json:"rewritten"`
}

// VerificationRunDTO is one scheduled or manual drift check.
type VerificationRunDTO struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Partitions  int      `json:"partitions"`
	Drifted     int      `json:"drifted"`
	Repaired    int      `json:"repaired"`
	Errors      []string `json:"errors,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// VerificationScheduleDTO describes the periodic drift check.
type VerificationScheduleDTO struct {
	Enabled    bool   `json:"enabled"`
	Running    bool   `json:"running"`
	Interval   string `json:"interval"`
	AutoRepair bool   `json:"auto_repair"`
	NextRunAt  string `json:"next_run_at,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e ledger.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:                   int64(e.ID),
		Name:                 e.Name,
		Item:                 string(e.Item),
		Warehouse:            string(e.Warehouse),
		BatchNo:              e.BatchNo,
		SerialNo:             e.SerialNo,
		PostingDate:          e.PostingDate.Format(ledger.DateLayout),
		PostingTime:          ledger.FormatPostingTime(e.PostingTime),
		ActualQty:            e.ActualQty,
		IncomingRate:         e.IncomingRate,
		FallbackRate:         e.FallbackRate,
		QtyAfterTransaction:  e.QtyAfterTransaction,
		ValuationRate:        e.ValuationRate,
		StockValue:           e.StockValue,
		StockValueDifference: e.StockValueDifference,
		VoucherType:          string(e.Voucher.Type),
		VoucherNo:            e.Voucher.No,
		VoucherDetailNo:      e.VoucherDetailNo,
		Company:              e.Company,
		Owner:                e.Owner,
		CreatedAt:            e.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []ledger.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toPartitionDTO(k ledger.PartitionKey, state ledger.PartitionState) PartitionDTO {
	return PartitionDTO{
		Item:      string(k.Item),
		Warehouse: string(k.Warehouse),
		BatchNo:   k.BatchNo,
		SerialNo:  k.SerialNo,
		State:     string(state),
	}
}

func toPoliciesDTO(ps *ledger.PolicySet) PoliciesDTO {
	def := ps.Default()
	dto := PoliciesDTO{
		Default:   PolicyDTO{AllowNegative: def.AllowNegative, FallbackRate: def.FallbackRate},
		Overrides: []PolicyOverrideDTO{},
	}
	for _, o := range ps.Overrides() {
		dto.Overrides = append(dto.Overrides, PolicyOverrideDTO{
			Item:      string(o.Item),
			Warehouse: string(o.Warehouse),
			PolicyDTO: PolicyDTO{AllowNegative: o.Policy.AllowNegative, FallbackRate: o.Policy.FallbackRate},
		})
	}
	return dto
}

func toVerificationRunDTO(run VerificationRun) VerificationRunDTO {
	dto := VerificationRunDTO{
		ID:         run.ID,
		Status:     run.Status,
		Partitions: run.Partitions,
		Drifted:    run.Drifted,
		Repaired:   run.Repaired,
		Errors:     run.Errors,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func (l MovementLineDTO) toRequest(ref ledger.VoucherRef) (ledger.MovementRequest, error) {
	date, clock, err := ledger.ParsePosting(l.PostingDate, l.PostingTime)
	if err != nil {
		return ledger.MovementRequest{}, err
	}
	return ledger.MovementRequest{
		Voucher:         ref,
		VoucherDetailNo: l.VoucherDetailNo,
		Key: ledger.PartitionKey{
			Item:      ledger.ItemCode(l.Item),
			Warehouse: ledger.WarehouseCode(l.Warehouse),
			BatchNo:   l.BatchNo,
			SerialNo:  l.SerialNo,
		},
		PostingDate:  date,
		PostingTime:  clock,
		ActualQty:    l.ActualQty,
		IncomingRate: l.IncomingRate,
		Company:      l.Company,
		Owner:        l.Owner,
	}, nil
}
