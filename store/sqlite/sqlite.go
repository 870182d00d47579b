/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists stock ledger entries and the voucher index in SQLite. The
  PostgreSQL store (store/postgres) follows the same schema with native
  NUMERIC columns.

INTERFACES IMPLEMENTED:
  ledger.Store:        Entry persistence
  ledger.VoucherIndex: Voucher -> entry IDs
  ledger.TxStore:      Atomic mutation groups

KEY TABLES:
  stock_ledger_entries: One row per movement, with its computed cache
  voucher_entries:      Which entries each voucher produced

MUTABILITY:
  The computed columns (qty_after_transaction, valuation_rate, stock_value,
  stock_value_difference) are rewritten by reconciliation. Rows are deleted
  only when their voucher is cancelled.

DECIMALS:
  Quantities, rates and values are stored as TEXT and scanned with
  shopspring/decimal, so no float rounding ever touches a balance.

ORDERING:
  posting_date ("2006-01-02") and posting_time ("15:04:05.000000") sort
  lexicographically, so ORDER BY posting_date, posting_time, id is the
  ledger timeline order.

INDEXES:
  - idx_sle_partition_timeline: Partition replay (hot path)
  - idx_sle_voucher: Voucher lookups

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. Writers are
  serialized; readers wait only for the commit of an open transaction.
  A "database is locked" error from another process is reported as
  ledger.ErrConcurrentReconciliationConflict so the engine retries it.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/stock-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: ":memory:" databases are per-connection
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stock_ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		item_code TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		posting_date TEXT NOT NULL,
		posting_time TEXT NOT NULL,
		actual_qty TEXT NOT NULL,
		incoming_rate TEXT,
		fallback_rate TEXT,
		qty_after_transaction TEXT NOT NULL,
		valuation_rate TEXT NOT NULL,
		stock_value TEXT NOT NULL,
		stock_value_difference TEXT NOT NULL,
		voucher_type TEXT NOT NULL,
		voucher_no TEXT NOT NULL,
		voucher_detail_no TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Partition replay in timeline order (hot path)
	CREATE INDEX IF NOT EXISTS idx_sle_partition_timeline
		ON stock_ledger_entries(item_code, warehouse, batch_no, serial_no, posting_date, posting_time, id);

	CREATE INDEX IF NOT EXISTS idx_sle_voucher
		ON stock_ledger_entries(voucher_type, voucher_no);

	CREATE TABLE IF NOT EXISTS voucher_entries (
		voucher_type TEXT NOT NULL,
		voucher_no TEXT NOT NULL,
		entry_id INTEGER NOT NULL REFERENCES stock_ledger_entries(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		PRIMARY KEY (voucher_type, voucher_no, entry_id),
		UNIQUE (voucher_type, voucher_no, seq)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entryColumns = `
	id, name, item_code, warehouse, batch_no, serial_no, posting_date, posting_time,
	actual_qty, incoming_rate, fallback_rate, qty_after_transaction, valuation_rate, stock_value,
	stock_value_difference, voucher_type, voucher_no, voucher_detail_no, company, owner, created_at`

const partitionFilter = `item_code = ? AND warehouse = ? AND batch_no = ? AND serial_no = ?`

const timelineOrder = `ORDER BY posting_date ASC, posting_time ASC, id ASC`

// =============================================================================
// COMMITTED READS (ledger.Store interface)
// =============================================================================

func (s *Store) ListPartition(ctx context.Context, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPartition(ctx, s.db, key)
}

func (s *Store) ListRange(ctx context.Context, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRange(ctx, s.db, key, from, to)
}

func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func (s *Store) Partitions(ctx context.Context) ([]ledger.PartitionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return partitions(ctx, s.db)
}

func (s *Store) EntriesFor(ctx context.Context, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesFor(ctx, s.db, ref)
}

// Single-operation writes run in their own transaction.

func (s *Store) Append(ctx context.Context, entry ledger.LedgerEntry) (ledger.EntryID, error) {
	var id ledger.EntryID
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		id, err = tx.Append(ctx, entry)
		return err
	})
	return id, err
}

func (s *Store) UpdateComputedFields(ctx context.Context, id ledger.EntryID, fields ledger.ComputedFields) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.UpdateComputedFields(ctx, id, fields) })
}

func (s *Store) Remove(ctx context.Context, id ledger.EntryID) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.Remove(ctx, id) })
}

func (s *Store) RecordEntries(ctx context.Context, ref ledger.VoucherRef, ids []ledger.EntryID) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.RecordEntries(ctx, ref, ids) })
}

func (s *Store) RemoveVoucher(ctx context.Context, ref ledger.VoucherRef) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.RemoveVoucher(ctx, ref) })
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Append(ctx context.Context, entry ledger.LedgerEntry) (ledger.EntryID, error) {
	return appendEntry(ctx, ts.tx, entry)
}

func (ts *txStore) ListPartition(ctx context.Context, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	return listPartition(ctx, ts.tx, key)
}

func (ts *txStore) ListRange(ctx context.Context, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return listRange(ctx, ts.tx, key, from, to)
}

func (ts *txStore) Get(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) UpdateComputedFields(ctx context.Context, id ledger.EntryID, fields ledger.ComputedFields) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE stock_ledger_entries
		SET qty_after_transaction = ?, valuation_rate = ?, stock_value = ?, stock_value_difference = ?
		WHERE id = ?`,
		fields.QtyAfterTransaction.String(),
		fields.ValuationRate.String(),
		fields.StockValue.String(),
		fields.StockValueDifference.String(),
		int64(id),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update entry %d: %w", id, err))
	}
	return expectRow(res, id)
}

func (ts *txStore) Remove(ctx context.Context, id ledger.EntryID) error {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM stock_ledger_entries WHERE id = ?`, int64(id))
	if err != nil {
		return mapError(fmt.Errorf("failed to remove entry %d: %w", id, err))
	}
	return expectRow(res, id)
}

func (ts *txStore) Partitions(ctx context.Context) ([]ledger.PartitionKey, error) {
	return partitions(ctx, ts.tx)
}

func (ts *txStore) RecordEntries(ctx context.Context, ref ledger.VoucherRef, ids []ledger.EntryID) error {
	var next int
	err := ts.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM voucher_entries WHERE voucher_type = ? AND voucher_no = ?`,
		string(ref.Type), ref.No,
	).Scan(&next)
	if err != nil {
		return mapError(fmt.Errorf("failed to read voucher %s: %w", ref, err))
	}

	for i, id := range ids {
		_, err := ts.tx.ExecContext(ctx,
			`INSERT INTO voucher_entries (voucher_type, voucher_no, entry_id, seq) VALUES (?, ?, ?, ?)`,
			string(ref.Type), ref.No, int64(id), next+i,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicateVoucher, ref)
			}
			return mapError(fmt.Errorf("failed to index voucher %s: %w", ref, err))
		}
	}
	return nil
}

func (ts *txStore) EntriesFor(ctx context.Context, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	return entriesFor(ctx, ts.tx, ref)
}

func (ts *txStore) RemoveVoucher(ctx context.Context, ref ledger.VoucherRef) error {
	_, err := ts.tx.ExecContext(ctx,
		`DELETE FROM voucher_entries WHERE voucher_type = ? AND voucher_no = ?`,
		string(ref.Type), ref.No,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to remove voucher %s: %w", ref, err))
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func appendEntry(ctx context.Context, q queryer, e ledger.LedgerEntry) (ledger.EntryID, error) {
	if err := e.Key().Validate(); err != nil {
		return 0, err
	}

	var incoming, fallback sql.NullString
	if e.IncomingRate.Valid {
		incoming = sql.NullString{String: e.IncomingRate.Decimal.String(), Valid: true}
	}
	if e.FallbackRate.Valid {
		fallback = sql.NullString{String: e.FallbackRate.Decimal.String(), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO stock_ledger_entries
		(name, item_code, warehouse, batch_no, serial_no, posting_date, posting_time,
		 actual_qty, incoming_rate, fallback_rate, qty_after_transaction, valuation_rate, stock_value,
		 stock_value_difference, voucher_type, voucher_no, voucher_detail_no, company, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name,
		string(e.Item), string(e.Warehouse), e.BatchNo, e.SerialNo,
		e.PostingDate.Format(ledger.DateLayout),
		ledger.FormatPostingTime(e.PostingTime),
		e.ActualQty.String(),
		incoming,
		fallback,
		e.QtyAfterTransaction.String(),
		e.ValuationRate.String(),
		e.StockValue.String(),
		e.StockValueDifference.String(),
		string(e.Voucher.Type), e.Voucher.No, e.VoucherDetailNo,
		e.Company, e.Owner,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to append entry: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read entry id: %w", err)
	}
	return ledger.EntryID(id), nil
}

func listPartition(ctx context.Context, q queryer, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM stock_ledger_entries WHERE ` + partitionFilter + ` ` + timelineOrder
	return queryEntries(ctx, q, query, string(key.Item), string(key.Warehouse), key.BatchNo, key.SerialNo)
}

func listRange(ctx context.Context, q queryer, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM stock_ledger_entries WHERE ` + partitionFilter + `
		AND posting_date >= ? AND posting_date <= ? ` + timelineOrder
	return queryEntries(ctx, q, query,
		string(key.Item), string(key.Warehouse), key.BatchNo, key.SerialNo,
		from.Format(ledger.DateLayout), to.Format(ledger.DateLayout))
}

func getEntry(ctx context.Context, q queryer, id ledger.EntryID) (ledger.LedgerEntry, error) {
	entries, err := queryEntries(ctx, q, `SELECT `+entryColumns+` FROM stock_ledger_entries WHERE id = ?`, int64(id))
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return ledger.LedgerEntry{}, fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	return entries[0], nil
}

func partitions(ctx context.Context, q queryer) ([]ledger.PartitionKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT item_code, warehouse, batch_no, serial_no
		FROM stock_ledger_entries
		ORDER BY item_code, warehouse, batch_no, serial_no`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query partitions: %w", err))
	}
	defer rows.Close()

	keys := []ledger.PartitionKey{}
	for rows.Next() {
		var k ledger.PartitionKey
		if err := rows.Scan(&k.Item, &k.Warehouse, &k.BatchNo, &k.SerialNo); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func entriesFor(ctx context.Context, q queryer, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT entry_id FROM voucher_entries WHERE voucher_type = ? AND voucher_no = ? ORDER BY seq`,
		string(ref.Type), ref.No,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query voucher %s: %w", ref, err))
	}
	defer rows.Close()

	ids := []ledger.EntryID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan voucher entry: %w", err)
		}
		ids = append(ids, ledger.EntryID(id))
	}
	return ids, rows.Err()
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	entries := []ledger.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.LedgerEntry, error) {
	var (
		e           ledger.LedgerEntry
		id          int64
		postingDate string
		postingTime string
		voucherType string
		createdAt   string
	)

	err := rows.Scan(
		&id, &e.Name, &e.Item, &e.Warehouse, &e.BatchNo, &e.SerialNo,
		&postingDate, &postingTime,
		&e.ActualQty, &e.IncomingRate, &e.FallbackRate,
		&e.QtyAfterTransaction, &e.ValuationRate, &e.StockValue, &e.StockValueDifference,
		&voucherType, &e.Voucher.No, &e.VoucherDetailNo, &e.Company, &e.Owner, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ID = ledger.EntryID(id)
	e.Voucher.Type = ledger.VoucherType(voucherType)
	e.PostingDate, e.PostingTime, err = ledger.ParsePosting(postingDate, postingTime)
	if err != nil {
		return e, fmt.Errorf("entry %d: %w", id, err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"voucher_entries", "stock_ledger_entries"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func expectRow(res sql.Result, id ledger.EntryID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	return nil
}

// mapError turns lock contention from another process into a retryable
// conflict.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentReconciliationConflict, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
