/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  Same schema as store/sqlite with native types: NUMERIC for quantities,
  rates and values (decoded into shopspring/decimal through
  pgx-shopspring-decimal), DATE for posting_date and TIME for posting_time.

CONCURRENCY:
  Several engine processes may share one database. Each transaction takes
  a row lock on stock_partitions for every partition it touches, so two
  processes never reconcile the same partition at once. Lock waits are
  bounded by lock_timeout.

ERROR MAPPING:
  40001 serialization_failure -> ledger.ErrConcurrentReconciliationConflict
  40P01 deadlock_detected     -> ledger.ErrConcurrentReconciliationConflict
  55P03 lock_not_available    -> ledger.ErrLockTimeout
  23505 unique_violation      -> ledger.ErrDuplicateVoucher (voucher index)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/stock-ledger/ledger"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.TxStore on a pgx pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ ledger.TxStore = (*Store)(nil)

// NewPool opens a pool with the decimal codec registered on every connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// NUMERIC -> shopspring/decimal on all pool connections.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	return pool, nil
}

// New wraps a pool and migrates the schema. lockTimeout bounds row lock
// waits; zero uses five seconds.
func New(ctx context.Context, pool *pgxpool.Pool, lockTimeout time.Duration) (*Store, error) {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	s := &Store{pool: pool, lockTimeout: lockTimeout}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE voucher_entries, stock_ledger_entries, stock_partitions RESTART IDENTITY`)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS stock_partitions (
		item_code TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (item_code, warehouse, batch_no, serial_no)
	);

	CREATE TABLE IF NOT EXISTS stock_ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		item_code TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		posting_date DATE NOT NULL,
		posting_time TIME NOT NULL,
		actual_qty NUMERIC NOT NULL,
		incoming_rate NUMERIC,
		fallback_rate NUMERIC,
		qty_after_transaction NUMERIC NOT NULL,
		valuation_rate NUMERIC NOT NULL,
		stock_value NUMERIC NOT NULL,
		stock_value_difference NUMERIC NOT NULL,
		voucher_type TEXT NOT NULL,
		voucher_no TEXT NOT NULL,
		voucher_detail_no TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	ALTER TABLE stock_ledger_entries ADD COLUMN IF NOT EXISTS fallback_rate NUMERIC;

	CREATE INDEX IF NOT EXISTS idx_sle_partition_timeline
		ON stock_ledger_entries(item_code, warehouse, batch_no, serial_no, posting_date, posting_time, id);

	CREATE TABLE IF NOT EXISTS voucher_entries (
		voucher_type TEXT NOT NULL,
		voucher_no TEXT NOT NULL,
		entry_id BIGINT NOT NULL REFERENCES stock_ledger_entries(id) ON DELETE CASCADE,
		seq INT NOT NULL,
		PRIMARY KEY (voucher_type, voucher_no, entry_id),
		UNIQUE (voucher_type, voucher_no, seq)
	);`)
	return err
}

const entryColumns = `
	id, name, item_code, warehouse, batch_no, serial_no, posting_date, posting_time,
	actual_qty, incoming_rate, fallback_rate, qty_after_transaction, valuation_rate, stock_value,
	stock_value_difference, voucher_type, voucher_no, voucher_detail_no, company, owner, created_at`

const partitionFilter = `item_code = $1 AND warehouse = $2 AND batch_no = $3 AND serial_no = $4`

const timelineOrder = `ORDER BY posting_date, posting_time, id`

// =============================================================================
// COMMITTED READS
// =============================================================================

func (s *Store) ListPartition(ctx context.Context, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	return listPartition(ctx, s.pool, key)
}

func (s *Store) ListRange(ctx context.Context, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return listRange(ctx, s.pool, key, from, to)
}

func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	return getEntry(ctx, s.pool, id)
}

func (s *Store) Partitions(ctx context.Context) ([]ledger.PartitionKey, error) {
	return partitions(ctx, s.pool)
}

func (s *Store) EntriesFor(ctx context.Context, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	return entriesFor(ctx, s.pool, ref)
}

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
// TRANSACTIONS
// =============================================================================

// WithTx begins a transaction, runs fn with a Tx bound to it, and commits
// or rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(fmt.Errorf("set lock timeout: %w", err))
	}

	if err := fn(&txStore{tx: tx, locked: make(map[ledger.PartitionKey]bool)}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	tx     pgx.Tx
	locked map[ledger.PartitionKey]bool
}

// lock takes the partition row lock once per transaction.
func (ts *txStore) lock(ctx context.Context, key ledger.PartitionKey) error {
	if ts.locked[key] {
		return nil
	}
	args := []any{string(key.Item), string(key.Warehouse), key.BatchNo, key.SerialNo}
	if _, err := ts.tx.Exec(ctx, `
		INSERT INTO stock_partitions (item_code, warehouse, batch_no, serial_no)
		VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`, args...); err != nil {
		return fmt.Errorf("register partition %s: %w", key, err)
	}
	if _, err := ts.tx.Exec(ctx, `SELECT 1 FROM stock_partitions WHERE `+partitionFilter+` FOR UPDATE`, args...); err != nil {
		return fmt.Errorf("lock partition %s: %w", key, err)
	}
	ts.locked[key] = true
	return nil
}

func (ts *txStore) Append(ctx context.Context, e ledger.LedgerEntry) (ledger.EntryID, error) {
	if err := e.Key().Validate(); err != nil {
		return 0, err
	}
	if err := ts.lock(ctx, e.Key()); err != nil {
		return 0, err
	}

	var id int64
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO stock_ledger_entries
		(name, item_code, warehouse, batch_no, serial_no, posting_date, posting_time,
		 actual_qty, incoming_rate, fallback_rate, qty_after_transaction, valuation_rate, stock_value,
		 stock_value_difference, voucher_type, voucher_no, voucher_detail_no, company, owner, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id`,
		e.Name,
		string(e.Item), string(e.Warehouse), e.BatchNo, e.SerialNo,
		e.PostingDate,
		pgtype.Time{Microseconds: e.PostingTime.Microseconds(), Valid: true},
		e.ActualQty, e.IncomingRate, e.FallbackRate,
		e.QtyAfterTransaction, e.ValuationRate, e.StockValue, e.StockValueDifference,
		string(e.Voucher.Type), e.Voucher.No, e.VoucherDetailNo,
		e.Company, e.Owner, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	return ledger.EntryID(id), nil
}

func (ts *txStore) ListPartition(ctx context.Context, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	if err := ts.lock(ctx, key); err != nil {
		return nil, err
	}
	return listPartition(ctx, ts.tx, key)
}

func (ts *txStore) ListRange(ctx context.Context, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return listRange(ctx, ts.tx, key, from, to)
}

func (ts *txStore) Get(ctx context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) UpdateComputedFields(ctx context.Context, id ledger.EntryID, f ledger.ComputedFields) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE stock_ledger_entries
		SET qty_after_transaction = $1, valuation_rate = $2, stock_value = $3, stock_value_difference = $4
		WHERE id = $5`,
		f.QtyAfterTransaction, f.ValuationRate, f.StockValue, f.StockValueDifference, int64(id))
	if err != nil {
		return fmt.Errorf("update entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	return nil
}

func (ts *txStore) Remove(ctx context.Context, id ledger.EntryID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM stock_ledger_entries WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("remove entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	return nil
}

func (ts *txStore) Partitions(ctx context.Context) ([]ledger.PartitionKey, error) {
	return partitions(ctx, ts.tx)
}

func (ts *txStore) RecordEntries(ctx context.Context, ref ledger.VoucherRef, ids []ledger.EntryID) error {
	var next int
	err := ts.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM voucher_entries WHERE voucher_type = $1 AND voucher_no = $2`,
		string(ref.Type), ref.No,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("read voucher %s: %w", ref, err)
	}

	batch := &pgx.Batch{}
	for i, id := range ids {
		batch.Queue(`INSERT INTO voucher_entries (voucher_type, voucher_no, entry_id, seq) VALUES ($1, $2, $3, $4)`,
			string(ref.Type), ref.No, int64(id), next+i)
	}
	if err := ts.tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateVoucher, ref)
		}
		return fmt.Errorf("index voucher %s: %w", ref, err)
	}
	return nil
}

func (ts *txStore) EntriesFor(ctx context.Context, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	return entriesFor(ctx, ts.tx, ref)
}

func (ts *txStore) RemoveVoucher(ctx context.Context, ref ledger.VoucherRef) error {
	_, err := ts.tx.Exec(ctx, `DELETE FROM voucher_entries WHERE voucher_type = $1 AND voucher_no = $2`,
		string(ref.Type), ref.No)
	if err != nil {
		return fmt.Errorf("remove voucher %s: %w", ref, err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func listPartition(ctx context.Context, q Querier, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	return queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM stock_ledger_entries WHERE `+partitionFilter+` `+timelineOrder,
		string(key.Item), string(key.Warehouse), key.BatchNo, key.SerialNo)
}

func listRange(ctx context.Context, q Querier, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM stock_ledger_entries WHERE `+partitionFilter+`
		 AND posting_date >= $5 AND posting_date <= $6 `+timelineOrder,
		string(key.Item), string(key.Warehouse), key.BatchNo, key.SerialNo, from, to)
}

func getEntry(ctx context.Context, q Querier, id ledger.EntryID) (ledger.LedgerEntry, error) {
	entries, err := queryEntries(ctx, q, `SELECT `+entryColumns+` FROM stock_ledger_entries WHERE id = $1`, int64(id))
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return ledger.LedgerEntry{}, fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	return entries[0], nil
}

func partitions(ctx context.Context, q Querier) ([]ledger.PartitionKey, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT item_code, warehouse, batch_no, serial_no
		FROM stock_ledger_entries
		ORDER BY item_code, warehouse, batch_no, serial_no`)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	keys := []ledger.PartitionKey{}
	for rows.Next() {
		var item, warehouse, batch, serial string
		if err := rows.Scan(&item, &warehouse, &batch, &serial); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		keys = append(keys, ledger.PartitionKey{
			Item: ledger.ItemCode(item), Warehouse: ledger.WarehouseCode(warehouse), BatchNo: batch, SerialNo: serial,
		})
	}
	return keys, rows.Err()
}

func entriesFor(ctx context.Context, q Querier, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	rows, err := q.Query(ctx,
		`SELECT entry_id FROM voucher_entries WHERE voucher_type = $1 AND voucher_no = $2 ORDER BY seq`,
		string(ref.Type), ref.No)
	if err != nil {
		return nil, fmt.Errorf("query voucher %s: %w", ref, err)
	}
	defer rows.Close()

	ids := []ledger.EntryID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan voucher entry: %w", err)
		}
		ids = append(ids, ledger.EntryID(id))
	}
	return ids, rows.Err()
}

func queryEntries(ctx context.Context, q Querier, sql string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []ledger.LedgerEntry{}
	for rows.Next() {
		var (
			e                            ledger.LedgerEntry
			id                           int64
			item, warehouse, voucherType string
			postingTime                  pgtype.Time
		)
		err := rows.Scan(
			&id, &e.Name, &item, &warehouse, &e.BatchNo, &e.SerialNo,
			&e.PostingDate, &postingTime,
			&e.ActualQty, &e.IncomingRate, &e.FallbackRate,
			&e.QtyAfterTransaction, &e.ValuationRate, &e.StockValue, &e.StockValueDifference,
			&voucherType, &e.Voucher.No, &e.VoucherDetailNo, &e.Company, &e.Owner, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.Item = ledger.ItemCode(item)
		e.Warehouse = ledger.WarehouseCode(warehouse)
		e.Voucher.Type = ledger.VoucherType(voucherType)
		e.PostingDate = ledger.Date(e.PostingDate.Year(), e.PostingDate.Month(), e.PostingDate.Day())
		e.PostingTime = time.Duration(postingTime.Microseconds) * time.Microsecond
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ERRORS
// =============================================================================

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentReconciliationConflict, err)
	case "55P03": // lock_not_available
		return fmt.Errorf("%w: %v", ledger.ErrLockTimeout, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
