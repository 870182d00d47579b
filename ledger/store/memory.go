// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every partition in a sorted slice. Transactions copy the
// partitions they touch and swap them in at commit, so readers only ever
// see committed partitions and writers on distinct partitions never wait
// on each other beyond the commit itself.
type Memory struct {
	mu         sync.RWMutex
	partitions map[ledger.PartitionKey]*partition
	index      map[ledger.EntryID]ledger.PartitionKey
	vouchers   map[ledger.VoucherRef]*voucher
	nextID     atomic.Int64
}

type partition struct {
	entries []ledger.LedgerEntry
	version uint64
}

type voucher struct {
	ids     []ledger.EntryID
	version uint64
}

func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[ledger.PartitionKey]*partition),
		index:      make(map[ledger.EntryID]ledger.PartitionKey),
		vouchers:   make(map[ledger.VoucherRef]*voucher),
	}
}

var _ ledger.TxStore = (*Memory)(nil)

// --- Committed reads ---

func (m *Memory) ListPartition(_ context.Context, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(key), nil
}

func (m *Memory) ListRange(_ context.Context, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRange(m.listLocked(key), from, to), nil
}

func (m *Memory) Get(_ context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.index[id]
	if !ok {
		return ledger.LedgerEntry{}, fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	p := m.partitions[key]
	if i := ledger.PositionOf(p.entries, id); i >= 0 {
		return p.entries[i], nil
	}
	return ledger.LedgerEntry{}, fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
}

func (m *Memory) Partitions(_ context.Context) ([]ledger.PartitionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]ledger.PartitionKey, 0, len(m.partitions))
	for k, p := range m.partitions {
		if len(p.entries) > 0 {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *Memory) EntriesFor(_ context.Context, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vouchers[ref]
	if !ok {
		return []ledger.EntryID{}, nil
	}
	return append([]ledger.EntryID{}, v.ids...), nil
}

// --- Single-operation writes, each its own transaction ---

func (m *Memory) Append(ctx context.Context, entry ledger.LedgerEntry) (ledger.EntryID, error) {
	var id ledger.EntryID
	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		id, err = tx.Append(ctx, entry)
		return err
	})
	return id, err
}

func (m *Memory) UpdateComputedFields(ctx context.Context, id ledger.EntryID, fields ledger.ComputedFields) error {
	return m.WithTx(ctx, func(tx ledger.Tx) error { return tx.UpdateComputedFields(ctx, id, fields) })
}

func (m *Memory) Remove(ctx context.Context, id ledger.EntryID) error {
	return m.WithTx(ctx, func(tx ledger.Tx) error { return tx.Remove(ctx, id) })
}

func (m *Memory) RecordEntries(ctx context.Context, ref ledger.VoucherRef, ids []ledger.EntryID) error {
	return m.WithTx(ctx, func(tx ledger.Tx) error { return tx.RecordEntries(ctx, ref, ids) })
}

func (m *Memory) RemoveVoucher(ctx context.Context, ref ledger.VoucherRef) error {
	return m.WithTx(ctx, func(tx ledger.Tx) error { return tx.RemoveVoucher(ctx, ref) })
}

// Reset drops every entry and voucher. Versions are bumped so transactions
// in flight fail with a conflict instead of resurrecting data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.partitions {
		p.entries = nil
		p.version++
	}
	for _, v := range m.vouchers {
		v.ids = nil
		v.version++
	}
	m.index = make(map[ledger.EntryID]ledger.PartitionKey)
	return nil
}

func (m *Memory) listLocked(key ledger.PartitionKey) []ledger.LedgerEntry {
	p, ok := m.partitions[key]
	if !ok {
		return []ledger.LedgerEntry{}
	}
	result := make([]ledger.LedgerEntry, len(p.entries))
	copy(result, p.entries)
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a private overlay. At commit every partition
// and voucher the transaction read must still be at the version it saw;
// otherwise nothing is applied and ErrConcurrentReconciliationConflict is
// returned.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx := &memoryTx{
		parent:   m,
		parts:    make(map[ledger.PartitionKey]*txPartition),
		vouchers: make(map[ledger.VoucherRef]*txVoucher),
		index:    make(map[ledger.EntryID]ledger.PartitionKey),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, tp := range tx.parts {
		if m.partitionVersion(key) != tp.base {
			return fmt.Errorf("%w: partition %s changed during transaction", ledger.ErrConcurrentReconciliationConflict, key)
		}
	}
	for ref, tv := range tx.vouchers {
		if m.voucherVersion(ref) != tv.base {
			return fmt.Errorf("%w: voucher %s changed during transaction", ledger.ErrConcurrentReconciliationConflict, ref)
		}
	}

	for key, tp := range tx.parts {
		if !tp.dirty {
			continue
		}
		p, ok := m.partitions[key]
		if !ok {
			p = &partition{}
			m.partitions[key] = p
		}
		p.entries = tp.entries
		p.version++
	}
	for id, key := range tx.index {
		if key == (ledger.PartitionKey{}) {
			delete(m.index, id)
		} else {
			m.index[id] = key
		}
	}
	for ref, tv := range tx.vouchers {
		if !tv.dirty {
			continue
		}
		v, ok := m.vouchers[ref]
		if !ok {
			v = &voucher{}
			m.vouchers[ref] = v
		}
		v.ids = tv.ids
		v.version++
		if len(tv.ids) == 0 {
			v.ids = nil
		}
	}
	return nil
}

func (m *Memory) partitionVersion(key ledger.PartitionKey) uint64 {
	if p, ok := m.partitions[key]; ok {
		return p.version
	}
	return 0
}

func (m *Memory) voucherVersion(ref ledger.VoucherRef) uint64 {
	if v, ok := m.vouchers[ref]; ok {
		return v.version
	}
	return 0
}

type txPartition struct {
	entries []ledger.LedgerEntry
	base    uint64
	dirty   bool
}

type txVoucher struct {
	ids   []ledger.EntryID
	base  uint64
	dirty bool
}

// memoryTx is the overlay handed to WithTx callbacks. It is not safe for
// concurrent use.
type memoryTx struct {
	parent   *Memory
	parts    map[ledger.PartitionKey]*txPartition
	vouchers map[ledger.VoucherRef]*txVoucher
	// index overrides; the zero key marks a removed entry
	index map[ledger.EntryID]ledger.PartitionKey
}

func (tx *memoryTx) partition(key ledger.PartitionKey) *txPartition {
	if tp, ok := tx.parts[key]; ok {
		return tp
	}
	tx.parent.mu.RLock()
	tp := &txPartition{
		entries: tx.parent.listLocked(key),
		base:    tx.parent.partitionVersion(key),
	}
	tx.parent.mu.RUnlock()
	tx.parts[key] = tp
	return tp
}

func (tx *memoryTx) voucher(ref ledger.VoucherRef) *txVoucher {
	if tv, ok := tx.vouchers[ref]; ok {
		return tv
	}
	tx.parent.mu.RLock()
	tv := &txVoucher{base: tx.parent.voucherVersion(ref)}
	if v, ok := tx.parent.vouchers[ref]; ok {
		tv.ids = append([]ledger.EntryID{}, v.ids...)
	}
	tx.parent.mu.RUnlock()
	tx.vouchers[ref] = tv
	return tv
}

func (tx *memoryTx) keyOf(id ledger.EntryID) (ledger.PartitionKey, bool) {
	if key, ok := tx.index[id]; ok {
		return key, key != (ledger.PartitionKey{})
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	key, ok := tx.parent.index[id]
	return key, ok
}

func (tx *memoryTx) Append(_ context.Context, entry ledger.LedgerEntry) (ledger.EntryID, error) {
	if err := entry.Key().Validate(); err != nil {
		return 0, err
	}
	entry.ID = ledger.EntryID(tx.parent.nextID.Add(1))

	tp := tx.partition(entry.Key())
	i := sort.Search(len(tp.entries), func(i int) bool {
		return ledger.EntryLess(entry, tp.entries[i])
	})
	entries := make([]ledger.LedgerEntry, 0, len(tp.entries)+1)
	entries = append(entries, tp.entries[:i]...)
	entries = append(entries, entry)
	tp.entries = append(entries, tp.entries[i:]...)
	tp.dirty = true

	tx.index[entry.ID] = entry.Key()
	return entry.ID, nil
}

func (tx *memoryTx) ListPartition(_ context.Context, key ledger.PartitionKey) ([]ledger.LedgerEntry, error) {
	tp := tx.partition(key)
	result := make([]ledger.LedgerEntry, len(tp.entries))
	copy(result, tp.entries)
	return result, nil
}

func (tx *memoryTx) ListRange(ctx context.Context, key ledger.PartitionKey, from, to time.Time) ([]ledger.LedgerEntry, error) {
	entries, _ := tx.ListPartition(ctx, key)
	return filterRange(entries, from, to), nil
}

func (tx *memoryTx) Get(_ context.Context, id ledger.EntryID) (ledger.LedgerEntry, error) {
	key, ok := tx.keyOf(id)
	if !ok {
		return ledger.LedgerEntry{}, fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	tp := tx.partition(key)
	if i := ledger.PositionOf(tp.entries, id); i >= 0 {
		return tp.entries[i], nil
	}
	return ledger.LedgerEntry{}, fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
}

func (tx *memoryTx) UpdateComputedFields(_ context.Context, id ledger.EntryID, fields ledger.ComputedFields) error {
	key, ok := tx.keyOf(id)
	if !ok {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	tp := tx.partition(key)
	i := ledger.PositionOf(tp.entries, id)
	if i < 0 {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	tp.entries[i].ComputedFields = fields
	tp.dirty = true
	return nil
}

func (tx *memoryTx) Remove(_ context.Context, id ledger.EntryID) error {
	key, ok := tx.keyOf(id)
	if !ok {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	tp := tx.partition(key)
	i := ledger.PositionOf(tp.entries, id)
	if i < 0 {
		return fmt.Errorf("%w: entry %d", ledger.ErrNotFound, id)
	}
	entries := make([]ledger.LedgerEntry, 0, len(tp.entries)-1)
	entries = append(entries, tp.entries[:i]...)
	tp.entries = append(entries, tp.entries[i+1:]...)
	tp.dirty = true
	tx.index[id] = ledger.PartitionKey{}
	return nil
}

func (tx *memoryTx) Partitions(ctx context.Context) ([]ledger.PartitionKey, error) {
	committed, _ := tx.parent.Partitions(ctx)
	seen := make(map[ledger.PartitionKey]bool, len(committed))
	keys := make([]ledger.PartitionKey, 0, len(committed))
	for _, k := range committed {
		seen[k] = true
		if tp, ok := tx.parts[k]; ok && len(tp.entries) == 0 {
			continue
		}
		keys = append(keys, k)
	}
	for k, tp := range tx.parts {
		if !seen[k] && len(tp.entries) > 0 {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (tx *memoryTx) RecordEntries(_ context.Context, ref ledger.VoucherRef, ids []ledger.EntryID) error {
	tv := tx.voucher(ref)
	tv.ids = append(tv.ids, ids...)
	tv.dirty = true
	return nil
}

func (tx *memoryTx) EntriesFor(_ context.Context, ref ledger.VoucherRef) ([]ledger.EntryID, error) {
	tv := tx.voucher(ref)
	return append([]ledger.EntryID{}, tv.ids...), nil
}

func (tx *memoryTx) RemoveVoucher(_ context.Context, ref ledger.VoucherRef) error {
	tv := tx.voucher(ref)
	tv.ids = nil
	tv.dirty = true
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func filterRange(entries []ledger.LedgerEntry, from, to time.Time) []ledger.LedgerEntry {
	result := make([]ledger.LedgerEntry, 0)
	for _, e := range entries {
		if !e.PostingDate.Before(from) && !e.PostingDate.After(to) {
			result = append(result, e)
		}
	}
	return result
}

func sortKeys(keys []ledger.PartitionKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
