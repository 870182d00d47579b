/*
engine.go - Posting coordinator

PURPOSE:
  The transactional API the rest of the ERP calls: post, cancel, amend and
  transfer. The Engine serializes work per partition, opens the store
  transaction, decides between the cheap append path and a backdated
  reconciliation, and keeps the voucher index in step.

CONTROL FLOW (post):
  1. Validate the voucher lines (no locks held yet)
  2. Acquire partition locks for every touched partition (sorted order)
  3. WithTx:
     a. reject if the voucher already has entries
     b. for each line find the insertion position
        - strictly latest, single line for the partition: compute + append
        - otherwise: append, then reconcile the tail from the position
     c. record the voucher -> entries index
  4. Publish bins of touched partitions, then release locks

CANCEL / AMEND:
  Removals and insertions are applied first, then every touched partition
  is reconciled once from its earliest changed position. Amend never
  observes the intermediate "cancelled but not re-posted" timeline, so it
  cannot be rejected for a negative balance that only exists mid-flight.

RETRIES:
  ErrConcurrentReconciliationConflict re-runs the whole attempt (resolve
  keys, lock, transaction) with exponential backoff, bounded by
  MaxConflictRetries. No other error is retried.

LOCKS:
  Held locks are released with defer on every exit path, after the bins
  of the committed partitions are published. A lock wait longer than
  LockTimeout (or past the caller's deadline) fails with ErrLockTimeout
  before anything is written.

SEE ALSO:
  - reconciler.go: Tail replay
  - locks.go: Partition lock table and state machine
  - store.go: Transaction contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/metrics"
)

const (
	DefaultLockTimeout        = 5 * time.Second
	DefaultMaxConflictRetries = 3
)

// BinPublisher receives the latest balance of partitions after a commit,
// while their locks are still held. Publishing is best effort: a failure is
// logged and never undoes a commit.
type BinPublisher interface {
	Publish(ctx context.Context, bins []Bin) error
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Calculator         Calculator
	Policies           *PolicySet
	LockTimeout        time.Duration
	MaxConflictRetries int
	Logger             *zerolog.Logger
	Metrics            *metrics.Metrics
	Publisher          BinPublisher

	// Now and NewName are overridable for tests.
	Now     func() time.Time
	NewName func() string
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      TxStore
	locks      *PartitionLocks
	calc       Calculator
	policies   *PolicySet
	reconciler *Reconciler

	lockTimeout time.Duration
	maxRetries  int
	log         zerolog.Logger
	metrics     *metrics.Metrics
	publisher   BinPublisher
	now         func() time.Time
	newName     func() string
}

func NewEngine(store TxStore, opts Options) *Engine {
	calc := opts.Calculator
	if calc.RatePrecision == 0 && calc.ValuePrecision == 0 {
		calc = NewCalculator().WithFallback(calc.FallbackRate)
	}
	policies := opts.Policies
	if policies == nil {
		policies = NewPolicySet(NegativeStockPolicy{})
	}
	e := &Engine{
		store:       store,
		locks:       NewPartitionLocks(),
		calc:        calc,
		policies:    policies,
		reconciler:  &Reconciler{Calc: calc, Policies: policies},
		lockTimeout: opts.LockTimeout,
		maxRetries:  opts.MaxConflictRetries,
		log:         zerolog.Nop(),
		metrics:     opts.Metrics,
		publisher:   opts.Publisher,
		now:         opts.Now,
		newName:     opts.NewName,
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxConflictRetries
	}
	if opts.Logger != nil {
		e.log = opts.Logger.With().Str("component", "stock_ledger").Logger()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newName == nil {
		e.newName = func() string { return "SLE-" + uuid.NewString() }
	}
	return e
}

// Policies exposes the live negative stock policy set.
func (e *Engine) Policies() *PolicySet { return e.policies }

// PartitionState reports the coordinator state of a partition.
func (e *Engine) PartitionState(key PartitionKey) PartitionState { return e.locks.State(key) }

// =============================================================================
// MUTATIONS
// =============================================================================

// Post records a single movement for req.Voucher.
func (e *Engine) Post(ctx context.Context, req MovementRequest) (LedgerEntry, error) {
	entries, err := e.PostVoucher(ctx, req.Voucher, []MovementRequest{req})
	if err != nil {
		return LedgerEntry{}, err
	}
	return entries[0], nil
}

// PostVoucher records every line of a voucher atomically. The returned
// entries carry their final computed fields, in line order.
func (e *Engine) PostVoucher(ctx context.Context, ref VoucherRef, lines []MovementRequest) ([]LedgerEntry, error) {
	const op = "post"
	if err := e.validateLines(ref, lines); err != nil {
		return nil, e.reject(op, ref, err)
	}

	var posted []LedgerEntry
	var res changeResult
	err := e.mutate(ctx, op, &res,
		func(context.Context) ([]PartitionKey, error) { return linesKeys(lines), nil },
		func(ctx context.Context, tx Tx, held *Held) error {
			existing, err := tx.EntriesFor(ctx, ref)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateVoucher, ref)
			}
			posted, res, err = e.applyChanges(ctx, tx, held, ref, nil, lines)
			return err
		})
	if err != nil {
		return nil, e.reject(op, ref, err)
	}
	e.committed(op, ref, res)
	return posted, nil
}

// Cancel removes every entry of a voucher and reconciles each affected
// partition from its earliest removed position. Returns the removed entries.
func (e *Engine) Cancel(ctx context.Context, ref VoucherRef) ([]LedgerEntry, error) {
	const op = "cancel"
	if err := ref.Validate(); err != nil {
		return nil, e.reject(op, ref, err)
	}

	var removed []LedgerEntry
	var res changeResult
	err := e.mutate(ctx, op, &res,
		func(ctx context.Context) ([]PartitionKey, error) { return e.voucherKeys(ctx, ref) },
		func(ctx context.Context, tx Tx, held *Held) error {
			ids, err := tx.EntriesFor(ctx, ref)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return fmt.Errorf("%w: voucher %s", ErrNotFound, ref)
			}
			removed, err = e.getEntries(ctx, tx, ids)
			if err != nil {
				return err
			}
			_, res, err = e.applyChanges(ctx, tx, held, ref, ids, nil)
			return err
		})
	if err != nil {
		return nil, e.reject(op, ref, err)
	}
	e.committed(op, ref, res)
	return removed, nil
}

// Amend replaces a voucher's entries with new lines in one transaction.
func (e *Engine) Amend(ctx context.Context, ref VoucherRef, lines []MovementRequest) ([]LedgerEntry, error) {
	const op = "amend"
	if err := e.validateLines(ref, lines); err != nil {
		return nil, e.reject(op, ref, err)
	}

	var posted []LedgerEntry
	var res changeResult
	err := e.mutate(ctx, op, &res,
		func(ctx context.Context) ([]PartitionKey, error) {
			keys, err := e.voucherKeys(ctx, ref)
			if err != nil {
				return nil, err
			}
			return append(keys, linesKeys(lines)...), nil
		},
		func(ctx context.Context, tx Tx, held *Held) error {
			ids, err := tx.EntriesFor(ctx, ref)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return fmt.Errorf("%w: voucher %s", ErrNotFound, ref)
			}
			posted, res, err = e.applyChanges(ctx, tx, held, ref, ids, lines)
			return err
		})
	if err != nil {
		return nil, e.reject(op, ref, err)
	}
	e.committed(op, ref, res)
	return posted, nil
}

// Transfer moves stock between two warehouses as one Stock Entry voucher.
// The inbound line is valued at the source's valuation rate as of the
// posting timestamp. A later backdated change at the source does not
// re-price the transfer; amend the voucher to do so.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) ([]LedgerEntry, error) {
	const op = "transfer"
	ref := req.Voucher
	if ref.Type == "" {
		ref.Type = VoucherStockEntry
	}
	if ref.No == "" {
		ref.No = "STE-" + uuid.NewString()
	}
	if !req.Qty.IsPositive() {
		return nil, e.reject(op, ref, &MovementError{Line: -1, Reason: "transfer quantity must be positive"})
	}
	if req.From == req.To {
		return nil, e.reject(op, ref, &MovementError{Line: -1, Reason: "transfer source and target are the same warehouse"})
	}

	src := PartitionKey{Item: req.Item, Warehouse: req.From, BatchNo: req.BatchNo}
	dst := PartitionKey{Item: req.Item, Warehouse: req.To, BatchNo: req.BatchNo}
	out := MovementRequest{
		Voucher: ref, VoucherDetailNo: "out", Key: src,
		PostingDate: req.PostingDate, PostingTime: req.PostingTime,
		ActualQty: req.Qty.Neg(), Company: req.Company, Owner: req.Owner,
	}
	in := out
	in.VoucherDetailNo, in.Key, in.ActualQty = "in", dst, req.Qty
	// placeholder rate for validation, priced inside the transaction
	in.IncomingRate = decimal.NewNullDecimal(decimal.Zero)
	if err := e.validateLines(ref, []MovementRequest{out, in}); err != nil {
		return nil, e.reject(op, ref, err)
	}

	var posted []LedgerEntry
	var res changeResult
	err := e.mutate(ctx, op, &res,
		func(context.Context) ([]PartitionKey, error) { return []PartitionKey{src, dst}, nil },
		func(ctx context.Context, tx Tx, held *Held) error {
			existing, err := tx.EntriesFor(ctx, ref)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateVoucher, ref)
			}
			srcEntries, err := tx.ListPartition(ctx, src)
			if err != nil {
				return err
			}
			priced := in
			priced.IncomingRate = decimal.NewNullDecimal(StateAt(srcEntries, normalizeDate(req.PostingDate).Add(req.PostingTime)).Rate)
			posted, res, err = e.applyChanges(ctx, tx, held, ref, nil, []MovementRequest{out, priced})
			return err
		})
	if err != nil {
		return nil, e.reject(op, ref, err)
	}
	e.committed(op, ref, res)
	return posted, nil
}

// Repair replays a whole partition under its lock and rewrites every entry
// whose cached running fields drifted. It returns the number rewritten.
func (e *Engine) Repair(ctx context.Context, key PartitionKey) (int, error) {
	const op = "repair"
	ref := VoucherRef{Type: "repair", No: key.String()}
	if err := key.Validate(); err != nil {
		return 0, e.reject(op, ref, err)
	}

	var res changeResult
	err := e.mutate(ctx, op, &res,
		func(context.Context) ([]PartitionKey, error) { return []PartitionKey{key}, nil },
		func(ctx context.Context, tx Tx, held *Held) error {
			held.SetStateFor(key, StateReconciling)
			n, err := e.reconciler.ReconcileFrom(ctx, tx, key, 0)
			if err != nil {
				return err
			}
			res = changeResult{keys: []PartitionKey{key}, rewritten: n}
			if n > 0 {
				res.backdated = res.keys
			}
			return nil
		})
	if err != nil {
		return 0, e.reject(op, ref, err)
	}
	if res.rewritten > 0 {
		e.log.Info().Str("partition", key.String()).Int("rewritten", res.rewritten).Msg("repaired drifted partition")
	}
	e.committed(op, ref, res)
	return res.rewritten, nil
}

// =============================================================================
// QUERIES - Committed reads, never block on partition locks
// =============================================================================

// Partition returns a partition's entries in timeline order.
func (e *Engine) Partition(ctx context.Context, key PartitionKey) ([]LedgerEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return e.store.ListPartition(ctx, key)
}

// Partitions lists every partition with entries.
func (e *Engine) Partitions(ctx context.Context) ([]PartitionKey, error) {
	return e.store.Partitions(ctx)
}

// EntriesInRange returns a partition's entries with posting date in [from, to].
func (e *Engine) EntriesInRange(ctx context.Context, key PartitionKey, from, to time.Time) ([]LedgerEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateRange(from, to); err != nil {
		return nil, err
	}
	return e.store.ListRange(ctx, key, normalizeDate(from), normalizeDate(to))
}

// VoucherEntries returns the entries a voucher produced.
func (e *Engine) VoucherEntries(ctx context.Context, ref VoucherRef) ([]LedgerEntry, error) {
	ids, err := e.store.EntriesFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: voucher %s", ErrNotFound, ref)
	}
	return e.getEntries(ctx, e.store, ids)
}

// Balance returns the latest bin of a partition.
func (e *Engine) Balance(ctx context.Context, key PartitionKey) (Bin, error) {
	entries, err := e.Partition(ctx, key)
	if err != nil {
		return Bin{}, err
	}
	return BinFromEntries(key, entries), nil
}

// BalanceAt returns the running state after the last entry posted at or before t.
func (e *Engine) BalanceAt(ctx context.Context, key PartitionKey, t time.Time) (State, error) {
	entries, err := e.Partition(ctx, key)
	if err != nil {
		return State{}, err
	}
	return StateAt(entries, t), nil
}

// Verify replays a partition and returns entries whose cached fields drifted.
func (e *Engine) Verify(ctx context.Context, key PartitionKey) ([]EntryID, error) {
	entries, err := e.Partition(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.reconciler.Drift(key, entries)
}

// =============================================================================
// INTERNALS
// =============================================================================

// changeResult summarizes a committed mutation for logging and publishing.
type changeResult struct {
	keys      []PartitionKey
	backdated []PartitionKey
	rewritten int
	appended  int
	removed   int
}

// mutate runs one attempt per try: resolve keys, lock, transact, publish.
// Only conflicts are retried. Bins are published while the partition locks
// are still held, so publishes of one partition follow commit order.
func (e *Engine) mutate(ctx context.Context, op string, res *changeResult,
	resolve func(context.Context) ([]PartitionKey, error),
	apply func(context.Context, Tx, *Held) error,
) error {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(op, time.Since(start)) }()

	attempt := func() error {
		keys, err := resolve(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		waitStart := time.Now()
		held, err := e.locks.Acquire(ctx, e.lockTimeout, keys...)
		e.metrics.ObserveLockWait(time.Since(waitStart))
		if err != nil {
			return backoff.Permanent(err)
		}
		defer held.Release()
		held.SetState(StatePosting)

		err = e.store.WithTx(ctx, func(tx Tx) error { return apply(ctx, tx, held) })
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		e.publish(ctx, res.keys)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries)), ctx)

	return backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		e.metrics.RecordConflictRetry()
		e.log.Warn().Err(err).Str("operation", op).Dur("backoff", wait).Msg("retrying after reconciliation conflict")
	})
}

// applyChanges removes entries, inserts lines, then reconciles every
// partition whose timeline changed anywhere but its tail.
func (e *Engine) applyChanges(ctx context.Context, tx Tx, held *Held, ref VoucherRef, removeIDs []EntryID, lines []MovementRequest) ([]LedgerEntry, changeResult, error) {
	var res changeResult
	lists := make(map[PartitionKey][]LedgerEntry)
	dirty := make(map[PartitionKey]int) // earliest changed position

	load := func(key PartitionKey) ([]LedgerEntry, error) {
		if l, ok := lists[key]; ok {
			return l, nil
		}
		l, err := tx.ListPartition(ctx, key)
		if err != nil {
			return nil, err
		}
		lists[key] = l
		return l, nil
	}
	markDirty := func(key PartitionKey, pos int) {
		if cur, ok := dirty[key]; !ok || pos < cur {
			dirty[key] = pos
		}
	}

	for _, id := range removeIDs {
		entry, err := tx.Get(ctx, id)
		if err != nil {
			return nil, res, err
		}
		key := entry.Key()
		if !held.Contains(key) {
			return nil, res, fmt.Errorf("%w: voucher %s moved to unlocked partition %s", ErrConcurrentReconciliationConflict, ref, key)
		}
		list, err := load(key)
		if err != nil {
			return nil, res, err
		}
		pos := PositionOf(list, id)
		if pos < 0 {
			return nil, res, fmt.Errorf("%w: entry %d missing from %s", ErrConcurrentReconciliationConflict, id, key)
		}
		if err := tx.Remove(ctx, id); err != nil {
			return nil, res, err
		}
		lists[key] = removeAt(list, pos)
		markDirty(key, pos)
		res.removed++
	}

	addsPerKey := make(map[PartitionKey]int)
	for _, line := range lines {
		addsPerKey[line.Key]++
	}

	ids := make([]EntryID, 0, len(lines))
	for i, line := range lines {
		key := line.Key
		list, err := load(key)
		if err != nil {
			return nil, res, err
		}
		entry := e.newEntry(ref, line)
		pos := InsertPosition(list, entry.PostedAt())
		m := entry.Movement()
		m.Direction = ref.Type.Direction()

		_, isDirty := dirty[key]
		computed := !isDirty && pos == len(list) && addsPerKey[key] == 1
		if computed {
			policy := e.policies.For(key)
			prior := StateBefore(list, pos)
			next, err := e.calc.Apply(prior, m)
			if err != nil {
				return nil, res, onLine(i, err)
			}
			if next.Qty.IsNegative() && !policy.AllowNegative {
				return nil, res, &NegativeStockError{
					Key:      key,
					PostedAt: entry.PostedAt().Format(time.RFC3339Nano),
					QtyAfter: next.Qty,
				}
			}
			entry.ComputedFields = Computed(prior, next)
		} else if err := e.calc.Validate(m); err != nil {
			return nil, res, onLine(i, err)
		}

		id, err := tx.Append(ctx, entry)
		if err != nil {
			return nil, res, err
		}
		entry.ID = id
		ids = append(ids, id)
		lists[key] = insertAt(list, pos, entry)
		if !computed {
			markDirty(key, pos)
		}
		res.appended++
	}

	for _, key := range sortedKeys(dirty) {
		held.SetStateFor(key, StateReconciling)
		n, err := e.reconciler.ReconcileFrom(ctx, tx, key, dirty[key])
		if err != nil {
			return nil, res, err
		}
		res.rewritten += n
		res.backdated = append(res.backdated, key)
		e.log.Info().
			Str("voucher", ref.String()).
			Str("partition", key.String()).
			Int("position", dirty[key]).
			Int("rewritten", n).
			Msg("reconciled partition tail")
	}

	if len(removeIDs) > 0 {
		if err := tx.RemoveVoucher(ctx, ref); err != nil {
			return nil, res, err
		}
	}
	if len(ids) > 0 {
		if err := tx.RecordEntries(ctx, ref, ids); err != nil {
			return nil, res, err
		}
	}

	for k := range lists {
		res.keys = append(res.keys, k)
	}
	sort.Slice(res.keys, func(i, j int) bool { return res.keys[i].Less(res.keys[j]) })

	posted, err := e.getEntries(ctx, tx, ids)
	if err != nil {
		return nil, res, err
	}
	return posted, res, nil
}

func (e *Engine) newEntry(ref VoucherRef, line MovementRequest) LedgerEntry {
	entry := LedgerEntry{
		Name:            e.newName(),
		PartitionKey:    line.Key,
		PostingDate:     normalizeDate(line.PostingDate),
		PostingTime:     line.PostingTime.Truncate(time.Microsecond),
		ActualQty:       line.ActualQty,
		Voucher:         ref,
		VoucherDetailNo: line.VoucherDetailNo,
		Company:         line.Company,
		Owner:           line.Owner,
		CreatedAt:       e.now().Truncate(time.Microsecond),
	}
	if line.ActualQty.IsPositive() {
		entry.IncomingRate = line.IncomingRate
	} else {
		entry.FallbackRate = e.fallbackFor(line.Key)
	}
	return entry
}

// fallbackFor resolves the fallback rate stamped on a new outbound entry:
// the partition policy's, else the calculator's.
func (e *Engine) fallbackFor(key PartitionKey) decimal.NullDecimal {
	if rate := e.policies.For(key).FallbackRate; rate.Valid {
		return rate
	}
	return e.calc.FallbackRate
}

func (e *Engine) validateLines(ref VoucherRef, lines []MovementRequest) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if len(lines) == 0 {
		return &MovementError{Line: -1, Reason: "voucher has no lines"}
	}
	for i, line := range lines {
		if err := line.Key.Validate(); err != nil {
			return err
		}
		if line.PostingDate.IsZero() {
			return &MovementError{Line: i, Reason: "posting date is required"}
		}
		if !validPostingTime(line.PostingTime) {
			return &MovementError{Line: i, Reason: "posting time must be within the day"}
		}
		m := Movement{ActualQty: line.ActualQty, IncomingRate: line.IncomingRate, Direction: ref.Type.Direction()}
		if err := e.calc.Validate(m); err != nil {
			return onLine(i, err)
		}
	}
	return nil
}

// voucherKeys resolves the partitions a committed voucher touches.
func (e *Engine) voucherKeys(ctx context.Context, ref VoucherRef) ([]PartitionKey, error) {
	ids, err := e.store.EntriesFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: voucher %s", ErrNotFound, ref)
	}
	entries, err := e.getEntries(ctx, e.store, ids)
	if err != nil {
		return nil, err
	}
	keys := make([]PartitionKey, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key())
	}
	return keys, nil
}

func (e *Engine) getEntries(ctx context.Context, s Store, ids []EntryID) ([]LedgerEntry, error) {
	out := make([]LedgerEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (e *Engine) committed(op string, ref VoucherRef, res changeResult) {
	path := "append"
	if len(res.backdated) > 0 {
		path = "backdated"
	}
	e.metrics.RecordPosting(op, path)
	e.metrics.RecordRewritten(res.rewritten)
	e.log.Debug().
		Str("operation", op).
		Str("voucher", ref.String()).
		Str("path", path).
		Int("appended", res.appended).
		Int("removed", res.removed).
		Int("rewritten", res.rewritten).
		Msg("voucher committed")
}

// publish sends the committed bins of keys to the publisher. Callers hold
// the partition locks of keys.
func (e *Engine) publish(ctx context.Context, keys []PartitionKey) {
	if e.publisher == nil || len(keys) == 0 {
		return
	}
	bins := make([]Bin, 0, len(keys))
	for _, key := range keys {
		bin, err := e.Balance(ctx, key)
		if err != nil {
			e.log.Warn().Err(err).Str("partition", key.String()).Msg("bin refresh failed")
			continue
		}
		bins = append(bins, bin)
	}
	if err := e.publisher.Publish(ctx, bins); err != nil {
		e.log.Warn().Err(err).Int("bins", len(bins)).Msg("bin publish failed")
	}
}

func (e *Engine) reject(op string, ref VoucherRef, err error) error {
	reason := rejectionReason(err)
	e.metrics.RecordRejection(op, reason)
	e.log.Warn().Err(err).Str("operation", op).Str("voucher", ref.String()).Str("reason", reason).Msg("mutation rejected")
	return err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNegativeStock):
		return "negative_stock"
	case errors.Is(err, ErrInvalidMovement):
		return "invalid_movement"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrDuplicateVoucher):
		return "duplicate_voucher"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrConcurrentReconciliationConflict):
		return "conflict"
	default:
		return "error"
	}
}

// onLine stamps the voucher line index on a MovementError.
func onLine(i int, err error) error {
	var me *MovementError
	if errors.As(err, &me) {
		return &MovementError{Line: i, Reason: me.Reason}
	}
	return err
}

func linesKeys(lines []MovementRequest) []PartitionKey {
	keys := make([]PartitionKey, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, l.Key)
	}
	return keys
}

func sortedKeys(m map[PartitionKey]int) []PartitionKey {
	keys := make([]PartitionKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func removeAt(list []LedgerEntry, pos int) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(list)-1)
	out = append(out, list[:pos]...)
	return append(out, list[pos+1:]...)
}

func insertAt(list []LedgerEntry, pos int, entry LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, entry)
	return append(out, list[pos:]...)
}

func normalizeDate(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}
