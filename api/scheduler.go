/*
scheduler.go - Automated drift verification scheduler

PURPOSE:
  Periodically replays every partition and compares the replay with the
  cached running fields (qty after transaction, valuation rate, stock
  value). Drift is logged and counted; with AutoRepair the partition is
  rewritten under its lock.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Verification reads committed data and takes no partition locks
  - Repair goes through Engine.Repair, which locks like any posting
  - Keeps the most recent runs in memory for GET /api/verifications
  - GET /api/verifications/schedule reports the interval and next run

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - AutoRepair: Rewrite drifted partitions (default: false)

USAGE:
  scheduler := NewVerificationScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: VerifyPartition / RepairPartition (manual checks)
  - ledger/reconciler.go: Drift
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/metrics"
)

const maxKeptRuns = 20

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// VerificationRun records one pass over all partitions.
type VerificationRun struct {
	ID          string
	Status      string
	Partitions  int
	Drifted     int
	Repaired    int
	Errors      []string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// VerificationScheduler handles automated drift checks.
type VerificationScheduler struct {
	Engine        *ledger.Engine
	Metrics       *metrics.Metrics
	CheckInterval time.Duration
	Enabled       bool
	AutoRepair    bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu  sync.Mutex
	runs    []VerificationRun
	nextRun time.Time
}

// NewVerificationScheduler creates a new scheduler.
func NewVerificationScheduler(engine *ledger.Engine, log zerolog.Logger) *VerificationScheduler {
	return &VerificationScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "verification_scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (vs *VerificationScheduler) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !vs.Enabled || vs.CheckInterval <= 0 {
		vs.log.Info().Msg("disabled, not starting")
		return
	}
	if vs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	vs.cancel = cancel
	vs.stop = make(chan struct{})
	vs.ticker = time.NewTicker(vs.CheckInterval)
	vs.setNextRun(time.Now().Add(vs.CheckInterval))
	vs.wg.Add(1)

	go vs.run(ctx)

	vs.log.Info().Dur("interval", vs.CheckInterval).Bool("auto_repair", vs.AutoRepair).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (vs *VerificationScheduler) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker != nil {
		vs.ticker.Stop()
		vs.cancel()
		close(vs.stop)
		vs.wg.Wait()
		vs.ticker = nil
		vs.setNextRun(time.Time{})
		vs.log.Info().Msg("stopped")
	}
}

func (vs *VerificationScheduler) run(ctx context.Context) {
	defer vs.wg.Done()

	// Run immediately on start
	vs.RunNow(ctx)

	for {
		select {
		case tick := <-vs.ticker.C:
			vs.setNextRun(tick.Add(vs.CheckInterval))
			vs.RunNow(ctx)
		case <-vs.stop:
			return
		}
	}
}

// RunNow verifies every partition once and returns the finished run.
func (vs *VerificationScheduler) RunNow(ctx context.Context) VerificationRun {
	run := VerificationRun{
		ID:        "verify-" + uuid.NewString(),
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}

	keys, err := vs.Engine.Partitions(ctx)
	if err != nil {
		run.Errors = append(run.Errors, err.Error())
		return vs.finish(run)
	}
	run.Partitions = len(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			run.Errors = append(run.Errors, ctx.Err().Error())
			break
		}
		drifted, err := vs.Engine.Verify(ctx, key)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		if len(drifted) == 0 {
			continue
		}
		run.Drifted += len(drifted)
		vs.log.Warn().Str("partition", key.String()).Int("drifted", len(drifted)).Msg("cached running fields drifted")

		if !vs.AutoRepair {
			continue
		}
		n, err := vs.Engine.Repair(ctx, key)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("repair %s: %v", key, err))
			continue
		}
		run.Repaired += n
	}

	return vs.finish(run)
}

func (vs *VerificationScheduler) finish(run VerificationRun) VerificationRun {
	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Status = RunCompleted
	if len(run.Errors) > 0 {
		run.Status = RunFailed
	}
	vs.Metrics.RecordVerification(run.Status, run.Drifted)

	if run.Drifted > 0 || len(run.Errors) > 0 {
		vs.log.Warn().
			Str("run", run.ID).
			Int("partitions", run.Partitions).
			Int("drifted", run.Drifted).
			Int("repaired", run.Repaired).
			Strs("errors", run.Errors).
			Msg("verification finished")
	} else {
		vs.log.Debug().Str("run", run.ID).Int("partitions", run.Partitions).Msg("verification finished")
	}

	vs.runsMu.Lock()
	vs.runs = append(vs.runs, run)
	if len(vs.runs) > maxKeptRuns {
		vs.runs = vs.runs[len(vs.runs)-maxKeptRuns:]
	}
	vs.runsMu.Unlock()
	return run
}

// Runs returns the kept runs, newest first.
func (vs *VerificationScheduler) Runs() []VerificationRun {
	vs.runsMu.Lock()
	defer vs.runsMu.Unlock()

	out := make([]VerificationRun, len(vs.runs))
	for i, r := range vs.runs {
		out[len(vs.runs)-1-i] = r
	}
	return out
}

// NextRunTime returns when the next scheduled check will occur. ok is
// false while the scheduler is not running.
func (vs *VerificationScheduler) NextRunTime() (next time.Time, ok bool) {
	vs.runsMu.Lock()
	defer vs.runsMu.Unlock()
	return vs.nextRun, !vs.nextRun.IsZero()
}

func (vs *VerificationScheduler) setNextRun(t time.Time) {
	vs.runsMu.Lock()
	vs.nextRun = t
	vs.runsMu.Unlock()
}
