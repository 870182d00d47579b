// Package bincache publishes the latest balance of each partition (its bin)
// to Redis for read-heavy consumers such as storefront availability.
package bincache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/metrics"
)

const binKeyPrefix = "bin:"

var ErrCircuitOpen = errors.New("bin cache circuit breaker is open")

// Config holds circuit breaker settings for the publisher.
type Config struct {
	Name             string
	MaxRequests      uint32        // requests allowed while half-open
	Interval         time.Duration // window for clearing failure counts
	Timeout          time.Duration // open -> half-open delay
	FailureThreshold uint32        // consecutive failures that trip the breaker
}

func DefaultConfig() Config {
	return Config{
		Name:             "bin-cache",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Publisher implements ledger.BinPublisher on a Redis hash per partition.
type Publisher struct {
	client  *redis.Client
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Metrics
}

var _ ledger.BinPublisher = (*Publisher)(nil)

func NewPublisher(client *redis.Client, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Publisher {
	p := &Publisher{client: client, log: log, metrics: m}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("name", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			p.metrics.SetCircuitBreakerState(name, int(to))
		},
	})
	return p
}

// Key returns the Redis key holding a partition's bin.
func Key(k ledger.PartitionKey) string {
	return binKeyPrefix + k.String()
}

// Publish writes every bin in one pipeline.
func (p *Publisher) Publish(ctx context.Context, bins []ledger.Bin) error {
	if len(bins) == 0 {
		return nil
	}
	_, err := p.cb.Execute(func() (interface{}, error) {
		pipe := p.client.TxPipeline()
		for _, b := range bins {
			pipe.HSet(ctx, Key(b.PartitionKey), map[string]interface{}{
				"actual_qty":     b.ActualQty.String(),
				"valuation_rate": b.ValuationRate.String(),
				"stock_value":    b.StockValue.String(),
				"last_entry_id":  int64(b.LastEntryID),
				"last_posted_at": b.LastPostedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	p.metrics.RecordBinPublish(err == nil)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

// Get reads a published bin. ok is false when nothing was published for key.
func (p *Publisher) Get(ctx context.Context, key ledger.PartitionKey) (bin ledger.Bin, ok bool, err error) {
	fields, err := p.client.HGetAll(ctx, Key(key)).Result()
	if err != nil {
		return ledger.Bin{}, false, err
	}
	if len(fields) == 0 {
		return ledger.Bin{}, false, nil
	}

	bin = ledger.Bin{PartitionKey: key}
	if bin.ActualQty, err = decimal.NewFromString(fields["actual_qty"]); err != nil {
		return ledger.Bin{}, false, fmt.Errorf("bin %s: actual_qty: %w", key, err)
	}
	if bin.ValuationRate, err = decimal.NewFromString(fields["valuation_rate"]); err != nil {
		return ledger.Bin{}, false, fmt.Errorf("bin %s: valuation_rate: %w", key, err)
	}
	if bin.StockValue, err = decimal.NewFromString(fields["stock_value"]); err != nil {
		return ledger.Bin{}, false, fmt.Errorf("bin %s: stock_value: %w", key, err)
	}
	id, _ := strconv.ParseInt(fields["last_entry_id"], 10, 64)
	bin.LastEntryID = ledger.EntryID(id)
	bin.LastPostedAt, _ = time.Parse(time.RFC3339Nano, fields["last_posted_at"])
	return bin, true, nil
}

// State returns the breaker state.
func (p *Publisher) State() gobreaker.State {
	return p.cb.State()
}
