package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/warp/stock-ledger/ledger"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"40001", ledger.ErrConcurrentReconciliationConflict},
		{"40P01", ledger.ErrConcurrentReconciliationConflict},
		{"55P03", ledger.ErrLockTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: tt.code}))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := fmt.Errorf("plain")
	assert.Equal(t, plain, mapError(plain))
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(plain))
}

// =============================================================================
// INTEGRATION - requires DATABASE_URL
// =============================================================================

type PostgresStoreTestSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
	key   ledger.PartitionKey
}

func TestPostgresStoreTestSuite(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	suite.Run(t, new(PostgresStoreTestSuite))
}

func (s *PostgresStoreTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pool, err := NewPool(s.ctx, os.Getenv("DATABASE_URL"))
	s.Require().NoError(err)
	s.store, err = New(s.ctx, pool, time.Second)
	s.Require().NoError(err)
}

func (s *PostgresStoreTestSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

// SetupTest gives every test its own partition so runs never collide.
func (s *PostgresStoreTestSuite) SetupTest() {
	s.key = ledger.PartitionKey{Item: ledger.ItemCode("IT-" + uuid.NewString()), Warehouse: "Main"}
}

func (s *PostgresStoreTestSuite) movement(no string, day int, qty, rate string) ledger.MovementRequest {
	req := ledger.MovementRequest{
		Voucher:     ledger.VoucherRef{Type: ledger.VoucherDeliveryNote, No: no + "-" + string(s.key.Item)},
		Key:         s.key,
		PostingDate: ledger.Date(2025, time.January, day),
		PostingTime: ledger.Clock(9, 30, 0) + 250*time.Microsecond,
		ActualQty:   decimal.RequireFromString(qty),
	}
	if rate != "" {
		req.Voucher.Type = ledger.VoucherPurchaseReceipt
		req.IncomingRate = decimal.NewNullDecimal(decimal.RequireFromString(rate))
	}
	return req
}

func (s *PostgresStoreTestSuite) TestBackdatedPostingReconciles() {
	e := ledger.NewEngine(s.store, ledger.Options{})

	_, err := e.Post(s.ctx, s.movement("PR-1", 1, "10", "5"))
	s.Require().NoError(err)
	_, err = e.Post(s.ctx, s.movement("DN-1", 3, "-4", ""))
	s.Require().NoError(err)
	_, err = e.Post(s.ctx, s.movement("PR-2", 2, "10", "7"))
	s.Require().NoError(err)

	entries, err := e.Partition(s.ctx, s.key)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.True(entries[2].QtyAfterTransaction.Equal(decimal.NewFromInt(16)))
	s.True(entries[2].ValuationRate.Equal(decimal.NewFromInt(6)))
	s.Equal(ledger.Clock(9, 30, 0)+250*time.Microsecond, entries[0].PostingTime)

	drifted, err := e.Verify(s.ctx, s.key)
	s.Require().NoError(err)
	s.Empty(drifted)
}

func (s *PostgresStoreTestSuite) TestDuplicateAndCancel() {
	e := ledger.NewEngine(s.store, ledger.Options{})
	pr := s.movement("PR-1", 1, "10", "5")

	_, err := e.Post(s.ctx, pr)
	s.Require().NoError(err)
	_, err = e.Post(s.ctx, pr)
	s.ErrorIs(err, ledger.ErrDuplicateVoucher)

	removed, err := e.Cancel(s.ctx, pr.Voucher)
	s.Require().NoError(err)
	s.Len(removed, 1)

	entries, err := e.Partition(s.ctx, s.key)
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *PostgresStoreTestSuite) TestNegativeStockRollsBack() {
	e := ledger.NewEngine(s.store, ledger.Options{})

	_, err := e.Post(s.ctx, s.movement("PR-1", 1, "2", "5"))
	s.Require().NoError(err)
	_, err = e.Post(s.ctx, s.movement("DN-1", 2, "-3", ""))
	s.ErrorIs(err, ledger.ErrNegativeStock)

	entries, err := e.Partition(s.ctx, s.key)
	s.Require().NoError(err)
	s.Len(entries, 1)
}
