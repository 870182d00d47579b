package ledger_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rate(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

func inbound(qty, incoming string) ledger.Movement {
	return ledger.Movement{ActualQty: d(qty), IncomingRate: rate(incoming), Direction: ledger.DirectionInbound}
}

func outbound(qty string) ledger.Movement {
	return ledger.Movement{ActualQty: d(qty), Direction: ledger.DirectionOutbound}
}

func assertState(t *testing.T, s ledger.State, qty, rate, value string) {
	t.Helper()
	assert.True(t, s.Qty.Equal(d(qty)), "qty: want %s, got %s", qty, s.Qty)
	assert.True(t, s.Rate.Equal(d(rate)), "rate: want %s, got %s", rate, s.Rate)
	assert.True(t, s.Value.Equal(d(value)), "value: want %s, got %s", value, s.Value)
}

// =============================================================================
// MOVING AVERAGE
// =============================================================================

func TestApply_InboundFromEmpty(t *testing.T) {
	calc := ledger.NewCalculator()

	s, err := calc.Apply(ledger.State{}, inbound("10", "5"))
	require.NoError(t, err)
	assertState(t, s, "10", "5", "50")
}

func TestApply_InboundWeightsAverage(t *testing.T) {
	// GIVEN: 10 @ 5
	// WHEN: receiving 10 @ 7
	// THEN: 20 @ 6
	calc := ledger.NewCalculator()

	s, err := calc.Apply(ledger.State{Qty: d("10"), Rate: d("5"), Value: d("50")}, inbound("10", "7"))
	require.NoError(t, err)
	assertState(t, s, "20", "6", "120")
}

func TestApply_OutboundKeepsRate(t *testing.T) {
	calc := ledger.NewCalculator()

	s, err := calc.Apply(ledger.State{Qty: d("20"), Rate: d("6"), Value: d("120")}, outbound("-4"))
	require.NoError(t, err)
	assertState(t, s, "16", "6", "96")
}

func TestApply_ZeroBalanceResetsRate(t *testing.T) {
	calc := ledger.NewCalculator()

	s, err := calc.Apply(ledger.State{Qty: d("4"), Rate: d("6"), Value: d("24")}, outbound("-4"))
	require.NoError(t, err)
	assertState(t, s, "0", "0", "0")

	// next receipt starts clean
	s, err = calc.Apply(s, inbound("2", "9"))
	require.NoError(t, err)
	assertState(t, s, "2", "9", "18")
}

func TestApply_RoundsRateToPrecision(t *testing.T) {
	// GIVEN: 1 @ 1, receive 2 @ 2 -> 5/3
	calc := ledger.NewCalculator()

	s, err := calc.Apply(ledger.State{Qty: d("1"), Rate: d("1"), Value: d("1")}, inbound("2", "2"))
	require.NoError(t, err)
	assert.Equal(t, "1.666666667", s.Rate.String())
	assert.Equal(t, "5.000000001", s.Value.String())
}

func TestApply_InboundOntoNegativeTakesIncomingRate(t *testing.T) {
	calc := ledger.NewCalculator()

	s, err := calc.Apply(ledger.State{Qty: d("-5"), Rate: d("4"), Value: d("-20")}, inbound("10", "8"))
	require.NoError(t, err)
	assertState(t, s, "5", "8", "40")
}

func TestApply_OutboundNegativeUsesFallbackRate(t *testing.T) {
	calc := ledger.NewCalculator().WithFallback(rate("3"))

	s, err := calc.Apply(ledger.State{}, outbound("-2"))
	require.NoError(t, err)
	assertState(t, s, "-2", "3", "-6")

	// without a fallback the rate stays unknown
	s, err = ledger.NewCalculator().Apply(ledger.State{}, outbound("-2"))
	require.NoError(t, err)
	assertState(t, s, "-2", "0", "0")
}

func TestApply_MovementFallbackTakesPrecedence(t *testing.T) {
	calc := ledger.NewCalculator().WithFallback(rate("3"))
	m := outbound("-2")
	m.FallbackRate = rate("5")

	s, err := calc.Apply(ledger.State{}, m)
	require.NoError(t, err)
	assertState(t, s, "-2", "5", "-10")

	// a known average rate wins over any fallback
	s, err = calc.Apply(ledger.State{Qty: d("1"), Rate: d("7"), Value: d("7")}, m)
	require.NoError(t, err)
	assertState(t, s, "-1", "7", "-7")
}

func TestApply_DoesNotModifyPrior(t *testing.T) {
	calc := ledger.NewCalculator()
	prior := ledger.State{Qty: d("10"), Rate: d("5"), Value: d("50")}

	_, err := calc.Apply(prior, inbound("10", "7"))
	require.NoError(t, err)
	assertState(t, prior, "10", "5", "50")
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate_RejectsInvalidMovements(t *testing.T) {
	calc := ledger.NewCalculator()

	tests := []struct {
		name string
		m    ledger.Movement
	}{
		{"zero quantity", ledger.Movement{ActualQty: d("0"), IncomingRate: rate("1")}},
		{"inbound voucher with negative qty", ledger.Movement{ActualQty: d("-1"), Direction: ledger.DirectionInbound}},
		{"outbound voucher with positive qty", ledger.Movement{ActualQty: d("1"), IncomingRate: rate("1"), Direction: ledger.DirectionOutbound}},
		{"inbound without rate", ledger.Movement{ActualQty: d("1")}},
		{"negative incoming rate", ledger.Movement{ActualQty: d("1"), IncomingRate: rate("-1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := calc.Validate(tt.m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ledger.ErrInvalidMovement))

			_, err = calc.Apply(ledger.State{}, tt.m)
			assert.ErrorIs(t, err, ledger.ErrInvalidMovement)
		})
	}
}

func TestComputed_StockValueDifference(t *testing.T) {
	prior := ledger.State{Qty: d("10"), Rate: d("5"), Value: d("50")}
	next := ledger.State{Qty: d("20"), Rate: d("6"), Value: d("120")}

	f := ledger.Computed(prior, next)
	assert.True(t, f.QtyAfterTransaction.Equal(d("20")))
	assert.True(t, f.ValuationRate.Equal(d("6")))
	assert.True(t, f.StockValue.Equal(d("120")))
	assert.True(t, f.StockValueDifference.Equal(d("70")))
}

func TestVoucherDirection(t *testing.T) {
	assert.Equal(t, ledger.DirectionInbound, ledger.VoucherPurchaseReceipt.Direction())
	assert.Equal(t, ledger.DirectionOutbound, ledger.VoucherDeliveryNote.Direction())
	assert.Equal(t, ledger.DirectionAny, ledger.VoucherStockEntry.Direction())
	assert.Equal(t, ledger.DirectionAny, ledger.VoucherType("Custom").Direction())
}
