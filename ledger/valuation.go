/*
valuation.go - Moving average valuation

PURPOSE:
  Pure function computing the running state after one movement. Has no
  knowledge of storage, ordering or locking; the Reconciler folds it over
  a partition timeline.

ALGORITHM (moving / weighted average):
  Inbound  (qty > 0, rate required):
    newQty  = qty + actualQty
    newRate = newQty == 0 ? 0 : (qty*rate + actualQty*incomingRate) / newQty
  Outbound (qty < 0):
    newQty  = qty + actualQty
    newRate = rate (consumed at the current average)
  Value:
    stockValue = newQty * newRate

EDGE CASES:
  - newQty == 0 resets the rate to 0, so the next receipt starts clean.
  - Inbound onto a negative balance: the backlog is settled at the incoming
    rate (the weighted formula has no meaning with negative weight).
  - Outbound into negative stock with no known rate: the movement's
    FallbackRate, else the calculator's, if any.
  - Zero quantity, a sign against the voucher direction, or a missing
    inbound rate is rejected with ErrInvalidMovement.

PRECISION:
  Rates are rounded to RatePrecision places, values to ValuePrecision.
  Rounding happens once per step so replaying the same sequence always
  yields bit-identical decimals.

SEE ALSO:
  - reconciler.go: Folds Apply over a timeline
  - policy.go: Supplies the fallback rate
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

const (
	DefaultRatePrecision  int32 = 9
	DefaultValuePrecision int32 = 9
)

// State is the running balance of a partition after some entry.
type State struct {
	Qty   decimal.Decimal
	Rate  decimal.Decimal
	Value decimal.Decimal
}

// Movement is the calculator input for one entry.
type Movement struct {
	ActualQty    decimal.Decimal
	IncomingRate decimal.NullDecimal
	Direction    Direction

	// FallbackRate recorded on the entry. Takes precedence over the
	// calculator's own when set.
	FallbackRate decimal.NullDecimal
}

// Calculator applies movements to a running state.
type Calculator struct {
	RatePrecision  int32
	ValuePrecision int32

	// FallbackRate values outbound stock going negative when no average
	// rate is known yet.
	FallbackRate decimal.NullDecimal
}

func NewCalculator() Calculator {
	return Calculator{RatePrecision: DefaultRatePrecision, ValuePrecision: DefaultValuePrecision}
}

// WithFallback returns a copy of the calculator using the given fallback rate.
func (c Calculator) WithFallback(rate decimal.NullDecimal) Calculator {
	c.FallbackRate = rate
	return c
}

// Validate checks the movement contract without applying it.
func (c Calculator) Validate(m Movement) error {
	switch {
	case m.ActualQty.IsZero():
		return &MovementError{Line: -1, Reason: "quantity must not be zero"}
	case m.Direction == DirectionInbound && !m.ActualQty.IsPositive():
		return &MovementError{Line: -1, Reason: "inbound voucher with non-positive quantity " + m.ActualQty.String()}
	case m.Direction == DirectionOutbound && !m.ActualQty.IsNegative():
		return &MovementError{Line: -1, Reason: "outbound voucher with non-negative quantity " + m.ActualQty.String()}
	case m.ActualQty.IsPositive() && !m.IncomingRate.Valid:
		return &MovementError{Line: -1, Reason: "inbound movement requires an incoming rate"}
	case m.ActualQty.IsPositive() && m.IncomingRate.Decimal.IsNegative():
		return &MovementError{Line: -1, Reason: "incoming rate must not be negative"}
	}
	return nil
}

// Apply returns the state after m. prior is never modified.
func (c Calculator) Apply(prior State, m Movement) (State, error) {
	if err := c.Validate(m); err != nil {
		return State{}, err
	}

	qty := prior.Qty.Add(m.ActualQty)
	var rate decimal.Decimal

	switch {
	case qty.IsZero():
		rate = decimal.Zero
	case m.ActualQty.IsPositive():
		incoming := m.IncomingRate.Decimal
		if prior.Qty.IsNegative() {
			rate = incoming
		} else {
			rate = prior.Qty.Mul(prior.Rate).Add(m.ActualQty.Mul(incoming)).Div(qty)
		}
	default:
		rate = prior.Rate
		fallback := c.FallbackRate
		if m.FallbackRate.Valid {
			fallback = m.FallbackRate
		}
		if qty.IsNegative() && rate.IsZero() && fallback.Valid {
			rate = fallback.Decimal
		}
	}

	rate = rate.Round(c.RatePrecision)
	return State{
		Qty:   qty,
		Rate:  rate,
		Value: qty.Mul(rate).Round(c.ValuePrecision),
	}, nil
}

// Computed converts the transition prior -> next into entry fields.
func Computed(prior, next State) ComputedFields {
	return ComputedFields{
		QtyAfterTransaction:  next.Qty,
		ValuationRate:        next.Rate,
		StockValue:           next.Value,
		StockValueDifference: next.Value.Sub(prior.Value),
	}
}
