package quote

import "github.com/shopspring/decimal"

// Rounder 将价格与数量调整到交易所精度
type Rounder struct {
	priceDecimals int32
	sizeDecimals  int32
}

// NewRounder creates a rounder for the given decimal places.
func NewRounder(priceDecimals, sizeDecimals int) Rounder {
	return Rounder{priceDecimals: int32(priceDecimals), sizeDecimals: int32(sizeDecimals)}
}

// Tick is the smallest price increment.
func (r Rounder) Tick() float64 {
	return decimal.New(1, -r.priceDecimals).InexactFloat64()
}

// Price rounds to the nearest tick.
func (r Rounder) Price(v float64) float64 {
	return decimal.NewFromFloat(v).Round(r.priceDecimals).InexactFloat64()
}

// BidPrice rounds down so rounding never tightens a bid.
func (r Rounder) BidPrice(v float64) float64 {
	return decimal.NewFromFloat(v).RoundFloor(r.priceDecimals).InexactFloat64()
}

// AskPrice rounds up so rounding never tightens an ask.
func (r Rounder) AskPrice(v float64) float64 {
	return decimal.NewFromFloat(v).RoundCeil(r.priceDecimals).InexactFloat64()
}

// SidePrice rounds away from the touch for the given side.
func (r Rounder) SidePrice(buy bool, v float64) float64 {
	if buy {
		return r.BidPrice(v)
	}
	return r.AskPrice(v)
}

// Size truncates to the size step; an order never exceeds what was sized.
func (r Rounder) Size(v float64) float64 {
	return decimal.NewFromFloat(v).Truncate(r.sizeDecimals).InexactFloat64()
}
