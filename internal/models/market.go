package models

import "time"

// BookUpdate is a top-of-book update for the traded pair.
type BookUpdate struct {
	Pair     string    `json:"pair"`
	BestBid  float64   `json:"best_bid"`
	BestAsk  float64   `json:"best_ask"`
	BidDepth float64   `json:"bid_depth"` // summed size of the top 5 levels
	AskDepth float64   `json:"ask_depth"`
	Time     time.Time `json:"time"`
}

// Mid returns the book mid, or zero for a one-sided book.
func (b BookUpdate) Mid() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 0
	}
	return (b.BestBid + b.BestAsk) / 2
}

// SpreadBps returns the quoted book spread in basis points.
func (b BookUpdate) SpreadBps() float64 {
	mid := b.Mid()
	if mid == 0 {
		return 0
	}
	return (b.BestAsk - b.BestBid) / mid * 10000
}

// MarkUpdate carries the perpetual mark price and the current funding rate.
type MarkUpdate struct {
	Pair             string    `json:"pair"`
	MarkPrice        float64   `json:"mark_price"`
	FundingRatePct8h float64   `json:"funding_rate_pct_8h"` // percent per 8 hours, signed
	Time             time.Time `json:"time"`
}

// Fill 定义了单次成交
type Fill struct {
	Pair          string    `json:"pair"`
	Time          time.Time `json:"time"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	Fee           float64   `json:"fee"` // quote currency
	IsMaker       bool      `json:"is_maker"`
	// RealizedPnL is set by the inventory tracker when the fill is applied.
	RealizedPnL float64 `json:"realized_pnl"`
}

// QuoteAmount is the notional of the fill.
func (f Fill) QuoteAmount() float64 {
	return f.Price * f.Size
}

// FillKey identifies a fill for deduplication.
type FillKey struct {
	Pair    string
	UnixMs  int64
	OrderID string
}

// Key returns the deduplication key of the fill.
func (f Fill) Key() FillKey {
	return FillKey{Pair: f.Pair, UnixMs: f.Time.UnixMilli(), OrderID: f.OrderID}
}

// AccountSnapshot is what the exchange reports for balances and margin.
type AccountSnapshot struct {
	BaseAvailable  float64 `json:"base_available"`
	BaseTotal      float64 `json:"base_total"`
	QuoteAvailable float64 `json:"quote_available"`
	QuoteTotal     float64 `json:"quote_total"`
	Position       float64 `json:"position"`
	EntryPrice     float64 `json:"entry_price"`
	AccountValue   float64 `json:"account_value"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
}

// MarketSnapshot is the market view a quote policy prices against.
type MarketSnapshot struct {
	Book             BookUpdate
	MarkPrice        float64
	FundingRatePct8h float64
	Oracle           OracleReading
	Time             time.Time
}

// Anchor returns the mark price when known, else the book mid.
func (m MarketSnapshot) Anchor() float64 {
	if m.MarkPrice > 0 {
		return m.MarkPrice
	}
	return m.Book.Mid()
}

// EventType defines the type of a normalized event
type EventType int

const (
	BookEvent EventType = iota
	MarkEvent
	OracleEvent
	FillEvent
	OrderUpdateEvent
	EmergencyStopEvent
	ErrorEvent
)

func (t EventType) String() string {
	switch t {
	case BookEvent:
		return "book"
	case MarkEvent:
		return "mark"
	case OracleEvent:
		return "oracle"
	case FillEvent:
		return "fill"
	case OrderUpdateEvent:
		return "order_update"
	case EmergencyStopEvent:
		return "emergency_stop"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a standardized internal representation of an exchange or operator event.
// Data holds BookUpdate, MarkUpdate, OracleReading, Fill, Order, a reason string or an error.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}
