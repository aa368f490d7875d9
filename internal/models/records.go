package models

import "time"

// ChangeReason records why the active parameter set changed.
type ChangeReason string

const (
	ReasonManual           ChangeReason = "manual"
	ReasonAutoOptimization ChangeReason = "auto_optimization"
	ReasonEmergency        ChangeReason = "emergency"
)

// Valid reports whether r is one of the known reasons.
func (r ChangeReason) Valid() bool {
	switch r {
	case ReasonManual, ReasonAutoOptimization, ReasonEmergency:
		return true
	}
	return false
}

// ParameterSet is an immutable, versioned configuration for one pair.
type ParameterSet struct {
	ID          int64        `json:"id"`
	Pair        string       `json:"pair"`
	ConfigHash  string       `json:"config_hash"`
	Strategy    StrategyKind `json:"strategy"`
	Params      Params       `json:"params"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ParameterChange is the audit edge between two parameter sets of a pair.
// OldSetID is nil on first activation.
type ParameterChange struct {
	ID         int64        `json:"id"`
	Pair       string       `json:"pair"`
	OldSetID   *int64       `json:"old_set_id,omitempty"`
	NewSetID   int64        `json:"new_set_id"`
	ChangeType string       `json:"change_type"`
	Summary    string       `json:"change_summary"`
	Reason     ChangeReason `json:"reason"`
	Notes      string       `json:"notes,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// MetricsSnapshot 是某个整分钟边界的一行指标
type MetricsSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	Pair           string    `json:"pair"`
	ParameterSetID int64     `json:"parameter_set_id"`

	BaseBalance   float64 `json:"base_balance"`
	QuoteBalance  float64 `json:"quote_balance"`
	BaseTotal     float64 `json:"base_total"`
	QuoteTotal    float64 `json:"quote_total"`
	Position      float64 `json:"position"`
	MidPrice      float64 `json:"mid_price"`
	BidPrice      float64 `json:"bid_price"`
	AskPrice      float64 `json:"ask_price"`
	SpreadBps     float64 `json:"spread_bps"`
	TotalValueUSD float64 `json:"total_value_usd"`

	FillsCount     int     `json:"fills_count"`
	BuyFills       int     `json:"buy_fills"`
	SellFills      int     `json:"sell_fills"`
	VolumeBase     float64 `json:"volume_base"`
	VolumeQuote    float64 `json:"volume_quote"`
	RealizedPnL    float64 `json:"realized_pnl"`
	FeesPaid       float64 `json:"fees_paid"`
	NetRealizedPnL float64 `json:"net_realized_pnl"`
	PriceChangeBps float64 `json:"price_change_bps"`

	CumulativeFills       int     `json:"cumulative_fills"`
	CumulativeVolume      float64 `json:"cumulative_volume"`
	CumulativeRealizedPnL float64 `json:"cumulative_realized_pnl"`
	CumulativeFees        float64 `json:"cumulative_fees"`
	CumulativeNetPnL      float64 `json:"cumulative_net_pnl"`

	BotRunning           bool    `json:"bot_running"`
	GuardState           string  `json:"guard_state"`
	BidLive              bool    `json:"bid_live"`
	AskLive              bool    `json:"ask_live"`
	OurBidPrice          float64 `json:"our_bid_price"`
	OurAskPrice          float64 `json:"our_ask_price"`
	OurBidSize           float64 `json:"our_bid_size"`
	OurAskSize           float64 `json:"our_ask_size"`
	AvgSpreadCapturedBps float64 `json:"avg_spread_captured_bps"`
}

// SystemEvent is an operator-facing timeline entry (guard transitions, stops, rebalances).
type SystemEvent struct {
	ID          int64                  `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Pair        string                 `json:"pair"`
	Type        string                 `json:"event_type"`
	Title       string                 `json:"event_title"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
