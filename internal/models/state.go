package models

import "time"

// StrategyKind 定义了策略类型
type StrategyKind string

const (
	StrategyPerp StrategyKind = "perp"
	StrategySpot StrategyKind = "spot"
	StrategyGrid StrategyKind = "grid"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// GridBias 决定网格两侧的档位数量
type GridBias string

const (
	BiasNeutral GridBias = "neutral"
	BiasLong    GridBias = "long"
	BiasShort   GridBias = "short"
)

// LevelStatus 是网格档位的生命周期状态
type LevelStatus string

const (
	LevelOpen   LevelStatus = "OPEN"
	LevelFilled LevelStatus = "FILLED"
)

// GridLevel 代表网格中的一个价格档位。
// Index 为相对中心的档位序号：正数在中心之上，负数在中心之下，0 为中心价。
type GridLevel struct {
	Index       int         `json:"index"`
	Price       float64     `json:"price"`
	Side        Side        `json:"side"`
	Size        float64     `json:"size"`
	Status      LevelStatus `json:"status"`
	PairedPrice float64     `json:"paired_price,omitempty"` // 反向挂单时记录开仓腿的成交价
	FilledSize  float64     `json:"filled_size,omitempty"`  // 当前挂单已成交数量（部分成交累计）
	Fees        float64     `json:"fees,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// GridState 是网格策略在运行时的全部可变状态
type GridState struct {
	Center              float64            `json:"center"`
	SpacingPct          float64            `json:"spacing_pct"`
	Levels              map[int]*GridLevel `json:"levels"`
	CompletedRoundTrips int                `json:"completed_round_trips"`
	TotalGridProfit     float64            `json:"total_grid_profit"`
	InitializedAt       time.Time          `json:"initialized_at"`
}

// CommittedOrder 是对账器记住的"最后一次提交"的挂单
type CommittedOrder struct {
	Key           string    `json:"key"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	FilledSize    float64   `json:"filled_size,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	PlacedAt      time.Time `json:"placed_at"`
}

// LoopState 定义了控制循环需要跨重启持久化的数据
type LoopState struct {
	Pair              string                    `json:"pair"`
	Strategy          StrategyKind              `json:"strategy"`
	Version           int                       `json:"version"`
	GuardState        string                    `json:"guard_state"`
	GuardReason       string                    `json:"guard_reason,omitempty"`
	SessionStartValue float64                   `json:"session_start_value"`
	ParameterSetID    int64                     `json:"parameter_set_id"`
	Grid              *GridState                `json:"grid,omitempty"`
	Orders            map[string]CommittedOrder `json:"orders"`
	LastUpdateTime    time.Time                 `json:"last_update_time"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *LoopState) Clone() *LoopState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Orders != nil {
		c.Orders = make(map[string]CommittedOrder, len(s.Orders))
		for k, v := range s.Orders {
			c.Orders[k] = v
		}
	}
	if s.Grid != nil {
		g := *s.Grid
		g.Levels = make(map[int]*GridLevel, len(s.Grid.Levels))
		for k, v := range s.Grid.Levels {
			if v != nil {
				lv := *v
				g.Levels[k] = &lv
			}
		}
		c.Grid = &g
	}
	return &c
}

// OracleReading 是最近一次被接受的预言机价格
type OracleReading struct {
	Price float64   `json:"price"`
	Bid   float64   `json:"bid"`
	Ask   float64   `json:"ask"`
	Time  time.Time `json:"time"`
}

// SpreadBps of the oracle book, zero when either side is missing.
func (o OracleReading) SpreadBps() float64 {
	if o.Bid <= 0 || o.Ask <= 0 || o.Price <= 0 {
		return 0
	}
	return (o.Ask - o.Bid) / o.Price * 10000
}

// Inventory 是单个交易对的库存与盈亏状态，由 InventoryTracker 独占
type Inventory struct {
	BaseAvailable  float64 `json:"base_available"`
	BaseTotal      float64 `json:"base_total"`
	QuoteAvailable float64 `json:"quote_available"`
	QuoteTotal     float64 `json:"quote_total"`
	Position       float64 `json:"position"`       // 带符号：多为正，空为负
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	RealizedPnL    float64 `json:"realized_pnl"`
	FeesPaid       float64 `json:"fees_paid"`
	MarkPrice      float64 `json:"mark_price"`
}

// PositionUSD is the signed position value at the mark.
func (i Inventory) PositionUSD() float64 {
	return i.Position * i.MarkPrice
}

// UnrealizedPnL of the open position at the mark.
func (i Inventory) UnrealizedPnL() float64 {
	if i.Position == 0 || i.AvgEntryPrice == 0 || i.MarkPrice == 0 {
		return 0
	}
	return (i.MarkPrice - i.AvgEntryPrice) * i.Position
}
