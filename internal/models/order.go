package models

import "time"

// OrderType 定义订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 定义订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsFinal reports whether the order can no longer fill.
func (s OrderStatus) IsFinal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// Quote is one desired resting order. Key identifies the slot it occupies:
// "bid"/"ask" for market making, "L<index>" for a grid level.
type Quote struct {
	Key        string  `json:"key"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	PostOnly   bool    `json:"post_only"`
	ReduceOnly bool    `json:"reduce_only"`
}

// OrderRequest is what gets submitted to the exchange.
type OrderRequest struct {
	Pair          string    `json:"pair"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	PostOnly      bool      `json:"post_only"`
	ReduceOnly    bool      `json:"reduce_only"`
	ClientOrderID string    `json:"client_order_id"`
}

// Order 定义了订单信息
type Order struct {
	Pair          string      `json:"pair"`
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	Size          float64     `json:"size"`
	FilledSize    float64     `json:"filled_size"`
	Status        OrderStatus `json:"status"`
	PostOnly      bool        `json:"post_only"`
	ReduceOnly    bool        `json:"reduce_only"`
	CreatedAt     time.Time   `json:"created_at"`
}

// InstructionKind 是报价之外的一次性指令
type InstructionKind string

const (
	InstructionCancelAll     InstructionKind = "cancel_all"
	InstructionClosePosition InstructionKind = "close_position"
	InstructionMarketSell    InstructionKind = "market_sell"
)

// Instruction is an out-of-cycle action emitted by the guard or a policy.
type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	Size   float64         `json:"size,omitempty"`
	Reason string          `json:"reason"`
}
