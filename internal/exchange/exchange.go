package exchange

import (
	"context"
	"lobster-mm-bot-go/internal/models"
	"time"
)

// Venue 标识交易所品种
type Venue string

const (
	VenueFutures Venue = "binance-futures"
	VenueSpot    Venue = "binance-spot"
	VenuePaper   Venue = "paper"
)

// Candle is one closed 1m kline, used to seed the volatility window.
type Candle struct {
	Time  time.Time
	High  float64
	Low   float64
	Close float64
}

// Subscription 描述控制循环需要的行情与用户数据流
type Subscription struct {
	Pair string
	// Perp 为 true 时订阅标记价格与资金费率
	Perp bool
	// OracleSymbol 非空时订阅该永续合约的盘口作为预言机
	OracleSymbol string
	// UserData 订阅成交回报
	UserData bool
}

// MarketData 定义行情读取能力
type MarketData interface {
	Book(ctx context.Context, pair string) (*models.BookUpdate, error)
	Mark(ctx context.Context, pair string) (*models.MarkUpdate, error)
	Oracle(ctx context.Context, symbol string) (*models.OracleReading, error)
	RecentCandles(ctx context.Context, pair string, limit int) ([]Candle, error)
	// Subscribe 返回的通道在 ctx 结束后关闭
	Subscribe(ctx context.Context, sub Subscription) (<-chan models.Event, error)
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得做市循环可以在真实交易和模拟撮合之间轻松切换。
type Exchange interface {
	MarketData

	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, pair string, orderID string) error
	CancelAllOrders(ctx context.Context, pair string) error
	OpenOrders(ctx context.Context, pair string) ([]models.Order, error)
	Account(ctx context.Context, pair string) (*models.AccountSnapshot, error)
}

func send(ctx context.Context, out chan<- models.Event, ev models.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var (
	_ Exchange = (*PaperExchange)(nil)
	_ Exchange = (*BinanceExchange)(nil)
)
