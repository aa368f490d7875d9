package exchange

import (
	"context"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 模拟撮合使用的错误码，与币安保持一致以便日志对照
const (
	codeFilterFailure   = -1013
	codeInsufficient    = -2010
	codeReduceOnly      = -2022
	codePostOnlyReject  = -5022
	paperEventsCapacity = 1024
)

// PaperExchange 实现了 Exchange 接口，在本地撮合挂单。
// 行情可以来自真实的 MarketData（feed），也可以由测试通过 SetBook/SetMark 驱动。
type PaperExchange struct {
	mu     sync.Mutex
	feed   MarketData
	spot   bool
	logger *zap.Logger

	makerFeeRate float64
	takerFeeRate float64

	// 现货：cash 为计价资产，base 为基础资产。
	// 合约：cash 为钱包余额（已实现盈亏与手续费），base 为带符号持仓。
	cash     float64
	base     float64
	avgEntry float64

	book   models.BookUpdate
	mark   models.MarkUpdate
	oracle models.OracleReading

	orders      map[string]*models.Order
	byClientID  map[string]string
	nextOrderID int64
	events      chan models.Event
	now         func() time.Time
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。feed 可以为 nil。
func NewPaperExchange(cfg models.ExchangeConfig, spot bool, feed MarketData, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		feed:         feed,
		spot:         spot,
		logger:       logger.With(zap.String("component", "paper")),
		makerFeeRate: cfg.MakerFeeRate,
		takerFeeRate: cfg.TakerFeeRate,
		cash:         cfg.PaperQuoteBalance,
		base:         cfg.PaperBaseBalance,
		orders:       make(map[string]*models.Order),
		byClientID:   make(map[string]string),
		nextOrderID:  1,
		events:       make(chan models.Event, paperEventsCapacity),
		now:          time.Now,
	}
}

// SetBook 是模拟撮合的核心：更新盘口并检查挂单是否成交，返回本次产生的成交。
func (e *PaperExchange) SetBook(b models.BookUpdate) []models.Fill {
	e.mu.Lock()
	if b.Time.IsZero() {
		b.Time = e.now()
	}
	e.book = b
	fills := e.matchLocked()
	e.mu.Unlock()

	e.emit(models.Event{Type: models.BookEvent, Timestamp: b.Time, Data: b})
	for _, f := range fills {
		e.emit(models.Event{Type: models.FillEvent, Timestamp: f.Time, Data: f})
	}
	return fills
}

// SetMark updates the simulated mark price and funding rate.
func (e *PaperExchange) SetMark(m models.MarkUpdate) {
	e.mu.Lock()
	if m.Time.IsZero() {
		m.Time = e.now()
	}
	e.mark = m
	e.mu.Unlock()
	e.emit(models.Event{Type: models.MarkEvent, Timestamp: m.Time, Data: m})
}

// SetOracle updates the simulated oracle reading.
func (e *PaperExchange) SetOracle(r models.OracleReading) {
	e.mu.Lock()
	if r.Time.IsZero() {
		r.Time = e.now()
	}
	e.oracle = r
	e.mu.Unlock()
	e.emit(models.Event{Type: models.OracleEvent, Timestamp: r.Time, Data: r})
}

// emit 不阻塞；有外部行情时由 Subscribe 的转发协程读取
func (e *PaperExchange) emit(ev models.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("模拟事件队列已满，丢弃事件", zap.String("type", ev.Type.String()))
	}
}

// matchLocked 按订单号顺序检查挂单是否被盘口穿越。必须在持有锁的情况下调用。
func (e *PaperExchange) matchLocked() []models.Fill {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Status == models.OrderStatusNew {
			n, _ := strconv.ParseInt(id, 10, 64)
			ids = append(ids, n)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fills []models.Fill
	for _, id := range ids {
		o := e.orders[strconv.FormatInt(id, 10)]
		shouldFill := false
		if o.Side == models.Buy && e.book.BestAsk > 0 && e.book.BestAsk <= o.Price {
			shouldFill = true
		} else if o.Side == models.Sell && e.book.BestBid > 0 && e.book.BestBid >= o.Price {
			shouldFill = true
		}
		if shouldFill {
			fills = append(fills, e.fillLocked(o, o.Price, true))
		}
	}
	return fills
}

// fillLocked 处理一个已成交的订单，更新账户状态。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(o *models.Order, price float64, maker bool) models.Fill {
	size := o.Size - o.FilledSize
	feeRate := e.makerFeeRate
	if !maker {
		feeRate = e.takerFeeRate
	}
	fee := price * size * feeRate
	qty := o.Side.Sign() * size

	if e.spot {
		e.cash -= qty*price + fee
	} else {
		e.cash += e.realizedLocked(qty, price) - fee
	}
	e.applyPositionLocked(qty, price)

	o.FilledSize = o.Size
	o.Status = models.OrderStatusFilled

	at := e.book.Time
	if at.IsZero() {
		at = e.now()
	}
	e.logger.Debug("模拟成交",
		zap.String("side", string(o.Side)), zap.Float64("price", price), zap.Float64("size", size),
		zap.Float64("position", e.base), zap.Float64("cash", e.cash))

	return models.Fill{
		Pair:          o.Pair,
		Time:          at,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Price:         price,
		Size:          size,
		Fee:           fee,
		IsMaker:       maker,
	}
}

func (e *PaperExchange) realizedLocked(qty, price float64) float64 {
	if e.base == 0 || math.Signbit(e.base) == math.Signbit(qty) {
		return 0
	}
	closed := math.Min(math.Abs(qty), math.Abs(e.base))
	direction := 1.0
	if e.base < 0 {
		direction = -1
	}
	return (price - e.avgEntry) * closed * direction
}

func (e *PaperExchange) applyPositionLocked(qty, price float64) {
	pos := e.base
	next := pos + qty
	switch {
	case math.Abs(next) < 1e-12:
		next = 0
		e.avgEntry = 0
	case pos == 0 || math.Signbit(pos) == math.Signbit(qty):
		e.avgEntry = (math.Abs(pos)*e.avgEntry + math.Abs(qty)*price) / math.Abs(next)
	case math.Abs(qty) > math.Abs(pos):
		e.avgEntry = price
	}
	e.base = next
}

func (e *PaperExchange) lockedLocked() (quote, base float64) {
	for _, o := range e.orders {
		if o.Status != models.OrderStatusNew {
			continue
		}
		remaining := o.Size - o.FilledSize
		if o.Side == models.Buy {
			quote += remaining * o.Price
		} else {
			base += remaining
		}
	}
	return quote, base
}

func (e *PaperExchange) referencePriceLocked() float64 {
	if e.mark.MarkPrice > 0 {
		return e.mark.MarkPrice
	}
	return e.book.Mid()
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 幂等：同一 clientOrderId 重复提交返回原订单
	if id, ok := e.byClientID[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		cp := *e.orders[id]
		return &cp, nil
	}
	if req.Size <= 0 || (req.Type == models.OrderTypeLimit && req.Price <= 0) {
		return nil, &models.OrderRejection{Code: codeFilterFailure, Msg: "invalid price or quantity", Permanent: true}
	}

	crosses := (req.Side == models.Buy && e.book.BestAsk > 0 && req.Price >= e.book.BestAsk) ||
		(req.Side == models.Sell && e.book.BestBid > 0 && req.Price <= e.book.BestBid)
	if req.Type == models.OrderTypeLimit && req.PostOnly && crosses {
		return nil, &models.OrderRejection{Code: codePostOnlyReject, Msg: "post only order would cross", Permanent: true}
	}
	if req.ReduceOnly && !e.spot {
		increasing := (e.base >= 0 && req.Side == models.Buy) || (e.base <= 0 && req.Side == models.Sell)
		if increasing || req.Size > math.Abs(e.base)+1e-12 {
			return nil, &models.OrderRejection{Code: codeReduceOnly, Msg: "reduce only order is rejected", Permanent: true}
		}
	}

	// 市价单与穿越盘口的普通限价单立即以对手价吃单成交
	immediate := req.Type == models.OrderTypeMarket || crosses
	execPrice := req.Price
	if immediate {
		if req.Side == models.Buy {
			execPrice = e.book.BestAsk
		} else {
			execPrice = e.book.BestBid
		}
		if execPrice <= 0 {
			execPrice = e.referencePriceLocked()
		}
		if execPrice <= 0 {
			return nil, &models.OrderRejection{Code: codeFilterFailure, Msg: "no market price", Permanent: true}
		}
	}

	if e.spot {
		lockedQuote, lockedBase := e.lockedLocked()
		if req.Side == models.Buy && e.cash-lockedQuote < req.Size*execPrice*(1+e.takerFeeRate) {
			return nil, &models.OrderRejection{Code: codeInsufficient, Msg: "insufficient quote balance", Permanent: true}
		}
		if req.Side == models.Sell && e.base-lockedBase < req.Size-1e-12 {
			return nil, &models.OrderRejection{Code: codeInsufficient, Msg: "insufficient base balance", Permanent: true}
		}
	}

	order := &models.Order{
		Pair:          req.Pair,
		OrderID:       strconv.FormatInt(e.nextOrderID, 10),
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Size:          req.Size,
		Status:        models.OrderStatusNew,
		PostOnly:      req.PostOnly,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     e.now(),
	}
	e.nextOrderID++
	e.orders[order.OrderID] = order
	if req.ClientOrderID != "" {
		e.byClientID[req.ClientOrderID] = order.OrderID
	}

	var fill *models.Fill
	if immediate {
		if req.Type == models.OrderTypeMarket {
			order.Price = execPrice
		}
		f := e.fillLocked(order, execPrice, false)
		fill = &f
	}

	if fill != nil {
		e.emit(models.Event{Type: models.FillEvent, Timestamp: fill.Time, Data: *fill})
	}
	cp := *order
	return &cp, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Status != models.OrderStatusNew {
		return fmt.Errorf("paper cancel %s: %w", orderID, models.ErrUnknownOrder)
	}
	o.Status = models.OrderStatusCanceled
	return nil
}

func (e *PaperExchange) CancelAllOrders(_ context.Context, pair string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Pair == pair && o.Status == models.OrderStatusNew {
			o.Status = models.OrderStatusCanceled
		}
	}
	return nil
}

func (e *PaperExchange) OpenOrders(_ context.Context, pair string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	open := make([]models.Order, 0)
	for _, o := range e.orders {
		if o.Pair == pair && o.Status == models.OrderStatusNew {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

func (e *PaperExchange) Account(_ context.Context, _ string) (*models.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref := e.referencePriceLocked()
	snap := &models.AccountSnapshot{
		Position:   e.base,
		EntryPrice: e.avgEntry,
	}
	if e.base != 0 && e.avgEntry > 0 && ref > 0 {
		snap.UnrealizedPnL = (ref - e.avgEntry) * e.base
	}

	if e.spot {
		lockedQuote, lockedBase := e.lockedLocked()
		snap.BaseTotal = e.base
		snap.BaseAvailable = e.base - lockedBase
		snap.QuoteTotal = e.cash
		snap.QuoteAvailable = e.cash - lockedQuote
		snap.AccountValue = e.cash + e.base*ref
		return snap, nil
	}
	snap.QuoteTotal = e.cash
	snap.QuoteAvailable = e.cash
	snap.AccountValue = e.cash + snap.UnrealizedPnL
	return snap, nil
}

func (e *PaperExchange) Book(ctx context.Context, pair string) (*models.BookUpdate, error) {
	e.mu.Lock()
	b := e.book
	e.mu.Unlock()
	if b.BestBid > 0 && b.BestAsk > 0 {
		return &b, nil
	}
	if e.feed != nil {
		return e.feed.Book(ctx, pair)
	}
	return nil, &models.MarketDataError{Source: "paper book", Reason: "no book yet"}
}

func (e *PaperExchange) Mark(ctx context.Context, pair string) (*models.MarkUpdate, error) {
	e.mu.Lock()
	m := e.mark
	e.mu.Unlock()
	if m.MarkPrice > 0 {
		return &m, nil
	}
	if e.feed != nil {
		return e.feed.Mark(ctx, pair)
	}
	return nil, &models.MarketDataError{Source: "paper mark", Reason: "no mark yet"}
}

func (e *PaperExchange) Oracle(ctx context.Context, symbol string) (*models.OracleReading, error) {
	e.mu.Lock()
	r := e.oracle
	e.mu.Unlock()
	if r.Price > 0 {
		return &r, nil
	}
	if e.feed != nil {
		return e.feed.Oracle(ctx, symbol)
	}
	return nil, &models.MarketDataError{Source: "paper oracle", Reason: "no oracle yet"}
}

func (e *PaperExchange) RecentCandles(ctx context.Context, pair string, limit int) ([]Candle, error) {
	if e.feed == nil {
		return nil, nil
	}
	return e.feed.RecentCandles(ctx, pair, limit)
}

// Subscribe 转发外部行情并在每次盘口更新后撮合；无外部行情时返回本地事件队列。
// 用户数据流由本地撮合产生，不会向真实交易所订阅。
func (e *PaperExchange) Subscribe(ctx context.Context, sub Subscription) (<-chan models.Event, error) {
	if e.feed == nil {
		return e.events, nil
	}
	sub.UserData = false
	upstream, err := e.feed.Subscribe(ctx, sub)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Event, paperEventsCapacity)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.events:
				// 市价单成交
				if !send(ctx, out, ev) {
					return
				}
			case ev, ok := <-upstream:
				if !ok {
					return
				}
				var fills []models.Fill
				e.mu.Lock()
				switch ev.Type {
				case models.BookEvent:
					e.book = ev.Data.(models.BookUpdate)
					fills = e.matchLocked()
				case models.MarkEvent:
					e.mark = ev.Data.(models.MarkUpdate)
				case models.OracleEvent:
					e.oracle = ev.Data.(models.OracleReading)
				}
				e.mu.Unlock()

				if !send(ctx, out, ev) {
					return
				}
				for _, f := range fills {
					if !send(ctx, out, models.Event{Type: models.FillEvent, Timestamp: f.Time, Data: f}) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}
