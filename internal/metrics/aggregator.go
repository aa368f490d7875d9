package metrics

import (
	"context"
	"lobster-mm-bot-go/internal/models"
	"time"

	"go.uber.org/zap"
)

// Store 是聚合器需要的持久化能力，由 storage.Store 实现
type Store interface {
	InsertFill(ctx context.Context, fill models.Fill, parameterSetID int64) (bool, error)
	ListFills(ctx context.Context, pair string, from, to time.Time) ([]models.Fill, error)
	UpsertSnapshot(ctx context.Context, m models.MetricsSnapshot) error
}

// State is the bot's view at a minute boundary.
type State struct {
	ParameterSetID int64
	Inventory      models.Inventory
	Book           models.BookUpdate
	// Mid overrides the book mid when set (perp quotes off the mark).
	Mid           float64
	TotalValueUSD float64
	BotRunning    bool
	GuardState    string
	Bid           *models.CommittedOrder
	Ask           *models.CommittedOrder
}

type capture struct {
	at  time.Time
	bps float64
}

type window struct {
	fills       int
	volumeQuote float64
	realized    float64
	fees        float64
}

// Aggregator 负责整分钟指标快照与成交落库。只在控制循环内调用，不加锁。
type Aggregator struct {
	pair   string
	store  Store
	logger *zap.Logger

	captures []capture

	lastTimestamp time.Time
	lastMid       float64
	prevMid       float64
	lastWindow    window

	cumFills    int
	cumVolume   float64
	cumRealized float64
	cumFees     float64
}

// NewAggregator creates an aggregator for one pair.
func NewAggregator(pair string, store Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		pair:   pair,
		store:  store,
		logger: logger.With(zap.String("component", "metrics"), zap.String("pair", pair)),
	}
}

// NextBoundary returns the first whole minute strictly after now.
func NextBoundary(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute)
}

// RecordFill persists the fill as it happens. mid is the market mid when the fill
// arrived and feeds the spread-captured average. Duplicates return false.
func (a *Aggregator) RecordFill(ctx context.Context, fill models.Fill, mid float64, parameterSetID int64) (bool, error) {
	inserted, err := a.store.InsertFill(ctx, fill, parameterSetID)
	if err != nil {
		return false, &models.PersistenceError{Op: "insert fill", Err: err}
	}
	if !inserted {
		a.logger.Debug("重复成交，忽略", zap.String("orderID", fill.OrderID))
		return false, nil
	}
	if mid > 0 {
		bps := (mid - fill.Price) / mid * 10000
		if fill.Side == models.Sell {
			bps = -bps
		}
		a.captures = append(a.captures, capture{at: fill.Time, bps: bps})
	}
	return true, nil
}

// Snapshot writes the row for the minute boundary at or before now. Activity covers
// [t-60s, t). A second call for the same boundary rewrites the row without
// double counting the cumulatives. Returns nil when there is no market data.
func (a *Aggregator) Snapshot(ctx context.Context, now time.Time, st State) (*models.MetricsSnapshot, error) {
	ts := now.UTC().Truncate(time.Minute)
	mid := st.Mid
	if mid <= 0 {
		mid = st.Book.Mid()
	}
	if mid <= 0 {
		a.logger.Warn("无行情数据，跳过本分钟快照", zap.Time("timestamp", ts))
		return nil, nil
	}

	from := ts.Add(-time.Minute)
	fills, err := a.store.ListFills(ctx, a.pair, from, ts)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list fills", Err: err}
	}

	m := models.MetricsSnapshot{
		Timestamp:      ts,
		Pair:           a.pair,
		ParameterSetID: st.ParameterSetID,
		BaseBalance:    st.Inventory.BaseAvailable,
		QuoteBalance:   st.Inventory.QuoteAvailable,
		BaseTotal:      st.Inventory.BaseTotal,
		QuoteTotal:     st.Inventory.QuoteTotal,
		Position:       st.Inventory.Position,
		MidPrice:       mid,
		BidPrice:       st.Book.BestBid,
		AskPrice:       st.Book.BestAsk,
		SpreadBps:      st.Book.SpreadBps(),
		TotalValueUSD:  st.TotalValueUSD,
		BotRunning:     st.BotRunning,
		GuardState:     st.GuardState,
	}

	var w window
	for _, f := range fills {
		w.fills++
		if f.Side == models.Buy {
			m.BuyFills++
		} else {
			m.SellFills++
		}
		m.VolumeBase += f.Size
		w.volumeQuote += f.QuoteAmount()
		w.realized += f.RealizedPnL
		w.fees += f.Fee
	}
	m.FillsCount = w.fills
	m.VolumeQuote = w.volumeQuote
	m.RealizedPnL = w.realized
	m.FeesPaid = w.fees
	m.NetRealizedPnL = w.realized - w.fees
	m.AvgSpreadCapturedBps = a.avgCaptured(from, ts)

	rewrite := ts.Equal(a.lastTimestamp)
	baseMid := a.lastMid
	if rewrite {
		// 同一分钟重写：先撤销上次计入的窗口
		a.addCumulative(a.lastWindow, -1)
		baseMid = a.prevMid
	}
	a.addCumulative(w, 1)
	if baseMid > 0 {
		m.PriceChangeBps = (mid - baseMid) / baseMid * 10000
	}

	m.CumulativeFills = a.cumFills
	m.CumulativeVolume = a.cumVolume
	m.CumulativeRealizedPnL = a.cumRealized
	m.CumulativeFees = a.cumFees
	m.CumulativeNetPnL = a.cumRealized - a.cumFees

	if st.Bid != nil {
		m.BidLive = true
		m.OurBidPrice = st.Bid.Price
		m.OurBidSize = st.Bid.Size - st.Bid.FilledSize
	}
	if st.Ask != nil {
		m.AskLive = true
		m.OurAskPrice = st.Ask.Price
		m.OurAskSize = st.Ask.Size - st.Ask.FilledSize
	}

	if err := a.store.UpsertSnapshot(ctx, m); err != nil {
		return nil, &models.PersistenceError{Op: "upsert snapshot", Err: err}
	}

	if !rewrite {
		a.prevMid = a.lastMid
	}
	a.lastMid = mid
	a.lastTimestamp = ts
	a.lastWindow = w
	a.pruneCaptures(from)

	if w.fills > 0 {
		a.logger.Info("📊 分钟指标已记录",
			zap.Int("fills", w.fills),
			zap.Float64("volume", w.volumeQuote),
			zap.Float64("netPnL", m.NetRealizedPnL))
	}
	return &m, nil
}

// ResetCumulatives zeroes the counters carried since bot start.
func (a *Aggregator) ResetCumulatives() {
	a.cumFills = 0
	a.cumVolume = 0
	a.cumRealized = 0
	a.cumFees = 0
	a.lastWindow = window{}
	a.logger.Info("累计指标已重置")
}

func (a *Aggregator) addCumulative(w window, sign int) {
	a.cumFills += sign * w.fills
	a.cumVolume += float64(sign) * w.volumeQuote
	a.cumRealized += float64(sign) * w.realized
	a.cumFees += float64(sign) * w.fees
}

func (a *Aggregator) avgCaptured(from, to time.Time) float64 {
	var sum float64
	var n int
	for _, c := range a.captures {
		if c.at.Before(from) || !c.at.Before(to) {
			continue
		}
		sum += c.bps
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (a *Aggregator) pruneCaptures(before time.Time) {
	kept := a.captures[:0]
	for _, c := range a.captures {
		if !c.at.Before(before) {
			kept = append(kept, c)
		}
	}
	a.captures = kept
}
