package quote

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// 成交价与档位价格的匹配容差
	fillMatchTolerance = 0.001
	// 累计成交达到挂单数量的该比例即视为完全成交
	fullFillRatio = 0.999
)

// FillResult describes what a fill did to the grid.
type FillResult struct {
	Matched    bool
	Level      int
	Partial    bool
	RoundTrip  bool
	Profit     float64
	Armed      int // level re-armed on the opposite side, 0 if none
	IgnoredWhy string
}

// Grid 维护围绕中心价生成的网格档位。
// 买单成交后在上一档挂卖单，卖单成交后在下一档挂买单；价格偏离中心过远时整体重建。
type Grid struct {
	params  models.Params
	state   *models.GridState
	rounder Rounder
	logger  *zap.Logger
}

// NewGrid creates the grid policy. state may be nil or a grid restored from disk.
func NewGrid(params models.Params, state *models.GridState, rounder Rounder, logger *zap.Logger) *Grid {
	return &Grid{params: params, state: state, rounder: rounder, logger: logger}
}

func (g *Grid) Kind() models.StrategyKind { return models.StrategyGrid }

// State returns the live grid state for persistence. Callers must not mutate it.
func (g *Grid) State() *models.GridState {
	return g.state
}

// Initialized reports whether levels exist.
func (g *Grid) Initialized() bool {
	return g.state != nil && len(g.state.Levels) > 0
}

// LevelKey is the reconciler slot of a grid level.
func LevelKey(index int) string {
	return "L" + strconv.Itoa(index)
}

// ParseLevelKey is the inverse of LevelKey.
func ParseLevelKey(key string) (int, bool) {
	if !strings.HasPrefix(key, "L") {
		return 0, false
	}
	idx, err := strconv.Atoi(key[1:])
	if err != nil || idx == 0 {
		return 0, false
	}
	return idx, true
}

// LevelCounts returns how many levels sit below and above the center for a bias.
func LevelCounts(bias models.GridBias, n int) (below, above int) {
	switch bias {
	case models.BiasLong:
		return n + 2, maxInt(2, n-2)
	case models.BiasShort:
		return maxInt(2, n-2), n + 2
	default:
		return n, n
	}
}

// Build 以 center 为中心生成新网格，替换现有全部档位
func (g *Grid) Build(center float64, at time.Time) {
	gp := g.params.Grid
	below, above := LevelCounts(gp.Bias, gp.NumLevelsEachSide)
	s := gp.SpacingPct / 100

	state := &models.GridState{
		Center:        center,
		SpacingPct:    gp.SpacingPct,
		Levels:        make(map[int]*models.GridLevel, below+above),
		InitializedAt: at,
	}
	if g.state != nil {
		// 往返统计跨重建累计
		state.CompletedRoundTrips = g.state.CompletedRoundTrips
		state.TotalGridProfit = g.state.TotalGridProfit
	}
	for k := 1; k <= below; k++ {
		price := g.rounder.Price(center * math.Pow(1-s, float64(k)))
		state.Levels[-k] = g.newLevel(-k, price, models.Buy, at)
	}
	for k := 1; k <= above; k++ {
		price := g.rounder.Price(center * math.Pow(1+s, float64(k)))
		state.Levels[k] = g.newLevel(k, price, models.Sell, at)
	}
	g.state = state

	g.logger.Info("网格已生成",
		zap.String("pair", g.params.Pair),
		zap.Float64("center", center),
		zap.Float64("spacing_pct", gp.SpacingPct),
		zap.Int("levels_below", below),
		zap.Int("levels_above", above))
}

func (g *Grid) newLevel(index int, price float64, side models.Side, at time.Time) *models.GridLevel {
	return &models.GridLevel{
		Index:     index,
		Price:     price,
		Side:      side,
		Size:      g.sizeAt(price),
		Status:    models.LevelOpen,
		UpdatedAt: at,
	}
}

func (g *Grid) sizeAt(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return g.rounder.Size(g.params.Grid.OrderSizeUSD / price)
}

// NeedsRebalance reports whether price has moved too far from the center.
func (g *Grid) NeedsRebalance(price float64) bool {
	if !g.Initialized() || g.state.Center <= 0 {
		return true
	}
	threshold := g.params.Grid.RebalanceThresholdPct
	if threshold <= 0 {
		return false
	}
	return math.Abs(price-g.state.Center)/g.state.Center*100 > threshold
}

// Refill re-arms every empty level on its home side: buys below the center, sells above.
func (g *Grid) Refill(at time.Time) int {
	if !g.Initialized() {
		return 0
	}
	n := 0
	for idx, lv := range g.state.Levels {
		if lv.Status != models.LevelFilled {
			continue
		}
		lv.Side = models.Sell
		if idx < 0 {
			lv.Side = models.Buy
		}
		lv.Status = models.LevelOpen
		lv.PairedPrice = 0
		lv.FilledSize = 0
		lv.Fees = 0
		lv.Size = g.sizeAt(lv.Price)
		lv.UpdatedAt = at
		n++
	}
	return n
}

// Quote returns one post-only order per open level, rebuilding the grid first when
// it is missing or the price has left the rebalance band.
func (g *Grid) Quote(in Input) Output {
	var out Output
	price := in.Market.Anchor()
	if !in.Decision.Quoting() || price <= 0 {
		return out
	}
	out.Mid = price

	if g.NeedsRebalance(price) {
		rebuilt := g.Initialized()
		g.Build(price, in.Now)
		if rebuilt {
			out.Instructions = append(out.Instructions, models.Instruction{
				Kind:   models.InstructionCancelAll,
				Reason: fmt.Sprintf("grid rebalance around %.8g", price),
			})
		}
	}
	out.SpreadBps = g.state.SpacingPct * 100

	posUSD := in.Inventory.Position * price
	maxUSD := g.params.Position.MaxPositionUSD
	orderUSD := g.params.Grid.OrderSizeUSD
	book := in.Market.Book

	candidates := make([]*models.GridLevel, 0, len(g.state.Levels))
	for _, lv := range g.sortedLevels() {
		key := LevelKey(lv.Index)
		if lv.Status != models.LevelOpen || lv.Size <= 0 {
			continue
		}
		switch lv.Side {
		case models.Buy:
			if !in.Decision.AllowBid {
				out.skip(key, "guard")
				continue
			}
			if maxUSD > 0 && posUSD+orderUSD > maxUSD {
				out.skip(key, "max long position")
				continue
			}
			if book.BestAsk > 0 && lv.Price >= book.BestAsk {
				out.skip(key, "would cross")
				continue
			}
		case models.Sell:
			if !in.Decision.AllowAsk {
				out.skip(key, "guard")
				continue
			}
			if maxUSD > 0 && posUSD-orderUSD < -maxUSD {
				out.skip(key, "max short position")
				continue
			}
			if book.BestBid > 0 && lv.Price <= book.BestBid {
				out.skip(key, "would cross")
				continue
			}
		}
		candidates = append(candidates, lv)
	}

	// 挂单数量上限：保留离当前价最近的档位
	if limit := g.params.Safety.MaxOpenOrders; limit > 0 && len(candidates) > limit {
		sort.SliceStable(candidates, func(i, j int) bool {
			return math.Abs(candidates[i].Price-price) < math.Abs(candidates[j].Price-price)
		})
		for _, lv := range candidates[limit:] {
			out.skip(LevelKey(lv.Index), "max open orders")
		}
		candidates = candidates[:limit]
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Index < candidates[j].Index })
	}

	for _, lv := range candidates {
		out.Quotes = append(out.Quotes, models.Quote{
			Key:      LevelKey(lv.Index),
			Side:     lv.Side,
			Price:    lv.Price,
			Size:     lv.Size,
			PostOnly: true,
		})
	}
	return out
}

// OnFill 处理网格成交。key 为对账器解析出的档位槽位，为空时按价格 0.1% 容差匹配。
func (g *Grid) OnFill(key string, fill models.Fill) FillResult {
	var res FillResult
	if !g.Initialized() {
		res.IgnoredWhy = "grid not initialized"
		return res
	}
	if fill.Time.Before(g.state.InitializedAt) {
		res.IgnoredWhy = "fill predates grid"
		return res
	}

	lv := g.matchLevel(key, fill)
	if lv == nil {
		res.IgnoredWhy = "no matching level"
		g.logger.Warn("成交无法匹配到网格档位",
			zap.String("pair", fill.Pair), zap.Float64("price", fill.Price), zap.String("side", string(fill.Side)))
		return res
	}
	res.Matched = true
	res.Level = lv.Index

	lv.FilledSize += fill.Size
	lv.Fees += fill.Fee
	lv.UpdatedAt = fill.Time
	if lv.FilledSize < lv.Size*fullFillRatio {
		res.Partial = true
		return res
	}

	if lv.PairedPrice > 0 {
		var profit float64
		if fill.Side == models.Sell {
			profit = (fill.Price-lv.PairedPrice)*lv.FilledSize - lv.Fees
		} else {
			profit = (lv.PairedPrice-fill.Price)*lv.FilledSize - lv.Fees
		}
		g.state.CompletedRoundTrips++
		g.state.TotalGridProfit += profit
		res.RoundTrip = true
		res.Profit = profit
		g.logger.Info("网格完成一次往返",
			zap.String("pair", fill.Pair),
			zap.Float64("entry", lv.PairedPrice),
			zap.Float64("exit", fill.Price),
			zap.Float64("profit", profit),
			zap.Int("round_trips", g.state.CompletedRoundTrips),
			zap.Float64("total_profit", g.state.TotalGridProfit))
	}

	lv.Status = models.LevelFilled
	lv.PairedPrice = 0
	lv.FilledSize = 0
	lv.Fees = 0

	// 买成交 → 上一档挂卖；卖成交 → 下一档挂买。目标档位已有挂单则跳过
	next := g.neighbour(lv.Index, fill.Side == models.Buy)
	if next == nil || next.Status != models.LevelFilled {
		return res
	}
	next.Side = fill.Side.Opposite()
	next.Status = models.LevelOpen
	next.PairedPrice = fill.Price
	next.Size = g.sizeAt(next.Price)
	next.UpdatedAt = fill.Time
	res.Armed = next.Index
	return res
}

func (g *Grid) matchLevel(key string, fill models.Fill) *models.GridLevel {
	if idx, ok := ParseLevelKey(key); ok {
		if lv, exists := g.state.Levels[idx]; exists && lv.Status == models.LevelOpen {
			return lv
		}
	}
	var best *models.GridLevel
	tolerance := fill.Price * fillMatchTolerance
	for _, lv := range g.state.Levels {
		if lv.Status != models.LevelOpen || lv.Side != fill.Side {
			continue
		}
		d := math.Abs(lv.Price - fill.Price)
		if d < tolerance && (best == nil || d < math.Abs(best.Price-fill.Price)) {
			best = lv
		}
	}
	return best
}

// neighbour returns the adjacent level above (up) or below index, skipping the center.
func (g *Grid) neighbour(index int, up bool) *models.GridLevel {
	levels := g.sortedLevels()
	for i, lv := range levels {
		if lv.Index != index {
			continue
		}
		if up && i+1 < len(levels) {
			return levels[i+1]
		}
		if !up && i > 0 {
			return levels[i-1]
		}
		return nil
	}
	return nil
}

func (g *Grid) sortedLevels() []*models.GridLevel {
	levels := make([]*models.GridLevel, 0, len(g.state.Levels))
	for _, lv := range g.state.Levels {
		levels = append(levels, lv)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Index < levels[j].Index })
	return levels
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
