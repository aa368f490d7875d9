package quote

import (
	"fmt"
	"lobster-mm-bot-go/internal/guard"
	"lobster-mm-bot-go/internal/models"
	"math"
	"time"

	"go.uber.org/zap"
)

// 报价槽位
const (
	KeyBid = "bid"
	KeyAsk = "ask"
)

// Input is everything a policy prices against on one tick.
type Input struct {
	Params    models.Params
	Inventory models.Inventory
	Market    models.MarketSnapshot
	Decision  guard.Decision
	Now       time.Time
}

// Output is the desired quote set for one tick.
type Output struct {
	Quotes       []models.Quote
	Instructions []models.Instruction
	Mid          float64 // quoting mid after skew
	SpreadBps    float64 // total spread before rounding
	SkewBps      float64 // positive lowers the mid
	Skipped      map[string]string
}

func (o *Output) skip(key, reason string) {
	if o.Skipped == nil {
		o.Skipped = make(map[string]string)
	}
	o.Skipped[key] = reason
}

// Quote returns the desired quote for key, if any.
func (o Output) Quote(key string) (models.Quote, bool) {
	for _, q := range o.Quotes {
		if q.Key == key {
			return q, true
		}
	}
	return models.Quote{}, false
}

// Policy turns one tick of inputs into the desired resting orders.
type Policy interface {
	Kind() models.StrategyKind
	Quote(in Input) Output
}

// FillHandler is implemented by policies whose quote set depends on fill history.
// key is the reconciler slot the fill belonged to, empty when unknown.
type FillHandler interface {
	OnFill(key string, fill models.Fill) FillResult
}

// EmergencyChecker is implemented by policies with an exit rule that must run
// even while the guard keeps the book unquoted. Only HALTED suppresses it.
type EmergencyChecker interface {
	Emergency(in Input) []models.Instruction
}

// New 根据策略类型创建报价策略。grid 为恢复的网格状态，可为 nil
func New(params models.Params, grid *models.GridState, rounder Rounder, logger *zap.Logger) (Policy, error) {
	switch params.Strategy {
	case models.StrategyPerp:
		return NewPerp(rounder, logger), nil
	case models.StrategySpot:
		return NewSpot(rounder, logger), nil
	case models.StrategyGrid:
		return NewGrid(params, grid, rounder, logger), nil
	default:
		return nil, &models.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", params.Strategy)}
	}
}

// clampSpread keeps a total spread inside the configured band.
func clampSpread(spread float64, t models.TradingParams) float64 {
	if t.MinSpreadBps > 0 {
		spread = math.Max(spread, t.MinSpreadBps)
	}
	if t.MaxSpreadBps > 0 {
		spread = math.Min(spread, t.MaxSpreadBps)
	}
	return spread
}

// capAbs limits |v| to limit, keeping the sign. limit <= 0 means no cap.
func capAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return math.Max(-limit, math.Min(limit, v))
}

// deadZone returns the part of deviation beyond ±threshold.
func deadZone(deviation, threshold float64) float64 {
	if math.Abs(deviation) <= threshold {
		return 0
	}
	if deviation > 0 {
		return deviation - threshold
	}
	return deviation + threshold
}

// halves splits a clamped total spread into bid and ask half-spreads and applies
// profit-taking on the closing side. The result never leaves [min, max].
func halves(spread float64, in Input) (bidHalf, askHalf float64) {
	half := spread / 2
	bidHalf, askHalf = half, half

	pt := in.Params.ProfitTaking
	upnl := in.Inventory.UnrealizedPnL()
	if pt.AggressionBps > 0 && upnl > 0 && math.Abs(upnl) > pt.ThresholdUSD {
		tightened := math.Max(1, half-pt.AggressionBps)
		switch {
		case in.Inventory.Position > 0:
			askHalf = tightened
		case in.Inventory.Position < 0:
			bidHalf = tightened
		}
	}

	// 止盈收窄后总价差仍须落在 [min, max] 内
	total := bidHalf + askHalf
	if bounded := clampSpread(total, in.Params.Trading); bounded != total && total > 0 {
		scale := bounded / total
		bidHalf *= scale
		askHalf *= scale
	}
	return bidHalf, askHalf
}

// antiCross moves a post-only price one tick behind the opposite touch.
func antiCross(side models.Side, price float64, book models.BookUpdate, tick float64) float64 {
	switch side {
	case models.Buy:
		if book.BestAsk > 0 && price >= book.BestAsk {
			return book.BestAsk - tick
		}
	case models.Sell:
		if book.BestBid > 0 && price <= book.BestBid {
			return book.BestBid + tick
		}
	}
	return price
}
