package quote

import (
	"lobster-mm-bot-go/internal/models"
	"math"

	"go.uber.org/zap"
)

const (
	// 资金费率偏斜低于该值视为噪声
	minFundingSkewBps = 10
	// 增仓方向的挂单不允许让仓位超过上限的 90%
	positionHeadroom = 0.9
)

// Perp quotes both sides of a perpetual around the mark price.
type Perp struct {
	rounder Rounder
	logger  *zap.Logger
}

// NewPerp creates the perpetual market making policy.
func NewPerp(rounder Rounder, logger *zap.Logger) *Perp {
	return &Perp{rounder: rounder, logger: logger}
}

func (p *Perp) Kind() models.StrategyKind { return models.StrategyPerp }

// Quote prices bid and ask around the skewed mark.
func (p *Perp) Quote(in Input) Output {
	var out Output
	mark := in.Market.Anchor()
	if !in.Decision.Quoting() || mark <= 0 {
		return out
	}
	params := in.Params
	posUSD := in.Inventory.Position * mark

	// 1. 库存偏斜：多头压低中间价鼓励卖出
	excess := deadZone(posUSD-params.Position.TargetPositionUSD, params.Inventory.SkewThresholdUSD)
	skew := capAbs(excess/1000*params.Inventory.SkewBpsPer1k, params.Inventory.MaxSkewBps)
	mid := mark * (1 - skew/10000)

	// 2. 资金费率偏斜：正费率时偏向做空。单边报价时不再叠加
	if !in.Decision.FundingLimited && params.Funding.FundingSkewMultiplier > 0 {
		fundingSkew := in.Market.FundingRatePct8h * 100 * params.Funding.FundingSkewMultiplier
		if math.Abs(fundingSkew) > minFundingSkewBps {
			fundingSkew = capAbs(fundingSkew, params.Inventory.MaxSkewBps)
			mid *= 1 - fundingSkew/10000
			skew += fundingSkew
		}
	}
	out.Mid = mid
	out.SkewBps = skew

	spread := clampSpread(params.Trading.BaseSpreadBps, params.Trading)
	bidHalf, askHalf := halves(spread, in)
	out.SpreadBps = bidHalf + askHalf

	size := p.rounder.Size(params.Trading.BaseOrderSize / mark)
	if size <= 0 || size < params.Trading.MinOrderSize {
		out.skip(KeyBid, "size below minimum")
		out.skip(KeyAsk, "size below minimum")
		return out
	}

	allowBid, allowAsk := in.Decision.AllowBid, in.Decision.AllowAsk
	if !allowBid {
		out.skip(KeyBid, "guard")
	}
	if !allowAsk {
		out.skip(KeyAsk, "guard")
	}

	var reduceBid, reduceAsk bool
	if maxUSD := params.Position.MaxPositionUSD; maxUSD > 0 {
		sizeUSD := size * mark
		switch {
		case posUSD > 0 && posUSD+sizeUSD > maxUSD*positionHeadroom:
			allowBid = false
			out.skip(KeyBid, "position limit")
			reduceAsk = posUSD >= maxUSD
		case posUSD < 0 && -posUSD+sizeUSD > maxUSD*positionHeadroom:
			allowAsk = false
			out.skip(KeyAsk, "position limit")
			reduceBid = -posUSD >= maxUSD
		}
	}

	tick := p.rounder.Tick()
	book := in.Market.Book
	if allowBid {
		price := p.rounder.BidPrice(mid * (1 - bidHalf/10000))
		price = p.rounder.Price(antiCross(models.Buy, price, book, tick))
		bidSize := size
		if reduceBid {
			bidSize = p.rounder.Size(math.Min(size, math.Abs(in.Inventory.Position)))
		}
		out.Quotes = append(out.Quotes, models.Quote{Key: KeyBid, Side: models.Buy, Price: price, Size: bidSize, PostOnly: true, ReduceOnly: reduceBid})
	}
	if allowAsk {
		price := p.rounder.AskPrice(mid * (1 + askHalf/10000))
		price = p.rounder.Price(antiCross(models.Sell, price, book, tick))
		askSize := size
		if reduceAsk {
			askSize = p.rounder.Size(math.Min(size, math.Abs(in.Inventory.Position)))
		}
		out.Quotes = append(out.Quotes, models.Quote{Key: KeyAsk, Side: models.Sell, Price: price, Size: askSize, PostOnly: true, ReduceOnly: reduceAsk})
	}
	return out
}
