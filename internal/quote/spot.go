package quote

import (
	"fmt"
	"lobster-mm-bot-go/internal/guard"
	"lobster-mm-bot-go/internal/models"
	"math"

	"go.uber.org/zap"
)

// 现货价差加宽规则
const (
	wideOracleSpreadBps = 20  // 预言机盘口价差超过该值时加宽 spread/4
	deviationWidenPct   = 1.0 // 现货偏离预言机超过 1% 时加宽 |偏离bps|/2
	badPrintPct         = 100 // 偏离超过 100% 视为错误数据
	thinBookWidenBps    = 20
	thinBookMultiple    = 2   // 前五档深度低于 2 倍下单量视为薄盘
	inventoryWidenBps   = 30  // 库存接近上限时最多加宽 30 bps
	inventoryWidenStart = 0.5 // 库存超过上限的 50% 开始加宽
)

// Spot quotes a spot pair off the perpetual oracle.
type Spot struct {
	rounder Rounder
	logger  *zap.Logger
}

// NewSpot creates the spot market making policy.
func NewSpot(rounder Rounder, logger *zap.Logger) *Spot {
	return &Spot{rounder: rounder, logger: logger}
}

func (s *Spot) Kind() models.StrategyKind { return models.StrategySpot }

// Emergency returns cancel-all plus a market sell down to target_position when the
// spot mid trades more than emergency_sell_if_below_oracle_pct under the oracle.
// It ignores FROZEN so a deviation pause cannot hold the sell back.
func (s *Spot) Emergency(in Input) []models.Instruction {
	params := in.Params
	threshold := params.Oracle.EmergencySellIfBelowOraclePct
	anchor := in.Market.Oracle.Price
	spotMid := in.Market.Book.Mid()
	if threshold <= 0 || anchor <= 0 || spotMid <= 0 || in.Decision.State == guard.Halted {
		return nil
	}
	deviationPct := (spotMid - anchor) / anchor * 100
	if deviationPct >= -threshold {
		return nil
	}

	reason := fmt.Sprintf("spot %.2f%% below oracle (threshold -%.2f%%)", deviationPct, threshold)
	ins := []models.Instruction{{Kind: models.InstructionCancelAll, Reason: reason}}
	excess := math.Max(0, in.Inventory.BaseTotal-params.Position.TargetPosition)
	if size := s.rounder.Size(excess); size > 0 && size >= params.Trading.MinOrderSize {
		ins = append(ins, models.Instruction{Kind: models.InstructionMarketSell, Size: size, Reason: reason})
	}
	s.logger.Warn("触发紧急卖出", zap.String("pair", params.Pair),
		zap.Float64("spot_mid", spotMid), zap.Float64("oracle", anchor),
		zap.Float64("deviation_pct", deviationPct), zap.Float64("sell_size", excess))
	return ins
}

// Quote prices bid and ask around the oracle, widened for the risk signals in play.
// While the emergency sell rule fires it returns only its instructions.
func (s *Spot) Quote(in Input) Output {
	var out Output
	if ins := s.Emergency(in); len(ins) > 0 {
		out.Instructions = ins
		return out
	}
	anchor := in.Market.Oracle.Price
	if !in.Decision.Quoting() || anchor <= 0 {
		return out
	}
	params := in.Params
	inv := in.Inventory
	spotMid := in.Market.Book.Mid()

	var deviationPct float64
	if spotMid > 0 {
		deviationPct = (spotMid - anchor) / anchor * 100
	}

	// 1. 库存偏斜：按超出死区的基础资产数量计算
	excess := deadZone(inv.Position-params.Position.TargetPosition, params.Inventory.SkewThreshold)
	skew := capAbs(excess*params.Inventory.SkewBpsPerUnit, params.Inventory.MaxSkewBps)
	mid := anchor * (1 - skew/10000)
	out.Mid = mid
	out.SkewBps = skew

	size := s.rounder.Size(params.Trading.BaseOrderSize)
	if size < params.Trading.MinOrderSize {
		size = params.Trading.MinOrderSize
	}

	// 2. 价差加宽
	spread := params.Trading.BaseSpreadBps
	if oracleSpread := in.Market.Oracle.SpreadBps(); oracleSpread > wideOracleSpreadBps {
		spread += oracleSpread / 4
	}
	if absDev := math.Abs(deviationPct); absDev > deviationWidenPct && absDev < badPrintPct {
		spread += absDev * 100 / 2
	}
	if book := in.Market.Book; book.BidDepth < thinBookMultiple*size || book.AskDepth < thinBookMultiple*size {
		spread += thinBookWidenBps
	}
	if maxPos := params.Position.MaxPositionSize; maxPos > 0 {
		if used := math.Abs(inv.Position) / maxPos; used > inventoryWidenStart {
			spread += math.Min(inventoryWidenBps, inventoryWidenBps*(used-inventoryWidenStart)*2)
		}
	}
	spread = clampSpread(spread, params.Trading)
	out.SpreadBps = spread
	half := spread / 2

	tick := s.rounder.Tick()
	book := in.Market.Book
	bidPrice := s.rounder.BidPrice(mid * (1 - half/10000))
	bidPrice = s.rounder.Price(antiCross(models.Buy, bidPrice, book, tick))
	askPrice := s.rounder.AskPrice(mid * (1 + half/10000))
	askPrice = s.rounder.Price(antiCross(models.Sell, askPrice, book, tick))
	if buffer := params.Safety.MinAskBufferBps; buffer > 0 && book.BestBid > 0 {
		askPrice = math.Max(askPrice, s.rounder.AskPrice(book.BestBid*(1+buffer/10000)))
	}

	// 3. 余额与仓位检查：以总余额计，本方挂单冻结的部分仍可用于替换
	switch {
	case !in.Decision.AllowBid:
		out.skip(KeyBid, "guard")
	case params.Position.MaxPositionSize > 0 && inv.Position+size > params.Position.MaxPositionSize:
		out.skip(KeyBid, "position limit")
	case inv.QuoteTotal < size*bidPrice:
		out.skip(KeyBid, "insufficient quote balance")
	default:
		out.Quotes = append(out.Quotes, models.Quote{Key: KeyBid, Side: models.Buy, Price: bidPrice, Size: size, PostOnly: true})
	}

	switch {
	case !in.Decision.AllowAsk:
		out.skip(KeyAsk, "guard")
	case inv.BaseTotal < size:
		out.skip(KeyAsk, "insufficient base balance")
	default:
		out.Quotes = append(out.Quotes, models.Quote{Key: KeyAsk, Side: models.Sell, Price: askPrice, Size: size, PostOnly: true})
	}
	return out
}
