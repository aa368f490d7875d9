package inventory

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"time"

	"go.uber.org/zap"
)

// seenRetention bounds the dedup set; exchanges do not redeliver fills this old.
const seenRetention = 24 * time.Hour

// Tracker owns the inventory of one pair. It is not safe for concurrent use:
// the control loop is its only writer and reader.
type Tracker struct {
	pair              string
	strategy          models.StrategyKind
	leverage          float64
	minMarginRatioPct float64

	inv  models.Inventory
	seen map[models.FillKey]time.Time

	logger *zap.Logger
}

// NewTracker creates a tracker for the pair described by params.
func NewTracker(params models.Params, logger *zap.Logger) *Tracker {
	leverage := params.Position.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	return &Tracker{
		pair:              params.Pair,
		strategy:          params.Strategy,
		leverage:          leverage,
		minMarginRatioPct: params.Safety.MinMarginRatioPct,
		seen:              make(map[models.FillKey]time.Time),
		logger:            logger,
	}
}

// Snapshot returns a copy of the current inventory.
func (t *Tracker) Snapshot() models.Inventory {
	return t.inv
}

// Mark records the latest reference price used for valuation.
func (t *Tracker) Mark(price float64) {
	if price > 0 {
		t.inv.MarkPrice = price
	}
}

// ApplyFill folds a fill into position, balances and P&L using average-cost accounting.
// It sets fill.RealizedPnL and returns false when the fill was already applied.
func (t *Tracker) ApplyFill(fill *models.Fill) bool {
	key := fill.Key()
	if _, dup := t.seen[key]; dup {
		t.logger.Debug("Ignoring duplicate fill.", zap.String("order_id", fill.OrderID))
		return false
	}
	t.seen[key] = fill.Time

	pos := t.inv.Position
	qty := fill.Side.Sign() * fill.Size
	realized := 0.0

	switch {
	case pos == 0 || math.Signbit(pos) == math.Signbit(qty):
		// Opening or adding: blend the entry price.
		newPos := pos + qty
		t.inv.AvgEntryPrice = (math.Abs(pos)*t.inv.AvgEntryPrice + fill.Size*fill.Price) / math.Abs(newPos)
		t.inv.Position = newPos
	default:
		closed := math.Min(fill.Size, math.Abs(pos))
		direction := 1.0
		if pos < 0 {
			direction = -1
		}
		realized = (fill.Price - t.inv.AvgEntryPrice) * closed * direction
		t.inv.Position = pos + qty

		switch {
		case nearZero(t.inv.Position):
			t.inv.Position = 0
			t.inv.AvgEntryPrice = 0
		case fill.Size > math.Abs(pos):
			// Flipped through flat: the remainder opens at the fill price.
			t.inv.AvgEntryPrice = fill.Price
		}
	}

	t.inv.RealizedPnL += realized
	t.inv.FeesPaid += fill.Fee
	fill.RealizedPnL = realized

	if t.strategy == models.StrategySpot {
		notional := fill.Price * fill.Size
		if fill.Side == models.Buy {
			t.adjustBalances(fill.Size, -notional-fill.Fee)
		} else {
			t.adjustBalances(-fill.Size, notional-fill.Fee)
		}
	} else {
		// Derivatives settle P&L and fees in the margin asset.
		t.adjustBalances(0, realized-fill.Fee)
	}

	if t.inv.MarkPrice == 0 {
		t.inv.MarkPrice = fill.Price
	}
	return true
}

func (t *Tracker) adjustBalances(base, quote float64) {
	t.inv.BaseAvailable += base
	t.inv.BaseTotal += base
	t.inv.QuoteAvailable += quote
	t.inv.QuoteTotal += quote
}

// SyncAccount replaces balances (and, for derivatives, the position) with exchange truth.
func (t *Tracker) SyncAccount(snap models.AccountSnapshot) {
	t.inv.BaseAvailable = snap.BaseAvailable
	t.inv.BaseTotal = snap.BaseTotal
	t.inv.QuoteAvailable = snap.QuoteAvailable
	t.inv.QuoteTotal = snap.QuoteTotal

	if t.strategy == models.StrategySpot {
		if !nearZero(t.inv.Position - snap.BaseTotal) {
			t.logger.Debug("Spot inventory drift corrected.",
				zap.Float64("tracked", t.inv.Position), zap.Float64("exchange", snap.BaseTotal))
		}
		t.inv.Position = snap.BaseTotal
		if t.inv.AvgEntryPrice == 0 && t.inv.Position > 0 {
			t.inv.AvgEntryPrice = t.inv.MarkPrice
		}
		return
	}

	if !nearZero(t.inv.Position - snap.Position) {
		t.logger.Info("Position drift corrected from exchange.",
			zap.Float64("tracked", t.inv.Position), zap.Float64("exchange", snap.Position))
	}
	t.inv.Position = snap.Position
	if snap.EntryPrice > 0 {
		t.inv.AvgEntryPrice = snap.EntryPrice
	}
	if nearZero(t.inv.Position) {
		t.inv.Position = 0
		t.inv.AvgEntryPrice = 0
	}
}

// Equity is the account value in quote terms at the current mark.
func (t *Tracker) Equity() float64 {
	if t.strategy == models.StrategySpot {
		return t.inv.QuoteTotal + t.inv.BaseTotal*t.inv.MarkPrice
	}
	return t.inv.QuoteTotal + t.inv.UnrealizedPnL()
}

// MarginRatio is equity / (|notional| / leverage) in percent. +Inf while flat.
func (t *Tracker) MarginRatio() float64 {
	notional := math.Abs(t.inv.PositionUSD())
	if notional == 0 {
		return math.Inf(1)
	}
	return t.Equity() / (notional / t.leverage) * 100
}

// CheckMargin returns a RiskLimitBreach wrapping ErrMarginCritical when the
// margin ratio is below the configured floor. Spot inventory is never margined.
func (t *Tracker) CheckMargin() error {
	if t.strategy == models.StrategySpot || t.minMarginRatioPct <= 0 {
		return nil
	}
	ratio := t.MarginRatio()
	if ratio < t.minMarginRatioPct {
		return &models.RiskLimitBreach{
			Limit:     "min_margin_ratio_pct",
			Value:     ratio,
			Threshold: t.minMarginRatioPct,
			Err:       fmt.Errorf("%s: %w", t.pair, models.ErrMarginCritical),
		}
	}
	return nil
}

// PruneSeen forgets dedup keys for fills older than the retention window.
func (t *Tracker) PruneSeen(now time.Time) int {
	cutoff := now.Add(-seenRetention)
	removed := 0
	for k, ts := range t.seen {
		if ts.Before(cutoff) {
			delete(t.seen, k)
			removed++
		}
	}
	return removed
}

func nearZero(v float64) bool {
	return math.Abs(v) < 1e-12
}
