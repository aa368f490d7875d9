package guard

import (
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func spotGuard() *Guard {
	return New(models.Params{
		Pair:     "HYPEUSDC",
		Strategy: models.StrategySpot,
		Oracle: models.OracleParams{
			MaxOracleAgeSeconds:     30,
			MaxOracleJumpPct:        5,
			MaxOracleSpreadBps:      100,
			MaxSpotPerpDeviationPct: 5,
		},
	}, zap.NewNop())
}

func perpGuard() *Guard {
	return New(models.Params{
		Pair:     "BTCUSDT",
		Strategy: models.StrategyPerp,
		Funding:  models.FundingParams{MaxFundingRatePct8h: 0.5},
		Safety: models.SafetyParams{
			PauseOnHighVolatility:  true,
			VolatilityThresholdPct: 5,
			VolatilityResumePct:    2,
		},
	}, zap.NewNop())
}

func reading(price float64, at time.Time) models.OracleReading {
	return models.OracleReading{Price: price, Bid: price * 0.9999, Ask: price * 1.0001, Time: at}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ACTIVE", Active.String())
	assert.Equal(t, "FROZEN", Frozen.String())
	assert.Equal(t, "HALTED", Halted.String())
}

func TestSpotStaleOracleFreezes(t *testing.T) {
	g := spotGuard()
	var transitions []Transition
	g.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	require.NoError(t, g.ObserveOracle(reading(20, t0)))
	d := g.Evaluate(Inputs{Now: t0.Add(5 * time.Second)})
	assert.Equal(t, Active, d.State)
	assert.True(t, d.Quoting())

	// Reading aged 45s with a 30s limit.
	d = g.Evaluate(Inputs{Now: t0.Add(45 * time.Second)})
	assert.Equal(t, Frozen, d.State)
	assert.True(t, d.CancelAll, "entering FROZEN cancels open quotes")
	assert.False(t, d.Quoting())
	assert.Equal(t, string(CauseOracleStale), g.Reason())

	// Re-entrant: still frozen, no second cancel sweep requested.
	d = g.Evaluate(Inputs{Now: t0.Add(50 * time.Second)})
	assert.Equal(t, Frozen, d.State)
	assert.False(t, d.CancelAll)

	require.NoError(t, g.ObserveOracle(reading(20.1, t0.Add(55*time.Second))))
	d = g.Evaluate(Inputs{Now: t0.Add(56 * time.Second)})
	assert.Equal(t, Active, d.State)

	require.Len(t, transitions, 2)
	assert.Equal(t, Frozen, transitions[0].To)
	assert.Equal(t, Active, transitions[1].To)
}

func TestSpotOracleJumpFreezes(t *testing.T) {
	g := spotGuard()
	require.NoError(t, g.ObserveOracle(reading(100, t0)))

	// 6% jump with a 5% limit.
	err := g.ObserveOracle(reading(106, t0.Add(time.Second)))
	var mdErr *models.MarketDataError
	require.True(t, errors.As(err, &mdErr))

	d := g.Evaluate(Inputs{Now: t0.Add(2 * time.Second)})
	assert.Equal(t, Frozen, d.State)
	assert.True(t, d.CancelAll)
	last, ok := g.LastOracle()
	require.True(t, ok)
	assert.Equal(t, 100.0, last.Price, "jumped reading is not accepted")

	// A second reading confirming the move becomes the new baseline.
	require.NoError(t, g.ObserveOracle(reading(106.2, t0.Add(3*time.Second))))
	d = g.Evaluate(Inputs{Now: t0.Add(4 * time.Second)})
	assert.Equal(t, Active, d.State)
	last, _ = g.LastOracle()
	assert.Equal(t, 106.2, last.Price)
}

func TestSpotOracleMissingAndSpread(t *testing.T) {
	g := spotGuard()
	d := g.Evaluate(Inputs{Now: t0})
	assert.Equal(t, Frozen, d.State)

	wide := models.OracleReading{Price: 100, Bid: 99, Ask: 101, Time: t0}
	assert.Error(t, g.ObserveOracle(wide))
	d = g.Evaluate(Inputs{Now: t0})
	assert.Equal(t, Frozen, d.State)
	assert.Contains(t, g.Reason(), string(CauseOracleSpread))

	require.NoError(t, g.ObserveOracle(reading(100, t0)))
	d = g.Evaluate(Inputs{Now: t0})
	assert.Equal(t, Active, d.State)
}

func TestSpotPerpDeviation(t *testing.T) {
	g := spotGuard()
	require.NoError(t, g.ObserveOracle(reading(100, t0)))

	d := g.Evaluate(Inputs{Now: t0, SpotMid: 93})
	assert.Equal(t, Frozen, d.State)

	// A print more than 100% away is ignored as bad data.
	d = g.Evaluate(Inputs{Now: t0, SpotMid: 250})
	assert.Equal(t, Active, d.State)
}

func TestPerpFundingOneSided(t *testing.T) {
	testCases := []struct {
		name     string
		position float64
		funding  float64
		allowBid bool
		allowAsk bool
		limited  bool
	}{
		{name: "within limit", position: 1, funding: 0.4, allowBid: true, allowAsk: true},
		{name: "long, high funding", position: 1, funding: 0.6, allowBid: false, allowAsk: true, limited: true},
		{name: "short, high funding", position: -1, funding: 0.6, allowBid: true, allowAsk: false, limited: true},
		{name: "short, high negative funding", position: -1, funding: -0.6, allowBid: true, allowAsk: false, limited: true},
		{name: "flat, positive funding", position: 0, funding: 0.6, allowBid: false, allowAsk: true, limited: true},
		{name: "flat, negative funding", position: 0, funding: -0.6, allowBid: true, allowAsk: false, limited: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := perpGuard()
			d := g.Evaluate(Inputs{
				Now:              t0,
				Inventory:        models.Inventory{Position: tc.position},
				FundingRatePct8h: tc.funding,
			})
			assert.Equal(t, Active, d.State, "funding never halts")
			assert.Equal(t, tc.allowBid, d.AllowBid)
			assert.Equal(t, tc.allowAsk, d.AllowAsk)
			assert.Equal(t, tc.limited, d.FundingLimited)
			assert.True(t, d.AllowBid || d.AllowAsk, "never both sides disabled")
		})
	}
}

func TestGridDrawdownHalts(t *testing.T) {
	g := New(models.Params{
		Pair:     "ETHUSDT",
		Strategy: models.StrategyGrid,
		Safety:   models.SafetyParams{MaxAccountDrawdownPct: 10, ClosePositionOnEmergency: true},
	}, zap.NewNop())
	g.SetSessionStart(1000)

	d := g.Evaluate(Inputs{Now: t0, Equity: 950, Inventory: models.Inventory{Position: 0.5}})
	assert.Equal(t, Active, d.State)

	d = g.Evaluate(Inputs{Now: t0, Equity: 880, Inventory: models.Inventory{Position: 0.5}})
	assert.Equal(t, Halted, d.State)
	assert.True(t, d.CancelAll)
	assert.True(t, d.ClosePosition)

	// Terminal: recovery does not reactivate.
	d = g.Evaluate(Inputs{Now: t0.Add(time.Minute), Equity: 2000})
	assert.Equal(t, Halted, d.State)
	assert.False(t, d.Quoting())
}

func TestMarginCriticalHalts(t *testing.T) {
	g := perpGuard()
	breach := &models.RiskLimitBreach{Limit: "min_margin_ratio_pct", Value: 8, Threshold: 10,
		Err: fmt.Errorf("BTCUSDT: %w", models.ErrMarginCritical)}

	d := g.Evaluate(Inputs{Now: t0, MarginErr: breach})
	assert.Equal(t, Halted, d.State)
	assert.True(t, d.CancelAll)
	assert.False(t, d.ClosePosition)
	assert.Contains(t, g.Reason(), "margin_critical")
}

func TestEmergencyStopLoss(t *testing.T) {
	g := New(models.Params{
		Pair:     "ETHUSDT",
		Strategy: models.StrategyGrid,
		Safety:   models.SafetyParams{EmergencyStopLossPct: 15},
	}, zap.NewNop())

	inv := models.Inventory{Position: 1, AvgEntryPrice: 1000, MarkPrice: 800}
	d := g.Evaluate(Inputs{Now: t0, Inventory: inv, Equity: 1000})
	assert.Equal(t, Halted, d.State, "-200 on 1000 equity is a 20 percent loss")
}

func TestLossHaltsOnlyApplyToGrid(t *testing.T) {
	safety := models.SafetyParams{
		MaxAccountDrawdownPct:    20,
		EmergencyStopLossPct:     15,
		ClosePositionOnEmergency: true,
	}
	inv := models.Inventory{Position: 1, AvgEntryPrice: 1000, MarkPrice: 800}

	tests := []struct {
		strategy models.StrategyKind
		halts    bool
	}{
		{models.StrategySpot, false},
		{models.StrategyPerp, false},
		{models.StrategyGrid, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy)+"/drawdown", func(t *testing.T) {
			g := New(models.Params{Pair: "BTCUSDT", Strategy: tt.strategy, Safety: safety}, zap.NewNop())
			g.SetSessionStart(1000)
			d := g.Evaluate(Inputs{Now: t0, Equity: 750, Inventory: models.Inventory{Position: 0.5}})
			assert.Equal(t, tt.halts, d.State == Halted, "25 percent drawdown")
			assert.Equal(t, tt.halts, d.ClosePosition)
		})
		t.Run(string(tt.strategy)+"/stop_loss", func(t *testing.T) {
			g := New(models.Params{Pair: "BTCUSDT", Strategy: tt.strategy, Safety: safety}, zap.NewNop())
			d := g.Evaluate(Inputs{Now: t0, Equity: 1000, Inventory: inv})
			assert.Equal(t, tt.halts, d.State == Halted, "20 percent unrealized loss")
		})
	}
}

func TestEmergencyStopIsIdempotent(t *testing.T) {
	g := perpGuard()
	calls := 0
	g.OnTransition(func(Transition) { calls++ })

	d1 := g.EmergencyStop("operator", t0)
	d2 := g.EmergencyStop("operator again", t0.Add(time.Second))
	assert.Equal(t, Halted, d1.State)
	assert.Equal(t, Halted, d2.State)
	assert.True(t, d2.CancelAll)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "emergency stop: operator", g.Reason())
}

func TestVolatilityBreaker(t *testing.T) {
	g := perpGuard()

	g.ObservePrice(100, t0)
	g.ObservePrice(106, t0.Add(5*time.Minute))
	d := g.Evaluate(Inputs{Now: t0.Add(5 * time.Minute)})
	assert.Equal(t, Frozen, d.State)
	assert.Equal(t, string(CauseVolatility), g.Reason())

	// Still inside the 15-minute window with the 6% range: stays frozen.
	g.ObservePrice(106.5, t0.Add(10*time.Minute))
	d = g.Evaluate(Inputs{Now: t0.Add(10 * time.Minute)})
	assert.Equal(t, Frozen, d.State)

	// Fifteen calm minutes later the range is under 2%.
	for i := 1; i <= 15; i++ {
		g.ObservePrice(106+float64(i%2)*0.5, t0.Add(time.Duration(10+i)*time.Minute))
	}
	d = g.Evaluate(Inputs{Now: t0.Add(25 * time.Minute)})
	assert.Equal(t, Active, d.State)
}
