package guard

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state of one pair.
type State int

const (
	Active State = iota
	Frozen
	Halted
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Frozen:
		return "FROZEN"
	case Halted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Cause is one recoverable reason to be FROZEN. The guard stays FROZEN while any cause is set.
type Cause string

const (
	CauseOracleMissing     Cause = "oracle_missing"
	CauseOracleStale       Cause = "oracle_stale"
	CauseOracleJump        Cause = "oracle_jump"
	CauseOracleSpread      Cause = "oracle_spread"
	CauseSpotPerpDeviation Cause = "spot_perp_deviation"
	CauseVolatility        Cause = "high_volatility"
)

const (
	volatilityPauseWindow  = 10 * time.Minute
	volatilityResumeWindow = 15 * time.Minute
)

// Decision is what the control loop may do this tick.
type Decision struct {
	State    State
	AllowBid bool
	AllowAsk bool
	// FundingLimited is set while funding restricts quoting to one side.
	FundingLimited bool
	// CancelAll is set on the tick that enters FROZEN or HALTED.
	CancelAll bool
	// ClosePosition asks for the open position to be flattened before halting.
	ClosePosition bool
	Reasons       []string
}

// Quoting reports whether any side may be quoted.
func (d Decision) Quoting() bool {
	return d.State == Active && (d.AllowBid || d.AllowAsk)
}

// Inputs are the per-tick observations the guard evaluates.
type Inputs struct {
	Now              time.Time
	Inventory        models.Inventory
	Equity           float64
	FundingRatePct8h float64
	SpotMid          float64 // spot strategy: the pair's own book mid
	MarginErr        error   // from inventory.Tracker.CheckMargin
}

// Transition is reported to the observer on every state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

type pricePoint struct {
	at    time.Time
	price float64
}

// Guard owns the ACTIVE/FROZEN/HALTED machine for one pair. Single-writer: the control loop.
type Guard struct {
	params models.Params

	state      State
	haltReason string
	causes     map[Cause]string

	oracle    *models.OracleReading // last accepted reading
	candidate *models.OracleReading // rejected jump, accepted if the next reading confirms it

	prices       []pricePoint
	sessionStart float64

	onTransition func(Transition)
	logger       *zap.Logger
}

// New creates a guard in ACTIVE state.
func New(params models.Params, logger *zap.Logger) *Guard {
	return &Guard{
		params: params,
		state:  Active,
		causes: make(map[Cause]string),
		logger: logger,
	}
}

// OnTransition registers the observer called on every state change.
func (g *Guard) OnTransition(fn func(Transition)) {
	g.onTransition = fn
}

// State returns the current state.
func (g *Guard) State() State {
	return g.state
}

// Reason describes why the guard is not ACTIVE; empty when it is.
func (g *Guard) Reason() string {
	if g.state == Halted {
		return g.haltReason
	}
	return g.causeList()
}

// SetSessionStart records the account value drawdown is measured from.
func (g *Guard) SetSessionStart(value float64) {
	if value > 0 {
		g.sessionStart = value
	}
}

// SessionStart returns the drawdown baseline.
func (g *Guard) SessionStart() float64 {
	return g.sessionStart
}

// LastOracle returns the last accepted oracle reading.
func (g *Guard) LastOracle() (models.OracleReading, bool) {
	if g.oracle == nil {
		return models.OracleReading{}, false
	}
	return *g.oracle, true
}

// ObserveOracle validates a reading. A reading that jumps more than
// max_oracle_jump_pct from the accepted baseline is rejected and kept as a candidate;
// the next reading within the jump limit of either the baseline or the candidate is accepted.
func (g *Guard) ObserveOracle(r models.OracleReading) error {
	maxSpread := g.params.Oracle.MaxOracleSpreadBps
	if maxSpread > 0 && r.SpreadBps() > maxSpread {
		detail := fmt.Sprintf("oracle spread %.1fbps > %.1fbps", r.SpreadBps(), maxSpread)
		g.setCause(CauseOracleSpread, detail)
		return &models.MarketDataError{Source: "oracle", Reason: detail}
	}
	g.clearCause(CauseOracleSpread)

	if r.Price <= 0 {
		return &models.MarketDataError{Source: "oracle", Reason: "non-positive price"}
	}

	if g.oracle == nil {
		g.accept(r)
		return nil
	}

	maxJump := g.params.Oracle.MaxOracleJumpPct
	jump := math.Abs(r.Price/g.oracle.Price-1) * 100
	if maxJump <= 0 || jump <= maxJump {
		g.accept(r)
		return nil
	}

	if g.candidate != nil && math.Abs(r.Price/g.candidate.Price-1)*100 <= maxJump {
		g.logger.Warn("预言机跳变已确认，采用新基准",
			zap.Float64("old", g.oracle.Price), zap.Float64("new", r.Price))
		g.accept(r)
		return nil
	}

	g.candidate = &r
	detail := fmt.Sprintf("oracle jumped %.2f%% (%.4f -> %.4f) > %.2f%%", jump, g.oracle.Price, r.Price, maxJump)
	g.setCause(CauseOracleJump, detail)
	return &models.MarketDataError{Source: "oracle", Reason: detail}
}

func (g *Guard) accept(r models.OracleReading) {
	g.oracle = &r
	g.candidate = nil
	g.clearCause(CauseOracleJump)
}

// ObservePrice feeds the volatility window.
func (g *Guard) ObservePrice(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	g.prices = append(g.prices, pricePoint{at: at, price: price})
	cutoff := at.Add(-volatilityResumeWindow)
	i := 0
	for i < len(g.prices) && !g.prices[i].at.After(cutoff) {
		i++
	}
	g.prices = g.prices[i:]
}

// rangePct is (max - min) / min over points newer than now - window.
func (g *Guard) rangePct(now time.Time, window time.Duration) (float64, bool) {
	cutoff := now.Add(-window)
	lo, hi, n := math.Inf(1), math.Inf(-1), 0
	for _, p := range g.prices {
		if !p.at.After(cutoff) {
			continue
		}
		lo = math.Min(lo, p.price)
		hi = math.Max(hi, p.price)
		n++
	}
	if n < 2 {
		return 0, false
	}
	return (hi - lo) / lo * 100, true
}

// Evaluate applies every rule and returns what may be quoted this tick.
// HALTED is terminal: once there, every later evaluation stays HALTED.
func (g *Guard) Evaluate(in Inputs) Decision {
	if g.state == Halted {
		return Decision{State: Halted, Reasons: []string{g.haltReason}}
	}

	safety := g.params.Safety

	if in.MarginErr != nil {
		return g.halt(in.Now, "margin_critical: "+in.MarginErr.Error(), false)
	}

	// 账户回撤和浮亏止损只适用于网格
	if g.params.Strategy == models.StrategyGrid {
		if d, halted := g.evaluateGridLoss(in); halted {
			return d
		}
	}

	if g.params.Strategy == models.StrategySpot {
		g.evaluateOracle(in)
	} else if safety.PauseOnHighVolatility {
		g.evaluateVolatility(in.Now)
	}

	prev := g.state
	if len(g.causes) > 0 {
		g.transition(Frozen, g.causeList(), in.Now)
		return Decision{
			State:     Frozen,
			CancelAll: prev != Frozen,
			Reasons:   g.causeReasons(),
		}
	}
	g.transition(Active, "all clear", in.Now)

	d := Decision{State: Active, AllowBid: true, AllowAsk: true}
	if g.params.Strategy == models.StrategyPerp {
		g.applyFunding(&d, in)
	}
	return d
}

// evaluateGridLoss halts on session drawdown or unrealized stop loss.
func (g *Guard) evaluateGridLoss(in Inputs) (Decision, bool) {
	safety := g.params.Safety
	closePosition := safety.ClosePositionOnEmergency && in.Inventory.Position != 0

	if g.sessionStart > 0 && in.Equity > 0 && safety.MaxAccountDrawdownPct > 0 {
		drawdown := (g.sessionStart - in.Equity) / g.sessionStart * 100
		if drawdown > safety.MaxAccountDrawdownPct {
			reason := fmt.Sprintf("account drawdown %.2f%% > %.2f%%", drawdown, safety.MaxAccountDrawdownPct)
			return g.halt(in.Now, reason, closePosition), true
		}
	}

	if safety.EmergencyStopLossPct > 0 && in.Equity > 0 {
		lossPct := in.Inventory.UnrealizedPnL() / in.Equity * 100
		if lossPct < -safety.EmergencyStopLossPct {
			reason := fmt.Sprintf("unrealized loss %.2f%% beyond stop loss %.2f%%", lossPct, safety.EmergencyStopLossPct)
			return g.halt(in.Now, reason, closePosition), true
		}
	}
	return Decision{}, false
}

// applyFunding restricts quoting to the exposure-reducing side while funding is above the limit.
// Flat books quote only the side that collects funding.
func (g *Guard) applyFunding(d *Decision, in Inputs) {
	limit := g.params.Funding.MaxFundingRatePct8h
	if limit <= 0 || math.Abs(in.FundingRatePct8h) <= limit {
		return
	}
	d.FundingLimited = true
	pos := in.Inventory.Position
	switch {
	case pos > 0:
		d.AllowBid = false
	case pos < 0:
		d.AllowAsk = false
	case in.FundingRatePct8h > 0:
		d.AllowBid = false
	default:
		d.AllowAsk = false
	}
	d.Reasons = append(d.Reasons, fmt.Sprintf("funding %.4f%%/8h above %.4f%%: one-sided", in.FundingRatePct8h, limit))
}

func (g *Guard) evaluateOracle(in Inputs) {
	o := g.params.Oracle
	if g.oracle == nil {
		g.setCause(CauseOracleMissing, "no oracle reading yet")
		return
	}
	g.clearCause(CauseOracleMissing)

	age := in.Now.Sub(g.oracle.Time)
	maxAge := time.Duration(o.MaxOracleAgeSeconds * float64(time.Second))
	if maxAge > 0 && age > maxAge {
		g.setCause(CauseOracleStale, fmt.Sprintf("oracle age %s > %s", age.Round(time.Second), maxAge))
	} else {
		g.clearCause(CauseOracleStale)
	}

	if o.MaxSpotPerpDeviationPct > 0 && in.SpotMid > 0 {
		dev := math.Abs(in.SpotMid/g.oracle.Price-1) * 100
		// Above 100% the spot print is treated as bad data, not a market move.
		if dev > o.MaxSpotPerpDeviationPct && dev <= 100 {
			g.setCause(CauseSpotPerpDeviation, fmt.Sprintf("spot/oracle deviation %.2f%% > %.2f%%", dev, o.MaxSpotPerpDeviationPct))
		} else {
			g.clearCause(CauseSpotPerpDeviation)
		}
	}
}

func (g *Guard) evaluateVolatility(now time.Time) {
	s := g.params.Safety
	if _, frozen := g.causes[CauseVolatility]; frozen {
		if r, ok := g.rangePct(now, volatilityResumeWindow); ok && r < s.VolatilityResumePct {
			g.logger.Info("波动率恢复正常", zap.Float64("range_15m_pct", r))
			g.clearCause(CauseVolatility)
		}
		return
	}
	if r, ok := g.rangePct(now, volatilityPauseWindow); ok && r > s.VolatilityThresholdPct {
		g.setCause(CauseVolatility, fmt.Sprintf("10m range %.2f%% > %.2f%%", r, s.VolatilityThresholdPct))
	}
}

// EmergencyStop halts immediately. Calling it again is a no-op that returns the same decision.
func (g *Guard) EmergencyStop(reason string, at time.Time) Decision {
	if g.state == Halted {
		return Decision{State: Halted, CancelAll: true, Reasons: []string{g.haltReason}}
	}
	return g.halt(at, "emergency stop: "+reason, false)
}

func (g *Guard) halt(at time.Time, reason string, closePosition bool) Decision {
	g.haltReason = reason
	g.transition(Halted, reason, at)
	return Decision{State: Halted, CancelAll: true, ClosePosition: closePosition, Reasons: []string{reason}}
}

func (g *Guard) transition(to State, reason string, at time.Time) {
	if g.state == to {
		return
	}
	from := g.state
	g.state = to
	g.logger.Warn("风控状态变化",
		zap.String("pair", g.params.Pair),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	if g.onTransition != nil {
		g.onTransition(Transition{From: from, To: to, Reason: reason, At: at})
	}
}

func (g *Guard) setCause(c Cause, detail string) {
	if _, ok := g.causes[c]; !ok {
		g.logger.Warn("触发冻结条件", zap.String("cause", string(c)), zap.String("detail", detail))
	}
	g.causes[c] = detail
}

func (g *Guard) clearCause(c Cause) {
	delete(g.causes, c)
}

func (g *Guard) causeList() string {
	names := make([]string, 0, len(g.causes))
	for c := range g.causes {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (g *Guard) causeReasons() []string {
	out := make([]string, 0, len(g.causes))
	for _, c := range g.causes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
