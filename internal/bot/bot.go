package bot

import (
	"context"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/exchange"
	"lobster-mm-bot-go/internal/guard"
	"lobster-mm-bot-go/internal/inventory"
	"lobster-mm-bot-go/internal/metrics"
	"lobster-mm-bot-go/internal/models"
	"lobster-mm-bot-go/internal/paramstore"
	"lobster-mm-bot-go/internal/persistence"
	"lobster-mm-bot-go/internal/quote"
	"lobster-mm-bot-go/internal/reconciler"
	"lobster-mm-bot-go/internal/statemanager"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	inboxCapacity   = 64
	shutdownTimeout = 15 * time.Second
	// 启动时用最近的1分钟K线预热波动率窗口
	candleSeedCount = 15
	stateVersion    = 1
)

// Store 是控制循环需要的持久化能力，由 storage.Store 实现
type Store interface {
	paramstore.Repository
	metrics.Store
	InsertSystemEvent(ctx context.Context, ev *models.SystemEvent) (int64, error)
}

// Bot 是单个交易对的控制循环。
// 除 Dispatch / EmergencyStop 外，所有状态只在 Run 所在的 goroutine 中读写。
type Bot struct {
	cfg      *models.Config
	params   models.Params
	pair     string
	ex       exchange.Exchange
	store    Store
	paramSet *models.ParameterSet

	paramStore *paramstore.Store
	tracker    *inventory.Tracker
	guard      *guard.Guard
	policy     quote.Policy
	rounder    quote.Rounder
	recon      *reconciler.Reconciler
	agg        *metrics.Aggregator
	state      *statemanager.StateManager

	market       models.MarketSnapshot
	lastQuoteMid float64
	transitions  []guard.Transition
	stopped      bool
	startedAt    time.Time

	inbox  chan models.Event
	done   chan struct{}
	now    func() time.Time
	logger *zap.Logger
}

// New 创建控制循环。repo 为 nil 时不做跨重启的状态持久化。
// 保存的状态属于同一交易对和同一策略时，恢复网格档位、已提交挂单与会话起始价值。
func New(cfg *models.Config, ex exchange.Exchange, store Store, repo persistence.StateRepository, logger *zap.Logger) (*Bot, error) {
	params := cfg.Params
	logger = logger.Named(params.Pair)
	rounder := quote.NewRounder(cfg.Exchange.PriceDecimals, cfg.Exchange.SizeDecimals)

	var saved *models.LoopState
	if repo != nil {
		st, err := repo.LoadState(params.Pair)
		switch {
		case err != nil:
			logger.Warn("无法加载保存的状态，将以全新状态启动", zap.Error(err))
		case st != nil && st.Strategy != params.Strategy:
			logger.Warn("保存的状态属于其他策略，已丢弃",
				zap.String("saved", string(st.Strategy)), zap.String("current", string(params.Strategy)))
			if err := repo.DeleteState(params.Pair); err != nil {
				logger.Warn("删除过期状态失败", zap.Error(err))
			}
		default:
			saved = st
		}
	}

	var grid *models.GridState
	if saved != nil {
		grid = saved.Grid
	}
	policy, err := quote.New(params, grid, rounder, logger)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:        cfg,
		params:     params,
		pair:       params.Pair,
		ex:         ex,
		store:      store,
		paramStore: paramstore.New(store, logger),
		tracker:    inventory.NewTracker(params, logger),
		guard:      guard.New(params, logger),
		policy:     policy,
		rounder:    rounder,
		agg:        metrics.NewAggregator(params.Pair, store, logger),
		inbox:      make(chan models.Event, inboxCapacity),
		done:       make(chan struct{}),
		now:        time.Now,
		logger:     logger,
	}
	b.recon = reconciler.New(reconciler.Config{
		Pair:               params.Pair,
		UpdateThresholdBps: params.Timing.UpdateThresholdBps,
		SmartOrderMgmt:     params.Safety.SmartOrderMgmtEnabled,
		RatePerSecond:      cfg.Exchange.RateLimitPerSecond,
		MaxRetries:         cfg.Exchange.MaxRetries,
		RetryInitialDelay:  time.Duration(cfg.Exchange.RetryInitialDelay) * time.Millisecond,
	}, ex, logger)
	b.guard.OnTransition(func(t guard.Transition) {
		b.transitions = append(b.transitions, t)
	})

	initial := &models.LoopState{Pair: params.Pair, Strategy: params.Strategy, Version: stateVersion}
	if saved != nil {
		b.recon.Adopt(saved.Orders)
		b.guard.SetSessionStart(saved.SessionStartValue)
		if saved.GuardState == guard.Halted.String() {
			// HALTED 需要人工重启才能解除；重启本身即视为确认
			logger.Warn("上次运行以 HALTED 结束，本次以 ACTIVE 启动", zap.String("reason", saved.GuardReason))
		}
		initial = saved.Clone()
		initial.GuardState = guard.Active.String()
		initial.GuardReason = ""
	}
	b.state = statemanager.NewStateManager(initial, repo, logger)
	return b, nil
}

// Dispatch 把外部事件送入控制循环。循环退出后调用直接返回。
func (b *Bot) Dispatch(ev models.Event) {
	select {
	case b.inbox <- ev:
	case <-b.done:
	}
}

// EmergencyStop 请求立即停机：撤销全部挂单，写入最终快照并结束 Run。可在任意时刻调用。
func (b *Bot) EmergencyStop(reason string) {
	b.Dispatch(models.Event{Type: models.EmergencyStopEvent, Timestamp: time.Now(), Data: reason})
}

// Run 运行控制循环直到 ctx 结束或进入 HALTED。
// ctx 结束时撤单并返回 nil；风控停机返回包装了 models.ErrHalted 的错误；认证失败原样返回。
func (b *Bot) Run(ctx context.Context) error {
	defer close(b.done)
	b.state.Start()
	defer b.state.Stop()

	if err := b.start(ctx); err != nil {
		return err
	}

	events, err := b.ex.Subscribe(ctx, exchange.Subscription{
		Pair:         b.pair,
		Perp:         b.params.Strategy != models.StrategySpot,
		OracleSymbol: b.oracleSymbol(),
		UserData:     true,
	})
	if err != nil {
		b.stop("订阅失败", false, "bot_stopped")
		return fmt.Errorf("订阅行情失败: %w", err)
	}

	timing := b.params.Timing
	update := time.NewTicker(seconds(timing.UpdateIntervalSeconds, 10*time.Second))
	defer update.Stop()
	syncTicker := time.NewTicker(seconds(timing.SyncIntervalSeconds, 30*time.Second))
	defer syncTicker.Stop()
	health := time.NewTicker(seconds(timing.HealthCheckSeconds, 60*time.Second))
	defer health.Stop()
	minute := time.NewTimer(time.Until(metrics.NextBoundary(b.now())))
	defer minute.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			b.stop("进程退出", false, "bot_stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				if ctx.Err() != nil {
					continue
				}
				err = &models.MarketDataError{Source: "stream", Reason: "event stream closed"}
				break
			}
			err = b.handle(ctx, ev)
		case ev := <-b.inbox:
			err = b.handle(ctx, ev)
		case <-update.C:
			err = b.tick(ctx)
		case <-syncTicker.C:
			err = b.sync(ctx)
		case <-health.C:
			b.printStatus()
		case <-minute.C:
			b.snapshot(ctx, true)
			minute.Reset(time.Until(metrics.NextBoundary(b.now())))
		}

		if err != nil {
			if !errors.Is(err, models.ErrHalted) {
				b.logger.Error("控制循环遇到致命错误，停止交易", zap.Error(err))
				b.guard.EmergencyStop(err.Error(), b.now())
				b.stop(err.Error(), false, "emergency_stop")
			}
			return err
		}
	}
}

// start 登记参数集，同步账户与行情，并与交易所挂单对齐
func (b *Bot) start(ctx context.Context) error {
	set, changed, err := b.paramStore.Load(ctx, b.params, b.cfg.Description, models.ReasonManual, "")
	if err != nil {
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		b.logger.Error("参数集写入失败，继续运行", zap.Error(&models.PersistenceError{Op: "load parameter set", Err: err}))
		set = &models.ParameterSet{Pair: b.pair, Strategy: b.params.Strategy, Params: b.params}
	}
	b.paramSet = set
	if changed {
		// 累计指标按参数集统计
		b.agg.ResetCumulatives()
		b.recordEvent(ctx, "parameter_change", "参数集已切换", fmt.Sprintf("当前参数集 #%d", set.ID), nil)
	}

	book, err := b.ex.Book(ctx, b.pair)
	if err != nil {
		if isFatal(err) {
			return err
		}
		b.logger.Warn("获取盘口失败，等待推送", zap.Error(err))
	} else {
		b.market.Book = *book
	}

	if b.params.Strategy != models.StrategySpot {
		if mark, err := b.ex.Mark(ctx, b.pair); err != nil {
			b.logger.Warn("获取标记价格失败，暂以盘口中间价估值", zap.Error(err))
		} else {
			b.market.MarkPrice = mark.MarkPrice
			b.market.FundingRatePct8h = mark.FundingRatePct8h
		}
		b.seedVolatility(ctx)
	} else if symbol := b.oracleSymbol(); symbol != "" {
		if r, err := b.ex.Oracle(ctx, symbol); err != nil {
			b.logger.Warn("获取预言机价格失败", zap.String("symbol", symbol), zap.Error(err))
		} else {
			b.observeOracle(*r)
		}
	}
	b.tracker.Mark(b.valuationPrice())

	acc, err := b.ex.Account(ctx, b.pair)
	if err != nil {
		return fmt.Errorf("获取账户信息失败: %w", err)
	}
	b.tracker.SyncAccount(*acc)
	if b.guard.SessionStart() == 0 {
		b.guard.SetSessionStart(b.tracker.Equity())
	}

	if _, err := b.recon.Sync(ctx); err != nil {
		if isFatal(err) {
			return err
		}
		b.logger.Warn("启动时同步挂单失败", zap.Error(err))
	}

	b.startedAt = b.now()
	b.state.DispatchEvent(statemanager.StateEvent{
		Type:      statemanager.StateResetEvent,
		Timestamp: b.startedAt,
		Data: &models.LoopState{
			Pair:              b.pair,
			Strategy:          b.params.Strategy,
			Version:           stateVersion,
			GuardState:        guard.Active.String(),
			SessionStartValue: b.guard.SessionStart(),
			ParameterSetID:    set.ID,
			Grid:              b.gridSnapshot(),
			Orders:            b.recon.Committed(),
		},
	})

	b.logger.Info("控制循环已启动",
		zap.String("strategy", string(b.params.Strategy)),
		zap.Int64("parameter_set_id", set.ID),
		zap.Float64("session_start_value", b.guard.SessionStart()),
		zap.Int("adopted_orders", len(b.recon.Committed())))
	b.recordEvent(ctx, "bot_started", "机器人已启动", fmt.Sprintf("策略 %s，参数集 #%d", b.params.Strategy, set.ID), nil)
	return nil
}

func (b *Bot) seedVolatility(ctx context.Context) {
	if !b.params.Safety.PauseOnHighVolatility {
		return
	}
	candles, err := b.ex.RecentCandles(ctx, b.pair, candleSeedCount)
	if err != nil {
		b.logger.Warn("无法获取K线预热波动率窗口", zap.Error(err))
		return
	}
	for _, c := range candles {
		b.guard.ObservePrice(c.Low, c.Time)
		b.guard.ObservePrice(c.High, c.Time)
	}
}

// handle 处理一条行情、成交或指令事件
func (b *Bot) handle(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.BookEvent:
		book, ok := ev.Data.(models.BookUpdate)
		if !ok || (book.Pair != "" && !strings.EqualFold(book.Pair, b.pair)) {
			return nil
		}
		b.market.Book = book
		mid := book.Mid()
		at := book.Time
		if at.IsZero() {
			at = b.now()
		}
		b.guard.ObservePrice(mid, at)
		b.tracker.Mark(b.valuationPrice())
		if b.shouldRequote(mid) {
			return b.tick(ctx)
		}
	case models.MarkEvent:
		m, ok := ev.Data.(models.MarkUpdate)
		if !ok {
			return nil
		}
		b.market.MarkPrice = m.MarkPrice
		b.market.FundingRatePct8h = m.FundingRatePct8h
		b.tracker.Mark(b.valuationPrice())
	case models.OracleEvent:
		if r, ok := ev.Data.(models.OracleReading); ok {
			b.observeOracle(r)
		}
	case models.FillEvent:
		if fill, ok := ev.Data.(models.Fill); ok {
			return b.onFill(ctx, fill)
		}
	case models.ErrorEvent:
		err, ok := ev.Data.(error)
		if !ok {
			return nil
		}
		if isFatal(err) {
			return err
		}
		b.logger.Warn("行情连接报告错误", zap.Error(err))
	case models.EmergencyStopEvent:
		reason, _ := ev.Data.(string)
		if reason == "" {
			reason = "manual"
		}
		return b.halt(reason, false)
	}
	return nil
}

func (b *Bot) observeOracle(r models.OracleReading) {
	if err := b.guard.ObserveOracle(r); err != nil {
		b.logger.Warn("预言机读数被拒绝", zap.Error(err))
	}
	if o, ok := b.guard.LastOracle(); ok {
		b.market.Oracle = o
	}
}

// shouldRequote 首次收到盘口或中间价变化超过 update_threshold_bps 时立即重新报价
func (b *Bot) shouldRequote(mid float64) bool {
	if mid <= 0 {
		return false
	}
	if b.lastQuoteMid <= 0 {
		return true
	}
	return math.Abs(mid-b.lastQuoteMid)/b.lastQuoteMid*10000 > b.params.Timing.UpdateThresholdBps
}

func (b *Bot) onFill(ctx context.Context, fill models.Fill) error {
	if fill.Pair == "" {
		fill.Pair = b.pair
	}
	if !strings.EqualFold(fill.Pair, b.pair) {
		return nil
	}
	if !b.tracker.ApplyFill(&fill) {
		return nil
	}
	key, complete := b.recon.OnFill(fill)

	if _, err := b.agg.RecordFill(ctx, fill, b.market.Book.Mid(), b.paramSet.ID); err != nil {
		b.logger.Error("成交记录写入失败", zap.Error(err))
	}
	inv := b.tracker.Snapshot()
	b.logger.Info("订单成交",
		zap.String("key", key),
		zap.String("side", string(fill.Side)),
		zap.Float64("price", fill.Price),
		zap.Float64("size", fill.Size),
		zap.Float64("fee", fill.Fee),
		zap.Float64("realized_pnl", fill.RealizedPnL),
		zap.Float64("position", inv.Position))

	requote := complete
	if h, ok := b.policy.(quote.FillHandler); ok {
		res := h.OnFill(key, fill)
		if res.Armed != 0 {
			requote = true
		}
		b.persistGrid()
	}
	b.persistOrders()
	if requote {
		return b.tick(ctx)
	}
	return nil
}

// tick 是一次完整的风控评估与报价对账
func (b *Bot) tick(ctx context.Context) error {
	if b.stopped {
		return nil
	}
	now := b.now()
	inv := b.tracker.Snapshot()
	in := guard.Inputs{
		Now:              now,
		Inventory:        inv,
		Equity:           b.tracker.Equity(),
		FundingRatePct8h: b.market.FundingRatePct8h,
		MarginErr:        b.tracker.CheckMargin(),
	}
	if b.params.Strategy == models.StrategySpot {
		in.SpotMid = b.market.Book.Mid()
	}

	d := b.guard.Evaluate(in)
	b.flushTransitions(ctx)
	if d.State == guard.Halted {
		return b.halt(strings.Join(d.Reasons, "; "), d.ClosePosition)
	}
	if d.CancelAll {
		if err := b.cancelAll(ctx, "guard "+d.State.String()); err != nil {
			return err
		}
	}

	b.market.Time = now
	qin := quote.Input{
		Params:    b.params,
		Inventory: inv,
		Market:    b.market,
		Decision:  d,
		Now:       now,
	}
	// 紧急卖出不受 FROZEN 限制
	if ec, ok := b.policy.(quote.EmergencyChecker); ok {
		if ins := ec.Emergency(qin); len(ins) > 0 {
			for _, instr := range ins {
				if err := b.execute(ctx, instr); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if !d.Quoting() {
		return nil
	}

	out := b.policy.Quote(qin)
	for _, ins := range out.Instructions {
		if err := b.execute(ctx, ins); err != nil {
			return err
		}
	}
	if len(out.Skipped) > 0 {
		b.logger.Debug("部分报价被跳过", zap.Any("skipped", out.Skipped))
	}

	res, err := b.recon.Reconcile(ctx, out.Quotes)
	b.persistOrders()
	b.persistGrid()
	if err != nil {
		if isFatal(err) {
			return err
		}
		b.logger.Warn("对账未全部完成，下个周期重试", zap.Error(err))
	}
	if res.Placed > 0 || res.Canceled > 0 {
		b.logger.Debug("报价已更新",
			zap.Int("placed", res.Placed), zap.Int("canceled", res.Canceled), zap.Int("kept", res.Kept),
			zap.Float64("mid", out.Mid), zap.Float64("spread_bps", out.SpreadBps), zap.Float64("skew_bps", out.SkewBps))
	}
	b.lastQuoteMid = b.market.Book.Mid()
	return nil
}

// sync 定期与交易所对齐挂单与余额，并补齐网格空档
func (b *Bot) sync(ctx context.Context) error {
	if b.stopped {
		return nil
	}
	if _, err := b.recon.Sync(ctx); err != nil {
		if isFatal(err) {
			return err
		}
		b.logger.Warn("挂单同步失败", zap.Error(err))
	}
	acc, err := b.ex.Account(ctx, b.pair)
	if err != nil {
		if isFatal(err) {
			return err
		}
		b.logger.Warn("账户同步失败", zap.Error(err))
	} else {
		b.tracker.SyncAccount(*acc)
	}
	if n := b.tracker.PruneSeen(b.now()); n > 0 {
		b.logger.Debug("清理过期成交去重记录", zap.Int("removed", n))
	}
	b.persistOrders()

	if g, ok := b.policy.(*quote.Grid); ok && b.guard.State() == guard.Active {
		if n := g.Refill(b.now()); n > 0 {
			b.logger.Info("补齐网格空档", zap.Int("levels", n))
			return b.tick(ctx)
		}
	}
	return nil
}

// valuationPrice 永续与网格按标记价格估值，现货按自身盘口中间价
func (b *Bot) valuationPrice() float64 {
	if b.params.Strategy == models.StrategySpot {
		return b.market.Book.Mid()
	}
	return b.market.Anchor()
}

func (b *Bot) oracleSymbol() string {
	if b.params.Strategy != models.StrategySpot {
		return ""
	}
	return b.params.Oracle.Symbol
}

func isFatal(err error) bool {
	return errors.Is(err, models.ErrAuthentication)
}

func seconds(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}
