package bot

import (
	"context"
	"fmt"
	"lobster-mm-bot-go/internal/guard"
	"lobster-mm-bot-go/internal/metrics"
	"lobster-mm-bot-go/internal/models"
	"lobster-mm-bot-go/internal/quote"
	"lobster-mm-bot-go/internal/reconciler"
	"lobster-mm-bot-go/internal/reporter"
	"lobster-mm-bot-go/internal/statemanager"
	"math"

	"go.uber.org/zap"
)

// halt 把守卫切到 HALTED 并执行停机流程，返回包装了 ErrHalted 的错误
func (b *Bot) halt(reason string, closePosition bool) error {
	d := b.guard.EmergencyStop(reason, b.now())
	b.stop(b.guard.Reason(), closePosition || d.ClosePosition, "emergency_stop")
	return fmt.Errorf("%s: %w", b.guard.Reason(), models.ErrHalted)
}

// stop 执行一次性的停机流程：可选平仓、撤销全部挂单、记录事件并写入最终快照。
// 调用方的 ctx 可能已经结束，这里使用独立的超时 ctx。
func (b *Bot) stop(reason string, closePosition bool, eventType string) {
	if b.stopped {
		return
	}
	b.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	b.flushTransitions(ctx)
	// 先撤单再平仓
	b.logger.Warn("正在撤销所有挂单并停止", zap.String("reason", reason))
	if err := b.recon.CancelAll(ctx); err != nil {
		b.logger.Error("撤销挂单失败，可能需要手动检查", zap.Error(err))
	}
	b.persistOrders()
	if closePosition {
		b.closePosition(ctx, reason)
	}

	title := "机器人已停止"
	if eventType == "emergency_stop" {
		title = "紧急停机"
	}
	inv := b.tracker.Snapshot()
	b.recordEvent(ctx, eventType, title, reason, map[string]interface{}{
		"position":     inv.Position,
		"realized_pnl": inv.RealizedPnL,
		"equity":       b.tracker.Equity(),
	})
	b.snapshot(ctx, false)
	b.printStatus()
}

func (b *Bot) cancelAll(ctx context.Context, reason string) error {
	if err := b.recon.CancelAll(ctx); err != nil {
		if isFatal(err) {
			return err
		}
		b.logger.Error("撤销全部挂单失败", zap.String("reason", reason), zap.Error(err))
		return nil
	}
	b.logger.Info("已撤销全部挂单", zap.String("reason", reason))
	b.persistOrders()
	return nil
}

// execute 执行报价策略给出的一次性指令
func (b *Bot) execute(ctx context.Context, ins models.Instruction) error {
	switch ins.Kind {
	case models.InstructionCancelAll:
		if err := b.cancelAll(ctx, ins.Reason); err != nil {
			return err
		}
		if b.params.Strategy == models.StrategyGrid {
			b.recordEvent(ctx, "grid_rebalance", "网格重建", ins.Reason, nil)
		}
	case models.InstructionClosePosition:
		b.closePosition(ctx, ins.Reason)
	case models.InstructionMarketSell:
		// HALTED 后不再下单；FROZEN 时仍然卖出，卖出后停机
		if b.guard.State() == guard.Halted {
			return nil
		}
		b.marketOrder(ctx, models.Sell, ins.Size, false, ins.Reason)
		return b.halt("emergency sell: "+ins.Reason, false)
	}
	return nil
}

// closePosition 市价平掉当前仓位（现货为卖出全部基础资产）
func (b *Bot) closePosition(ctx context.Context, reason string) {
	inv := b.tracker.Snapshot()
	pos := inv.Position
	if b.params.Strategy == models.StrategySpot {
		pos = inv.BaseTotal
	}
	if pos == 0 {
		return
	}
	side := models.Sell
	if pos < 0 {
		side = models.Buy
	}
	b.marketOrder(ctx, side, math.Abs(pos), b.params.Strategy != models.StrategySpot, reason)
}

func (b *Bot) marketOrder(ctx context.Context, side models.Side, size float64, reduceOnly bool, reason string) {
	size = b.rounder.Size(size)
	if size <= 0 {
		return
	}
	order, err := b.ex.PlaceOrder(ctx, models.OrderRequest{
		Pair:          b.pair,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Size:          size,
		ReduceOnly:    reduceOnly,
		ClientOrderID: reconciler.NewToken(b.recon.Prefix()),
	})
	if err != nil {
		b.logger.Error("市价单失败", zap.String("side", string(side)), zap.Float64("size", size), zap.Error(err))
		return
	}
	b.logger.Warn("已提交市价单",
		zap.String("side", string(side)), zap.Float64("size", size),
		zap.String("order_id", order.OrderID), zap.String("reason", reason))
	b.recordEvent(ctx, "market_order", "市价"+string(side), reason, map[string]interface{}{
		"size":     size,
		"order_id": order.OrderID,
	})
}

// flushTransitions 把守卫状态变化写入系统事件与持久化状态
func (b *Bot) flushTransitions(ctx context.Context) {
	for _, t := range b.transitions {
		b.recordEvent(ctx, "guard_transition", fmt.Sprintf("%s -> %s", t.From, t.To), t.Reason, map[string]interface{}{
			"from": t.From.String(),
			"to":   t.To.String(),
		})
		b.state.DispatchEvent(statemanager.StateEvent{
			Type:      statemanager.GuardUpdateEvent,
			Timestamp: t.At,
			Data:      statemanager.GuardUpdateData{State: t.To.String(), Reason: t.Reason},
		})
	}
	b.transitions = b.transitions[:0]
}

func (b *Bot) recordEvent(ctx context.Context, eventType, title, description string, metadata map[string]interface{}) {
	ev := &models.SystemEvent{
		Timestamp:   b.now(),
		Pair:        b.pair,
		Type:        eventType,
		Title:       title,
		Description: description,
		Metadata:    metadata,
	}
	if _, err := b.store.InsertSystemEvent(ctx, ev); err != nil {
		b.logger.Error("系统事件写入失败", zap.Error(&models.PersistenceError{Op: "insert system event", Err: err}))
	}
}

func (b *Bot) persistOrders() {
	b.state.DispatchEvent(statemanager.StateEvent{
		Type:      statemanager.OrdersUpdateEvent,
		Timestamp: b.now(),
		Data:      b.recon.Committed(),
	})
}

func (b *Bot) persistGrid() {
	if grid := b.gridSnapshot(); grid != nil {
		b.state.DispatchEvent(statemanager.StateEvent{
			Type:      statemanager.GridUpdateEvent,
			Timestamp: b.now(),
			Data:      grid,
		})
	}
}

// gridSnapshot 返回网格状态的深拷贝，状态管理器在另一个 goroutine 中读取它
func (b *Bot) gridSnapshot() *models.GridState {
	g, ok := b.policy.(*quote.Grid)
	if !ok || g.State() == nil {
		return nil
	}
	return (&models.LoopState{Grid: g.State()}).Clone().Grid
}

// snapshot 写入当前整分钟的指标行
func (b *Bot) snapshot(ctx context.Context, running bool) {
	st := metrics.State{
		Inventory:     b.tracker.Snapshot(),
		Book:          b.market.Book,
		TotalValueUSD: b.tracker.Equity(),
		BotRunning:    running,
		GuardState:    b.guard.State().String(),
	}
	if b.paramSet != nil {
		st.ParameterSetID = b.paramSet.ID
	}
	if b.params.Strategy != models.StrategySpot {
		st.Mid = b.market.Anchor()
	}
	st.Bid, st.Ask = ourTouch(b.recon.Committed())
	if _, err := b.agg.Snapshot(ctx, b.now(), st); err != nil {
		b.logger.Error("指标快照写入失败", zap.Error(err))
	}
}

// ourTouch 返回我们最高的买单和最低的卖单
func ourTouch(orders map[string]models.CommittedOrder) (bid, ask *models.CommittedOrder) {
	for _, o := range orders {
		switch o.Side {
		case models.Buy:
			if bid == nil || o.Price > bid.Price {
				bid = &o
			}
		case models.Sell:
			if ask == nil || o.Price < ask.Price {
				ask = &o
			}
		}
	}
	return bid, ask
}

// printStatus 打印状态表
func (b *Bot) printStatus() {
	st := reporter.Status{
		Pair:        b.pair,
		Strategy:    b.params.Strategy,
		GuardState:  b.guard.State().String(),
		GuardReason: b.guard.Reason(),
		Book:        b.market.Book,
		Inventory:   b.tracker.Snapshot(),
		Equity:      b.tracker.Equity(),
		MarginRatio: b.tracker.MarginRatio(),
		Orders:      b.recon.Committed(),
		Grid:        b.gridSnapshot(),
		Uptime:      b.now().Sub(b.startedAt),
	}
	if b.paramSet != nil {
		st.ParameterSetID = b.paramSet.ID
	}
	b.logger.Info("状态报告\n" + reporter.StatusTable(st))
}
