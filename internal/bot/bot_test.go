package bot

import (
	"context"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/exchange"
	"lobster-mm-bot-go/internal/models"
	"lobster-mm-bot-go/internal/persistence"
	"lobster-mm-bot-go/internal/storage"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPair = "BTCUSDT"

func perpConfig() *models.Config {
	return &models.Config{
		Params: models.Params{
			Pair:     testPair,
			Strategy: models.StrategyPerp,
			Trading: models.TradingParams{
				BaseOrderSize: 100,
				MinOrderSize:  0.001,
				SizeIncrement: 0.0001,
				BaseSpreadBps: 10,
				MinSpreadBps:  5,
				MaxSpreadBps:  50,
			},
			Position:  models.PositionParams{MaxPositionUSD: 1000, Leverage: 5},
			Inventory: models.InventoryParams{SkewThresholdUSD: 50, SkewBpsPer1k: 10, MaxSkewBps: 20},
			Timing: models.TimingParams{
				UpdateIntervalSeconds: 1,
				UpdateThresholdBps:    3,
				SyncIntervalSeconds:   30,
				HealthCheckSeconds:    60,
			},
			Safety: models.SafetyParams{
				SmartOrderMgmtEnabled: true,
				MinMarginRatioPct:     10,
				MaxAccountDrawdownPct: 20,
			},
		},
		Exchange: models.ExchangeConfig{
			Venue:             string(exchange.VenuePaper),
			PriceDecimals:     2,
			SizeDecimals:      4,
			MaxRetries:        1,
			PaperQuoteBalance: 10000,
			MakerFeeRate:      0.0002,
			TakerFeeRate:      0.0005,
		},
	}
}

func gridConfig() *models.Config {
	cfg := perpConfig()
	cfg.Strategy = models.StrategyGrid
	cfg.Grid = models.GridParams{
		SpacingPct:            0.5,
		NumLevelsEachSide:     3,
		OrderSizeUSD:          25,
		RebalanceThresholdPct: 3,
		Bias:                  models.BiasNeutral,
	}
	return cfg
}

type harness struct {
	bot   *Bot
	ex    *exchange.PaperExchange
	store *storage.Store
	errCh chan error
}

func startBot(t *testing.T, ctx context.Context, cfg *models.Config, repo persistence.StateRepository) *harness {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ex := exchange.NewPaperExchange(cfg.Exchange, false, nil, zap.NewNop())
	ex.SetBook(models.BookUpdate{Pair: testPair, BestBid: 99.9, BestAsk: 100.1})

	b, err := New(cfg, ex, store, repo, zap.NewNop())
	require.NoError(t, err)

	h := &harness{bot: b, ex: ex, store: store, errCh: make(chan error, 1)}
	go func() { h.errCh <- b.Run(ctx) }()
	return h
}

func (h *harness) openOrders(t *testing.T) []models.Order {
	open, err := h.ex.OpenOrders(context.Background(), testPair)
	require.NoError(t, err)
	return open
}

func (h *harness) wait(t *testing.T) error {
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the loop to exit")
		return nil
	}
}

func TestBotQuotesBothSides(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startBot(t, ctx, perpConfig(), nil)

	require.Eventually(t, func() bool { return len(h.openOrders(t)) == 2 }, 3*time.Second, 20*time.Millisecond)
	open := h.openOrders(t)
	sides := map[models.Side]models.Order{}
	for _, o := range open {
		sides[o.Side] = o
		assert.True(t, strings.HasPrefix(o.ClientOrderID, "lmmbtcusd-"), "orders carry the pair token prefix")
		assert.True(t, o.PostOnly)
	}
	assert.Equal(t, 99.95, sides[models.Buy].Price)
	assert.Equal(t, 100.05, sides[models.Sell].Price)
	assert.Equal(t, 1.0, sides[models.Buy].Size)

	cancel()
	assert.NoError(t, h.wait(t), "shutdown is not an error")
	assert.Empty(t, h.openOrders(t), "graceful shutdown cancels everything")

	n, err := h.store.CountParameterSets(context.Background(), testPair)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBotEmergencyStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startBot(t, ctx, perpConfig(), nil)
	require.Eventually(t, func() bool { return len(h.openOrders(t)) == 2 }, 3*time.Second, 20*time.Millisecond)

	h.bot.EmergencyStop("operator request")
	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrHalted))
	assert.Contains(t, err.Error(), "operator request")
	assert.Empty(t, h.openOrders(t))

	// 停止后再次调用不会阻塞
	h.bot.EmergencyStop("again")

	events, err := h.store.ListSystemEvents(context.Background(), testPair, 20)
	require.NoError(t, err)
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	assert.True(t, types["bot_started"])
	assert.True(t, types["guard_transition"])
	assert.True(t, types["emergency_stop"])

	snap, err := h.store.LatestSnapshot(context.Background(), testPair)
	require.NoError(t, err)
	require.NotNil(t, snap, "final snapshot written on stop")
	assert.False(t, snap.BotRunning)
	assert.Equal(t, "HALTED", snap.GuardState)
	assert.InDelta(t, 100.0, snap.MidPrice, 1e-9)
}

func TestBotRecordsFillsAndRequotes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startBot(t, ctx, perpConfig(), nil)
	require.Eventually(t, func() bool { return len(h.openOrders(t)) == 2 }, 3*time.Second, 20*time.Millisecond)

	// 卖盘下移穿过我们 99.95 的买单
	fills := h.ex.SetBook(models.BookUpdate{Pair: testPair, BestBid: 99.5, BestAsk: 99.9})
	require.Len(t, fills, 1)
	assert.Equal(t, models.Buy, fills[0].Side)

	require.Eventually(t, func() bool {
		n, err := h.store.CountFills(context.Background(), testPair)
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 买单槽位被释放后重新挂出，两侧各一张
	require.Eventually(t, func() bool {
		open := h.openOrders(t)
		if len(open) != 2 {
			return false
		}
		for _, o := range open {
			if o.Side == models.Buy && o.Price < 99.9 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, h.wait(t))

	acc, err := h.ex.Account(context.Background(), testPair)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc.Position)
}

func TestBotGridLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startBot(t, ctx, gridConfig(), nil)

	require.Eventually(t, func() bool { return len(h.openOrders(t)) == 6 }, 3*time.Second, 20*time.Millisecond)
	prices := map[float64]models.Side{}
	for _, o := range h.openOrders(t) {
		prices[o.Price] = o.Side
	}
	assert.Equal(t, models.Buy, prices[99.5])
	assert.Equal(t, models.Buy, prices[99.0])
	assert.Equal(t, models.Sell, prices[100.5])
	assert.Equal(t, models.Sell, prices[101.0])

	fills := h.ex.SetBook(models.BookUpdate{Pair: testPair, BestBid: 99.3, BestAsk: 99.5})
	require.Len(t, fills, 1)
	assert.Equal(t, 99.5, fills[0].Price)

	require.Eventually(t, func() bool {
		n, err := h.store.CountFills(context.Background(), testPair)
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 成交档位变为 FILLED，不会在原价重新挂买单
	time.Sleep(1200 * time.Millisecond)
	open := h.openOrders(t)
	assert.Len(t, open, 5)
	for _, o := range open {
		assert.NotEqual(t, 99.5, o.Price)
	}

	cancel()
	assert.NoError(t, h.wait(t))
}

func TestBotRestoresStateAcrossRestart(t *testing.T) {
	repo, err := persistence.NewBadgerRepository(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h := startBot(t, ctx, gridConfig(), repo)
	require.Eventually(t, func() bool { return len(h.openOrders(t)) == 6 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, h.wait(t))

	saved, err := repo.LoadState(testPair)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, models.StrategyGrid, saved.Strategy)
	assert.InDelta(t, 10000, saved.SessionStartValue, 1e-9)
	require.NotNil(t, saved.Grid)
	assert.Equal(t, 100.0, saved.Grid.Center)
	assert.Len(t, saved.Grid.Levels, 6)
	assert.Empty(t, saved.Orders, "everything was canceled on shutdown")

	b, err := New(gridConfig(), h.ex, h.store, repo, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, b.guard.SessionStart())
	assert.Equal(t, 100.0, b.gridSnapshot().Center, "grid restored instead of rebuilt")
}

func TestOurTouch(t *testing.T) {
	bid, ask := ourTouch(map[string]models.CommittedOrder{
		"L-1": {Side: models.Buy, Price: 99.5},
		"L-2": {Side: models.Buy, Price: 99.0},
		"L1":  {Side: models.Sell, Price: 100.5},
		"L2":  {Side: models.Sell, Price: 101.0},
	})
	require.NotNil(t, bid)
	require.NotNil(t, ask)
	assert.Equal(t, 99.5, bid.Price)
	assert.Equal(t, 100.5, ask.Price)

	bid, ask = ourTouch(nil)
	assert.Nil(t, bid)
	assert.Nil(t, ask)
}

func TestBotDiscardsStateOfOtherStrategy(t *testing.T) {
	repo, err := persistence.NewBadgerRepository(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.SaveState(&models.LoopState{
		Pair:              testPair,
		Strategy:          models.StrategyGrid,
		SessionStartValue: 5000,
		Grid:              &models.GridState{Center: 90},
	}))

	ex := exchange.NewPaperExchange(perpConfig().Exchange, false, nil, zap.NewNop())
	b, err := New(perpConfig(), ex, nil, repo, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, b.gridSnapshot())
	assert.Zero(t, b.guard.SessionStart())

	saved, err := repo.LoadState(testPair)
	require.NoError(t, err)
	assert.Nil(t, saved, "grid state dropped when switching to perp")
}

// callLog records the order of trading calls on top of the paper venue.
type callLog struct {
	*exchange.PaperExchange
	calls []string
}

func (c *callLog) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	c.calls = append(c.calls, "place_"+string(req.Type))
	return c.PaperExchange.PlaceOrder(ctx, req)
}

func (c *callLog) CancelAllOrders(ctx context.Context, pair string) error {
	c.calls = append(c.calls, "cancel_all")
	return c.PaperExchange.CancelAllOrders(ctx, pair)
}

func TestStopCancelsBeforeClosing(t *testing.T) {
	cfg := perpConfig()
	store, err := storage.Open(filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	defer store.Close()

	paper := exchange.NewPaperExchange(cfg.Exchange, false, nil, zap.NewNop())
	paper.SetBook(models.BookUpdate{Pair: testPair, BestBid: 99.9, BestAsk: 100.1})
	ex := &callLog{PaperExchange: paper}

	b, err := New(cfg, ex, store, nil, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.recon.Reconcile(ctx, []models.Quote{{Key: "bid", Side: models.Buy, Price: 99, Size: 1, PostOnly: true}})
	require.NoError(t, err)
	require.True(t, b.tracker.ApplyFill(&models.Fill{
		Pair: testPair, Time: time.Now(), OrderID: "1", Side: models.Buy, Price: 100, Size: 1,
	}))
	ex.calls = nil

	b.stop("account drawdown", true, "emergency_stop")
	require.Len(t, ex.calls, 2)
	assert.Equal(t, "cancel_all", ex.calls[0])
	assert.Equal(t, "place_"+string(models.OrderTypeMarket), ex.calls[1])
	assert.Empty(t, paperOrders(t, paper), "no resting order survives the close")
}

func paperOrders(t *testing.T, ex *exchange.PaperExchange) []models.Order {
	open, err := ex.OpenOrders(context.Background(), testPair)
	require.NoError(t, err)
	return open
}

func TestBotStopsOnStreamAuthFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startBot(t, ctx, perpConfig(), nil)
	require.Eventually(t, func() bool { return len(h.openOrders(t)) == 2 }, 3*time.Second, 20*time.Millisecond)

	h.bot.Dispatch(models.Event{Type: models.ErrorEvent, Data: fmt.Errorf("listen key: %w", models.ErrAuthentication)})
	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrAuthentication))
	assert.Empty(t, h.openOrders(t), "orders canceled on the way out")
}

func TestBotSpotEmergencySellWhileFrozen(t *testing.T) {
	cfg := &models.Config{
		Params: models.Params{
			Pair:     testPair,
			Strategy: models.StrategySpot,
			Trading:  models.TradingParams{BaseOrderSize: 5, MinOrderSize: 0.1, BaseSpreadBps: 20, MinSpreadBps: 10, MaxSpreadBps: 100},
			Position: models.PositionParams{TargetPosition: 50, MaxPositionSize: 100},
			Oracle: models.OracleParams{
				Symbol:                        "BTCUSDT",
				MaxOracleAgeSeconds:           60,
				MaxOracleJumpPct:              20,
				MaxSpotPerpDeviationPct:       5,
				EmergencySellIfBelowOraclePct: 5,
			},
			Timing: models.TimingParams{UpdateIntervalSeconds: 1, SyncIntervalSeconds: 30, HealthCheckSeconds: 60},
		},
		Exchange: models.ExchangeConfig{
			Venue:             string(exchange.VenuePaper),
			PriceDecimals:     3,
			SizeDecimals:      2,
			MaxRetries:        1,
			PaperQuoteBalance: 1000,
			PaperBaseBalance:  80,
		},
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	defer store.Close()

	ex := exchange.NewPaperExchange(cfg.Exchange, true, nil, zap.NewNop())
	ex.SetOracle(models.OracleReading{Price: 20, Bid: 19.999, Ask: 20.001})
	ex.SetBook(models.BookUpdate{Pair: testPair, BestBid: 17.99, BestAsk: 18.01, BidDepth: 100, AskDepth: 100})

	b, err := New(cfg, ex, store, nil, zap.NewNop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()

	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("emergency sell did not stop the loop")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrHalted))
	assert.Contains(t, err.Error(), "emergency sell")

	acc, err := ex.Account(context.Background(), testPair)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, acc.BaseTotal, 1e-9, "sold down to target, not the whole balance")
}
