package metrics

import (
	"context"
	"lobster-mm-bot-go/internal/models"
	"lobster-mm-bot-go/internal/storage"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var minute0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) (*Aggregator, *storage.Store) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewAggregator("BTCUSDT", s, zap.NewNop()), s
}

func state(mid float64) State {
	return State{
		ParameterSetID: 1,
		Book:           models.BookUpdate{BestBid: mid - 0.5, BestAsk: mid + 0.5},
		BotRunning:     true,
		GuardState:     "ACTIVE",
	}
}

func fillAt(at time.Time, id string, side models.Side, price float64) models.Fill {
	return models.Fill{
		Pair: "BTCUSDT", Time: at, OrderID: id, Side: side,
		Price: price, Size: 0.1, Fee: 0.01, RealizedPnL: 0.5,
	}
}

func TestNextBoundary(t *testing.T) {
	assert.Equal(t, minute0.Add(time.Minute), NextBoundary(minute0))
	assert.Equal(t, minute0.Add(time.Minute), NextBoundary(minute0.Add(59*time.Second+999*time.Millisecond)))
	assert.Equal(t, minute0.Add(2*time.Minute), NextBoundary(minute0.Add(time.Minute+time.Millisecond)))
}

func TestRecordFillDeduplicates(t *testing.T) {
	agg, s := newTestAggregator(t)
	ctx := context.Background()
	f := fillAt(minute0.Add(10*time.Second), "1", models.Buy, 99.9)

	ok, err := agg.RecordFill(ctx, f, 100, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = agg.RecordFill(ctx, f, 100, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CountFills(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, agg.captures, 1)
}

func TestSnapshotHalfOpenWindow(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()
	boundary := minute0.Add(time.Minute)

	// 边界上的成交属于下一分钟
	fills := []models.Fill{
		fillAt(minute0, "1", models.Buy, 99.9),
		fillAt(minute0.Add(30*time.Second), "2", models.Sell, 100.1),
		fillAt(boundary, "3", models.Sell, 100.2),
	}
	for _, f := range fills {
		_, err := agg.RecordFill(ctx, f, 100, 1)
		require.NoError(t, err)
	}

	m, err := agg.Snapshot(ctx, boundary.Add(200*time.Millisecond), state(100))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Timestamp.Equal(boundary))
	assert.Equal(t, 2, m.FillsCount)
	assert.Equal(t, 1, m.BuyFills)
	assert.Equal(t, 1, m.SellFills)
	assert.InDelta(t, 0.2, m.VolumeBase, 1e-9)
	assert.InDelta(t, 20.0, m.VolumeQuote, 1e-9)
	assert.InDelta(t, 1.0, m.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.98, m.NetRealizedPnL, 1e-9)
	assert.InDelta(t, 10.0, m.AvgSpreadCapturedBps, 1e-9, "both fills 10 bps away from mid")
	assert.Zero(t, m.PriceChangeBps, "no previous snapshot")

	next, err := agg.Snapshot(ctx, boundary.Add(time.Minute), state(100.5))
	require.NoError(t, err)
	assert.Equal(t, 1, next.FillsCount)
	assert.Equal(t, 3, next.CumulativeFills)
	assert.InDelta(t, 50.0, next.PriceChangeBps, 1e-9)
	assert.InDelta(t, 1.5-0.03, next.CumulativeNetPnL, 1e-9)
}

func TestSnapshotRewriteKeepsOneRow(t *testing.T) {
	agg, s := newTestAggregator(t)
	ctx := context.Background()
	boundary := minute0.Add(time.Minute)
	_, err := agg.RecordFill(ctx, fillAt(minute0.Add(5*time.Second), "1", models.Buy, 99.9), 100, 1)
	require.NoError(t, err)

	first, err := agg.Snapshot(ctx, boundary, state(100))
	require.NoError(t, err)
	again, err := agg.Snapshot(ctx, boundary.Add(30*time.Second), state(100))
	require.NoError(t, err)
	assert.Equal(t, first.CumulativeFills, again.CumulativeFills)

	rows, err := s.ListSnapshots(ctx, "BTCUSDT", minute0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSnapshotAcrossRestart(t *testing.T) {
	agg, s := newTestAggregator(t)
	ctx := context.Background()
	boundary := minute0.Add(time.Minute)

	_, err := agg.Snapshot(ctx, boundary, state(100))
	require.NoError(t, err)

	restarted := NewAggregator("BTCUSDT", s, zap.NewNop())
	m, err := restarted.Snapshot(ctx, boundary.Add(10*time.Second), state(101))
	require.NoError(t, err)
	assert.Equal(t, 101.0, m.MidPrice)

	rows, err := s.ListSnapshots(ctx, "BTCUSDT", minute0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 101.0, rows[0].MidPrice)
}

func TestSnapshotSkipsWithoutMarketData(t *testing.T) {
	agg, s := newTestAggregator(t)
	m, err := agg.Snapshot(context.Background(), minute0, State{BotRunning: true})
	require.NoError(t, err)
	assert.Nil(t, m)

	rows, err := s.ListSnapshots(context.Background(), "BTCUSDT", minute0.Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSnapshotOurQuotes(t *testing.T) {
	agg, _ := newTestAggregator(t)
	st := state(100)
	st.Mid = 100.2
	st.Bid = &models.CommittedOrder{Price: 99.9, Size: 1, FilledSize: 0.25}

	m, err := agg.Snapshot(context.Background(), minute0, st)
	require.NoError(t, err)
	assert.Equal(t, 100.2, m.MidPrice)
	assert.True(t, m.BidLive)
	assert.False(t, m.AskLive)
	assert.Equal(t, 99.9, m.OurBidPrice)
	assert.Equal(t, 0.75, m.OurBidSize)
}

func TestResetCumulatives(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()
	_, err := agg.RecordFill(ctx, fillAt(minute0.Add(5*time.Second), "1", models.Buy, 99.9), 100, 1)
	require.NoError(t, err)
	_, err = agg.Snapshot(ctx, minute0.Add(time.Minute), state(100))
	require.NoError(t, err)

	agg.ResetCumulatives()
	m, err := agg.Snapshot(ctx, minute0.Add(2*time.Minute), state(100))
	require.NoError(t, err)
	assert.Zero(t, m.CumulativeFills)
	assert.Zero(t, m.CumulativeNetPnL)
}
