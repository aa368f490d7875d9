package reconciler

import (
	"context"
	"errors"
	"lobster-mm-bot-go/internal/models"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockExecutor struct {
	nextID     int
	open       map[string]models.Order
	placeErrs  []error
	placed     []models.OrderRequest
	cancels    []string
	cancelAlls int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{open: make(map[string]models.Order)}
}

func (m *mockExecutor) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.Order, error) {
	m.placed = append(m.placed, req)
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.nextID++
	o := models.Order{
		Pair:          req.Pair,
		OrderID:       strconv.Itoa(m.nextID),
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Price:         req.Price,
		Size:          req.Size,
		Status:        models.OrderStatusNew,
	}
	m.open[o.OrderID] = o
	return &o, nil
}

func (m *mockExecutor) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.cancels = append(m.cancels, orderID)
	if _, ok := m.open[orderID]; !ok {
		return models.ErrUnknownOrder
	}
	delete(m.open, orderID)
	return nil
}

func (m *mockExecutor) CancelAllOrders(_ context.Context, _ string) error {
	m.cancelAlls++
	m.open = make(map[string]models.Order)
	return nil
}

func (m *mockExecutor) OpenOrders(_ context.Context, _ string) ([]models.Order, error) {
	out := make([]models.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, o)
	}
	return out, nil
}

func newTestReconciler(ex Executor) *Reconciler {
	return New(Config{
		Pair:               "BTCUSDT",
		UpdateThresholdBps: 3,
		SmartOrderMgmt:     true,
		MaxRetries:         3,
		RetryInitialDelay:  time.Millisecond,
	}, ex, zap.NewNop())
}

func quotes(bid, ask float64) []models.Quote {
	return []models.Quote{
		{Key: "bid", Side: models.Buy, Price: bid, Size: 1, PostOnly: true},
		{Key: "ask", Side: models.Sell, Price: ask, Size: 1, PostOnly: true},
	}
}

func TestReconcileHysteresis(t *testing.T) {
	ex := newMockExecutor()
	r := newTestReconciler(ex)
	ctx := context.Background()

	res, err := r.Reconcile(ctx, quotes(99.95, 100.05))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Placed)
	assert.Len(t, ex.open, 2)

	// 1 bps move with a 3 bps threshold: nothing is touched.
	res, err = r.Reconcile(ctx, quotes(99.96, 100.06))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Kept)
	assert.Zero(t, res.Placed)
	assert.Len(t, ex.placed, 2)

	// 5 bps move on the bid only.
	res, err = r.Reconcile(ctx, quotes(100.00, 100.05))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Canceled)
	assert.Equal(t, 1, res.Placed)
	assert.Equal(t, 1, res.Kept)
	bid, ok := r.Live("bid")
	require.True(t, ok)
	assert.Equal(t, 100.00, bid.Price)
	assert.Len(t, ex.open, 2, "at most one live order per side")

	// 20% size change replaces even at the same price.
	qs := quotes(100.00, 100.05)
	qs[1].Size = 1.2
	res, err = r.Reconcile(ctx, qs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Placed)
}

func TestReconcileCancelsUnwantedSlots(t *testing.T) {
	ex := newMockExecutor()
	r := newTestReconciler(ex)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, quotes(99.95, 100.05))
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, quotes(99.95, 100.05)[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Canceled)
	_, ok := r.Live("ask")
	assert.False(t, ok)
	assert.Len(t, ex.open, 1)
}

func TestReconcileWithoutSmartManagementReplacesEverything(t *testing.T) {
	ex := newMockExecutor()
	r := New(Config{Pair: "BTCUSDT", UpdateThresholdBps: 3, RetryInitialDelay: time.Millisecond}, ex, zap.NewNop())
	ctx := context.Background()

	_, err := r.Reconcile(ctx, quotes(99.95, 100.05))
	require.NoError(t, err)
	res, err := r.Reconcile(ctx, quotes(99.95, 100.05))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Canceled)
	assert.Equal(t, 2, res.Placed)
}

func TestTransientRetryReusesToken(t *testing.T) {
	ex := newMockExecutor()
	transient := &models.OrderRejection{Code: -1001, Msg: "disconnected"}
	ex.placeErrs = []error{transient, transient}
	r := newTestReconciler(ex)

	res, err := r.Reconcile(context.Background(), quotes(99.95, 100.05)[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Placed)
	require.Len(t, ex.placed, 3)
	assert.Equal(t, ex.placed[0].ClientOrderID, ex.placed[1].ClientOrderID)
	assert.Equal(t, ex.placed[0].ClientOrderID, ex.placed[2].ClientOrderID)
}

func TestTransientRetriesExhausted(t *testing.T) {
	ex := newMockExecutor()
	transient := errors.New("timeout")
	ex.placeErrs = []error{transient, transient, transient, transient, transient}
	r := newTestReconciler(ex)

	res, err := r.Reconcile(context.Background(), quotes(99.95, 100.05)[:1])
	require.Error(t, err)
	assert.Zero(t, res.Placed)
	assert.Len(t, ex.placed, 4, "first try plus three retries")
}

func TestPermanentRejectionSkipsSlot(t *testing.T) {
	ex := newMockExecutor()
	ex.placeErrs = []error{&models.OrderRejection{Code: -5022, Msg: "post only would cross", Permanent: true}}
	r := newTestReconciler(ex)

	res, err := r.Reconcile(context.Background(), quotes(99.95, 100.05))
	require.NoError(t, err, "a permanent rejection is logged, not returned")
	assert.Equal(t, 1, res.Placed)
	require.Contains(t, res.Rejected, "ask")
	assert.Len(t, ex.placed, 2, "no retry of a permanent rejection")
}

func TestOnFillFreesSlotWhenComplete(t *testing.T) {
	ex := newMockExecutor()
	r := newTestReconciler(ex)
	_, err := r.Reconcile(context.Background(), quotes(99.95, 100.05))
	require.NoError(t, err)
	bid, _ := r.Live("bid")

	key, done := r.OnFill(models.Fill{ClientOrderID: bid.ClientOrderID, Size: 0.4})
	assert.Equal(t, "bid", key)
	assert.False(t, done)

	key, done = r.OnFill(models.Fill{OrderID: bid.OrderID, Size: 0.6})
	assert.Equal(t, "bid", key)
	assert.True(t, done)
	_, ok := r.Live("bid")
	assert.False(t, ok)

	key, _ = r.OnFill(models.Fill{OrderID: "someone-else"})
	assert.Empty(t, key)
}

func TestSyncDropsMissingAndCancelsOrphans(t *testing.T) {
	ex := newMockExecutor()
	r := newTestReconciler(ex)
	ctx := context.Background()
	_, err := r.Reconcile(ctx, quotes(99.95, 100.05))
	require.NoError(t, err)

	bid, _ := r.Live("bid")
	delete(ex.open, bid.OrderID) // filled while we were not looking
	ex.open["900"] = models.Order{OrderID: "900", ClientOrderID: r.Prefix() + "stale"}
	ex.open["901"] = models.Order{OrderID: "901", ClientOrderID: "manual-order"}

	res, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Orphans)
	assert.Equal(t, 1, res.External)
	assert.NotContains(t, ex.open, "900")
	assert.Contains(t, ex.open, "901", "orders we did not issue are left alone")
	_, ok := r.Live("bid")
	assert.False(t, ok)
}

func TestAdoptAfterRestart(t *testing.T) {
	ex := newMockExecutor()
	r := newTestReconciler(ex)
	token := NewToken(r.Prefix())
	ex.open["42"] = models.Order{OrderID: "42", ClientOrderID: token, Side: models.Buy, Price: 99.95, Size: 1}

	restarted := newTestReconciler(ex)
	restarted.Adopt(map[string]models.CommittedOrder{
		"bid": {ClientOrderID: token, Side: models.Buy, Price: 99.95, Size: 1},
		"ask": {ClientOrderID: "foreign", Side: models.Sell, Price: 100.05, Size: 1},
	})
	res, err := restarted.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Adopted)

	bid, ok := restarted.Live("bid")
	require.True(t, ok)
	assert.Equal(t, "42", bid.OrderID)
	_, ok = restarted.Live("ask")
	assert.False(t, ok, "tokens without our prefix are not adopted")

	out, err := restarted.Reconcile(context.Background(), quotes(99.95, 100.05)[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, out.Kept, "adopted order satisfies the slot")
}

func TestCancelAllIsIdempotent(t *testing.T) {
	ex := newMockExecutor()
	r := newTestReconciler(ex)
	ctx := context.Background()
	_, err := r.Reconcile(ctx, quotes(99.95, 100.05))
	require.NoError(t, err)

	require.NoError(t, r.CancelAll(ctx))
	require.NoError(t, r.CancelAll(ctx))
	assert.Empty(t, r.Committed())
	assert.Empty(t, ex.open)
	assert.Equal(t, 2, ex.cancelAlls)
}

func TestNewToken(t *testing.T) {
	prefix := TokenPrefix("btcusdt")
	assert.Equal(t, "lmmbtcusd-", prefix)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken(prefix)
		assert.LessOrEqual(t, len(tok), maxTokenLen)
		assert.True(t, strings.HasPrefix(tok, prefix))
		assert.True(t, Owns(prefix, tok))
		assert.False(t, seen[tok])
		seen[tok] = true
	}
	assert.LessOrEqual(t, len(NewToken(strings.Repeat("x", 40))), maxTokenLen)
}
