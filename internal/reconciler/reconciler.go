package reconciler

import (
	"context"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"sort"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// 数量变化超过 10% 才改单
	sizeThresholdPct = 10
	fullFillRatio    = 0.999
)

// Executor is the slice of the exchange the reconciler drives.
type Executor interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	CancelAllOrders(ctx context.Context, pair string) error
	OpenOrders(ctx context.Context, pair string) ([]models.Order, error)
}

// Config 定义对账器行为
type Config struct {
	Pair               string
	UpdateThresholdBps float64
	SmartOrderMgmt     bool
	RatePerSecond      float64
	MaxRetries         int
	RetryInitialDelay  time.Duration
}

// Result summarises one reconcile pass.
type Result struct {
	Placed   int
	Canceled int
	Kept     int
	// Rejected lists slots whose placement was permanently refused this cycle.
	Rejected map[string]error
}

// SyncResult summarises one exchange sync.
type SyncResult struct {
	Dropped  int // tracked orders no longer open on the exchange
	Orphans  int // our orders the exchange has that we do not track
	Adopted  int // tracked orders whose exchange id was recovered
	External int // open orders not issued by us
}

// Reconciler 维护"最后一次提交"的挂单，并将期望报价同步到交易所。
// 每个槽位（bid/ask 或网格档位）最多一张挂单。不支持并发调用，仅由控制循环使用。
type Reconciler struct {
	cfg       Config
	prefix    string
	ex        Executor
	limiter   *rate.Limiter
	committed map[string]models.CommittedOrder
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a reconciler for one pair.
func New(cfg Config, ex Executor, logger *zap.Logger) *Reconciler {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(math.Max(1, math.Ceil(cfg.RatePerSecond)))
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 200 * time.Millisecond
	}
	return &Reconciler{
		cfg:       cfg,
		prefix:    TokenPrefix(cfg.Pair),
		ex:        ex,
		limiter:   rate.NewLimiter(limit, burst),
		committed: make(map[string]models.CommittedOrder),
		now:       time.Now,
		logger:    logger,
	}
}

// Prefix is the client token prefix of this reconciler's orders.
func (r *Reconciler) Prefix() string {
	return r.prefix
}

// Committed returns a copy of the last committed orders for persistence.
func (r *Reconciler) Committed() map[string]models.CommittedOrder {
	out := make(map[string]models.CommittedOrder, len(r.committed))
	for k, v := range r.committed {
		out[k] = v
	}
	return out
}

// Live returns the committed order in a slot.
func (r *Reconciler) Live(key string) (models.CommittedOrder, bool) {
	o, ok := r.committed[key]
	return o, ok
}

// Adopt restores committed orders saved before a restart. Call Sync afterwards
// to drop the ones the exchange no longer has.
func (r *Reconciler) Adopt(orders map[string]models.CommittedOrder) {
	for k, o := range orders {
		if !Owns(r.prefix, o.ClientOrderID) {
			continue
		}
		o.Key = k
		r.committed[k] = o
	}
	r.logger.Info("Adopted committed orders from saved state.",
		zap.String("pair", r.cfg.Pair), zap.Int("count", len(r.committed)))
}

// NeedsUpdate reports whether a resting order must be replaced to match a desired quote.
func (r *Reconciler) NeedsUpdate(live models.CommittedOrder, want models.Quote) bool {
	if !r.cfg.SmartOrderMgmt {
		return true
	}
	if live.Side != want.Side || live.ReduceOnly != want.ReduceOnly || want.Price <= 0 || want.Size <= 0 {
		return true
	}
	priceDiffBps := math.Abs(live.Price-want.Price) / want.Price * 10000
	remaining := live.Size - live.FilledSize
	sizeDiffPct := math.Abs(remaining-want.Size) / want.Size * 100
	return priceDiffBps > r.cfg.UpdateThresholdBps || sizeDiffPct >= sizeThresholdPct
}

// Reconcile 使交易所挂单与期望报价一致：价格/数量变化在阈值内的保留，
// 其余撤单重挂；不再需要的槽位撤单。永久拒单只跳过本周期，不返回错误。
func (r *Reconciler) Reconcile(ctx context.Context, desired []models.Quote) (Result, error) {
	res := Result{}
	var errs []error

	want := make(map[string]models.Quote, len(desired))
	for _, q := range desired {
		want[q.Key] = q
	}

	// 先撤后挂，避免同一槽位出现两张挂单
	for _, key := range r.sortedKeys() {
		live := r.committed[key]
		q, ok := want[key]
		if ok && !r.NeedsUpdate(live, q) {
			res.Kept++
			delete(want, key)
			continue
		}
		if err := r.cancel(ctx, live); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", key, err))
			delete(want, key)
			continue
		}
		res.Canceled++
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		q := want[key]
		if err := r.place(ctx, q); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if models.IsPermanentRejection(err) {
				if res.Rejected == nil {
					res.Rejected = make(map[string]error)
				}
				res.Rejected[key] = err
				continue
			}
			errs = append(errs, fmt.Errorf("place %s: %w", key, err))
			continue
		}
		res.Placed++
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) place(ctx context.Context, q models.Quote) error {
	req := models.OrderRequest{
		Pair:          r.cfg.Pair,
		Side:          q.Side,
		Type:          models.OrderTypeLimit,
		Price:         q.Price,
		Size:          q.Size,
		PostOnly:      q.PostOnly,
		ReduceOnly:    q.ReduceOnly,
		ClientOrderID: NewToken(r.prefix),
	}

	var order *models.Order
	err := r.withRetry(ctx, "place", func() error {
		var err error
		order, err = r.ex.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		if models.IsPermanentRejection(err) {
			r.logger.Warn("Order rejected, skipping slot this cycle.",
				zap.String("pair", r.cfg.Pair), zap.String("key", q.Key),
				zap.String("side", string(q.Side)), zap.Float64("price", q.Price), zap.Error(err))
		}
		return err
	}

	committed := models.CommittedOrder{
		Key:           q.Key,
		ClientOrderID: req.ClientOrderID,
		Side:          q.Side,
		Price:         q.Price,
		Size:          q.Size,
		ReduceOnly:    q.ReduceOnly,
		PlacedAt:      r.now(),
	}
	if order != nil {
		committed.OrderID = order.OrderID
		if order.Status.IsFinal() {
			// 立即成交或被撤的挂单不占用槽位
			r.logger.Debug("Order final on placement.", zap.String("key", q.Key), zap.String("status", string(order.Status)))
			return nil
		}
	}
	r.committed[q.Key] = committed
	r.logger.Debug("Order placed.",
		zap.String("pair", r.cfg.Pair), zap.String("key", q.Key), zap.String("side", string(q.Side)),
		zap.Float64("price", q.Price), zap.Float64("size", q.Size), zap.String("client_order_id", req.ClientOrderID))
	return nil
}

func (r *Reconciler) cancel(ctx context.Context, live models.CommittedOrder) error {
	err := r.withRetry(ctx, "cancel", func() error {
		return r.ex.CancelOrder(ctx, r.cfg.Pair, live.OrderID)
	})
	if err != nil && !errors.Is(err, models.ErrUnknownOrder) {
		return err
	}
	delete(r.committed, live.Key)
	return nil
}

// CancelAll 撤销该交易对的全部挂单（包括不属于本机器人的），幂等
func (r *Reconciler) CancelAll(ctx context.Context) error {
	err := r.withRetry(ctx, "cancel_all", func() error {
		return r.ex.CancelAllOrders(ctx, r.cfg.Pair)
	})
	if err != nil {
		return fmt.Errorf("cancel all %s: %w", r.cfg.Pair, err)
	}
	r.committed = make(map[string]models.CommittedOrder)
	return nil
}

// OnFill attributes a fill to its slot. It returns the slot key ("" when the fill is
// not ours) and whether the order is now completely filled, freeing the slot.
func (r *Reconciler) OnFill(fill models.Fill) (string, bool) {
	for key, o := range r.committed {
		if (fill.ClientOrderID != "" && o.ClientOrderID == fill.ClientOrderID) ||
			(fill.OrderID != "" && o.OrderID == fill.OrderID) {
			o.FilledSize += fill.Size
			if o.FilledSize >= o.Size*fullFillRatio {
				delete(r.committed, key)
				return key, true
			}
			r.committed[key] = o
			return key, false
		}
	}
	return "", false
}

// Sync 与交易所挂单对齐：丢弃交易所已不存在的跟踪挂单，撤销带本机器人前缀但未跟踪的孤儿单，
// 并为重启后恢复的挂单补全交易所订单号。
func (r *Reconciler) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	var open []models.Order
	err := r.withRetry(ctx, "open_orders", func() error {
		var err error
		open, err = r.ex.OpenOrders(ctx, r.cfg.Pair)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("open orders %s: %w", r.cfg.Pair, err)
	}

	byToken := make(map[string]models.Order, len(open))
	byID := make(map[string]models.Order, len(open))
	for _, o := range open {
		if o.ClientOrderID != "" {
			byToken[o.ClientOrderID] = o
		}
		byID[o.OrderID] = o
	}

	tracked := make(map[string]bool, len(r.committed))
	for key, c := range r.committed {
		o, ok := byToken[c.ClientOrderID]
		if !ok && c.OrderID != "" {
			o, ok = byID[c.OrderID]
		}
		if !ok {
			delete(r.committed, key)
			res.Dropped++
			continue
		}
		if c.OrderID == "" {
			c.OrderID = o.OrderID
			res.Adopted++
		}
		c.FilledSize = o.FilledSize
		r.committed[key] = c
		tracked[o.OrderID] = true
	}

	var errs []error
	for _, o := range open {
		if tracked[o.OrderID] {
			continue
		}
		if !Owns(r.prefix, o.ClientOrderID) {
			res.External++
			continue
		}
		res.Orphans++
		if err := r.cancel(ctx, models.CommittedOrder{OrderID: o.OrderID}); err != nil {
			errs = append(errs, fmt.Errorf("cancel orphan %s: %w", o.OrderID, err))
		}
	}

	if res.Dropped > 0 || res.Orphans > 0 || res.Adopted > 0 {
		r.logger.Info("Order sync complete.",
			zap.String("pair", r.cfg.Pair),
			zap.Int("dropped", res.Dropped),
			zap.Int("orphans", res.Orphans),
			zap.Int("adopted", res.Adopted),
			zap.Int("external", res.External))
	}
	return res, errors.Join(errs...)
}

// withRetry 以限速与指数退避执行交易所调用。永久拒单与未知订单不重试。
func (r *Reconciler) withRetry(ctx context.Context, op string, call func() error) error {
	b := &backoff.Backoff{
		Min:    r.cfg.RetryInitialDelay,
		Max:    10 * r.cfg.RetryInitialDelay,
		Factor: 2,
		Jitter: true,
	}
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		err := call()
		if err == nil {
			return nil
		}
		if models.IsPermanentRejection(err) || errors.Is(err, models.ErrUnknownOrder) ||
			errors.Is(err, models.ErrAuthentication) || ctx.Err() != nil {
			return err
		}
		if int(b.Attempt()) >= r.cfg.MaxRetries {
			return err
		}
		delay := b.Duration()
		r.logger.Warn("Exchange call failed, retrying.",
			zap.String("op", op), zap.String("pair", r.cfg.Pair),
			zap.Int("attempt", int(b.Attempt())), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Reconciler) sortedKeys() []string {
	keys := make([]string, 0, len(r.committed))
	for k := range r.committed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
