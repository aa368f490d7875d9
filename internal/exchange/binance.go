package exchange

import (
	"context"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安错误码分类
var (
	transientCodes = map[int64]bool{
		-1000: true, // unknown error
		-1001: true, // disconnected
		-1003: true, // too many requests
		-1006: true, // unexpected response
		-1007: true, // timeout
		-1008: true, // server busy
		-1015: true, // too many new orders
		-1021: true, // timestamp outside recvWindow
	}
	unknownOrderCodes = map[int64]bool{
		-2011: true, // cancel rejected: unknown order
		-2013: true, // order does not exist
	}
	authCodes = map[int64]bool{
		-1002: true, // unauthorized
		-1022: true, // invalid signature
		-2014: true, // bad api key format
		-2015: true, // invalid api key, ip, or permissions
	}
)

// BinanceExchange 实现了 Exchange 接口，通过 go-binance 与币安现货或U本位合约交互。
// 预言机总是读取合约行情，因此合约客户端始终存在。
type BinanceExchange struct {
	venue   Venue
	testnet bool
	spot    *binance.Client
	fut     *futures.Client
	logger  *zap.Logger

	priceDecimals int32
	sizeDecimals  int32
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。apiKey 为空时只能读取公共行情。
func NewBinanceExchange(cfg models.ExchangeConfig, apiKey, secretKey string, logger *zap.Logger) *BinanceExchange {
	if cfg.Testnet {
		binance.UseTestnet = true
		futures.UseTestnet = true
	}
	venue := Venue(cfg.Venue)
	if venue != VenueSpot {
		venue = VenueFutures
	}
	return &BinanceExchange{
		venue:         venue,
		testnet:       cfg.Testnet,
		spot:          binance.NewClient(apiKey, secretKey),
		fut:           futures.NewClient(apiKey, secretKey),
		logger:        logger.With(zap.String("component", "binance"), zap.String("venue", string(venue))),
		priceDecimals: int32(cfg.PriceDecimals),
		sizeDecimals:  int32(cfg.SizeDecimals),
	}
}

func (e *BinanceExchange) isSpot() bool {
	return e.venue == VenueSpot
}

// classify 将 go-binance 的错误转换为领域错误
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// 网络层错误原样返回，由调用方按瞬时错误重试
		return err
	}
	switch {
	case unknownOrderCodes[apiErr.Code]:
		return fmt.Errorf("%s: %w", apiErr.Message, models.ErrUnknownOrder)
	case authCodes[apiErr.Code]:
		return fmt.Errorf("code=%d %s: %w", apiErr.Code, apiErr.Message, models.ErrAuthentication)
	case transientCodes[apiErr.Code]:
		return &models.OrderRejection{Code: apiErr.Code, Msg: apiErr.Message}
	default:
		// 精度、post-only 穿价、余额不足等：重试无意义
		return &models.OrderRejection{Code: apiErr.Code, Msg: apiErr.Message, Permanent: true}
	}
}

func (e *BinanceExchange) formatPrice(v float64) string {
	return decimal.NewFromFloat(v).Round(e.priceDecimals).StringFixed(e.priceDecimals)
}

func (e *BinanceExchange) formatSize(v float64) string {
	return decimal.NewFromFloat(v).Truncate(e.sizeDecimals).StringFixed(e.sizeDecimals)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func toSide(s string) models.Side {
	if strings.EqualFold(s, "BUY") {
		return models.Buy
	}
	return models.Sell
}

func toStatus(s string) models.OrderStatus {
	switch s {
	case "NEW":
		return models.OrderStatusNew
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "FILLED":
		return models.OrderStatusFilled
	case "REJECTED":
		return models.OrderStatusRejected
	default:
		// CANCELED / EXPIRED / EXPIRED_IN_MATCH
		return models.OrderStatusCanceled
	}
}

// --- Exchange 接口实现 ---

// PlaceOrder 下单。post-only 在合约上映射为 GTX，在现货上映射为 LIMIT_MAKER。
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if e.isSpot() {
		return e.placeSpot(ctx, req)
	}
	svc := e.fut.NewCreateOrderService().
		Symbol(req.Pair).
		Side(futures.SideType(strings.ToUpper(string(req.Side)))).
		Quantity(e.formatSize(req.Size)).
		ReduceOnly(req.ReduceOnly)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == models.OrderTypeMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		tif := futures.TimeInForceTypeGTC
		if req.PostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(tif).Price(e.formatPrice(req.Price))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Warn("下单请求失败，交易所返回错误", zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		return nil, classify(err)
	}
	return &models.Order{
		Pair:          res.Symbol,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Side:          toSide(string(res.Side)),
		Type:          req.Type,
		Price:         parseFloat(res.Price),
		Size:          parseFloat(res.OrigQuantity),
		FilledSize:    parseFloat(res.ExecutedQuantity),
		Status:        toStatus(string(res.Status)),
		PostOnly:      req.PostOnly,
		ReduceOnly:    res.ReduceOnly,
		CreatedAt:     time.UnixMilli(res.UpdateTime),
	}, nil
}

func (e *BinanceExchange) placeSpot(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	svc := e.spot.NewCreateOrderService().
		Symbol(req.Pair).
		Side(binance.SideType(strings.ToUpper(string(req.Side)))).
		Quantity(e.formatSize(req.Size))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch {
	case req.Type == models.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case req.PostOnly:
		svc = svc.Type(binance.OrderTypeLimitMaker).Price(e.formatPrice(req.Price))
	default:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC).Price(e.formatPrice(req.Price))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Warn("下单请求失败，交易所返回错误", zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		return nil, classify(err)
	}
	return &models.Order{
		Pair:          res.Symbol,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Side:          toSide(string(res.Side)),
		Type:          req.Type,
		Price:         parseFloat(res.Price),
		Size:          parseFloat(res.OrigQuantity),
		FilledSize:    parseFloat(res.ExecutedQuantity),
		Status:        toStatus(string(res.Status)),
		PostOnly:      req.PostOnly,
		CreatedAt:     time.UnixMilli(res.TransactTime),
	}, nil
}

// CancelOrder 取消订单。
func (e *BinanceExchange) CancelOrder(ctx context.Context, pair string, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, models.ErrUnknownOrder)
	}
	if e.isSpot() {
		_, err = e.spot.NewCancelOrderService().Symbol(pair).OrderID(id).Do(ctx)
	} else {
		_, err = e.fut.NewCancelOrderService().Symbol(pair).OrderID(id).Do(ctx)
	}
	return classify(err)
}

// CancelAllOrders 取消所有挂单。没有挂单时视为成功。
func (e *BinanceExchange) CancelAllOrders(ctx context.Context, pair string) error {
	var err error
	if e.isSpot() {
		_, err = e.spot.NewCancelOpenOrdersService().Symbol(pair).Do(ctx)
	} else {
		err = e.fut.NewCancelAllOpenOrdersService().Symbol(pair).Do(ctx)
	}
	err = classify(err)
	if errors.Is(err, models.ErrUnknownOrder) {
		return nil
	}
	return err
}

// OpenOrders 获取所有挂单
func (e *BinanceExchange) OpenOrders(ctx context.Context, pair string) ([]models.Order, error) {
	if e.isSpot() {
		list, err := e.spot.NewListOpenOrdersService().Symbol(pair).Do(ctx)
		if err != nil {
			return nil, classify(err)
		}
		out := make([]models.Order, 0, len(list))
		for _, o := range list {
			out = append(out, models.Order{
				Pair:          o.Symbol,
				OrderID:       strconv.FormatInt(o.OrderID, 10),
				ClientOrderID: o.ClientOrderID,
				Side:          toSide(string(o.Side)),
				Type:          models.OrderTypeLimit,
				Price:         parseFloat(o.Price),
				Size:          parseFloat(o.OrigQuantity),
				FilledSize:    parseFloat(o.ExecutedQuantity),
				Status:        toStatus(string(o.Status)),
				PostOnly:      o.Type == binance.OrderTypeLimitMaker,
				CreatedAt:     time.UnixMilli(o.Time),
			})
		}
		return out, nil
	}

	list, err := e.fut.NewListOpenOrdersService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.Order, 0, len(list))
	for _, o := range list {
		out = append(out, models.Order{
			Pair:          o.Symbol,
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          toSide(string(o.Side)),
			Type:          models.OrderTypeLimit,
			Price:         parseFloat(o.Price),
			Size:          parseFloat(o.OrigQuantity),
			FilledSize:    parseFloat(o.ExecutedQuantity),
			Status:        toStatus(string(o.Status)),
			PostOnly:      o.TimeInForce == futures.TimeInForceTypeGTX,
			ReduceOnly:    o.ReduceOnly,
			CreatedAt:     time.UnixMilli(o.Time),
		})
	}
	return out, nil
}

// Account 获取账户余额与持仓。现货按交易对拆分基础/计价资产。
func (e *BinanceExchange) Account(ctx context.Context, pair string) (*models.AccountSnapshot, error) {
	if e.isSpot() {
		acc, err := e.spot.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, classify(err)
		}
		baseAsset, quoteAsset := splitPair(pair)
		snap := &models.AccountSnapshot{}
		for _, b := range acc.Balances {
			free, locked := parseFloat(b.Free), parseFloat(b.Locked)
			switch b.Asset {
			case baseAsset:
				snap.BaseAvailable, snap.BaseTotal = free, free+locked
			case quoteAsset:
				snap.QuoteAvailable, snap.QuoteTotal = free, free+locked
			}
		}
		snap.Position = snap.BaseTotal
		return snap, nil
	}

	acc, err := e.fut.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	snap := &models.AccountSnapshot{
		QuoteTotal:     parseFloat(acc.TotalWalletBalance),
		QuoteAvailable: parseFloat(acc.AvailableBalance),
		UnrealizedPnL:  parseFloat(acc.TotalUnrealizedProfit),
		AccountValue:   parseFloat(acc.TotalMarginBalance),
	}
	risks, err := e.fut.NewGetPositionRiskService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	for _, p := range risks {
		if p.Symbol != pair {
			continue
		}
		snap.Position += parseFloat(p.PositionAmt)
		if entry := parseFloat(p.EntryPrice); entry > 0 {
			snap.EntryPrice = entry
		}
	}
	return snap, nil
}

// splitPair 按常见计价资产拆分交易对，例如 BTCUSDT -> BTC, USDT
func splitPair(pair string) (string, string) {
	for _, quote := range []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return strings.TrimSuffix(pair, quote), quote
		}
	}
	return pair, ""
}

// Book 读取前五档盘口
func (e *BinanceExchange) Book(ctx context.Context, pair string) (*models.BookUpdate, error) {
	var bids, asks [][2]string
	if e.isSpot() {
		d, err := e.spot.NewDepthService().Symbol(pair).Limit(5).Do(ctx)
		if err != nil {
			return nil, &models.MarketDataError{Source: "spot depth", Reason: err.Error()}
		}
		for _, b := range d.Bids {
			bids = append(bids, [2]string{b.Price, b.Quantity})
		}
		for _, a := range d.Asks {
			asks = append(asks, [2]string{a.Price, a.Quantity})
		}
	} else {
		d, err := e.fut.NewDepthService().Symbol(pair).Limit(5).Do(ctx)
		if err != nil {
			return nil, &models.MarketDataError{Source: "futures depth", Reason: err.Error()}
		}
		for _, b := range d.Bids {
			bids = append(bids, [2]string{b.Price, b.Quantity})
		}
		for _, a := range d.Asks {
			asks = append(asks, [2]string{a.Price, a.Quantity})
		}
	}
	b := bookFromLevels(pair, bids, asks, time.Now())
	return &b, nil
}

func bookFromLevels(pair string, bids, asks [][2]string, at time.Time) models.BookUpdate {
	b := models.BookUpdate{Pair: pair, Time: at}
	for i, lv := range bids {
		if i == 0 {
			b.BestBid = parseFloat(lv[0])
		}
		b.BidDepth += parseFloat(lv[1])
	}
	for i, lv := range asks {
		if i == 0 {
			b.BestAsk = parseFloat(lv[0])
		}
		b.AskDepth += parseFloat(lv[1])
	}
	return b
}

// Mark 读取合约标记价格与最近资金费率（转换为每8小时百分比）
func (e *BinanceExchange) Mark(ctx context.Context, pair string) (*models.MarkUpdate, error) {
	list, err := e.fut.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, &models.MarketDataError{Source: "premium index", Reason: err.Error()}
	}
	for _, p := range list {
		if p.Symbol == pair {
			return &models.MarkUpdate{
				Pair:             pair,
				MarkPrice:        parseFloat(p.MarkPrice),
				FundingRatePct8h: parseFloat(p.LastFundingRate) * 100,
				Time:             time.UnixMilli(p.Time),
			}, nil
		}
	}
	return nil, &models.MarketDataError{Source: "premium index", Reason: "symbol not found: " + pair}
}

// Oracle 读取作为预言机的合约盘口中间价
func (e *BinanceExchange) Oracle(ctx context.Context, symbol string) (*models.OracleReading, error) {
	d, err := e.fut.NewDepthService().Symbol(symbol).Limit(5).Do(ctx)
	if err != nil {
		return nil, &models.MarketDataError{Source: "oracle depth", Reason: err.Error()}
	}
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return nil, &models.MarketDataError{Source: "oracle depth", Reason: "empty book"}
	}
	bid, ask := parseFloat(d.Bids[0].Price), parseFloat(d.Asks[0].Price)
	return &models.OracleReading{Price: (bid + ask) / 2, Bid: bid, Ask: ask, Time: time.Now()}, nil
}

// RecentCandles 下载最近的1分钟K线，用于启动时填充波动率窗口
func (e *BinanceExchange) RecentCandles(ctx context.Context, pair string, limit int) ([]Candle, error) {
	var out []Candle
	if e.isSpot() {
		klines, err := e.spot.NewKlinesService().Symbol(pair).Interval("1m").Limit(limit).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载K线数据失败: %w", err)
		}
		for _, k := range klines {
			out = append(out, Candle{Time: time.UnixMilli(k.OpenTime), High: parseFloat(k.High), Low: parseFloat(k.Low), Close: parseFloat(k.Close)})
		}
		return out, nil
	}
	klines, err := e.fut.NewKlinesService().Symbol(pair).Interval("1m").Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败: %w", err)
	}
	for _, k := range klines {
		out = append(out, Candle{Time: time.UnixMilli(k.OpenTime), High: parseFloat(k.High), Low: parseFloat(k.Low), Close: parseFloat(k.Close)})
	}
	return out, nil
}

// startUserStream 创建 listenKey
func (e *BinanceExchange) startUserStream(ctx context.Context) (string, error) {
	if e.isSpot() {
		return e.spot.NewStartUserStreamService().Do(ctx)
	}
	return e.fut.NewStartUserStreamService().Do(ctx)
}

// keepAliveUserStream 延长 listenKey 的有效期。
func (e *BinanceExchange) keepAliveUserStream(ctx context.Context, listenKey string) error {
	if e.isSpot() {
		return e.spot.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
	}
	return e.fut.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
}
