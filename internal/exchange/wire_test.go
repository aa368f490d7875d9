package exchange

import (
	"errors"
	"lobster-mm-bot-go/internal/models"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wireNow = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestParseFuturesDepth(t *testing.T) {
	raw := `{"stream":"btcusdt@depth5@100ms","data":{"e":"depthUpdate","E":1714521600000,"s":"BTCUSDT",
		"b":[["60000.10","1.5"],["60000.00","2"]],"a":[["60000.20","0.5"],["60000.30","1"]]}}`
	events, err := parseMarketMessage([]byte(raw), "", wireNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	b := events[0].Data.(models.BookUpdate)
	assert.Equal(t, "BTCUSDT", b.Pair)
	assert.Equal(t, 60000.10, b.BestBid)
	assert.Equal(t, 60000.20, b.BestAsk)
	assert.Equal(t, 3.5, b.BidDepth)
	assert.Equal(t, 1.5, b.AskDepth)
	assert.True(t, b.Time.Equal(time.UnixMilli(1714521600000)))
}

func TestParseSpotDepth(t *testing.T) {
	raw := `{"stream":"solusdt@depth5@100ms","data":{"lastUpdateId":1,"bids":[["150.1","10"]],"asks":[["150.2","4"]]}}`
	events, err := parseMarketMessage([]byte(raw), "", wireNow)
	require.NoError(t, err)
	b := events[0].Data.(models.BookUpdate)
	assert.Equal(t, "SOLUSDT", b.Pair)
	assert.Equal(t, 150.1, b.BestBid)
	assert.Equal(t, 4.0, b.AskDepth)
	assert.True(t, b.Time.Equal(wireNow), "spot partial depth has no event time")
}

func TestParseMarkPrice(t *testing.T) {
	// "P" (estimated settle price) must not shadow "p"
	raw := `{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1714521600000,"s":"BTCUSDT",
		"p":"60010.5","P":"60000.0","i":"60005.0","r":"0.00010000","T":1714550400000}}`
	events, err := parseMarketMessage([]byte(raw), "", wireNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.MarkEvent, events[0].Type)
	m := events[0].Data.(models.MarkUpdate)
	assert.Equal(t, 60010.5, m.MarkPrice)
	assert.InDelta(t, 0.01, m.FundingRatePct8h, 1e-12)
}

func TestParseOracleBookTicker(t *testing.T) {
	raw := `{"stream":"solusdt@bookTicker","data":{"e":"bookTicker","E":1714521600000,"s":"SOLUSDT",
		"b":"150.00","B":"31","a":"150.10","A":"40"}}`
	events, err := parseMarketMessage([]byte(raw), "solusdt", wireNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.OracleEvent, events[0].Type)
	r := events[0].Data.(models.OracleReading)
	assert.InDelta(t, 150.05, r.Price, 1e-9)
	assert.Equal(t, 150.0, r.Bid)

	events, err = parseMarketMessage([]byte(raw), "", wireNow)
	require.NoError(t, err)
	assert.Equal(t, models.BookEvent, events[0].Type)
}

func TestParseFuturesTradeUpdate(t *testing.T) {
	raw := `{"e":"ORDER_TRADE_UPDATE","E":1714521600100,"T":1714521600090,"o":{"s":"BTCUSDT","c":"lmmbtcusd-abc",
		"S":"SELL","o":"LIMIT","x":"TRADE","X":"PARTIALLY_FILLED","i":8886774,"l":"0.002","L":"60000.5",
		"N":"USDT","n":"0.024","T":1714521600090,"t":12,"m":true,"R":false}}`
	events, err := parseUserMessage([]byte(raw), wireNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	f := events[0].Data.(models.Fill)
	assert.Equal(t, "8886774", f.OrderID)
	assert.Equal(t, "lmmbtcusd-abc", f.ClientOrderID)
	assert.Equal(t, models.Sell, f.Side)
	assert.Equal(t, 60000.5, f.Price)
	assert.Equal(t, 0.002, f.Size)
	assert.Equal(t, 0.024, f.Fee)
	assert.True(t, f.IsMaker)
	assert.True(t, f.Time.Equal(time.UnixMilli(1714521600090)))
}

func TestParseSpotExecutionReport(t *testing.T) {
	// "C" (original client id) is empty for new orders and must not clobber "c"
	raw := `{"e":"executionReport","E":1714521600100,"s":"SOLUSDT","c":"lmmsolusd-xyz","C":"","S":"BUY",
		"o":"LIMIT_MAKER","x":"TRADE","X":"FILLED","i":42,"I":99,"l":"2","L":"150","n":"0.002","N":"SOL",
		"T":1714521600090,"t":7,"m":true,"M":true}`
	events, err := parseUserMessage([]byte(raw), wireNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	f := events[0].Data.(models.Fill)
	assert.Equal(t, "lmmsolusd-xyz", f.ClientOrderID)
	assert.Equal(t, "42", f.OrderID)
	assert.Equal(t, models.Buy, f.Side)
	assert.InDelta(t, 0.3, f.Fee, 1e-12, "base-asset commission converted at the fill price")
}

func TestParseUserIgnoresNonTrades(t *testing.T) {
	for _, raw := range []string{
		`{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT","x":"NEW","X":"NEW"}}`,
		`{"e":"ACCOUNT_UPDATE","E":1,"a":{}}`,
		`{"e":"listenKeyExpired","E":1}`,
	} {
		events, err := parseUserMessage([]byte(raw), wireNow)
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))

	err := classify(&common.APIError{Code: -5022, Message: "post only"})
	assert.True(t, models.IsPermanentRejection(err))

	err = classify(&common.APIError{Code: -1003, Message: "too many requests"})
	var rej *models.OrderRejection
	require.True(t, errors.As(err, &rej))
	assert.False(t, rej.Permanent)

	assert.True(t, errors.Is(classify(&common.APIError{Code: -2011, Message: "unknown order"}), models.ErrUnknownOrder))
	assert.True(t, errors.Is(classify(&common.APIError{Code: -2015, Message: "invalid key"}), models.ErrAuthentication))

	netErr := errors.New("connection reset")
	assert.Equal(t, netErr, classify(netErr))
}

func TestSplitPairAndFormatting(t *testing.T) {
	base, quote := splitPair("ETHUSDT")
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "USDT", quote)

	e := &BinanceExchange{priceDecimals: 2, sizeDecimals: 3}
	assert.Equal(t, "100.13", e.formatPrice(100.125))
	assert.Equal(t, "0.123", e.formatSize(0.12399))
	assert.Equal(t, "5.000", e.formatSize(5))
}
