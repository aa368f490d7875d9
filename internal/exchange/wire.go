package exchange

import (
	"encoding/json"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"strconv"
	"strings"
	"time"
)

// wireObject 按原始键名解码。币安推送中存在仅大小写不同的键（p/P、c/C、t/T），
// 结构体解码会发生大小写不敏感匹配，因此这里保留精确键。
type wireObject map[string]json.RawMessage

func (o wireObject) str(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func (o wireObject) float(key string) float64 {
	return parseFloat(o.str(key))
}

func (o wireObject) int(key string) int64 {
	v, _ := strconv.ParseInt(o.str(key), 10, 64)
	return v
}

func (o wireObject) bool(key string) bool {
	return o.str(key) == "true"
}

func (o wireObject) object(key string) (wireObject, error) {
	var inner wireObject
	if err := json.Unmarshal(o[key], &inner); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return inner, nil
}

func (o wireObject) levels(keys ...string) [][2]string {
	for _, key := range keys {
		raw, ok := o[key]
		if !ok {
			continue
		}
		var lv [][]string
		if err := json.Unmarshal(raw, &lv); err != nil {
			return nil
		}
		out := make([][2]string, 0, len(lv))
		for _, l := range lv {
			if len(l) >= 2 {
				out = append(out, [2]string{l[0], l[1]})
			}
		}
		return out
	}
	return nil
}

func eventTime(o wireObject, now time.Time) time.Time {
	if ms := o.int("E"); ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return now.UTC()
}

// parseMarketMessage 解析组合流消息 {"stream": "...", "data": {...}}。
// oracle 为预言机合约的小写名称，其 bookTicker 被转换为 OracleReading。
func parseMarketMessage(raw []byte, oracle string, now time.Time) ([]models.Event, error) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var data wireObject
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Stream, err)
	}
	symbol, channel, _ := strings.Cut(env.Stream, "@")
	pair := strings.ToUpper(symbol)
	at := eventTime(data, now)

	switch {
	case strings.HasPrefix(channel, "depth"):
		b := bookFromLevels(pair, data.levels("bids", "b"), data.levels("asks", "a"), at)
		return []models.Event{{Type: models.BookEvent, Timestamp: at, Data: b}}, nil

	case strings.HasPrefix(channel, "markPrice"):
		m := models.MarkUpdate{
			Pair:             pair,
			MarkPrice:        data.float("p"),
			FundingRatePct8h: data.float("r") * 100,
			Time:             at,
		}
		return []models.Event{{Type: models.MarkEvent, Timestamp: at, Data: m}}, nil

	case channel == "bookTicker":
		bid, ask := data.float("b"), data.float("a")
		if symbol == oracle {
			r := models.OracleReading{Price: (bid + ask) / 2, Bid: bid, Ask: ask, Time: at}
			return []models.Event{{Type: models.OracleEvent, Timestamp: at, Data: r}}, nil
		}
		b := models.BookUpdate{Pair: pair, BestBid: bid, BestAsk: ask, BidDepth: data.float("B"), AskDepth: data.float("A"), Time: at}
		return []models.Event{{Type: models.BookEvent, Timestamp: at, Data: b}}, nil
	}
	return nil, nil
}

// parseUserMessage 解析用户数据流，只关心成交回报。
// 合约为 ORDER_TRADE_UPDATE（订单在 "o" 内），现货为扁平的 executionReport。
func parseUserMessage(raw []byte, now time.Time) ([]models.Event, error) {
	var msg wireObject
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode user event: %w", err)
	}

	order := msg
	switch msg.str("e") {
	case "ORDER_TRADE_UPDATE":
		inner, err := msg.object("o")
		if err != nil {
			return nil, err
		}
		order = inner
	case "executionReport":
	default:
		return nil, nil
	}
	if order.str("x") != "TRADE" {
		return nil, nil
	}

	pair := order.str("s")
	price := order.float("L")
	size := order.float("l")
	fill := models.Fill{
		Pair:          pair,
		Time:          time.UnixMilli(order.int("T")).UTC(),
		OrderID:       order.str("i"),
		ClientOrderID: order.str("c"),
		Side:          toSide(order.str("S")),
		Price:         price,
		Size:          size,
		Fee:           feeInQuote(pair, order.str("N"), order.float("n"), price),
		IsMaker:       order.bool("m"),
	}
	if order.int("T") == 0 {
		fill.Time = eventTime(msg, now)
	}
	return []models.Event{{Type: models.FillEvent, Timestamp: fill.Time, Data: fill}}, nil
}

// feeInQuote 将手续费折算为计价资产。以其他资产（如 BNB）支付的手续费无法折算，记为 0。
func feeInQuote(pair, asset string, amount, price float64) float64 {
	base, quote := splitPair(pair)
	switch asset {
	case "", quote:
		return amount
	case base:
		return amount * price
	default:
		return 0
	}
}
