package reporter

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const timeLayout = "2006-01-02 15:04"

// Summary 存储从分钟指标计算出的运行表现
type Summary struct {
	Pair         string
	StartTime    time.Time
	EndTime      time.Time
	Minutes      int
	InitialValue float64
	FinalValue   float64
	TotalProfit  float64
	ProfitPct    float64
	MaxDrawdown  float64 // 百分比

	Fills          int
	BuyFills       int
	SellFills      int
	VolumeQuote    float64
	RealizedPnL    float64
	Fees           float64
	NetRealizedPnL float64
	AvgSpreadBps   float64 // 有成交的分钟内捕获价差的平均值
	PriceChangeBps float64 // 首尾中间价变化
}

// Summarize 汇总分钟快照。快照需按时间升序。
// 成交与盈亏按分钟窗口求和，而不是取累计字段，因为累计值在重启时会归零。
func Summarize(pair string, snapshots []models.MetricsSnapshot) Summary {
	s := Summary{Pair: pair, Minutes: len(snapshots)}
	if len(snapshots) == 0 {
		return s
	}
	first, last := snapshots[0], snapshots[len(snapshots)-1]
	s.StartTime = first.Timestamp
	s.EndTime = last.Timestamp
	s.InitialValue = first.TotalValueUSD
	s.FinalValue = last.TotalValueUSD
	s.TotalProfit = s.FinalValue - s.InitialValue
	if s.InitialValue != 0 {
		s.ProfitPct = s.TotalProfit / s.InitialValue * 100
	}
	if first.MidPrice > 0 {
		s.PriceChangeBps = (last.MidPrice - first.MidPrice) / first.MidPrice * 10000
	}

	values := make([]float64, 0, len(snapshots))
	var spreadSum float64
	var spreadMinutes int
	for _, m := range snapshots {
		if m.TotalValueUSD > 0 {
			values = append(values, m.TotalValueUSD)
		}
		s.Fills += m.FillsCount
		s.BuyFills += m.BuyFills
		s.SellFills += m.SellFills
		s.VolumeQuote += m.VolumeQuote
		s.RealizedPnL += m.RealizedPnL
		s.Fees += m.FeesPaid
		if m.FillsCount > 0 && m.AvgSpreadCapturedBps != 0 {
			spreadSum += m.AvgSpreadCapturedBps
			spreadMinutes++
		}
	}
	s.NetRealizedPnL = s.RealizedPnL - s.Fees
	if spreadMinutes > 0 {
		s.AvgSpreadBps = spreadSum / float64(spreadMinutes)
	}
	s.MaxDrawdown = MaxDrawdown(values) * 100
	return s
}

// MaxDrawdown 返回权益曲线的最大回撤（比例，0.1 表示 10%）
func MaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignCenter
	t.SetTitle(title)
	return t
}

// SummaryTable 渲染运行报告
func SummaryTable(s Summary) string {
	t := newTable(fmt.Sprintf("运行报告 %s", s.Pair))
	if s.Minutes == 0 {
		t.AppendRow(table.Row{"无指标数据", ""})
		return t.Render()
	}
	t.AppendRows([]table.Row{
		{"统计周期", fmt.Sprintf("%s 到 %s (%d 分钟)", s.StartTime.Format(timeLayout), s.EndTime.Format(timeLayout), s.Minutes)},
		{"初始价值", fmt.Sprintf("%.2f USD", s.InitialValue)},
		{"最终价值", fmt.Sprintf("%.2f USD", s.FinalValue)},
		{"总盈亏", fmt.Sprintf("%.2f USD (%.2f%%)", s.TotalProfit, s.ProfitPct)},
		{"最大回撤", fmt.Sprintf("%.2f%%", s.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"成交次数", fmt.Sprintf("%d (买 %d / 卖 %d)", s.Fills, s.BuyFills, s.SellFills)},
		{"成交额", fmt.Sprintf("%.2f USD", s.VolumeQuote)},
		{"已实现盈亏", fmt.Sprintf("%.4f USD", s.RealizedPnL)},
		{"手续费", fmt.Sprintf("%.4f USD", s.Fees)},
		{"净已实现盈亏", fmt.Sprintf("%.4f USD", s.NetRealizedPnL)},
		{"平均捕获价差", fmt.Sprintf("%.2f bps", s.AvgSpreadBps)},
		{"价格变化", fmt.Sprintf("%.1f bps", s.PriceChangeBps)},
	})
	return t.Render()
}

// HistoryTable 渲染参数变更历史，最新的在前
func HistoryTable(pair string, changes []models.ParameterChange) string {
	t := newTable(fmt.Sprintf("参数变更历史 %s", pair))
	t.AppendHeader(table.Row{"时间", "旧版本", "新版本", "类型", "原因", "摘要"})
	for _, c := range changes {
		old := "-"
		if c.OldSetID != nil {
			old = fmt.Sprintf("#%d", *c.OldSetID)
		}
		t.AppendRow(table.Row{
			c.Timestamp.Format("2006-01-02 15:04:05"), old, fmt.Sprintf("#%d", c.NewSetID),
			c.ChangeType, string(c.Reason), c.Summary,
		})
	}
	if len(changes) == 0 {
		t.AppendRow(table.Row{"-", "-", "-", "-", "-", "无记录"})
	}
	return t.Render()
}

// EventsTable 渲染系统事件时间线
func EventsTable(pair string, events []models.SystemEvent) string {
	t := newTable(fmt.Sprintf("系统事件 %s", pair))
	t.AppendHeader(table.Row{"时间", "类型", "标题", "描述"})
	for _, ev := range events {
		t.AppendRow(table.Row{ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Title, ev.Description})
	}
	return t.Render()
}

// Status 是状态表需要的运行时快照
type Status struct {
	Pair           string
	Strategy       models.StrategyKind
	GuardState     string
	GuardReason    string
	ParameterSetID int64
	Book           models.BookUpdate
	Inventory      models.Inventory
	Equity         float64
	MarginRatio    float64
	Orders         map[string]models.CommittedOrder
	Grid           *models.GridState
	Uptime         time.Duration
}

// StatusTable 渲染周期性状态表
func StatusTable(st Status) string {
	t := newTable(fmt.Sprintf("%s [%s] 状态: %s", st.Pair, st.Strategy, st.GuardState))
	inv := st.Inventory

	t.AppendRows([]table.Row{
		{"参数集", fmt.Sprintf("#%d", st.ParameterSetID)},
		{"运行时长", st.Uptime.Truncate(time.Second).String()},
		{"盘口", fmt.Sprintf("%.4f / %.4f (%.1f bps)", st.Book.BestBid, st.Book.BestAsk, st.Book.SpreadBps())},
		{"标记价格", fmt.Sprintf("%.4f", inv.MarkPrice)},
	})
	if st.GuardReason != "" {
		t.AppendRow(table.Row{"风控原因", st.GuardReason})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"持仓", fmt.Sprintf("%.6f (%.2f USD)", inv.Position, inv.PositionUSD())},
		{"开仓均价", fmt.Sprintf("%.4f", inv.AvgEntryPrice)},
		{"未实现盈亏", fmt.Sprintf("%.4f", inv.UnrealizedPnL())},
		{"已实现盈亏", fmt.Sprintf("%.4f (手续费 %.4f)", inv.RealizedPnL, inv.FeesPaid)},
		{"账户价值", fmt.Sprintf("%.2f", st.Equity)},
	})
	if st.Strategy != models.StrategySpot {
		ratio := "∞"
		if !math.IsInf(st.MarginRatio, 1) {
			ratio = fmt.Sprintf("%.1f%%", st.MarginRatio)
		}
		t.AppendRow(table.Row{"保证金率", ratio})
	} else {
		t.AppendRow(table.Row{"余额", fmt.Sprintf("base %.6f / quote %.2f", inv.BaseTotal, inv.QuoteTotal)})
	}
	if st.Grid != nil {
		t.AppendRow(table.Row{"网格", fmt.Sprintf("中心 %.4f, 完成 %d 轮, 利润 %.4f",
			st.Grid.Center, st.Grid.CompletedRoundTrips, st.Grid.TotalGridProfit)})
	}

	if len(st.Orders) > 0 {
		t.AppendSeparator()
		keys := make([]string, 0, len(st.Orders))
		for k := range st.Orders {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			o := st.Orders[k]
			lines = append(lines, fmt.Sprintf("%-4s %-4s %.4f x %.6f", k, o.Side, o.Price, o.Size-o.FilledSize))
		}
		t.AppendRow(table.Row{"挂单", strings.Join(lines, "\n")})
	}
	return t.Render()
}
