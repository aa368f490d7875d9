package storage

import (
	"context"
	"database/sql"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"time"
)

// InsertFill records a fill. Returns false when (pair, timestamp, order_id) was already stored.
func (s *Store) InsertFill(ctx context.Context, fill models.Fill, parameterSetID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO fills (
		pair, timestamp, side, price, base_amount, quote_amount, fee, realized_pnl,
		order_id, client_order_id, is_maker, parameter_set_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.Pair, formatTime(fill.Time), string(fill.Side), fill.Price, fill.Size, fill.QuoteAmount(),
		fill.Fee, fill.RealizedPnL, fill.OrderID, fill.ClientOrderID, boolToInt(fill.IsMaker), parameterSetID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert fill %s for %s: %w", fill.OrderID, fill.Pair, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFills returns fills of the pair in [from, to), oldest first.
func (s *Store) ListFills(ctx context.Context, pair string, from, to time.Time) ([]models.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT pair, timestamp, side, price, base_amount, fee, realized_pnl, order_id, client_order_id, is_maker
	FROM fills WHERE pair = ? AND timestamp >= ? AND timestamp < ?
	ORDER BY timestamp ASC, id ASC`,
		pair, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		var (
			f        models.Fill
			ts, side string
			clientID sql.NullString
			isMaker  int
		)
		if err := rows.Scan(&f.Pair, &ts, &side, &f.Price, &f.Size, &f.Fee, &f.RealizedPnL, &f.OrderID, &clientID, &isMaker); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		if f.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		f.Side = models.Side(side)
		f.ClientOrderID = clientID.String
		f.IsMaker = isMaker != 0
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// CountFills returns the number of stored fills for the pair.
func (s *Store) CountFills(ctx context.Context, pair string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fills WHERE pair = ?", pair).Scan(&n)
	return n, err
}

var snapshotColumns = `
	timestamp, pair, parameter_set_id,
	base_balance, quote_balance, base_total, quote_total, position,
	mid_price, bid_price, ask_price, spread_bps, total_value_usd,
	fills_count, buy_fills, sell_fills, volume_base, volume_quote,
	realized_pnl, fees_paid, net_realized_pnl, price_change_bps,
	cumulative_fills, cumulative_volume, cumulative_realized_pnl, cumulative_fees, cumulative_net_pnl,
	bot_running, guard_state, bid_live, ask_live,
	our_bid_price, our_ask_price, our_bid_size, our_ask_size, avg_spread_captured_bps`

// UpsertSnapshot writes the minute row, replacing any row already stored for (timestamp, pair).
func (s *Store) UpsertSnapshot(ctx context.Context, m models.MetricsSnapshot) error {
	query := `
	INSERT INTO metrics_1min (` + snapshotColumns + `
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(timestamp, pair) DO UPDATE SET
		parameter_set_id = excluded.parameter_set_id,
		base_balance = excluded.base_balance,
		quote_balance = excluded.quote_balance,
		base_total = excluded.base_total,
		quote_total = excluded.quote_total,
		position = excluded.position,
		mid_price = excluded.mid_price,
		bid_price = excluded.bid_price,
		ask_price = excluded.ask_price,
		spread_bps = excluded.spread_bps,
		total_value_usd = excluded.total_value_usd,
		fills_count = excluded.fills_count,
		buy_fills = excluded.buy_fills,
		sell_fills = excluded.sell_fills,
		volume_base = excluded.volume_base,
		volume_quote = excluded.volume_quote,
		realized_pnl = excluded.realized_pnl,
		fees_paid = excluded.fees_paid,
		net_realized_pnl = excluded.net_realized_pnl,
		price_change_bps = excluded.price_change_bps,
		cumulative_fills = excluded.cumulative_fills,
		cumulative_volume = excluded.cumulative_volume,
		cumulative_realized_pnl = excluded.cumulative_realized_pnl,
		cumulative_fees = excluded.cumulative_fees,
		cumulative_net_pnl = excluded.cumulative_net_pnl,
		bot_running = excluded.bot_running,
		guard_state = excluded.guard_state,
		bid_live = excluded.bid_live,
		ask_live = excluded.ask_live,
		our_bid_price = excluded.our_bid_price,
		our_ask_price = excluded.our_ask_price,
		our_bid_size = excluded.our_bid_size,
		our_ask_size = excluded.our_ask_size,
		avg_spread_captured_bps = excluded.avg_spread_captured_bps;`

	_, err := s.db.ExecContext(ctx, query,
		formatTime(m.Timestamp), m.Pair, m.ParameterSetID,
		m.BaseBalance, m.QuoteBalance, m.BaseTotal, m.QuoteTotal, m.Position,
		m.MidPrice, m.BidPrice, m.AskPrice, m.SpreadBps, m.TotalValueUSD,
		m.FillsCount, m.BuyFills, m.SellFills, m.VolumeBase, m.VolumeQuote,
		m.RealizedPnL, m.FeesPaid, m.NetRealizedPnL, m.PriceChangeBps,
		m.CumulativeFills, m.CumulativeVolume, m.CumulativeRealizedPnL, m.CumulativeFees, m.CumulativeNetPnL,
		boolToInt(m.BotRunning), m.GuardState, boolToInt(m.BidLive), boolToInt(m.AskLive),
		m.OurBidPrice, m.OurAskPrice, m.OurBidSize, m.OurAskSize, m.AvgSpreadCapturedBps,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s@%s: %w", m.Pair, formatTime(m.Timestamp), err)
	}
	return nil
}

// LatestSnapshot returns the newest minute row for the pair, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, pair string) (*models.MetricsSnapshot, error) {
	rows, err := s.querySnapshots(ctx,
		"SELECT "+snapshotColumns+" FROM metrics_1min WHERE pair = ? ORDER BY timestamp DESC LIMIT 1", pair)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// ListSnapshots returns the pair's minute rows at or after since, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListSnapshots(ctx context.Context, pair string, since time.Time, limit int) ([]models.MetricsSnapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM metrics_1min WHERE pair = ? AND timestamp >= ? ORDER BY timestamp ASC"
	args := []interface{}{pair, formatTime(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySnapshots(ctx, query, args...)
}

// ListPairs returns every pair that has written metrics.
func (s *Store) ListPairs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT pair FROM metrics_1min ORDER BY pair")
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (s *Store) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]models.MetricsSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.MetricsSnapshot
	for rows.Next() {
		var (
			m                              models.MetricsSnapshot
			ts                             string
			paramSetID                     sql.NullInt64
			guardState                     sql.NullString
			running, bidLive, askLive      int
			priceChange, avgSpreadCaptured sql.NullFloat64
		)
		err := rows.Scan(
			&ts, &m.Pair, &paramSetID,
			&m.BaseBalance, &m.QuoteBalance, &m.BaseTotal, &m.QuoteTotal, &m.Position,
			&m.MidPrice, &m.BidPrice, &m.AskPrice, &m.SpreadBps, &m.TotalValueUSD,
			&m.FillsCount, &m.BuyFills, &m.SellFills, &m.VolumeBase, &m.VolumeQuote,
			&m.RealizedPnL, &m.FeesPaid, &m.NetRealizedPnL, &priceChange,
			&m.CumulativeFills, &m.CumulativeVolume, &m.CumulativeRealizedPnL, &m.CumulativeFees, &m.CumulativeNetPnL,
			&running, &guardState, &bidLive, &askLive,
			&m.OurBidPrice, &m.OurAskPrice, &m.OurBidSize, &m.OurAskSize, &avgSpreadCaptured,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		m.ParameterSetID = paramSetID.Int64
		m.GuardState = guardState.String
		m.BotRunning = running != 0
		m.BidLive = bidLive != 0
		m.AskLive = askLive != 0
		m.PriceChangeBps = priceChange.Float64
		m.AvgSpreadCapturedBps = avgSpreadCaptured.Float64
		out = append(out, m)
	}
	return out, rows.Err()
}
