package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"time"
)

const parameterSetColumns = `id, pair, config_hash, strategy, params_json, description, created_at`

// FindParameterSet returns the set registered for (pair, hash), or nil if none exists.
func (s *Store) FindParameterSet(ctx context.Context, pair, hash string) (*models.ParameterSet, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+parameterSetColumns+" FROM parameter_sets WHERE pair = ? AND config_hash = ?",
		pair, hash,
	)
	return scanParameterSet(row)
}

// GetParameterSet returns the set with the given id, or nil if none exists.
func (s *Store) GetParameterSet(ctx context.Context, id int64) (*models.ParameterSet, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+parameterSetColumns+" FROM parameter_sets WHERE id = ?", id)
	return scanParameterSet(row)
}

// InsertParameterSet registers a parameter set and returns its id.
// Re-inserting an existing (pair, config_hash) returns the existing id.
func (s *Store) InsertParameterSet(ctx context.Context, set *models.ParameterSet) (int64, error) {
	paramsJSON, err := json.Marshal(set.Params)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal params: %w", err)
	}
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now()
	}

	p := set.Params
	query := `
	INSERT OR IGNORE INTO parameter_sets (
		pair, config_hash, strategy, params_json,
		base_order_size, base_spread_bps, min_spread_bps, max_spread_bps,
		update_interval_seconds, update_threshold_bps,
		target_position, max_position_size, target_position_usd, max_position_usd,
		inventory_skew_bps_per_unit, inventory_skew_threshold, max_skew_bps,
		min_ask_buffer_bps, max_spot_perp_deviation_pct, smart_order_mgmt_enabled,
		description, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		set.Pair, set.ConfigHash, string(set.Strategy), string(paramsJSON),
		p.Trading.BaseOrderSize, p.Trading.BaseSpreadBps, p.Trading.MinSpreadBps, p.Trading.MaxSpreadBps,
		p.Timing.UpdateIntervalSeconds, p.Timing.UpdateThresholdBps,
		p.Position.TargetPosition, p.Position.MaxPositionSize, p.Position.TargetPositionUSD, p.Position.MaxPositionUSD,
		p.Inventory.SkewBpsPerUnit, p.Inventory.SkewThreshold, p.Inventory.MaxSkewBps,
		p.Safety.MinAskBufferBps, p.Oracle.MaxSpotPerpDeviationPct, boolToInt(p.Safety.SmartOrderMgmtEnabled),
		set.Description, formatTime(set.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert parameter set for %s: %w", set.Pair, err)
	}

	// A concurrent registration of the same hash may have won the insert.
	existing, err := s.FindParameterSet(ctx, set.Pair, set.ConfigHash)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, fmt.Errorf("parameter set %s/%s missing after insert", set.Pair, set.ConfigHash)
	}
	set.ID = existing.ID
	return existing.ID, nil
}

// CountParameterSets returns how many distinct sets are registered for the pair.
func (s *Store) CountParameterSets(ctx context.Context, pair string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM parameter_sets WHERE pair = ?", pair).Scan(&n)
	return n, err
}

func scanParameterSet(row *sql.Row) (*models.ParameterSet, error) {
	var (
		set         models.ParameterSet
		strategy    string
		paramsJSON  string
		description sql.NullString
		createdAt   string
	)
	err := row.Scan(&set.ID, &set.Pair, &set.ConfigHash, &strategy, &paramsJSON, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan parameter set: %w", err)
	}

	set.Strategy = models.StrategyKind(strategy)
	set.Description = description.String
	if err := json.Unmarshal([]byte(paramsJSON), &set.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of set %d: %w", set.ID, err)
	}
	if set.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of set %d: %w", set.ID, err)
	}
	return &set, nil
}

const parameterChangeColumns = `id, pair, old_parameter_set_id, new_parameter_set_id, change_type, change_summary, reason, notes, timestamp`

// InsertParameterChange appends an audit row and returns its id.
func (s *Store) InsertParameterChange(ctx context.Context, ch *models.ParameterChange) (int64, error) {
	if !ch.Reason.Valid() {
		return 0, fmt.Errorf("invalid change reason %q", ch.Reason)
	}
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}

	var oldID sql.NullInt64
	if ch.OldSetID != nil {
		oldID = sql.NullInt64{Int64: *ch.OldSetID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO parameter_changes (
		pair, old_parameter_set_id, new_parameter_set_id, change_type, change_summary, reason, notes, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.Pair, oldID, ch.NewSetID, ch.ChangeType, ch.Summary, string(ch.Reason), ch.Notes, formatTime(ch.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert parameter change for %s: %w", ch.Pair, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ch.ID = id
	return id, nil
}

// LatestParameterChange returns the most recent change for the pair, or nil.
// Its NewSetID is the pair's active parameter set.
func (s *Store) LatestParameterChange(ctx context.Context, pair string) (*models.ParameterChange, error) {
	changes, err := s.ListParameterChanges(ctx, pair, 1)
	if err != nil || len(changes) == 0 {
		return nil, err
	}
	return &changes[0], nil
}

// ListParameterChanges returns up to limit changes for the pair, newest first.
// An empty pair lists every pair.
func (s *Store) ListParameterChanges(ctx context.Context, pair string, limit int) ([]models.ParameterChange, error) {
	query := "SELECT " + parameterChangeColumns + " FROM parameter_changes"
	var args []interface{}
	if pair != "" {
		query += " WHERE pair = ?"
		args = append(args, pair)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameter changes: %w", err)
	}
	defer rows.Close()

	var changes []models.ParameterChange
	for rows.Next() {
		var (
			ch     models.ParameterChange
			oldID  sql.NullInt64
			reason string
			notes  sql.NullString
			ts     string
		)
		if err := rows.Scan(&ch.ID, &ch.Pair, &oldID, &ch.NewSetID, &ch.ChangeType, &ch.Summary, &reason, &notes, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan parameter change: %w", err)
		}
		if oldID.Valid {
			id := oldID.Int64
			ch.OldSetID = &id
		}
		ch.Reason = models.ChangeReason(reason)
		ch.Notes = notes.String
		if ch.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
