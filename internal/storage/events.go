package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"time"
)

// InsertSystemEvent appends an entry to the operator timeline.
func (s *Store) InsertSystemEvent(ctx context.Context, ev *models.SystemEvent) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var metadata sql.NullString
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO system_events (timestamp, pair, event_type, event_title, description, metadata)
	VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ev.Timestamp), ev.Pair, ev.Type, ev.Title, ev.Description, metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert system event %s: %w", ev.Type, err)
	}
	ev.ID, err = res.LastInsertId()
	return ev.ID, err
}

// ListSystemEvents returns up to limit events for the pair, newest first.
func (s *Store) ListSystemEvents(ctx context.Context, pair string, limit int) ([]models.SystemEvent, error) {
	query := `SELECT id, timestamp, pair, event_type, event_title, description, metadata
	FROM system_events WHERE pair = ? ORDER BY timestamp DESC, id DESC`
	args := []interface{}{pair}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query system events: %w", err)
	}
	defer rows.Close()

	var events []models.SystemEvent
	for rows.Next() {
		var (
			ev                    models.SystemEvent
			ts                    string
			description, metadata sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Pair, &ev.Type, &ev.Title, &description, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan system event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		ev.Description = description.String
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of event %d: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
