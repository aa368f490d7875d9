package storage

// Schema changes are additive: new migrations are appended, applied ones never edited.

const schemaVersionSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TEXT NOT NULL
);`

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "parameter sets and changes",
		sql: `
CREATE TABLE IF NOT EXISTS parameter_sets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pair TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	strategy TEXT NOT NULL,
	params_json TEXT NOT NULL,
	base_order_size REAL,
	base_spread_bps REAL,
	min_spread_bps REAL,
	max_spread_bps REAL,
	update_interval_seconds REAL,
	update_threshold_bps REAL,
	target_position REAL,
	max_position_size REAL,
	target_position_usd REAL,
	max_position_usd REAL,
	inventory_skew_bps_per_unit REAL,
	inventory_skew_threshold REAL,
	max_skew_bps REAL,
	min_ask_buffer_bps REAL,
	max_spot_perp_deviation_pct REAL,
	smart_order_mgmt_enabled INTEGER NOT NULL DEFAULT 0,
	description TEXT,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_parameter_sets_pair_hash ON parameter_sets(pair, config_hash);

CREATE TABLE IF NOT EXISTS parameter_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pair TEXT NOT NULL,
	old_parameter_set_id INTEGER REFERENCES parameter_sets(id),
	new_parameter_set_id INTEGER NOT NULL REFERENCES parameter_sets(id),
	change_type TEXT NOT NULL,
	change_summary TEXT NOT NULL,
	reason TEXT NOT NULL CHECK (reason IN ('manual', 'auto_optimization', 'emergency')),
	notes TEXT,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_parameter_changes_pair ON parameter_changes(pair, timestamp DESC, id DESC);
`,
	},
	{
		version: 2,
		name:    "minute metrics and fills",
		sql: `
CREATE TABLE IF NOT EXISTS metrics_1min (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	pair TEXT NOT NULL,
	parameter_set_id INTEGER,
	base_balance REAL,
	quote_balance REAL,
	base_total REAL,
	quote_total REAL,
	position REAL,
	mid_price REAL,
	bid_price REAL,
	ask_price REAL,
	spread_bps REAL,
	total_value_usd REAL,
	fills_count INTEGER NOT NULL DEFAULT 0,
	buy_fills INTEGER NOT NULL DEFAULT 0,
	sell_fills INTEGER NOT NULL DEFAULT 0,
	volume_base REAL NOT NULL DEFAULT 0,
	volume_quote REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	fees_paid REAL NOT NULL DEFAULT 0,
	net_realized_pnl REAL NOT NULL DEFAULT 0,
	price_change_bps REAL,
	cumulative_fills INTEGER NOT NULL DEFAULT 0,
	cumulative_volume REAL NOT NULL DEFAULT 0,
	cumulative_realized_pnl REAL NOT NULL DEFAULT 0,
	cumulative_fees REAL NOT NULL DEFAULT 0,
	cumulative_net_pnl REAL NOT NULL DEFAULT 0,
	bot_running INTEGER NOT NULL DEFAULT 1,
	bid_live INTEGER NOT NULL DEFAULT 0,
	ask_live INTEGER NOT NULL DEFAULT 0,
	our_bid_price REAL,
	our_ask_price REAL,
	our_bid_size REAL,
	our_ask_size REAL,
	avg_spread_captured_bps REAL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_metrics_1min_ts_pair ON metrics_1min(timestamp, pair);

CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pair TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	side TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	price REAL NOT NULL,
	base_amount REAL NOT NULL,
	quote_amount REAL NOT NULL,
	fee REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	order_id TEXT NOT NULL,
	client_order_id TEXT,
	is_maker INTEGER NOT NULL DEFAULT 0,
	parameter_set_id INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_pair_ts_order ON fills(pair, timestamp, order_id);
`,
	},
	{
		version: 3,
		name:    "system events",
		sql: `
CREATE TABLE IF NOT EXISTS system_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	pair TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_title TEXT NOT NULL,
	description TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_system_events_pair ON system_events(pair, timestamp DESC);
`,
	},
	{
		version: 4,
		name:    "metrics guard state",
		sql:     `ALTER TABLE metrics_1min ADD COLUMN guard_state TEXT;`,
	},
}
