package store

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	user                     TEXT NOT NULL,
	trading_account          TEXT NOT NULL,
	symbol                   TEXT NOT NULL,
	instrument_type          TEXT NOT NULL DEFAULT '',
	strategy_type            TEXT NOT NULL DEFAULT '',
	lifecycle_state          TEXT NOT NULL,
	quantity                 INTEGER NOT NULL DEFAULT 0,
	avg_price                TEXT NOT NULL DEFAULT '0',
	unrealized_pnl           TEXT NOT NULL DEFAULT '0',
	total_realized_pnl       TEXT NOT NULL DEFAULT '0',
	opening_price_effect     TEXT NOT NULL DEFAULT '',
	initial_risk             TEXT NOT NULL DEFAULT '0',
	spread_width             TEXT NOT NULL DEFAULT '0',
	number_of_spreads        INTEGER NOT NULL DEFAULT 0,
	is_app_managed           INTEGER NOT NULL DEFAULT 0,
	opening_order_id         TEXT,
	opening_complex_order_id TEXT,
	closure_reason           TEXT NOT NULL DEFAULT '',
	assigned_at              DATETIME,
	profit_targets_created   INTEGER NOT NULL DEFAULT 0,
	profit_target_details    TEXT NOT NULL DEFAULT '{}',
	metadata                 TEXT NOT NULL DEFAULT '{}',
	opened_at                DATETIME NOT NULL,
	closed_at                DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_opening_order_id
	ON positions(trading_account, opening_order_id)
	WHERE opening_order_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_positions_user_state ON positions(user, lifecycle_state);
CREATE INDEX IF NOT EXISTS idx_positions_account_state ON positions(trading_account, lifecycle_state);
CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions(symbol, lifecycle_state);

CREATE TABLE IF NOT EXISTS trades (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user             TEXT NOT NULL,
	position_id      INTEGER NOT NULL REFERENCES positions(id),
	trading_account  TEXT NOT NULL,
	broker_order_id  TEXT NOT NULL UNIQUE,
	trade_type       TEXT NOT NULL,
	order_legs       TEXT NOT NULL DEFAULT '[]',
	executed_price   TEXT NOT NULL DEFAULT '0',
	fill_price       TEXT NOT NULL DEFAULT '0',
	quantity         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	submitted_at     DATETIME,
	filled_at        DATETIME,
	commission       TEXT NOT NULL DEFAULT '0',
	parent_order_id  TEXT,
	child_order_ids  TEXT NOT NULL DEFAULT '[]',
	lifecycle_event  TEXT NOT NULL DEFAULT '',
	order_type       TEXT NOT NULL DEFAULT '',
	time_in_force    TEXT NOT NULL DEFAULT '',
	realized_pnl     TEXT NOT NULL DEFAULT '0'
);

CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);

CREATE TABLE IF NOT EXISTS order_history (
	broker_order_id    TEXT PRIMARY KEY,
	user               TEXT NOT NULL,
	trading_account    TEXT NOT NULL,
	complex_order_id   TEXT,
	parent_order_id    TEXT,
	replaces_order_id  TEXT,
	replacing_order_id TEXT,
	underlying_symbol  TEXT NOT NULL,
	order_type         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	price              TEXT,
	price_effect       TEXT NOT NULL DEFAULT '',
	received_at        DATETIME,
	live_at            DATETIME,
	filled_at          DATETIME,
	cancelled_at       DATETIME,
	terminal_at        DATETIME,
	order_data         TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_order_history_user_symbol_filled
	ON order_history(user, underlying_symbol, filled_at);
CREATE INDEX IF NOT EXISTS idx_order_history_status ON order_history(status);
CREATE INDEX IF NOT EXISTS idx_order_history_complex ON order_history(complex_order_id);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_id       TEXT PRIMARY KEY,
	order_id             TEXT,
	transaction_type     TEXT NOT NULL DEFAULT '',
	transaction_sub_type TEXT NOT NULL DEFAULT '',
	action               TEXT NOT NULL DEFAULT '',
	value                TEXT NOT NULL DEFAULT '0',
	net_value            TEXT NOT NULL DEFAULT '0',
	commission           TEXT NOT NULL DEFAULT '0',
	clearing_fees        TEXT NOT NULL DEFAULT '0',
	regulatory_fees      TEXT NOT NULL DEFAULT '0',
	symbol               TEXT NOT NULL DEFAULT '',
	underlying_symbol    TEXT NOT NULL DEFAULT '',
	instrument_type      TEXT NOT NULL DEFAULT '',
	quantity             INTEGER NOT NULL DEFAULT 0,
	price                TEXT NOT NULL DEFAULT '0',
	executed_at          DATETIME NOT NULL,
	related_position     INTEGER REFERENCES positions(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_order_id ON transactions(order_id);
CREATE INDEX IF NOT EXISTS idx_transactions_related_position ON transactions(related_position);

CREATE TABLE IF NOT EXISTS order_chains (
	chain_id          TEXT PRIMARY KEY,
	underlying_symbol TEXT NOT NULL,
	total_commissions TEXT NOT NULL DEFAULT '0',
	total_fees        TEXT NOT NULL DEFAULT '0',
	realized_pnl      TEXT NOT NULL DEFAULT '0',
	unrealized_pnl    TEXT NOT NULL DEFAULT '0',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_chains_symbol ON order_chains(underlying_symbol);
`
