package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite-backed connection pool implementing C4. SQLite
// is single-writer; the pool is capped at one open connection so that
// BEGIN IMMEDIATE transactions serialise correctly, the same
// constraint the teacher's own JSON store enforced with an in-process
// mutex and this store enforces at the driver level instead.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- decimal / json marshal helpers ---

func decStr(d decimal.Decimal) string { return d.String() }

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanNullTime(ns sql.NullTime) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := ns.Time.UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// --- Position ---

// InsertPosition creates a new Position row and returns its assigned ID.
func (s *Store) InsertPosition(ctx context.Context, p *Position) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			user, trading_account, symbol, instrument_type, strategy_type,
			lifecycle_state, quantity, avg_price, unrealized_pnl, total_realized_pnl,
			opening_price_effect, initial_risk, spread_width, number_of_spreads,
			is_app_managed, opening_order_id, opening_complex_order_id, closure_reason,
			assigned_at, profit_targets_created, profit_target_details, metadata,
			opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.User, p.TradingAccount, p.Symbol, p.InstrumentType, p.StrategyType,
		string(p.LifecycleState), p.Quantity, decStr(p.AvgPrice), decStr(p.UnrealizedPnL), decStr(p.TotalRealizedPnL),
		string(p.OpeningPriceEffect), decStr(p.InitialRisk), decStr(p.SpreadWidth), p.NumberOfSpreads,
		boolToInt(p.IsAppManaged), nullString(p.OpeningOrderID), nullString(p.OpeningComplexOrderID), p.ClosureReason,
		nullTime(p.AssignedAt), boolToInt(p.ProfitTargetsCreated), marshalJSON(p.ProfitTargetDetails), marshalJSON(p.Metadata),
		p.OpenedAt.UTC(), nullTime(p.ClosedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert position: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert position: last insert id: %w", err)
	}
	return id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const positionColumns = `
	id, user, trading_account, symbol, instrument_type, strategy_type,
	lifecycle_state, quantity, avg_price, unrealized_pnl, total_realized_pnl,
	opening_price_effect, initial_risk, spread_width, number_of_spreads,
	is_app_managed, opening_order_id, opening_complex_order_id, closure_reason,
	assigned_at, profit_targets_created, profit_target_details, metadata,
	opened_at, closed_at
`

func scanPosition(row interface {
	Scan(dest ...any) error
}) (*Position, error) {
	var p Position
	var lifecycleState, openingEffect string
	var openingOrderID, openingComplexOrderID sql.NullString
	var avgPrice, unrealizedPnL, totalRealizedPnL, initialRisk, spreadWidth string
	var assignedAt, closedAt sql.NullTime
	var ptdJSON, metaJSON string
	var isAppManaged, profitTargetsCreated int

	err := row.Scan(
		&p.ID, &p.User, &p.TradingAccount, &p.Symbol, &p.InstrumentType, &p.StrategyType,
		&lifecycleState, &p.Quantity, &avgPrice, &unrealizedPnL, &totalRealizedPnL,
		&openingEffect, &initialRisk, &spreadWidth, &p.NumberOfSpreads,
		&isAppManaged, &openingOrderID, &openingComplexOrderID, &p.ClosureReason,
		&assignedAt, &profitTargetsCreated, &ptdJSON, &metaJSON,
		&p.OpenedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	p.LifecycleState = LifecycleState(lifecycleState)
	p.OpeningPriceEffect = PriceEffect(openingEffect)
	p.AvgPrice = parseDec(avgPrice)
	p.UnrealizedPnL = parseDec(unrealizedPnL)
	p.TotalRealizedPnL = parseDec(totalRealizedPnL)
	p.InitialRisk = parseDec(initialRisk)
	p.SpreadWidth = parseDec(spreadWidth)
	p.IsAppManaged = isAppManaged != 0
	p.OpeningOrderID = openingOrderID.String
	p.OpeningComplexOrderID = openingComplexOrderID.String
	p.AssignedAt = scanNullTime(assignedAt)
	p.ProfitTargetsCreated = profitTargetsCreated != 0
	p.ClosedAt = scanNullTime(closedAt)
	p.OpenedAt = p.OpenedAt.UTC()

	if err := json.Unmarshal([]byte(ptdJSON), &p.ProfitTargetDetails); err != nil {
		return nil, fmt.Errorf("store: decode profit_target_details: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
		return nil, fmt.Errorf("store: decode metadata: %w", err)
	}

	return &p, nil
}

// GetPosition loads a single Position by ID.
func (s *Store) GetPosition(ctx context.Context, id int64) (*Position, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+positionColumns+" FROM positions WHERE id = ?", id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: position %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get position %d: %w", id, err)
	}
	return p, nil
}

// ListPositionsByState returns positions for a user in any of the
// given lifecycle states. Pass an empty user to match all users.
func (s *Store) ListPositionsByState(ctx context.Context, user string, states []LifecycleState) ([]*Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	args := []any{}
	if user != "" {
		query += " AND user = ?"
		args = append(args, user)
	}
	if len(states) > 0 {
		query += " AND lifecycle_state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list positions by state: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list positions by state: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListDistinctUsers returns every distinct (user, trading_account)
// pair with at least one Position on file — the scope C12 iterates when
// no user_id scope filter is given. Account primary/validated status is
// not checked.
func (s *Store) ListDistinctUsers(ctx context.Context) ([]UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT user, trading_account FROM positions ORDER BY user, trading_account")
	if err != nil {
		return nil, fmt.Errorf("store: list distinct users: %w", err)
	}
	defer rows.Close()

	var out []UserAccount
	for rows.Next() {
		var ua UserAccount
		if err := rows.Scan(&ua.User, &ua.TradingAccount); err != nil {
			return nil, fmt.Errorf("store: list distinct users: scan: %w", err)
		}
		out = append(out, ua)
	}
	return out, rows.Err()
}

// FindPositionByOpeningOrderID returns the Position whose
// opening_order_id matches, or nil if none exists.
func (s *Store) FindPositionByOpeningOrderID(ctx context.Context, account, orderID string) (*Position, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE trading_account = ? AND opening_order_id = ?",
		account, orderID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find position by opening order id: %w", err)
	}
	return p, nil
}

// FindUnmanagedPositionByUnderlying returns the open, not-app-managed
// Position C8 Tier B previously created for this underlying, or nil if
// none exists — the upsert key Tier B re-syncs against instead of
// inserting a fresh row every run.
func (s *Store) FindUnmanagedPositionByUnderlying(ctx context.Context, user, account, symbol string) (*Position, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+positionColumns+` FROM positions
			WHERE user = ? AND trading_account = ? AND symbol = ?
			AND is_app_managed = 0 AND lifecycle_state IN (?, ?)`,
		user, account, symbol, string(OpenFull), string(OpenPartial))
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find unmanaged position for %s/%s/%s: %w", user, account, symbol, err)
	}
	return p, nil
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

// UpdatePosition persists the full row for an existing Position. It is
// normally called only from within WithPositionLock's callback so that
// the write is covered by the same transaction as the locking re-read.
func (s *Store) UpdatePosition(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, p *Position) error {
	_, err := execer.ExecContext(ctx, `
		UPDATE positions SET
			user=?, trading_account=?, symbol=?, instrument_type=?, strategy_type=?,
			lifecycle_state=?, quantity=?, avg_price=?, unrealized_pnl=?, total_realized_pnl=?,
			opening_price_effect=?, initial_risk=?, spread_width=?, number_of_spreads=?,
			is_app_managed=?, opening_order_id=?, opening_complex_order_id=?, closure_reason=?,
			assigned_at=?, profit_targets_created=?, profit_target_details=?, metadata=?,
			opened_at=?, closed_at=?
		WHERE id=?
	`,
		p.User, p.TradingAccount, p.Symbol, p.InstrumentType, p.StrategyType,
		string(p.LifecycleState), p.Quantity, decStr(p.AvgPrice), decStr(p.UnrealizedPnL), decStr(p.TotalRealizedPnL),
		string(p.OpeningPriceEffect), decStr(p.InitialRisk), decStr(p.SpreadWidth), p.NumberOfSpreads,
		boolToInt(p.IsAppManaged), nullString(p.OpeningOrderID), nullString(p.OpeningComplexOrderID), p.ClosureReason,
		nullTime(p.AssignedAt), boolToInt(p.ProfitTargetsCreated), marshalJSON(p.ProfitTargetDetails), marshalJSON(p.Metadata),
		p.OpenedAt.UTC(), nullTime(p.ClosedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update position %d: %w", p.ID, err)
	}
	return nil
}

// WithPositionLock runs fn inside a BEGIN IMMEDIATE transaction after
// re-reading the Position row, implementing §4.4's "select for update"
// requirement and §9's "row locking... re-read inside the transaction
// to detect state drift" rule. fn returns the Position to persist, or
// nil to make no change (e.g. because the state already drifted out
// from under the caller). The whole read-modify-write is one
// transaction, satisfying "a single store transaction must span all
// writes that together maintain the Position invariants."
func (s *Store) WithPositionLock(ctx context.Context, id int64, fn func(ctx context.Context, tx *sql.Tx, p *Position) (*Position, error)) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin locked tx for position %d: %w", id, err)
	}
	defer tx.Rollback()

	// SQLite has no row-level SELECT FOR UPDATE; BEGIN IMMEDIATE (taken
	// implicitly by the first write below) combined with the single
	// writer-connection cap gives the same mutual-exclusion guarantee
	// at whole-database granularity. We force immediate lock
	// acquisition up front so the re-read below is guaranteed fresh.
	if _, err := tx.ExecContext(ctx, "UPDATE positions SET id = id WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: acquire lock for position %d: %w", id, err)
	}

	row := tx.QueryRowContext(ctx, "SELECT "+positionColumns+" FROM positions WHERE id = ?", id)
	current, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: locked position %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: locked read of position %d: %w", id, err)
	}

	next, err := fn(ctx, tx, current)
	if err != nil {
		return err
	}
	if next == nil {
		return tx.Commit()
	}

	if err := s.UpdatePosition(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Trade ---

// InsertTrade creates a new Trade row.
func (s *Store) InsertTrade(ctx context.Context, t *Trade) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			user, position_id, trading_account, broker_order_id, trade_type, order_legs,
			executed_price, fill_price, quantity, status, submitted_at, filled_at,
			commission, parent_order_id, child_order_ids, lifecycle_event, order_type,
			time_in_force, realized_pnl
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.User, t.Position, t.TradingAccount, t.BrokerOrderID, string(t.TradeType), marshalJSON(t.OrderLegs),
		decStr(t.ExecutedPrice), decStr(t.FillPrice), t.Quantity, string(t.Status), nullTime(t.SubmittedAt), nullTime(t.FilledAt),
		decStr(t.Commission), nullString(t.ParentOrderID), marshalJSON(t.ChildOrderIDs), t.LifecycleEvent, t.OrderType,
		t.TimeInForce, decStr(t.RealizedPnL),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert trade: %w", err)
	}
	return res.LastInsertId()
}

// GetTradeByBrokerOrderID looks up a Trade by its broker_order_id.
func (s *Store) GetTradeByBrokerOrderID(ctx context.Context, brokerOrderID string) (*Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user, position_id, trading_account, broker_order_id, trade_type, order_legs,
			executed_price, fill_price, quantity, status, submitted_at, filled_at,
			commission, parent_order_id, child_order_ids, lifecycle_event, order_type,
			time_in_force, realized_pnl
		FROM trades WHERE broker_order_id = ?
	`, brokerOrderID)

	var t Trade
	var tradeType, status string
	var orderLegsJSON, childIDsJSON string
	var executedPrice, fillPrice, commission, realizedPnL string
	var submittedAt, filledAt sql.NullTime
	var parentOrderID sql.NullString

	err := row.Scan(
		&t.ID, &t.User, &t.Position, &t.TradingAccount, &t.BrokerOrderID, &tradeType, &orderLegsJSON,
		&executedPrice, &fillPrice, &t.Quantity, &status, &submittedAt, &filledAt,
		&commission, &parentOrderID, &childIDsJSON, &t.LifecycleEvent, &t.OrderType,
		&t.TimeInForce, &realizedPnL,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trade by broker order id %q: %w", brokerOrderID, err)
	}

	t.TradeType = TradeType(tradeType)
	t.Status = TradeStatus(status)
	t.ExecutedPrice = parseDec(executedPrice)
	t.FillPrice = parseDec(fillPrice)
	t.Commission = parseDec(commission)
	t.RealizedPnL = parseDec(realizedPnL)
	t.SubmittedAt = scanNullTime(submittedAt)
	t.FilledAt = scanNullTime(filledAt)
	t.ParentOrderID = parentOrderID.String
	json.Unmarshal([]byte(orderLegsJSON), &t.OrderLegs)
	json.Unmarshal([]byte(childIDsJSON), &t.ChildOrderIDs)

	return &t, nil
}

// UpdateTrade persists changes to an existing Trade row.
func (s *Store) UpdateTrade(ctx context.Context, t *Trade) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
			fill_price=?, quantity=?, status=?, submitted_at=?, filled_at=?,
			commission=?, child_order_ids=?, lifecycle_event=?, realized_pnl=?
		WHERE id=?
	`,
		decStr(t.FillPrice), t.Quantity, string(t.Status), nullTime(t.SubmittedAt), nullTime(t.FilledAt),
		decStr(t.Commission), marshalJSON(t.ChildOrderIDs), t.LifecycleEvent, decStr(t.RealizedPnL), t.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update trade %d: %w", t.ID, err)
	}
	return nil
}

// --- OrderHistory ---

// UpsertOrderHistory inserts or updates one order, preserving the
// broker-reported timestamps, per §4.5 step 3. Returns true if a new
// row was created.
func (s *Store) UpsertOrderHistory(ctx context.Context, oh *OrderHistory) (bool, error) {
	existing, err := s.GetOrderHistory(ctx, oh.BrokerOrderID)
	if err != nil && !isNotFound(err) {
		return false, err
	}
	created := existing == nil

	var price any
	if oh.Price != nil {
		price = oh.Price.String()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_history (
			broker_order_id, user, trading_account, complex_order_id, parent_order_id,
			replaces_order_id, replacing_order_id, underlying_symbol, order_type, status,
			price, price_effect, received_at, live_at, filled_at, cancelled_at, terminal_at,
			order_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_order_id) DO UPDATE SET
			status=excluded.status, price=excluded.price, price_effect=excluded.price_effect,
			live_at=COALESCE(order_history.live_at, excluded.live_at),
			filled_at=COALESCE(order_history.filled_at, excluded.filled_at),
			cancelled_at=COALESCE(order_history.cancelled_at, excluded.cancelled_at),
			terminal_at=COALESCE(order_history.terminal_at, excluded.terminal_at),
			order_data=excluded.order_data
	`,
		oh.BrokerOrderID, oh.User, oh.TradingAccount, nullString(oh.ComplexOrderID), nullString(oh.ParentOrderID),
		nullString(oh.ReplacesOrderID), nullString(oh.ReplacingOrderID), oh.UnderlyingSymbol, oh.OrderType, string(oh.Status),
		price, string(oh.PriceEffect), nullTime(oh.ReceivedAt), nullTime(oh.LiveAt), nullTime(oh.FilledAt), nullTime(oh.CancelledAt), nullTime(oh.TerminalAt),
		marshalJSON(oh.OrderData),
	)
	if err != nil {
		return false, fmt.Errorf("store: upsert order history %q: %w", oh.BrokerOrderID, err)
	}
	return created, nil
}

const orderHistoryColumns = `
	broker_order_id, user, trading_account, complex_order_id, parent_order_id,
	replaces_order_id, replacing_order_id, underlying_symbol, order_type, status,
	price, price_effect, received_at, live_at, filled_at, cancelled_at, terminal_at, order_data
`

func scanOrderHistory(row interface{ Scan(dest ...any) error }) (*OrderHistory, error) {
	var oh OrderHistory
	var complexOrderID, parentOrderID, replacesOrderID, replacingOrderID sql.NullString
	var price sql.NullString
	var status, priceEffect string
	var receivedAt, liveAt, filledAt, cancelledAt, terminalAt sql.NullTime
	var orderDataJSON string

	err := row.Scan(
		&oh.BrokerOrderID, &oh.User, &oh.TradingAccount, &complexOrderID, &parentOrderID,
		&replacesOrderID, &replacingOrderID, &oh.UnderlyingSymbol, &oh.OrderType, &status,
		&price, &priceEffect, &receivedAt, &liveAt, &filledAt, &cancelledAt, &terminalAt, &orderDataJSON,
	)
	if err != nil {
		return nil, err
	}

	oh.ComplexOrderID = complexOrderID.String
	oh.ParentOrderID = parentOrderID.String
	oh.ReplacesOrderID = replacesOrderID.String
	oh.ReplacingOrderID = replacingOrderID.String
	oh.Status = OrderHistoryStatus(status)
	oh.PriceEffect = PriceEffect(priceEffect)
	if price.Valid {
		d := parseDec(price.String)
		oh.Price = &d
	}
	oh.ReceivedAt = scanNullTime(receivedAt)
	oh.LiveAt = scanNullTime(liveAt)
	oh.FilledAt = scanNullTime(filledAt)
	oh.CancelledAt = scanNullTime(cancelledAt)
	oh.TerminalAt = scanNullTime(terminalAt)
	json.Unmarshal([]byte(orderDataJSON), &oh.OrderData)

	return &oh, nil
}

// GetOrderHistory loads a single order by broker_order_id.
func (s *Store) GetOrderHistory(ctx context.Context, brokerOrderID string) (*OrderHistory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+orderHistoryColumns+" FROM order_history WHERE broker_order_id = ?", brokerOrderID)
	oh, err := scanOrderHistory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: order history %q: %w", brokerOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order history %q: %w", brokerOrderID, err)
	}
	return oh, nil
}

// BatchGetOrderHistory loads many orders in one query, avoiding the
// N+1 pattern §4.4 requires C8 to avoid.
func (s *Store) BatchGetOrderHistory(ctx context.Context, brokerOrderIDs []string) (map[string]*OrderHistory, error) {
	out := make(map[string]*OrderHistory, len(brokerOrderIDs))
	if len(brokerOrderIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(brokerOrderIDs))
	for i, id := range brokerOrderIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderHistoryColumns+" FROM order_history WHERE broker_order_id IN ("+placeholders(len(brokerOrderIDs))+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("store: batch get order history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		oh, err := scanOrderHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: batch get order history: scan: %w", err)
		}
		out[oh.BrokerOrderID] = oh
	}
	return out, rows.Err()
}

// ListLiveOrderHistoryByUnderlying returns every cached order for
// underlying still in OrderLive status, received within [windowStart,
// windowEnd] — the candidate pool for C10 step 4's orphaned-live-order
// adoption search.
func (s *Store) ListLiveOrderHistoryByUnderlying(ctx context.Context, underlying string, windowStart, windowEnd time.Time) ([]*OrderHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderHistoryColumns+` FROM order_history
			WHERE underlying_symbol = ? AND status = ? AND received_at BETWEEN ? AND ?`,
		underlying, string(OrderLive), windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("store: list live order history for %q: %w", underlying, err)
	}
	defer rows.Close()

	var out []*OrderHistory
	for rows.Next() {
		oh, err := scanOrderHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list live order history for %q: scan: %w", underlying, err)
		}
		out = append(out, oh)
	}
	return out, rows.Err()
}

// --- Transaction ---

// UpsertTransaction inserts or updates one transaction by
// transaction_id. Returns true if a new row was created.
func (s *Store) UpsertTransaction(ctx context.Context, t *Transaction) (bool, error) {
	existing, err := s.GetTransaction(ctx, t.TransactionID)
	if err != nil && !isNotFound(err) {
		return false, err
	}
	created := existing == nil

	var relatedPosition any
	if t.RelatedPosition != nil {
		relatedPosition = *t.RelatedPosition
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, order_id, transaction_type, transaction_sub_type, action,
			value, net_value, commission, clearing_fees, regulatory_fees, symbol,
			underlying_symbol, instrument_type, quantity, price, executed_at, related_position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			related_position = COALESCE(transactions.related_position, excluded.related_position)
	`,
		t.TransactionID, nullString(t.OrderID), t.TransactionType, t.TransactionSubType, t.Action,
		decStr(t.Value), decStr(t.NetValue), decStr(t.Commission), decStr(t.ClearingFees), decStr(t.RegulatoryFees), t.Symbol,
		t.UnderlyingSymbol, t.InstrumentType, t.Quantity, decStr(t.Price), t.ExecutedAt.UTC(), relatedPosition,
	)
	if err != nil {
		return false, fmt.Errorf("store: upsert transaction %q: %w", t.TransactionID, err)
	}
	return created, nil
}

const transactionColumns = `
	transaction_id, order_id, transaction_type, transaction_sub_type, action,
	value, net_value, commission, clearing_fees, regulatory_fees, symbol,
	underlying_symbol, instrument_type, quantity, price, executed_at, related_position
`

func scanTransaction(row interface{ Scan(dest ...any) error }) (*Transaction, error) {
	var t Transaction
	var orderID sql.NullString
	var value, netValue, commission, clearingFees, regulatoryFees, price string
	var relatedPosition sql.NullInt64

	err := row.Scan(
		&t.TransactionID, &orderID, &t.TransactionType, &t.TransactionSubType, &t.Action,
		&value, &netValue, &commission, &clearingFees, &regulatoryFees, &t.Symbol,
		&t.UnderlyingSymbol, &t.InstrumentType, &t.Quantity, &price, &t.ExecutedAt, &relatedPosition,
	)
	if err != nil {
		return nil, err
	}

	t.OrderID = orderID.String
	t.Value = parseDec(value)
	t.NetValue = parseDec(netValue)
	t.Commission = parseDec(commission)
	t.ClearingFees = parseDec(clearingFees)
	t.RegulatoryFees = parseDec(regulatoryFees)
	t.Price = parseDec(price)
	t.ExecutedAt = t.ExecutedAt.UTC()
	if relatedPosition.Valid {
		id := relatedPosition.Int64
		t.RelatedPosition = &id
	}
	return &t, nil
}

// GetTransaction loads a single transaction by id.
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE transaction_id = ?", transactionID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: transaction %q: %w", transactionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get transaction %q: %w", transactionID, err)
	}
	return t, nil
}

// ListUnlinkedTransactions returns transactions with no related_position set.
func (s *Store) ListUnlinkedTransactions(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE related_position IS NULL")
	if err != nil {
		return nil, fmt.Errorf("store: list unlinked transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list unlinked transactions: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactionsByOrderID returns all transaction lines sharing an order_id.
func (s *Store) ListTransactionsByOrderID(ctx context.Context, orderID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE order_id = ?", orderID)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions by order id %q: %w", orderID, err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list transactions by order id: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactionsByRelatedPosition returns all transactions linked to a position.
func (s *Store) ListTransactionsByRelatedPosition(ctx context.Context, positionID int64) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE related_position = ?", positionID)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions by position %d: %w", positionID, err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list transactions by position: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LinkTransaction sets related_position for a transaction, once
// (§4.6: "linking is monotonic"); a second call on an already-linked
// transaction is a no-op.
func (s *Store) LinkTransaction(ctx context.Context, transactionID string, positionID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET related_position = ? WHERE transaction_id = ? AND related_position IS NULL",
		positionID, transactionID)
	if err != nil {
		return fmt.Errorf("store: link transaction %q to position %d: %w", transactionID, positionID, err)
	}
	return nil
}

// --- OrderChain ---

// UpsertOrderChain creates the chain if absent, or applies fn to
// accumulate commissions/fees/pnl into the existing row.
func (s *Store) UpsertOrderChain(ctx context.Context, underlyingSymbol string, fn func(c *OrderChain)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: upsert order chain: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT chain_id, underlying_symbol, total_commissions, total_fees, realized_pnl, unrealized_pnl, created_at, updated_at
		FROM order_chains WHERE underlying_symbol = ?
	`, underlyingSymbol)

	var c OrderChain
	var totalCommissions, totalFees, realizedPnL, unrealizedPnL string
	err = row.Scan(&c.ChainID, &c.UnderlyingSymbol, &totalCommissions, &totalFees, &realizedPnL, &unrealizedPnL, &c.CreatedAt, &c.UpdatedAt)

	now := time.Now().UTC()
	if err == sql.ErrNoRows {
		c = OrderChain{
			ChainID:          underlyingSymbol + "-chain",
			UnderlyingSymbol: underlyingSymbol,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	} else if err != nil {
		return fmt.Errorf("store: upsert order chain: read: %w", err)
	} else {
		c.TotalCommissions = parseDec(totalCommissions)
		c.TotalFees = parseDec(totalFees)
		c.RealizedPnL = parseDec(realizedPnL)
		c.UnrealizedPnL = parseDec(unrealizedPnL)
	}

	fn(&c)
	c.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_chains (chain_id, underlying_symbol, total_commissions, total_fees, realized_pnl, unrealized_pnl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET
			total_commissions=excluded.total_commissions, total_fees=excluded.total_fees,
			realized_pnl=excluded.realized_pnl, unrealized_pnl=excluded.unrealized_pnl, updated_at=excluded.updated_at
	`, c.ChainID, c.UnderlyingSymbol, decStr(c.TotalCommissions), decStr(c.TotalFees), decStr(c.RealizedPnL), decStr(c.UnrealizedPnL), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert order chain: write: %w", err)
	}
	return tx.Commit()
}
