package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// InsertRiskEventSQL is exported for batched writers.
const InsertRiskEventSQL = `INSERT OR IGNORE INTO risk_events (id, type, payload, created_at) VALUES (?, ?, ?, ?)`

// InsertBreakerEventSQL is exported for batched writers.
const InsertBreakerEventSQL = `INSERT OR IGNORE INTO breaker_events (id, kind, reason, value, limit_pct, equity, operator, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Queries is the typed query set over the schema.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// UpsertTrade inserts a trade or replaces every mutable column of an existing one.
func (q *Queries) UpsertTrade(ctx context.Context, t Trade) error {
	if t.ID == "" {
		return errors.New("trade id is required")
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (id, symbol, direction, entry_price, quantity, stop_loss, take_profit,
			margin, entry_fee, signal_time, execution_time, status, exit_price, exit_fee,
			closed_at, close_reason, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			status = excluded.status,
			exit_price = excluded.exit_price,
			exit_fee = excluded.exit_fee,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason,
			realized_pnl = excluded.realized_pnl
	`, t.ID, t.Symbol, t.Direction, t.EntryPrice, t.Quantity, t.StopLoss, t.TakeProfit,
		t.Margin, t.EntryFee, formatTime(t.SignalTime), formatTime(t.ExecutionTime), t.Status,
		t.ExitPrice, t.ExitFee, formatNullTime(t.ClosedAt), t.CloseReason, t.RealizedPnL)
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.ID, err)
	}
	return nil
}

// GetTrade returns one trade by id.
func (q *Queries) GetTrade(ctx context.Context, id string) (Trade, error) {
	row := q.db.QueryRowContext(ctx, selectTrades+` WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	return t, err
}

// ListTradesByStatus returns trades with the given status in execution order.
func (q *Queries) ListTradesByStatus(ctx context.Context, status string) ([]Trade, error) {
	rows, err := q.db.QueryContext(ctx, selectTrades+` WHERE status = ? ORDER BY execution_time ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return collectTrades(rows)
}

// RecentTrades returns the newest trades first.
func (q *Queries) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, selectTrades+` ORDER BY execution_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	return collectTrades(rows)
}

const selectTrades = `
	SELECT id, symbol, direction, entry_price, quantity, stop_loss, take_profit, margin,
		entry_fee, signal_time, execution_time, status, exit_price, exit_fee, closed_at,
		COALESCE(close_reason, ''), realized_pnl
	FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (Trade, error) {
	var (
		t                   Trade
		signalAt, execution string
		closedAt            sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Symbol, &t.Direction, &t.EntryPrice, &t.Quantity, &t.StopLoss,
		&t.TakeProfit, &t.Margin, &t.EntryFee, &signalAt, &execution, &t.Status, &t.ExitPrice,
		&t.ExitFee, &closedAt, &t.CloseReason, &t.RealizedPnL); err != nil {
		return Trade{}, err
	}
	t.SignalTime = parseTime(signalAt)
	t.ExecutionTime = parseTime(execution)
	t.ClosedAt = parseNullTime(closedAt)
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]Trade, error) {
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Daily Snapshot Queries
// ----------------------------------------

// UpsertDailySnapshot records the closing equity of a day; re-running a day overwrites it.
func (q *Queries) UpsertDailySnapshot(ctx context.Context, s DailySnapshot) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO daily_snapshots (date, equity) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET equity = excluded.equity
	`, s.Date.UTC().Format(dateLayout), s.Equity)
	if err != nil {
		return fmt.Errorf("upsert daily snapshot: %w", err)
	}
	return nil
}

// ListDailySnapshots returns the latest limit snapshots, oldest first.
func (q *Queries) ListDailySnapshots(ctx context.Context, limit int) ([]DailySnapshot, error) {
	if limit <= 0 {
		limit = 365
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT date, equity FROM (
			SELECT date, equity FROM daily_snapshots ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query daily snapshots: %w", err)
	}
	defer rows.Close()

	var out []DailySnapshot
	for rows.Next() {
		var (
			s    DailySnapshot
			date string
		)
		if err := rows.Scan(&date, &s.Equity); err != nil {
			return nil, fmt.Errorf("scan daily snapshot: %w", err)
		}
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot date %q: %w", date, err)
		}
		s.Date = d
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

// SaveAccount replaces the single account row.
func (q *Queries) SaveAccount(ctx context.Context, a Account) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO account (id, balance, day_start_equity, day, consecutive_losses, cool_down_until, peak_equity,
			worst_daily_loss_pct, breaker_tripped, trip_reason, trip_value, trip_limit, tripped_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			day_start_equity = excluded.day_start_equity,
			day = excluded.day,
			consecutive_losses = excluded.consecutive_losses,
			cool_down_until = excluded.cool_down_until,
			peak_equity = excluded.peak_equity,
			worst_daily_loss_pct = excluded.worst_daily_loss_pct,
			breaker_tripped = excluded.breaker_tripped,
			trip_reason = excluded.trip_reason,
			trip_value = excluded.trip_value,
			trip_limit = excluded.trip_limit,
			tripped_at = excluded.tripped_at,
			updated_at = excluded.updated_at
	`, a.Balance, a.DayStartEquity, a.Day.UTC().Format(dateLayout), a.ConsecutiveLosses,
		formatNullTime(a.CoolDownUntil), a.PeakEquity, a.WorstDailyLossPct,
		a.BreakerTripped, a.TripReason, a.TripValue, a.TripLimit, formatNullTime(a.TrippedAt),
		formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// LoadAccount returns ErrNotFound on a fresh database.
func (q *Queries) LoadAccount(ctx context.Context) (Account, error) {
	var (
		a         Account
		day       string
		coolDown  sql.NullString
		trippedAt sql.NullString
		updated   string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT balance, day_start_equity, day, consecutive_losses, cool_down_until, COALESCE(peak_equity, 0),
			COALESCE(worst_daily_loss_pct, 0), COALESCE(breaker_tripped, 0), COALESCE(trip_reason, ''),
			COALESCE(trip_value, 0), COALESCE(trip_limit, 0), tripped_at, updated_at
		FROM account WHERE id = 1
	`).Scan(&a.Balance, &a.DayStartEquity, &day, &a.ConsecutiveLosses, &coolDown, &a.PeakEquity,
		&a.WorstDailyLossPct, &a.BreakerTripped, &a.TripReason, &a.TripValue, &a.TripLimit, &trippedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	if d, err := time.Parse(dateLayout, day); err == nil {
		a.Day = d
	}
	a.CoolDownUntil = parseNullTime(coolDown)
	a.TrippedAt = parseNullTime(trippedAt)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

// ----------------------------------------
// Breaker & Risk Event Queries
// ----------------------------------------

// InsertBreakerEvent stores a trip or reset. Duplicate ids are ignored.
func (q *Queries) InsertBreakerEvent(ctx context.Context, e BreakerEvent) error {
	_, err := q.db.ExecContext(ctx, InsertBreakerEventSQL, BreakerEventArgs(e)...)
	if err != nil {
		return fmt.Errorf("insert breaker event: %w", err)
	}
	return nil
}

// BreakerEventArgs orders e's fields for InsertBreakerEventSQL.
func BreakerEventArgs(e BreakerEvent) []any {
	return []any{e.ID, e.Kind, e.Reason, e.Value, e.Limit, e.Equity, e.Operator, formatTime(e.CreatedAt)}
}

// RecentBreakerEvents returns the newest events first.
func (q *Queries) RecentBreakerEvents(ctx context.Context, limit int) ([]BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, reason, value, limit_pct, equity, operator, created_at
		FROM breaker_events ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query breaker events: %w", err)
	}
	defer rows.Close()

	var out []BreakerEvent
	for rows.Next() {
		var (
			e  BreakerEvent
			at string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Reason, &e.Value, &e.Limit, &e.Equity, &e.Operator, &at); err != nil {
			return nil, fmt.Errorf("scan breaker event: %w", err)
		}
		e.CreatedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RiskEventArgs orders e's fields for InsertRiskEventSQL.
func RiskEventArgs(e RiskEvent) []any {
	return []any{e.ID, e.Type, e.Payload, formatTime(e.CreatedAt)}
}

// RecentRiskEvents returns the newest journaled events, optionally of one type.
// ULID ids sort by time, so ordering by id is chronological.
func (q *Queries) RecentRiskEvents(ctx context.Context, eventType string, limit int) ([]RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, payload, created_at FROM risk_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()

	var out []RiskEvent
	for rows.Next() {
		var (
			e  RiskEvent
			at string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		e.CreatedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
