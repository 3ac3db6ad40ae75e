// Package persistence maps the engine's state onto the SQLite schema in pkg/db
// and journals bus events.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/order"
	"gatekeeper/internal/portfolio"
	"gatekeeper/pkg/db"
)

// Store implements engine.Store over pkg/db.
type Store struct {
	q *db.Queries
}

// NewStore wraps a migrated database.
func NewStore(database *db.Database) *Store {
	return &Store{q: database.Queries()}
}

// Queries exposes the underlying query set for read endpoints.
func (s *Store) Queries() *db.Queries { return s.q }

func (s *Store) ListOpenTrades(ctx context.Context) ([]order.Trade, error) {
	rows, err := s.q.ListTradesByStatus(ctx, string(order.StatusOpen))
	if err != nil {
		return nil, err
	}
	out := make([]order.Trade, 0, len(rows))
	for _, r := range rows {
		t, err := tradeFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ListDailySnapshots(ctx context.Context, limit int) ([]portfolio.DailySnapshot, error) {
	rows, err := s.q.ListDailySnapshots(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]portfolio.DailySnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, portfolio.DailySnapshot{Date: r.Date, Equity: r.Equity})
	}
	return out, nil
}

func (s *Store) LoadAccount(ctx context.Context) (portfolio.AccountState, bool, error) {
	a, err := s.q.LoadAccount(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return portfolio.AccountState{}, false, nil
	}
	if err != nil {
		return portfolio.AccountState{}, false, err
	}
	return portfolio.AccountState{
		Balance:           a.Balance,
		DayStartEquity:    a.DayStartEquity,
		Day:               a.Day,
		ConsecutiveLosses: a.ConsecutiveLosses,
		CoolDownUntil:     a.CoolDownUntil,
		WorstDailyLossPct: a.WorstDailyLossPct,
	}, true, nil
}

// LoadBreaker returns the breaker state saved with the account row.
func (s *Store) LoadBreaker(ctx context.Context) (breaker.State, bool, error) {
	a, err := s.q.LoadAccount(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return breaker.State{}, false, nil
	}
	if err != nil {
		return breaker.State{}, false, err
	}
	st := breaker.State{PeakEquity: a.PeakEquity}
	if a.BreakerTripped {
		st.Tripped = true
		st.TripReason = breaker.Reason(a.TripReason)
		st.TripValue = a.TripValue
		st.TripLimit = a.TripLimit
		st.TrippedAt = a.TrippedAt
	}
	return st, true, nil
}

func (s *Store) SaveTrade(ctx context.Context, t order.Trade) error {
	return s.q.UpsertTrade(ctx, rowFromTrade(t))
}

func (s *Store) UpdateTrade(ctx context.Context, t order.Trade) error {
	return s.q.UpsertTrade(ctx, rowFromTrade(t))
}

func (s *Store) SaveDailySnapshot(ctx context.Context, snap portfolio.DailySnapshot) error {
	return s.q.UpsertDailySnapshot(ctx, db.DailySnapshot{Date: snap.Date, Equity: snap.Equity})
}

func (s *Store) SaveAccount(ctx context.Context, a portfolio.AccountState, brk breaker.State) error {
	row := db.Account{
		Balance:           a.Balance,
		DayStartEquity:    a.DayStartEquity,
		Day:               a.Day,
		ConsecutiveLosses: a.ConsecutiveLosses,
		CoolDownUntil:     a.CoolDownUntil,
		PeakEquity:        brk.PeakEquity,
		WorstDailyLossPct: a.WorstDailyLossPct,
	}
	if brk.Tripped {
		row.BreakerTripped = true
		row.TripReason = string(brk.TripReason)
		row.TripValue = brk.TripValue
		row.TripLimit = brk.TripLimit
		row.TrippedAt = brk.TrippedAt
	}
	return s.q.SaveAccount(ctx, row)
}

// RecentTrades returns the newest trades, open or closed.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]order.Trade, error) {
	rows, err := s.q.RecentTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Trade, 0, len(rows))
	for _, r := range rows {
		t, err := tradeFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func rowFromTrade(t order.Trade) db.Trade {
	return db.Trade{
		ID:            t.ID,
		Symbol:        t.Symbol,
		Direction:     string(t.Direction),
		EntryPrice:    t.EntryPrice,
		Quantity:      t.Quantity,
		StopLoss:      t.StopLoss,
		TakeProfit:    t.TakeProfit,
		Margin:        t.Margin,
		EntryFee:      t.EntryFee,
		SignalTime:    t.SignalTime,
		ExecutionTime: t.ExecutionTime,
		Status:        string(t.Status),
		ExitPrice:     t.ExitPrice,
		ExitFee:       t.ExitFee,
		ClosedAt:      t.ClosedAt,
		CloseReason:   t.CloseReason,
		RealizedPnL:   t.RealizedPnL,
	}
}

func tradeFromRow(r db.Trade) (order.Trade, error) {
	dir, err := order.ParseDirection(r.Direction)
	if err != nil {
		return order.Trade{}, fmt.Errorf("trade %s: %w", r.ID, err)
	}
	return order.Trade{
		ID:            r.ID,
		Symbol:        r.Symbol,
		Direction:     dir,
		EntryPrice:    r.EntryPrice,
		Quantity:      r.Quantity,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		Margin:        r.Margin,
		EntryFee:      r.EntryFee,
		SignalTime:    r.SignalTime,
		ExecutionTime: r.ExecutionTime,
		Status:        order.Status(r.Status),
		ExitPrice:     r.ExitPrice,
		ExitFee:       r.ExitFee,
		ClosedAt:      r.ClosedAt,
		CloseReason:   r.CloseReason,
		RealizedPnL:   r.RealizedPnL,
	}, nil
}

// RecentBreakerEvents returns the newest trips and resets.
func (s *Store) RecentBreakerEvents(ctx context.Context, limit int) ([]db.BreakerEvent, error) {
	return s.q.RecentBreakerEvents(ctx, limit)
}

// RecentRiskEvents returns the newest journaled events, optionally of one type.
func (s *Store) RecentRiskEvents(ctx context.Context, eventType string, limit int) ([]db.RiskEvent, error) {
	return s.q.RecentRiskEvents(ctx, eventType, limit)
}
