// Package portfolio holds the account state shared by every signal task:
// equity, free balance, open positions, the loss streak and daily snapshots.
//
// All reads take the shared lock and return deep copies; every mutation takes
// the exclusive lock for the mutation only. No method performs I/O while
// holding the lock.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gatekeeper/internal/order"
)

// MaxDailySnapshots bounds the equity history kept in memory.
const MaxDailySnapshots = 365

var (
	ErrDuplicateTrade      = errors.New("trade id already exists")
	ErrTradeNotFound       = errors.New("trade not found")
	ErrTradeClosed         = errors.New("trade already closed")
	ErrTradeClosing        = errors.New("trade close already in progress")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTrade        = errors.New("invalid trade")

	// ErrNotAdmitted is returned by OpenIf when admit declines the trade.
	ErrNotAdmitted = errors.New("trade not admitted")
)

// DailySnapshot is the equity recorded at a UTC day rollover.
type DailySnapshot struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
}

// AccountState is the part of the portfolio that survives restarts besides open trades.
type AccountState struct {
	Balance           float64
	DayStartEquity    float64
	Day               time.Time
	ConsecutiveLosses int
	CoolDownUntil     *time.Time
	WorstDailyLossPct float64
}

// Store is the persistence the portfolio is seeded from on startup.
type Store interface {
	ListOpenTrades(ctx context.Context) ([]order.Trade, error)
	ListDailySnapshots(ctx context.Context, limit int) ([]DailySnapshot, error)
	LoadAccount(ctx context.Context) (AccountState, bool, error)
}

// Streak is the loss-streak state after RecordResult.
type Streak struct {
	ConsecutiveLosses int
	CoolDownUntil     *time.Time
	// Activated is true when this result started a new cool-down.
	Activated bool
}

// Portfolio is safe for concurrent use.
type Portfolio struct {
	mu sync.RWMutex

	equity         float64
	balance        float64
	positions      []order.Trade
	closing        map[string]struct{}
	closed         map[string]struct{}
	marks          map[string]float64
	dayStartEquity float64
	realizedToday  float64
	day            time.Time

	// worstDailyLossPct is the deepest daily loss seen since the day began.
	// It only grows until Rollover.
	worstDailyLossPct float64

	consecutiveLosses int
	coolDownUntil     *time.Time
	snapshots         []DailySnapshot
}

// New creates a flat portfolio holding initialBalance in cash.
func New(initialBalance float64, now time.Time) *Portfolio {
	if initialBalance < 0 {
		initialBalance = 0
	}
	return &Portfolio{
		equity:         initialBalance,
		balance:        initialBalance,
		closing:        make(map[string]struct{}),
		closed:         make(map[string]struct{}),
		marks:          make(map[string]float64),
		dayStartEquity: initialBalance,
		day:            utcDay(now),
	}
}

// Load seeds open trades, snapshots and the account state from storage.
func (p *Portfolio) Load(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	trades, err := store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	snaps, err := store.ListDailySnapshots(ctx, MaxDailySnapshots)
	if err != nil {
		return fmt.Errorf("load daily snapshots: %w", err)
	}
	acct, haveAcct, err := store.LoadAccount(ctx)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if haveAcct {
		p.balance = acct.Balance
		p.consecutiveLosses = acct.ConsecutiveLosses
		p.coolDownUntil = copyTime(acct.CoolDownUntil)
	} else {
		// Fresh database: margins of restored trades come out of the configured cash.
		for _, t := range trades {
			p.balance -= t.Margin + t.EntryFee
		}
	}
	p.positions = p.positions[:0]
	for _, t := range trades {
		t.Status = order.StatusOpen
		p.positions = append(p.positions, t)
	}
	p.snapshots = append([]DailySnapshot(nil), snaps...)
	p.trimSnapshotsLocked()
	p.worstDailyLossPct = 0
	p.dayStartEquity = 0
	p.recomputeLocked()

	if haveAcct && utcDay(acct.Day).Equal(p.day) && acct.DayStartEquity > 0 {
		p.dayStartEquity = acct.DayStartEquity
		p.worstDailyLossPct = acct.WorstDailyLossPct
	} else {
		p.dayStartEquity = p.equity
	}
	p.recomputeLocked()
	log.Printf("[portfolio] loaded %d open trades, balance %.2f, equity %.2f", len(trades), p.balance, p.equity)
	return nil
}

// Open appends a new position and reserves its margin and entry fee.
func (p *Portfolio) Open(t order.Trade) error {
	return p.OpenIf(t, time.Time{}, nil)
}

// OpenIf opens t only if admit accepts a snapshot taken under the same
// exclusive lock, so no other open can land between the check and the commit.
// admit must not block. A declined trade yields ErrNotAdmitted.
func (p *Portfolio) OpenIf(t order.Trade, now time.Time, admit func(Snapshot) bool) error {
	if t.ID == "" || t.Symbol == "" || !t.Direction.Valid() || t.Quantity <= 0 || t.EntryPrice <= 0 || t.Margin < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidTrade, t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.closed[t.ID]; done || p.indexLocked(t.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.ID)
	}
	if admit != nil && !admit(p.snapshotLocked(now)) {
		return fmt.Errorf("%w: %s", ErrNotAdmitted, t.ID)
	}
	cost := t.Margin + t.EntryFee
	if cost > p.balance {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, cost, p.balance)
	}

	t.Status = order.StatusOpen
	t.ClosedAt = nil
	p.balance -= cost
	p.positions = append(p.positions, t)
	if _, ok := p.marks[t.Symbol]; !ok {
		p.marks[t.Symbol] = t.EntryPrice
	}
	p.recomputeLocked()
	return nil
}

// BeginClose reserves the trade for closing. A second caller gets ErrTradeClosing
// until the first one calls Close or AbortClose.
func (p *Portfolio) BeginClose(id string) (order.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.closed[id]; done {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeClosed, id)
	}
	i := p.indexLocked(id)
	if i < 0 {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if _, busy := p.closing[id]; busy {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeClosing, id)
	}
	p.closing[id] = struct{}{}
	return p.positions[i], nil
}

// AbortClose releases a reservation taken by BeginClose.
func (p *Portfolio) AbortClose(id string) {
	p.mu.Lock()
	delete(p.closing, id)
	p.mu.Unlock()
}

// Close realizes the trade at exitPrice, paying exitFee. The returned trade is
// the closed record with RealizedPnL net of both entry and exit fees.
func (p *Portfolio) Close(id string, exitPrice, exitFee float64, reason string, now time.Time) (order.Trade, error) {
	if exitPrice <= 0 {
		return order.Trade{}, fmt.Errorf("%w: exit price %.8f", ErrInvalidTrade, exitPrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.closed[id]; done {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeClosed, id)
	}
	i := p.indexLocked(id)
	if i < 0 {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}

	t := p.positions[i]
	gross := order.CalculatePnL(t.Direction, t.Quantity, t.EntryPrice, exitPrice, 0)
	closedAt := now.UTC()
	t.Status = order.StatusClosed
	t.ExitPrice = exitPrice
	t.ExitFee = exitFee
	t.ClosedAt = &closedAt
	t.CloseReason = reason
	t.RealizedPnL = gross - exitFee - t.EntryFee

	p.balance += t.Margin + gross - exitFee
	if p.balance < 0 {
		p.balance = 0
	}
	p.realizedToday += t.RealizedPnL
	p.positions = append(p.positions[:i], p.positions[i+1:]...)
	delete(p.closing, id)
	p.closed[id] = struct{}{}
	p.recomputeLocked()
	return t, nil
}

// RecordResult updates the loss streak from a realized P&L. A loss increments
// the counter and starts a cool-down when it reaches maxLosses; a profit resets
// the counter and clears any cool-down; zero leaves both untouched.
func (p *Portfolio) RecordResult(pnl float64, maxLosses int, coolDown time.Duration, now time.Time) Streak {
	p.mu.Lock()
	defer p.mu.Unlock()

	var activated bool
	switch {
	case pnl < 0:
		p.consecutiveLosses++
		if maxLosses > 0 && p.consecutiveLosses >= maxLosses {
			until := now.Add(coolDown).UTC()
			p.coolDownUntil = &until
			activated = true
		}
	case pnl > 0:
		p.consecutiveLosses = 0
		p.coolDownUntil = nil
	}
	return Streak{
		ConsecutiveLosses: p.consecutiveLosses,
		CoolDownUntil:     copyTime(p.coolDownUntil),
		Activated:         activated,
	}
}

// Mark records the last price of symbol and revalues open positions.
// It returns the new equity.
func (p *Portfolio) Mark(symbol string, price float64) float64 {
	if price <= 0 {
		return p.Equity()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
	p.recomputeLocked()
	return p.equity
}

// Revalue applies several marks at once.
func (p *Portfolio) Revalue(prices map[string]float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sym, px := range prices {
		if px > 0 {
			p.marks[sym] = px
		}
	}
	p.recomputeLocked()
	return p.equity
}

// Rollover closes the current UTC day if now is on a later day: the day's
// closing equity is appended to the snapshots and becomes the new baseline.
// It reports whether a rollover happened.
func (p *Portfolio) Rollover(now time.Time) (DailySnapshot, bool) {
	day := utcDay(now)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !day.After(p.day) {
		return DailySnapshot{}, false
	}
	snap := DailySnapshot{Date: p.day, Equity: p.equity}
	p.snapshots = append(p.snapshots, snap)
	p.trimSnapshotsLocked()

	p.day = day
	p.dayStartEquity = p.equity
	p.realizedToday = 0
	p.worstDailyLossPct = 0
	// Ids closed on earlier days are only guarded by storage from here on.
	p.closed = make(map[string]struct{})
	if p.coolDownUntil != nil && !now.Before(*p.coolDownUntil) {
		p.coolDownUntil = nil
	}
	return snap, true
}

// Equity returns the current account value.
func (p *Portfolio) Equity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity
}

// DailyPnL is equity minus the day-start baseline.
func (p *Portfolio) DailyPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity - p.dayStartEquity
}

// Account returns the persistable account state.
func (p *Portfolio) Account() AccountState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return AccountState{
		Balance:           p.balance,
		DayStartEquity:    p.dayStartEquity,
		Day:               p.day,
		ConsecutiveLosses: p.consecutiveLosses,
		CoolDownUntil:     copyTime(p.coolDownUntil),
		WorstDailyLossPct: p.worstDailyLossPct,
	}
}

// Position returns an open trade by id.
func (p *Portfolio) Position(id string) (order.Trade, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := p.indexLocked(id)
	if i < 0 {
		return order.Trade{}, false
	}
	return p.positions[i], true
}

func (p *Portfolio) indexLocked(id string) int {
	for i := range p.positions {
		if p.positions[i].ID == id {
			return i
		}
	}
	return -1
}

// recomputeLocked derives equity = balance + Σ(margin + unrealized P&L), floored
// at 0, and raises the day's worst loss.
func (p *Portfolio) recomputeLocked() {
	eq := p.balance
	for _, t := range p.positions {
		mark, ok := p.marks[t.Symbol]
		if !ok {
			mark = t.EntryPrice
		}
		eq += t.Margin + t.UnrealizedPnL(mark)
	}
	if eq < 0 {
		eq = 0
	}
	p.equity = eq
	if p.dayStartEquity > 0 {
		if loss := (p.dayStartEquity - eq) / p.dayStartEquity * 100; loss > p.worstDailyLossPct {
			p.worstDailyLossPct = loss
		}
	}
}

func (p *Portfolio) trimSnapshotsLocked() {
	if over := len(p.snapshots) - MaxDailySnapshots; over > 0 {
		p.snapshots = append([]DailySnapshot(nil), p.snapshots[over:]...)
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
