package portfolio

import (
	"time"

	"gatekeeper/internal/order"
)

// Snapshot is an immutable, deep-copied view of the portfolio used by risk checks.
type Snapshot struct {
	TakenAt           time.Time          `json:"taken_at"`
	Equity            float64            `json:"equity"`
	Balance           float64            `json:"balance"`
	DayStartEquity    float64            `json:"day_start_equity"`
	RealizedToday     float64            `json:"realized_today"`
	WorstDailyLossPct float64            `json:"worst_daily_loss_pct"`
	Positions         []order.Trade      `json:"positions"`
	Marks             map[string]float64 `json:"marks"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	CoolDownUntil     *time.Time         `json:"cool_down_until,omitempty"`
	DailySnapshots    []DailySnapshot    `json:"daily_snapshots"`
}

// Snapshot copies the current state. An expired cool-down is reported as none.
func (p *Portfolio) Snapshot(now time.Time) Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked(now)
}

func (p *Portfolio) snapshotLocked(now time.Time) Snapshot {
	positions := make([]order.Trade, len(p.positions))
	for i, t := range p.positions {
		t.ClosedAt = copyTime(t.ClosedAt)
		positions[i] = t
	}
	marks := make(map[string]float64, len(p.marks))
	for k, v := range p.marks {
		marks[k] = v
	}
	var cd *time.Time
	if p.coolDownUntil != nil && now.Before(*p.coolDownUntil) {
		cd = copyTime(p.coolDownUntil)
	}
	return Snapshot{
		TakenAt:           now,
		Equity:            p.equity,
		Balance:           p.balance,
		DayStartEquity:    p.dayStartEquity,
		RealizedToday:     p.realizedToday,
		WorstDailyLossPct: p.worstDailyLossPct,
		Positions:         positions,
		Marks:             marks,
		ConsecutiveLosses: p.consecutiveLosses,
		CoolDownUntil:     cd,
		DailySnapshots:    append([]DailySnapshot(nil), p.snapshots...),
	}
}

// DailyPnL is equity minus the day-start baseline.
func (s Snapshot) DailyPnL() float64 {
	return s.Equity - s.DayStartEquity
}

// DailyLossPct is (day_start_equity - equity) / day_start_equity * 100; negative on a winning day.
func (s Snapshot) DailyLossPct() float64 {
	if s.DayStartEquity <= 0 {
		return 0
	}
	return (s.DayStartEquity - s.Equity) / s.DayStartEquity * 100
}

// Exposure sums quantity*entry_price of open positions by direction.
func (s Snapshot) Exposure() (long, short float64) {
	for _, t := range s.Positions {
		switch t.Direction {
		case order.Long:
			long += t.Notional()
		case order.Short:
			short += t.Notional()
		}
	}
	return long, short
}
