// Package breaker implements the account-level circuit breaker: it trips on a
// daily loss or drawdown breach and blocks every trade until it is re-armed by
// the UTC day rollover or by an authenticated operator.
package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gatekeeper/internal/events"
)

// Reason is why the breaker tripped.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonDailyLoss Reason = "daily_loss"
	ReasonDrawdown  Reason = "drawdown"
)

var (
	// ErrTripped blocks trade acceptance while the breaker is tripped.
	ErrTripped = errors.New("circuit breaker tripped")
	// ErrNotTripped is returned by Reset when there is nothing to reset.
	ErrNotTripped = errors.New("circuit breaker is armed")
	// ErrOperatorRequired is returned by Reset without an operator identity.
	ErrOperatorRequired = errors.New("manual reset requires an operator")
)

// TripError carries the numbers behind a trip and matches ErrTripped.
type TripError struct {
	Reason Reason
	Value  float64
	Limit  float64
}

func (e *TripError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %s %.2f%% >= %.2f%%", e.Reason, e.Value, e.Limit)
}

func (e *TripError) Unwrap() error { return ErrTripped }

// Limits are the trip thresholds in percent.
type Limits struct {
	DailyLossPct   float64 `yaml:"daily_loss_pct" json:"daily_loss_pct"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
}

// DefaultLimits trips at 5% daily loss or 15% drawdown.
func DefaultLimits() Limits {
	return Limits{DailyLossPct: 5, MaxDrawdownPct: 15}
}

// Validate rejects out-of-range values instead of clamping them.
func (l Limits) Validate() error {
	if l.DailyLossPct <= 0 || l.DailyLossPct > 100 {
		return fmt.Errorf("breaker.daily_loss_pct must be in (0,100], got %v", l.DailyLossPct)
	}
	if l.MaxDrawdownPct <= 0 || l.MaxDrawdownPct > 100 {
		return fmt.Errorf("breaker.max_drawdown_pct must be in (0,100], got %v", l.MaxDrawdownPct)
	}
	return nil
}

// State is a copy of the breaker state.
type State struct {
	Tripped      bool       `json:"tripped"`
	PeakEquity   float64    `json:"peak_equity"`
	LastEquity   float64    `json:"last_equity"`
	DrawdownPct  float64    `json:"drawdown_pct"`
	DailyLossPct float64    `json:"daily_loss_pct"`
	TripReason   Reason     `json:"trip_reason,omitempty"`
	TripValue    float64    `json:"trip_value,omitempty"`
	TripLimit    float64    `json:"trip_limit,omitempty"`
	TrippedAt    *time.Time `json:"tripped_at,omitempty"`
	LastReset    time.Time  `json:"last_reset"`
	ResetBy      string     `json:"reset_by,omitempty"`
	Limits       Limits     `json:"limits"`
}

// Err returns a *TripError when tripped, nil otherwise.
func (s State) Err() error {
	if !s.Tripped {
		return nil
	}
	return &TripError{Reason: s.TripReason, Value: s.TripValue, Limit: s.TripLimit}
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithBus publishes trip and reset events.
func WithBus(bus *events.Bus) Option { return func(b *Breaker) { b.bus = bus } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// Breaker is safe for concurrent use.
type Breaker struct {
	mu     sync.RWMutex
	limits Limits
	state  State
	day    time.Time
	bus    *events.Bus
	now    func() time.Time
}

// New creates an armed breaker with PeakEquity = initialEquity.
func New(limits Limits, initialEquity float64, opts ...Option) *Breaker {
	b := &Breaker{limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.day = utcDay(b.now())
	b.state = State{
		PeakEquity: initialEquity,
		LastEquity: initialEquity,
		LastReset:  b.day,
		Limits:     limits,
	}
	return b
}

// Restore seeds the breaker from a persisted state. A lower stored peak is
// ignored. A trip recorded on the current UTC day stays in force until a manual
// reset; one from an earlier day was already covered by the day rollover.
func (b *Breaker) Restore(saved State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if saved.PeakEquity > b.state.PeakEquity {
		b.state.PeakEquity = saved.PeakEquity
	}
	if !saved.Tripped || saved.TrippedAt == nil {
		return
	}
	if utcDay(*saved.TrippedAt).Before(b.day) {
		log.Printf("[breaker] stored trip from %s expired at rollover", saved.TrippedAt.Format("2006-01-02"))
		return
	}
	at := saved.TrippedAt.UTC()
	b.state.Tripped = true
	b.state.TripReason = saved.TripReason
	b.state.TripValue = saved.TripValue
	b.state.TripLimit = saved.TripLimit
	b.state.TrippedAt = &at
	log.Printf("[breaker] restored trip: %s %.2f%% (limit %.2f%%) since %s",
		saved.TripReason, saved.TripValue, saved.TripLimit, at.Format(time.RFC3339))
}

// Update feeds a new equity reading. dailyPnL is equity minus the day-start
// baseline. A tripped breaker stays tripped with its first reason.
func (b *Breaker) Update(currentEquity, dailyPnL float64) State {
	b.mu.Lock()
	st := &b.state
	if currentEquity > st.PeakEquity {
		st.PeakEquity = currentEquity
	}
	st.LastEquity = currentEquity
	st.DrawdownPct = 0
	if st.PeakEquity > 0 {
		st.DrawdownPct = (st.PeakEquity - currentEquity) / st.PeakEquity * 100
	}
	st.DailyLossPct = 0
	if base := currentEquity - dailyPnL; base > 0 {
		st.DailyLossPct = -dailyPnL / base * 100
	}

	var tripped *events.CircuitBreakerTripped
	if !st.Tripped {
		switch {
		case st.DailyLossPct >= b.limits.DailyLossPct:
			tripped = b.tripLocked(ReasonDailyLoss, st.DailyLossPct, b.limits.DailyLossPct)
		case st.DrawdownPct >= b.limits.MaxDrawdownPct:
			tripped = b.tripLocked(ReasonDrawdown, st.DrawdownPct, b.limits.MaxDrawdownPct)
		}
	}
	out := b.copyLocked()
	b.mu.Unlock()

	if tripped != nil {
		log.Printf("[breaker] TRIPPED: %s %.2f%% (limit %.2f%%), equity %.2f peak %.2f",
			tripped.Reason, tripped.Value, tripped.Limit, tripped.Equity, tripped.PeakEquity)
		b.publish(events.EventCircuitBreakerTripped, *tripped)
	}
	return out
}

func (b *Breaker) tripLocked(reason Reason, value, limit float64) *events.CircuitBreakerTripped {
	now := b.now().UTC()
	b.state.Tripped = true
	b.state.TripReason = reason
	b.state.TripValue = value
	b.state.TripLimit = limit
	b.state.TrippedAt = &now
	return &events.CircuitBreakerTripped{
		Reason:     string(reason),
		Value:      value,
		Limit:      limit,
		Equity:     b.state.LastEquity,
		PeakEquity: b.state.PeakEquity,
	}
}

// RollDay re-arms the breaker once per UTC day. The peak is re-based to equity
// when a trip is cleared so the same drawdown does not re-trip immediately.
// It reports whether a new day started.
func (b *Breaker) RollDay(now time.Time, equity float64) (State, bool) {
	day := utcDay(now)

	b.mu.Lock()
	if !day.After(b.day) {
		out := b.copyLocked()
		b.mu.Unlock()
		return out, false
	}
	b.day = day
	wasTripped := b.state.Tripped
	if wasTripped {
		b.clearLocked(equity, "daily_rollover")
	}
	b.state.LastReset = day
	b.state.DailyLossPct = 0
	out := b.copyLocked()
	b.mu.Unlock()

	if wasTripped {
		log.Printf("[breaker] re-armed at daily rollover %s", day.Format("2006-01-02"))
		b.publish(events.EventCircuitBreakerReset, events.CircuitBreakerReset{Operator: "daily_rollover", Automatic: true})
	}
	return out, true
}

// Reset is the manual re-arm after a mid-day trip. Callers must have
// authenticated operator before calling it.
func (b *Breaker) Reset(operator string) (State, error) {
	if operator == "" {
		return State{}, ErrOperatorRequired
	}
	b.mu.Lock()
	if !b.state.Tripped {
		out := b.copyLocked()
		b.mu.Unlock()
		return out, ErrNotTripped
	}
	b.clearLocked(b.state.LastEquity, operator)
	b.state.LastReset = utcDay(b.now())
	out := b.copyLocked()
	b.mu.Unlock()

	log.Printf("[breaker] manually reset by %s", operator)
	b.publish(events.EventCircuitBreakerReset, events.CircuitBreakerReset{Operator: operator})
	return out, nil
}

func (b *Breaker) clearLocked(equity float64, by string) {
	b.state.Tripped = false
	b.state.TripReason = ReasonNone
	b.state.TripValue = 0
	b.state.TripLimit = 0
	b.state.TrippedAt = nil
	b.state.ResetBy = by
	if equity > 0 {
		b.state.PeakEquity = equity
	}
	b.state.DrawdownPct = 0
}

// Tripped reports whether trading is blocked.
func (b *Breaker) Tripped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Tripped
}

// Snapshot returns a copy of the state.
func (b *Breaker) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyLocked()
}

// Limits returns the configured thresholds.
func (b *Breaker) Limits() Limits {
	return b.limits
}

func (b *Breaker) copyLocked() State {
	out := b.state
	if b.state.TrippedAt != nil {
		t := *b.state.TrippedAt
		out.TrippedAt = &t
	}
	return out
}

func (b *Breaker) publish(e events.Event, payload any) {
	if b.bus != nil {
		b.bus.Publish(e, payload)
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
