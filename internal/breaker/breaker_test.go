package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/events"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(equity float64) (*Breaker, *clock, *events.Bus) {
	c := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	return New(DefaultLimits(), equity, WithClock(c.now), WithBus(bus)), c, bus
}

func TestBreakerTripsOnDrawdown(t *testing.T) {
	b, _, bus := newTestBreaker(10000)
	trips, unsub := bus.Subscribe(events.EventCircuitBreakerTripped, 1)
	defer unsub()

	st := b.Update(8400, 0)
	require.True(t, st.Tripped)
	assert.Equal(t, ReasonDrawdown, st.TripReason)
	assert.InDelta(t, 16.0, st.TripValue, 1e-9)
	assert.Equal(t, 15.0, st.TripLimit)
	assert.True(t, b.Tripped())

	env := <-trips
	p := env.Payload.(events.CircuitBreakerTripped)
	assert.Equal(t, "drawdown", p.Reason)
	assert.InDelta(t, 16.0, p.Value, 1e-9)

	var tripErr *TripError
	require.True(t, errors.As(st.Err(), &tripErr))
	assert.ErrorIs(t, st.Err(), ErrTripped)
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	b, _, _ := newTestBreaker(10000)
	st := b.Update(9400, -600)
	require.True(t, st.Tripped)
	assert.Equal(t, ReasonDailyLoss, st.TripReason)
	assert.InDelta(t, 6.0, st.TripValue, 1e-9)
}

func TestBreakerTracksPeak(t *testing.T) {
	b, _, _ := newTestBreaker(10000)
	b.Update(12000, 2000)
	st := b.Update(10500, 500)
	assert.False(t, st.Tripped)
	assert.Equal(t, 12000.0, st.PeakEquity)
	assert.InDelta(t, 12.5, st.DrawdownPct, 1e-9)
}

func TestBreakerKeepsFirstReason(t *testing.T) {
	b, _, _ := newTestBreaker(10000)
	b.Update(9400, -600)
	st := b.Update(5000, -5000)
	assert.Equal(t, ReasonDailyLoss, st.TripReason)
	assert.InDelta(t, 6.0, st.TripValue, 1e-9)
}

func TestBreakerNeverUntripsOnRecovery(t *testing.T) {
	b, _, _ := newTestBreaker(10000)
	b.Update(8000, 0)
	st := b.Update(11000, 1000)
	assert.True(t, st.Tripped, "equity recovery must not silently re-arm")
}

func TestBreakerDailyAutoReset(t *testing.T) {
	b, c, bus := newTestBreaker(10000)
	resets, unsub := bus.Subscribe(events.EventCircuitBreakerReset, 1)
	defer unsub()

	b.Update(8400, 0)
	_, rolled := b.RollDay(c.t.Add(2*time.Hour), 8400)
	assert.False(t, rolled)
	assert.True(t, b.Tripped())

	st, rolled := b.RollDay(c.t.Add(24*time.Hour), 8400)
	require.True(t, rolled)
	assert.False(t, st.Tripped)
	assert.Equal(t, 8400.0, st.PeakEquity)
	assert.Equal(t, "daily_rollover", st.ResetBy)
	env := <-resets
	assert.True(t, env.Payload.(events.CircuitBreakerReset).Automatic)

	_, rolled = b.RollDay(c.t.Add(25*time.Hour), 8400)
	assert.False(t, rolled, "only once per UTC day")
}

func TestBreakerManualReset(t *testing.T) {
	b, _, _ := newTestBreaker(10000)
	_, err := b.Reset("alice")
	assert.ErrorIs(t, err, ErrNotTripped)

	b.Update(8400, 0)
	_, err = b.Reset("")
	assert.ErrorIs(t, err, ErrOperatorRequired)
	assert.True(t, b.Tripped())

	st, err := b.Reset("alice")
	require.NoError(t, err)
	assert.False(t, st.Tripped)
	assert.Equal(t, "alice", st.ResetBy)
	assert.Nil(t, st.Err())

	st = b.Update(8300, 0)
	assert.False(t, st.Tripped, "peak was re-based at reset")
}

func TestLimitsValidate(t *testing.T) {
	assert.NoError(t, DefaultLimits().Validate())
	assert.Error(t, Limits{DailyLossPct: 0, MaxDrawdownPct: 10}.Validate())
	assert.Error(t, Limits{DailyLossPct: 5, MaxDrawdownPct: 101}.Validate())
}

func TestRestoreOnlyRaisesPeak(t *testing.T) {
	b, _, _ := newTestBreaker(10000)
	b.Restore(State{PeakEquity: 9000})
	assert.Equal(t, 10000.0, b.Snapshot().PeakEquity)
	b.Restore(State{PeakEquity: 11000})
	assert.Equal(t, 11000.0, b.Snapshot().PeakEquity)
	assert.False(t, b.Tripped())
}

func TestRestoreKeepsSameDayTrip(t *testing.T) {
	src, c, _ := newTestBreaker(10000)
	c.t = c.t.Add(2 * time.Hour)
	src.Update(9300, -700)
	saved := src.Snapshot()
	require.True(t, saved.Tripped)

	b, _, _ := newTestBreaker(10000)
	b.Restore(saved)
	st := b.Update(9900, -100)
	assert.True(t, st.Tripped, "a recovered equity does not clear a restored trip")
	assert.Equal(t, ReasonDailyLoss, st.TripReason)
	assert.InDelta(t, 7, st.TripValue, 1e-9)
	require.NotNil(t, st.TrippedAt)
	assert.True(t, saved.TrippedAt.Equal(*st.TrippedAt))

	_, err := b.Reset("ops")
	require.NoError(t, err)
	assert.False(t, b.Tripped())
}

func TestRestoreIgnoresTripFromEarlierDay(t *testing.T) {
	b, c, _ := newTestBreaker(10000)
	yesterday := c.t.Add(-24 * time.Hour)
	b.Restore(State{Tripped: true, TripReason: ReasonDrawdown, TripValue: 16, TripLimit: 15, TrippedAt: &yesterday, PeakEquity: 10000})
	assert.False(t, b.Tripped())
}
