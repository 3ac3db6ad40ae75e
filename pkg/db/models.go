package db

import (
	"database/sql"
	"time"
)

// Time columns are stored as RFC 3339 text in UTC.
const timeLayout = time.RFC3339Nano

// Dates of daily snapshots are stored as YYYY-MM-DD.
const dateLayout = "2006-01-02"

// Trade is one row of the trades table.
type Trade struct {
	ID            string
	Symbol        string
	Direction     string
	EntryPrice    float64
	Quantity      float64
	StopLoss      float64
	TakeProfit    float64
	Margin        float64
	EntryFee      float64
	SignalTime    time.Time
	ExecutionTime time.Time
	Status        string
	ExitPrice     float64
	ExitFee       float64
	ClosedAt      *time.Time
	CloseReason   string
	RealizedPnL   float64
}

// DailySnapshot is the closing equity of one UTC day.
type DailySnapshot struct {
	Date   time.Time
	Equity float64
}

// Account is the single-row account state.
type Account struct {
	Balance           float64
	DayStartEquity    float64
	Day               time.Time
	ConsecutiveLosses int
	CoolDownUntil     *time.Time
	PeakEquity        float64
	WorstDailyLossPct float64

	// Breaker trip in force when the row was written; zero when armed.
	BreakerTripped bool
	TripReason     string
	TripValue      float64
	TripLimit      float64
	TrippedAt      *time.Time
	UpdatedAt      time.Time
}

// BreakerEvent records a circuit breaker trip or reset.
type BreakerEvent struct {
	ID        string
	Kind      string // "tripped" or "reset"
	Reason    string
	Value     float64
	Limit     float64
	Equity    float64
	Operator  string
	CreatedAt time.Time
}

// RiskEvent is a journaled bus event with its JSON payload.
type RiskEvent struct {
	ID        string
	Type      string
	Payload   string
	CreatedAt time.Time
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
