// Package engine is the trade orchestrator: it takes a signal through the risk
// gate, sizes and simulates the fill, commits the trade to the portfolio and
// manages closes, stop triggers and the daily rollover.
package engine

import (
	"context"
	"time"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/execution"
	"gatekeeper/internal/order"
	"gatekeeper/internal/portfolio"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/strategy"
)

// Service is what the API and CLI layers use. They never touch the portfolio
// or breaker directly.
type Service interface {
	HandleSignal(ctx context.Context, sig strategy.Signal) (Outcome, error)
	CloseTrade(ctx context.Context, id, reason string) (order.Trade, error)
	ResetBreaker(ctx context.Context, operator string) (breaker.State, error)
	Status(ctx context.Context) Status
	Settings() risk.SettingsBook
}

// Outcome reports what happened to one signal.
type Outcome struct {
	Signal   strategy.Signal        `json:"signal"`
	Decision risk.Decision          `json:"decision"`
	Plan     *risk.Plan             `json:"plan,omitempty"`
	Fill     *execution.FilledOrder `json:"fill,omitempty"`
	Trade    *order.Trade           `json:"trade,omitempty"`
}

// Accepted is true when a trade was opened.
func (o Outcome) Accepted() bool { return o.Trade != nil }

// Status is the operator view of the engine.
type Status struct {
	Time      time.Time          `json:"time"`
	Portfolio portfolio.Snapshot `json:"portfolio"`
	Breaker   breaker.State      `json:"breaker"`
	Gate      risk.Stats         `json:"gate"`
	Stops     int                `json:"tracked_stops"`
	Dropped   uint64             `json:"dropped_events"`
}

// Store is the persistence the engine writes through. Writes happen after the
// in-memory state has been updated and never under a portfolio lock.
type Store interface {
	portfolio.Store
	SaveTrade(ctx context.Context, t order.Trade) error
	UpdateTrade(ctx context.Context, t order.Trade) error
	SaveDailySnapshot(ctx context.Context, s portfolio.DailySnapshot) error
	SaveAccount(ctx context.Context, a portfolio.AccountState, brk breaker.State) error
	LoadBreaker(ctx context.Context) (breaker.State, bool, error)
}

// PriceSource returns the nominal price used for sizing.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}
