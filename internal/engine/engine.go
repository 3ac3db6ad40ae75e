package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/events"
	"gatekeeper/internal/execution"
	"gatekeeper/internal/order"
	"gatekeeper/internal/portfolio"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/strategy"
)

// Close reasons.
const (
	CloseManual     = "manual"
	CloseStopLoss   = risk.TriggerStopLoss
	CloseTakeProfit = risk.TriggerTakeProfit
)

// Deps are the collaborators of the engine. Store and Bus may be nil.
type Deps struct {
	Portfolio *portfolio.Portfolio
	Breaker   *breaker.Breaker
	Gate      *risk.Gate
	Simulator *execution.Simulator
	Prices    PriceSource
	Stops     *risk.StopMonitor
	Bus       *events.Bus
	Store     Store
	Settings  risk.SettingsBook
	Clock     func() time.Time
	Workers   int
}

// Engine implements Service.
type Engine struct {
	portfolio *portfolio.Portfolio
	breaker   *breaker.Breaker
	gate      *risk.Gate
	sim       *execution.Simulator
	prices    PriceSource
	stops     *risk.StopMonitor
	bus       *events.Bus
	store     Store
	now       func() time.Time
	workers   int

	mu       sync.RWMutex
	settings risk.SettingsBook

	saveMu     sync.Mutex
	savedWorst float64
}

// New wires an engine. Portfolio, Breaker, Simulator and Prices are required.
func New(d Deps) (*Engine, error) {
	if d.Portfolio == nil || d.Breaker == nil || d.Simulator == nil || d.Prices == nil {
		return nil, errors.New("engine: portfolio, breaker, simulator and prices are required")
	}
	if err := d.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		portfolio: d.Portfolio,
		breaker:   d.Breaker,
		gate:      d.Gate,
		sim:       d.Simulator,
		prices:    d.Prices,
		stops:     d.Stops,
		bus:       d.Bus,
		store:     d.Store,
		now:       d.Clock,
		workers:   d.Workers,
		settings:  d.Settings,
	}
	if e.gate == nil {
		e.gate = risk.NewGate(d.Bus)
	}
	if e.stops == nil {
		e.stops = risk.NewStopMonitor()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.workers <= 0 {
		e.workers = 8
	}
	return e, nil
}

// Load seeds the portfolio and breaker from the store and re-tracks stops.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if err := e.portfolio.Load(ctx, e.store); err != nil {
		return err
	}
	saved, ok, err := e.store.LoadBreaker(ctx)
	if err != nil {
		return fmt.Errorf("load breaker: %w", err)
	}
	if ok {
		e.breaker.Restore(saved)
	}
	snap := e.portfolio.Snapshot(e.now())
	for _, t := range snap.Positions {
		e.stops.Track(t)
	}
	e.breaker.Update(snap.Equity, snap.DailyPnL())
	return nil
}

// Settings returns the current settings book.
func (e *Engine) Settings() risk.SettingsBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// SetSettings swaps the settings book after validating it.
func (e *Engine) SetSettings(book risk.SettingsBook) error {
	if err := book.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.settings = book
	e.mu.Unlock()
	return nil
}

// HandleSignal runs one signal end to end. A rejection is returned as an
// Outcome with a nil error; an error means the attempt was aborted before any
// state was committed.
func (e *Engine) HandleSignal(ctx context.Context, sig strategy.Signal) (Outcome, error) {
	out := Outcome{Signal: sig}
	settings := e.Settings().For(sig.Symbol)
	now := e.now()

	out.Decision = e.gate.Evaluate(sig, e.portfolio.Snapshot(now), e.breaker.Snapshot(), settings, now)
	if !out.Decision.Allowed {
		return out, nil
	}

	nominal, err := e.prices.GetPrice(ctx, sig.Symbol)
	if err != nil {
		log.Printf("[engine] abort %s %s: nominal price: %v", sig.Symbol, sig.Direction, err)
		return out, fmt.Errorf("nominal price %s: %w", sig.Symbol, err)
	}

	plan, err := risk.BuildPlan(sig, nominal, e.portfolio.Equity(), settings)
	if err != nil {
		log.Printf("[engine] abort %s %s: sizing at %.4f: %v", sig.Symbol, sig.Direction, nominal, err)
		return out, err
	}
	out.Plan = &plan

	fill, err := e.sim.Simulate(ctx, execution.OrderIntent{
		Symbol:       sig.Symbol,
		Side:         sig.Direction.EntrySide(),
		Quantity:     plan.Quantity,
		NominalPrice: nominal,
	})
	if err != nil {
		log.Printf("[engine] abort %s %s qty %.6f: simulate: %v", sig.Symbol, sig.Direction, plan.Quantity, err)
		return out, fmt.Errorf("simulate %s: %w", sig.Symbol, err)
	}
	out.Fill = &fill

	e.portfolio.Mark(sig.Symbol, fill.ReferencePrice)
	sl, tp := risk.StopLevels(sig.Direction, fill.Price, settings, sig.SuggestedStopLoss, sig.SuggestedTakeProfit)
	leverage := settings.Leverage
	if leverage < 1 {
		leverage = 1
	}
	trade := order.Trade{
		ID:            uuid.NewString(),
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		EntryPrice:    fill.Price,
		Quantity:      fill.Quantity,
		StopLoss:      sl,
		TakeProfit:    tp,
		Margin:        fill.Quantity * fill.Price / leverage,
		EntryFee:      fill.Fee,
		SignalTime:    sig.Timestamp,
		ExecutionTime: e.now().UTC(),
		Status:        order.StatusOpen,
	}

	// The breaker or the portfolio may have moved while this signal was waiting
	// on the exchange; the final check and the open happen under one lock.
	brk := e.breaker.Snapshot()
	commitAt := e.now()
	var recheck risk.Decision
	err = e.portfolio.OpenIf(trade, commitAt, func(snap portfolio.Snapshot) bool {
		recheck = e.gate.Recheck(risk.Input{Signal: sig, Portfolio: snap, Breaker: brk, Settings: settings, Now: commitAt})
		return recheck.Allowed
	})
	if errors.Is(err, portfolio.ErrNotAdmitted) {
		e.gate.Blocked(sig, recheck)
		out.Decision = recheck
		return out, nil
	}
	if err != nil {
		log.Printf("[engine] abort %s %s: open: %v", sig.Symbol, sig.Direction, err)
		return out, fmt.Errorf("open trade: %w", err)
	}
	out.Trade = &trade
	e.stops.Track(trade)

	equity := e.portfolio.Equity()
	e.breaker.Update(equity, e.portfolio.DailyPnL())

	if e.store != nil {
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			log.Printf("[engine] persist trade %s failed: %v", trade.ID, err)
		}
		e.saveAccount(ctx)
	}
	log.Printf("[engine] opened %s %s %s qty %.6f @ %.4f (fill %.0f%%, SL %.4f, TP %.4f)",
		trade.ID, trade.Direction, trade.Symbol, trade.Quantity, trade.EntryPrice, fill.FillRatio*100, sl, tp)
	e.publish(events.EventTradeOpened, events.TradeOpened{
		TradeID:     trade.ID,
		Symbol:      trade.Symbol,
		Direction:   string(trade.Direction),
		EntryPrice:  trade.EntryPrice,
		Quantity:    trade.Quantity,
		FillRatio:   fill.FillRatio,
		StopLoss:    sl,
		TakeProfit:  tp,
		SlippagePct: fill.SlippagePct,
		ImpactPct:   fill.ImpactPct,
	})
	return out, nil
}

// CloseTrade exits an open trade at a simulated price and updates the loss
// streak, the breaker and storage. Two closes of the same trade never both succeed.
func (e *Engine) CloseTrade(ctx context.Context, id, reason string) (order.Trade, error) {
	t, err := e.portfolio.BeginClose(id)
	if err != nil {
		return order.Trade{}, err
	}
	if reason == "" {
		reason = CloseManual
	}

	mark := t.EntryPrice
	if snap := e.portfolio.Snapshot(e.now()); snap.Marks[t.Symbol] > 0 {
		mark = snap.Marks[t.Symbol]
	}
	fill, err := e.sim.Simulate(ctx, execution.OrderIntent{
		Symbol:       t.Symbol,
		Side:         t.Direction.ExitSide(),
		Quantity:     t.Quantity,
		NominalPrice: mark,
	})
	if err != nil {
		e.portfolio.AbortClose(id)
		e.stops.Release(id)
		log.Printf("[engine] close %s (%s) aborted: %v", id, reason, err)
		return order.Trade{}, fmt.Errorf("simulate exit %s: %w", id, err)
	}

	// Exits always flatten the whole position; the fee is charged on all of it.
	exitFee := fill.Price * t.Quantity * e.sim.Config().FeeRate
	now := e.now()
	closed, err := e.portfolio.Close(id, fill.Price, exitFee, reason, now)
	if err != nil {
		e.portfolio.AbortClose(id)
		e.stops.Release(id)
		return order.Trade{}, err
	}
	e.stops.Untrack(id)

	settings := e.Settings().For(t.Symbol)
	streak := e.portfolio.RecordResult(closed.RealizedPnL, settings.MaxConsecutiveLosses, settings.CoolDown(), now)
	if streak.Activated {
		log.Printf("[engine] cool-down after %d consecutive losses until %s", streak.ConsecutiveLosses, streak.CoolDownUntil.Format(time.RFC3339))
		e.publish(events.EventCooldownActivated, events.CooldownActivated{
			ConsecutiveLosses: streak.ConsecutiveLosses,
			CoolDownMinutes:   settings.CoolDownMinutes,
			Until:             *streak.CoolDownUntil,
		})
	}
	e.breaker.Update(e.portfolio.Equity(), e.portfolio.DailyPnL())

	if e.store != nil {
		if err := e.store.UpdateTrade(ctx, closed); err != nil {
			log.Printf("[engine] persist close %s failed: %v", id, err)
		}
		e.saveAccount(ctx)
	}
	log.Printf("[engine] closed %s %s @ %.4f pnl %.4f (%s)", closed.ID, closed.Symbol, closed.ExitPrice, closed.RealizedPnL, reason)
	e.publish(events.EventTradeClosed, events.TradeClosed{
		TradeID:     closed.ID,
		Symbol:      closed.Symbol,
		ExitPrice:   closed.ExitPrice,
		RealizedPnL: closed.RealizedPnL,
		Reason:      reason,
	})
	return closed, nil
}

// OnPrice revalues the portfolio, feeds the breaker and closes trades whose
// stop-loss or take-profit was crossed.
func (e *Engine) OnPrice(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	wasTripped := e.breaker.Tripped()
	equity := e.portfolio.Mark(symbol, price)
	st := e.breaker.Update(equity, e.portfolio.DailyPnL())
	e.publish(events.EventPriceTick, events.PriceTick{Symbol: symbol, Price: price, At: e.now().UTC()})

	// A fresh trip or a first daily-loss breach must survive a restart.
	if e.store != nil && ((st.Tripped && !wasTripped) || e.breachUnsaved()) {
		e.saveAccount(ctx)
	}

	for _, trig := range e.stops.UpdatePrice(symbol, price) {
		if _, err := e.CloseTrade(ctx, trig.TradeID, trig.Kind); err != nil {
			log.Printf("[engine] %s close of %s failed: %v", trig.Kind, trig.TradeID, err)
		}
	}
}

// breachUnsaved reports whether today's worst loss crossed a daily limit that
// the last saved account row had not crossed yet.
func (e *Engine) breachUnsaved() bool {
	limit := e.Settings().MinDailyLossLimitPct()
	worst := e.portfolio.Account().WorstDailyLossPct
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return worst >= limit && e.savedWorst < limit
}

// Rollover runs the daily boundary for portfolio and breaker. It is idempotent
// within a UTC day.
func (e *Engine) Rollover(ctx context.Context, now time.Time) bool {
	snap, rolled := e.portfolio.Rollover(now)
	e.breaker.RollDay(now, e.portfolio.Equity())
	if !rolled {
		return false
	}
	log.Printf("[engine] daily rollover: %s closed at equity %.2f", snap.Date.Format("2006-01-02"), snap.Equity)
	if e.store != nil {
		if err := e.store.SaveDailySnapshot(ctx, snap); err != nil {
			log.Printf("[engine] persist daily snapshot failed: %v", err)
		}
		e.saveAccount(ctx)
	}
	return true
}

// ResetBreaker is the manual re-arm. Callers authenticate operator first.
func (e *Engine) ResetBreaker(ctx context.Context, operator string) (breaker.State, error) {
	st, err := e.breaker.Reset(operator)
	if err != nil {
		return st, err
	}
	if e.store != nil {
		e.saveAccount(ctx)
	}
	return st, nil
}

// Status returns the operator view.
func (e *Engine) Status(ctx context.Context) Status {
	now := e.now()
	st := Status{
		Time:      now.UTC(),
		Portfolio: e.portfolio.Snapshot(now),
		Breaker:   e.breaker.Snapshot(),
		Gate:      e.gate.Stats(),
		Stops:     e.stops.Len(),
	}
	if e.bus != nil {
		st.Dropped = e.bus.Dropped()
	}
	return st
}

// Run consumes signals until ctx is done or the channel closes. Signals are
// handled concurrently, at most Workers at a time.
func (e *Engine) Run(ctx context.Context, signals <-chan strategy.Signal) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case sig, ok := <-signals:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				out, err := e.HandleSignal(gctx, sig)
				if err != nil {
					log.Printf("[engine] signal %s %s failed: %v", sig.Symbol, sig.Direction, err)
				} else if !out.Decision.Allowed {
					log.Printf("[engine] signal %s %s declined: %s", sig.Symbol, sig.Direction, out.Decision.Reason)
				}
				return nil
			})
		}
	}
}

func (e *Engine) saveAccount(ctx context.Context) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	acct := e.portfolio.Account()
	if err := e.store.SaveAccount(ctx, acct, e.breaker.Snapshot()); err != nil {
		log.Printf("[engine] persist account failed: %v", err)
		return
	}
	e.savedWorst = acct.WorstDailyLossPct
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
