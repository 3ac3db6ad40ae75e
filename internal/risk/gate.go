package risk

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/events"
	"gatekeeper/internal/order"
	"gatekeeper/internal/portfolio"
	"gatekeeper/internal/strategy"
)

// UnsetStopDistancePct is used for open positions without a stop-loss.
const UnsetStopDistancePct = 5.0

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonCircuitBreaker Reason = "circuit_breaker"
	ReasonInvalidSignal  Reason = "invalid_signal"
	ReasonStaleSignal    Reason = "stale_signal"
	ReasonLowConfidence  Reason = "low_confidence"
	ReasonDailyLoss      Reason = "daily_loss_limit"
	ReasonCoolDown       Reason = "cool_down"
	ReasonCorrelation    Reason = "correlation_limit"
	ReasonPortfolioRisk  Reason = "portfolio_risk_limit"
)

// Decision is the gate outcome. A rejection is a normal result, not an error,
// and always carries the observed value and the limit it was compared with.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Reason   Reason  `json:"reason,omitempty"`
	Message  string  `json:"message,omitempty"`
	Observed float64 `json:"observed,omitempty"`
	Limit    float64 `json:"limit,omitempty"`
}

// Accept is the allowing decision.
func Accept() Decision { return Decision{Allowed: true} }

func reject(reason Reason, observed, limit float64, format string, args ...any) Decision {
	return Decision{
		Reason:   reason,
		Message:  fmt.Sprintf(format, args...),
		Observed: observed,
		Limit:    limit,
	}
}

// Input is the immutable view every check runs against.
type Input struct {
	Signal    strategy.Signal
	Portfolio portfolio.Snapshot
	Breaker   breaker.State
	Settings  Settings
	Now       time.Time
}

// Check is one named predicate of the gate.
type Check struct {
	Name string
	Fn   func(Input) Decision
}

// DefaultChecks is the fixed evaluation order. The breaker and signal sanity
// come first, then daily loss, cool-down, correlation and portfolio risk.
func DefaultChecks() []Check {
	return []Check{
		{Name: "circuit_breaker", Fn: CheckCircuitBreaker},
		{Name: "signal", Fn: CheckSignal},
		{Name: "daily_loss", Fn: CheckDailyLoss},
		{Name: "cool_down", Fn: CheckCoolDown},
		{Name: "correlation", Fn: CheckCorrelation},
		{Name: "portfolio_risk", Fn: CheckPortfolioRisk},
	}
}

// CheckCircuitBreaker rejects unconditionally while the breaker is tripped.
func CheckCircuitBreaker(in Input) Decision {
	if !in.Breaker.Tripped {
		return Accept()
	}
	return reject(ReasonCircuitBreaker, in.Breaker.TripValue, in.Breaker.TripLimit,
		"circuit breaker tripped on %s (%.2f%% vs limit %.2f%%); manual reset required",
		in.Breaker.TripReason, in.Breaker.TripValue, in.Breaker.TripLimit)
}

// CheckSignal rejects malformed, stale and low-confidence signals.
func CheckSignal(in Input) Decision {
	if err := in.Signal.Validate(); err != nil {
		return reject(ReasonInvalidSignal, 0, 0, "%v", err)
	}
	maxAge := in.Settings.SignalMaxAge()
	if age := in.Signal.Age(in.Now); age > maxAge {
		return reject(ReasonStaleSignal, age.Minutes(), maxAge.Minutes(),
			"signal is %.1f minutes old (max %.0f)", age.Minutes(), maxAge.Minutes())
	}
	if in.Signal.Confidence < in.Settings.MinConfidence {
		return reject(ReasonLowConfidence, in.Signal.Confidence, in.Settings.MinConfidence,
			"confidence %.2f below minimum %.2f", in.Signal.Confidence, in.Settings.MinConfidence)
	}
	return Accept()
}

// CheckDailyLoss rejects once (day_start - equity) / day_start * 100 reaches the
// limit. The deepest loss of the day counts, so a recovery within the same day
// does not lift the block; only the rollover does.
func CheckDailyLoss(in Input) Decision {
	loss := in.Portfolio.DailyLossPct()
	limit := in.Settings.DailyLossLimitPct
	if loss >= limit {
		return reject(ReasonDailyLoss, loss, limit,
			"daily loss %.2f%% reached limit %.2f%%", loss, limit)
	}
	if worst := in.Portfolio.WorstDailyLossPct; worst >= limit {
		return reject(ReasonDailyLoss, worst, limit,
			"daily loss reached %.2f%% earlier today (limit %.2f%%); blocked until rollover", worst, limit)
	}
	return Accept()
}

// CheckCoolDown rejects while a cool-down is active. Observed is the remaining minutes.
func CheckCoolDown(in Input) Decision {
	until := in.Portfolio.CoolDownUntil
	if until == nil || !in.Now.Before(*until) {
		return Accept()
	}
	remaining := until.Sub(in.Now).Minutes()
	return reject(ReasonCoolDown, remaining, float64(in.Settings.CoolDownMinutes),
		"cool-down after %d consecutive losses, %.1f minutes remaining",
		in.Portfolio.ConsecutiveLosses, remaining)
}

// ExposureRatio is the share of open notional already on the signal's side.
// ok is false when there is no open exposure.
func ExposureRatio(snap portfolio.Snapshot, dir order.Direction) (ratio float64, ok bool) {
	long, short := snap.Exposure()
	total := long + short
	if total <= 0 {
		return 0, false
	}
	if dir == order.Short {
		return short / total, true
	}
	return long / total, true
}

// CheckCorrelation rejects a signal whose side already holds more than
// correlation_limit of the value-weighted exposure. The first position always passes.
func CheckCorrelation(in Input) Decision {
	ratio, ok := ExposureRatio(in.Portfolio, in.Signal.Direction)
	if !ok {
		return Accept()
	}
	limit := in.Settings.CorrelationLimit
	if ratio > limit {
		return reject(ReasonCorrelation, ratio, limit,
			"%s exposure ratio %.2f exceeds correlation limit %.2f", in.Signal.Direction, ratio, limit)
	}
	return Accept()
}

// PortfolioRiskPct sums notional * stop distance over open positions relative to equity.
func PortfolioRiskPct(snap portfolio.Snapshot) float64 {
	var atRisk float64
	for _, t := range snap.Positions {
		dist := t.StopDistancePct()
		if dist <= 0 {
			dist = UnsetStopDistancePct
		}
		atRisk += t.Notional() * dist / 100
	}
	if atRisk == 0 {
		return 0
	}
	if snap.Equity <= 0 {
		return 100
	}
	return atRisk / snap.Equity * 100
}

// CheckPortfolioRisk rejects once aggregate open risk reaches the limit.
func CheckPortfolioRisk(in Input) Decision {
	total := PortfolioRiskPct(in.Portfolio)
	limit := in.Settings.MaxPortfolioRiskPct
	if total >= limit {
		return reject(ReasonPortfolioRisk, total, limit,
			"portfolio risk %.2f%% reached limit %.2f%%", total, limit)
	}
	return Accept()
}

// Stats are cumulative gate counters.
type Stats struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	AvgLatency      string `json:"avg_latency"`
}

// Gate evaluates signals against the ordered checks and publishes every rejection.
type Gate struct {
	checks  []Check
	bus     *events.Bus
	observe func(Decision, time.Duration)

	checksTotal  atomic.Uint64
	rejections   atomic.Uint64
	latencyNanos atomic.Uint64
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithChecks replaces the check list; used by tests.
func WithChecks(checks []Check) GateOption { return func(g *Gate) { g.checks = checks } }

// WithObserver is called after every evaluation with its latency.
func WithObserver(fn func(Decision, time.Duration)) GateOption {
	return func(g *Gate) { g.observe = fn }
}

// NewGate builds a gate publishing to bus (may be nil).
func NewGate(bus *events.Bus, opts ...GateOption) *Gate {
	g := &Gate{checks: DefaultChecks(), bus: bus}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the checks in order and stops at the first rejection.
// It never mutates the portfolio.
func (g *Gate) Evaluate(sig strategy.Signal, snap portfolio.Snapshot, brk breaker.State, settings Settings, now time.Time) Decision {
	start := time.Now()
	in := Input{Signal: sig, Portfolio: snap, Breaker: brk, Settings: settings, Now: now}

	d := Accept()
	for _, c := range g.checks {
		if d = c.Fn(in); !d.Allowed {
			break
		}
	}

	elapsed := time.Since(start)
	g.checksTotal.Add(1)
	g.latencyNanos.Add(uint64(elapsed.Nanoseconds()))
	if !d.Allowed {
		g.rejections.Add(1)
		log.Printf("[risk] rejected %s %s: %s (observed %.4f, limit %.4f)", sig.Symbol, sig.Direction, d.Reason, d.Observed, d.Limit)
		g.publish(sig, d)
	}
	if g.observe != nil {
		g.observe(d, elapsed)
	}
	return d
}

// Stats returns the cumulative counters.
func (g *Gate) Stats() Stats {
	total := g.checksTotal.Load()
	var avg time.Duration
	if total > 0 {
		avg = time.Duration(g.latencyNanos.Load() / total)
	}
	return Stats{ChecksTotal: total, RejectionsTotal: g.rejections.Load(), AvgLatency: avg.String()}
}

func (g *Gate) publish(sig strategy.Signal, d Decision) {
	if g.bus == nil {
		return
	}
	switch d.Reason {
	case ReasonDailyLoss:
		g.bus.Publish(events.EventDailyLossLimitReached, events.DailyLossLimitReached{
			Symbol: sig.Symbol, DailyLossPct: d.Observed, Limit: d.Limit,
		})
	case ReasonCorrelation:
		g.bus.Publish(events.EventCorrelationLimitExceeded, events.CorrelationLimitExceeded{
			Symbol: sig.Symbol, Direction: string(sig.Direction), CurrentRatio: d.Observed, Limit: d.Limit,
		})
	case ReasonPortfolioRisk:
		g.bus.Publish(events.EventPortfolioRiskLimitExceeded, events.PortfolioRiskLimitExceeded{
			Symbol: sig.Symbol, TotalRiskPct: d.Observed, Limit: d.Limit,
		})
	}
	g.bus.Publish(events.EventSignalRejected, events.SignalRejected{
		Symbol:    sig.Symbol,
		Direction: string(sig.Direction),
		Reason:    string(d.Reason),
		Message:   d.Message,
		Observed:  d.Observed,
		Limit:     d.Limit,
	})
}

// RecheckChecks are re-applied just before a trade is committed: anything that
// can change while the order is in flight.
func RecheckChecks() []Check {
	return []Check{
		{Name: "circuit_breaker", Fn: CheckCircuitBreaker},
		{Name: "daily_loss", Fn: CheckDailyLoss},
		{Name: "cool_down", Fn: CheckCoolDown},
		{Name: "correlation", Fn: CheckCorrelation},
		{Name: "portfolio_risk", Fn: CheckPortfolioRisk},
	}
}

// Recheck runs RecheckChecks against a fresh view. It has no side effects so
// it can run under the portfolio lock; report a rejection with Blocked.
func (g *Gate) Recheck(in Input) Decision {
	for _, c := range RecheckChecks() {
		if d := c.Fn(in); !d.Allowed {
			return d
		}
	}
	return Accept()
}

// Blocked counts, logs and publishes a rejection found by Recheck.
func (g *Gate) Blocked(sig strategy.Signal, d Decision) {
	g.rejections.Add(1)
	log.Printf("[risk] blocked %s %s before commit: %s", sig.Symbol, sig.Direction, d.Message)
	g.publish(sig, d)
}
