package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/events"
	"gatekeeper/internal/risk"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	gateLatency  prometheus.Histogram
	tradesOpened prometheus.Counter
	tradesClosed *prometheus.CounterVec
	realizedPnL  prometheus.Gauge
	slippage     prometheus.Histogram
	fillRatio    prometheus.Histogram
	breakerTrips *prometheus.CounterVec
	cooldowns    prometheus.Counter

	equity       prometheus.Gauge
	drawdownPct  prometheus.Gauge
	dailyLossPct prometheus.Gauge
	tripped      prometheus.Gauge
	openTrades   prometheus.Gauge

	limiterWait prometheus.Histogram
	retries     prometheus.Counter

	apiRequests *prometheus.CounterVec
	apiLatency  prometheus.Histogram
}

// NewMetrics registers every collector plus the Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_gate_decisions_total",
			Help: "Risk gate decisions by reason; accepted signals have reason \"accepted\"",
		}, []string{"reason"}),
		gateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_gate_latency_seconds",
			Help:    "Time to evaluate all gate checks for one signal",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		tradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_trades_opened_total",
			Help: "Trades committed to the portfolio",
		}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_trades_closed_total",
			Help: "Closed trades by close reason",
		}, []string{"reason"}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_realized_pnl",
			Help: "Sum of realized P&L of trades closed since start",
		}),
		slippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_entry_slippage_pct",
			Help:    "Simulated slippage of entry fills in percent",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
		}),
		fillRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_entry_fill_ratio",
			Help:    "Filled share of the requested entry quantity",
			Buckets: []float64{0.3, 0.5, 0.7, 0.9, 1},
		}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_breaker_trips_total",
			Help: "Circuit breaker trips by reason",
		}, []string{"reason"}),
		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_cooldowns_total",
			Help: "Cool-downs started after consecutive losses",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_equity",
			Help: "Current portfolio equity",
		}),
		drawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_drawdown_pct",
			Help: "Drawdown from peak equity in percent",
		}),
		dailyLossPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_daily_loss_pct",
			Help: "Loss since the day-start baseline in percent",
		}),
		tripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_breaker_tripped",
			Help: "1 while the circuit breaker is tripped",
		}),
		openTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_open_trades",
			Help: "Open positions",
		}),
		limiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_ratelimit_wait_seconds",
			Help:    "Time callers were suspended by the exchange rate limiter",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_exchange_retries_total",
			Help: "Exchange calls retried after a transient failure",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_api_requests_total",
			Help: "Operator API requests by method and status code",
		}, []string{"method", "code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_api_latency_seconds",
			Help:    "Operator API request latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.decisions, m.gateLatency, m.tradesOpened, m.tradesClosed, m.realizedPnL,
		m.slippage, m.fillRatio, m.breakerTrips, m.cooldowns,
		m.equity, m.drawdownPct, m.dailyLossPct, m.tripped, m.openTrades,
		m.limiterWait, m.retries, m.apiRequests, m.apiLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDecision is a risk.WithObserver hook.
func (m *Metrics) ObserveDecision(d risk.Decision, latency time.Duration) {
	reason := "accepted"
	if !d.Allowed {
		reason = string(d.Reason)
	}
	m.decisions.WithLabelValues(reason).Inc()
	m.gateLatency.Observe(latency.Seconds())
}

// ObserveLimiterWait is a RateLimiter.OnWait hook.
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	m.limiterWait.Observe(d.Seconds())
}

// ObserveRetry is a RetryPolicy hook.
func (m *Metrics) ObserveRetry(attempt int, delay time.Duration, err error) {
	m.retries.Inc()
}

// ObserveRequest records one operator API request.
func (m *Metrics) ObserveRequest(method string, status int, latency time.Duration) {
	m.apiRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.apiLatency.Observe(latency.Seconds())
}

// ObserveEquity refreshes the portfolio and breaker gauges.
func (m *Metrics) ObserveEquity(st breaker.State, openTrades int) {
	m.equity.Set(st.LastEquity)
	m.drawdownPct.Set(st.DrawdownPct)
	m.dailyLossPct.Set(st.DailyLossPct)
	m.openTrades.Set(float64(openTrades))
	if st.Tripped {
		m.tripped.Set(1)
	} else {
		m.tripped.Set(0)
	}
}

// Consume updates event-driven collectors until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.SubscribeAll(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.Apply(env)
		}
	}
}

// Apply updates collectors from one event.
func (m *Metrics) Apply(env events.Envelope) {
	switch p := env.Payload.(type) {
	case events.TradeOpened:
		m.tradesOpened.Inc()
		m.slippage.Observe(p.SlippagePct)
		m.fillRatio.Observe(p.FillRatio)
	case events.TradeClosed:
		m.tradesClosed.WithLabelValues(p.Reason).Inc()
		m.realizedPnL.Add(p.RealizedPnL)
	case events.CircuitBreakerTripped:
		m.breakerTrips.WithLabelValues(p.Reason).Inc()
		m.tripped.Set(1)
	case events.CircuitBreakerReset:
		m.tripped.Set(0)
	case events.CooldownActivated:
		m.cooldowns.Inc()
	}
}
