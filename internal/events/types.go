package events

import (
	"fmt"
	"time"
)

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventPriceTick                  Event = "price_tick"
	EventSignalRejected             Event = "signal_rejected"
	EventDailyLossLimitReached      Event = "daily_loss_limit_reached"
	EventCooldownActivated          Event = "cooldown_activated"
	EventCorrelationLimitExceeded   Event = "correlation_limit_exceeded"
	EventPortfolioRiskLimitExceeded Event = "portfolio_risk_limit_exceeded"
	EventCircuitBreakerTripped      Event = "circuit_breaker_tripped"
	EventCircuitBreakerReset        Event = "circuit_breaker_reset"
	EventTradeOpened                Event = "trade_opened"
	EventTradeClosed                Event = "trade_closed"
)

// Describer is implemented by payloads that have a human-readable summary.
type Describer interface {
	Describe() string
}

// PriceTick is a last-price update for one symbol.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}

// SignalRejected is published for every gate rejection with the numbers behind it.
type SignalRejected struct {
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"`
	Reason    string  `json:"reason"`
	Message   string  `json:"message"`
	Observed  float64 `json:"observed"`
	Limit     float64 `json:"limit"`
}

func (p SignalRejected) Describe() string {
	return fmt.Sprintf("%s %s rejected (%s): %s", p.Symbol, p.Direction, p.Reason, p.Message)
}

type DailyLossLimitReached struct {
	Symbol       string  `json:"symbol"`
	DailyLossPct float64 `json:"daily_loss_pct"`
	Limit        float64 `json:"limit"`
}

func (p DailyLossLimitReached) Describe() string {
	return fmt.Sprintf("daily loss %.2f%% reached limit %.2f%% (signal %s)", p.DailyLossPct, p.Limit, p.Symbol)
}

type CooldownActivated struct {
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CoolDownMinutes   int       `json:"cool_down_minutes"`
	Until             time.Time `json:"until"`
}

func (p CooldownActivated) Describe() string {
	return fmt.Sprintf("%d consecutive losses, trading paused for %d minutes until %s",
		p.ConsecutiveLosses, p.CoolDownMinutes, p.Until.Format(time.RFC3339))
}

type CorrelationLimitExceeded struct {
	Symbol       string  `json:"symbol"`
	Direction    string  `json:"direction"`
	CurrentRatio float64 `json:"current_ratio"`
	Limit        float64 `json:"limit"`
}

func (p CorrelationLimitExceeded) Describe() string {
	return fmt.Sprintf("%s exposure ratio %.2f exceeds limit %.2f (signal %s)", p.Direction, p.CurrentRatio, p.Limit, p.Symbol)
}

type PortfolioRiskLimitExceeded struct {
	Symbol       string  `json:"symbol"`
	TotalRiskPct float64 `json:"total_risk_pct"`
	Limit        float64 `json:"limit"`
}

func (p PortfolioRiskLimitExceeded) Describe() string {
	return fmt.Sprintf("portfolio risk %.2f%% reached limit %.2f%% (signal %s)", p.TotalRiskPct, p.Limit, p.Symbol)
}

type CircuitBreakerTripped struct {
	Reason     string  `json:"reason"`
	Value      float64 `json:"value"`
	Limit      float64 `json:"limit"`
	Equity     float64 `json:"equity"`
	PeakEquity float64 `json:"peak_equity"`
}

func (p CircuitBreakerTripped) Describe() string {
	return fmt.Sprintf("CIRCUIT BREAKER TRIPPED: %s %.2f%% exceeds %.2f%% (equity %.2f, peak %.2f)",
		p.Reason, p.Value, p.Limit, p.Equity, p.PeakEquity)
}

type CircuitBreakerReset struct {
	Operator  string `json:"operator"`
	Automatic bool   `json:"automatic"`
}

func (p CircuitBreakerReset) Describe() string {
	if p.Automatic {
		return "circuit breaker re-armed at daily rollover"
	}
	return fmt.Sprintf("circuit breaker manually reset by %s", p.Operator)
}

type TradeOpened struct {
	TradeID     string  `json:"trade_id"`
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	EntryPrice  float64 `json:"entry_price"`
	Quantity    float64 `json:"quantity"`
	FillRatio   float64 `json:"fill_ratio"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	SlippagePct float64 `json:"slippage_pct"`
	ImpactPct   float64 `json:"impact_pct"`
}

func (p TradeOpened) Describe() string {
	return fmt.Sprintf("opened %s %s %.6f @ %.4f (fill %.0f%%, SL %.4f, TP %.4f)",
		p.Direction, p.Symbol, p.Quantity, p.EntryPrice, p.FillRatio*100, p.StopLoss, p.TakeProfit)
}

type TradeClosed struct {
	TradeID     string  `json:"trade_id"`
	Symbol      string  `json:"symbol"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Reason      string  `json:"reason"`
}

func (p TradeClosed) Describe() string {
	return fmt.Sprintf("closed %s %s @ %.4f pnl %.2f (%s)", p.Symbol, p.TradeID, p.ExitPrice, p.RealizedPnL, p.Reason)
}
