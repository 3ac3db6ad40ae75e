package risk

import (
	"errors"
	"fmt"
	"math"

	"gatekeeper/internal/order"
	"gatekeeper/internal/strategy"
)

// ErrZeroSize is returned when the sizing rules leave nothing to trade.
var ErrZeroSize = errors.New("position size is zero")

// Plan is the sized order derived from an accepted signal.
type Plan struct {
	Quantity        float64 `json:"quantity"`
	EntryPrice      float64 `json:"entry_price"`
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	StopDistancePct float64 `json:"stop_distance_pct"`
	RiskAmount      float64 `json:"risk_amount"`
	Margin          float64 `json:"margin"`
}

// PositionSize returns the quantity that loses riskPct of equity if price moves
// from entry to stop.
func PositionSize(equity, riskPct, entry, stop float64) float64 {
	dist := math.Abs(entry - stop)
	if equity <= 0 || riskPct <= 0 || entry <= 0 || dist == 0 {
		return 0
	}
	return equity * riskPct / 100 / dist
}

// StopLevels resolves stop-loss and take-profit prices around entry. Suggested
// levels are kept when they sit on the protective side of entry; otherwise the
// configured default percentages apply.
func StopLevels(dir order.Direction, entry float64, s Settings, suggestedSL, suggestedTP *float64) (sl, tp float64) {
	if dir == order.Short {
		sl = entry * (1 + s.DefaultStopLossPct/100)
		tp = entry * (1 - s.DefaultTakeProfitPct/100)
		if suggestedSL != nil && *suggestedSL > entry {
			sl = *suggestedSL
		}
		if suggestedTP != nil && *suggestedTP < entry && *suggestedTP > 0 {
			tp = *suggestedTP
		}
		return sl, tp
	}
	sl = entry * (1 - s.DefaultStopLossPct/100)
	tp = entry * (1 + s.DefaultTakeProfitPct/100)
	if suggestedSL != nil && *suggestedSL < entry && *suggestedSL > 0 {
		sl = *suggestedSL
	}
	if suggestedTP != nil && *suggestedTP > entry {
		tp = *suggestedTP
	}
	return sl, tp
}

// BuildPlan sizes a signal at entry using max_risk_per_trade_pct, capped so the
// margin never exceeds max_position_pct of equity.
func BuildPlan(sig strategy.Signal, entry, equity float64, s Settings) (Plan, error) {
	if entry <= 0 {
		return Plan{}, fmt.Errorf("build plan %s: entry price %.8f", sig.Symbol, entry)
	}
	sl, tp := StopLevels(sig.Direction, entry, s, sig.SuggestedStopLoss, sig.SuggestedTakeProfit)
	qty := PositionSize(equity, s.MaxRiskPerTradePct, entry, sl)

	leverage := s.Leverage
	if leverage < 1 {
		leverage = 1
	}
	maxQty := equity * s.MaxPositionPct / 100 * leverage / entry
	if qty > maxQty {
		qty = maxQty
	}
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return Plan{}, fmt.Errorf("build plan %s: %w", sig.Symbol, ErrZeroSize)
	}

	dist := math.Abs(entry-sl) / entry * 100
	return Plan{
		Quantity:        qty,
		EntryPrice:      entry,
		StopLoss:        sl,
		TakeProfit:      tp,
		StopDistancePct: dist,
		RiskAmount:      qty * math.Abs(entry-sl),
		Margin:          qty * entry / leverage,
	}, nil
}
