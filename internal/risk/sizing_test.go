package risk

import (
	"errors"
	"testing"

	"gatekeeper/internal/order"
	"gatekeeper/internal/strategy"
)

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name                     string
		equity, pct, entry, stop float64
		want                     float64
	}{
		{"long", 10000, 1, 100, 98, 50},
		{"short", 10000, 2, 100, 105, 40},
		{"zero distance", 10000, 1, 100, 100, 0},
		{"no equity", 0, 1, 100, 98, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PositionSize(tt.equity, tt.pct, tt.entry, tt.stop); !approx(got, tt.want) {
				t.Fatalf("PositionSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStopLevelsFallBackOnWrongSide(t *testing.T) {
	s := DefaultSettings()
	wrong := 110.0
	sl, tp := StopLevels(order.Long, 100, s, &wrong, nil)
	if !approx(sl, 98) || !approx(tp, 104) {
		t.Fatalf("long levels = %v/%v, want 98/104", sl, tp)
	}
	good := 95.0
	sl, _ = StopLevels(order.Long, 100, s, &good, nil)
	if sl != 95 {
		t.Fatalf("suggested stop ignored: %v", sl)
	}
	sl, tp = StopLevels(order.Short, 100, s, nil, nil)
	if !approx(sl, 102) || !approx(tp, 96) {
		t.Fatalf("short levels = %v/%v, want 102/96", sl, tp)
	}
}

func TestBuildPlanCapsMargin(t *testing.T) {
	s := DefaultSettings()
	s.MaxRiskPerTradePct = 5
	s.MaxPositionPct = 10
	sig := strategy.Signal{Symbol: "BTCUSDT", Direction: order.Long}

	plan, err := BuildPlan(sig, 100, 10000, s)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	// risk sizing wants 250 units, the 10% margin cap allows 10.
	if !approx(plan.Quantity, 10) || !approx(plan.Margin, 1000) {
		t.Fatalf("plan = %+v", plan)
	}
	if !approx(plan.StopDistancePct, 2) || !approx(plan.RiskAmount, 20) {
		t.Fatalf("plan risk = %+v", plan)
	}

	if _, err := BuildPlan(sig, 100, 0, s); !errors.Is(err, ErrZeroSize) {
		t.Fatalf("zero equity error = %v", err)
	}
}

func TestSettingsValidate(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero risk per trade", func(s *Settings) { s.MaxRiskPerTradePct = 0 }},
		{"daily loss over 100", func(s *Settings) { s.DailyLossLimitPct = 120 }},
		{"correlation above one", func(s *Settings) { s.CorrelationLimit = 1.1 }},
		{"no losses allowed", func(s *Settings) { s.MaxConsecutiveLosses = 0 }},
		{"zero cool-down", func(s *Settings) { s.CoolDownMinutes = 0 }},
		{"leverage below one", func(s *Settings) { s.Leverage = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSettingsBookOverrides(t *testing.T) {
	limit := 0.5
	bad := 0.0
	book := SettingsBook{
		Default: DefaultSettings(),
		Symbols: map[string]Override{"ETHUSDT": {CorrelationLimit: &limit}},
	}
	if err := book.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := book.For("ethusdt").CorrelationLimit; got != 0.5 {
		t.Fatalf("override not applied: %v", got)
	}
	if got := book.For("BTCUSDT").CorrelationLimit; got != 0.7 {
		t.Fatalf("default not used: %v", got)
	}
	book.Symbols["SOLUSDT"] = Override{MaxPortfolioRiskPct: &bad}
	if err := book.Validate(); err == nil {
		t.Fatal("invalid override must be rejected")
	}
}
