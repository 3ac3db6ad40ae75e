package risk

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Settings are the risk limits applied to one signal. All percentages are in
// percent units (5 = 5%); CorrelationLimit and MinConfidence are fractions.
type Settings struct {
	MaxRiskPerTradePct   float64 `yaml:"max_risk_per_trade_pct" json:"max_risk_per_trade_pct"`
	MaxPortfolioRiskPct  float64 `yaml:"max_portfolio_risk_pct" json:"max_portfolio_risk_pct"`
	DefaultStopLossPct   float64 `yaml:"default_stop_loss_pct" json:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `yaml:"default_take_profit_pct" json:"default_take_profit_pct"`
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	CoolDownMinutes      int     `yaml:"cool_down_minutes" json:"cool_down_minutes"`
	CorrelationLimit     float64 `yaml:"correlation_limit" json:"correlation_limit"`
	SignalMaxAgeMinutes  int     `yaml:"signal_max_age_minutes" json:"signal_max_age_minutes"`
	MinConfidence        float64 `yaml:"min_confidence" json:"min_confidence"`
	MaxPositionPct       float64 `yaml:"max_position_pct" json:"max_position_pct"`
	Leverage             float64 `yaml:"leverage" json:"leverage"`
}

// DefaultSettings returns conservative limits.
func DefaultSettings() Settings {
	return Settings{
		MaxRiskPerTradePct:   1,
		MaxPortfolioRiskPct:  6,
		DefaultStopLossPct:   2,
		DefaultTakeProfitPct: 4,
		DailyLossLimitPct:    5,
		MaxConsecutiveLosses: 3,
		CoolDownMinutes:      60,
		CorrelationLimit:     0.7,
		SignalMaxAgeMinutes:  30,
		MinConfidence:        0,
		MaxPositionPct:       20,
		Leverage:             1,
	}
}

// CoolDown is CoolDownMinutes as a duration.
func (s Settings) CoolDown() time.Duration {
	return time.Duration(s.CoolDownMinutes) * time.Minute
}

// SignalMaxAge is SignalMaxAgeMinutes as a duration.
func (s Settings) SignalMaxAge() time.Duration {
	return time.Duration(s.SignalMaxAgeMinutes) * time.Minute
}

// Validate rejects out-of-range values. Nothing is clamped.
func (s Settings) Validate() error {
	pcts := []struct {
		name string
		v    float64
	}{
		{"max_risk_per_trade_pct", s.MaxRiskPerTradePct},
		{"max_portfolio_risk_pct", s.MaxPortfolioRiskPct},
		{"default_stop_loss_pct", s.DefaultStopLossPct},
		{"default_take_profit_pct", s.DefaultTakeProfitPct},
		{"daily_loss_limit_pct", s.DailyLossLimitPct},
		{"max_position_pct", s.MaxPositionPct},
	}
	for _, p := range pcts {
		if p.v <= 0 || p.v > 100 {
			return fmt.Errorf("%s must be in (0,100], got %v", p.name, p.v)
		}
	}
	if s.CorrelationLimit < 0 || s.CorrelationLimit > 1 {
		return fmt.Errorf("correlation_limit must be in [0,1], got %v", s.CorrelationLimit)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %v", s.MinConfidence)
	}
	if s.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("max_consecutive_losses must be >= 1, got %d", s.MaxConsecutiveLosses)
	}
	if s.CoolDownMinutes <= 0 {
		return fmt.Errorf("cool_down_minutes must be > 0, got %d", s.CoolDownMinutes)
	}
	if s.SignalMaxAgeMinutes <= 0 {
		return fmt.Errorf("signal_max_age_minutes must be > 0, got %d", s.SignalMaxAgeMinutes)
	}
	if s.Leverage < 1 || s.Leverage > 125 {
		return fmt.Errorf("leverage must be in [1,125], got %v", s.Leverage)
	}
	return nil
}

// Override holds per-symbol replacements; nil fields inherit the default.
type Override struct {
	MaxRiskPerTradePct   *float64 `yaml:"max_risk_per_trade_pct,omitempty" json:"max_risk_per_trade_pct,omitempty"`
	MaxPortfolioRiskPct  *float64 `yaml:"max_portfolio_risk_pct,omitempty" json:"max_portfolio_risk_pct,omitempty"`
	DefaultStopLossPct   *float64 `yaml:"default_stop_loss_pct,omitempty" json:"default_stop_loss_pct,omitempty"`
	DefaultTakeProfitPct *float64 `yaml:"default_take_profit_pct,omitempty" json:"default_take_profit_pct,omitempty"`
	DailyLossLimitPct    *float64 `yaml:"daily_loss_limit_pct,omitempty" json:"daily_loss_limit_pct,omitempty"`
	MaxConsecutiveLosses *int     `yaml:"max_consecutive_losses,omitempty" json:"max_consecutive_losses,omitempty"`
	CoolDownMinutes      *int     `yaml:"cool_down_minutes,omitempty" json:"cool_down_minutes,omitempty"`
	CorrelationLimit     *float64 `yaml:"correlation_limit,omitempty" json:"correlation_limit,omitempty"`
	SignalMaxAgeMinutes  *int     `yaml:"signal_max_age_minutes,omitempty" json:"signal_max_age_minutes,omitempty"`
	MinConfidence        *float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	MaxPositionPct       *float64 `yaml:"max_position_pct,omitempty" json:"max_position_pct,omitempty"`
	Leverage             *float64 `yaml:"leverage,omitempty" json:"leverage,omitempty"`
}

func (o Override) apply(s Settings) Settings {
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setI := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&s.MaxRiskPerTradePct, o.MaxRiskPerTradePct)
	setF(&s.MaxPortfolioRiskPct, o.MaxPortfolioRiskPct)
	setF(&s.DefaultStopLossPct, o.DefaultStopLossPct)
	setF(&s.DefaultTakeProfitPct, o.DefaultTakeProfitPct)
	setF(&s.DailyLossLimitPct, o.DailyLossLimitPct)
	setI(&s.MaxConsecutiveLosses, o.MaxConsecutiveLosses)
	setI(&s.CoolDownMinutes, o.CoolDownMinutes)
	setF(&s.CorrelationLimit, o.CorrelationLimit)
	setI(&s.SignalMaxAgeMinutes, o.SignalMaxAgeMinutes)
	setF(&s.MinConfidence, o.MinConfidence)
	setF(&s.MaxPositionPct, o.MaxPositionPct)
	setF(&s.Leverage, o.Leverage)
	return s
}

// SettingsBook resolves per-symbol settings.
type SettingsBook struct {
	Default Settings            `yaml:"default" json:"default"`
	Symbols map[string]Override `yaml:"symbols,omitempty" json:"symbols,omitempty"`
}

// NewSettingsBook wraps default settings without overrides.
func NewSettingsBook(def Settings) SettingsBook {
	return SettingsBook{Default: def}
}

// For returns the effective settings for symbol.
func (b SettingsBook) For(symbol string) Settings {
	if o, ok := b.Symbols[strings.ToUpper(symbol)]; ok {
		return o.apply(b.Default)
	}
	return b.Default
}

// MinDailyLossLimitPct is the tightest daily loss limit across the default and
// every symbol override.
func (b SettingsBook) MinDailyLossLimitPct() float64 {
	limit := b.Default.DailyLossLimitPct
	for _, o := range b.Symbols {
		if l := o.apply(b.Default).DailyLossLimitPct; l < limit {
			limit = l
		}
	}
	return limit
}

// Validate checks the default and every merged per-symbol entry.
func (b SettingsBook) Validate() error {
	if err := b.Default.Validate(); err != nil {
		return fmt.Errorf("risk.default: %w", err)
	}
	symbols := make([]string, 0, len(b.Symbols))
	for sym := range b.Symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		if sym != strings.ToUpper(sym) {
			return fmt.Errorf("risk.symbols: %q must be upper case", sym)
		}
		if err := b.Symbols[sym].apply(b.Default).Validate(); err != nil {
			return fmt.Errorf("risk.symbols.%s: %w", sym, err)
		}
	}
	return nil
}
