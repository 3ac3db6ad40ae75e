// Package execution turns an accepted, sized signal into a simulated fill with
// realistic friction: latency, a fresh price, market impact, slippage and
// partial fills.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/order"
	"gatekeeper/pkg/exchanges/common"
)

// Fill ratio bounds for partial fills.
const (
	MinPartialFillRatio = 0.3
	MaxPartialFillRatio = 0.9
)

// ErrInvalidIntent is returned for intents that cannot be simulated.
var ErrInvalidIntent = errors.New("invalid order intent")

// Config toggles and sizes each simulation step. A disabled step is a
// zero-magnitude step (or a full fill).
type Config struct {
	DelayEnabled           bool          `yaml:"delay_enabled" json:"delay_enabled"`
	Delay                  time.Duration `yaml:"delay" json:"delay"`
	ImpactEnabled          bool          `yaml:"impact_enabled" json:"impact_enabled"`
	ImpactFactor           float64       `yaml:"impact_factor" json:"impact_factor"`
	SlippageEnabled        bool          `yaml:"slippage_enabled" json:"slippage_enabled"`
	MaxSlippagePct         float64       `yaml:"max_slippage_pct" json:"max_slippage_pct"`
	PartialFillEnabled     bool          `yaml:"partial_fill_enabled" json:"partial_fill_enabled"`
	PartialFillProbability float64       `yaml:"partial_fill_probability" json:"partial_fill_probability"`
	FeeRate                float64       `yaml:"fee_rate" json:"fee_rate"` // decimal, 0.0004 = 4 bps
}

// DefaultConfig enables every step.
func DefaultConfig() Config {
	return Config{
		DelayEnabled:           true,
		Delay:                  100 * time.Millisecond,
		ImpactEnabled:          true,
		ImpactFactor:           10,
		SlippageEnabled:        true,
		MaxSlippagePct:         0.05,
		PartialFillEnabled:     true,
		PartialFillProbability: 0.1,
		FeeRate:                0.0004,
	}
}

// Validate rejects out-of-range values instead of clamping them.
func (c Config) Validate() error {
	if c.Delay < 0 {
		return fmt.Errorf("execution.delay must be >= 0, got %s", c.Delay)
	}
	if c.ImpactFactor < 0 {
		return fmt.Errorf("execution.impact_factor must be >= 0, got %v", c.ImpactFactor)
	}
	if c.MaxSlippagePct < 0 || c.MaxSlippagePct > 100 {
		return fmt.Errorf("execution.max_slippage_pct must be in [0,100], got %v", c.MaxSlippagePct)
	}
	if c.PartialFillProbability < 0 || c.PartialFillProbability > 1 {
		return fmt.Errorf("execution.partial_fill_probability must be in [0,1], got %v", c.PartialFillProbability)
	}
	if c.FeeRate < 0 || c.FeeRate >= 1 {
		return fmt.Errorf("execution.fee_rate must be in [0,1), got %v", c.FeeRate)
	}
	return nil
}

// Quoter re-fetches the current price. Implementations route through the
// rate limiter and retry policy.
type Quoter interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// VolumeSource reports the typical traded quote volume of a symbol.
type VolumeSource interface {
	TypicalVolume(ctx context.Context, symbol string) (float64, error)
}

// OrderIntent is what the engine asks to fill.
type OrderIntent struct {
	Symbol       string
	Side         order.Side
	Quantity     float64
	NominalPrice float64
}

// FilledOrder is the simulated result.
type FilledOrder struct {
	Symbol            string        `json:"symbol"`
	Side              order.Side    `json:"side"`
	Price             float64       `json:"price"`
	Quantity          float64       `json:"quantity"`
	FillRatio         float64       `json:"fill_ratio"`
	RequestedQuantity float64       `json:"requested_quantity"`
	NominalPrice      float64       `json:"nominal_price"`
	ReferencePrice    float64       `json:"reference_price"`
	ImpactPct         float64       `json:"impact_pct"`
	SlippagePct       float64       `json:"slippage_pct"`
	Fee               float64       `json:"fee"`
	Latency           time.Duration `json:"latency"`
}

// Notional is price * quantity.
func (f FilledOrder) Notional() float64 { return f.Price * f.Quantity }

// Option customizes a Simulator.
type Option func(*Simulator)

// WithRand injects the random source for slippage and partial fills.
func WithRand(r common.Rand) Option { return func(s *Simulator) { s.rng = r } }

// WithSleep injects the latency sleeper.
func WithSleep(fn common.SleepFunc) Option { return func(s *Simulator) { s.sleep = fn } }

// Simulator is safe for concurrent use if its Rand is.
type Simulator struct {
	cfg     Config
	quotes  Quoter
	volumes VolumeSource
	rng     common.Rand
	sleep   common.SleepFunc
}

// NewSimulator builds a simulator. quotes and volumes may be nil, in which case
// the nominal price is used and market impact is zero.
func NewSimulator(cfg Config, quotes Quoter, volumes VolumeSource, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:     cfg,
		quotes:  quotes,
		volumes: volumes,
		rng:     common.NewLockedRand(time.Now().UnixNano()),
		sleep:   common.SleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the simulation parameters.
func (s *Simulator) Config() Config { return s.cfg }

// Simulate runs delay, re-fetch, impact, slippage and partial fill in that order.
// Impact and slippage always move the price against the order side.
func (s *Simulator) Simulate(ctx context.Context, in OrderIntent) (FilledOrder, error) {
	if in.Symbol == "" || in.Quantity <= 0 || (in.Side != order.Buy && in.Side != order.Sell) {
		return FilledOrder{}, fmt.Errorf("%w: %+v", ErrInvalidIntent, in)
	}
	start := time.Now()

	if s.cfg.DelayEnabled && s.cfg.Delay > 0 {
		if err := s.sleep(ctx, s.cfg.Delay); err != nil {
			return FilledOrder{}, fmt.Errorf("execution delay: %w", err)
		}
	}

	price := in.NominalPrice
	if s.quotes != nil {
		p, err := s.quotes.GetPrice(ctx, in.Symbol)
		if err != nil {
			return FilledOrder{}, fmt.Errorf("re-fetch price %s: %w", in.Symbol, err)
		}
		price = p
	}
	if price <= 0 {
		return FilledOrder{}, fmt.Errorf("%w: no price for %s", ErrInvalidIntent, in.Symbol)
	}
	ref := price
	adverse := in.Side.Adverse()

	var impactPct float64
	if s.cfg.ImpactEnabled && s.cfg.ImpactFactor > 0 && s.volumes != nil {
		vol, err := s.volumes.TypicalVolume(ctx, in.Symbol)
		if err != nil {
			return FilledOrder{}, fmt.Errorf("typical volume %s: %w", in.Symbol, err)
		}
		if vol <= 0 {
			return FilledOrder{}, fmt.Errorf("typical volume %s is %.2f", in.Symbol, vol)
		}
		impactPct = in.Quantity * price / vol * s.cfg.ImpactFactor
		price *= 1 + adverse*impactPct/100
	}

	var slippagePct float64
	if s.cfg.SlippageEnabled && s.cfg.MaxSlippagePct > 0 {
		slippagePct = s.rng.Float64() * s.cfg.MaxSlippagePct
		price *= 1 + adverse*slippagePct/100
	}
	if price <= 0 {
		return FilledOrder{}, fmt.Errorf("%s fill price collapsed to %.8f (impact %.2f%%)", in.Symbol, price, impactPct)
	}

	ratio := 1.0
	if s.cfg.PartialFillEnabled && s.cfg.PartialFillProbability > 0 {
		if s.rng.Float64() < s.cfg.PartialFillProbability {
			ratio = MinPartialFillRatio + (MaxPartialFillRatio-MinPartialFillRatio)*s.rng.Float64()
		}
	}

	qty := in.Quantity * ratio
	return FilledOrder{
		Symbol:            in.Symbol,
		Side:              in.Side,
		Price:             price,
		Quantity:          qty,
		FillRatio:         ratio,
		RequestedQuantity: in.Quantity,
		NominalPrice:      in.NominalPrice,
		ReferencePrice:    ref,
		ImpactPct:         impactPct,
		SlippagePct:       slippagePct,
		Fee:               price * qty * s.cfg.FeeRate,
		Latency:           time.Since(start),
	}, nil
}
