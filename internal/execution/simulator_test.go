package execution

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/order"
	"gatekeeper/pkg/exchanges/common"
)

type seq struct {
	vals []float64
	i    int
}

func (s *seq) Float64() float64 {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

type fixedQuote struct {
	price float64
	err   error
	calls int
}

func (f *fixedQuote) GetPrice(context.Context, string) (float64, error) {
	f.calls++
	return f.price, f.err
}

type fixedVolume float64

func (v fixedVolume) TypicalVolume(context.Context, string) (float64, error) { return float64(v), nil }

type sleepRecorder struct{ slept []time.Duration }

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func TestSimulateStepsInOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartialFillProbability = 0.5
	quotes := &fixedQuote{price: 101}
	rec := &sleepRecorder{}
	// slippage u=0.5, partial draw 0.2 (< 0.5), ratio u=0.5
	sim := NewSimulator(cfg, quotes, fixedVolume(1_010_000), WithRand(&seq{vals: []float64{0.5, 0.2, 0.5}}), WithSleep(rec.sleep))

	fill, err := sim.Simulate(context.Background(), OrderIntent{Symbol: "BTCUSDT", Side: order.Buy, Quantity: 10, NominalPrice: 100})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{100 * time.Millisecond}, rec.slept)
	assert.Equal(t, 1, quotes.calls)
	assert.Equal(t, 101.0, fill.ReferencePrice)
	// impact = 10*101/1_010_000*10 = 0.01%
	assert.InDelta(t, 0.01, fill.ImpactPct, 1e-12)
	assert.InDelta(t, 0.025, fill.SlippagePct, 1e-12)
	want := 101 * (1 + 0.0001) * (1 + 0.00025)
	assert.InDelta(t, want, fill.Price, 1e-9)
	assert.InDelta(t, 0.6, fill.FillRatio, 1e-12)
	assert.InDelta(t, 6, fill.Quantity, 1e-12)
	assert.InDelta(t, fill.Price*6*cfg.FeeRate, fill.Fee, 1e-12)
}

func TestSellMovesPriceDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartialFillEnabled = false
	sim := NewSimulator(cfg, &fixedQuote{price: 200}, fixedVolume(1e6), WithRand(&seq{vals: []float64{0.99}}), WithSleep(func(context.Context, time.Duration) error { return nil }))

	fill, err := sim.Simulate(context.Background(), OrderIntent{Symbol: "ETHUSDT", Side: order.Sell, Quantity: 1, NominalPrice: 200})
	require.NoError(t, err)
	assert.Less(t, fill.Price, 200.0)
	assert.Equal(t, 1.0, fill.FillRatio)
}

func TestSlippageBoundedWithoutImpact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImpactEnabled = false
	cfg.DelayEnabled = false
	cfg.MaxSlippagePct = 0.3
	sim := NewSimulator(cfg, &fixedQuote{price: 50}, nil, WithRand(common.NewLockedRand(7)))

	for i := 0; i < 2000; i++ {
		side := order.Buy
		if i%2 == 1 {
			side = order.Sell
		}
		fill, err := sim.Simulate(context.Background(), OrderIntent{Symbol: "SOLUSDT", Side: side, Quantity: 3, NominalPrice: 49})
		require.NoError(t, err)
		dev := math.Abs(fill.Price-fill.ReferencePrice) / fill.ReferencePrice * 100
		require.LessOrEqual(t, dev, cfg.MaxSlippagePct+1e-12)
		require.GreaterOrEqual(t, fill.FillRatio, MinPartialFillRatio)
		require.LessOrEqual(t, fill.FillRatio, 1.0)
		if fill.FillRatio < 1 {
			require.LessOrEqual(t, fill.FillRatio, MaxPartialFillRatio)
		}
	}
}

func TestDisabledStepsAreNeutral(t *testing.T) {
	cfg := Config{}
	sim := NewSimulator(cfg, nil, nil)
	fill, err := sim.Simulate(context.Background(), OrderIntent{Symbol: "BTCUSDT", Side: order.Buy, Quantity: 2, NominalPrice: 123})
	require.NoError(t, err)
	assert.Equal(t, 123.0, fill.Price)
	assert.Equal(t, 2.0, fill.Quantity)
	assert.Equal(t, 1.0, fill.FillRatio)
	assert.Zero(t, fill.Fee)
}

func TestSimulateAbortsOnPriceFailure(t *testing.T) {
	quoteErr := errors.New("upstream down")
	sim := NewSimulator(DefaultConfig(), &fixedQuote{err: quoteErr}, nil, WithSleep(func(context.Context, time.Duration) error { return nil }))
	_, err := sim.Simulate(context.Background(), OrderIntent{Symbol: "BTCUSDT", Side: order.Buy, Quantity: 1, NominalPrice: 1})
	assert.ErrorIs(t, err, quoteErr)
}

func TestSimulateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim := NewSimulator(DefaultConfig(), nil, nil)
	_, err := sim.Simulate(ctx, OrderIntent{Symbol: "BTCUSDT", Side: order.Buy, Quantity: 1, NominalPrice: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulateRejectsBadIntent(t *testing.T) {
	sim := NewSimulator(Config{}, nil, nil)
	_, err := sim.Simulate(context.Background(), OrderIntent{Symbol: "BTCUSDT", Side: order.Buy, Quantity: 0, NominalPrice: 1})
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.PartialFillProbability = 1.5
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.MaxSlippagePct = -1
	assert.Error(t, bad.Validate())
}
