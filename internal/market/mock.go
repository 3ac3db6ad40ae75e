package market

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gatekeeper/pkg/exchanges/common"
)

// MockFeed generates synthetic ticks for local development. It also answers
// price and volume queries so the engine can run without network access.
type MockFeed struct {
	Sink       PriceSink
	Symbols    []string
	StartPrice float64
	Step       float64 // max relative move per tick, 0.002 = 0.2%
	Interval   time.Duration
	Volume     float64 // typical quote volume reported to the simulator
	Rand       common.Rand

	once   sync.Once
	mu     sync.RWMutex
	prices map[string]float64
}

func (m *MockFeed) init() {
	m.once.Do(func() {
		if len(m.Symbols) == 0 {
			m.Symbols = []string{"BTCUSDT"}
		}
		if m.StartPrice <= 0 {
			m.StartPrice = 100.0
		}
		if m.Step <= 0 {
			m.Step = 0.002
		}
		if m.Interval <= 0 {
			m.Interval = time.Second
		}
		if m.Volume <= 0 {
			m.Volume = 5_000_000
		}
		if m.Rand == nil {
			m.Rand = common.NewLockedRand(time.Now().UnixNano())
		}
		m.prices = make(map[string]float64, len(m.Symbols))
		for _, s := range m.Symbols {
			m.prices[strings.ToUpper(s)] = m.StartPrice
		}
	})
}

// Start publishes one tick per symbol every Interval until ctx is done.
func (m *MockFeed) Start(ctx context.Context) error {
	if m.Sink == nil {
		return fmt.Errorf("mock feed: sink not set")
	}
	m.init()
	log.Printf("[market] mock feed for %v every %s", m.Symbols, m.Interval)

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Tick(ctx)
			}
		}
	}()
	return nil
}

// Tick advances every symbol one random-walk step and pushes it to the sink.
func (m *MockFeed) Tick(ctx context.Context) {
	m.init()
	for _, sym := range m.Symbols {
		sym = strings.ToUpper(sym)
		m.mu.Lock()
		price := m.prices[sym] * (1 + (m.Rand.Float64()*2-1)*m.Step)
		if price <= 0 {
			price = m.StartPrice
		}
		m.prices[sym] = price
		m.mu.Unlock()
		if m.Sink != nil {
			m.Sink.OnPrice(ctx, sym, price)
		}
	}
}

// GetPrice returns the current walk price.
func (m *MockFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.init()
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown symbol %s", common.ErrMalformedRequest, symbol)
	}
	return p, nil
}

// TypicalVolume reports the configured constant volume.
func (m *MockFeed) TypicalVolume(ctx context.Context, symbol string) (float64, error) {
	m.init()
	return m.Volume, nil
}
