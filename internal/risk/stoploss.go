package risk

import (
	"fmt"
	"sync"

	"gatekeeper/internal/order"
)

// Trigger kinds reported by StopMonitor.
const (
	TriggerStopLoss   = "stop_loss"
	TriggerTakeProfit = "take_profit"
)

// Protection is the SL/TP pair tracked for one open trade.
type Protection struct {
	TradeID    string
	Symbol     string
	Direction  order.Direction
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	LastPrice  float64
}

// StopTrigger is reported once when a protection level is crossed.
type StopTrigger struct {
	TradeID string
	Symbol  string
	Kind    string
	Price   float64
	Reason  string
}

// StopMonitor tracks stop-loss and take-profit levels per trade.
type StopMonitor struct {
	mu       sync.RWMutex
	byID     map[string]*Protection
	bySymbol map[string]map[string]struct{}
	pending  map[string]struct{}
}

// NewStopMonitor creates an empty monitor.
func NewStopMonitor() *StopMonitor {
	return &StopMonitor{
		byID:     make(map[string]*Protection),
		bySymbol: make(map[string]map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Track starts monitoring a trade.
func (m *StopMonitor) Track(t order.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[t.ID] = &Protection{
		TradeID:    t.ID,
		Symbol:     t.Symbol,
		Direction:  t.Direction,
		EntryPrice: t.EntryPrice,
		StopLoss:   t.StopLoss,
		TakeProfit: t.TakeProfit,
		LastPrice:  t.EntryPrice,
	}
	if m.bySymbol[t.Symbol] == nil {
		m.bySymbol[t.Symbol] = make(map[string]struct{})
	}
	m.bySymbol[t.Symbol][t.ID] = struct{}{}
}

// Untrack stops monitoring a trade.
func (m *StopMonitor) Untrack(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[tradeID]
	if !ok {
		return
	}
	delete(m.byID, tradeID)
	delete(m.pending, tradeID)
	if ids := m.bySymbol[p.Symbol]; ids != nil {
		delete(ids, tradeID)
		if len(ids) == 0 {
			delete(m.bySymbol, p.Symbol)
		}
	}
}

// Release lets a trade trigger again after its close attempt failed.
func (m *StopMonitor) Release(tradeID string) {
	m.mu.Lock()
	delete(m.pending, tradeID)
	m.mu.Unlock()
}

// UpdatePrice records price for symbol and returns the trades whose stop-loss
// or take-profit was crossed. A trade is reported once until Untrack or Release.
func (m *StopMonitor) UpdatePrice(symbol string, price float64) []StopTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []StopTrigger
	for id := range m.bySymbol[symbol] {
		p := m.byID[id]
		p.LastPrice = price
		if _, busy := m.pending[id]; busy {
			continue
		}
		kind := ""
		switch {
		case stopLossHit(p, price):
			kind = TriggerStopLoss
		case takeProfitHit(p, price):
			kind = TriggerTakeProfit
		}
		if kind == "" {
			continue
		}
		m.pending[id] = struct{}{}
		out = append(out, StopTrigger{
			TradeID: id,
			Symbol:  symbol,
			Kind:    kind,
			Price:   price,
			Reason:  fmt.Sprintf("%s triggered at %.4f", kind, price),
		})
	}
	return out
}

// Get returns the protection of a trade.
func (m *StopMonitor) Get(tradeID string) (Protection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[tradeID]
	if !ok {
		return Protection{}, false
	}
	return *p, true
}

// Len is the number of tracked trades.
func (m *StopMonitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func stopLossHit(p *Protection, price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Direction == order.Short {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

func takeProfitHit(p *Protection, price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Direction == order.Short {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}
