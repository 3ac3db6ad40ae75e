package risk

import (
	"testing"

	"gatekeeper/internal/order"
)

func TestStopMonitorTriggers(t *testing.T) {
	m := NewStopMonitor()
	m.Track(order.Trade{ID: "l", Symbol: "BTCUSDT", Direction: order.Long, EntryPrice: 100, StopLoss: 95, TakeProfit: 110})
	m.Track(order.Trade{ID: "s", Symbol: "BTCUSDT", Direction: order.Short, EntryPrice: 100, StopLoss: 105, TakeProfit: 90})

	if got := m.UpdatePrice("BTCUSDT", 101); len(got) != 0 {
		t.Fatalf("no level crossed, got %+v", got)
	}
	got := m.UpdatePrice("BTCUSDT", 106)
	if len(got) != 1 || got[0].TradeID != "s" || got[0].Kind != TriggerStopLoss {
		t.Fatalf("short stop expected, got %+v", got)
	}
	if again := m.UpdatePrice("BTCUSDT", 107); len(again) != 0 {
		t.Fatalf("pending trade reported twice: %+v", again)
	}
	m.Release("s")
	if again := m.UpdatePrice("BTCUSDT", 107); len(again) != 1 {
		t.Fatalf("released trade should trigger again: %+v", again)
	}

	m.Untrack("s")
	got = m.UpdatePrice("BTCUSDT", 111)
	if len(got) != 1 || got[0].TradeID != "l" || got[0].Kind != TriggerTakeProfit {
		t.Fatalf("long take profit expected, got %+v", got)
	}
	m.Untrack("l")
	if m.Len() != 0 {
		t.Fatalf("Len() = %d", m.Len())
	}
}
