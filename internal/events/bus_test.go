package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRoutesByTopicAndWildcard(t *testing.T) {
	bus := NewBus()
	trips, unsubTrips := bus.Subscribe(EventCircuitBreakerTripped, 4)
	defer unsubTrips()
	all, unsubAll := bus.SubscribeAll(4)
	defer unsubAll()

	bus.Publish(EventTradeOpened, TradeOpened{TradeID: "t1"})
	bus.Publish(EventCircuitBreakerTripped, CircuitBreakerTripped{Reason: "drawdown", Value: 16, Limit: 15})

	select {
	case env := <-trips:
		assert.Equal(t, EventCircuitBreakerTripped, env.Type)
		assert.NotEmpty(t, env.ID)
		p, ok := env.Payload.(CircuitBreakerTripped)
		require.True(t, ok)
		assert.Equal(t, 16.0, p.Value)
	case <-time.After(time.Second):
		t.Fatal("tripped event not delivered")
	}

	require.Len(t, all, 2)
	first := <-all
	second := <-all
	assert.Equal(t, EventTradeOpened, first.Type)
	assert.Equal(t, EventCircuitBreakerTripped, second.Type)
	assert.Less(t, first.ID, second.ID)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	bus.Publish(EventPriceTick, PriceTick{Symbol: "BTCUSDT", Price: 1})
	bus.Publish(EventPriceTick, PriceTick{Symbol: "BTCUSDT", Price: 2})
	assert.EqualValues(t, 1, bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeClosed, 1)
	unsub()
	_, open := <-ch
	assert.False(t, open)
	bus.Publish(EventTradeClosed, TradeClosed{})
}
