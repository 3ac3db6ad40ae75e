package monitor

import (
	"context"
	"log"
	"time"

	"gatekeeper/internal/events"
)

// DefaultAlertEvents are the events operators are notified about.
var DefaultAlertEvents = []events.Event{
	events.EventCircuitBreakerTripped,
	events.EventCircuitBreakerReset,
	events.EventDailyLossLimitReached,
	events.EventCooldownActivated,
	events.EventCorrelationLimitExceeded,
	events.EventPortfolioRiskLimitExceeded,
	events.EventTradeOpened,
	events.EventTradeClosed,
}

// Monitor watches events and fans alerts out to every sink. A failing sink
// never blocks the others.
type Monitor struct {
	Bus    *events.Bus
	Sinks  []AlertSink
	Events []events.Event
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Println("[alert] monitor not fully configured; skipping")
		return
	}
	watch := m.Events
	if len(watch) == 0 {
		watch = DefaultAlertEvents
	}
	for _, e := range watch {
		stream, unsub := m.Bus.Subscribe(e, 50)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-stream:
					if !ok {
						return
					}
					m.dispatch(FormatAlert(env))
				}
			}
		}()
	}
}

func (m *Monitor) dispatch(msg string) {
	for _, s := range m.Sinks {
		if err := s.Send(msg); err != nil {
			log.Printf("[alert] sink %T failed: %v", s, err)
		}
	}
}

// FormatAlert renders an envelope as one line of operator text.
func FormatAlert(env events.Envelope) string {
	body := string(env.Type)
	if d, ok := env.Payload.(events.Describer); ok {
		body = d.Describe()
	}
	return "[" + env.At.Format(time.RFC3339) + "] " + body
}
