package events

import (
	"sync"
	"sync/atomic"
	"time"

	"gatekeeper/pkg/id"
)

// Envelope is what subscribers receive: the payload plus routing metadata.
type Envelope struct {
	ID      string    `json:"id"`
	Type    Event     `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Envelope
	all     []chan Envelope
	dropped atomic.Uint64
	now     func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope), now: time.Now}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[e] = remove(b.subs[e], ch)
	}
	return ch, unsub
}

// SubscribeAll registers a listener for every event.
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.all = append(b.all, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking. Slow
// subscribers lose the event; Dropped counts how often that happened.
func (b *Bus) Publish(e Event, payload any) Envelope {
	env := Envelope{ID: id.New(), Type: e, At: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		b.send(ch, env)
	}
	for _, ch := range b.all {
		b.send(ch, env)
	}
	return env
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) send(ch chan Envelope, env Envelope) {
	select {
	case ch <- env:
	default:
		b.dropped.Add(1)
	}
}

func remove(subs []chan Envelope, ch chan Envelope) []chan Envelope {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
