package events

import (
	"sync"
	"time"
)

// Handler receives dispatched events. Handlers run synchronously on the
// publishing goroutine's dispatch loop but are invoked without the bus
// lock held, so a slow handler does not stall Subscribe.
type Handler func(*Event)

// Bus is a process-wide pub/sub dispatcher. It exists so InventoryManager,
// WeatherEnricher, PairingOrchestrator, and ExperimentAllocator can emit
// events without depending on whatever consumes them (the realtime hub,
// the metrics tracker, audit logging) — consumers subscribe independently.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	now      func() time.Time
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		now:      time.Now,
	}
}

// Subscribe registers fn to be invoked for every event of the given type.
func (b *Bus) Subscribe(t EventType, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], fn)
}

// Emit dispatches data to every subscriber of its EventType, synchronously,
// in subscription order.
func (b *Bus) Emit(module string, data EventData) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[data.EventType()]...)
	b.mu.RUnlock()

	evt := &Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: b.now().Unix(),
		Data:      data,
	}
	for _, h := range hs {
		h(evt)
	}
}
