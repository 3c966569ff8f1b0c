package core

import (
	"sync"

	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Events published by the engine.
const (
	EventNewAlert    = "new_alert"
	EventStatsUpdate = "stats_update"
)

// Handler receives an event payload. Handlers run synchronously on the
// engine goroutine and must not block.
type Handler func(payload any)

// Publisher mirrors events to an external transport.
type Publisher interface {
	Publish(event string, payload any) error
	Close() error
}

// EventBus is the in-process publish/subscribe hub. A panicking handler is
// recovered and logged; the remaining handlers still run.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	mirror   Publisher
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewEventBus(logger zerolog.Logger, m *metrics.Metrics) *EventBus {
	return &EventBus{
		handlers: make(map[string][]Handler),
		logger:   logger.With().Str("component", "event_bus").Logger(),
		metrics:  m,
	}
}

// On registers fn for event.
func (b *EventBus) On(event string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], fn)
}

// Mirror forwards every emitted event to p as well.
func (b *EventBus) Mirror(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = p
}

// Emit calls every handler registered for event, in registration order,
// then hands the event to the mirror if one is set.
func (b *EventBus) Emit(event string, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event]...)
	mirror := b.mirror
	b.mu.RUnlock()

	for i, fn := range handlers {
		b.safeCall(event, i, fn, payload)
	}
	if mirror != nil {
		if err := mirror.Publish(event, payload); err != nil {
			b.logger.Warn().Err(err).Str("event", event).Msg("event mirror publish failed")
		}
	}
}

// safeCall runs fn inside a recover() so a panicking subscriber cannot
// crash the engine.
func (b *EventBus) safeCall(event string, idx int, fn Handler, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error().
				Str("event", event).
				Int("handler", idx).
				Interface("panic", rec).
				Msg("subscriber panic recovered")
			b.metrics.SubscriberFaulted(event)
		}
	}()
	fn(payload)
}

// Close closes the mirror, if any.
func (b *EventBus) Close() error {
	b.mu.Lock()
	mirror := b.mirror
	b.mirror = nil
	b.mu.Unlock()
	if mirror != nil {
		return mirror.Close()
	}
	return nil
}
