package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler consumes an event. Errors are logged by the bus and dropped.
type Handler func(event Event) error

// Bus fans audit events out to subscribed handlers. Every handler runs in its
// own goroutine so Record never blocks the audio path.
type Bus struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type; "*" matches every type.
func (bus *Bus) Subscribe(eventType string, handler Handler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], handler)
	bus.logger.Debug("Audit handler subscribed", zap.String("eventType", eventType))
}

// Record implements Auditor.
func (bus *Bus) Record(event Event) {
	if event.ID == "" {
		event.ID = newID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	bus.mu.RLock()
	all := make([]Handler, 0, len(bus.handlers[event.Type])+len(bus.handlers["*"]))
	all = append(all, bus.handlers[event.Type]...)
	all = append(all, bus.handlers["*"]...)
	bus.mu.RUnlock()

	if len(all) == 0 {
		bus.logger.Debug("No handlers for audit event", zap.String("eventType", event.Type))
		return
	}

	for _, handler := range all {
		bus.inflight.Add(1)
		go func(h Handler) {
			defer bus.inflight.Done()
			if err := h(event); err != nil {
				bus.logger.Warn("Audit handler failed",
					zap.String("eventType", event.Type),
					zap.String("eventId", event.ID),
					zap.Error(err))
			}
		}(handler)
	}
}

// Drain waits for in-flight handlers or until ctx is done.
func (bus *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		bus.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
