package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ServiceName is the container key the bus is registered under so steps
// can emit domain events.
const ServiceName = "event-bus"

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event name.
	ErrNoHandler = errors.New("no handlers registered for event name")
)

// Event is a named domain or engine event. Publication is fire-and-forget
// from the workflow engine's perspective: an emitted event cannot be
// compensated, so event-emitting steps belong after compensable ones.
type Event struct {
	Name    string
	Payload map[string]interface{}
}

// EventHandler handles published events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus is an in-process bus with asynchronous delivery through a
// buffered channel and a single processor goroutine.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets the handler invoked when a subscriber returns an
// error during asynchronous delivery.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// NewEventBus creates a bus and starts its processor goroutine. The default
// buffer size is 100; subscriber errors are logged unless overridden.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:   make(map[string][]EventHandler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers a handler for an event name.
func (eb *EventBus) Subscribe(name string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[name] = append(eb.handlers[name], handler)
}

// SubscribeFunc registers a function as a handler for an event name.
func (eb *EventBus) SubscribeFunc(name string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(name, EventHandlerFunc(handlerFunc))
}

// HasSubscribers reports whether any handler is registered for name.
func (eb *EventBus) HasSubscribers(name string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	handlers, exists := eb.handlers[name]
	return exists && len(handlers) > 0
}

// Publish enqueues an event for asynchronous delivery. Returns an error if
// the context is canceled, the bus is closed, no handler is registered, or
// the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !eb.HasSubscribers(event.Name) {
		return ErrNoHandler
	}

	// The read lock is held across the send so Stop cannot close the
	// channel between the closed check and the enqueue. The send never
	// blocks; a full channel falls through to ErrChannelFull.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event to all handlers and waits for them,
// returning every handler error. Delivery is bounded by a 5-second timeout
// unless the context is stricter.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	eb.mu.RLock()
	handlers, ok := eb.handlers[event.Name]
	eb.mu.RUnlock()

	if !ok || len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return executeHandlers(timeoutCtx, handlers, event)
}

// Stop closes the bus and waits for the processor goroutine. Unprocessed
// events are discarded.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers, ok := eb.handlers[event.Name]
		eb.mu.RUnlock()

		if !ok || len(handlers) == 0 {
			continue
		}

		errs := executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
func executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func defaultErrorHandler(event Event, err error) {
	log.Error("event handler failed", "event", event.Name, "err", err)
}
