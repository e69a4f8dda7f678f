package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// ErrBufferFull is returned when an asynchronous publisher cannot queue an event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// EventPublisher fans session events out to in-process subscribers. With a
// zero buffer size events are delivered synchronously and in order; otherwise
// a single goroutine drains the queue, which also preserves order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closed      chan struct{}
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		closed: make(chan struct{}),
	}
	if cfg.BufferSize > 0 {
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish implements engine.EventPublisher.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	select {
	case <-ep.closed:
		return ErrPublisherClosed
	default:
	}

	evt := *event
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Level == "" {
		evt.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliver(evt)
		return nil
	}

	select {
	case ep.buffer <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case evt := <-ep.buffer:
			ep.deliver(evt)
		case <-ep.closed:
			for {
				select {
				case evt := <-ep.buffer:
					ep.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(evt engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(evt) {
			continue
		}
		entry.subscriber(evt)
	}
}

// Shutdown stops accepting events and drains the queue.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.closeOnce.Do(func() { close(ep.closed) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink returns a subscriber that writes each event to logger.
func LogSink(logger zerolog.Logger) EventSubscriber {
	return func(evt engine.Event) {
		var e *zerolog.Event
		switch evt.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("event", evt.Type).Str("session_id", evt.SessionID)
		if evt.Hostname != "" {
			e = e.Str("hostname", evt.Hostname)
		}
		if evt.Action != "" {
			e = e.Str("action", evt.Action)
		}
		if len(evt.Details) > 0 {
			e = e.Fields(evt.Details)
		}
		e.Msg(evt.Message)
	}
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	floor := levels[minLevel]
	return func(evt engine.Event) bool {
		return levels[evt.Level] >= floor
	}
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(evt engine.Event) bool {
		_, ok := set[evt.Type]
		return ok
	}
}

// FilterBySession passes events of one session.
func FilterBySession(sessionID string) EventFilter {
	return func(evt engine.Event) bool {
		return evt.SessionID == sessionID
	}
}
