package protocol

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event types the gateway subscribes to by default.
const (
	EventStateChanged = "state_changed"
	EventRemoteButton = "remote_button"
	// AnyEvent subscribes a handler to every event type.
	AnyEvent = "*"
)

// Handler receives events. It runs on the subscriber's own goroutine.
type Handler func(Event)

type subscriber struct {
	eventType string
	handler   Handler
	queue     chan Event
	quit      chan struct{}
}

// eventBus fans events out to subscribers without ever blocking the publisher.
// Each subscriber has a bounded queue; when it is full the event is dropped
// for that subscriber only.
type eventBus struct {
	mu        sync.RWMutex
	subs      map[string]map[uint64]*subscriber
	nextID    uint64
	queueSize int
	dropped   atomic.Uint64
	logger    *slog.Logger
}

func newEventBus(queueSize int, logger *slog.Logger) *eventBus {
	return &eventBus{
		subs:      make(map[string]map[uint64]*subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (b *eventBus) subscribe(eventType string, h Handler) func() {
	s := &subscriber{
		eventType: eventType,
		handler:   h,
		queue:     make(chan Event, b.queueSize),
		quit:      make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscriber)
	}
	b.subs[eventType][id] = s
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[eventType], id)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			b.mu.Unlock()
			close(s.quit)
		})
	}
}

func (b *eventBus) run(s *subscriber) {
	for {
		select {
		case ev := <-s.queue:
			b.deliver(s, ev)
		case <-s.quit:
			return
		}
	}
}

func (b *eventBus) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event_type", ev.EventType, "panic", r)
		}
	}()
	s.handler(ev)
}

// publish hands ev to every subscriber of its type and every AnyEvent subscriber.
func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := []string{ev.EventType, AnyEvent}
	if ev.EventType == AnyEvent {
		keys = keys[:1]
	}
	for _, key := range keys {
		for _, s := range b.subs[key] {
			select {
			case s.queue <- ev:
			default:
				b.dropped.Add(1)
				b.logger.Warn("subscriber queue full, dropping event",
					"event_type", ev.EventType,
					"subscription", s.eventType,
				)
			}
		}
	}
}

func (b *eventBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}
