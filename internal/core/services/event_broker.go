package services

import (
	"sync"
	"time"

	"chatcall/internal/core/domain"

	"go.uber.org/zap"
)

const subscriberBuffer = 64

// EventBroker fans call events out to every subscriber. Slow subscribers
// lose events rather than stall the publisher.
type EventBroker struct {
	mu     sync.RWMutex
	subs   map[uint64]chan domain.Event
	nextID uint64
	logger *zap.SugaredLogger
}

func NewEventBroker(logger *zap.SugaredLogger) *EventBroker {
	return &EventBroker{
		subs:   make(map[uint64]chan domain.Event),
		logger: logger,
	}
}

func (b *EventBroker) Publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warnw("dropping event for slow subscriber",
				"subscriber", id,
				"type", event.Type,
			)
		}
	}
}

// Subscribe returns a buffered channel of events and a function that
// unsubscribes and closes it.
func (b *EventBroker) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *EventBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
