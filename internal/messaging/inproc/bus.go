package inproc

import (
	"errors"
	"sync"

	"roledesk/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans presentation events out to every registered subscriber. Sends
// never block: a full subscriber queue drops the event for that subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

// Publish delivers evt to every subscriber. It returns
// ErrSubscriberQueueFull when at least one subscriber missed the event.
func (b *Bus) Publish(evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var dropped bool
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrSubscriberQueueFull
	}
	return nil
}

// PublishTo delivers evt to a single subscriber.
func (b *Bus) PublishTo(subscriberID string, evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case ch <- evt:
		return nil
	default:
		return ErrSubscriberQueueFull
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
