package events

import (
	"sync"
)

// Bus is a channel-based pub-sub event bus. Subscribers pick the topics they
// care about; subscribing with no topics receives every event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event // topic -> subscriber channels
	all    []chan Event            // subscribers to every topic
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe registers a channel for the given topics, or for all topics when
// none are given. bufSize defaults to 256 if <= 0. The returned channel is
// closed when the bus closes.
func (b *Bus) Subscribe(bufSize int, topics ...string) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	if len(topics) == 0 {
		b.all = append(b.all, ch)
		return ch
	}

	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}

	return ch
}

// Publish sends an event to every subscriber of the topic. Publishing never
// blocks: if a subscriber's buffer is full the event is dropped for that
// subscriber.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// Subscriber is behind, drop.
		}
	}

	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the bus and all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for _, channels := range b.subs {
		for _, ch := range channels {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range b.all {
		if !seen[ch] {
			seen[ch] = true
			close(ch)
		}
	}
}
