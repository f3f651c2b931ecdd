package events

import (
	"context"
	"errors"
	"sync"
)

// Publisher fans session lifecycle events out to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
	Close() error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errMissingType = errors.New("event type is required")

// NewMemoryPublisher initialises an in-memory fan-out publisher that also
// keeps the most recent events for inspection.
func NewMemoryPublisher(buffer int) *MemoryPublisher {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryPublisher{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
		recent: make([]Event, 0, buffer),
	}
}

// MemoryPublisher is the default Publisher for single-process deployments.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	recent []Event
}

// Publish implements Publisher. Delivery never blocks, so slow subscribers
// miss events rather than stalling the session that publishes them, and a
// recorded event is never reported as failed.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	if event.Type == "" {
		return errMissingType
	}
	p.mu.Lock()
	if len(p.recent) == p.buffer {
		copy(p.recent, p.recent[1:])
		p.recent = p.recent[:len(p.recent)-1]
	}
	p.recent = append(p.recent, event)
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for sub := range p.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Recent returns up to buffer of the latest events, oldest first.
func (p *MemoryPublisher) Recent() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.recent))
	copy(out, p.recent)
	return out
}

// Subscribe implements Publisher.
func (p *MemoryPublisher) Subscribe() Subscription {
	sub := &memorySubscription{
		publisher: p,
		ch:        make(chan Event, p.buffer),
	}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	return sub
}

// Close implements Publisher by closing every open subscription.
func (p *MemoryPublisher) Close() error {
	p.mu.RLock()
	subs := make([]*memorySubscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once      sync.Once
	publisher *MemoryPublisher
	ch        chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.publisher.mu.Lock()
		delete(s.publisher.subs, s)
		s.publisher.mu.Unlock()
		close(s.ch)
	})
}
