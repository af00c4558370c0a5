package service

import (
	"sync"

	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Broadcaster: fans execution events out to subscribers
// ─────────────────────────────────────────────────────────────

// EventPublisher receives execution status changes.
type EventPublisher interface {
	Publish(ev domain.ExecutionEvent)
}

// Broadcaster delivers every published event to each subscriber channel.
// A subscriber whose buffer is full misses the event; publishing never
// blocks.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.ExecutionEvent
	closed bool
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan domain.ExecutionEvent)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan domain.ExecutionEvent, func()) {
	ch := make(chan domain.ExecutionEvent, max(buffer, 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Publish(ev domain.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// RecordingPublisher is a test-friendly EventPublisher that keeps every
// event it receives.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
}

func (r *RecordingPublisher) Publish(ev domain.ExecutionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingPublisher) Events() []domain.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ExecutionEvent(nil), r.events...)
}

// States returns the sequence of states recorded for executionID.
func (r *RecordingPublisher) States(executionID string) []domain.ExecutionState {
	var out []domain.ExecutionState
	for _, ev := range r.Events() {
		if ev.Execution.ID == executionID {
			out = append(out, ev.Execution.State)
		}
	}
	return out
}
