// Package events is the in-process bus the sync session publishes on.
package events

import (
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	StateChanged  Kind = "state_changed"
	SaveCompleted Kind = "save_completed"
	SaveFailed    Kind = "save_failed"
	RemoteChanged Kind = "remote_changed"
	Imported      Kind = "imported"
	Queued        Kind = "queued"
)

type Event struct {
	Kind     Kind
	FamilyID string
	State    string
	Err      error
}

// Bus delivers events synchronously, in subscription order. Handlers must
// not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]func(Event)
	order    []string
}

func NewBus() *Bus {
	return &Bus{handlers: map[string]func(Event){}}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  string
}

func (b *Bus) Subscribe(fn func(Event)) Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.handlers[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()
	return Subscription{bus: b, id: id}
}

// Unsubscribe removes the handler. Calling it twice is harmless.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[s.id]; !ok {
		return
	}
	delete(b.handlers, s.id)
	for i, id := range b.order {
		if id == s.id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
