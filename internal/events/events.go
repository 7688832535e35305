// Package events fans intel state changes out to the views watching a
// contact.
package events

import (
	"context"
	"sync"
)

const (
	TypeState    = "state"
	TypeFragment = "fragment"
	TypePhase    = "phase"
)

type Event struct {
	ContactID string `json:"contact_id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Ts        string `json:"ts"`
	Payload   any    `json:"payload,omitempty"`
}

const bufferSize = 16

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan Event]struct{}{},
	}
}

// Subscribe returns a channel of events for contactID that is closed when
// ctx is done.
func (b *Broker) Subscribe(ctx context.Context, contactID string) <-chan Event {
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	if b.subscribers[contactID] == nil {
		b.subscribers[contactID] = map[chan Event]struct{}{}
	}
	b.subscribers[contactID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[contactID] != nil {
			delete(b.subscribers[contactID], ch)
			if len(b.subscribers[contactID]) == 0 {
				delete(b.subscribers, contactID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish never blocks. A subscriber whose buffer is full loses its oldest
// event, so the most recent state always arrives.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.ContactID] {
		select {
		case ch <- event:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}
