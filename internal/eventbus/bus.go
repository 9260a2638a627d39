// Package eventbus is a small in-process fanout used to observe suggestion
// lifecycle events without coupling producers to consumers.
//
// Publish never blocks. Subscribers get a buffered channel and miss events
// when they fall behind; Dropped reports how many.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by sessions.
const (
	TypeDispatched = "suggest.dispatched"
	TypeCompleted  = "suggest.completed"
	TypeDiscarded  = "suggest.discarded"
	TypeToggled    = "session.toggled"
	TypeExpired    = "session.expired"
)

type Event struct {
	Type   string
	Time   time.Time
	ChatID int64
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// send under the read lock so unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

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

// Dropped counts deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
