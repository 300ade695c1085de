package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by meetbell components.
const (
	TypeAlertDelivered  = "alert.delivered"
	TypeAlertSuppressed = "alert.suppressed"
	TypeAlertClosed     = "alert.closed"
	TypePollCompleted   = "poll.completed"
	TypePollFailed      = "poll.failed"
	TypeMaintenance     = "maintenance.completed"
	TypeTaskFailed      = "task.failed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Publish never blocks; subscribers use buffered channels and slow subscribers
// drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Removal and close happen under the write lock, so no Publish holds ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
