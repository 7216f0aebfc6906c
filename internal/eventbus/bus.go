// Package eventbus fans out in-process lifecycle and delivery signals.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by bookbot components.
const (
	// SessionState carries a SessionStateChanged.
	SessionState = "session.state"
	// SessionPairing carries the pairing code string for the operator.
	SessionPairing = "session.pairing"
	// DeliveryStarted carries a DeliveryRun.
	DeliveryStarted = "delivery.started"
	// DeliveryFinished carries a DeliveryRun with Outcome/Err set.
	DeliveryFinished = "delivery.finished"
	// ScheduleChanged carries a ScheduleChange.
	ScheduleChanged = "delivery.schedule"
)

// Event is a small in-memory signal.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type SessionStateChanged struct {
	From string
	To   string
}

type DeliveryRun struct {
	RunID   string
	Trigger string // "timer" or "manual"
	ItemID  int64
	Outcome string
	Err     string
}

type ScheduleChange struct {
	Running        bool
	CronExpression string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

// Publish delivers e to every subscriber that has buffer space.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock keeps Unsubscribe from closing a channel mid-send; the
	// sends themselves never block.
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
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
