// Package eventbus fans scheduler signals (ticks, notifier outcomes, config
// reloads) out to in-process listeners. Publishing never blocks: a listener
// whose buffer is full misses the event and the bus counts the drop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	// Data is a small map or struct that serializes to JSON.
	Data any
}

const (
	TypeDispatchTick = "dispatch.tick"

	TypeNotifierQueued  = "notifier.queued"
	TypeNotifierSent    = "notifier.sent"
	TypeNotifierFailed  = "notifier.failed"
	TypeNotifierDropped = "notifier.dropped"
	TypeNotifierDeduped = "notifier.deduped"

	TypeConfigReloaded = "config.reloaded"
)

const defaultBuffer = 8

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered feed and a cancel func that closes it.
	// Cancel may be called more than once.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped is the number of deliveries skipped because a listener was full.
	Dropped() uint64
}

func New() Bus {
	return &bus{listeners: make(map[uint64]*listener)}
}

type listener struct {
	ch     chan Event
	closed bool
}

type bus struct {
	// mu is held for reading while delivering, so a listener is never
	// closed mid-send.
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    uint64
	dropped   atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		select {
		case l.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	l := &listener{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.mu.Unlock()

	return l.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if l.closed {
			return
		}
		l.closed = true
		delete(b.listeners, id)
		close(l.ch)
	}
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }
