package transport

import (
	"sync"
	"time"

	"github.com/park285/cheese-roomsync/internal/room"
)

// Event is the closed set of inbound notifications.
type Event interface{ isEvent() }

type SnapshotEvent struct {
	State room.State
}

type ChatEvent struct {
	From   string
	Text   string
	SentAt time.Time
}

type MoveEvent struct {
	Move    room.MoveApplied
	Version int64
}

type FinalizeEvent struct {
	State room.State
}

// AckEvent is the host's direct reply to one of our requests.
type AckEvent struct {
	RequestID string
	OK        bool
	Reason    string
	Snapshot  *room.State
}

// Err maps a rejected ack back to its sentinel.
func (a AckEvent) Err() error {
	if a.OK {
		return nil
	}
	return room.ErrorForReason(a.Reason)
}

func (SnapshotEvent) isEvent() {}
func (ChatEvent) isEvent()     {}
func (MoveEvent) isEvent()     {}
func (FinalizeEvent) isEvent() {}
func (AckEvent) isEvent()      {}

type Handler func(Event)

type handlerEntry struct {
	id int
	h  Handler
}

// Dispatcher is an ordered event queue drained by one goroutine. Handlers run
// to completion one event at a time; nothing is delivered after Close.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []Event
	handlers []handlerEntry
	nextID   int
	closed   bool
	wake     chan struct{}
	done     chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) OnEvent(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, handlerEntry{id: id, h: h})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.handlers {
			if e.id == id {
				d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
				return
			}
		}
	}
}

// Emit enqueues ev without blocking.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close drops queued events and stops delivery.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()
	close(d.done)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			handlers := make([]handlerEntry, len(d.handlers))
			copy(handlers, d.handlers)
			d.mu.Unlock()

			for _, e := range handlers {
				e.h(ev)
			}
		}
	}
}
