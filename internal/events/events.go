// Package events delivers lifecycle notifications to listeners on a
// dedicated goroutine, so a slow listener never stalls synthesis or
// playback.
package events

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Kind identifies an event type.
type Kind string

// Event kinds.
const (
	ModelStarted    Kind = "model_started"
	ModelExited     Kind = "model_exited"
	WorkerStarted   Kind = "worker_started"
	WorkerExited    Kind = "worker_exited"
	QueueOverflow   Kind = "queue_overflow"
	UtteranceQueued Kind = "utterance_queued"
	ClipPlayed      Kind = "clip_played"
)

// Event is a lifecycle notification.
type Event struct {
	Kind   Kind      `json:"kind"`
	Model  string    `json:"model,omitempty"`
	PID    int       `json:"pid,omitempty"`
	Line   string    `json:"line,omitempty"`
	Count  int       `json:"count,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Handler receives events.
type Handler func(Event)

// Nop discards every event.
var Nop Publisher = nopPublisher{}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// DefaultBuffer is the number of events a Bus holds before dropping.
const DefaultBuffer = 256

// Bus fans events out to subscribers from a single goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]map[int]Handler
	all      map[int]Handler
	nextID   int

	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
	log    *log.Logger
}

// NewBus creates and starts a bus holding up to buffer pending events.
func NewBus(buffer int, logger *log.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.Default().WithPrefix("events")
	}
	b := &Bus{
		handlers: make(map[Kind]map[int]Handler),
		all:      make(map[int]Handler),
		ch:       make(chan Event, buffer),
		done:     make(chan struct{}),
		log:      logger,
	}
	go b.run()
	return b
}

// Publish queues an event. When the buffer is full the event is dropped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		b.log.Warn("event buffer full, dropping event", "kind", e.Kind, "model", e.Model)
	}
}

// Subscribe registers fn for one kind of event. The returned func removes
// the subscription.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	b.handlers[kind][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.ch {
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Kind])+len(b.all))
	for _, h := range b.handlers[e.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h, e)
	}
}

func (b *Bus) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}

// Close stops accepting events, delivers the ones already queued and waits
// for the dispatch goroutine to finish.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
	<-b.done
}
