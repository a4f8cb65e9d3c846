// Package bus implements the per-room event dispatcher.
//
// Handlers registered with On run synchronously in registration order on
// whichever goroutine calls Emit. Concurrent producers (link read loops,
// timers) hand events to the room's owner goroutine with Post; the owner
// drains them with Run, so every handler for a room runs on one goroutine.
// Subscribe offers the older non-blocking channel fan-out for observers that
// live on other goroutines.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Post once Run has exited.
var ErrStopped = errors.New("dispatcher stopped")

// Handler reacts to a single event. A returned error is reported, never
// propagated to the emitter.
type Handler func(Event) error

type registration struct {
	id int
	fn Handler
}

// Bus is an in-process dispatcher with typed handlers, namespace-filtered
// channel subscriptions and a single-consumer inbox.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	subs     map[int]*subscription
	next     int

	inbox   chan Event
	stopped chan struct{}
	once    sync.Once

	logger *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus. inboxSize bounds the number of posted events
// waiting for the owner goroutine.
func New(inboxSize int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inboxSize <= 0 {
		inboxSize = 256
	}
	return &Bus{
		handlers: make(map[string][]registration),
		subs:     make(map[int]*subscription),
		inbox:    make(chan Event, inboxSize),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
}

// On registers fn for events of exactly the given kind. The returned function
// removes the registration and may be called any number of times.
func (b *Bus) On(kind string, fn Handler) (off func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[kind] = append(b.handlers[kind], registration{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			regs := b.handlers[kind]
			for i, r := range regs {
				if r.id == id {
					// Copy so an Emit iterating the old slice is unaffected.
					next := make([]registration, 0, len(regs)-1)
					next = append(next, regs[:i]...)
					next = append(next, regs[i+1:]...)
					b.handlers[kind] = next
					break
				}
			}
		})
	}
}

// Emit invokes every handler registered for evt.Kind in registration order,
// then fans the event out to matching channel subscribers. A failing or
// panicking handler does not stop the remaining handlers.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	regs := b.handlers[evt.Kind]
	b.mu.RUnlock()

	for _, r := range regs {
		if err := b.invoke(r.fn, evt); err != nil {
			b.reportHandlerError(evt.Kind, err)
		}
	}
	b.Publish(evt)
}

func (b *Bus) invoke(fn Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(evt)
}

func (b *Bus) reportHandlerError(kind string, err error) {
	b.logger.Error("event handler failed", zap.String("kind", kind), zap.Error(err))
	if kind == KindHandlerError {
		return
	}
	b.Publish(NewEvent(KindHandlerError, HandlerError{Kind: kind, Err: err}))
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Post queues evt for the owner goroutine. It blocks while the inbox is full
// and gives up when ctx is done or Run has exited.
func (b *Bus) Post(ctx context.Context, evt Event) error {
	select {
	case <-b.stopped:
		return ErrStopped
	default:
	}
	select {
	case b.inbox <- evt:
		return nil
	case <-b.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run emits posted events one at a time until ctx is done. It must be called
// from exactly one goroutine.
func (b *Bus) Run(ctx context.Context) {
	defer b.once.Do(func() { close(b.stopped) })
	for {
		select {
		case evt := <-b.inbox:
			b.Emit(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Stopped is closed once Run has returned.
func (b *Bus) Stopped() <-chan struct{} {
	return b.stopped
}
