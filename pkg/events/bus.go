package events

import (
	"sync"
	"sync/atomic"

	"github.com/relaytrust/relaytrust/pkg/logger"
)

// Handler processes a published event. Handler errors are the handler's own
// problem; the bus neither collects nor propagates them.
type Handler func(event Event)

// Bus is an asynchronous, bounded Publisher. Publish never blocks: when the
// buffer is full the event is dropped and counted. A single worker goroutine
// dispatches events to all handlers in registration order.
type Bus struct {
	ch       chan Event
	dropped  atomic.Int64
	mu       sync.RWMutex
	handlers []Handler

	stopOnce sync.Once
	done     chan struct{}
}

// NewBus creates a bus with the given buffer size and starts its worker.
// A non-positive buffer defaults to 256.
func NewBus(buffer int, handlers ...Handler) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		ch:       make(chan Event, buffer),
		handlers: handlers,
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers an additional handler. Handlers registered after events
// were dispatched only see subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues the event for dispatch. It never blocks; events published
// after Close, or while the buffer is full, are dropped.
func (b *Bus) Publish(event Event) {
	select {
	case <-b.done:
		b.dropped.Add(1)
	default:
		select {
		case b.ch <- event:
		default:
			b.dropped.Add(1)
			logger.Debugw("telemetry event dropped", "type", event.Type, "client_id", event.ClientID)
		}
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the worker after draining already-enqueued events.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			// Drain whatever was enqueued before Close.
			for {
				select {
				case event := <-b.ch:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
