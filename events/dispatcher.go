package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// queueSize is the bounded channel capacity for outbound events.
const queueSize = 1024

const publishTimeout = 5 * time.Second

// Dispatcher fans events out to publishers from a single background
// goroutine. Emit enqueues into a bounded channel; when the channel is full
// the event is dropped and a warning is logged.
type Dispatcher struct {
	publishers []Publisher
	logger     *slog.Logger
	events     chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher over publishers.
func NewDispatcher(logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		publishers: publishers,
		logger:     logger,
		events:     make(chan Event, queueSize),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Emit adds an event to the dispatch queue. It never blocks.
func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- e:
	default:
		d.logger.Warn("events: queue full, dropping event", "type", string(e.Type))
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.events {
		for _, p := range d.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.Publish(ctx, e); err != nil {
				d.logger.Warn("events: publish failed", "type", string(e.Type), "error", err)
			}
			cancel()
		}
	}
}
