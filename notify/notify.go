/*
Package notify delivers pool events to the outside world.

PURPOSE:
  The engine emits pool.Event values after every committed mutation.
  Delivery is strictly best-effort: the original system pushed over a
  socket and mailed over SMTP from background workers, and a slow or
  failing transport must never block a booking. This package models
  that as an outbound queue drained by one goroutine that fans events
  out to pluggable publishers.

DESIGN:
  - Dispatcher.Publish is non-blocking: when the buffer is full the
    event is dropped and counted, never queued against the caller
  - Publishers run on the dispatcher goroutine, outside the engine's
    exclusive section; a publisher error is logged and forgotten
  - Targeted events (Event.Target set) address a single holder; the
    email publisher only handles those, the push publishers handle
    everything

PUBLISHERS:
  - LogPublisher:   Structured log line per event (always on)
  - NATSPublisher:  JSON push on a NATS subject (nats.go)
  - EmailPublisher: SMTP mail to the target holder (email.go)

SEE ALSO:
  - pool/gateway.go: The producer
*/
package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zachbabanov/loadzone/pool"
)

// Publisher delivers one event to one transport.
type Publisher interface {
	Publish(ev pool.Event) error
}

// DefaultBuffer is the dispatcher queue depth.
const DefaultBuffer = 256

// Dispatcher implements pool.Notifier: a buffered queue drained by a
// single goroutine that fans out to the configured publishers.
type Dispatcher struct {
	ch      chan pool.Event
	pubs    []Publisher
	logger  *zap.Logger
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue depth.
// A depth <= 0 takes DefaultBuffer.
func NewDispatcher(logger *zap.Logger, buffer int, pubs ...Publisher) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		ch:     make(chan pool.Event, buffer),
		pubs:   pubs,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish enqueues the event, dropping it if the queue is full.
func (d *Dispatcher) Publish(ev pool.Event) {
	select {
	case d.ch <- ev:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("notification dropped, queue full",
			zap.String("action", ev.Action),
			zap.Int64("total_dropped", n))
	}
}

// Start launches the drain goroutine.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.drain()
	})
}

// Stop closes the queue and waits until buffered events are delivered.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.ch)
		<-d.done
	})
}

// Dropped returns how many events were discarded due to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for ev := range d.ch {
		for _, p := range d.pubs {
			if err := p.Publish(ev); err != nil {
				d.logger.Warn("notification delivery failed",
					zap.String("action", ev.Action),
					zap.String("resource", ev.ResourceID),
					zap.Error(err))
			}
		}
	}
}

// =============================================================================
// LOG PUBLISHER
// =============================================================================

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p *LogPublisher) Publish(ev pool.Event) error {
	fields := []zap.Field{
		zap.String("action", ev.Action),
		zap.String("message", ev.Message),
	}
	if ev.ResourceID != "" {
		fields = append(fields, zap.String("resource", ev.ResourceID))
	}
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	p.Logger.Info("notification", fields...)
	return nil
}
