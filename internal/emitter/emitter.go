// Package emitter forwards raised detection events to message brokers.
//
// Delivery is best-effort: the detection record is the source of truth and
// a broker outage never stalls the detection loop.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// drainTimeout bounds delivery of queued events on shutdown
const drainTimeout = 5 * time.Second

// Notifier delivers one event to an external system
type Notifier interface {
	Notify(ctx context.Context, ev types.DetectionEvent) error
	Name() string
}

// Dispatcher hands events to its notifiers from a background goroutine.
// Enqueue never blocks; when the queue is full the event is dropped for
// the brokers (it is already persisted).
type Dispatcher struct {
	notifiers []Notifier
	queue     chan types.DetectionEvent

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher; Start launches delivery
func NewDispatcher(queueSize int, notifiers ...Notifier) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan types.DetectionEvent, queueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start runs delivery until Stop or ctx is done
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.drain(ctx)
			return
		case <-d.stopCh:
			d.drain(ctx)
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// drain delivers what is already queued, even once ctx is cancelled,
// for at most drainTimeout
func (d *Dispatcher) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-d.queue:
			d.deliver(dctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev types.DetectionEvent) {
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
			slog.Warn("event notification failed",
				"notifier", n.Name(),
				"id", ev.ID,
				"error", err,
			)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.failed.Add(1)
		return
	}
	d.delivered.Add(1)
}

// Enqueue offers ev for delivery without blocking
func (d *Dispatcher) Enqueue(ev types.DetectionEvent) {
	if len(d.notifiers) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		slog.Warn("notification queue full, event not forwarded", "id", ev.ID)
	}
}

// Stop delivers already-queued events and waits for the goroutine to exit
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Stats are dispatcher counters
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
	Notifiers []string
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() Stats {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Notifiers: names,
	}
}
