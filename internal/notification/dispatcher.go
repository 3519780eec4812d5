package notification

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Sink consumes dispatched events; failures are logged, never propagated
type Sink interface {
	Deliver(ctx context.Context, event Event) error
	Name() string
}

// Dispatcher fans events out to sinks from a buffered queue so workflow
// writes never wait on delivery. When the queue is full the event is
// dropped with a warning; notifications are a best-effort side channel.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Event
	logger *zap.Logger

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue capacity
func NewDispatcher(sinks []Sink, bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Event, bufferSize),
		logger: logger,
	}
}

// Notify enqueues the event without blocking
func (d *Dispatcher) Notify(event Event) {
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Notification queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("request_id", event.RequestID))
	}
}

// Start launches the drain goroutine
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("notification dispatcher is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.isRunning = true

	d.logger.Info("Notification dispatcher started",
		zap.Int("sinks", len(d.sinks)),
		zap.Int("buffer", cap(d.queue)))

	go d.drainLoop()

	return nil
}

// Stop stops the drain goroutine after flushing queued events
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.logger.Info("Notification dispatcher stopped")
}

// Name returns the worker name for identification
func (d *Dispatcher) Name() string {
	return "NotificationDispatcher"
}

func (d *Dispatcher) drainLoop() {
	defer close(d.done)

	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.ctx.Done():
			// Flush whatever is already queued before exiting.
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(context.Background(), event); err != nil {
			d.logger.Warn("Sink delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("type", string(event.Type)),
				zap.String("request_id", event.RequestID),
				zap.Error(err))
		}
	}
}
