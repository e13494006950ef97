package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/metrics"
)

// MessageProcessor handles one message.
type MessageProcessor interface {
	Process(ctx context.Context, msg Message) Outcome
}

// Dispatcher decouples MQTT delivery from storage work with a bounded queue drained by a
// fixed set of workers. Every message is handled by exactly one worker, so the pulses of
// one message are applied in order.
type Dispatcher struct {
	processor MessageProcessor
	workers   int
	queue     chan Message
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher returns dispatcher with the given worker count and queue capacity.
func NewDispatcher(processor MessageProcessor, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		processor: processor,
		workers:   workers,
		queue:     make(chan Message, queueSize),
		logger:    logger.With(zap.String("component", "ingest")),
		now:       time.Now,
	}
}

// OnMessage enqueues a delivery without blocking. The message is dropped when the queue is
// full or the dispatcher has stopped.
func (d *Dispatcher) OnMessage(topic string, payload []byte) {
	msg := Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Received: d.now().UTC(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.RecordDropped("stopped")
		return
	}
	select {
	case d.queue <- msg:
		metrics.SetQueueDepth(len(d.queue))
	default:
		metrics.RecordDropped("queue_full")
		d.logger.Warn("ingest queue full, message dropped", zap.String("topic", topic))
	}
}

// Run starts the workers and blocks until ctx is done. Messages still queued at that point
// are processed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	drainCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range d.queue {
				metrics.SetQueueDepth(len(d.queue))
				d.processor.Process(drainCtx, msg)
			}
		}()
	}
	d.logger.Info("ingest workers started", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))

	<-ctx.Done()
	d.stop()
	wg.Wait()
	d.logger.Info("ingest workers stopped")
	return nil
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}
