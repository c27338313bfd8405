package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/observability/metrics"
)

// Handler processes one task. A nil error or one wrapped with Permanent
// acknowledges the task. Any other error is treated as transient and the
// task is redelivered until the pool's MaxAttempts is reached, so handlers
// that record a failure in their own state should return it as Permanent.
type Handler func(ctx context.Context, t Task) error

// Pool defaults.
const (
	DefaultMaxAttempts  = 5
	DefaultRetryDelay   = time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Pool runs a fixed number of workers over one queue.
//
// Stopping the pool stops intake at once. Handlers already running keep an
// uncancelled context for up to DrainTimeout, after which their context is
// cancelled and their tasks are left unacknowledged for redelivery.
type Pool struct {
	// MaxAttempts bounds deliveries of a task that keeps failing
	// transiently. The last failure acknowledges and drops the task.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number before a nack.
	RetryDelay time.Duration
	// DrainTimeout bounds how long Stop waits for running handlers.
	DrainTimeout time.Duration

	broker   Broker
	queue    string
	size     int
	handlers map[string]Handler
	metrics  *metrics.Metrics

	mu          sync.Mutex
	stopConsume context.CancelFunc
	stopWork    context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool creates a pool of size workers consuming queue. handlers maps
// task types to their handler.
func NewPool(broker Broker, queue string, size int, handlers map[string]Handler, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Pool{
		MaxAttempts:  DefaultMaxAttempts,
		RetryDelay:   DefaultRetryDelay,
		DrainTimeout: DefaultDrainTimeout,
		broker:       broker,
		queue:        queue,
		size:         size,
		handlers:     handlers,
		metrics:      m,
	}
}

// Start subscribes to the queue and launches the workers. Cancelling ctx
// stops intake the same way Stop does; running handlers are not cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopConsume != nil {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	consumeCtx, stopConsume := context.WithCancel(ctx)
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	p.stopConsume, p.stopWork = stopConsume, stopWork
	p.mu.Unlock()

	deliveries, err := p.broker.Consume(consumeCtx, p.queue)
	if err != nil {
		return fmt.Errorf("consume %s: %w", p.queue, err)
	}

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(consumeCtx, workCtx, i, deliveries)
	}

	logger := logging.WithComponent("worker-pool")
	logger.Info().
		Str("queue", p.queue).
		Int("workers", p.size).
		Msg("Worker pool started")
	return nil
}

// Stop ends intake and waits for in-flight tasks, cancelling them once
// DrainTimeout has passed.
func (p *Pool) Stop() {
	p.mu.Lock()
	stopConsume, stopWork := p.stopConsume, p.stopWork
	p.mu.Unlock()
	if stopConsume == nil {
		return
	}
	stopConsume()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.DrainTimeout):
		logger := logging.WithComponent("worker-pool")
		logger.Warn().
			Str("queue", p.queue).
			Dur("drainTimeout", p.DrainTimeout).
			Msg("Drain timed out, cancelling in-flight tasks")
		stopWork()
		<-drained
	}
	stopWork()
}

func (p *Pool) worker(consumeCtx, workCtx context.Context, id int, deliveries <-chan Delivery) {
	defer p.wg.Done()

	for {
		select {
		case <-consumeCtx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.process(consumeCtx, workCtx, id, d)
		}
	}
}

func (p *Pool) process(consumeCtx, ctx context.Context, id int, d Delivery) {
	logger := logging.WithTask("worker-pool", p.queue, d.Task.Type, d.Task.ID).With().
		Int("worker", id).
		Str("key", d.Task.Key).
		Int("attempt", d.Task.Attempt).
		Logger()

	h, ok := p.handlers[d.Task.Type]
	if !ok {
		logger.Warn().Msg("No handler for task type, dropping task")
		p.metrics.RecordTaskHandled(p.queue, d.Task.Type, fmt.Errorf("unhandled"))
		d.Ack(ctx)
		return
	}

	err := h(ctx, d.Task)
	p.metrics.RecordTaskHandled(p.queue, d.Task.Type, err)

	switch {
	case err == nil:
		logger.Debug().Msg("Task handled")
	case errors.Is(err, ErrPermanent):
		logger.Error().Err(err).Msg("Task handler failed")
	case ctx.Err() != nil:
		// Interrupted by shutdown; the broker redelivers it.
		logger.Warn().Err(err).Msg("Task interrupted, leaving it unacknowledged")
		return
	case d.Task.Attempt+1 >= p.MaxAttempts:
		logger.Error().Err(err).Msg("Task failed on its last attempt, dropping task")
	default:
		logger.Warn().Err(err).Msg("Task failed transiently, redelivering")
		p.backoff(consumeCtx, ctx, d.Task.Attempt+1)
		if err := d.Nack(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to redeliver task")
		}
		return
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge task")
	}
}

// backoff waits before a redelivery. Shutdown cuts the wait short.
func (p *Pool) backoff(consumeCtx, ctx context.Context, attempt int) {
	if p.RetryDelay <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(attempt) * p.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-consumeCtx.Done():
	case <-ctx.Done():
	}
}
