package queue

import (
	"context"
	"sync"
	"time"

	"kaldi-serve/internal/observability/metrics"
)

type memQueue struct {
	mu     sync.Mutex
	items  []Task
	notify chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{notify: make(chan struct{}, 1)}
}

func (q *memQueue) push(t Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Task{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return t, true
}

// requeue puts back a task that was popped but never delivered.
func (q *memQueue) requeue(t Task) {
	q.mu.Lock()
	q.items = append([]Task{t}, q.items...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Memory is an in-process Broker with unbounded queues, for single-process
// deployments and tests. Publish never blocks.
type Memory struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*memQueue
	done   chan struct{}
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory(m *metrics.Metrics) *Memory {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Memory{metrics: m, queues: make(map[string]*memQueue), done: make(chan struct{})}
}

func (b *Memory) queue(name string) (*memQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q, nil
}

// Publish implements Broker.
func (b *Memory) Publish(ctx context.Context, t Task) error {
	start := time.Now()
	name, err := QueueFor(t.Type)
	if err != nil {
		return err
	}
	q, err := b.queue(name)
	if err != nil {
		b.metrics.RecordPublish(name, t.Type, err, time.Since(start).Seconds())
		return err
	}
	q.push(t)
	b.metrics.RecordPublish(name, t.Type, nil, time.Since(start).Seconds())
	return nil
}

// Consume implements Broker.
func (b *Memory) Consume(ctx context.Context, name string) (<-chan Delivery, error) {
	q, err := b.queue(name)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			t, ok := q.pop()
			if !ok {
				select {
				case <-q.notify:
					continue
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
			select {
			case out <- b.delivery(q, t):
			case <-ctx.Done():
				q.requeue(t)
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

func (b *Memory) delivery(q *memQueue, t Task) Delivery {
	return Delivery{Task: t, nack: func(ctx context.Context) error {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return ErrClosed
		}
		retry := t
		retry.Attempt++
		q.push(retry)
		return nil
	}}
}

// Pending returns the number of undelivered tasks on queue.
func (b *Memory) Pending(name string) int {
	q, err := b.queue(name)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close implements Broker. Consumers stop and pending tasks are dropped.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
