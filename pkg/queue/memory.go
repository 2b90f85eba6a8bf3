package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is the in-process queue driver. It exists for tests only;
// the supervisor refuses to start the production stack with it. The
// mock-durable variant shares the implementation but answers health
// checks as durable for smoke tests.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []*ExecutionJob
	pending map[*ExecutionJob]struct{}
	timers  []*time.Timer
	closed  bool
	durable bool // mock-durable reports durable to health checks
	notify  chan struct{}
}

// NewMemoryQueue builds the test queue driver
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: map[*ExecutionJob]struct{}{},
		notify:  make(chan struct{}, 1),
	}
}

// NewMockDurableQueue builds an in-memory queue that reports itself
// durable; used solely to satisfy health checks in smoke tests.
func NewMockDurableQueue() *MemoryQueue {
	q := NewMemoryQueue()
	q.durable = true
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *ExecutionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return context.Canceled
	}
	copied := *job
	q.ready = append(q.ready, &copied)
	q.wake()
	return nil
}

func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, job *ExecutionJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	copied := *job
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return context.Canceled
	}
	t := time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		q.ready = append(q.ready, &copied)
		q.wake()
	})
	q.timers = append(q.timers, t)
	return nil
}

// wake signals a blocked Dequeue; callers hold q.mu
func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	deadline := time.NewTimer(dequeueBlock)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.pending[job] = struct{}{}
			q.mu.Unlock()
			return &memoryDelivery{queue: q, job: job}, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	driver := "inmemory"
	if q.durable {
		driver = "mock-durable"
	}
	return Stats{Driver: driver, Durable: q.durable, Backlog: int64(len(q.ready))}, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	return nil
}

type memoryDelivery struct {
	queue *MemoryQueue
	job   *ExecutionJob
}

func (d *memoryDelivery) Job() *ExecutionJob { return d.job }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	delete(d.queue.pending, d.job)
	return nil
}

func (d *memoryDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.queue.mu.Lock()
	delete(d.queue.pending, d.job)
	d.queue.mu.Unlock()

	job := *d.job
	job.Attempt++
	return d.queue.EnqueueDelayed(ctx, &job, delay)
}

var _ Queue = (*MemoryQueue)(nil)
