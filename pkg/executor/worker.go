package executor

import (
	"context"
	"sync"
	"time"

	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
)

const workerComponent = "worker"

// Worker consumes the execution queue and feeds the executor. Dequeue
// blocks briefly, so each loop iteration doubles as a heartbeat for the
// readiness probe.
type Worker struct {
	queue    queue.Queue
	executor *Executor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker builds a queue consumer
func NewWorker(q queue.Queue, e *Executor) *Worker {
	return &Worker{queue: q, executor: e, stopCh: make(chan struct{})}
}

// Start launches n consumer goroutines
func (w *Worker) Start(n int) {
	if n < 1 {
		n = 1
	}
	metrics.RegisterComponent(workerComponent, true, "consuming")
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	log.WithComponent(workerComponent).Info().Int("consumers", n).Msg("worker started")
}

// Stop halts consumption; in-flight jobs finish before Stop returns
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	log.WithComponent(workerComponent).Info().Msg("worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		metrics.UpdateComponent(workerComponent, true, "consuming")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			cancel()
			log.WithComponent(workerComponent).Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			cancel()
			continue
		}

		disposition := w.executor.Process(ctx, delivery.Job())
		if disposition.Retry {
			if err := delivery.Nack(ctx, disposition.Delay); err != nil {
				log.WithComponent(workerComponent).Error().Err(err).Msg("nack failed")
			}
		} else {
			if err := delivery.Ack(ctx); err != nil {
				log.WithComponent(workerComponent).Error().Err(err).Msg("ack failed")
			}
		}
		cancel()
	}
}
