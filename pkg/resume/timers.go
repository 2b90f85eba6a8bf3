package resume

import (
	"context"
	"sync"
	"time"

	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/storage"
)

const (
	defaultTimerTick  = 5 * time.Second
	timerClaimLimit   = 100
	timerDispatchTime = 30 * time.Second
)

// TimerDispatcher re-enters parked executions whose wait deadline has
// passed. Due timers are claimed atomically, so multiple workers can run
// the loop without double dispatch.
type TimerDispatcher struct {
	store      storage.Store
	dispatcher *queue.Dispatcher
	tick       time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTimerDispatcher builds the timer loop
func NewTimerDispatcher(store storage.Store, dispatcher *queue.Dispatcher) *TimerDispatcher {
	return &TimerDispatcher{
		store:      store,
		dispatcher: dispatcher,
		tick:       defaultTimerTick,
		stopCh:     make(chan struct{}),
	}
}

// Tick returns the loop period, used by readiness checks
func (d *TimerDispatcher) Tick() time.Duration { return d.tick }

// SetTick overrides the loop period; call before Start
func (d *TimerDispatcher) SetTick(tick time.Duration) {
	if tick > 0 {
		d.tick = tick
	}
}

// Start launches the dispatch loop
func (d *TimerDispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), timerDispatchTime)
				d.dispatchDue(ctx)
				cancel()
			case <-d.stopCh:
				return
			}
		}
	}()
	log.WithComponent("timers").Info().Dur("tick", d.tick).Msg("timer dispatcher started")
}

// Stop halts the loop and waits for the in-flight pass
func (d *TimerDispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// dispatchDue claims and resumes one batch of due timers
func (d *TimerDispatcher) dispatchDue(ctx context.Context) {
	timers, err := d.store.ClaimDueTimers(ctx, time.Now().UTC(), timerClaimLimit)
	if err != nil {
		log.WithComponent("timers").Error().Err(err).Msg("failed to claim due timers")
		return
	}
	for _, timer := range timers {
		if err := d.dispatcher.Resume(ctx, timer.ExecutionID, timer.Payload, 0); err != nil {
			log.WithExecutionID(timer.ExecutionID).Error().Err(err).
				Str("timer_id", timer.ID).
				Msg("failed to resume timed execution")
			if markErr := d.store.MarkTimerFailed(ctx, timer.ID); markErr != nil {
				log.WithComponent("timers").Error().Err(markErr).
					Str("timer_id", timer.ID).
					Msg("failed to mark timer failed")
			}
			continue
		}
		metrics.TimersDispatched.Inc()
	}
	if len(timers) > 0 {
		log.WithComponent("timers").Debug().Int("count", len(timers)).Msg("timers dispatched")
	}
}
