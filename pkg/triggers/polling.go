package triggers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/camber-io/camber/pkg/connections"
	"github.com/camber-io/camber/pkg/connector"
	"github.com/camber-io/camber/pkg/jsonval"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

const (
	minPollInterval = time.Second
	maxBackoffShift = 6
)

// Scheduler drives polling triggers. Each active trigger owns a one-shot
// timer; when it fires the scheduler polls the connector, dedupes the
// returned events, enqueues executions, and re-arms the timer. Failed
// polls back off exponentially with jitter.
type Scheduler struct {
	store       storage.Store
	dispatcher  *queue.Dispatcher
	invoker     connector.Invoker
	connections *connections.Service

	mu     sync.Mutex
	states map[string]*pollState
	closed bool

	now func() time.Time
}

// pollState guards one trigger: pollMu enforces at most one in-flight
// poll, timer holds the pending re-arm.
type pollState struct {
	trigger *types.PollingTrigger
	pollMu  sync.Mutex
	timer   *time.Timer
}

// NewScheduler builds the polling scheduler
func NewScheduler(store storage.Store, dispatcher *queue.Dispatcher, invoker connector.Invoker, conns *connections.Service) *Scheduler {
	return &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		invoker:     invoker,
		connections: conns,
		states:      map[string]*pollState{},
		now:         time.Now,
	}
}

// Start loads active triggers and arms a timer for each
func (s *Scheduler) Start(ctx context.Context) error {
	triggers, err := s.store.ListActivePollingTriggers(ctx)
	if err != nil {
		return err
	}
	for _, trigger := range triggers {
		s.Track(trigger)
	}
	log.WithComponent("polling").Info().Int("count", len(triggers)).Msg("polling scheduler started")
	return nil
}

// Track begins scheduling a trigger; the first poll fires at nextPollAt
func (s *Scheduler) Track(trigger *types.PollingTrigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, found := s.states[trigger.ID]; found && prev.timer != nil {
		prev.timer.Stop()
	}
	state := &pollState{trigger: trigger}
	s.states[trigger.ID] = state
	delay := trigger.NextPollAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	state.timer = time.AfterFunc(delay, func() { s.pollAndReschedule(state) })
}

// Untrack stops scheduling a trigger
func (s *Scheduler) Untrack(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, found := s.states[triggerID]; found {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(s.states, triggerID)
	}
}

// Stop cancels all pending timers; in-flight polls finish on their own
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, state := range s.states {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	s.states = map[string]*pollState{}
}

func (s *Scheduler) pollAndReschedule(state *pollState) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	delay := s.pollOnce(ctx, state)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, found := s.states[state.trigger.ID]; !found {
		return // untracked while polling
	}
	state.timer = time.AfterFunc(delay, func() { s.pollAndReschedule(state) })
}

// pollOnce runs a single poll and returns the delay until the next one
func (s *Scheduler) pollOnce(ctx context.Context, state *pollState) time.Duration {
	if !state.pollMu.TryLock() {
		// A previous poll is still running; retry after one interval.
		return normalInterval(state.trigger)
	}
	defer state.pollMu.Unlock()

	trigger := state.trigger
	logger := log.WithComponent("polling")

	events, cursor, err := s.poll(ctx, trigger)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		trigger.BackoffCount++
		trigger.LastStatus = "error: " + err.Error()
		delay := backoffDelay(normalInterval(trigger), trigger.BackoffCount)
		// Persist the backed-off schedule so a restart honors it.
		trigger.NextPollAt = s.now().UTC().Add(delay)
		s.persist(ctx, trigger)
		logger.Warn().
			Str("trigger_id", trigger.ID).
			Int("backoff_count", trigger.BackoffCount).
			Dur("next_poll_in", delay).
			Err(err).
			Msg("poll failed")
		return delay
	}

	enqueued, err := s.enqueueEvents(ctx, trigger, events)
	if err != nil {
		// Cursor stays put so the batch is re-fetched next poll.
		metrics.PollsTotal.WithLabelValues("error").Inc()
		trigger.BackoffCount++
		trigger.LastStatus = "error: " + err.Error()
		delay := backoffDelay(normalInterval(trigger), trigger.BackoffCount)
		trigger.NextPollAt = s.now().UTC().Add(delay)
		s.persist(ctx, trigger)
		return delay
	}

	metrics.PollsTotal.WithLabelValues("ok").Inc()
	now := s.now().UTC()
	trigger.LastPoll = &now
	trigger.Cursor = cursor
	trigger.BackoffCount = 0
	trigger.LastStatus = "ok"
	delay := normalInterval(trigger)
	trigger.NextPollAt = now.Add(delay)
	s.persist(ctx, trigger)

	if enqueued > 0 {
		logger.Info().
			Str("trigger_id", trigger.ID).
			Int("events", len(events)).
			Int("enqueued", enqueued).
			Msg("poll dispatched events")
	}
	return delay
}

func (s *Scheduler) poll(ctx context.Context, trigger *types.PollingTrigger) ([]connector.PollEvent, string, error) {
	var credentials map[string]any
	if trigger.ConnectionID != "" {
		conn, err := s.store.GetConnection(ctx, trigger.OrganizationID, trigger.ConnectionID)
		if err != nil {
			return nil, "", err
		}
		credentials, err = s.connections.Credentials(ctx, conn)
		if err != nil {
			return nil, "", err
		}
	}
	return s.invoker.Poll(ctx, trigger.AppID, trigger.Op, credentials, trigger.Parameters, trigger.Cursor)
}

func (s *Scheduler) enqueueEvents(ctx context.Context, trigger *types.PollingTrigger, events []connector.PollEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	enqueued := 0
	for _, event := range events {
		token := eventToken(trigger, event)
		if err := s.store.InsertWebhookDedupe(ctx, &types.WebhookDedupe{
			TriggerID: trigger.ID,
			Token:     token,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			if errors.Is(err, storage.ErrDedupeConflict) {
				continue
			}
			return enqueued, err
		}
		_, err := s.dispatcher.Dispatch(ctx, queue.DispatchInput{
			WorkflowID:     trigger.WorkflowID,
			OrganizationID: trigger.OrganizationID,
			Environment:    types.EnvProduction,
			TriggerType:    types.TriggerPolling,
			TriggerData: map[string]any{
				"appId":       trigger.AppID,
				"triggerId":   trigger.TriggerID,
				"event":       event.Data,
				"cursor":      event.Cursor,
				"dedupeToken": token,
			},
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

func (s *Scheduler) persist(ctx context.Context, trigger *types.PollingTrigger) {
	if err := s.store.UpdatePollingTrigger(ctx, trigger); err != nil {
		log.WithComponent("polling").Error().Err(err).
			Str("trigger_id", trigger.ID).
			Msg("failed to persist polling trigger state")
	}
}

func normalInterval(trigger *types.PollingTrigger) time.Duration {
	if trigger.Interval < minPollInterval {
		return minPollInterval
	}
	return trigger.Interval
}

// backoffDelay returns interval * 2^min(count, 6) with full ±25% jitter
func backoffDelay(interval time.Duration, count int) time.Duration {
	shift := count
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	base := float64(interval) * math.Pow(2, float64(shift))
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(base * jitter)
}

// eventToken dedupes a polled event: the trigger's declared key when
// present in the event, the canonical event hash otherwise
func eventToken(trigger *types.PollingTrigger, event connector.PollEvent) string {
	if trigger.DedupeKey != "" {
		if v, found := event.Data[trigger.DedupeKey]; found {
			sum := md5.Sum([]byte(fmt.Sprintf("%s-%v", trigger.ID, v)))
			return hex.EncodeToString(sum[:])
		}
	}
	canonical, err := jsonval.Canonical(event.Data)
	if err != nil {
		canonical = fmt.Sprintf("%v", event.Data)
	}
	sum := md5.Sum([]byte(trigger.ID + "-" + canonical))
	return hex.EncodeToString(sum[:])
}
