package triggers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/admission"
	"github.com/camber-io/camber/pkg/connector"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

type fakeInvoker struct {
	events []connector.PollEvent
	cursor string
	err    error
	polls  atomic.Int32
}

func (f *fakeInvoker) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	return connector.Ok(nil), nil
}

func (f *fakeInvoker) Poll(ctx context.Context, appID, op string, credentials, parameters map[string]any, cursor string) ([]connector.PollEvent, string, error) {
	f.polls.Add(1)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.events, f.cursor, nil
}

func (f *fakeInvoker) TestConnection(ctx context.Context, appID string, credentials map[string]any) (connector.TestResult, error) {
	return connector.TestResult{Success: true}, nil
}

func newTestScheduler(t *testing.T, invoker connector.Invoker) (*Scheduler, *storage.MemoryStore, *queue.MemoryQueue) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(context.Background(), &types.Organization{
		ID:     "org-1",
		Status: types.OrgStatusActive,
		Plan:   &types.PlanLimits{MaxConcurrentExecutions: 10, MaxExecutionsPerMinute: 100},
		Usage:  &types.UsageCounters{},
	}))
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	dispatcher := queue.NewDispatcher(store, q, admission.NewController(store))
	return NewScheduler(store, dispatcher, invoker, nil), store, q
}

func newPollingTrigger(t *testing.T, store *storage.MemoryStore, dedupeKey string) *types.PollingTrigger {
	t.Helper()
	trigger := &types.PollingTrigger{
		ID:             "poll-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		AppID:          "airtable",
		TriggerID:      "row_created",
		Op:             "listRows",
		Interval:       30 * time.Second,
		NextPollAt:     time.Now(),
		IsActive:       true,
		DedupeKey:      dedupeKey,
	}
	require.NoError(t, store.CreatePollingTrigger(context.Background(), trigger))
	return trigger
}

func drain(t *testing.T, q *queue.MemoryQueue) []*queue.ExecutionJob {
	t.Helper()
	var jobs []*queue.ExecutionJob
	for {
		d, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		if d == nil {
			return jobs
		}
		jobs = append(jobs, d.Job())
	}
}

func TestPollEnqueuesEventsAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	invoker := &fakeInvoker{
		events: []connector.PollEvent{
			{Data: map[string]any{"id": "row-1"}},
			{Data: map[string]any{"id": "row-2"}},
		},
		cursor: "cursor-2",
	}
	s, store, q := newTestScheduler(t, invoker)
	trigger := newPollingTrigger(t, store, "id")

	delay := s.pollOnce(ctx, &pollState{trigger: trigger})

	jobs := drain(t, q)
	require.Len(t, jobs, 2)
	assert.Equal(t, types.TriggerPolling, jobs[0].TriggerType)
	assert.Equal(t, "cursor-2", trigger.Cursor)
	assert.Zero(t, trigger.BackoffCount)
	assert.Equal(t, "ok", trigger.LastStatus)
	assert.NotNil(t, trigger.LastPoll)
	assert.Equal(t, trigger.Interval, delay)
}

func TestPollDedupesRepeatedEvents(t *testing.T) {
	ctx := context.Background()
	invoker := &fakeInvoker{
		events: []connector.PollEvent{{Data: map[string]any{"id": "row-1"}}},
	}
	s, store, q := newTestScheduler(t, invoker)
	trigger := newPollingTrigger(t, store, "id")
	state := &pollState{trigger: trigger}

	s.pollOnce(ctx, state)
	s.pollOnce(ctx, state)

	jobs := drain(t, q)
	assert.Len(t, jobs, 1, "repeated event must enqueue once")
}

func TestPollErrorBacksOffAndKeepsCursor(t *testing.T) {
	ctx := context.Background()
	invoker := &fakeInvoker{err: errors.New("upstream 500")}
	s, store, q := newTestScheduler(t, invoker)
	trigger := newPollingTrigger(t, store, "")
	trigger.Cursor = "cursor-1"

	before := time.Now()
	delay := s.pollOnce(ctx, &pollState{trigger: trigger})

	assert.Equal(t, 1, trigger.BackoffCount)
	assert.Equal(t, "cursor-1", trigger.Cursor)
	assert.Contains(t, trigger.LastStatus, "upstream 500")
	assert.Greater(t, delay, trigger.Interval)
	assert.Empty(t, drain(t, q))

	// The backed-off schedule is persisted so a restart honors it.
	persisted, err := store.ListActivePollingTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, 1, persisted[0].BackoffCount)
	assert.True(t, persisted[0].NextPollAt.After(before.Add(trigger.Interval)),
		"persisted nextPollAt must reflect the backoff delay")
}

func TestBackoffDelayBoundedWithJitter(t *testing.T) {
	interval := 10 * time.Second
	for count := 1; count <= 10; count++ {
		shift := count
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		base := interval * time.Duration(1<<shift)
		d := backoffDelay(interval, count)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
	}
}

func TestEventTokenPrefersDedupeKey(t *testing.T) {
	trigger := &types.PollingTrigger{ID: "poll-1", DedupeKey: "id"}
	a := eventToken(trigger, connector.PollEvent{Data: map[string]any{"id": "row-1", "text": "x"}})
	b := eventToken(trigger, connector.PollEvent{Data: map[string]any{"id": "row-1", "text": "y"}})
	assert.Equal(t, a, b, "same key value dedupes regardless of payload")

	trigger.DedupeKey = ""
	c := eventToken(trigger, connector.PollEvent{Data: map[string]any{"id": "row-1", "text": "x"}})
	d := eventToken(trigger, connector.PollEvent{Data: map[string]any{"id": "row-1", "text": "y"}})
	assert.NotEqual(t, c, d, "hash fallback distinguishes payloads")
}

func TestSchedulerStartArmsTimers(t *testing.T) {
	invoker := &fakeInvoker{events: []connector.PollEvent{{Data: map[string]any{"id": "row-1"}}}}
	s, store, q := newTestScheduler(t, invoker)
	trigger := newPollingTrigger(t, store, "id")
	trigger.NextPollAt = time.Now().Add(5 * time.Millisecond)
	require.NoError(t, store.UpdatePollingTrigger(context.Background(), trigger))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d, "armed timer should fire and enqueue")
	assert.Equal(t, types.TriggerPolling, d.Job().TriggerType)
	assert.GreaterOrEqual(t, invoker.polls.Load(), int32(1))
}
