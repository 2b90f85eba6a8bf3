package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/admission"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func testJob(executionID string) *ExecutionJob {
	return &ExecutionJob{
		ExecutionID:    executionID,
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		TriggerType:    types.TriggerManual,
		Attempt:        1,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, testJob("exec-1")))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "exec-1", d.Job().ExecutionID)
	require.NoError(t, d.Ack(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Durable)
	assert.Equal(t, "durable", stats.Driver)
	assert.Zero(t, stats.Backlog)
}

func TestRedisQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, testJob("exec-1")))
	require.NoError(t, q.Enqueue(ctx, testJob("exec-2")))

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", d1.Job().ExecutionID)
	assert.Equal(t, "exec-2", d2.Job().ExecutionID)
}

func TestRedisQueueNackIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, testJob("exec-1")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, 0))

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "exec-1", redelivered.Job().ExecutionID)
	assert.Equal(t, 2, redelivered.Job().Attempt)
}

func TestRedisQueueDelayedPromotion(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisQueue(t)

	require.NoError(t, q.EnqueueDelayed(ctx, testJob("exec-1"), time.Minute))

	// Not yet due.
	q.promoteDelayed(ctx)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	mr.FastForward(2 * time.Minute)
	q.promoteDelayed(ctx)
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "exec-1", d.Job().ExecutionID)
}

func TestRedisQueueReapsExpiredDelivery(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)
	q.visibilityTimeout = -time.Second // every delivery is immediately expired

	require.NoError(t, q.Enqueue(ctx, testJob("exec-1")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	// Consumer crashes without acking; the reaper returns the job.
	q.reapExpired(ctx)

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "exec-1", redelivered.Job().ExecutionID)
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, testJob("exec-1")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "exec-1", d.Job().ExecutionID)
	require.NoError(t, d.Ack(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Durable)
	assert.Equal(t, "inmemory", stats.Driver)
}

func TestMockDurableReportsDurable(t *testing.T) {
	q := NewMockDurableQueue()
	defer q.Close()
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Durable)
	assert.Equal(t, "mock-durable", stats.Driver)
}

func TestMemoryQueueDelayed(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	require.NoError(t, q.EnqueueDelayed(ctx, testJob("exec-1"), 20*time.Millisecond))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d, "delayed job should arrive within the dequeue block")
	assert.Equal(t, "exec-1", d.Job().ExecutionID)
}

func newDispatcher(t *testing.T, limits *types.PlanLimits) (*Dispatcher, *storage.MemoryStore, *MemoryQueue) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(context.Background(), &types.Organization{
		ID: "org-1", Status: types.OrgStatusActive, Plan: limits, Usage: &types.UsageCounters{},
	}))
	q := NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	return NewDispatcher(store, q, admission.NewController(store)), store, q
}

func TestDispatchCreatesQueuedExecution(t *testing.T) {
	ctx := context.Background()
	disp, store, q := newDispatcher(t, &types.PlanLimits{MaxConcurrentExecutions: 5, MaxExecutionsPerMinute: 10})

	e, err := disp.Dispatch(ctx, DispatchInput{
		WorkflowID: "wf-1", OrganizationID: "org-1",
		TriggerType: types.TriggerManual,
		InitialData: map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionQueued, e.Status)
	assert.NotEmpty(t, e.ID)

	stored, err := store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionQueued, stored.Status)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, e.ID, d.Job().ExecutionID)
	assert.True(t, d.Job().Admitted)
}

func TestDispatchRejectionPersistsRateLimited(t *testing.T) {
	ctx := context.Background()
	disp, store, q := newDispatcher(t, &types.PlanLimits{MaxConcurrentExecutions: 1, MaxExecutionsPerMinute: 100})

	_, err := disp.Dispatch(ctx, DispatchInput{
		WorkflowID: "wf-1", OrganizationID: "org-1", TriggerType: types.TriggerManual,
	})
	require.NoError(t, err)

	rejected, err := disp.Dispatch(ctx, DispatchInput{
		WorkflowID: "wf-1", OrganizationID: "org-1", TriggerType: types.TriggerManual,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindQuotaExceeded, errs.KindOf(err))
	assert.Equal(t, types.ExecutionRateLimited, rejected.Status)

	stored, err := store.GetExecution(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRateLimited, stored.Status)

	// Only the admitted job reached the queue.
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestDispatchIdempotentReenqueue(t *testing.T) {
	ctx := context.Background()
	disp, _, _ := newDispatcher(t, &types.PlanLimits{MaxConcurrentExecutions: 10, MaxExecutionsPerMinute: 100})

	e, err := disp.Dispatch(ctx, DispatchInput{
		WorkflowID: "wf-1", OrganizationID: "org-1", TriggerType: types.TriggerWebhook,
	})
	require.NoError(t, err)

	again, err := disp.Dispatch(ctx, DispatchInput{
		WorkflowID: "wf-1", OrganizationID: "org-1", TriggerType: types.TriggerWebhook,
		ExecutionID: e.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
}

func TestResumeRefusesCancelledExecution(t *testing.T) {
	ctx := context.Background()
	disp, store, _ := newDispatcher(t, &types.PlanLimits{MaxConcurrentExecutions: 10, MaxExecutionsPerMinute: 100})

	e, err := disp.Dispatch(ctx, DispatchInput{
		WorkflowID: "wf-1", OrganizationID: "org-1", TriggerType: types.TriggerManual,
	})
	require.NoError(t, err)

	e.Status = types.ExecutionCancelled
	require.NoError(t, store.UpdateExecution(ctx, e))

	err = disp.Resume(ctx, e.ID, map[string]any{"nodeOutputs": map[string]any{}}, 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}
