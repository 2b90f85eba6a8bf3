package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/admission"
	"github.com/camber-io/camber/pkg/connector"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/redact"
	"github.com/camber-io/camber/pkg/resume"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
	"github.com/camber-io/camber/pkg/workflow"
)

type staticSigner struct{}

func (staticSigner) Secret() []byte { return []byte("test-signing-secret") }

// scriptedInvoker returns a fixed sequence of outcomes per operation
type scriptedInvoker struct {
	mu       sync.Mutex
	outcomes map[string][]connector.Outcome
	calls    map[string]int
	params   map[string]map[string]any
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		outcomes: map[string][]connector.Outcome{},
		calls:    map[string]int{},
		params:   map[string]map[string]any{},
	}
}

func (s *scriptedInvoker) script(op string, outcomes ...connector.Outcome) {
	s.outcomes[op] = outcomes
}

func (s *scriptedInvoker) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls[req.Op]
	s.calls[req.Op]++
	s.params[req.Op] = req.Params
	seq := s.outcomes[req.Op]
	if len(seq) == 0 {
		return connector.Ok(map[string]any{"op": req.Op}), nil
	}
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], nil
}

func (s *scriptedInvoker) Poll(ctx context.Context, appID, op string, credentials, parameters map[string]any, cursor string) ([]connector.PollEvent, string, error) {
	return nil, cursor, nil
}

func (s *scriptedInvoker) TestConnection(ctx context.Context, appID string, credentials map[string]any) (connector.TestResult, error) {
	return connector.TestResult{Success: true}, nil
}

func (s *scriptedInvoker) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *scriptedInvoker) lastParams(op string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[op]
}

type harness struct {
	store      *storage.MemoryStore
	queue      *queue.MemoryQueue
	dispatcher *queue.Dispatcher
	executor   *Executor
	resume     *resume.Service
	invoker    *scriptedInvoker
}

func newHarness(t *testing.T, graph *types.Graph) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(ctx, &types.Organization{
		ID:     "org-1",
		Status: types.OrgStatusActive,
		Plan:   &types.PlanLimits{MaxConcurrentExecutions: 5, MaxExecutionsPerMinute: 100},
		Usage:  &types.UsageCounters{},
	}))
	require.NoError(t, store.CreateWorkflow(ctx, &types.Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "test workflow",
		Graph:          graph,
		IsActive:       true,
	}))

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	adm := admission.NewController(store)
	dispatcher := queue.NewDispatcher(store, q, adm)
	resumeSvc := resume.NewService(store, dispatcher, staticSigner{}, "http://localhost:8080")
	invoker := newScriptedInvoker()
	repo := workflow.NewRepository(store)
	exec := NewExecutor(store, repo, invoker, nil, resumeSvc, adm)

	return &harness{store: store, queue: q, dispatcher: dispatcher, executor: exec, resume: resumeSvc, invoker: invoker}
}

func linearGraph() *types.Graph {
	return &types.Graph{
		Nodes: []*types.Node{
			{ID: "t", Type: types.NodeTypeTrigger, App: "slack", Op: "message"},
			{ID: "a", Type: types.NodeTypeAction, App: "http", Op: "fetch"},
			{ID: "b", Type: types.NodeTypeAction, App: "http", Op: "store"},
		},
		Edges: []*types.Edge{
			{ID: "e1", From: "t", To: "a"},
			{ID: "e2", From: "t", To: "b"},
			{ID: "e3", From: "a", To: "b"},
		},
	}
}

// dispatchAndPull enqueues an execution and hands back the job
func (h *harness) dispatchAndPull(t *testing.T) *queue.ExecutionJob {
	t.Helper()
	ctx := context.Background()
	_, err := h.dispatcher.Dispatch(ctx, queue.DispatchInput{
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		TriggerType:    types.TriggerManual,
		TriggerData:    map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, d.Ack(ctx))
	return d.Job()
}

func TestProcessCompletesLinearGraph(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())
	h.invoker.script("fetch", connector.Outcome{
		Kind: connector.OutcomeOk, Output: map[string]any{"rows": float64(3)},
		APICallsMade: 2, TokensUsed: 10, CostCents: 1,
	})
	h.invoker.script("store", connector.Ok(map[string]any{"stored": true}))

	job := h.dispatchAndPull(t)
	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry)

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, int64(2), exec.APICallsMade)
	assert.Equal(t, int64(10), exec.TokensUsed)
	assert.NotNil(t, exec.NodeResults["a"])
	assert.NotNil(t, exec.NodeResults["b"])

	org, err := h.store.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), org.Usage.Executions)
	assert.Equal(t, int64(2), org.Usage.APICallsMade)

	nodes, err := h.store.ListNodeExecutions(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.NotEmpty(t, nodes)
}

func TestProcessResolvesReferences(t *testing.T) {
	ctx := context.Background()
	graph := linearGraph()
	graph.Nodes[2].Params = map[string]any{
		"count":   map[string]any{"mode": "ref", "nodeId": "a", "path": "rows"},
		"message": "saw {{a.rows}} rows",
	}
	h := newHarness(t, graph)
	h.invoker.script("fetch", connector.Ok(map[string]any{"rows": float64(7)}))

	job := h.dispatchAndPull(t)
	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry)

	params := h.invoker.lastParams("store")
	assert.Equal(t, float64(7), params["count"])
	assert.Equal(t, "saw 7 rows", params["message"])
}

func TestProcessMissingReferenceFailsTerminally(t *testing.T) {
	ctx := context.Background()
	graph := linearGraph()
	graph.Nodes[2].Params = map[string]any{
		"value": map[string]any{"mode": "ref", "nodeId": "a", "path": "does.not.exist"},
	}
	h := newHarness(t, graph)

	job := h.dispatchAndPull(t)
	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry, "missing references are not retryable")

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.ErrorDetails)
	assert.Equal(t, "b", exec.ErrorDetails.NodeID)
	assert.Zero(t, h.invoker.callCount("store"))
}

func TestProcessRetriesThenReusesCachedResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())
	h.invoker.script("store",
		connector.Retry(time.Millisecond, "rate limited upstream"),
		connector.Ok(map[string]any{"stored": true}),
	)

	job := h.dispatchAndPull(t)
	disposition := h.executor.Process(ctx, job)
	require.True(t, disposition.Retry)
	assert.Greater(t, disposition.Delay, time.Duration(0))

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionQueued, exec.Status)

	// Redelivery: the first node replays from the idempotency cache.
	job.Attempt++
	disposition = h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry)

	exec, err = h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, h.invoker.callCount("fetch"), "completed node must replay from cache")
	assert.Equal(t, 2, h.invoker.callCount("store"))
}

func TestProcessTerminalFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())
	h.invoker.script("fetch", connector.Fail("credentials revoked"))

	job := h.dispatchAndPull(t)
	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry)

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.ErrorDetails)
	assert.Equal(t, "a", exec.ErrorDetails.NodeID)
	assert.Contains(t, exec.ErrorDetails.Error, "credentials revoked")
	assert.Zero(t, h.invoker.callCount("store"), "failure halts the traversal")
}

func TestProcessExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())
	h.invoker.script("fetch", connector.Retry(0, "still flaky"))

	job := h.dispatchAndPull(t)
	job.Attempt = defaultMaxAttempts
	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry)

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.ErrorDetails)
	assert.Equal(t, defaultMaxAttempts, exec.ErrorDetails.Context["attempts"])
}

func TestProcessCallbackParksAndResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())
	h.invoker.script("store",
		connector.Callback(nil, map[string]any{"await": "approval"}),
		connector.Ok(map[string]any{"stored": true}),
	)

	job := h.dispatchAndPull(t)
	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry, "parked executions ack the delivery")

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionWaiting, exec.Status)

	// Redeem the issued token; the execution re-enters the queue with
	// its accumulated outputs.
	issued, err := h.resume.IssueToken(ctx, resume.IssueInput{ExecutionID: exec.ID, NodeID: "b"})
	require.NoError(t, err)
	_, err = h.resume.Consume(ctx, resume.ConsumeInput{Token: issued.Token, Signature: issued.Signature})
	require.NoError(t, err)

	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	resumed := d.Job()
	require.NoError(t, d.Ack(ctx))

	// Seed what the parked run had produced so far.
	if resumed.ResumeState == nil {
		resumed.ResumeState = map[string]any{"nodeOutputs": exec.NodeResults}
	}
	disposition = h.executor.Process(ctx, resumed)
	assert.False(t, disposition.Retry)

	exec, err = h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, h.invoker.callCount("fetch"), "resume must not re-run finished nodes")
}

func TestProcessCancellation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())

	job := h.dispatchAndPull(t)
	require.NoError(t, h.store.RequestCancel(ctx, job.ExecutionID))

	disposition := h.executor.Process(ctx, job)
	assert.False(t, disposition.Retry)

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, exec.Status)
	assert.Zero(t, h.invoker.callCount("fetch"))
}

func TestProcessRedactsSensitiveOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())
	h.invoker.script("fetch", connector.Ok(map[string]any{
		"apiKey": "sk-live-very-secret",
		"rows":   float64(1),
	}))

	job := h.dispatchAndPull(t)
	h.executor.Process(ctx, job)

	exec, err := h.store.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	a, ok := exec.NodeResults["a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, redact.Mask, a["apiKey"])
	assert.Equal(t, float64(1), a["rows"])
}

func TestProcessReleasesConcurrencySlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, linearGraph())

	job := h.dispatchAndPull(t)
	h.executor.Process(ctx, job)

	// All five slots must be free again after completion.
	for i := 0; i < 5; i++ {
		_, err := h.dispatcher.Dispatch(ctx, queue.DispatchInput{
			WorkflowID: "wf-1", OrganizationID: "org-1", TriggerType: types.TriggerManual,
		})
		require.NoError(t, err)
	}
}
