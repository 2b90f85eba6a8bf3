package executor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"math/rand"
	"time"

	"github.com/camber-io/camber/pkg/admission"
	"github.com/camber-io/camber/pkg/connections"
	"github.com/camber-io/camber/pkg/connector"
	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/events"
	"github.com/camber-io/camber/pkg/jsonval"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/redact"
	"github.com/camber-io/camber/pkg/resume"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
	"github.com/camber-io/camber/pkg/workflow"
)

const (
	defaultMaxAttempts = 3
	resultCacheTTL     = 24 * time.Hour
	retryBaseDelay     = 2 * time.Second
)

// Disposition tells the consumer what to do with the queue delivery
type Disposition struct {
	Retry bool
	Delay time.Duration
}

var ack = Disposition{}

func retryAfter(delay time.Duration) Disposition {
	return Disposition{Retry: true, Delay: delay}
}

// Executor traverses one workflow graph per job. Nodes run in a fixed
// topological order; no two nodes of the same execution run
// concurrently. All retry state lives in the job and the idempotency
// cache, so a redelivered job replays cheaply past completed nodes.
type Executor struct {
	store       storage.Store
	repo        *workflow.Repository
	invoker     connector.Invoker
	connections *connections.Service
	resume      *resume.Service
	admission   *admission.Controller
	broker      *events.Broker

	maxAttempts int
	now         func() time.Time
}

// SetEventBroker attaches a lifecycle event broker; nil disables emission
func (e *Executor) SetEventBroker(b *events.Broker) { e.broker = b }

func (e *Executor) emit(typ events.EventType, exec *types.Execution, message string) {
	if e.broker == nil {
		return
	}
	e.broker.PublishExecution(typ, exec.ID, exec.WorkflowID, message)
}

// NewExecutor wires the run executor
func NewExecutor(store storage.Store, repo *workflow.Repository, invoker connector.Invoker, conns *connections.Service, resumeSvc *resume.Service, adm *admission.Controller) *Executor {
	return &Executor{
		store:       store,
		repo:        repo,
		invoker:     invoker,
		connections: conns,
		resume:      resumeSvc,
		admission:   adm,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// Process runs one queue job to a terminal or parked state
func (e *Executor) Process(ctx context.Context, job *queue.ExecutionJob) Disposition {
	logger := log.WithExecutionID(job.ExecutionID)

	exec, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		logger.Error().Err(err).Msg("dropping job for unknown execution")
		return ack
	}
	if exec.Status == types.ExecutionCancelled {
		return ack
	}
	if exec.CancelRequested {
		e.finalizeCancelled(ctx, exec)
		return ack
	}

	// Jobs enqueued outside the dispatcher (cold replays) have not
	// reserved a concurrency slot yet.
	if !job.Admitted {
		if _, err := e.admission.Admit(ctx, job.OrganizationID); err != nil {
			if errs.KindOf(err) == errs.KindQuotaExceeded {
				return retryAfter(backoffDelay(job.Attempt))
			}
			logger.Error().Err(err).Msg("admission re-check failed")
			return retryAfter(backoffDelay(job.Attempt))
		}
		job.Admitted = true
	}

	exec.Status = types.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		logger.Error().Err(err).Msg("failed to mark execution running")
		return retryAfter(backoffDelay(job.Attempt))
	}

	graph, err := e.resolveGraph(ctx, job, exec)
	if err != nil {
		e.finalizeFailed(ctx, exec, nil, &types.ErrorDetails{Error: err.Error()})
		return ack
	}
	order, err := workflow.TopologicalOrder(graph)
	if err != nil {
		e.finalizeFailed(ctx, exec, nil, &types.ErrorDetails{Error: err.Error()})
		return ack
	}

	outputs := seedOutputs(job)
	if job.Replay != nil && job.Replay.Mode == types.ReplayNode && job.Replay.NodeID != "" {
		order, err = e.seedReplay(ctx, job.Replay, order, outputs)
		if err != nil {
			e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{Error: err.Error()})
			return ack
		}
	}

	nodesByID := make(map[string]*types.Node, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodesByID[n.ID] = n
	}

	var usage types.UsageCounters
	for _, nodeID := range order {
		node := nodesByID[nodeID]

		// Cancellation is polled between nodes; a running node always
		// finishes its in-flight call.
		fresh, err := e.store.GetExecution(ctx, exec.ID)
		if err == nil && (fresh.CancelRequested || fresh.Status == types.ExecutionCancelled) {
			e.finalizeCancelled(ctx, exec)
			return ack
		}

		if node.Type == types.NodeTypeTrigger {
			outputs[node.ID] = job.TriggerData
			e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionCompleted, nil, job.TriggerData, "", "", "")
			continue
		}
		if seeded, found := outputs[node.ID]; found {
			e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionSkipped, nil, asMap(seeded), "", "", "")
			continue
		}

		disposition, done := e.runNode(ctx, job, exec, node, outputs, &usage)
		if !done {
			return disposition
		}
	}

	e.finalizeCompleted(ctx, exec, outputs, usage)
	return ack
}

// runNode executes one node. done is false when the execution stops
// here, with the disposition saying whether the job is retried.
func (e *Executor) runNode(ctx context.Context, job *queue.ExecutionJob, exec *types.Execution, node *types.Node, outputs map[string]any, usage *types.UsageCounters) (Disposition, bool) {
	logger := log.WithExecutionID(exec.ID).With().Str("node_id", node.ID).Int("attempt", job.Attempt).Logger()
	now := e.now().UTC()

	resolved, err := resolveParams(node.ID, node.Params, outputs)
	if err != nil {
		var missing *MissingReferenceError
		if errors.As(err, &missing) {
			e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionFailed, nil, nil, err.Error(), "", "")
			e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{NodeID: node.ID, Error: err.Error()})
			return ack, false
		}
		e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{NodeID: node.ID, Error: err.Error()})
		return ack, false
	}

	requestHash := crypto.HashSHA256([]byte(jsonval.MustCanonical(map[string]any{
		"op":     node.Op,
		"params": resolved,
	})))
	idempotencyKey := userIdempotencyKey(resolved)
	if idempotencyKey == "" {
		sum := md5.Sum([]byte(exec.ID + "|" + node.ID + "|" + requestHash))
		idempotencyKey = hex.EncodeToString(sum[:])
	}

	if cached, err := e.store.GetNodeResult(ctx, exec.ID, node.ID, idempotencyKey); err == nil {
		if cached.ResultHash == requestHash && now.Before(cached.ExpiresAt) {
			metrics.NodeResultCacheHits.Inc()
			outputs[node.ID] = cached.ResultData
			e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionCompleted, resolved, cached.ResultData, "", idempotencyKey, requestHash)
			return ack, true
		}
	}

	credentials, err := e.credentials(ctx, exec.OrganizationID, node.ConnectionID)
	if err != nil {
		if errs.IsRetryable(err) {
			return e.retryOrFail(ctx, job, exec, node, outputs, 0, err.Error())
		}
		e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionFailed, resolved, nil, err.Error(), idempotencyKey, requestHash)
		e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{NodeID: node.ID, Error: err.Error()})
		return ack, false
	}

	e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionRunning, resolved, nil, "", idempotencyKey, requestHash)

	outcome, err := e.invoker.Execute(ctx, connector.ExecuteRequest{
		AppID:          node.App,
		Op:             node.Op,
		Credentials:    credentials,
		Params:         resolved,
		ExecutionID:    exec.ID,
		NodeID:         node.ID,
		OrganizationID: exec.OrganizationID,
	})
	if err != nil {
		// Transport and programming errors redeliver; connector-level
		// failures arrive in the outcome instead.
		logger.Warn().Err(err).Msg("connector invocation errored")
		return e.retryOrFail(ctx, job, exec, node, outputs, 0, err.Error())
	}

	usage.APICallsMade += outcome.APICallsMade
	usage.TokensUsed += outcome.TokensUsed
	usage.CostCents += outcome.CostCents

	switch outcome.Kind {
	case connector.OutcomeOk:
		outputs[node.ID] = outcome.Output
		e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionCompleted, resolved, outcome.Output, "", idempotencyKey, requestHash)
		if err := e.store.PutNodeResult(ctx, &types.NodeExecutionResult{
			ExecutionID:    exec.ID,
			NodeID:         node.ID,
			IdempotencyKey: idempotencyKey,
			ResultHash:     requestHash,
			ResultData:     outcome.Output,
			ExpiresAt:      now.Add(resultCacheTTL),
		}); err != nil {
			logger.Error().Err(err).Msg("failed to cache node result")
		}
		metrics.NodeExecutionsTotal.WithLabelValues("completed").Inc()
		return ack, true

	case connector.OutcomeCallback:
		return e.parkExecution(ctx, exec, node, outputs, outcome), false

	case connector.OutcomeRetry:
		e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionFailed, resolved, nil, outcome.Message, idempotencyKey, requestHash)
		metrics.NodeExecutionsTotal.WithLabelValues("retried").Inc()
		return e.retryOrFail(ctx, job, exec, node, outputs, outcome.Delay, outcome.Message)

	default: // OutcomeFail and anything unrecognized halt the run
		e.recordNode(ctx, exec.ID, node.ID, job.Attempt, types.NodeExecutionFailed, resolved, nil, outcome.Message, idempotencyKey, requestHash)
		metrics.NodeExecutionsTotal.WithLabelValues("failed").Inc()
		e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{NodeID: node.ID, Error: outcome.Message})
		return ack, false
	}
}

// parkExecution issues a resume token for a callback outcome and leaves
// the execution waiting. The concurrency slot stays reserved.
func (e *Executor) parkExecution(ctx context.Context, exec *types.Execution, node *types.Node, outputs map[string]any, outcome connector.Outcome) Disposition {
	issued, err := e.resume.IssueToken(ctx, resume.IssueInput{
		ExecutionID:    exec.ID,
		WorkflowID:     exec.WorkflowID,
		OrganizationID: exec.OrganizationID,
		NodeID:         node.ID,
		ResumeState:    map[string]any{"nodeOutputs": outputs},
		WaitUntil:      outcome.WaitUntil,
	})
	if err != nil {
		log.WithExecutionID(exec.ID).Error().Err(err).Msg("failed to issue resume token")
		e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{NodeID: node.ID, Error: err.Error()})
		return ack
	}
	e.recordNode(ctx, exec.ID, node.ID, 1, types.NodeExecutionWaiting, nil, nil, "", "", "")

	exec.Status = types.ExecutionWaiting
	exec.NodeResults = redact.Map(outputs)
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.WithExecutionID(exec.ID).Error().Err(err).Msg("failed to mark execution waiting")
	}
	e.emit(events.EventExecutionWaiting, exec, "execution awaiting callback")
	log.WithExecutionID(exec.ID).Info().
		Str("node_id", node.ID).
		Str("token_id", issued.TokenID).
		Msg("execution parked awaiting callback")
	return ack
}

// retryOrFail redelivers the job with backoff or, past maxAttempts,
// fails the execution terminally
func (e *Executor) retryOrFail(ctx context.Context, job *queue.ExecutionJob, exec *types.Execution, node *types.Node, outputs map[string]any, suggested time.Duration, message string) (Disposition, bool) {
	if job.Attempt >= e.maxAttempts {
		e.finalizeFailed(ctx, exec, outputs, &types.ErrorDetails{
			NodeID:  node.ID,
			Error:   message,
			Context: map[string]any{"attempts": job.Attempt},
		})
		return ack, false
	}
	delay := suggested
	if delay <= 0 {
		delay = backoffDelay(job.Attempt)
	}
	exec.Status = types.ExecutionQueued
	exec.NodeResults = redact.Map(outputs)
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.WithExecutionID(exec.ID).Error().Err(err).Msg("failed to requeue execution state")
	}
	return retryAfter(delay), false
}

func (e *Executor) finalizeCompleted(ctx context.Context, exec *types.Execution, outputs map[string]any, usage types.UsageCounters) {
	now := e.now().UTC()
	exec.Status = types.ExecutionCompleted
	exec.CompletedAt = &now
	exec.Duration = now.Sub(exec.StartedAt)
	exec.NodeResults = redact.Map(outputs)
	exec.APICallsMade = usage.APICallsMade
	exec.TokensUsed = usage.TokensUsed
	exec.CostCents = usage.CostCents
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.WithExecutionID(exec.ID).Error().Err(err).Msg("failed to mark execution completed")
	}
	usage.Executions = 1
	if err := e.store.AddUsage(ctx, exec.OrganizationID, usage); err != nil {
		log.WithOrganizationID(exec.OrganizationID).Error().Err(err).Msg("failed to record usage delta")
	}
	e.admission.Release(ctx, exec.OrganizationID)
	metrics.ExecutionsTotal.WithLabelValues(string(exec.TriggerType), "completed").Inc()
	metrics.ExecutionDuration.WithLabelValues(string(exec.TriggerType)).Observe(exec.Duration.Seconds())
	e.emit(events.EventExecutionCompleted, exec, "execution completed")
	log.WithExecutionID(exec.ID).Info().Dur("duration", exec.Duration).Msg("execution completed")
}

func (e *Executor) finalizeFailed(ctx context.Context, exec *types.Execution, outputs map[string]any, details *types.ErrorDetails) {
	now := e.now().UTC()
	exec.Status = types.ExecutionFailed
	exec.CompletedAt = &now
	exec.Duration = now.Sub(exec.StartedAt)
	if outputs != nil {
		exec.NodeResults = redact.Map(outputs)
	}
	if details != nil {
		details.Error = redact.String(details.Error)
		if details.Context != nil {
			details.Context = redact.Map(details.Context)
		}
	}
	exec.ErrorDetails = details
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.WithExecutionID(exec.ID).Error().Err(err).Msg("failed to mark execution failed")
	}
	if err := e.store.AddUsage(ctx, exec.OrganizationID, types.UsageCounters{Executions: 1}); err != nil {
		log.WithOrganizationID(exec.OrganizationID).Error().Err(err).Msg("failed to record usage delta")
	}
	e.admission.Release(ctx, exec.OrganizationID)
	metrics.ExecutionsTotal.WithLabelValues(string(exec.TriggerType), "failed").Inc()
	e.emit(events.EventExecutionFailed, exec, "execution failed")
	log.WithExecutionID(exec.ID).Warn().
		Str("node_id", nodeIDOf(details)).
		Msg("execution failed")
}

func (e *Executor) finalizeCancelled(ctx context.Context, exec *types.Execution) {
	now := e.now().UTC()
	exec.Status = types.ExecutionCancelled
	exec.CompletedAt = &now
	exec.Duration = now.Sub(exec.StartedAt)
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.WithExecutionID(exec.ID).Error().Err(err).Msg("failed to mark execution cancelled")
	}
	e.admission.Release(ctx, exec.OrganizationID)
	metrics.ExecutionsTotal.WithLabelValues(string(exec.TriggerType), "cancelled").Inc()
	e.emit(events.EventExecutionCancelled, exec, "execution cancelled")
	log.WithExecutionID(exec.ID).Info().Msg("execution cancelled")
}

// resolveGraph picks the graph the job runs: the explicit version for
// replays, the execution's pinned version, the active deployment, or
// the workflow's draft graph when nothing is deployed.
func (e *Executor) resolveGraph(ctx context.Context, job *queue.ExecutionJob, exec *types.Execution) (*types.Graph, error) {
	versionID := job.VersionID
	if versionID == "" {
		versionID = exec.VersionID
	}
	if versionID != "" {
		version, err := e.store.GetVersion(ctx, versionID)
		if err != nil {
			return nil, err
		}
		exec.VersionID = version.ID
		return version.Graph, nil
	}

	env := job.Environment
	if env == "" {
		env = types.EnvProduction
	}
	version, err := e.repo.ActiveVersion(ctx, exec.WorkflowID, env)
	if err == nil {
		exec.VersionID = version.ID
		return version.Graph, nil
	}
	if errs.KindOf(err) != errs.KindNotFound && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	wf, err := e.store.GetWorkflow(ctx, exec.OrganizationID, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Graph == nil {
		return nil, errs.New(errs.KindValidation, "workflow has no deployed version or draft graph")
	}
	return wf.Graph, nil
}

// seedReplay restricts order to the suffix at the replay node and seeds
// earlier outputs from the source execution
func (e *Executor) seedReplay(ctx context.Context, replay *types.ReplayInfo, order []string, outputs map[string]any) ([]string, error) {
	start := -1
	for i, id := range order {
		if id == replay.NodeID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, errs.New(errs.KindValidation, "replay node not present in graph")
	}
	source, err := e.store.GetExecution(ctx, replay.SourceExecutionID)
	if err != nil {
		return nil, err
	}
	for _, id := range order[:start] {
		if output, found := source.NodeResults[id]; found {
			outputs[id] = output
		}
	}
	return order[start:], nil
}

func (e *Executor) credentials(ctx context.Context, orgID, connectionID string) (map[string]any, error) {
	if connectionID == "" {
		return nil, nil
	}
	conn, err := e.store.GetConnection(ctx, orgID, connectionID)
	if err != nil {
		return nil, err
	}
	credentials, err := e.connections.Credentials(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := e.connections.MarkUsed(ctx, orgID, connectionID); err != nil {
		log.WithOrganizationID(orgID).Debug().Err(err).Msg("failed to touch connection last-used")
	}
	return credentials, nil
}

func (e *Executor) recordNode(ctx context.Context, executionID, nodeID string, attempt int, status types.NodeExecutionStatus, input, output map[string]any, errMsg, idempotencyKey, requestHash string) {
	now := e.now().UTC()
	n := &types.NodeExecution{
		ExecutionID:    executionID,
		NodeID:         nodeID,
		Attempt:        attempt,
		Status:         status,
		StartedAt:      now,
		IdempotencyKey: idempotencyKey,
		RequestHash:    requestHash,
	}
	if input != nil {
		n.Input = redact.Map(input)
	}
	if output != nil {
		n.Output = redact.Map(output)
	}
	if errMsg != "" {
		n.Error = redact.String(errMsg)
	}
	if status != types.NodeExecutionRunning && status != types.NodeExecutionWaiting {
		n.EndedAt = &now
	}
	if err := e.store.CreateNodeExecution(ctx, n); err != nil {
		log.WithExecutionID(executionID).Error().Err(err).
			Str("node_id", nodeID).
			Msg("failed to record node execution")
	}
}

func seedOutputs(job *queue.ExecutionJob) map[string]any {
	outputs := map[string]any{}
	if job.ResumeState == nil {
		return outputs
	}
	if seeded, ok := job.ResumeState["nodeOutputs"].(map[string]any); ok {
		for k, v := range seeded {
			outputs[k] = v
		}
	}
	return outputs
}

func userIdempotencyKey(params map[string]any) string {
	if v, ok := params["idempotencyKey"].(string); ok {
		return v
	}
	return ""
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func nodeIDOf(details *types.ErrorDetails) string {
	if details == nil {
		return ""
	}
	return details.NodeID
}

// backoffDelay doubles per attempt from the base with ±25% jitter
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	base := float64(retryBaseDelay) * float64(int(1)<<shift)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(base * jitter)
}
