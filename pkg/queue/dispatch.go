package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/camber/pkg/admission"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

// Dispatcher creates execution rows and places jobs on the queue. The
// admission check runs synchronously at dispatch; rejected executions are
// persisted as rate_limited so operators can see what quota cost them.
type Dispatcher struct {
	store     storage.Store
	queue     Queue
	admission *admission.Controller
}

// NewDispatcher wires the dispatcher
func NewDispatcher(store storage.Store, q Queue, adm *admission.Controller) *Dispatcher {
	return &Dispatcher{store: store, queue: q, admission: adm}
}

// DispatchInput describes a new execution to enqueue
type DispatchInput struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	Environment    types.Environment
	VersionID      string
	TriggerType    types.TriggerType
	TriggerData    map[string]any
	InitialData    map[string]any
	Replay         *types.ReplayInfo

	// ExecutionID, when set, reuses an assigned id for idempotent
	// re-enqueue; a fresh id is minted otherwise.
	ExecutionID string
}

// Dispatch admits, persists, and enqueues one execution
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*types.Execution, error) {
	executionID := in.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	_, admitErr := d.admission.Admit(ctx, in.OrganizationID)
	if admitErr != nil && errs.KindOf(admitErr) != errs.KindQuotaExceeded {
		return nil, admitErr
	}

	e := &types.Execution{
		ID:             executionID,
		WorkflowID:     in.WorkflowID,
		OrganizationID: in.OrganizationID,
		VersionID:      in.VersionID,
		Status:         types.ExecutionQueued,
		TriggerType:    in.TriggerType,
		TriggerData:    in.TriggerData,
		Replay:         in.Replay,
		StartedAt:      time.Now().UTC(),
	}
	if admitErr != nil {
		e.Status = types.ExecutionRateLimited
	}
	if err := d.store.CreateExecution(ctx, e); err != nil {
		if errors.Is(err, storage.ErrDuplicate) && in.ExecutionID != "" {
			// Idempotent re-enqueue of a known execution.
			existing, getErr := d.store.GetExecution(ctx, executionID)
			if getErr != nil {
				return nil, getErr
			}
			e = existing
		} else {
			if admitErr == nil {
				d.admission.Release(ctx, in.OrganizationID)
			}
			return nil, err
		}
	}
	if admitErr != nil {
		return e, admitErr
	}

	job := &ExecutionJob{
		ExecutionID:    executionID,
		WorkflowID:     in.WorkflowID,
		OrganizationID: in.OrganizationID,
		UserID:         in.UserID,
		Environment:    in.Environment,
		VersionID:      in.VersionID,
		TriggerType:    in.TriggerType,
		TriggerData:    in.TriggerData,
		InitialData:    in.InitialData,
		Replay:         in.Replay,
		Admitted:       true,
		Attempt:        1,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.admission.Release(ctx, in.OrganizationID)
		return nil, err
	}

	log.WithExecutionID(executionID).Debug().
		Str("workflow_id", in.WorkflowID).
		Str("trigger_type", string(in.TriggerType)).
		Msg("execution dispatched")
	return e, nil
}

// Resume re-enqueues a waiting execution with its saved resume state.
// The concurrency slot is still held by the parked execution, so resume
// skips admission.
func (d *Dispatcher) Resume(ctx context.Context, executionID string, resumeState map[string]any, delay time.Duration) error {
	e, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status == types.ExecutionCancelled {
		return errs.New(errs.KindConflict, "execution is not active")
	}

	job := &ExecutionJob{
		ExecutionID:    e.ID,
		WorkflowID:     e.WorkflowID,
		OrganizationID: e.OrganizationID,
		VersionID:      e.VersionID,
		TriggerType:    e.TriggerType,
		TriggerData:    e.TriggerData,
		ResumeState:    resumeState,
		Admitted:       true,
		Attempt:        1,
		EnqueuedAt:     time.Now().UTC(),
	}
	if delay > 0 {
		return d.queue.EnqueueDelayed(ctx, job, delay)
	}
	return d.queue.Enqueue(ctx, job)
}
