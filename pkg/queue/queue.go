package queue

import (
	"context"
	"time"

	"github.com/camber-io/camber/pkg/types"
)

// ExecutionJob is one unit of work on the queue. ExecutionID is assigned
// at dispatch and preserved across redeliveries for idempotent re-enqueue.
type ExecutionJob struct {
	ExecutionID    string             `json:"executionId"`
	WorkflowID     string             `json:"workflowId"`
	OrganizationID string             `json:"organizationId"`
	UserID         string             `json:"userId,omitempty"`
	Environment    types.Environment  `json:"environment,omitempty"`
	VersionID      string             `json:"versionId,omitempty"`
	TriggerType    types.TriggerType  `json:"triggerType"`
	TriggerData    map[string]any     `json:"triggerData,omitempty"`
	InitialData    map[string]any     `json:"initialData,omitempty"`
	ResumeState    map[string]any     `json:"resumeState,omitempty"`
	Replay         *types.ReplayInfo  `json:"replay,omitempty"`

	// Admitted records that the dispatcher reserved a concurrency slot.
	// Jobs entering the queue through other paths are re-admitted by the
	// consumer on dequeue.
	Admitted bool `json:"admitted,omitempty"`

	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Delivery is one dequeued job awaiting acknowledgement
type Delivery interface {
	Job() *ExecutionJob

	// Ack removes the job permanently
	Ack(ctx context.Context) error

	// Nack returns the job to the queue after delay
	Nack(ctx context.Context, delay time.Duration) error
}

// Stats describes a queue for health checks
type Stats struct {
	Driver  string `json:"driver"`
	Durable bool   `json:"durable"`
	Backlog int64  `json:"backlog"`
}

// Queue is a FIFO of execution jobs with delayed delivery and
// at-least-once consumer semantics.
type Queue interface {
	Enqueue(ctx context.Context, job *ExecutionJob) error
	EnqueueDelayed(ctx context.Context, job *ExecutionJob, delay time.Duration) error

	// Dequeue blocks up to the driver's poll interval and returns nil
	// when no job is available.
	Dequeue(ctx context.Context) (Delivery, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
