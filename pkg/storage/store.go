package storage

import (
	"context"
	"errors"
	"time"

	"github.com/camber-io/camber/pkg/types"
)

// Not-found sentinels; callers check with errors.Is
var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("already exists")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenConsumed  = errors.New("token consumed")
	ErrTokenUnknown   = errors.New("token unknown")
	ErrVersionFrozen  = errors.New("published version is immutable")
	ErrDedupeConflict = errors.New("dedupe token already recorded")
)

// ExecutionFilter narrows ListExecutions
type ExecutionFilter struct {
	OrganizationID string
	WorkflowID     string
	Status         types.ExecutionStatus
	Limit          int
}

// AdmissionDecision is the outcome of an admission check
type AdmissionDecision struct {
	Admitted      bool
	Reason        string // "concurrency_exceeded" | "rpm_exceeded" when rejected
	ObservedValue int
	LimitValue    int
	WindowCount   int
	WindowStart   time.Time
}

// ResumeConsume matches a resume token consumption; zero fields are ignored
type ResumeConsume struct {
	TokenHash      string
	ExecutionID    string
	NodeID         string
	OrganizationID string
}

// Store is the persistence interface for all tenant-scoped state.
// Implemented by the Postgres store; the in-memory store backs tests.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *types.Organization) error
	GetOrganization(ctx context.Context, id string) (*types.Organization, error)
	UpdateOrganization(ctx context.Context, org *types.Organization) error
	AddUsage(ctx context.Context, orgID string, delta types.UsageCounters) error

	// Users and memberships
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	CreateMembership(ctx context.Context, m *types.Membership) error
	ListMemberships(ctx context.Context, orgID string) ([]*types.Membership, error)
	DeleteMembership(ctx context.Context, orgID, userID string) error

	// Workflows
	CreateWorkflow(ctx context.Context, wf *types.Workflow) error
	GetWorkflow(ctx context.Context, orgID, id string) (*types.Workflow, error)
	ListWorkflows(ctx context.Context, orgID string) ([]*types.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *types.Workflow) error

	// Workflow versions (append-only; published versions are immutable)
	CreateVersion(ctx context.Context, v *types.WorkflowVersion) error
	GetVersion(ctx context.Context, id string) (*types.WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID string) ([]*types.WorkflowVersion, error)
	NextVersionNumber(ctx context.Context, workflowID string) (int, error)
	UpdateDraftGraph(ctx context.Context, versionID string, graph *types.Graph, metadata map[string]string) error
	PublishVersion(ctx context.Context, versionID, publishedBy string) error

	// Deployments: creating one deactivates the previous active row for
	// the same (workflow, environment) in the same transaction.
	CreateDeployment(ctx context.Context, d *types.WorkflowDeployment) error
	ActiveDeployment(ctx context.Context, workflowID string, env types.Environment) (*types.WorkflowDeployment, error)
	ListDeployments(ctx context.Context, workflowID string) ([]*types.WorkflowDeployment, error)

	// Connections
	CreateConnection(ctx context.Context, c *types.Connection) error
	GetConnection(ctx context.Context, orgID, id string) (*types.Connection, error)
	ListConnections(ctx context.Context, orgID, userID, provider string) ([]*types.Connection, error)
	GetConnectionByProvider(ctx context.Context, orgID, userID, provider string) (*types.Connection, error)
	UpdateConnection(ctx context.Context, c *types.Connection) error

	// Scoped tokens; Consume sets usedAt exactly once, atomically
	CreateScopedToken(ctx context.Context, t *types.ScopedToken) error
	ConsumeScopedToken(ctx context.Context, tokenHash string) (*types.ScopedToken, error)

	// Encryption keys
	ActiveEncryptionKey(ctx context.Context) (*types.EncryptionKey, error)
	GetEncryptionKey(ctx context.Context, id string) (*types.EncryptionKey, error)
	CreateEncryptionKey(ctx context.Context, k *types.EncryptionKey) error

	// Executions
	CreateExecution(ctx context.Context, e *types.Execution) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
	UpdateExecution(ctx context.Context, e *types.Execution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error)
	RequestCancel(ctx context.Context, executionID string) error

	// Node executions and the idempotency result cache
	CreateNodeExecution(ctx context.Context, n *types.NodeExecution) error
	UpdateNodeExecution(ctx context.Context, n *types.NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*types.NodeExecution, error)
	GetNodeResult(ctx context.Context, executionID, nodeID, idempotencyKey string) (*types.NodeExecutionResult, error)
	PutNodeResult(ctx context.Context, r *types.NodeExecutionResult) error
	DeleteExpiredNodeResults(ctx context.Context, now time.Time) (int, error)

	// Resume tokens. ReopenResumeToken clears consumed_at so a token
	// whose re-enqueue failed after consumption can be redeemed again.
	CreateResumeToken(ctx context.Context, t *types.ResumeToken) error
	ConsumeResumeToken(ctx context.Context, match ResumeConsume) (*types.ResumeToken, error)
	ReopenResumeToken(ctx context.Context, tokenHash string) error

	// Timers. ClaimDueTimers marks due pending timers dispatched under
	// SKIP LOCKED semantics and returns them, so concurrent dispatchers
	// never double-fire; a failed enqueue flips the row to failed.
	CreateTimer(ctx context.Context, t *types.WorkflowTimer) error
	ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*types.WorkflowTimer, error)
	MarkTimerFailed(ctx context.Context, id string) error

	// Webhook triggers, events, dedupe
	CreateWebhookTrigger(ctx context.Context, w *types.WebhookTrigger) error
	GetWebhookTrigger(ctx context.Context, id string) (*types.WebhookTrigger, error)
	ListWebhookTriggers(ctx context.Context) ([]*types.WebhookTrigger, error)
	SaveWebhookEvent(ctx context.Context, e *types.WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, id, executionID, errMsg string) error
	InsertWebhookDedupe(ctx context.Context, d *types.WebhookDedupe) error
	DeleteExpiredWebhookDedupe(ctx context.Context, olderThan time.Time) (int, error)

	// Polling triggers
	CreatePollingTrigger(ctx context.Context, p *types.PollingTrigger) error
	ListActivePollingTriggers(ctx context.Context) ([]*types.PollingTrigger, error)
	UpdatePollingTrigger(ctx context.Context, p *types.PollingTrigger) error

	// Admission: atomic check-and-increment under a row lock
	Admit(ctx context.Context, orgID string, limits *types.PlanLimits) (*AdmissionDecision, error)
	ReleaseExecution(ctx context.Context, orgID string) error

	// Audit (append-only)
	AppendQuotaAudit(ctx context.Context, e *types.QuotaAuditEvent) error
	ListQuotaAudit(ctx context.Context, orgID string, limit int) ([]*types.QuotaAuditEvent, error)
	AppendSecretAccess(ctx context.Context, e *types.SecretAccessEvent) error

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
