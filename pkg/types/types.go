package types

import (
	"time"
)

// Organization represents a tenant. Organizations are never destroyed;
// lifecycle is tracked through Status.
type Organization struct {
	ID               string
	Name             string
	Status           OrganizationStatus
	Plan             *PlanLimits
	Security         *SecuritySettings
	Usage            *UsageCounters
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrganizationStatus represents the lifecycle state of an organization
type OrganizationStatus string

const (
	OrgStatusActive    OrganizationStatus = "active"
	OrgStatusSuspended OrganizationStatus = "suspended"
	OrgStatusTrial     OrganizationStatus = "trial"
	OrgStatusChurned   OrganizationStatus = "churned"
)

// PlanLimits holds the per-organization plan quotas
type PlanLimits struct {
	MaxWorkflows            int
	MaxExecutions           int
	MaxUsers                int
	MaxStorage              int64
	MaxConcurrentExecutions int
	MaxExecutionsPerMinute  int
}

// SecuritySettings holds per-organization security policy
type SecuritySettings struct {
	AllowedDomains     []string
	AllowedIPRanges    []string
	MFARequired        bool
	SessionTimeout     time.Duration
	PasswordPolicy     string
	APIKeyRotationDays int
}

// UsageCounters tracks accumulated organization usage
type UsageCounters struct {
	Workflows      int
	Executions     int64
	APICallsMade   int64
	TokensUsed     int64
	StorageBytes   int64
	CostCents      int64
}

// User represents a user identity
type User struct {
	ID           string
	Email        string
	PasswordHash string
	DefaultOrgID string
	CreatedAt    time.Time
}

// Membership binds a user to an organization with a role
type Membership struct {
	UserID         string
	OrganizationID string
	Role           MemberRole
	Permissions    []string
	CreatedAt      time.Time
}

// MemberRole defines the role of a member within an organization
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleEditor MemberRole = "editor"
	RoleViewer MemberRole = "viewer"
)

// Workflow is the named container for an editable graph.
// OrganizationID is immutable after creation; deletion is soft via IsActive.
type Workflow struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	Graph          *Graph
	IsActive       bool
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowVersion is an immutable snapshot of a workflow graph.
// Versions are append-only; publishing transitions draft->published exactly once.
type WorkflowVersion struct {
	ID            string
	WorkflowID    string
	VersionNumber int
	State         VersionState
	Graph         *Graph
	Metadata      map[string]string
	CreatedAt     time.Time
	CreatedBy     string
	PublishedAt   *time.Time
	PublishedBy   string
}

// VersionState is the lifecycle state of a workflow version
type VersionState string

const (
	VersionStateDraft     VersionState = "draft"
	VersionStatePublished VersionState = "published"
)

// Environment identifies a deployment target
type Environment string

const (
	EnvDraft      Environment = "draft"
	EnvTest       Environment = "test"
	EnvProduction Environment = "production"
)

// ValidEnvironment reports whether e names a known environment
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvDraft, EnvTest, EnvProduction:
		return true
	}
	return false
}

// WorkflowDeployment binds (workflow, environment) to a version.
// At most one deployment is active per pair; rollback links the superseded row.
type WorkflowDeployment struct {
	ID          string
	WorkflowID  string
	Environment Environment
	VersionID   string
	IsActive    bool
	DeployedAt  time.Time
	DeployedBy  string
	RollbackOf  string // deployment id this rollback supersedes, empty otherwise
}

// NodeType classifies a graph node
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeTransform NodeType = "transform"
	NodeTypeCondition NodeType = "condition"
)

// Node is a typed step in a workflow graph
type Node struct {
	ID           string         `json:"id" validate:"required"`
	Type         NodeType       `json:"type" validate:"required,oneof=trigger action transform condition"`
	App          string         `json:"app"`
	Op           string         `json:"op"`
	Params       map[string]any `json:"params,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
}

// Edge is a directed connection between two nodes
type Edge struct {
	ID   string `json:"id"`
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// Graph is a directed acyclic graph of nodes and edges
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Connection is an encrypted third-party credential
type Connection struct {
	ID                   string
	OrganizationID       string
	UserID               string
	Provider             string
	Type                 string
	Name                 string
	EncryptedCredentials []byte
	IV                   []byte
	EncryptionKeyID      string
	DataKeyCiphertext    []byte
	Metadata             map[string]string
	TestStatus           string
	TestError            string
	LastTested           *time.Time
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ScopedToken is a short-TTL single-use bearer stored by hash
type ScopedToken struct {
	ID        string
	TokenHash string
	Scope     string
	StepID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// KeyStatus is the lifecycle state of an encryption key record
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusRotating KeyStatus = "rotating"
	KeyStatusRetired  KeyStatus = "retired"
)

// EncryptionKey is a key-table record. At most one record is active at a time.
type EncryptionKey struct {
	ID          string
	KeyID       string
	KMSKeyARN   string
	DerivedKey  string // base64 32-byte key material, empty when KMS-backed
	Status      KeyStatus
	ActivatedAt time.Time
	RotatedAt   *time.Time
}

// ExecutionStatus is the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionQueued      ExecutionStatus = "queued"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionWaiting     ExecutionStatus = "waiting"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCancelled   ExecutionStatus = "cancelled"
	ExecutionRateLimited ExecutionStatus = "rate_limited"
)

// TriggerType identifies how an execution was started
type TriggerType string

const (
	TriggerWebhook TriggerType = "webhook"
	TriggerPolling TriggerType = "polling"
	TriggerTimer   TriggerType = "timer"
	TriggerManual  TriggerType = "manual"
)

// Execution is one attempt to traverse a workflow graph end-to-end
type Execution struct {
	ID             string
	WorkflowID     string
	OrganizationID string
	VersionID      string
	Status         ExecutionStatus
	TriggerType    TriggerType
	TriggerData    map[string]any
	NodeResults    map[string]any
	ErrorDetails   *ErrorDetails
	Replay         *ReplayInfo
	StartedAt      time.Time
	CompletedAt    *time.Time
	Duration       time.Duration
	CostCents      int64
	APICallsMade   int64
	TokensUsed     int64
	CancelRequested bool
}

// ErrorDetails captures the failure context of an execution
type ErrorDetails struct {
	NodeID  string         `json:"nodeId,omitempty"`
	Error   string         `json:"error"`
	Stack   string         `json:"stack,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ReplayMode selects how a replay restricts the traversal
type ReplayMode string

const (
	ReplayFull ReplayMode = "full"
	ReplayNode ReplayMode = "node"
)

// ReplayInfo records the provenance of a replayed execution
type ReplayInfo struct {
	SourceExecutionID string     `json:"sourceExecutionId"`
	Mode              ReplayMode `json:"mode"`
	NodeID            string     `json:"nodeId,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	TriggeredBy       string     `json:"triggeredBy,omitempty"`
}

// NodeExecutionStatus is the state of a single node attempt
type NodeExecutionStatus string

const (
	NodeExecutionRunning   NodeExecutionStatus = "running"
	NodeExecutionCompleted NodeExecutionStatus = "completed"
	NodeExecutionFailed    NodeExecutionStatus = "failed"
	NodeExecutionWaiting   NodeExecutionStatus = "waiting"
	NodeExecutionSkipped   NodeExecutionStatus = "skipped"
)

// NodeExecution records one attempt of a node within an execution
type NodeExecution struct {
	ExecutionID    string
	NodeID         string
	Attempt        int
	Status         NodeExecutionStatus
	StartedAt      time.Time
	EndedAt        *time.Time
	Input          map[string]any
	Output         map[string]any
	Error          string
	IdempotencyKey string
	RequestHash    string
}

// NodeExecutionResult is the idempotency cache row guarding node retries
type NodeExecutionResult struct {
	ExecutionID    string
	NodeID         string
	IdempotencyKey string
	ResultHash     string
	ResultData     map[string]any
	ExpiresAt      time.Time
}

// ResumeToken rehydrates a waiting execution; consumed exactly once
type ResumeToken struct {
	ID             string
	TokenHash      string
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	NodeID         string
	ResumeState    map[string]any
	ExpiresAt      time.Time
	ConsumedAt     *time.Time
	CreatedAt      time.Time
}

// TimerStatus is the lifecycle state of a workflow timer
type TimerStatus string

const (
	TimerPending    TimerStatus = "pending"
	TimerDispatched TimerStatus = "dispatched"
	TimerFailed     TimerStatus = "failed"
)

// WorkflowTimer schedules a delayed re-entry into the queue
type WorkflowTimer struct {
	ID          string
	ExecutionID string
	ResumeAt    time.Time
	Payload     map[string]any
	Status      TimerStatus
	Attempts    int
	CreatedAt   time.Time
}

// WebhookTrigger is a registered webhook binding
type WebhookTrigger struct {
	ID             string // stable webhook id, first16(md5(appId|triggerId|workflowId|createdAt))
	WorkflowID     string
	OrganizationID string
	AppID          string
	TriggerID      string
	Secret         string
	Provider       string
	IsActive       bool
	CreatedAt      time.Time
}

// PollingTrigger is a registered polling binding with cursor state
type PollingTrigger struct {
	ID             string
	WorkflowID     string
	OrganizationID string
	AppID          string
	TriggerID      string
	Op             string
	ConnectionID   string
	Parameters     map[string]any
	Interval       time.Duration
	LastPoll       *time.Time
	NextPollAt     time.Time
	IsActive       bool
	Cursor         string
	BackoffCount   int
	LastStatus     string
	DedupeKey      string
}

// WebhookDedupe records a seen dedup token; expires by TTL sweep
type WebhookDedupe struct {
	TriggerID string
	Token     string
	CreatedAt time.Time
}

// WebhookEvent is the persisted record of a received webhook request
type WebhookEvent struct {
	ID          string
	WebhookID   string
	WorkflowID  string
	Source      string
	DedupeToken string
	Duplicate   bool
	ExecutionID string
	Error       string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// QuotaAuditEvent is an append-only admission decision record
type QuotaAuditEvent struct {
	ID             string
	OrganizationID string
	EventType      string
	LimitValue     int
	ObservedValue  int
	WindowCount    int
	WindowStart    *time.Time
	Metadata       map[string]string
	CreatedAt      time.Time
}

// SecretAccessEvent is the audit record emitted on every connection read/write
type SecretAccessEvent struct {
	ID        string
	Type      SecretAccessType
	Provider  string
	UserID    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// SecretAccessType classifies a secret access
type SecretAccessType string

const (
	SecretAccessRead   SecretAccessType = "read"
	SecretAccessWrite  SecretAccessType = "write"
	SecretAccessDelete SecretAccessType = "delete"
)

// OrganizationExecutionCounters is the row-locked admission state
type OrganizationExecutionCounters struct {
	OrganizationID     string
	RunningExecutions  int
	ExecutionsInWindow int
	WindowStart        time.Time
}
