package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/camber-io/camber/pkg/types"
)

// MemoryStore is an in-process Store used by tests. It honors the same
// atomicity contracts as the Postgres store under a single mutex.
type MemoryStore struct {
	mu sync.Mutex

	orgs        map[string]*types.Organization
	users       map[string]*types.User
	memberships map[string][]*types.Membership // orgID -> members

	workflows   map[string]*types.Workflow
	versions    map[string]*types.WorkflowVersion
	deployments map[string]*types.WorkflowDeployment

	connections  map[string]*types.Connection
	scopedTokens map[string]*types.ScopedToken // by token hash
	keys         map[string]*types.EncryptionKey

	executions  map[string]*types.Execution
	nodeExecs   map[string][]*types.NodeExecution // executionID -> attempts
	nodeResults map[string]*types.NodeExecutionResult

	resumeTokens map[string]*types.ResumeToken // by token hash
	timers       map[string]*types.WorkflowTimer

	webhookTriggers map[string]*types.WebhookTrigger
	webhookEvents   map[string]*types.WebhookEvent
	dedupe          map[string]*types.WebhookDedupe // triggerID|token
	pollingTriggers map[string]*types.PollingTrigger

	counters   map[string]*types.OrganizationExecutionCounters
	quotaAudit map[string][]*types.QuotaAuditEvent
	secretLog  []*types.SecretAccessEvent
}

// NewMemoryStore builds an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:            map[string]*types.Organization{},
		users:           map[string]*types.User{},
		memberships:     map[string][]*types.Membership{},
		workflows:       map[string]*types.Workflow{},
		versions:        map[string]*types.WorkflowVersion{},
		deployments:     map[string]*types.WorkflowDeployment{},
		connections:     map[string]*types.Connection{},
		scopedTokens:    map[string]*types.ScopedToken{},
		keys:            map[string]*types.EncryptionKey{},
		executions:      map[string]*types.Execution{},
		nodeExecs:       map[string][]*types.NodeExecution{},
		nodeResults:     map[string]*types.NodeExecutionResult{},
		resumeTokens:    map[string]*types.ResumeToken{},
		timers:          map[string]*types.WorkflowTimer{},
		webhookTriggers: map[string]*types.WebhookTrigger{},
		webhookEvents:   map[string]*types.WebhookEvent{},
		dedupe:          map[string]*types.WebhookDedupe{},
		pollingTriggers: map[string]*types.PollingTrigger{},
		counters:        map[string]*types.OrganizationExecutionCounters{},
		quotaAudit:      map[string][]*types.QuotaAuditEvent{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// ------------------------------------------------------------------
// Organizations

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *types.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return ErrDuplicate
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*types.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) UpdateOrganization(ctx context.Context, org *types.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orgs[org.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = org.Name
	existing.Status = org.Status
	existing.Plan = org.Plan
	existing.Security = org.Security
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, orgID string, delta types.UsageCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return ErrNotFound
	}
	if org.Usage == nil {
		org.Usage = &types.UsageCounters{}
	}
	org.Usage.Workflows += delta.Workflows
	org.Usage.Executions += delta.Executions
	org.Usage.APICallsMade += delta.APICallsMade
	org.Usage.TokensUsed += delta.TokensUsed
	org.Usage.StorageBytes += delta.StorageBytes
	org.Usage.CostCents += delta.CostCents
	return nil
}

// ------------------------------------------------------------------
// Users and memberships

func (s *MemoryStore) CreateUser(ctx context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return ErrDuplicate
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateMembership(ctx context.Context, m *types.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.memberships[m.OrganizationID] {
		if existing.UserID == m.UserID {
			return ErrDuplicate
		}
	}
	cp := *m
	s.memberships[m.OrganizationID] = append(s.memberships[m.OrganizationID], &cp)
	return nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, orgID string) ([]*types.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Membership, 0, len(s.memberships[orgID]))
	for _, m := range s.memberships[orgID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteMembership(ctx context.Context, orgID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.memberships[orgID]
	idx := -1
	owners := 0
	for i, m := range members {
		if m.Role == types.RoleOwner {
			owners++
		}
		if m.UserID == userID {
			idx = i
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if members[idx].Role == types.RoleOwner && owners <= 1 {
		return errLastOwner
	}
	s.memberships[orgID] = append(members[:idx], members[idx+1:]...)
	return nil
}

var errLastOwner = errString("organization must retain at least one owner")

type errString string

func (e errString) Error() string { return string(e) }

// ------------------------------------------------------------------
// Workflows

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return ErrDuplicate
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, orgID, id string) (*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, orgID string) ([]*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Workflow
	for _, wf := range s.workflows {
		if wf.OrganizationID == orgID && wf.IsActive {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, wf *types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workflows[wf.ID]
	if !ok || existing.OrganizationID != wf.OrganizationID {
		return ErrNotFound
	}
	existing.Name = wf.Name
	existing.Description = wf.Description
	existing.Graph = wf.Graph
	existing.IsActive = wf.IsActive
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// ------------------------------------------------------------------
// Versions

func (s *MemoryStore) CreateVersion(ctx context.Context, v *types.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.versions {
		if existing.WorkflowID == v.WorkflowID && existing.VersionNumber == v.VersionNumber {
			return ErrDuplicate
		}
	}
	cp := *v
	s.versions[v.ID] = &cp
	return nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, id string) (*types.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, workflowID string) ([]*types.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WorkflowVersion
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (s *MemoryStore) NextVersionNumber(ctx context.Context, workflowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, v := range s.versions {
		if v.WorkflowID == workflowID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) UpdateDraftGraph(ctx context.Context, versionID string, graph *types.Graph, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return ErrNotFound
	}
	if v.State != types.VersionStateDraft {
		return ErrVersionFrozen
	}
	v.Graph = graph
	v.Metadata = metadata
	return nil
}

func (s *MemoryStore) PublishVersion(ctx context.Context, versionID, publishedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return ErrNotFound
	}
	if v.State != types.VersionStateDraft {
		return ErrVersionFrozen
	}
	now := time.Now().UTC()
	v.State = types.VersionStatePublished
	v.PublishedAt = &now
	v.PublishedBy = publishedBy
	return nil
}

// ------------------------------------------------------------------
// Deployments

func (s *MemoryStore) CreateDeployment(ctx context.Context, d *types.WorkflowDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deployments {
		if existing.WorkflowID == d.WorkflowID && existing.Environment == d.Environment {
			existing.IsActive = false
		}
	}
	cp := *d
	cp.IsActive = true
	s.deployments[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveDeployment(ctx context.Context, workflowID string, env types.Environment) (*types.WorkflowDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.WorkflowID == workflowID && d.Environment == env && d.IsActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListDeployments(ctx context.Context, workflowID string) ([]*types.WorkflowDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WorkflowDeployment
	for _, d := range s.deployments {
		if d.WorkflowID == workflowID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeployedAt.After(out[j].DeployedAt) })
	return out, nil
}

// ------------------------------------------------------------------
// Connections

func (s *MemoryStore) CreateConnection(ctx context.Context, c *types.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[c.ID]; ok {
		return ErrDuplicate
	}
	cp := *c
	s.connections[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, orgID, id string) (*types.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConnections(ctx context.Context, orgID, userID, provider string) ([]*types.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Connection
	for _, c := range s.connections {
		if c.OrganizationID != orgID || c.UserID != userID || !c.IsActive {
			continue
		}
		if provider != "" && c.Provider != provider {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetConnectionByProvider(ctx context.Context, orgID, userID, provider string) (*types.Connection, error) {
	list, err := s.ListConnections(ctx, orgID, userID, provider)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1], nil
}

func (s *MemoryStore) UpdateConnection(ctx context.Context, c *types.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.connections[c.ID]
	if !ok || existing.OrganizationID != c.OrganizationID {
		return ErrNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	s.connections[c.ID] = &cp
	return nil
}

// ------------------------------------------------------------------
// Scoped tokens

func (s *MemoryStore) CreateScopedToken(ctx context.Context, t *types.ScopedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopedTokens[t.TokenHash]; ok {
		return ErrDuplicate
	}
	cp := *t
	s.scopedTokens[t.TokenHash] = &cp
	return nil
}

func (s *MemoryStore) ConsumeScopedToken(ctx context.Context, tokenHash string) (*types.ScopedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.scopedTokens[tokenHash]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if t.UsedAt != nil {
		return nil, ErrTokenConsumed
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	now := time.Now().UTC()
	t.UsedAt = &now
	cp := *t
	return &cp, nil
}

// ------------------------------------------------------------------
// Encryption keys

func (s *MemoryStore) ActiveEncryptionKey(ctx context.Context) (*types.EncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active *types.EncryptionKey
	for _, k := range s.keys {
		if k.Status != types.KeyStatusActive {
			continue
		}
		if active == nil || k.ActivatedAt.After(active.ActivatedAt) {
			active = k
		}
	}
	if active == nil {
		return nil, nil
	}
	cp := *active
	return &cp, nil
}

func (s *MemoryStore) GetEncryptionKey(ctx context.Context, id string) (*types.EncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) CreateEncryptionKey(ctx context.Context, k *types.EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return ErrDuplicate
	}
	if k.Status == types.KeyStatusActive {
		now := time.Now().UTC()
		for _, existing := range s.keys {
			if existing.Status == types.KeyStatusActive {
				existing.Status = types.KeyStatusRetired
				existing.RotatedAt = &now
			}
		}
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

// ------------------------------------------------------------------
// Executions

func (s *MemoryStore) CreateExecution(ctx context.Context, e *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return ErrDuplicate
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, e *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.executions[e.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = e.Status
	existing.VersionID = e.VersionID
	existing.NodeResults = e.NodeResults
	existing.ErrorDetails = e.ErrorDetails
	existing.CompletedAt = e.CompletedAt
	existing.Duration = e.Duration
	existing.CostCents = e.CostCents
	existing.APICallsMade = e.APICallsMade
	existing.TokensUsed = e.TokensUsed
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Execution
	for _, e := range s.executions {
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	e.CancelRequested = true
	return nil
}

// ------------------------------------------------------------------
// Node executions

func (s *MemoryStore) CreateNodeExecution(ctx context.Context, n *types.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodeExecs[n.ExecutionID] = append(s.nodeExecs[n.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) UpdateNodeExecution(ctx context.Context, n *types.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.nodeExecs[n.ExecutionID] {
		if existing.NodeID == n.NodeID && existing.Attempt == n.Attempt {
			existing.Status = n.Status
			existing.EndedAt = n.EndedAt
			existing.Output = n.Output
			existing.Error = n.Error
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*types.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.NodeExecution, 0, len(s.nodeExecs[executionID]))
	for _, n := range s.nodeExecs[executionID] {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func nodeResultKey(executionID, nodeID, idempotencyKey string) string {
	return strings.Join([]string{executionID, nodeID, idempotencyKey}, "|")
}

func (s *MemoryStore) GetNodeResult(ctx context.Context, executionID, nodeID, idempotencyKey string) (*types.NodeExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.nodeResults[nodeResultKey(executionID, nodeID, idempotencyKey)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) PutNodeResult(ctx context.Context, r *types.NodeExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.nodeResults[nodeResultKey(r.ExecutionID, r.NodeID, r.IdempotencyKey)] = &cp
	return nil
}

func (s *MemoryStore) DeleteExpiredNodeResults(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, r := range s.nodeResults {
		if !r.ExpiresAt.After(now) {
			delete(s.nodeResults, key)
			n++
		}
	}
	return n, nil
}

// ------------------------------------------------------------------
// Resume tokens

func (s *MemoryStore) CreateResumeToken(ctx context.Context, t *types.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resumeTokens[t.TokenHash]; ok {
		return ErrDuplicate
	}
	cp := *t
	s.resumeTokens[t.TokenHash] = &cp
	return nil
}

func (s *MemoryStore) ConsumeResumeToken(ctx context.Context, match ResumeConsume) (*types.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resumeTokens[match.TokenHash]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if t.ConsumedAt != nil {
		return nil, ErrTokenConsumed
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if match.ExecutionID != "" && t.ExecutionID != match.ExecutionID {
		return nil, ErrTokenUnknown
	}
	if match.NodeID != "" && t.NodeID != match.NodeID {
		return nil, ErrTokenUnknown
	}
	if match.OrganizationID != "" && t.OrganizationID != match.OrganizationID {
		return nil, ErrTokenUnknown
	}
	now := time.Now().UTC()
	t.ConsumedAt = &now
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ReopenResumeToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resumeTokens[tokenHash]
	if !ok {
		return ErrTokenUnknown
	}
	t.ConsumedAt = nil
	return nil
}

// ------------------------------------------------------------------
// Timers

func (s *MemoryStore) CreateTimer(ctx context.Context, t *types.WorkflowTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.timers[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*types.WorkflowTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*types.WorkflowTimer
	for _, t := range s.timers {
		if t.Status == types.TimerPending && !t.ResumeAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(due[j].ResumeAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*types.WorkflowTimer, 0, len(due))
	for _, t := range due {
		t.Status = types.TimerDispatched
		t.Attempts++
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkTimerFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = types.TimerFailed
	return nil
}

// ------------------------------------------------------------------
// Webhooks

func (s *MemoryStore) CreateWebhookTrigger(ctx context.Context, w *types.WebhookTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhookTriggers[w.ID]; ok {
		return ErrDuplicate
	}
	cp := *w
	s.webhookTriggers[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWebhookTrigger(ctx context.Context, id string) (*types.WebhookTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhookTriggers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWebhookTriggers(ctx context.Context) ([]*types.WebhookTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WebhookTrigger
	for _, w := range s.webhookTriggers {
		if w.IsActive {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveWebhookEvent(ctx context.Context, e *types.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.webhookEvents[e.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkWebhookEventProcessed(ctx context.Context, id, executionID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.webhookEvents[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	e.ExecutionID = executionID
	e.Error = errMsg
	e.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) InsertWebhookDedupe(ctx context.Context, d *types.WebhookDedupe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.TriggerID + "|" + d.Token
	if _, ok := s.dedupe[key]; ok {
		return ErrDedupeConflict
	}
	cp := *d
	s.dedupe[key] = &cp
	return nil
}

func (s *MemoryStore) DeleteExpiredWebhookDedupe(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, d := range s.dedupe {
		if d.CreatedAt.Before(olderThan) {
			delete(s.dedupe, key)
			n++
		}
	}
	return n, nil
}

// ------------------------------------------------------------------
// Polling triggers

func (s *MemoryStore) CreatePollingTrigger(ctx context.Context, p *types.PollingTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pollingTriggers[p.ID]; ok {
		return ErrDuplicate
	}
	cp := *p
	s.pollingTriggers[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListActivePollingTriggers(ctx context.Context) ([]*types.PollingTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PollingTrigger
	for _, p := range s.pollingTriggers {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPollAt.Before(out[j].NextPollAt) })
	return out, nil
}

func (s *MemoryStore) UpdatePollingTrigger(ctx context.Context, p *types.PollingTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.pollingTriggers[p.ID]
	if !ok {
		return ErrNotFound
	}
	existing.LastPoll = p.LastPoll
	existing.NextPollAt = p.NextPollAt
	existing.IsActive = p.IsActive
	existing.Cursor = p.Cursor
	existing.BackoffCount = p.BackoffCount
	existing.LastStatus = p.LastStatus
	return nil
}

// ------------------------------------------------------------------
// Admission

func (s *MemoryStore) Admit(ctx context.Context, orgID string, limits *types.PlanLimits) (*AdmissionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[orgID]
	if !ok {
		c = &types.OrganizationExecutionCounters{OrganizationID: orgID, WindowStart: time.Now().UTC()}
		s.counters[orgID] = c
	}
	now := time.Now().UTC()
	if now.Sub(c.WindowStart) > time.Minute {
		c.ExecutionsInWindow = 0
		c.WindowStart = now
	}
	if limits.MaxConcurrentExecutions > 0 && c.RunningExecutions >= limits.MaxConcurrentExecutions {
		return &AdmissionDecision{
			Admitted: false, Reason: "concurrency_exceeded",
			ObservedValue: c.RunningExecutions, LimitValue: limits.MaxConcurrentExecutions,
			WindowCount: c.ExecutionsInWindow, WindowStart: c.WindowStart,
		}, nil
	}
	if limits.MaxExecutionsPerMinute > 0 && c.ExecutionsInWindow >= limits.MaxExecutionsPerMinute {
		return &AdmissionDecision{
			Admitted: false, Reason: "rpm_exceeded",
			ObservedValue: c.ExecutionsInWindow, LimitValue: limits.MaxExecutionsPerMinute,
			WindowCount: c.ExecutionsInWindow, WindowStart: c.WindowStart,
		}, nil
	}
	c.RunningExecutions++
	c.ExecutionsInWindow++
	return &AdmissionDecision{
		Admitted:      true,
		ObservedValue: c.RunningExecutions,
		WindowCount:   c.ExecutionsInWindow,
		WindowStart:   c.WindowStart,
	}, nil
}

func (s *MemoryStore) ReleaseExecution(ctx context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[orgID]
	if !ok {
		return nil
	}
	if c.RunningExecutions > 0 {
		c.RunningExecutions--
	}
	return nil
}

// ------------------------------------------------------------------
// Audit

func (s *MemoryStore) AppendQuotaAudit(ctx context.Context, e *types.QuotaAuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.quotaAudit[e.OrganizationID] = append(s.quotaAudit[e.OrganizationID], &cp)
	return nil
}

func (s *MemoryStore) ListQuotaAudit(ctx context.Context, orgID string, limit int) ([]*types.QuotaAuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.quotaAudit[orgID]
	if limit <= 0 {
		limit = 100
	}
	out := make([]*types.QuotaAuditEvent, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *events[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AppendSecretAccess(ctx context.Context, e *types.SecretAccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.secretLog = append(s.secretLog, &cp)
	return nil
}

// SecretAccessLog returns recorded secret access events; test helper
func (s *MemoryStore) SecretAccessLog() []*types.SecretAccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SecretAccessEvent, len(s.secretLog))
	copy(out, s.secretLog)
	return out
}

// WebhookEvents returns the recorded webhook event rows, a test helper
func (s *MemoryStore) WebhookEvents() []*types.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.WebhookEvent, 0, len(s.webhookEvents))
	for _, e := range s.webhookEvents {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
