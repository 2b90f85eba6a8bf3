package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

// Repository manages workflows, their append-only versions, and
// per-environment deployments.
type Repository struct {
	store storage.Store

	// AllowNonStagedProd permits promoting straight to production without
	// an active test deployment. Off by default.
	AllowNonStagedProd bool
}

// NewRepository builds a workflow repository over store
func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// Create validates the graph and stores a new workflow
func (r *Repository) Create(ctx context.Context, orgID, userID, name, description string, graph *types.Graph) (*types.Workflow, error) {
	if name == "" {
		return nil, errs.New(errs.KindValidation, "workflow name is required")
	}
	if graph != nil {
		if err := ValidateGraph(graph); err != nil {
			return nil, err
		}
	}

	org, err := r.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.Plan != nil && org.Plan.MaxWorkflows > 0 {
		existing, err := r.store.ListWorkflows(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if len(existing) >= org.Plan.MaxWorkflows {
			return nil, errs.New(errs.KindQuotaExceeded, "workflow limit reached for plan")
		}
	}

	now := time.Now().UTC()
	wf := &types.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		Description:    description,
		Graph:          graph,
		IsActive:       true,
		CreatedBy:      userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if err := r.store.AddUsage(ctx, orgID, types.UsageCounters{Workflows: 1}); err != nil {
		log.WithComponent("workflow").Error().Err(err).Msg("failed to record workflow usage")
	}
	return wf, nil
}

// Get returns a workflow scoped to its organization
func (r *Repository) Get(ctx context.Context, orgID, id string) (*types.Workflow, error) {
	return r.store.GetWorkflow(ctx, orgID, id)
}

// List returns active workflows for an organization
func (r *Repository) List(ctx context.Context, orgID string) ([]*types.Workflow, error) {
	return r.store.ListWorkflows(ctx, orgID)
}

// CreateDraft snapshots a graph as the next draft version
func (r *Repository) CreateDraft(ctx context.Context, workflowID, userID string, graph *types.Graph, metadata map[string]string) (*types.WorkflowVersion, error) {
	if err := ValidateGraph(graph); err != nil {
		return nil, err
	}
	n, err := r.store.NextVersionNumber(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	v := &types.WorkflowVersion{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		VersionNumber: n,
		State:         types.VersionStateDraft,
		Graph:         graph,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     userID,
	}
	if err := r.store.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateDraft replaces a draft version's graph; published versions refuse
func (r *Repository) UpdateDraft(ctx context.Context, versionID string, graph *types.Graph, metadata map[string]string) error {
	if err := ValidateGraph(graph); err != nil {
		return err
	}
	err := r.store.UpdateDraftGraph(ctx, versionID, graph, metadata)
	if errors.Is(err, storage.ErrVersionFrozen) {
		return errs.Wrap(errs.KindConflict, "published version is immutable", err)
	}
	return err
}

// Publish freezes a draft version. The graph is re-validated; publishing
// is the last gate before a version can be deployed.
func (r *Repository) Publish(ctx context.Context, versionID, userID string) (*types.WorkflowVersion, error) {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := ValidateGraph(v.Graph); err != nil {
		return nil, err
	}
	if err := r.store.PublishVersion(ctx, versionID, userID); err != nil {
		if errors.Is(err, storage.ErrVersionFrozen) {
			return nil, errs.Wrap(errs.KindConflict, "version already published", err)
		}
		return nil, err
	}
	return r.store.GetVersion(ctx, versionID)
}

// Validate diffs a version against the active version in targetEnv
func (r *Repository) Validate(ctx context.Context, workflowID, versionID string, targetEnv types.Environment) (*DiffSummary, error) {
	if !types.ValidEnvironment(targetEnv) {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown environment %q", targetEnv))
	}
	candidate, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if candidate.WorkflowID != workflowID {
		return nil, storage.ErrNotFound
	}

	var currentGraph *types.Graph
	var currentMeta map[string]string
	active, err := r.store.ActiveDeployment(ctx, workflowID, targetEnv)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if active != nil {
		current, err := r.store.GetVersion(ctx, active.VersionID)
		if err != nil {
			return nil, err
		}
		currentGraph = current.Graph
		currentMeta = current.Metadata
	}

	return Diff(currentGraph, candidate.Graph, currentMeta, candidate.Metadata), nil
}

// PromoteInput carries a promotion request
type PromoteInput struct {
	WorkflowID         string
	VersionID          string
	Target             types.Environment
	AcknowledgeBreaking bool
	DeployedBy         string
}

// Promote deploys a version to an environment, enforcing the staging
// rules: test requires a published version; production requires the
// version to be active in test unless AllowNonStagedProd is set.
// Unacknowledged breaking changes reject with a conflict.
func (r *Repository) Promote(ctx context.Context, in PromoteInput) (*types.WorkflowDeployment, error) {
	if !types.ValidEnvironment(in.Target) {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown environment %q", in.Target))
	}
	v, err := r.store.GetVersion(ctx, in.VersionID)
	if err != nil {
		return nil, err
	}
	if v.WorkflowID != in.WorkflowID {
		return nil, storage.ErrNotFound
	}

	// Re-promoting the active version is a no-op.
	active, err := r.store.ActiveDeployment(ctx, in.WorkflowID, in.Target)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if active != nil && active.VersionID == in.VersionID {
		return active, nil
	}

	switch in.Target {
	case types.EnvTest:
		if v.State != types.VersionStatePublished {
			return nil, errs.New(errs.KindValidation, "only published versions can be promoted to test")
		}
	case types.EnvProduction:
		if v.State != types.VersionStatePublished {
			return nil, errs.New(errs.KindValidation, "only published versions can be promoted to production")
		}
		if !r.AllowNonStagedProd {
			testActive, err := r.store.ActiveDeployment(ctx, in.WorkflowID, types.EnvTest)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			if testActive == nil || testActive.VersionID != in.VersionID {
				return nil, errs.New(errs.KindValidation, "version must be active in test before production promotion")
			}
		}
	}

	diff, err := r.Validate(ctx, in.WorkflowID, in.VersionID, in.Target)
	if err != nil {
		return nil, err
	}
	if diff.HasBreaking() && !in.AcknowledgeBreaking {
		return nil, errs.New(errs.KindConflict, "promotion has unacknowledged breaking changes")
	}

	d := &types.WorkflowDeployment{
		ID:          uuid.NewString(),
		WorkflowID:  in.WorkflowID,
		Environment: in.Target,
		VersionID:   in.VersionID,
		DeployedAt:  time.Now().UTC(),
		DeployedBy:  in.DeployedBy,
	}
	if err := r.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	log.WithWorkflowID(in.WorkflowID).Info().
		Str("version_id", in.VersionID).
		Str("environment", string(in.Target)).
		Msg("version promoted")
	return d, nil
}

// Rollback redeploys a previously-deployed version, linking the superseded
// active deployment through RollbackOf.
func (r *Repository) Rollback(ctx context.Context, workflowID, versionID string, env types.Environment, userID string) (*types.WorkflowDeployment, error) {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.WorkflowID != workflowID {
		return nil, storage.ErrNotFound
	}
	if v.State != types.VersionStatePublished {
		return nil, errs.New(errs.KindValidation, "only published versions can be rolled back to")
	}

	previous, err := r.store.ActiveDeployment(ctx, workflowID, env)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	d := &types.WorkflowDeployment{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Environment: env,
		VersionID:   versionID,
		DeployedAt:  time.Now().UTC(),
		DeployedBy:  userID,
	}
	if previous != nil {
		d.RollbackOf = previous.ID
	}
	if err := r.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// EnvironmentState is the active deployment and version for one environment
type EnvironmentState struct {
	ActiveDeployment *types.WorkflowDeployment `json:"activeDeployment"`
	Version          *types.WorkflowVersion    `json:"version"`
}

// History is the full version and deployment record of a workflow
type History struct {
	Versions     []*types.WorkflowVersion           `json:"versions"`
	Deployments  []*types.WorkflowDeployment        `json:"deployments"`
	Environments map[string]*EnvironmentState       `json:"environments"`
}

// VersionHistory assembles versions, deployments, and the active state
// for each environment.
func (r *Repository) VersionHistory(ctx context.Context, workflowID string) (*History, error) {
	versions, err := r.store.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	deployments, err := r.store.ListDeployments(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	versionByID := map[string]*types.WorkflowVersion{}
	for _, v := range versions {
		versionByID[v.ID] = v
	}

	envs := map[string]*EnvironmentState{}
	for _, env := range []types.Environment{types.EnvDraft, types.EnvTest, types.EnvProduction} {
		state := &EnvironmentState{}
		for _, d := range deployments {
			if d.Environment == env && d.IsActive {
				state.ActiveDeployment = d
				state.Version = versionByID[d.VersionID]
				break
			}
		}
		envs[string(env)] = state
	}

	return &History{Versions: versions, Deployments: deployments, Environments: envs}, nil
}

// ActiveVersion resolves the graph-bearing version deployed to env
func (r *Repository) ActiveVersion(ctx context.Context, workflowID string, env types.Environment) (*types.WorkflowVersion, error) {
	d, err := r.store.ActiveDeployment(ctx, workflowID, env)
	if err != nil {
		return nil, err
	}
	return r.store.GetVersion(ctx, d.VersionID)
}
