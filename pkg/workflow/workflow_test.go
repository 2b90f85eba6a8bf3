package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

func graphWith(nodes []*types.Node, edges []*types.Edge) *types.Graph {
	return &types.Graph{Nodes: nodes, Edges: edges}
}

func linearGraph() *types.Graph {
	return graphWith(
		[]*types.Node{
			{ID: "t", Type: types.NodeTypeTrigger, App: "webhook", Op: "receive"},
			{ID: "a", Type: types.NodeTypeAction, App: "slack", Op: "post", Params: map[string]any{"channel": "#ops"}},
			{ID: "b", Type: types.NodeTypeAction, App: "openai", Op: "complete"},
		},
		[]*types.Edge{
			{ID: "e1", From: "t", To: "a"},
			{ID: "e2", From: "a", To: "b"},
		},
	)
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name    string
		graph   *types.Graph
		wantErr string
	}{
		{
			name:  "valid linear graph",
			graph: linearGraph(),
		},
		{
			name:    "empty graph",
			graph:   &types.Graph{},
			wantErr: "at least one node",
		},
		{
			name: "duplicate node ids",
			graph: graphWith([]*types.Node{
				{ID: "t", Type: types.NodeTypeTrigger},
				{ID: "t", Type: types.NodeTypeAction},
			}, nil),
			wantErr: "duplicate node id",
		},
		{
			name: "no trigger",
			graph: graphWith([]*types.Node{
				{ID: "a", Type: types.NodeTypeAction},
			}, nil),
			wantErr: "exactly one trigger",
		},
		{
			name: "two triggers",
			graph: graphWith([]*types.Node{
				{ID: "t1", Type: types.NodeTypeTrigger},
				{ID: "t2", Type: types.NodeTypeTrigger},
			}, nil),
			wantErr: "exactly one trigger",
		},
		{
			name: "self loop",
			graph: graphWith([]*types.Node{
				{ID: "t", Type: types.NodeTypeTrigger},
				{ID: "a", Type: types.NodeTypeAction},
			}, []*types.Edge{{From: "a", To: "a"}}),
			wantErr: "self-loop",
		},
		{
			name: "edge to unknown node",
			graph: graphWith([]*types.Node{
				{ID: "t", Type: types.NodeTypeTrigger},
			}, []*types.Edge{{From: "t", To: "ghost"}}),
			wantErr: "unknown node",
		},
		{
			name: "cycle",
			graph: graphWith([]*types.Node{
				{ID: "t", Type: types.NodeTypeTrigger},
				{ID: "a", Type: types.NodeTypeAction},
				{ID: "b", Type: types.NodeTypeAction},
			}, []*types.Edge{
				{From: "t", To: "a"},
				{From: "a", To: "b"},
				{From: "b", To: "a"},
			}),
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(tt.graph)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	// Diamond: t -> (a, b) -> c. Lexicographic tie-break puts a before b.
	g := graphWith(
		[]*types.Node{
			{ID: "t", Type: types.NodeTypeTrigger},
			{ID: "b", Type: types.NodeTypeAction},
			{ID: "a", Type: types.NodeTypeAction},
			{ID: "c", Type: types.NodeTypeAction},
		},
		[]*types.Edge{
			{From: "t", To: "a"},
			{From: "t", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "c"},
		},
	)
	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "a", "b", "c"}, order)
}

func TestDiffSummary(t *testing.T) {
	a := linearGraph()
	b := graphWith(
		[]*types.Node{
			{ID: "t", Type: types.NodeTypeTrigger, App: "webhook", Op: "receive"},
			{ID: "a", Type: types.NodeTypeAction, App: "slack", Op: "post_v2", Params: map[string]any{"channel": "#ops"}},
			{ID: "c", Type: types.NodeTypeAction, App: "gmail", Op: "send"},
		},
		[]*types.Edge{
			{ID: "e1", From: "t", To: "a"},
			{ID: "e3", From: "a", To: "c"},
		},
	)

	d := Diff(a, b, nil, map[string]string{"note": "v2"})
	assert.Equal(t, []string{"c"}, d.AddedNodes)
	assert.Equal(t, []string{"b"}, d.RemovedNodes)
	assert.Equal(t, []string{"a"}, d.ModifiedNodes)
	assert.Equal(t, []string{"e3"}, d.AddedEdges)
	assert.Equal(t, []string{"e2"}, d.RemovedEdges)
	assert.True(t, d.MetadataChanged)
	assert.True(t, d.HasBreaking())

	byNode := map[string]BreakingCategory{}
	for _, bc := range d.BreakingChanges {
		byNode[bc.NodeID] = bc.Category
	}
	assert.Equal(t, BreakingOp, byNode["a"], "op change on node a")
	assert.Equal(t, BreakingOp, byNode["b"], "node b removed")
}

func TestBreakingClassification(t *testing.T) {
	base := func() *types.Node {
		return &types.Node{
			ID: "n", Type: types.NodeTypeAction, App: "slack", Op: "post",
			Params:       map[string]any{"channel": "#ops", "note": nil},
			ConnectionID: "conn-1",
		}
	}

	tests := []struct {
		name   string
		mutate func(n *types.Node)
		want   []BreakingCategory
	}{
		{
			name:   "op change",
			mutate: func(n *types.Node) { n.Op = "post_v2" },
			want:   []BreakingCategory{BreakingOp},
		},
		{
			name:   "required parameter removed",
			mutate: func(n *types.Node) { delete(n.Params, "channel") },
			want:   []BreakingCategory{BreakingParams},
		},
		{
			name:   "unset parameter removed is compatible",
			mutate: func(n *types.Node) { delete(n.Params, "note") },
			want:   nil,
		},
		{
			name: "params dropped with the op are subsumed",
			mutate: func(n *types.Node) {
				n.Op = "post_v2"
				delete(n.Params, "channel")
			},
			want: []BreakingCategory{BreakingOp},
		},
		{
			name:   "connection swap within the same provider is compatible",
			mutate: func(n *types.Node) { n.ConnectionID = "conn-2" },
			want:   nil,
		},
		{
			name: "connection moved to a different provider",
			mutate: func(n *types.Node) {
				n.App = "discord"
				n.ConnectionID = "conn-2"
			},
			want: []BreakingCategory{BreakingConnection},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldNode, newNode := base(), base()
			tt.mutate(newNode)
			changes := breakingForNode(oldNode, newNode)
			var got []BreakingCategory
			for _, bc := range changes {
				got = append(got, bc.Category)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiffIdenticalGraphsIsEmpty(t *testing.T) {
	d := Diff(linearGraph(), linearGraph(), nil, nil)
	assert.Empty(t, d.AddedNodes)
	assert.Empty(t, d.RemovedNodes)
	assert.Empty(t, d.ModifiedNodes)
	assert.Empty(t, d.AddedEdges)
	assert.Empty(t, d.RemovedEdges)
	assert.False(t, d.MetadataChanged)
	assert.False(t, d.HasBreaking())
}

func TestDiffEdgeFallbackKey(t *testing.T) {
	// Edges without ids compare by (from,to).
	a := graphWith(
		[]*types.Node{
			{ID: "t", Type: types.NodeTypeTrigger},
			{ID: "a", Type: types.NodeTypeAction},
		},
		[]*types.Edge{{From: "t", To: "a"}},
	)
	b := graphWith(a.Nodes, []*types.Edge{{From: "t", To: "a"}})
	d := Diff(a, b, nil, nil)
	assert.Empty(t, d.AddedEdges)
	assert.Empty(t, d.RemovedEdges)
}

func newRepo(t *testing.T) (*Repository, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(context.Background(), &types.Organization{
		ID: "org-1", Name: "acme", Status: types.OrgStatusActive,
		Plan:      &types.PlanLimits{MaxWorkflows: 10},
		Usage:     &types.UsageCounters{},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	return NewRepository(store), store
}

func publishDraft(t *testing.T, repo *Repository, workflowID string, g *types.Graph) *types.WorkflowVersion {
	t.Helper()
	ctx := context.Background()
	v, err := repo.CreateDraft(ctx, workflowID, "user-1", g, nil)
	require.NoError(t, err)
	published, err := repo.Publish(ctx, v.ID, "user-1")
	require.NoError(t, err)
	return published
}

func TestPromotionStagingRules(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	wf, err := repo.Create(ctx, "org-1", "user-1", "order-flow", "", linearGraph())
	require.NoError(t, err)

	draft, err := repo.CreateDraft(ctx, wf.ID, "user-1", linearGraph(), nil)
	require.NoError(t, err)

	// Draft versions cannot be promoted to test.
	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: draft.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.Error(t, err)

	published, err := repo.Publish(ctx, draft.ID, "user-1")
	require.NoError(t, err)

	// Production before test is refused.
	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: published.ID, Target: types.EnvProduction, DeployedBy: "user-1",
	})
	require.Error(t, err)

	// Through test, then production.
	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: published.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.NoError(t, err)
	d, err := repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: published.ID, Target: types.EnvProduction, DeployedBy: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EnvProduction, d.Environment)
}

func TestPromoteSameVersionIsNoOp(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t)

	wf, err := repo.Create(ctx, "org-1", "user-1", "flow", "", linearGraph())
	require.NoError(t, err)
	v := publishDraft(t, repo, wf.ID, linearGraph())

	d1, err := repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.NoError(t, err)

	d2, err := repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)

	deployments, err := store.ListDeployments(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, deployments, 1)
}

func TestPromotionAllowNonStagedProd(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	repo.AllowNonStagedProd = true

	wf, err := repo.Create(ctx, "org-1", "user-1", "flow", "", linearGraph())
	require.NoError(t, err)
	v := publishDraft(t, repo, wf.ID, linearGraph())

	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v.ID, Target: types.EnvProduction, DeployedBy: "user-1",
	})
	assert.NoError(t, err)
}

func TestPromotionBreakingRequiresAck(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	repo.AllowNonStagedProd = true

	wf, err := repo.Create(ctx, "org-1", "user-1", "flow", "", linearGraph())
	require.NoError(t, err)

	v1 := publishDraft(t, repo, wf.ID, linearGraph())
	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v1.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.NoError(t, err)

	// v2 drops node b: breaking against the active test deployment.
	v2 := publishDraft(t, repo, wf.ID, graphWith(
		[]*types.Node{
			{ID: "t", Type: types.NodeTypeTrigger, App: "webhook", Op: "receive"},
			{ID: "a", Type: types.NodeTypeAction, App: "slack", Op: "post", Params: map[string]any{"channel": "#ops"}},
		},
		[]*types.Edge{{ID: "e1", From: "t", To: "a"}},
	))

	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v2.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v2.ID, Target: types.EnvTest,
		AcknowledgeBreaking: true, DeployedBy: "user-1",
	})
	assert.NoError(t, err)
}

func TestRollbackLinksPreviousDeployment(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	repo.AllowNonStagedProd = true

	wf, err := repo.Create(ctx, "org-1", "user-1", "flow", "", linearGraph())
	require.NoError(t, err)

	v1 := publishDraft(t, repo, wf.ID, linearGraph())
	d1, err := repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v1.ID, Target: types.EnvProduction, DeployedBy: "user-1",
	})
	require.NoError(t, err)

	v2 := publishDraft(t, repo, wf.ID, linearGraph())
	d2, err := repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v2.ID, Target: types.EnvProduction,
		AcknowledgeBreaking: true, DeployedBy: "user-1",
	})
	require.NoError(t, err)
	require.NotEqual(t, d1.ID, d2.ID)

	rb, err := repo.Rollback(ctx, wf.ID, v1.ID, types.EnvProduction, "user-1")
	require.NoError(t, err)
	assert.Equal(t, d2.ID, rb.RollbackOf)

	active, err := repo.ActiveVersion(ctx, wf.ID, types.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)
}

func TestVersionHistoryShape(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	repo.AllowNonStagedProd = true

	wf, err := repo.Create(ctx, "org-1", "user-1", "flow", "", linearGraph())
	require.NoError(t, err)
	v := publishDraft(t, repo, wf.ID, linearGraph())
	_, err = repo.Promote(ctx, PromoteInput{
		WorkflowID: wf.ID, VersionID: v.ID, Target: types.EnvTest, DeployedBy: "user-1",
	})
	require.NoError(t, err)

	h, err := repo.VersionHistory(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, h.Versions, 1)
	assert.Len(t, h.Deployments, 1)
	require.Contains(t, h.Environments, "test")
	require.NotNil(t, h.Environments["test"].ActiveDeployment)
	assert.Equal(t, v.ID, h.Environments["test"].Version.ID)
	assert.Nil(t, h.Environments["production"].ActiveDeployment)
}

func TestWorkflowQuota(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(ctx, &types.Organization{
		ID: "org-1", Status: types.OrgStatusActive,
		Plan: &types.PlanLimits{MaxWorkflows: 1}, Usage: &types.UsageCounters{},
	}))
	repo := NewRepository(store)

	_, err := repo.Create(ctx, "org-1", "user-1", "first", "", linearGraph())
	require.NoError(t, err)

	_, err = repo.Create(ctx, "org-1", "user-1", "second", "", linearGraph())
	require.Error(t, err)
	assert.Equal(t, errs.KindQuotaExceeded, errs.KindOf(err))
}
