package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/types"
)

func TestSweepDedupeHonorsTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.InsertWebhookDedupe(ctx, &types.WebhookDedupe{
		TriggerID: "trig-1", Token: "old", CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.InsertWebhookDedupe(ctx, &types.WebhookDedupe{
		TriggerID: "trig-1", Token: "fresh", CreatedAt: now.Add(-time.Hour),
	}))

	sw := NewSweeper(store, 24*time.Hour)
	sw.now = func() time.Time { return now }
	sw.SweepDedupe()

	// The fresh token still blocks replays, the old one is gone.
	err := store.InsertWebhookDedupe(ctx, &types.WebhookDedupe{
		TriggerID: "trig-1", Token: "fresh", CreatedAt: now,
	})
	assert.ErrorIs(t, err, ErrDedupeConflict)
	assert.NoError(t, store.InsertWebhookDedupe(ctx, &types.WebhookDedupe{
		TriggerID: "trig-1", Token: "old", CreatedAt: now,
	}))
}

func TestSweepNodeResultsDropsExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.PutNodeResult(ctx, &types.NodeExecutionResult{
		ExecutionID: "exec-1", NodeID: "a", IdempotencyKey: "k1",
		ResultHash: "h1", ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, store.PutNodeResult(ctx, &types.NodeExecutionResult{
		ExecutionID: "exec-1", NodeID: "b", IdempotencyKey: "k2",
		ResultHash: "h2", ExpiresAt: now.Add(time.Hour),
	}))

	sw := NewSweeper(store, 0)
	sw.now = func() time.Time { return now }
	sw.SweepNodeResults()

	_, err := store.GetNodeResult(ctx, "exec-1", "a", "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	kept, err := store.GetNodeResult(ctx, "exec-1", "b", "k2")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "h2", kept.ResultHash)
}

func TestNewSweeperDefaultsTTL(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), 0)
	assert.Equal(t, defaultDedupeTTL, sw.dedupeTTL)
}
