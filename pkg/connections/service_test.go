package connections

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/redact"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

const testMasterKey = "test-master-key-0123456789abcdef-0123"

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	keys, err := crypto.NewKeyService(context.Background(), store, nil, testMasterKey)
	require.NoError(t, err)
	return NewService(store, store, keys, nil), store
}

func TestCreateAndDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	creds := map[string]any{"apiKey": "sk-secret-value", "region": "us-east-1"}
	c, err := svc.Create(ctx, CreateInput{
		OrganizationID: "org-1", UserID: "user-1",
		Provider: "openai", Type: "api_key", Name: "prod key",
		Credentials: creds,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.EncryptedCredentials)
	assert.Len(t, c.IV, 12)
	assert.NotContains(t, string(c.EncryptedCredentials), "sk-secret-value")

	got, err := svc.Credentials(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	// Create emits a write audit, Credentials emits a read audit.
	events := store.SecretAccessLog()
	require.Len(t, events, 2)
	assert.Equal(t, types.SecretAccessWrite, events[0].Type)
	assert.Equal(t, types.SecretAccessRead, events[1].Type)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, CreateInput{OrganizationID: "org-1", UserID: "user-1",
		Credentials: map[string]any{"k": "v"}})
	assert.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{OrganizationID: "org-1", UserID: "user-1",
		Provider: "slack"})
	assert.Error(t, err)
}

func TestUpdateReencryptsAndResetsTestStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	c, err := svc.Create(ctx, CreateInput{
		OrganizationID: "org-1", UserID: "user-1", Provider: "slack",
		Name: "bot", Credentials: map[string]any{"accessToken": "xoxb-old"},
	})
	require.NoError(t, err)

	// Simulate a prior successful probe.
	now := time.Now()
	c.TestStatus = "ok"
	c.LastTested = &now
	require.NoError(t, svc.conns.UpdateConnection(ctx, c))

	updated, err := svc.Update(ctx, "org-1", c.ID, UpdateInput{
		Credentials: map[string]any{"accessToken": "xoxb-new"},
	})
	require.NoError(t, err)
	assert.Empty(t, updated.TestStatus)
	assert.Nil(t, updated.LastTested)

	got, err := svc.Credentials(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-new", got["accessToken"])
}

func TestSoftDeleteHidesConnection(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	c, err := svc.Create(ctx, CreateInput{
		OrganizationID: "org-1", UserID: "user-1", Provider: "openai",
		Credentials: map[string]any{"apiKey": "sk-1"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.SoftDelete(ctx, "org-1", c.ID))

	list, err := svc.List(ctx, "org-1", "user-1", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	// The row still exists; deletion is logical.
	got, err := svc.Get(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestExportMasksCredentials(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, CreateInput{
		OrganizationID: "org-1", UserID: "user-1", Provider: "openai",
		Name: "k", Credentials: map[string]any{"apiKey": "sk-secret"},
	})
	require.NoError(t, err)

	exported, err := svc.Export(ctx, "org-1", "user-1")
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, redact.Mask, exported[0].Credentials["apiKey"])
}

func TestImportCreatesConnections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	n, err := svc.Import(ctx, "org-1", "user-1", []ImportInput{
		{Provider: "openai", Name: "a", Credentials: map[string]any{"apiKey": "sk-a"}},
		{Provider: "slack", Name: "b", Credentials: map[string]any{"accessToken": "xoxb-b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := svc.List(ctx, "org-1", "user-1", "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStoreOAuthUpserts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.StoreOAuth(ctx, "org-1", "user-1", "slack", map[string]any{"accessToken": "t1"})
	require.NoError(t, err)

	second, err := svc.StoreOAuth(ctx, "org-1", "user-1", "slack", map[string]any{"accessToken": "t2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := svc.Credentials(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "t2", got["accessToken"])
}

func TestScopedTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	raw, tok, err := svc.IssueScopedToken(ctx, "step", "step-1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.NotEqual(t, raw, tok.TokenHash)

	consumed, err := svc.ConsumeScopedToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, consumed.ID)
	assert.NotNil(t, consumed.UsedAt)

	_, err = svc.ConsumeScopedToken(ctx, raw)
	assert.Error(t, err)

	_, err = svc.ConsumeScopedToken(ctx, "bogus-token")
	assert.Error(t, err)
}

func TestFileStoreGating(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileStore(filepath.Join(dir, "conns.db"), true, true)
	assert.Error(t, err, "production must refuse the file store")

	_, err = NewFileStore(filepath.Join(dir, "conns.db"), false, false)
	assert.Error(t, err, "file store requires the explicit opt-in")

	fs, err := NewFileStore(filepath.Join(dir, "conns.db"), true, false)
	require.NoError(t, err)
	defer fs.Close()

	ctx := context.Background()
	c := &types.Connection{
		ID: "c-1", OrganizationID: "org-1", UserID: "user-1", Provider: "openai",
		EncryptedCredentials: []byte("ciphertext"), IV: []byte("0123456789ab"),
		IsActive: true, CreatedAt: time.Now(),
	}
	require.NoError(t, fs.CreateConnection(ctx, c))

	got, err := fs.GetConnection(ctx, "org-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, c.Provider, got.Provider)

	// Cross-tenant reads come back as not found.
	_, err = fs.GetConnection(ctx, "org-2", "c-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
