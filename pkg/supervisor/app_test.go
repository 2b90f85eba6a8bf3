package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/config"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/types"
)

func devConfig() *config.Config {
	return &config.Config{
		Environment:         "development",
		KMSProvider:         config.KMSProviderLocal,
		QueueDriver:         config.QueueDriverInMemory,
		ServerAddr:          "127.0.0.1:0",
		ServerPublicURL:     "http://localhost:8080",
		ConnectorGatewayURL: "http://localhost:9090",
		EncryptionMasterKey: "0123456789abcdef0123456789abcdef",
		JWTSecret:           "supervisor-test-secret",
		WebhookDedupeTTL:    24 * time.Hour,
		TimerTick:           time.Second,
		WorkerCount:         1,
		LogLevel:            "error",
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := devConfig()
	cfg.QueueDriver = "carrier-pigeon"

	_, err := New(context.Background(), cfg, Roles{API: true})
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewRejectsInMemoryQueueInProduction(t *testing.T) {
	cfg := devConfig()
	cfg.Environment = "production"
	cfg.DatabaseURL = "postgres://localhost/camber"

	_, err := New(context.Background(), cfg, Roles{API: true})
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestMasterKeyLongerThan32CharsAccepted(t *testing.T) {
	cfg := devConfig()
	cfg.EncryptionMasterKey = "0123456789abcdef0123456789abcdef01234567"

	require.NoError(t, cfg.Validate())
	_, err := New(context.Background(), cfg, Roles{API: true})
	require.NoError(t, err)
}

func TestAppStartsAndStops(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, devConfig(), Roles{API: true, Worker: true})
	require.NoError(t, err)

	// Seed an organization so trigger loading has data to walk.
	require.NoError(t, app.Store().CreateOrganization(ctx, &types.Organization{
		ID: "org-1", Name: "Test", Status: types.OrgStatusActive, Usage: &types.UsageCounters{},
	}))

	require.NoError(t, app.Start(ctx))
	defer app.Stop()

	require.Eventually(t, func() bool {
		return metrics.GetReadiness().Status == "ready"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWorkerOnlyRoleSkipsHTTP(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, devConfig(), Roles{Worker: true})
	require.NoError(t, err)
	assert.Nil(t, app.server)
	assert.Nil(t, app.receiver)
	assert.NotNil(t, app.worker)
	assert.NotNil(t, app.timers)

	require.NoError(t, app.Start(ctx))
	app.Stop()
}
