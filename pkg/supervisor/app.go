package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/camber-io/camber/pkg/admission"
	"github.com/camber-io/camber/pkg/api"
	"github.com/camber-io/camber/pkg/config"
	"github.com/camber-io/camber/pkg/connections"
	"github.com/camber-io/camber/pkg/connector"
	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/events"
	"github.com/camber-io/camber/pkg/executor"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/resume"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/triggers"
	"github.com/camber-io/camber/pkg/workflow"
)

const startupTimeout = 30 * time.Second

// Roles selects which component sets an App runs
type Roles struct {
	API    bool
	Worker bool
}

// App owns every long-lived component of the process
type App struct {
	cfg   *config.Config
	roles Roles

	store       storage.Store
	keys        *crypto.KeyService
	issuer      *crypto.TokenIssuer
	connections *connections.Service
	repo        *workflow.Repository
	queue       queue.Queue
	admission   *admission.Controller
	dispatcher  *queue.Dispatcher
	receiver    *triggers.Receiver
	polling     *triggers.Scheduler
	resume      *resume.Service
	timers      *resume.TimerDispatcher
	executor    *executor.Executor
	worker      *executor.Worker
	broker      *events.Broker
	sweeper     *storage.Sweeper
	server      *api.Server

	serverErr chan error
}

// New constructs the full dependency graph without starting anything
func New(ctx context.Context, cfg *config.Config, roles Roles) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	kms, err := openKMS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.NewKeyService(ctx, store, kms, cfg.EncryptionMasterKey)
	if err != nil {
		return nil, fmt.Errorf("init key service: %w", err)
	}

	issuer, err := crypto.NewTokenIssuer(cfg.JWTSecret, cfg.IsDevelopment())
	if err != nil {
		return nil, err
	}

	invoker := connector.NewBreakerInvoker(connector.NewHTTPInvoker(cfg.ConnectorGatewayURL))

	connPersistence, err := openConnectionStore(cfg, store)
	if err != nil {
		return nil, err
	}
	conns := connections.NewService(connPersistence, store, keys, invoker)

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	adm := admission.NewController(store)
	dispatcher := queue.NewDispatcher(store, q, adm)
	repo := workflow.NewRepository(store)
	resumeSvc := resume.NewService(store, dispatcher, issuer, cfg.ServerPublicURL)
	broker := events.NewBroker()

	app := &App{
		cfg:         cfg,
		roles:       roles,
		store:       store,
		keys:        keys,
		issuer:      issuer,
		connections: conns,
		repo:        repo,
		queue:       q,
		admission:   adm,
		dispatcher:  dispatcher,
		resume:      resumeSvc,
		broker:      broker,
		serverErr:   make(chan error, 1),
	}

	if roles.API {
		app.receiver = triggers.NewReceiver(store, dispatcher)
		app.polling = triggers.NewScheduler(store, dispatcher, invoker, conns)
		app.sweeper = storage.NewSweeper(store, cfg.WebhookDedupeTTL)
		app.server = api.NewServer(api.ServerConfig{
			Store:       store,
			Repo:        repo,
			Dispatcher:  dispatcher,
			Queue:       q,
			Receiver:    app.receiver,
			Resume:      resumeSvc,
			Connections: conns,
			Issuer:      issuer,
			Broker:      broker,
		})
	}

	if roles.Worker {
		exec := executor.NewExecutor(store, repo, invoker, conns, resumeSvc, adm)
		exec.SetEventBroker(broker)
		app.executor = exec
		app.worker = executor.NewWorker(q, exec)
		app.timers = resume.NewTimerDispatcher(store, dispatcher)
		app.timers.SetTick(cfg.TimerTick)
	}

	return app, nil
}

// Start verifies dependencies and brings components up in order
func (a *App) Start(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := a.store.Ping(checkCtx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	metrics.RegisterComponent("store", true, "connected")

	stats, err := a.queue.Stats(checkCtx)
	if err != nil {
		return fmt.Errorf("queue unreachable: %w", err)
	}
	if a.cfg.IsProduction() && !stats.Durable {
		return &config.ConfigError{Msg: "production requires a durable queue driver"}
	}
	metrics.RegisterComponent("queue", true, stats.Driver)

	critical := []string{"store", "queue"}

	a.broker.Start()

	if a.roles.API {
		if err := a.receiver.Load(checkCtx); err != nil {
			return fmt.Errorf("load webhook cache: %w", err)
		}
		if err := a.polling.Start(checkCtx); err != nil {
			return fmt.Errorf("start polling scheduler: %w", err)
		}
		if err := a.sweeper.Start(); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		go func() {
			a.serverErr <- a.server.Start(a.cfg.ServerAddr)
		}()
	}

	if a.roles.Worker {
		a.worker.Start(a.cfg.WorkerCount)
		a.timers.Start()
		critical = append(critical, "worker")
	}

	metrics.SetCriticalComponents(critical...)
	log.WithComponent("supervisor").Info().
		Bool("api", a.roles.API).
		Bool("worker", a.roles.Worker).
		Str("queue_driver", stats.Driver).
		Msg("process started")
	return nil
}

// Wait blocks until the context ends or the HTTP listener fails
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.serverErr:
		return err
	}
}

// Stop shuts components down in reverse dependency order
func (a *App) Stop() {
	if a.roles.API {
		if err := a.server.Stop(); err != nil {
			log.WithComponent("supervisor").Error().Err(err).Msg("http shutdown failed")
		}
		a.polling.Stop()
		a.sweeper.Stop()
	}
	if a.roles.Worker {
		a.timers.Stop()
		a.worker.Stop()
	}
	a.broker.Stop()
	if err := a.queue.Close(); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("queue close failed")
	}
	if err := a.store.Close(); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("store close failed")
	}
	log.WithComponent("supervisor").Info().Msg("process stopped")
}

// Store exposes the persistence layer, used by migration commands
func (a *App) Store() storage.Store { return a.store }

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		if cfg.IsProduction() {
			return nil, &config.ConfigError{Msg: "DATABASE_URL is required in production"}
		}
		log.WithComponent("supervisor").Warn().Msg("DATABASE_URL unset, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(cfg.DatabaseURL)
}

func openKMS(ctx context.Context, cfg *config.Config) (crypto.KMS, error) {
	switch cfg.KMSProvider {
	case config.KMSProviderAWS:
		return crypto.NewAWSKMS(ctx)
	case config.KMSProviderLocal:
		if cfg.EncryptionMasterKey == "" {
			// The key service falls back to its own local handling.
			return nil, nil
		}
		return crypto.NewLocalKMSFromSecret(cfg.EncryptionMasterKey)
	default:
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unsupported KMS_PROVIDER %q", cfg.KMSProvider)}
	}
}

func openConnectionStore(cfg *config.Config, store storage.Store) (connections.Persistence, error) {
	if cfg.AllowFileConnectionStore && cfg.ConnectionStorePath != "" {
		return connections.NewFileStore(cfg.ConnectionStorePath, true, cfg.IsProduction())
	}
	return store, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverDurable:
		return queue.NewRedisQueue(ctx, cfg.RedisAddr(), cfg.QueueRedisDB)
	case config.QueueDriverInMemory:
		return queue.NewMemoryQueue(), nil
	case config.QueueDriverMock:
		return queue.NewMockDurableQueue(), nil
	default:
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)}
	}
}
