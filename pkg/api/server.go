package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/camber-io/camber/pkg/connections"
	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/events"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/resume"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/triggers"
	"github.com/camber-io/camber/pkg/workflow"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	shutdownTimeout = 15 * time.Second
)

var validate = validator.New()

// Server is the HTTP front of the platform
type Server struct {
	store       storage.Store
	repo        *workflow.Repository
	dispatcher  *queue.Dispatcher
	queue       queue.Queue
	receiver    *triggers.Receiver
	resume      *resume.Service
	connections *connections.Service
	issuer      *crypto.TokenIssuer
	broker      *events.Broker

	httpServer *http.Server
}

// ServerConfig collects the dependencies of the HTTP server
type ServerConfig struct {
	Store       storage.Store
	Repo        *workflow.Repository
	Dispatcher  *queue.Dispatcher
	Queue       queue.Queue
	Receiver    *triggers.Receiver
	Resume      *resume.Service
	Connections *connections.Service
	Issuer      *crypto.TokenIssuer
	Broker      *events.Broker
}

// NewServer builds the HTTP server and its routes
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store:       cfg.Store,
		repo:        cfg.Repo,
		dispatcher:  cfg.Dispatcher,
		queue:       cfg.Queue,
		receiver:    cfg.Receiver,
		resume:      cfg.Resume,
		connections: cfg.Connections,
		issuer:      cfg.Issuer,
		broker:      cfg.Broker,
	}
	return s
}

// Router assembles the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Operations surface; no auth so probes and scrapers work
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/health/queue", s.handleQueueHeartbeat)
	r.Get("/api/production/ready", metrics.ReadyHandler())
	r.Get("/api/production/queue/heartbeat", s.handleQueueHeartbeat)
	r.Handle("/metrics", metrics.Handler())

	// Ingestion surface; authenticated by signatures, not JWT
	r.Post("/api/webhooks/{webhookID}", s.handleWebhook)
	r.Get("/api/runs/{executionID}/nodes/{nodeID}/resume", s.handleResume)
	r.Post("/api/runs/{executionID}/nodes/{nodeID}/resume", s.handleResume)

	// Control surface
	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.issuer))

		r.Get("/api/workflows", s.handleListWorkflows)
		r.Post("/api/workflows", s.handleCreateWorkflow)
		r.Get("/api/workflows/{workflowID}/versions", s.handleVersionHistory)
		r.Post("/api/workflows/{workflowID}/versions/{versionID}/validate", s.handleValidateVersion)
		r.Post("/api/workflows/{workflowID}/versions/{versionID}/promote", s.handlePromoteVersion)
		r.Post("/api/workflows/{workflowID}/webhooks", s.handleRegisterWebhook)

		r.Post("/api/executions", s.handleCreateExecution)
		r.Get("/api/executions", s.handleListExecutions)
		r.Get("/api/executions/{executionID}", s.handleGetExecution)
		r.Post("/api/executions/{executionID}/cancel", s.handleCancelExecution)
		r.Post("/api/executions/{executionID}/retry", s.handleRetryExecution)
		r.Post("/api/executions/{executionID}/nodes/{nodeID}/retry", s.handleRetryNode)

		r.Get("/api/connections", s.handleListConnections)
		r.Post("/api/connections", s.handleCreateConnection)
		r.Post("/api/connections/{connectionID}/test", s.handleTestConnection)
		r.Delete("/api/connections/{connectionID}", s.handleDeleteConnection)
		r.Post("/api/connections/oauth", s.handleStoreOAuth)
		r.Get("/api/connections/export", s.handleExportConnections)
		r.Post("/api/connections/import", s.handleImportConnections)

		r.Get("/api/organizations/{organizationID}/usage", s.handleOrganizationUsage)

		r.Get("/api/events", s.handleEventStream)
	})

	return r
}

// Start runs the HTTP server until the listener fails or Stop is called
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the server down
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
