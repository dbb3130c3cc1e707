// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

// Service interfaces for dependency injection and testing

// BatchServiceInterface defines the batch anchoring operations
type BatchServiceInterface interface {
	CreateBatch(ctx context.Context, req *service.CreateBatchRequest) (*service.BatchResult, error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error)
	ReconcileBatch(ctx context.Context, batchID string) (*service.BatchResult, error)
	VerifyBatchAnchor(ctx context.Context, batchID string) (*service.BatchVerification, error)
	RegisterLegacyTag(ctx context.Context, req *service.RegisterLegacyRequest) (*models.Tag, error)
}

// TagServiceInterface defines tag lifecycle operations
type TagServiceInterface interface {
	GetTag(ctx context.Context, tagCode string) (*models.Tag, error)
	ListTags(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error)
	GetProof(ctx context.Context, tagCode string) (*service.ProofView, error)
	VerifyProof(ctx context.Context, tagCode string, onChain bool) (*service.ProofVerification, error)
	Assemble(ctx context.Context, tagCode string) (*service.TransitionResult, error)
	MoveToInventory(ctx context.Context, tagCode string) (*service.TransitionResult, error)
	SetDisposition(ctx context.Context, tagCode string, to types.TagStatus) (*service.TransitionResult, error)
	UpdateMetadata(ctx context.Context, tagCode string, metadata json.RawMessage) (*service.MetadataResult, error)
	Events(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error)
	Outbox(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error)
}

// MintServiceInterface defines attach and retry
type MintServiceInterface interface {
	Attach(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error)
	Retry(ctx context.Context, req *service.AttachRequest) (*service.AttachResult, error)
}

// ReconcileServiceInterface defines tag reconciliation
type ReconcileServiceInterface interface {
	Reconcile(ctx context.Context, tagCode string) (*service.ReconcileResult, error)
}

// Server represents the HTTP API server.
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	batchService     BatchServiceInterface
	tagService       TagServiceInterface
	mintService      MintServiceInterface
	reconcileService ReconcileServiceInterface
	config           *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int // per client, 0 disables rate limiting
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	batchService BatchServiceInterface,
	tagService TagServiceInterface,
	mintService MintServiceInterface,
	reconcileService ReconcileServiceInterface,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		batchService:     batchService,
		tagService:       tagService,
		mintService:      mintService,
		reconcileService: reconcileService,
		config:           config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond)))
	}
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Batch endpoints
	api.HandleFunc("/batches", s.handleCreateBatch).Methods("POST")
	api.HandleFunc("/batches", s.handleListBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/reconcile", s.handleReconcileBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/verify", s.handleVerifyBatch).Methods("GET")

	// Tag endpoints
	api.HandleFunc("/tags", s.handleListTags).Methods("GET")
	api.HandleFunc("/tags", s.handleRegisterLegacyTag).Methods("POST")
	api.HandleFunc("/tags/{code}", s.handleGetTag).Methods("GET")
	api.HandleFunc("/tags/{code}/proof", s.handleGetProof).Methods("GET")
	api.HandleFunc("/tags/{code}/verify", s.handleVerifyProof).Methods("POST")
	api.HandleFunc("/tags/{code}/assemble", s.handleAssemble).Methods("POST")
	api.HandleFunc("/tags/{code}/inventory", s.handleInventory).Methods("POST")
	api.HandleFunc("/tags/{code}/disposition", s.handleDisposition).Methods("POST")
	api.HandleFunc("/tags/{code}/attach", s.handleAttach).Methods("POST")
	api.HandleFunc("/tags/{code}/retry", s.handleRetry).Methods("POST")
	api.HandleFunc("/tags/{code}/reconcile", s.handleReconcileTag).Methods("POST")
	api.HandleFunc("/tags/{code}/metadata", s.handleUpdateMetadata).Methods("PUT")
	api.HandleFunc("/tags/{code}/events", s.handleTagEvents).Methods("GET")
	api.HandleFunc("/tags/{code}/outbox", s.handleTagOutbox).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "tag-anchor",
	})
}

// Handler exposes the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
