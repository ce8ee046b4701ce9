package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/config"
	"github.com/agentpay-dev/agentpay/internal/conversation"
	"github.com/agentpay-dev/agentpay/internal/directory"
	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/payments"
	"github.com/agentpay-dev/agentpay/internal/ratelimit"
	"github.com/agentpay-dev/agentpay/internal/reconciler"
	"github.com/agentpay-dev/agentpay/internal/registry"
	"github.com/agentpay-dev/agentpay/internal/storage"
)

// Server is the HTTP API server.
type Server struct {
	cfg        config.Config
	db         *storage.DB
	directory  *directory.Directory
	registry   *registry.Registry
	engine     *conversation.Engine
	payments   *payments.Service
	reconciler *reconciler.Reconciler
	jwtMgr     *auth.JWTManager
	limiter    ratelimit.Limiter
	logger     *slog.Logger

	// adminKeyHash is the Argon2id hash of the admin API key, computed at
	// startup. Empty when no admin key is configured.
	adminKeyHash string

	httpServer *http.Server
}

// Deps bundles the service dependencies the server routes to.
type Deps struct {
	DB         *storage.DB
	Directory  *directory.Directory
	Registry   *registry.Registry
	Engine     *conversation.Engine
	Payments   *payments.Service
	Reconciler *reconciler.Reconciler
	JWTManager *auth.JWTManager
	Limiter    ratelimit.Limiter
	Logger     *slog.Logger
}

// New creates a Server with all routes registered.
func New(cfg config.Config, deps Deps) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		db:         deps.DB,
		directory:  deps.Directory,
		registry:   deps.Registry,
		engine:     deps.Engine,
		payments:   deps.Payments,
		reconciler: deps.Reconciler,
		jwtMgr:     deps.JWTManager,
		limiter:    deps.Limiter,
		logger:     deps.Logger,
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NoopLimiter{}
	}

	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAdminKey(cfg.AdminAPIKey)
		if err != nil {
			return nil, fmt.Errorf("server: hash admin key: %w", err)
		}
		s.adminKeyHash = hash
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// routes builds the full handler chain and route table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleIssueToken)

	// Registration is open; everything else an agent does is signed.
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)

	signed := func(h http.HandlerFunc) http.Handler { return s.agentAuth(h) }
	mux.Handle("GET /v1/agents", signed(s.handleListAgents))
	mux.Handle("GET /v1/agents/{id}", signed(s.handleGetAgent))
	mux.Handle("POST /v1/agents/{id}/heartbeat", signed(s.handleHeartbeat))

	mux.Handle("POST /v1/grants", signed(s.handleCreateGrant))
	mux.Handle("GET /v1/grants", signed(s.handleListGrants))
	mux.Handle("GET /v1/grants/{id}", signed(s.handleGetGrant))
	mux.Handle("POST /v1/grants/{id}/revoke", signed(s.handleRevokeGrant))

	mux.Handle("POST /v1/conversations", signed(s.handleInitiateConversation))
	mux.Handle("GET /v1/conversations/{id}", signed(s.handleGetConversation))
	mux.Handle("GET /v1/conversations/{id}/messages", signed(s.handleListMessages))
	mux.Handle("POST /v1/conversations/{id}/messages", signed(s.handlePostMessage))
	mux.Handle("POST /v1/conversations/{id}/complete", signed(s.handleCompleteConversation))
	mux.Handle("POST /v1/conversations/{id}/fail", signed(s.handleFailConversation))

	mux.Handle("POST /v1/payments", signed(s.handleSubmitPayment))
	mux.Handle("GET /v1/payments/{id}", signed(s.handleGetPayment))
	mux.Handle("GET /v1/payments/ref/{ref}", signed(s.handlePaymentStatus))
	mux.Handle("POST /v1/payments/{id}/cancel", signed(s.handleCancelPayment))

	mux.Handle("GET /v1/processors", signed(s.handleListProcessors))

	admin := func(h http.HandlerFunc) http.Handler { return s.adminAuth(h) }
	mux.Handle("POST /v1/agents/{id}/reactivate", admin(s.handleReactivateAgent))
	mux.Handle("PUT /v1/agents/{id}/status", admin(s.handleSetAgentStatus))
	mux.Handle("GET /v1/payments", admin(s.handleListPayments))

	mux.HandleFunc("POST /webhooks/{processor}", s.handleWebhook)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(s.cfg.MaxRequestBodyBytes, handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// Start begins serving HTTP. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full handler chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// respondError maps a domain error onto the right HTTP status and code.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, directory.ErrDuplicateName):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent name already registered")
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "duplicate resource")
	case errors.Is(err, directory.ErrNotInError),
		errors.Is(err, directory.ErrAgentUnavailable),
		errors.Is(err, conversation.ErrClosed),
		errors.Is(err, conversation.ErrNotActive),
		errors.Is(err, conversation.ErrTimedOut),
		errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, registry.ErrGrantNotUsable),
		errors.Is(err, registry.ErrPermissionDenied),
		errors.Is(err, registry.ErrAmountCapExceeded),
		errors.Is(err, registry.ErrFrequencyCapExceeded),
		errors.Is(err, conversation.ErrNotParticipant),
		errors.Is(err, payments.ErrExecutorIncapable):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
	case errors.Is(err, conversation.ErrBadSignature):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
	case errors.Is(err, reconciler.ErrUnknownProcessor):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown processor")
	case errors.Is(err, payments.ErrBadWebhook):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		s.logger.Error("internal error", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
	}
}
