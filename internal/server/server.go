package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/pipeline"
	"github.com/ashita-ai/tsuzuki/internal/ratelimit"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ingress"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// Server is the Tsuzuki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, MCPServer, Limiter, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store       storage.Store
	Ledger      *ledger.Ledger
	Checkpoints *checkpoint.Store
	Artifacts   *artifacts.Store
	Scheduler   *scheduler.Scheduler
	Resumer     *pipeline.Resumer
	Ingress     *ingress.Service
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter

	// Operator access. An empty hash disables every /v1 route and /mcp.
	AdminKeyHash string

	// WhatsApp webhook settings. An empty app secret skips signature checks.
	VerifyToken string
	AppSecret   string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte

	// Extension points. Registrars run after the built-in routes; the
	// operator argument wraps a handler in the operator key check.
	// Middlewares wrap the whole handler, first registered outermost.
	RouteRegistrars []func(mux *http.ServeMux, operator func(http.Handler) http.Handler)
	Middlewares     []func(http.Handler) http.Handler

	// Running jobs idle longer than this show as stalled in /v1/jobs/health.
	JobStaleAfter time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Ledger:              cfg.Ledger,
		Checkpoints:         cfg.Checkpoints,
		Artifacts:           cfg.Artifacts,
		Scheduler:           cfg.Scheduler,
		Resumer:             cfg.Resumer,
		Ingress:             cfg.Ingress,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		VerifyToken:         cfg.VerifyToken,
		AppSecret:           cfg.AppSecret,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		JobStaleAfter:       cfg.JobStaleAfter,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	webhookRL := func(next http.Handler) http.Handler {
		return rateLimitMiddleware(limiter, cfg.Logger, next)
	}
	admin := adminMiddleware(cfg.AdminKeyHash)

	mux := http.NewServeMux()

	// WhatsApp webhook (no operator auth; POST bodies are HMAC-signed).
	mux.Handle("GET /webhook", webhookRL(http.HandlerFunc(h.HandleWebhookVerify)))
	mux.Handle("POST /webhook", webhookRL(http.HandlerFunc(h.HandleWebhookEvent)))

	// Operator API.
	mux.Handle("GET /v1/runs/events", admin(http.HandlerFunc(h.HandleRunEvents)))
	mux.Handle("GET /v1/runs/{run_id}", admin(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/steps", admin(http.HandlerFunc(h.HandleListSteps)))
	mux.Handle("POST /v1/runs/{run_id}/resume", admin(http.HandlerFunc(h.HandleResumeRun)))
	mux.Handle("GET /v1/runs/{run_id}/artifacts", admin(http.HandlerFunc(h.HandleListArtifacts)))
	mux.Handle("GET /v1/runs/{run_id}/artifacts/{type}", admin(http.HandlerFunc(h.HandleGetArtifact)))
	mux.Handle("GET /v1/runs/{run_id}/verify", admin(http.HandlerFunc(h.HandleVerifyArtifacts)))
	mux.Handle("POST /v1/runs/{run_id}/decisions", admin(http.HandlerFunc(h.HandlePromoteDecision)))
	mux.Handle("PUT /v1/memory/{doc}", admin(http.HandlerFunc(h.HandleUpdateGlobalDoc)))
	mux.Handle("GET /v1/jobs/health", admin(http.HandlerFunc(h.HandleJobHealth)))
	mux.Handle("GET /v1/jobs/{job_id}", admin(http.HandlerFunc(h.HandleGetJob)))

	// MCP StreamableHTTP transport (operator key required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", admin(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.RouteRegistrars {
		register(mux, admin)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
