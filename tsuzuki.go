// Package tsuzuki is the public API for embedding the tsuzuki run
// orchestrator.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := tsuzuki.New(ctx,
//	    tsuzuki.WithVersion(version),
//	    tsuzuki.WithLogger(logger),
//	    tsuzuki.WithJobHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tsuzuki (root) imports
// internal/*, but internal/* never imports tsuzuki (root). Public types
// (Run, Job, ResumeResult) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees
// both sides of the boundary.
package tsuzuki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/api"
	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/channel/whatsapp"
	"github.com/ashita-ai/tsuzuki/internal/config"
	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/mcp"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/pipeline"
	"github.com/ashita-ai/tsuzuki/internal/ratelimit"
	"github.com/ashita-ai/tsuzuki/internal/server"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/egress"
	"github.com/ashita-ai/tsuzuki/internal/service/ingress"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/resume"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
	"github.com/ashita-ai/tsuzuki/internal/storage"
	"github.com/ashita-ai/tsuzuki/internal/storage/sqlite"
	"github.com/ashita-ai/tsuzuki/internal/telemetry"
	"github.com/ashita-ai/tsuzuki/internal/tools"
	"github.com/ashita-ai/tsuzuki/migrations"
)

// Errors returned by App methods. Match with errors.Is.
var (
	ErrRunNotFound     = resume.ErrRunNotFound
	ErrJobNotFound     = scheduler.ErrJobNotFound
	ErrCorruptSnapshot = checkpoint.ErrCorruptSnapshot
	ErrShuttingDown    = scheduler.ErrDraining
	ErrRunBusy         = scheduler.ErrRunBusy
)

// App is a wired tsuzuki instance.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	store       storage.Store
	pg          *storage.DB // nil on the sqlite driver
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Store
	artifacts   *artifacts.Store
	scheduler   *scheduler.Scheduler
	ingress     *ingress.Service
	resumer     *pipeline.Resumer

	srv     *server.Server
	broker  *server.Broker // nil when no notify connection
	limiter ratelimit.Limiter
}

// New loads configuration from the environment, applies option overrides,
// opens the store (running Postgres migrations) and wires every service.
// It does NOT start any goroutines or accept HTTP connections. Call Run to
// serve, or use Resume and Drain directly for one-shot work.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	a.store, a.pg, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.wire(o); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.StoreDriver = config.DriverSQLite
		cfg.SQLitePath = o.sqlitePath
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
		if cfg.GlobalMemory == config.DefaultGlobalMemory {
			cfg.GlobalMemory = filepath.Join(o.dataDir, "memory")
		}
	}
}

// openStore opens the configured backend. Postgres migrations run here so
// every caller sees the current schema; sqlite applies its schema on open.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return db, nil, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close(ctx)
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		db.RegisterPoolMetrics()
		return db, db, nil
	}
}

func (a *App) wire(o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	layout, err := memory.NewLayout(cfg.DataDir, cfg.GlobalMemory)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	perms := tools.DefaultPermissions()
	if cfg.PermissionsFile != "" {
		perms, err = tools.LoadPermissions(cfg.PermissionsFile)
		if err != nil {
			return fmt.Errorf("permissions: %w", err)
		}
	}
	registry := tools.NewRegistry(
		tools.NewFilesTool(layout),
		tools.NewBashTool(layout),
		tools.NewBrowserTool(layout, cfg.BrowserAllowPrivate),
		tools.NewMCPTool(cfg.MCPServerURLs, a.version),
	)
	runner := tools.NewRunner(perms, logger)

	var ch egress.Channel = o.channel
	if ch == nil {
		ch = newChannel(cfg, logger)
	}

	a.ledger = ledger.New(a.store, logger)
	a.checkpoints = checkpoint.New(a.store, layout.DataDir(), logger)
	a.artifacts = artifacts.New(layout, logger)
	eg := egress.New(a.store, ch, logger)
	executor := pipeline.NewExecutor(a.ledger, a.checkpoints, a.artifacts, runner, registry, logger).
		WithToolOptions(tools.Options{
			Retries:    cfg.ToolRetries,
			Timeout:    cfg.ToolTimeout,
			RetryDelay: cfg.ToolRetryDelay,
		})
	a.scheduler = scheduler.New(a.store, a.ledger, executor, eg, cfg.JobWorkers, logger)
	for _, h := range o.jobHooks {
		a.scheduler.AddHook(&jobHookAdapter{hook: h, logger: logger})
	}
	router := pipeline.NewRouter(a.ledger, a.scheduler, eg, scheduler.Triggers{
		Keywords:  cfg.LongJobKeywords,
		MinLength: cfg.LongJobMinLength,
	}, logger)
	a.ingress = ingress.New(a.store, a.ledger, router, logger)
	a.resumer = pipeline.NewResumer(resume.New(a.ledger, a.checkpoints, logger), a.scheduler, logger)

	if a.pg != nil && a.pg.HasNotifyConn() {
		a.broker = server.NewBroker(a.pg, logger)
	}
	a.limiter = ratelimit.New(cfg.WebhookRatePerSec, cfg.WebhookBurst)

	mcpSrv := mcp.New(mcp.Deps{
		Ledger:      a.ledger,
		Checkpoints: a.checkpoints,
		Artifacts:   a.artifacts,
		Scheduler:   a.scheduler,
		Resumer:     a.resumer,
		Logger:      logger,
		Version:     a.version,
	})

	registrars := make([]func(*http.ServeMux, func(http.Handler) http.Handler), 0, len(o.routeRegistrars))
	for _, r := range o.routeRegistrars {
		registrars = append(registrars, func(mux *http.ServeMux, operator func(http.Handler) http.Handler) {
			r(mux, authHelper(operator))
		})
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, m := range o.middlewares {
		middlewares = append(middlewares, m)
	}

	a.srv = server.New(server.ServerConfig{
		Store:               a.store,
		Ledger:              a.ledger,
		Checkpoints:         a.checkpoints,
		Artifacts:           a.artifacts,
		Scheduler:           a.scheduler,
		Resumer:             a.resumer,
		Ingress:             a.ingress,
		Logger:              logger,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             a.limiter,
		AdminKeyHash:        cfg.AdminAPIKeyHash,
		VerifyToken:         cfg.WhatsAppVerifyToken,
		AppSecret:           cfg.WhatsAppAppSecret,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		RouteRegistrars:     registrars,
		Middlewares:         middlewares,
		JobStaleAfter:       cfg.JobStaleAfter,
	})
	return nil
}

// newChannel returns the WhatsApp client, or a logging channel when no
// credentials are configured.
func newChannel(cfg config.Config, logger *slog.Logger) egress.Channel {
	if cfg.WhatsAppToken == "" {
		logger.Warn("whatsapp: no credentials, outbound messages are logged only")
		return egress.LogChannel{Logger: logger}
	}
	return whatsapp.NewClient(cfg.WhatsAppAPIBase, cfg.WhatsAppToken, cfg.WhatsAppPhoneID)
}

// Handler returns the root HTTP handler, for mounting in another server
// or serving from tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Driver reports the active store backend.
func (a *App) Driver() string { return a.store.Driver() }

// Run starts telemetry, recovers persisted jobs, starts the SSE broker and
// the HTTP server, then blocks until ctx is cancelled or a fatal server
// error occurs. On return, Shutdown has been called. Callers should not
// call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("tsuzuki starting", "version", a.version, "port", a.cfg.Port, "store", a.cfg.StoreDriver)

	otelShutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.version, a.cfg.OTELInsecure)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Pick up jobs a previous process left queued or running.
	if n, err := a.scheduler.Recover(ctx); err != nil {
		a.logger.Warn("job recovery failed", "error", err)
	} else if n > 0 {
		a.logger.Info("jobs recovered", "count", n)
	}

	if a.broker != nil {
		go a.broker.Start(ctx)
	} else {
		a.logger.Info("SSE broker: disabled (no notify connection)")
	}
	if _, off := a.limiter.(ratelimit.NoopLimiter); off {
		a.logger.Info("webhook rate limiting: disabled")
	} else {
		a.logger.Info("webhook rate limiting: memory", "rps", a.cfg.WebhookRatePerSec, "burst", a.cfg.WebhookBurst)
	}
	if a.cfg.AdminAPIKeyHash == "" {
		a.logger.Warn("operator API disabled (TSUZUKI_ADMIN_API_KEY_HASH not set)")
	}
	if a.cfg.WhatsAppAppSecret == "" {
		a.logger.Warn("webhook signature verification disabled (WHATSAPP_APP_SECRET not set)")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting webhooks and finish in-flight requests,
// (2) let ingress finish routing accepted messages and running jobs reach
// their next checkpoint. Jobs still running after the deadline stay
// "running" and are recovered on the next start. It then closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsuzuki shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	if err := a.Drain(drainCtx); err != nil {
		a.logger.Warn("drain incomplete", "error", err)
	}
	drainCancel()

	err := a.Close(context.Background())
	a.logger.Info("tsuzuki stopped")
	return err
}

// Drain waits for in-flight inbound processing and background jobs.
// Ingress drains first because it may still enqueue jobs. After Drain the
// App accepts no new jobs.
func (a *App) Drain(ctx context.Context) error {
	var errs []error
	if err := a.ingress.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ingress drain: %w", err))
	}
	if err := a.scheduler.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler drain: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the rate limiter and the store without draining.
func (a *App) Close(ctx context.Context) error {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.store != nil {
		return a.store.Close(ctx)
	}
	return nil
}

// Resume reactivates the run and enqueues a job that skips the stages
// recorded in its latest checkpoint. The actor stored in ctx, if any, is
// logged with the resume. A run whose job is still queued or running is
// not resumed: the error wraps ErrRunBusy and JobID names that job.
func (a *App) Resume(ctx context.Context, runID uuid.UUID) (ResumeResult, error) {
	p, jobID, err := a.resumer.Resume(ctx, runID)
	if errors.Is(err, ErrRunBusy) {
		return ResumeResult{JobID: jobID}, err
	}
	if err != nil {
		return ResumeResult{}, err
	}
	resp := pipeline.ResumeResponse(p)
	res := ResumeResult{
		Run:           toPublicRun(resp.Run),
		JobID:         jobID,
		WasCompleted:  resp.WasCompleted,
		StagesSkipped: resp.StagesSkipped,
	}
	if resp.Checkpoint != nil {
		id := resp.Checkpoint.ID
		res.CheckpointID = &id
	}
	return res, nil
}

// Job returns a background job by ID.
func (a *App) Job(ctx context.Context, id uuid.UUID) (Job, error) {
	j, err := a.scheduler.Job(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return toPublicJob(j), nil
}

// GetRun returns a run by ID.
func (a *App) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := a.ledger.LoadRun(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	return toPublicRun(r), nil
}

// ── Adapters ─────────────────────────────────────────────────────────────────

type jobHookAdapter struct {
	hook   JobHook
	logger *slog.Logger
}

func (h *jobHookAdapter) JobFinished(ctx context.Context, job model.Job) {
	if err := h.hook.OnJobFinished(ctxutil.WithJob(ctx, job.RunID, job.ID), toPublicJob(job)); err != nil {
		h.logger.Warn("job hook failed", "job_id", job.ID, "error", err)
	}
}

type authHelper func(http.Handler) http.Handler

func (f authHelper) RequireOperator(next http.Handler) http.Handler { return f(next) }

func toPublicRun(r model.Run) Run {
	return Run{
		ID:        r.ID,
		ThreadKey: r.ThreadKey,
		State:     RunState(r.State),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toPublicJob(j model.Job) Job {
	out := Job{
		ID:        j.ID,
		RunID:     j.RunID,
		ChatID:    j.ChatID,
		TaskType:  j.TaskType,
		Status:    JobStatus(j.Status),
		Attempts:  j.Attempts,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.LastError != nil {
		out.LastError = *j.LastError
	}
	return out
}

// contextWithOptionalTimeout applies timeout only when it is positive.
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
