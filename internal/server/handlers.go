package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/pipeline"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ingress"
	"github.com/ashita-ai/tsuzuki/internal/service/jobhealth"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/resume"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	ledger              *ledger.Ledger
	checkpoints         *checkpoint.Store
	artifacts           *artifacts.Store
	scheduler           *scheduler.Scheduler
	resumer             *pipeline.Resumer
	ingress             *ingress.Service
	broker              *Broker
	jobHealth           *jobhealth.Service
	logger              *slog.Logger
	verifyToken         string
	appSecret           string
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	Ledger              *ledger.Ledger
	Checkpoints         *checkpoint.Store
	Artifacts           *artifacts.Store
	Scheduler           *scheduler.Scheduler
	Resumer             *pipeline.Resumer
	Ingress             *ingress.Service
	Broker              *Broker
	Logger              *slog.Logger
	VerifyToken         string
	AppSecret           string
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	JobStaleAfter       time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		ledger:              d.Ledger,
		checkpoints:         d.Checkpoints,
		artifacts:           d.Artifacts,
		scheduler:           d.Scheduler,
		resumer:             d.Resumer,
		ingress:             d.Ingress,
		broker:              d.Broker,
		jobHealth:           jobhealth.New(d.Store, d.JobStaleAfter),
		logger:              d.Logger,
		verifyToken:         d.VerifyToken,
		appSecret:           d.AppSecret,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	run, err := h.ledger.LoadRun(r.Context(), runID)
	if err != nil {
		h.writeLookupError(w, r, "run", err)
		return
	}
	steps, err := h.ledger.ListSteps(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list steps", err)
		return
	}
	cp, err := h.checkpoints.GetLatestCheckpoint(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load checkpoint", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Steps: steps, Checkpoint: cp})
}

// HandleListSteps handles GET /v1/runs/{run_id}/steps.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	if _, err := h.ledger.LoadRun(r.Context(), runID); err != nil {
		h.writeLookupError(w, r, "run", err)
		return
	}
	steps, err := h.ledger.ListSteps(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list steps", err)
		return
	}
	writeJSON(w, r, http.StatusOK, steps)
}

// HandleResumeRun handles POST /v1/runs/{run_id}/resume.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	ctx := ctxutil.WithActor(r.Context(), ctxutil.Actor{
		Surface:   ctxutil.SurfaceHTTP,
		RequestID: RequestIDFromContext(r.Context()),
		Endpoint:  r.Pattern,
	})
	p, jobID, err := h.resumer.Resume(ctx, runID)
	switch {
	case errors.Is(err, resume.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	case errors.Is(err, checkpoint.ErrCorruptSnapshot):
		writeError(w, r, http.StatusConflict, model.ErrCodeIntegrity, "latest checkpoint snapshot is corrupt")
		return
	case errors.Is(err, scheduler.ErrRunBusy):
		w.Header().Set("Location", "/v1/jobs/"+jobID.String())
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already has an active job "+jobID.String())
		return
	case errors.Is(err, scheduler.ErrDraining):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to resume run", err)
		return
	}

	resp := pipeline.ResumeResponse(p)
	w.Header().Set("Location", "/v1/jobs/"+jobID.String())
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleListArtifacts handles GET /v1/runs/{run_id}/artifacts.
func (h *Handlers) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	if _, err := h.ledger.LoadRun(r.Context(), runID); err != nil {
		h.writeLookupError(w, r, "run", err)
		return
	}
	entries, err := h.artifacts.List(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list artifacts", err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleVerifyArtifacts handles GET /v1/runs/{run_id}/verify. A report with
// valid=false is still a 200; the caller decides what a mismatch means.
func (h *Handlers) HandleVerifyArtifacts(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	if _, err := h.ledger.LoadRun(r.Context(), runID); err != nil {
		h.writeLookupError(w, r, "run", err)
		return
	}
	v, err := h.artifacts.Verify(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to verify artifacts", err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleGetArtifact handles GET /v1/runs/{run_id}/artifacts/{type}.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	a, err := h.artifacts.Read(r.Context(), runID, r.PathValue("type"))
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "artifact not found")
		return
	case errors.Is(err, artifacts.ErrHeaderMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeIntegrity, err.Error())
		return
	case err != nil:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := h.scheduler.Job(r.Context(), jobID)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load job", err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Store:    h.store.Driver(),
		Database: dbStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.scheduler != nil {
		resp.JobsBusy = int(h.scheduler.Busy())
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeLookupError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
		return
	}
	h.writeInternalError(w, r, "failed to load "+what, err)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// HandleJobHealth handles GET /v1/jobs/health.
func (h *Handlers) HandleJobHealth(w http.ResponseWriter, r *http.Request) {
	m, err := h.jobHealth.Compute(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to compute job health", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}
