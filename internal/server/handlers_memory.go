package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
)

// The operator API acts for the founder; the admin key is the founder's key.

// HandlePromoteDecision handles POST /v1/runs/{run_id}/decisions.
func (h *Handlers) HandlePromoteDecision(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	var req model.PromoteDecisionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "source and name are required")
		return
	}
	if _, err := h.ledger.LoadRun(r.Context(), runID); err != nil {
		h.writeLookupError(w, r, "run", err)
		return
	}

	rel, err := h.artifacts.Layout().PromoteDecision(model.RoleFounder, runID, req.Source, req.Name)
	if err != nil {
		h.writeMemoryError(w, r, "failed to promote decision", err)
		return
	}
	attrs := append([]any{"run_id", runID, "source", req.Source, "path", rel},
		ctxutil.ActorFromContext(r.Context()).LogAttrs()...)
	h.logger.Info("memory: decision promoted", attrs...)
	writeJSON(w, r, http.StatusCreated, model.PromoteDecisionResponse{RunID: runID, Path: rel})
}

// HandleUpdateGlobalDoc handles PUT /v1/memory/{doc}.
func (h *Handlers) HandleUpdateGlobalDoc(w http.ResponseWriter, r *http.Request) {
	doc := r.PathValue("doc")
	var req model.UpdateGlobalDocRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.artifacts.Layout().UpdateGlobalDoc(model.RoleFounder, doc, req.Content); err != nil {
		h.writeMemoryError(w, r, "failed to update global document", err)
		return
	}
	attrs := append([]any{"doc", doc, "bytes", len(req.Content)}, ctxutil.ActorFromContext(r.Context()).LogAttrs()...)
	h.logger.Info("memory: global document updated", attrs...)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed JSON body")
		return false
	}
	return true
}

func (h *Handlers) writeMemoryError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source file not found")
	case errors.Is(err, memory.ErrInvalidName), errors.Is(err, memory.ErrPathEscape):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, memory.ErrFounderOnly):
		writeError(w, r, http.StatusForbidden, model.ErrCodeUnauthorized, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
