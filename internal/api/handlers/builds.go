package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/buildqueue/internal/api/errors"
	"github.com/narvanalabs/buildqueue/internal/creation"
	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/models"
)

// BuildsHandler serves the build lifecycle endpoints.
type BuildsHandler struct {
	creator *creation.Creator
	manager *lifecycle.Manager
	logger  *slog.Logger
}

// NewBuildsHandler creates a builds handler.
func NewBuildsHandler(creator *creation.Creator, manager *lifecycle.Manager, logger *slog.Logger) *BuildsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildsHandler{
		creator: creator,
		manager: manager,
		logger:  logger,
	}
}

// createBatchRequest is the body of POST /v1/builds/batch.
type createBatchRequest struct {
	Requests []*models.BuildRequest `json:"requests"`
}

// createBatchResponse mirrors the request slot-for-slot.
type createBatchResponse struct {
	Results []createResult `json:"results"`
}

type createResult struct {
	Build *models.Build       `json:"build,omitempty"`
	Error *apierrors.APIError `json:"error,omitempty"`
}

// CreateBatch handles POST /v1/builds/batch.
func (h *BuildsHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}
	if len(req.Requests) == 0 {
		apierrors.WriteError(w, apierrors.NewValidationError("empty request batch"))
		return
	}

	results := h.creator.CreateMany(r.Context(), req.Requests)

	resp := createBatchResponse{Results: make([]createResult, len(results))}
	for i, res := range results {
		if res.Err != nil {
			resp.Results[i].Error = apiError(res.Err)
			continue
		}
		resp.Results[i].Build = res.Build
	}

	apierrors.WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /v1/builds/{id}.
func (h *BuildsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	build, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, build)
}

type leaseRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type leaseResponse struct {
	Success  bool          `json:"success"`
	Build    *models.Build `json:"build"`
	LeaseKey string        `json:"lease_key,omitempty"`
}

// Lease handles POST /v1/builds/{id}/lease.
func (h *BuildsHandler) Lease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}
	if !req.ExpiresAt.After(time.Now()) {
		apierrors.WriteError(w, apierrors.NewValidationError("expires_at must be in the future"))
		return
	}

	success, build, err := h.manager.Lease(r.Context(), id, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := leaseResponse{Success: success, Build: build}
	if success {
		// The lease key is only ever revealed here, to the winning caller.
		resp.LeaseKey = build.LeaseKey
	}
	apierrors.WriteJSON(w, http.StatusOK, resp)
}

type heartbeatRequest struct {
	LeaseKey  string    `json:"lease_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Heartbeat handles POST /v1/builds/{id}/heartbeat.
func (h *BuildsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}

	build, err := h.manager.Heartbeat(r.Context(), id, req.LeaseKey, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, build)
}

type startRequest struct {
	LeaseKey    string `json:"lease_key"`
	ProgressURL string `json:"progress_url"`
}

// Start handles POST /v1/builds/{id}/start.
func (h *BuildsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}

	build, err := h.manager.Start(r.Context(), id, req.LeaseKey, req.ProgressURL)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, build)
}

type completeRequest struct {
	LeaseKey      string             `json:"lease_key"`
	Status        models.BuildStatus `json:"status"`
	ResultPayload string             `json:"result_payload,omitempty"`
	Summary       string             `json:"summary,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
}

// Complete handles POST /v1/builds/{id}/complete.
func (h *BuildsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}

	build, err := h.manager.Complete(r.Context(), id, req.LeaseKey,
		req.Status, req.ResultPayload, req.Summary, req.Tags)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, build)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/builds/{id}/cancel.
func (h *BuildsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}

	build, err := h.manager.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, build)
}

// Reset handles POST /v1/builds/{id}/reset.
func (h *BuildsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	build, err := h.manager.Reset(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, build)
}

func (h *BuildsHandler) buildID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid build id"))
		return 0, false
	}
	return id, true
}
