package handlers

import (
	"encoding/json"
	"net/http"

	"inversion-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// IterationHandler serves the read-only inspection API. The controller owns
// all mutation; HTTP is a window, not a control surface.
type IterationHandler struct {
	iterationRepo *repository.IterationRepository
	jobRepo       *repository.JobRepository
	misfitRepo    *repository.MisfitRepository
}

// NewIterationHandler creates a new iteration handler
func NewIterationHandler(
	iterationRepo *repository.IterationRepository,
	jobRepo *repository.JobRepository,
	misfitRepo *repository.MisfitRepository,
) *IterationHandler {
	return &IterationHandler{
		iterationRepo: iterationRepo,
		jobRepo:       jobRepo,
		misfitRepo:    misfitRepo,
	}
}

// ListIterations handles GET /v1/iterations
func (h *IterationHandler) ListIterations(w http.ResponseWriter, r *http.Request) {
	iterations, err := h.iterationRepo.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to list iterations: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, iterations)
}

// GetIteration handles GET /v1/iterations/{name}
func (h *IterationHandler) GetIteration(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	it, err := h.iterationRepo.Get(r.Context(), name)
	if err != nil {
		http.Error(w, "Iteration not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// GetIterationJobs handles GET /v1/iterations/{name}/jobs
func (h *IterationHandler) GetIterationJobs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	jobs, err := h.jobRepo.ListIterationJobs(r.Context(), name)
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// MisfitResponse represents the misfit ledger of one iteration
type MisfitResponse struct {
	Iteration        string             `json:"iteration"`
	Total            float64            `json:"total"`
	ValidationTotal  float64            `json:"validation_total"`
	PerEvent         map[string]float64 `json:"per_event"`
	ValidationEvents map[string]float64 `json:"validation_per_event"`
}

// GetIterationMisfits handles GET /v1/iterations/{name}/misfits
func (h *IterationHandler) GetIterationMisfits(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx := r.Context()

	total, err := h.misfitRepo.Total(ctx, name, false)
	if err != nil {
		http.Error(w, "Failed to read misfits: "+err.Error(), http.StatusInternalServerError)
		return
	}
	validationTotal, err := h.misfitRepo.Total(ctx, name, true)
	if err != nil {
		http.Error(w, "Failed to read misfits: "+err.Error(), http.StatusInternalServerError)
		return
	}
	perEvent, err := h.misfitRepo.PerEvent(ctx, name, false)
	if err != nil {
		http.Error(w, "Failed to read misfits: "+err.Error(), http.StatusInternalServerError)
		return
	}
	validationPerEvent, err := h.misfitRepo.PerEvent(ctx, name, true)
	if err != nil {
		http.Error(w, "Failed to read misfits: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, MisfitResponse{
		Iteration:        name,
		Total:            total,
		ValidationTotal:  validationTotal,
		PerEvent:         perEvent,
		ValidationEvents: validationPerEvent,
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
