// Package importjob implements the HTTP surface for bulk-user-import
// submissions (spec.md §6): a submit endpoint that runs requests through the
// admission controller and job runner, and a status endpoint backed by the
// job status store.
package importjob

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wisbric/bulkimport/internal/httpserver"
	"github.com/wisbric/bulkimport/pkg/admission"
	"github.com/wisbric/bulkimport/pkg/jobrunner"
	"github.com/wisbric/bulkimport/pkg/jobstatus"
)

func init() {
	if err := httpserver.RegisterValidation("nocolon", noColon); err != nil {
		panic("importjob: registering nocolon validator: " + err.Error())
	}
}

// noColon rejects any field value containing the reserved key separator
// (spec.md §4.A: userId and jobId must never contain a colon).
func noColon(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if r == ':' {
			return false
		}
	}
	return true
}

// Handler provides HTTP handlers for submitting and tracking import jobs.
type Handler struct {
	logger *slog.Logger
	runner *jobrunner.Runner
	status *jobstatus.Store
}

// NewHandler creates a Handler.
func NewHandler(logger *slog.Logger, runner *jobrunner.Runner, status *jobstatus.Store) *Handler {
	return &Handler{logger: logger, runner: runner, status: status}
}

// Routes returns a chi.Router with the import job routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/users/import/async", h.handleSubmit)
	r.Get("/jobs/{jobId}", h.handleGetJob)
	return r
}

type submitRequest struct {
	UserID string `validate:"required,nocolon"`
	Count  int64  `validate:"required,gt=0"`
}

// handleSubmit classifies and reserves capacity for a bulk-import request
// (spec.md §4.A/§6): POST /users/import/async?count=N with header
// X-User-Id. Returns 202 on acceptance, 400 on invalid input, 429 on
// cooldown or concurrency rejection, 503 if the shared store is
// unreachable.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	if err != nil {
		count = 0
	}
	req := submitRequest{
		UserID: r.Header.Get("X-User-Id"),
		Count:  count,
	}

	if errs := httpserver.Validate(req); len(errs) > 0 {
		httpserver.RespondValidationErrorStatus(w, http.StatusBadRequest, errs)
		return
	}

	sub, err := h.runner.Submit(ctx, req.UserID, req.Count)
	if err != nil {
		h.respondAdmissionError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, submitResponse{
		JobID:   sub.JobID,
		Status:  sub.Status,
		Message: "job accepted",
	})
}

func (h *Handler) respondAdmissionError(w http.ResponseWriter, err error) {
	var admErr *admission.Error
	if !errors.As(err, &admErr) {
		h.logger.Error("submitting import job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to submit job")
		return
	}

	switch admErr.Kind {
	case admission.KindCooldownActive:
		httpserver.Respond(w, http.StatusTooManyRequests, admissionErrorResponse{
			Timestamp:        time.Now(),
			Status:           http.StatusTooManyRequests,
			Error:            "cooldown_active",
			Message:          admErr.Error(),
			TotalSeconds:     admErr.TotalSeconds,
			RemainingSeconds: admErr.RemainingSeconds,
		})
	case admission.KindTooManyRequests:
		httpserver.Respond(w, http.StatusTooManyRequests, admissionErrorResponse{
			Timestamp: time.Now(),
			Status:    http.StatusTooManyRequests,
			Error:     "too_many_requests",
			Message:   admErr.Error(),
		})
	case admission.KindStoreUnavailable:
		h.logger.Error("admission store unavailable", "error", admErr.Err)
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "admission store unavailable")
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", admErr.Error())
	}
}

// handleGetJob returns a job's current status (spec.md §6): GET
// /jobs/{jobId}, 404 if the job is unknown.
func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	job, err := h.status.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstatus.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("getting job status", "job_id", jobID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}

	httpserver.Respond(w, http.StatusOK, jobToResponse(job))
}
