// Package jobrunner implements the bulk-import job lifecycle (spec.md
// §4.G): admission, status transitions, and guaranteed cleanup on every
// exit path including a panicking workload.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/bulkimport/internal/telemetry"
	"github.com/wisbric/bulkimport/pkg/admission"
	"github.com/wisbric/bulkimport/pkg/jobstatus"
	"github.com/wisbric/bulkimport/pkg/tier"
)

// Progress is the callback a Workload uses to report how far it's gotten.
// Implementations should call it at tunable intervals (e.g. per 1000
// records), not per record — every call enqueues a store write.
type Progress func(processedCount int64, message string)

// Workload is the actual bulk-import work, opaque to this package (spec.md
// §4.G: "the workload is opaque to this specification"). The HTTP client
// that fetches synthetic user data lives outside this module entirely
// (spec.md §1 Non-goals); callers inject whatever Workload they need,
// including a fake one in tests.
type Workload func(ctx context.Context, job jobstatus.Job, report Progress) error

// StatusStore is the subset of *jobstatus.Store the runner depends on. The
// runner talks to this abstraction rather than a concrete Postgres pool, the
// same "accept interfaces" shape store.Client gives the admission
// controller — it lets the lifecycle logic run against an in-memory fake in
// tests.
type StatusStore interface {
	Create(ctx context.Context, job jobstatus.Job) error
	MarkInProgress(ctx context.Context, jobID string) error
	UpdateProgress(jobID string, processedCount int64, message string)
	MarkCompleted(ctx context.Context, jobID string, processedCount int64, message string) error
	MarkFailed(ctx context.Context, jobID string, processedCount int64, message string) error
}

// Runner accepts submissions, reserves capacity through the admission
// controller, and executes the workload on a bounded worker pool.
type Runner struct {
	admission *admission.Controller
	status    StatusStore
	workload  Workload
	logger    *slog.Logger
	slots     chan struct{}
}

// New creates a Runner with a worker pool of poolSize slots. poolSize
// bounds how many workloads this replica runs concurrently — a
// process-local throttle beneath the distributed limit the admission
// controller enforces. Each accepted submission gets its own goroutine,
// which waits for a free slot; the number of waiting goroutines is not
// bounded.
func New(ctrl *admission.Controller, status StatusStore, workload Workload, poolSize int, logger *slog.Logger) *Runner {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Runner{
		admission: ctrl,
		status:    status,
		workload:  workload,
		logger:    logger,
		slots:     make(chan struct{}, poolSize),
	}
}

// Submission is the result of a successful Submit call: the HTTP layer
// returns this as the 202 body.
type Submission struct {
	JobID  string
	Status jobstatus.Status
}

// Submit generates a jobId, reserves capacity for (userId, requestedCount),
// records the job as PENDING, and schedules it to run. It returns
// immediately after reservation succeeds; the workload itself runs
// asynchronously. On admission failure it returns the *admission.Error
// unchanged so the HTTP layer can map it to 429/503.
func (r *Runner) Submit(ctx context.Context, userID string, requestedCount int64) (Submission, error) {
	jobID := uuid.NewString()

	lim, err := r.admission.CheckAndReserve(ctx, userID, requestedCount, jobID)
	if err != nil {
		outcome := "error"
		var admErr *admission.Error
		if errors.As(err, &admErr) {
			switch admErr.Kind {
			case admission.KindCooldownActive:
				outcome = "cooldown_active"
			case admission.KindTooManyRequests:
				outcome = "too_many_requests"
			case admission.KindStoreUnavailable:
				outcome = "store_unavailable"
			}
		}
		telemetry.JobsSubmittedTotal.WithLabelValues(string(lim.Name), outcome).Inc()
		return Submission{}, err
	}
	telemetry.JobsSubmittedTotal.WithLabelValues(string(lim.Name), "accepted").Inc()

	now := time.Now()
	job := jobstatus.Job{
		JobID:          jobID,
		UserID:         userID,
		Tier:           string(lim.Name),
		Status:         jobstatus.Pending,
		RequestedCount: requestedCount,
		StartedAt:      now,
	}
	if err := r.status.Create(ctx, job); err != nil {
		// The reservation succeeded but we can't record it. Release the
		// reservation rather than leave an untracked job occupying a slot.
		r.admission.MarkFinished(ctx, userID, string(lim.Name), jobID)
		return Submission{}, fmt.Errorf("jobrunner: recording job %s: %w", jobID, err)
	}

	go r.run(job)

	return Submission{JobID: jobID, Status: jobstatus.Pending}, nil
}

// run executes one job on the worker pool. It guarantees markFinished runs
// exactly once and that a panicking workload still produces a terminal
// FAILED status, via defer/recover (spec.md §4.G step 5).
func (r *Runner) run(job jobstatus.Job) {
	r.slots <- struct{}{}
	defer func() { <-r.slots }()

	ctx := context.Background()

	var processed int64
	var finalErr error

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("workload panicked", "job_id", job.JobID, "panic", rec, "stack", string(debug.Stack()))
			finalErr = fmt.Errorf("workload panicked: %v", rec)
		}

		r.admission.MarkFinished(ctx, job.UserID, job.Tier, job.JobID)

		if finalErr != nil {
			telemetry.JobsFinishedTotal.WithLabelValues(job.Tier, string(jobstatus.Failed)).Inc()
			if err := r.status.MarkFailed(ctx, job.JobID, processed, finalErr.Error()); err != nil {
				r.logger.Error("writing failed status", "job_id", job.JobID, "error", err)
			}
			return
		}
		telemetry.JobsFinishedTotal.WithLabelValues(job.Tier, string(jobstatus.Completed)).Inc()
		if err := r.status.MarkCompleted(ctx, job.JobID, processed, "completed"); err != nil {
			r.logger.Error("writing completed status", "job_id", job.JobID, "error", err)
		}
	}()

	if err := r.status.MarkInProgress(ctx, job.JobID); err != nil {
		r.logger.Error("writing in-progress status", "job_id", job.JobID, "error", err)
	}

	report := func(processedCount int64, message string) {
		processed = processedCount
		r.status.UpdateProgress(job.JobID, processedCount, message)
	}

	finalErr = r.workload(ctx, job, report)
}

// Tiers exposes the admission controller's tier table, e.g. for the HTTP
// layer to classify a request before submitting it.
func (r *Runner) Tiers() *tier.Table {
	return r.admission.Tiers()
}
