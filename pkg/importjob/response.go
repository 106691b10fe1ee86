package importjob

import (
	"time"

	"github.com/wisbric/bulkimport/pkg/jobstatus"
)

// submitResponse is the 202 body for a successful submission (spec.md §6:
// {jobId, status: "PENDING", message}).
type submitResponse struct {
	JobID   string           `json:"jobId"`
	Status  jobstatus.Status `json:"status"`
	Message string           `json:"message"`
}

// admissionErrorResponse is the body for a rejected submission (spec.md §6):
// concurrency rejection carries {timestamp, status, error, message}; cooldown
// rejection additionally carries totalSeconds/remainingSeconds.
type admissionErrorResponse struct {
	Timestamp        time.Time `json:"timestamp"`
	Status           int       `json:"status"`
	Error            string    `json:"error"`
	Message          string    `json:"message"`
	TotalSeconds     int       `json:"totalSeconds,omitempty"`
	RemainingSeconds int       `json:"remainingSeconds,omitempty"`
}

// jobResponse is the body for GET /jobs/{jobId} (spec.md §6: {jobId, status,
// requestedCount, processedCount, progress:0-100, startedAt, message}).
type jobResponse struct {
	JobID          string           `json:"jobId"`
	Status         jobstatus.Status `json:"status"`
	RequestedCount int64            `json:"requestedCount"`
	ProcessedCount int64            `json:"processedCount"`
	Progress       int              `json:"progress"`
	StartedAt      time.Time        `json:"startedAt"`
	Message        string           `json:"message"`
}

// jobToResponse converts a persisted Job row into its wire representation,
// computing progress from processed/requested counts.
func jobToResponse(job jobstatus.Job) jobResponse {
	return jobResponse{
		JobID:          job.JobID,
		Status:         job.Status,
		RequestedCount: job.RequestedCount,
		ProcessedCount: job.ProcessedCount,
		Progress:       progressPercent(job.ProcessedCount, job.RequestedCount),
		StartedAt:      job.StartedAt,
		Message:        job.Message,
	}
}

// progressPercent computes a 0-100 completion percentage, clamped against a
// processedCount that races past requestedCount on the last batch.
func progressPercent(processedCount, requestedCount int64) int {
	if requestedCount <= 0 {
		return 0
	}
	pct := int(processedCount * 100 / requestedCount)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
