// Package jobstatus persists job lifecycle state (spec.md §3, component H)
// in Postgres. It is deliberately a separate store from the Redis-backed
// admission state: job history should survive a Redis flush, and admission
// state should never depend on Postgres being reachable.
package jobstatus

import "time"

// Status is one of the four lifecycle states a Job passes through.
// PENDING and IN_PROGRESS are non-terminal; COMPLETED and FAILED are
// terminal (spec.md invariant I4: a terminal job has no safety key and is
// not a member of any running-set).
type Status string

const (
	Pending    Status = "PENDING"
	InProgress Status = "IN_PROGRESS"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
)

// Job is the persisted record for one bulk-import job.
type Job struct {
	JobID          string     `json:"job_id"`
	UserID         string     `json:"user_id"`
	Tier           string     `json:"tier"`
	Status         Status     `json:"status"`
	RequestedCount int64      `json:"requested_count"`
	ProcessedCount int64      `json:"processed_count"`
	Message        string     `json:"message"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed
}
