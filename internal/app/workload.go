package app

import (
	"context"

	"github.com/wisbric/bulkimport/pkg/jobrunner"
	"github.com/wisbric/bulkimport/pkg/jobstatus"
)

// syntheticImportWorkload returns a placeholder Workload that simulates
// processing job.RequestedCount records in batches of progressInterval,
// reporting progress after each batch. The real workload — an HTTP client
// that fetches synthetic user data and writes it somewhere durable — is out
// of scope for this module (spec.md §1 Non-goals); this stands in for it so
// the job lifecycle (pkg/jobrunner) has a concrete collaborator to run.
func syntheticImportWorkload(progressInterval int64) jobrunner.Workload {
	if progressInterval <= 0 {
		progressInterval = 1000
	}
	return func(ctx context.Context, job jobstatus.Job, report jobrunner.Progress) error {
		var processed int64
		for processed < job.RequestedCount {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			batch := progressInterval
			if remaining := job.RequestedCount - processed; remaining < batch {
				batch = remaining
			}
			processed += batch
			report(processed, "importing")
		}
		return nil
	}
}
