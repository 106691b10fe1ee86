package jobrunner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/bulkimport/pkg/admission"
	"github.com/wisbric/bulkimport/pkg/jobstatus"
	"github.com/wisbric/bulkimport/pkg/store"
	"github.com/wisbric/bulkimport/pkg/tier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStatusStore is an in-memory StatusStore used to test the runner's
// lifecycle transitions without a Postgres dependency.
type fakeStatusStore struct {
	mu   sync.Mutex
	jobs map[string]jobstatus.Job
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{jobs: make(map[string]jobstatus.Job)}
}

func (f *fakeStatusStore) Create(_ context.Context, job jobstatus.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeStatusStore) MarkInProgress(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = jobstatus.InProgress
	f.jobs[jobID] = j
	return nil
}

func (f *fakeStatusStore) UpdateProgress(jobID string, processedCount int64, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.ProcessedCount = processedCount
	j.Message = message
	f.jobs[jobID] = j
}

func (f *fakeStatusStore) MarkCompleted(_ context.Context, jobID string, processedCount int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = jobstatus.Completed
	j.ProcessedCount = processedCount
	j.Message = message
	f.jobs[jobID] = j
	return nil
}

func (f *fakeStatusStore) MarkFailed(_ context.Context, jobID string, processedCount int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = jobstatus.Failed
	j.ProcessedCount = processedCount
	j.Message = message
	f.jobs[jobID] = j
	return nil
}

func (f *fakeStatusStore) get(jobID string) (jobstatus.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	return j, ok
}

func newTestRunner(t *testing.T, workload Workload) (*Runner, *fakeStatusStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := store.NewRedisClient(rdb)
	ctrl := admission.New(client, tier.Default(), 15*time.Minute, time.Second, testLogger())
	status := newFakeStatusStore()

	return New(ctrl, status, workload, 4, testLogger()), status
}

func waitForTerminal(t *testing.T, status *fakeStatusStore, jobID string) jobstatus.Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		job, ok := status.get(jobID)
		if ok && job.Status.IsTerminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached terminal status, last = %+v", jobID, job)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmit_SuccessfulWorkloadCompletes(t *testing.T) {
	runner, status := newTestRunner(t, func(ctx context.Context, job jobstatus.Job, report Progress) error {
		report(50, "halfway")
		return nil
	})

	sub, err := runner.Submit(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != jobstatus.Pending {
		t.Errorf("Submit status = %v, want PENDING", sub.Status)
	}

	job := waitForTerminal(t, status, sub.JobID)
	if job.Status != jobstatus.Completed {
		t.Errorf("final status = %v, want COMPLETED", job.Status)
	}
	if job.ProcessedCount != 50 {
		t.Errorf("processed count = %d, want 50", job.ProcessedCount)
	}
}

func TestSubmit_FailingWorkloadRecordsFailed(t *testing.T) {
	runner, status := newTestRunner(t, func(ctx context.Context, job jobstatus.Job, report Progress) error {
		return errors.New("synthetic failure")
	})

	sub, err := runner.Submit(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, status, sub.JobID)
	if job.Status != jobstatus.Failed {
		t.Errorf("final status = %v, want FAILED", job.Status)
	}
	if job.Message != "synthetic failure" {
		t.Errorf("message = %q, want %q", job.Message, "synthetic failure")
	}
}

func TestSubmit_PanickingWorkloadRecordsFailed(t *testing.T) {
	runner, status := newTestRunner(t, func(ctx context.Context, job jobstatus.Job, report Progress) error {
		panic("boom")
	})

	sub, err := runner.Submit(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, status, sub.JobID)
	if job.Status != jobstatus.Failed {
		t.Errorf("final status = %v, want FAILED after panic", job.Status)
	}
}

// P3-equivalent: a reservation is released even when the workload panics —
// verified here by checking the admission controller admits a fresh job for
// the same saturated tier afterward (XL allows only one concurrent
// reservation per user).
func TestSubmit_ReleasesReservationAfterPanic(t *testing.T) {
	runner, status := newTestRunner(t, func(ctx context.Context, job jobstatus.Job, report Progress) error {
		panic("boom")
	})

	sub, err := runner.Submit(context.Background(), "u1", 1_000_000)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminal(t, status, sub.JobID)

	if _, err := runner.Submit(context.Background(), "u1", 1_000_000); err != nil {
		t.Fatalf("expected slot to be freed after panic, got: %v", err)
	}
}
