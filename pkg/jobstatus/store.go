package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by Get when no job exists for the given id.
var ErrNotFound = errors.New("jobstatus: job not found")

const jobColumns = `job_id, user_id, tier, status, requested_count, processed_count, message, started_at, finished_at`

// Store persists Job records in Postgres. Progress updates are written
// asynchronously through a bounded buffer (progressWriter, modeled on the
// teacher's audit.Writer); terminal writes go straight to the pool so a
// dropped write can never leave a job stuck non-terminal.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	writer *progressWriter
}

// New creates a Store backed by pool and its async progress writer. Call
// Start to run the writer and Close to flush and stop it.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	s := &Store{pool: pool, logger: logger}
	s.writer = newProgressWriter(pool, logger)
	return s
}

// Start begins the background progress-flushing goroutine. Mirrors the
// teacher's audit.Writer Start/Close lifecycle.
func (s *Store) Start(ctx context.Context) {
	s.writer.start(ctx)
}

// Close waits for all buffered progress updates to flush.
func (s *Store) Close() {
	s.writer.close()
}

// Create inserts a new job row in PENDING status. Called by the admission
// controller's caller at the moment a reservation succeeds (spec.md §4.G
// step 1).
func (s *Store) Create(ctx context.Context, job Job) error {
	query := `INSERT INTO jobstatus (` + jobColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		job.JobID, job.UserID, job.Tier, job.Status, job.RequestedCount,
		job.ProcessedCount, job.Message, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("jobstatus: creating job %s: %w", job.JobID, err)
	}
	return nil
}

// MarkInProgress transitions a job from PENDING to IN_PROGRESS. This is a
// synchronous write: it happens once per job, not on a hot progress-update
// path, so there's no reason to risk dropping it.
func (s *Store) MarkInProgress(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobstatus SET status = $2, updated_at = now() WHERE job_id = $1`,
		jobID, InProgress,
	)
	if err != nil {
		return fmt.Errorf("jobstatus: marking %s in progress: %w", jobID, err)
	}
	return nil
}

// UpdateProgress enqueues a processedCount/message update for jobID. It
// never blocks the runner: a full buffer drops the update and logs a
// warning, same policy as the teacher's audit.Writer.Log.
func (s *Store) UpdateProgress(jobID string, processedCount int64, message string) {
	s.writer.enqueue(progressUpdate{jobID: jobID, processedCount: processedCount, message: message})
}

// MarkCompleted writes terminal COMPLETED status synchronously.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, processedCount int64, message string) error {
	return s.markTerminal(ctx, jobID, Completed, processedCount, message)
}

// MarkFailed writes terminal FAILED status synchronously.
func (s *Store) MarkFailed(ctx context.Context, jobID string, processedCount int64, message string) error {
	return s.markTerminal(ctx, jobID, Failed, processedCount, message)
}

func (s *Store) markTerminal(ctx context.Context, jobID string, status Status, processedCount int64, message string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx,
		`UPDATE jobstatus SET status = $2, processed_count = $3, message = $4, finished_at = $5, updated_at = now() WHERE job_id = $1`,
		jobID, status, processedCount, message, now,
	)
	if err != nil {
		return fmt.Errorf("jobstatus: writing terminal status for %s: %w", jobID, err)
	}
	return nil
}

// Get returns the job record for jobID, or ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, jobID string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobstatus WHERE job_id = $1`
	row := s.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobstatus: getting job %s: %w", jobID, err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.JobID, &j.UserID, &j.Tier, &j.Status, &j.RequestedCount,
		&j.ProcessedCount, &j.Message, &j.StartedAt, &j.FinishedAt,
	)
	return j, err
}

// progressUpdate is one buffered progress write.
type progressUpdate struct {
	jobID          string
	processedCount int64
	message        string
}

const (
	progressBufferSize = 256
	progressFlushEvery = 2 * time.Second
	progressFlushBatch = 32
)

// progressWriter is an async, buffered writer for non-terminal progress
// updates, modeled directly on internal/audit.Writer: a channel, a
// background goroutine, a full buffer drops-and-logs rather than blocking
// the runner goroutine that called UpdateProgress.
type progressWriter struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	updates chan progressUpdate
	wg      sync.WaitGroup
}

func newProgressWriter(pool *pgxpool.Pool, logger *slog.Logger) *progressWriter {
	return &progressWriter{
		pool:    pool,
		logger:  logger,
		updates: make(chan progressUpdate, progressBufferSize),
	}
}

func (w *progressWriter) start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *progressWriter) close() {
	close(w.updates)
	w.wg.Wait()
}

func (w *progressWriter) enqueue(u progressUpdate) {
	select {
	case w.updates <- u:
	default:
		w.logger.Warn("progress update buffer full, dropping update", "job_id", u.jobID)
	}
}

func (w *progressWriter) run(ctx context.Context) {
	ticker := time.NewTicker(progressFlushEvery)
	defer ticker.Stop()

	batch := make([]progressUpdate, 0, progressFlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case u, ok := <-w.updates:
			if !ok {
				flush()
				return
			}
			batch = append(batch, u)
			if len(batch) >= progressFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case u, ok := <-w.updates:
					if !ok {
						flush()
						return
					}
					batch = append(batch, u)
				default:
					flush()
					return
				}
			}
		}
	}
}

// dedupeLatest keeps only the latest update per job id, so a batch
// containing several updates for the same job issues one write instead of
// several stale ones.
func dedupeLatest(batch []progressUpdate) map[string]progressUpdate {
	latest := make(map[string]progressUpdate, len(batch))
	for _, u := range batch {
		latest[u.jobID] = u
	}
	return latest
}

// flush writes a batch of progress updates, keeping only the latest update
// per job (earlier ones in the same batch are superseded).
func (w *progressWriter) flush(batch []progressUpdate) {
	latest := dedupeLatest(batch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for jobID, u := range latest {
		_, err := w.pool.Exec(ctx,
			`UPDATE jobstatus SET processed_count = $2, message = $3, updated_at = now() WHERE job_id = $1`,
			jobID, u.processedCount, u.message,
		)
		if err != nil {
			w.logger.Error("flushing progress update", "job_id", jobID, "error", err)
		}
	}
}
