package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job is already in a terminal state")
)

// Job is the persisted job record.
type Job struct {
	JobID          string          `json:"job_id"`
	SourceURL      string          `json:"source_url"`
	LanguageHint   string          `json:"language_hint,omitempty"`
	AllowPaid      bool            `json:"allow_paid_providers"`
	GenerationMode string          `json:"generation_mode,omitempty"`
	VoiceParams    json.RawMessage `json:"voice_params,omitempty"`
	Status         JobStatus       `json:"status"`
	Path           string          `json:"path,omitempty"`
	Transcript     *string         `json:"transcript,omitempty"`
	Provider       *string         `json:"provider,omitempty"`
	ErrorType      *string         `json:"error_type,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// AttemptRow is one provider attempt recorded against a job.
type AttemptRow struct {
	Seq        int       `json:"seq"`
	Provider   string    `json:"provider"`
	URL        string    `json:"url"`
	Applicable bool      `json:"applicable"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []string
	Limit    int
	Offset   int
}

const jobColumns = `job_id, source_url, COALESCE(language_hint, ''), allow_paid,
	COALESCE(generation_mode, ''), voice_params, status, COALESCE(path, ''),
	transcript, provider, error_type, error_message, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.JobID, &j.SourceURL, &j.LanguageHint, &j.AllowPaid,
		&j.GenerationMode, &j.VoiceParams, &j.Status, &j.Path,
		&j.Transcript, &j.Provider, &j.ErrorType, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a PENDING job. It returns false without error when the
// job id already exists, so a duplicate submit is a no-op.
func (db *DB) CreateJob(ctx context.Context, j *Job) (bool, error) {
	var voice any
	if len(j.VoiceParams) > 0 {
		voice = j.VoiceParams
	}
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO jobs (job_id, source_url, language_hint, allow_paid, generation_mode, voice_params, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')
		ON CONFLICT (job_id) DO NOTHING
	`, j.JobID, j.SourceURL, pqString(j.LanguageHint), j.AllowPaid, pqString(j.GenerationMode), voice)
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", j.JobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob loads a job by id.
func (db *DB) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

// MarkProcessing moves a job to PROCESSING and records the chosen path.
// Repeating it on a PROCESSING job is allowed.
func (db *DB) MarkProcessing(ctx context.Context, jobID, path string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = 'PROCESSING', path = COALESCE($2, path), updated_at = now()
		WHERE job_id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, jobID, pqString(path))
	if err != nil {
		return fmt.Errorf("mark job %s processing: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionErr(ctx, jobID)
	}
	return nil
}

// SaveTranscript stores the final transcript. Writing the same job twice
// keeps the last value.
func (db *DB) SaveTranscript(ctx context.Context, jobID, transcript, provider string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET transcript = $2, provider = $3, updated_at = now()
		WHERE job_id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
	`, jobID, transcript, pqString(provider))
	if err != nil {
		return fmt.Errorf("save transcript for %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionErr(ctx, jobID)
	}
	return nil
}

// MarkCompleted moves a job to COMPLETED.
func (db *DB) MarkCompleted(ctx context.Context, jobID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = 'COMPLETED', updated_at = now(), completed_at = now()
		WHERE job_id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
	`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionErr(ctx, jobID)
	}
	return nil
}

// MarkFailed moves a job to FAILED with a classified reason.
func (db *DB) MarkFailed(ctx context.Context, jobID, errorType, message string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = 'FAILED', error_type = $2, error_message = $3,
			updated_at = now(), completed_at = now()
		WHERE job_id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
	`, jobID, pqString(errorType), pqString(message))
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionErr(ctx, jobID)
	}
	return nil
}

// transitionErr explains why a guarded update touched no rows.
func (db *DB) transitionErr(ctx context.Context, jobID string) error {
	var status JobStatus
	err := db.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, status)
	}
	return fmt.Errorf("job %s in unexpected state %s", jobID, status)
}

// AppendAttempts records provider attempts after any already stored for
// the job.
func (db *DB) AppendAttempts(ctx context.Context, jobID string, attempts []AttemptRow) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_attempts WHERE job_id = $1`, jobID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next attempt seq: %w", err)
	}

	batch := &pgx.Batch{}
	for i, a := range attempts {
		batch.Queue(`
			INSERT INTO job_attempts (job_id, seq, provider, url, applicable, success, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, jobID, next+i, a.Provider, a.URL, a.Applicable, a.Success, pqString(a.Error))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert attempts for %s: %w", jobID, err)
	}
	return tx.Commit(ctx)
}

// ListAttempts returns a job's attempt history in order.
func (db *DB) ListAttempts(ctx context.Context, jobID string) ([]AttemptRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT seq, provider, url, applicable, success, COALESCE(error, ''), created_at
		FROM job_attempts WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var a AttemptRow
		if err := rows.Scan(&a.Seq, &a.Provider, &a.URL, &a.Applicable, &a.Success, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if out == nil {
		out = []AttemptRow{}
	}
	return out, rows.Err()
}

// ListJobs returns jobs newest first with the total matching count.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]Job, int, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var total int
	if err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE ($1::text[] IS NULL OR status = ANY($1))`,
		pqStringArray(f.Statuses),
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1::text[] IS NULL OR status = ANY($1))
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, pqStringArray(f.Statuses), limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, total, rows.Err()
}

// ListStaleJobs returns non-terminal jobs not updated for olderThan.
func (db *DB) ListStaleJobs(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at
	`, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns the number of jobs per status.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := db.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[JobStatus]int{
		JobPending: 0, JobProcessing: 0, JobCompleted: 0, JobFailed: 0,
	}
	for rows.Next() {
		var s JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
