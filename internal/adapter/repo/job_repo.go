package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"speechflow/internal/domain"
)

// Schema creates the jobs and job_steps tables. Applied by deployment
// tooling. The unique index on (job_id, step_name) enforces the
// one-active-row-per-stage invariant at the storage layer.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id            UUID PRIMARY KEY,
    customer_id       TEXT NOT NULL DEFAULT 'default',
    workflow_type     TEXT NOT NULL,
    status            TEXT NOT NULL,
    audio_filename    TEXT NOT NULL DEFAULT '',
    source_language   TEXT NOT NULL DEFAULT '',
    target_language   TEXT NOT NULL DEFAULT '',
    callback_url      TEXT NOT NULL DEFAULT '',
    callback_status   TEXT NOT NULL DEFAULT '',
    callback_sent_at  TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    queued_at         TIMESTAMPTZ,
    started_at        TIMESTAMPTZ,
    completed_at      TIMESTAMPTZ,
    total_tokens_used INT NOT NULL DEFAULT 0,
    total_cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata          JSONB
);

CREATE TABLE IF NOT EXISTS job_steps (
    step_id                UUID PRIMARY KEY,
    job_id                 UUID NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    step_name              TEXT NOT NULL,
    status                 TEXT NOT NULL,
    retry_count            INT NOT NULL DEFAULT 0,
    queued_at              TIMESTAMPTZ,
    dequeued_at            TIMESTAMPTZ,
    started_at             TIMESTAMPTZ,
    completed_at           TIMESTAMPTZ,
    queue_wait_ms          INT,
    processing_duration_ms INT,
    worker_id              TEXT NOT NULL DEFAULT '',
    worker_node            TEXT NOT NULL DEFAULT '',
    worker_node_pool       TEXT NOT NULL DEFAULT '',
    model_name             TEXT NOT NULL DEFAULT '',
    model_version          TEXT NOT NULL DEFAULT '',
    detected_language      TEXT NOT NULL DEFAULT '',
    language_confidence    DOUBLE PRECISION,
    transcript_word_count  INT,
    transcript_char_count  INT,
    transcription_rtf      DOUBLE PRECISION,
    prompt_tokens          INT,
    completion_tokens      INT,
    total_tokens           INT,
    api_cost_usd           DOUBLE PRECISION,
    error_code             TEXT NOT NULL DEFAULT '',
    error_message          TEXT NOT NULL DEFAULT '',
    result_blob_path       TEXT NOT NULL DEFAULT '',
    result_payload         JSONB,
    UNIQUE (job_id, step_name)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created
    ON jobs (status, created_at DESC);
`

type querier interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// JobStorePG implements domain.JobStore on PostgreSQL.
type JobStorePG struct {
	db   querier
	pool *pgxpool.Pool
}

// NewJobStore creates a job store backed by the given pool.
func NewJobStore(pool *pgxpool.Pool) *JobStorePG {
	return &JobStorePG{db: pool, pool: pool}
}

// EnsureSchema applies the jobs/job_steps schema.
func (s *JobStorePG) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// WithinTx runs fn against a transactional view of the store. Nested calls
// reuse the already-open transaction.
func (s *JobStorePG) WithinTx(ctx context.Context, fn func(domain.JobStore) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repo: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&JobStorePG{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const jobColumns = `job_id, customer_id, workflow_type, status, audio_filename,
source_language, target_language, callback_url, callback_status, callback_sent_at,
created_at, updated_at, queued_at, started_at, completed_at,
total_tokens_used, total_cost_usd, metadata`

func (s *JobStorePG) CreateJob(ctx context.Context, job *domain.Job) error {
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18);
`,
		job.ID, job.CustomerID, job.WorkflowType, job.Status, job.AudioFilename,
		job.SourceLanguage, job.TargetLanguage, job.CallbackURL, job.CallbackStatus, job.CallbackSentAt,
		job.CreatedAt, job.UpdatedAt, job.QueuedAt, job.StartedAt, job.CompletedAt,
		job.TotalTokensUsed, job.TotalCostUSD, metadata,
	)
	if err != nil {
		return fmt.Errorf("repo: create job: %w", err)
	}
	return nil
}

func (s *JobStorePG) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1;`, jobID)
	return scanJob(row)
}

func (s *JobStorePG) UpdateJob(ctx context.Context, job *domain.Job) error {
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE jobs
SET status = $2,
    source_language = $3,
    target_language = $4,
    callback_status = $5,
    callback_sent_at = $6,
    updated_at = now(),
    queued_at = $7,
    started_at = $8,
    completed_at = $9,
    total_tokens_used = $10,
    total_cost_usd = $11,
    metadata = $12
WHERE job_id = $1;
`,
		job.ID, job.Status, job.SourceLanguage, job.TargetLanguage,
		job.CallbackStatus, job.CallbackSentAt,
		job.QueuedAt, job.StartedAt, job.CompletedAt,
		job.TotalTokensUsed, job.TotalCostUSD, metadata,
	)
	if err != nil {
		return fmt.Errorf("repo: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *JobStorePG) ListJobs(ctx context.Context, filter domain.ListJobsFilter) ([]domain.Job, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		where += fmt.Sprintf(" AND workflow_type = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM jobs`+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repo: count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+` FROM jobs`+where+fmt.Sprintf(`
ORDER BY created_at DESC
LIMIT $%d OFFSET $%d;`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("repo: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, rows.Err()
}

const stepColumns = `step_id, job_id, step_name, status, retry_count,
queued_at, dequeued_at, started_at, completed_at,
queue_wait_ms, processing_duration_ms,
worker_id, worker_node, worker_node_pool,
model_name, model_version,
detected_language, language_confidence,
transcript_word_count, transcript_char_count, transcription_rtf,
prompt_tokens, completion_tokens, total_tokens, api_cost_usd,
error_code, error_message, result_blob_path, result_payload`

func (s *JobStorePG) CreateStep(ctx context.Context, step *domain.JobStep) error {
	payload, err := marshalPayload(step.ResultPayload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO job_steps (`+stepColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29);
`,
		step.StepID, step.JobID, step.StepName, step.Status, step.RetryCount,
		step.QueuedAt, step.DequeuedAt, step.StartedAt, step.CompletedAt,
		step.QueueWaitMS, step.ProcessingDurationMS,
		step.WorkerID, step.WorkerNode, step.WorkerNodePool,
		step.ModelName, step.ModelVersion,
		step.DetectedLanguage, step.LanguageConfidence,
		step.TranscriptWordCount, step.TranscriptCharCount, step.TranscriptionRTF,
		step.PromptTokens, step.CompletionTokens, step.TotalTokens, step.APICostUSD,
		step.ErrorCode, step.ErrorMessage, step.ResultBlobPath, payload,
	)
	if err != nil {
		return fmt.Errorf("repo: create step: %w", err)
	}
	return nil
}

func (s *JobStorePG) GetStep(ctx context.Context, jobID string, name domain.StepName) (*domain.JobStep, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+stepColumns+` FROM job_steps WHERE job_id = $1 AND step_name = $2;
`, jobID, name)
	return scanStep(row)
}

func (s *JobStorePG) UpdateStep(ctx context.Context, step *domain.JobStep) error {
	payload, err := marshalPayload(step.ResultPayload)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE job_steps
SET status = $2, retry_count = $3,
    queued_at = $4, dequeued_at = $5, started_at = $6, completed_at = $7,
    queue_wait_ms = $8, processing_duration_ms = $9,
    worker_id = $10, worker_node = $11, worker_node_pool = $12,
    model_name = $13, model_version = $14,
    detected_language = $15, language_confidence = $16,
    transcript_word_count = $17, transcript_char_count = $18, transcription_rtf = $19,
    prompt_tokens = $20, completion_tokens = $21, total_tokens = $22, api_cost_usd = $23,
    error_code = $24, error_message = $25, result_blob_path = $26, result_payload = $27
WHERE step_id = $1;
`,
		step.StepID, step.Status, step.RetryCount,
		step.QueuedAt, step.DequeuedAt, step.StartedAt, step.CompletedAt,
		step.QueueWaitMS, step.ProcessingDurationMS,
		step.WorkerID, step.WorkerNode, step.WorkerNodePool,
		step.ModelName, step.ModelVersion,
		step.DetectedLanguage, step.LanguageConfidence,
		step.TranscriptWordCount, step.TranscriptCharCount, step.TranscriptionRTF,
		step.PromptTokens, step.CompletionTokens, step.TotalTokens, step.APICostUSD,
		step.ErrorCode, step.ErrorMessage, step.ResultBlobPath, payload,
	)
	if err != nil {
		return fmt.Errorf("repo: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *JobStorePG) ListSteps(ctx context.Context, jobID string) ([]domain.JobStep, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+stepColumns+` FROM job_steps WHERE job_id = $1 ORDER BY queued_at ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("repo: list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.JobStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var metadata []byte
	err := row.Scan(
		&job.ID, &job.CustomerID, &job.WorkflowType, &job.Status, &job.AudioFilename,
		&job.SourceLanguage, &job.TargetLanguage, &job.CallbackURL, &job.CallbackStatus, &job.CallbackSentAt,
		&job.CreatedAt, &job.UpdatedAt, &job.QueuedAt, &job.StartedAt, &job.CompletedAt,
		&job.TotalTokensUsed, &job.TotalCostUSD, &metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan job: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("repo: decode job metadata: %w", err)
		}
	}
	return &job, nil
}

func scanStep(row pgx.Row) (*domain.JobStep, error) {
	var step domain.JobStep
	var payload []byte
	err := row.Scan(
		&step.StepID, &step.JobID, &step.StepName, &step.Status, &step.RetryCount,
		&step.QueuedAt, &step.DequeuedAt, &step.StartedAt, &step.CompletedAt,
		&step.QueueWaitMS, &step.ProcessingDurationMS,
		&step.WorkerID, &step.WorkerNode, &step.WorkerNodePool,
		&step.ModelName, &step.ModelVersion,
		&step.DetectedLanguage, &step.LanguageConfidence,
		&step.TranscriptWordCount, &step.TranscriptCharCount, &step.TranscriptionRTF,
		&step.PromptTokens, &step.CompletionTokens, &step.TotalTokens, &step.APICostUSD,
		&step.ErrorCode, &step.ErrorMessage, &step.ResultBlobPath, &payload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan step: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &step.ResultPayload); err != nil {
			return nil, fmt.Errorf("repo: decode step payload: %w", err)
		}
	}
	return &step, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("repo: encode job metadata: %w", err)
	}
	return b, nil
}

func marshalPayload(p map[string]any) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("repo: encode step payload: %w", err)
	}
	return b, nil
}
