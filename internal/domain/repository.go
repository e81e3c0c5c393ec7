package domain

import "context"

// ListJobsFilter narrows and pages a job listing.
type ListJobsFilter struct {
	Status       JobStatus
	WorkflowType WorkflowType
	Limit        int
	Offset       int
}

// JobStore defines persistence for jobs and their steps. The router is the
// only writer once a job is queued; the submission API creates jobs and
// flips them to QUEUED/CANCELLED.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, filter ListJobsFilter) ([]Job, int, error)

	CreateStep(ctx context.Context, step *JobStep) error
	GetStep(ctx context.Context, jobID string, name StepName) (*JobStep, error)
	UpdateStep(ctx context.Context, step *JobStep) error
	ListSteps(ctx context.Context, jobID string) ([]JobStep, error)

	// WithinTx runs fn against a store view whose mutations commit together.
	// The router wraps each event's read-modify-write in one call so
	// concurrent consumers cannot interleave partial updates on a job.
	WithinTx(ctx context.Context, fn func(JobStore) error) error
}
