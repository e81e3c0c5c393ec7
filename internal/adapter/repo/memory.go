package repo

import (
	"context"
	"sort"
	"sync"

	"speechflow/internal/domain"
)

// MemoryStore is an in-process domain.JobStore for tests and single-node
// development. WithinTx serializes callers, which is enough atomicity for a
// single process.
type MemoryStore struct {
	txMu sync.Mutex

	mu    sync.Mutex
	jobs  map[string]domain.Job
	steps map[string]map[domain.StepName]domain.JobStep
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]domain.Job),
		steps: make(map[string]map[domain.StepName]domain.JobStep),
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(domain.JobStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter domain.ListJobsFilter) ([]domain.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.WorkflowType != "" && job.WorkflowType != filter.WorkflowType {
			continue
		}
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) CreateStep(ctx context.Context, step *domain.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[step.JobID] == nil {
		s.steps[step.JobID] = make(map[domain.StepName]domain.JobStep)
	}
	s.steps[step.JobID][step.StepName] = *step
	return nil
}

func (s *MemoryStore) GetStep(ctx context.Context, jobID string, name domain.StepName) (*domain.JobStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[jobID][name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &step, nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, step *domain.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.JobID][step.StepName]; !ok {
		return domain.ErrNotFound
	}
	s.steps[step.JobID][step.StepName] = *step
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, jobID string) ([]domain.JobStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var steps []domain.JobStep
	for _, step := range s.steps[jobID] {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		qi, qj := steps[i].QueuedAt, steps[j].QueuedAt
		if qi == nil || qj == nil {
			return qj == nil
		}
		return qi.Before(*qj)
	})
	return steps, nil
}
