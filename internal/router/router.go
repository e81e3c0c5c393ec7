// Package router owns all job and step state transitions. It consumes the
// event queue, advances each job's workflow, bounds retries, and finalizes
// jobs with recomputed aggregates and a best-effort callback. Workers never
// touch job state; everything they learn arrives here as an event.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"speechflow/internal/domain"
	"speechflow/internal/infra"
	"speechflow/internal/messaging"
)

// MaxRetries bounds attempts per step. A step is dispatched at most
// 1+MaxRetries times before the job fails.
const MaxRetries = 3

// Queues names the four queues the router talks to.
type Queues struct {
	Router  string
	LID     string
	Whisper string
	AI      string
}

// Notifier delivers the completion callback for a finished job and reports
// the delivery status, or "" when the job has no callback URL.
type Notifier interface {
	Notify(ctx context.Context, job *domain.Job) string
}

// Router is the pipeline's single control point.
type Router struct {
	store    domain.JobStore
	broker   messaging.Broker
	notifier Notifier
	queues   Queues
	logger   infra.Logger
	now      func() time.Time
}

// New builds a router.
func New(store domain.JobStore, broker messaging.Broker, notifier Notifier, queues Queues, logger infra.Logger) *Router {
	return &Router{
		store:    store,
		broker:   broker,
		notifier: notifier,
		queues:   queues,
		logger:   logger,
		now:      time.Now,
	}
}

// Run consumes the event queue until ctx is cancelled. Malformed events are
// dropped; a handling error leaves the message unacked for redelivery.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info().Str("queue", r.queues.Router).Msg("router: started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("router: stopping")
			return ctx.Err()
		default:
		}

		msgs, err := r.broker.Receive(ctx, r.queues.Router, 1, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			r.logger.Error().Err(err).Msg("router: receive failed")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			var ev domain.Event
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("router: malformed event dropped")
			} else if err := r.HandleEvent(ctx, ev); err != nil {
				r.logger.Error().
					Err(err).
					Str("job_id", ev.JobID).
					Str("event", string(ev.Event)).
					Msg("router: event handling failed")
				continue // unacked, transport redelivers
			}
			if err := r.broker.Ack(ctx, msg); err != nil {
				r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("router: ack failed")
			}
		}
	}
}

// HandleEvent applies one event inside a transaction. The callback for a job
// finalized by the event fires after commit, then its delivery status is
// written back in a follow-up update.
func (r *Router) HandleEvent(ctx context.Context, ev domain.Event) error {
	var finalized *domain.Job
	err := r.store.WithinTx(ctx, func(s domain.JobStore) error {
		job, err := r.apply(ctx, s, ev)
		finalized = job
		return err
	})
	if err != nil {
		return err
	}
	if finalized != nil {
		r.sendCallback(ctx, finalized)
	}
	return nil
}

// apply routes one event. It returns the job when the event finalized it, so
// the caller can deliver the callback outside the transaction.
func (r *Router) apply(ctx context.Context, s domain.JobStore, ev domain.Event) (*domain.Job, error) {
	job, err := s.GetJob(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn().Str("job_id", ev.JobID).Msg("router: event for unknown job dropped")
			return nil, nil
		}
		return nil, err
	}

	// Late events on terminal jobs (cancelled included) are no-ops.
	if job.Status.Terminal() {
		r.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Str("event", string(ev.Event)).
			Msg("router: event for terminal job dropped")
		return nil, nil
	}

	switch ev.Event {
	case domain.EventJobStarted:
		return nil, r.handleJobStarted(ctx, s, job)
	case domain.EventStepCompleted:
		return r.handleStepCompleted(ctx, s, job, ev)
	case domain.EventStepFailed:
		return r.handleStepFailed(ctx, s, job, ev)
	default:
		r.logger.Warn().Str("job_id", job.ID).Str("event", string(ev.Event)).Msg("router: unknown event dropped")
		return nil, nil
	}
}

func (r *Router) handleJobStarted(ctx context.Context, s domain.JobStore, job *domain.Job) error {
	if job.Status == domain.JobStatusProcessing {
		r.logger.Debug().Str("job_id", job.ID).Msg("router: duplicate start dropped")
		return nil
	}

	now := r.now()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = &now
	if job.QueuedAt == nil {
		job.QueuedAt = &now
	}
	if err := s.UpdateJob(ctx, job); err != nil {
		return err
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("workflow", string(job.WorkflowType)).
		Msg("router: job started")

	switch job.WorkflowType {
	case domain.WorkflowFullPipeline, domain.WorkflowLIDOnly:
		if _, err := r.createStep(ctx, s, job.ID, domain.StepLID); err != nil {
			return err
		}
		return r.dispatch(ctx, r.queues.LID, domain.DispatchMessage{JobID: job.ID})

	case domain.WorkflowTranscribeOnly:
		if _, err := r.createStep(ctx, s, job.ID, domain.StepTranscribe); err != nil {
			return err
		}
		return r.dispatchTranscribe(ctx, job, r.resolveTranscribeLanguage(ctx, s, job))

	case domain.WorkflowTranslateOnly:
		if _, err := r.createStep(ctx, s, job.ID, domain.StepTranslate); err != nil {
			return err
		}
		return r.dispatch(ctx, r.queues.AI, domain.DispatchMessage{
			JobID:          job.ID,
			Task:           domain.TaskTranslate,
			Text:           job.Metadata["text"],
			Language:       resolveTranslateLanguage(job),
			TargetLanguage: job.TargetLanguage,
		})

	case domain.WorkflowSummarizeOnly:
		if _, err := r.createStep(ctx, s, job.ID, domain.StepSummarize); err != nil {
			return err
		}
		return r.dispatch(ctx, r.queues.AI, domain.DispatchMessage{
			JobID: job.ID,
			Task:  domain.TaskSummarize,
			Text:  job.Metadata["text"],
		})

	default:
		r.logger.Error().Str("job_id", job.ID).Str("workflow", string(job.WorkflowType)).Msg("router: unknown workflow")
		return r.finalize(ctx, s, job, domain.JobStatusFailed)
	}
}

func (r *Router) handleStepCompleted(ctx context.Context, s domain.JobStore, job *domain.Job, ev domain.Event) (*domain.Job, error) {
	step, err := s.GetStep(ctx, job.ID, ev.StepName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn().
				Str("job_id", job.ID).
				Str("step", string(ev.StepName)).
				Msg("router: completion for unknown step dropped")
			return nil, nil
		}
		return nil, err
	}

	now := r.now()
	step.Status = domain.StepStatusCompleted
	step.ErrorMessage = ""
	step.ApplyMetrics(ev.Metrics)
	if step.CompletedAt == nil {
		step.CompletedAt = &now
	}
	if ev.Result != nil {
		step.ResultPayload = ev.Result
		if path, ok := ev.Result["blob_path"].(string); ok {
			step.ResultBlobPath = path
		}
	}
	if err := s.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("step", string(ev.StepName)).
		Msg("router: step completed")

	switch ev.StepName {
	case domain.StepLID:
		if job.WorkflowType == domain.WorkflowLIDOnly {
			return r.finalizeAndReturn(ctx, s, job, domain.JobStatusCompleted)
		}
		lang := step.DetectedLanguage
		if lang == "" {
			if v, ok := ev.Result["language"].(string); ok {
				lang = v
			}
		}
		if lang == "" {
			lang = r.resolveTranscribeLanguage(ctx, s, job)
		}
		if _, err := r.createStep(ctx, s, job.ID, domain.StepTranscribe); err != nil {
			return nil, err
		}
		return nil, r.dispatchTranscribe(ctx, job, lang)

	case domain.StepTranscribe:
		if job.WorkflowType != domain.WorkflowFullPipeline {
			return r.finalizeAndReturn(ctx, s, job, domain.JobStatusCompleted)
		}
		text, _ := ev.Result["text_preview"].(string)
		if _, err := r.createStep(ctx, s, job.ID, domain.StepSummarize); err != nil {
			return nil, err
		}
		return nil, r.dispatch(ctx, r.queues.AI, domain.DispatchMessage{
			JobID: job.ID,
			Task:  domain.TaskSummarize,
			Text:  text,
		})

	case domain.StepSummarize, domain.StepTranslate:
		return r.finalizeAndReturn(ctx, s, job, domain.JobStatusCompleted)

	default:
		r.logger.Warn().Str("job_id", job.ID).Str("step", string(ev.StepName)).Msg("router: completion for unknown step name dropped")
		return nil, nil
	}
}

func (r *Router) handleStepFailed(ctx context.Context, s domain.JobStore, job *domain.Job, ev domain.Event) (*domain.Job, error) {
	step, err := s.GetStep(ctx, job.ID, ev.StepName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn().
				Str("job_id", job.ID).
				Str("step", string(ev.StepName)).
				Msg("router: failure for unknown step dropped")
			return nil, nil
		}
		return nil, err
	}

	if step.RetryCount >= MaxRetries {
		return r.failStep(ctx, s, job, step, ev, ev.Error)
	}

	// Permanent preconditions short-circuit to terminal failure without
	// consuming a retry slot: no amount of retrying restores lost input.
	var text string
	switch step.StepName {
	case domain.StepSummarize:
		var ok bool
		if text, ok = r.resolveSummarizeInput(ctx, s, job); !ok {
			return r.failStep(ctx, s, job, step, ev, "cannot retry: missing input text")
		}
	case domain.StepTranslate:
		if text = job.Metadata["text"]; text == "" {
			return r.failStep(ctx, s, job, step, ev, "cannot retry: missing source text")
		}
	}

	// Retry mutates the same row: bump the count, re-queue, redispatch.
	now := r.now()
	step.RetryCount++
	step.Status = domain.StepStatusQueued
	step.QueuedAt = &now
	step.ErrorMessage = ev.Error
	if ev.Metrics != nil && ev.Metrics.ErrorCode != "" {
		step.ErrorCode = ev.Metrics.ErrorCode
	}
	if err := s.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	r.logger.Warn().
		Str("job_id", job.ID).
		Str("step", string(ev.StepName)).
		Int("retry", step.RetryCount).
		Str("error", ev.Error).
		Msg("router: retrying step")

	switch step.StepName {
	case domain.StepLID:
		return nil, r.dispatch(ctx, r.queues.LID, domain.DispatchMessage{JobID: job.ID})

	case domain.StepTranscribe:
		return nil, r.dispatchTranscribe(ctx, job, r.resolveTranscribeLanguage(ctx, s, job))

	case domain.StepSummarize:
		return nil, r.dispatch(ctx, r.queues.AI, domain.DispatchMessage{
			JobID: job.ID,
			Task:  domain.TaskSummarize,
			Text:  text,
		})

	case domain.StepTranslate:
		return nil, r.dispatch(ctx, r.queues.AI, domain.DispatchMessage{
			JobID:          job.ID,
			Task:           domain.TaskTranslate,
			Text:           text,
			Language:       resolveTranslateLanguage(job),
			TargetLanguage: job.TargetLanguage,
		})

	default:
		r.logger.Warn().Str("job_id", job.ID).Str("step", string(step.StepName)).Msg("router: failure for unknown step name dropped")
		return nil, nil
	}
}

// failStep marks the step FAILED and finalizes the job.
func (r *Router) failStep(ctx context.Context, s domain.JobStore, job *domain.Job, step *domain.JobStep, ev domain.Event, message string) (*domain.Job, error) {
	now := r.now()
	step.Status = domain.StepStatusFailed
	step.ErrorMessage = message
	step.ApplyMetrics(ev.Metrics)
	if step.CompletedAt == nil {
		step.CompletedAt = &now
	}
	if err := s.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	r.logger.Error().
		Str("job_id", job.ID).
		Str("step", string(step.StepName)).
		Str("error", message).
		Msg("router: step failed terminally")

	return r.finalizeAndReturn(ctx, s, job, domain.JobStatusFailed)
}

func (r *Router) createStep(ctx context.Context, s domain.JobStore, jobID string, name domain.StepName) (*domain.JobStep, error) {
	now := r.now()
	step := &domain.JobStep{
		StepID:   uuid.NewString(),
		JobID:    jobID,
		StepName: name,
		Status:   domain.StepStatusQueued,
		QueuedAt: &now,
	}
	if err := s.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// finalize recomputes job aggregates from the step rows and moves the job to
// its terminal status. Aggregates are always recomputed whole, never bumped
// incrementally, so replayed events cannot double-count.
func (r *Router) finalize(ctx context.Context, s domain.JobStore, job *domain.Job, status domain.JobStatus) error {
	steps, err := s.ListSteps(ctx, job.ID)
	if err != nil {
		return err
	}

	totalTokens := 0
	totalCost := 0.0
	for i := range steps {
		if steps[i].TotalTokens != nil {
			totalTokens += *steps[i].TotalTokens
		}
		if steps[i].APICostUSD != nil {
			totalCost += *steps[i].APICostUSD
		}
		if steps[i].StepName == domain.StepLID && steps[i].DetectedLanguage != "" && job.SourceLanguage == "" {
			job.SourceLanguage = steps[i].DetectedLanguage
		}
	}

	now := r.now()
	job.Status = status
	job.CompletedAt = &now
	job.TotalTokensUsed = totalTokens
	job.TotalCostUSD = totalCost
	if err := s.UpdateJob(ctx, job); err != nil {
		return err
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("total_tokens", totalTokens).
		Float64("total_cost_usd", totalCost).
		Msg("router: job finalized")
	return nil
}

func (r *Router) finalizeAndReturn(ctx context.Context, s domain.JobStore, job *domain.Job, status domain.JobStatus) (*domain.Job, error) {
	if err := r.finalize(ctx, s, job, status); err != nil {
		return nil, err
	}
	return job, nil
}

// sendCallback delivers the completion callback and records the delivery
// status. Delivery failure never changes the job status.
func (r *Router) sendCallback(ctx context.Context, job *domain.Job) {
	status := r.notifier.Notify(ctx, job)
	if status == "" {
		return
	}
	now := r.now()
	job.CallbackStatus = status
	job.CallbackSentAt = &now
	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("router: record callback status failed")
	}
}
