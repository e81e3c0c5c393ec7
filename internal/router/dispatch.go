package router

import (
	"context"
	"errors"

	"speechflow/internal/domain"
	"speechflow/internal/messaging"
)

// dispatch stamps the message and sends it to a stage queue.
func (r *Router) dispatch(ctx context.Context, queue string, msg domain.DispatchMessage) error {
	msg.QueuedAt = r.now()
	if err := messaging.SendJSON(ctx, r.broker, queue, msg); err != nil {
		return err
	}
	r.logger.Info().
		Str("job_id", msg.JobID).
		Str("queue", queue).
		Str("task", msg.Task).
		Msg("router: dispatched")
	return nil
}

// dispatchTranscribe routes transcription by language: English goes to the
// AI-managed queue, everything else to the whisper inference queue.
func (r *Router) dispatchTranscribe(ctx context.Context, job *domain.Job, language string) error {
	if language == "en" {
		return r.dispatch(ctx, r.queues.AI, domain.DispatchMessage{
			JobID:    job.ID,
			Task:     domain.TaskTranscribe,
			Language: language,
		})
	}
	return r.dispatch(ctx, r.queues.Whisper, domain.DispatchMessage{
		JobID:    job.ID,
		Language: language,
	})
}

// resolveTranscribeLanguage picks the transcription language: the LID
// detection when one exists, then the job's declared source language, then
// the submitter's metadata hint, then English.
func (r *Router) resolveTranscribeLanguage(ctx context.Context, s domain.JobStore, job *domain.Job) string {
	step, err := s.GetStep(ctx, job.ID, domain.StepLID)
	if err == nil && step.DetectedLanguage != "" {
		return step.DetectedLanguage
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("router: lid step lookup failed")
	}
	if job.SourceLanguage != "" {
		return job.SourceLanguage
	}
	if lang := job.Metadata["language"]; lang != "" {
		return lang
	}
	return "en"
}

// resolveTranslateLanguage picks the source language for a translate task.
// Translate jobs are text-only and never run LID, so the chain is the job's
// declared source language, then the submitter's metadata hint. With neither
// present the language stays empty and the prompt carries no source clause.
func resolveTranslateLanguage(job *domain.Job) string {
	if job.SourceLanguage != "" {
		return job.SourceLanguage
	}
	return job.Metadata["language"]
}

// resolveSummarizeInput recovers the summarization input for a retry: the
// transcript preview for pipeline jobs, the submitted text otherwise.
func (r *Router) resolveSummarizeInput(ctx context.Context, s domain.JobStore, job *domain.Job) (string, bool) {
	if job.WorkflowType == domain.WorkflowSummarizeOnly {
		text := job.Metadata["text"]
		return text, text != ""
	}
	step, err := s.GetStep(ctx, job.ID, domain.StepTranscribe)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("router: transcribe step lookup failed")
		}
		return "", false
	}
	text, _ := step.ResultPayload["text_preview"].(string)
	return text, text != ""
}

// StartJob emits the JOB_STARTED event that kicks off routing. The submission
// API calls this once a job's audio upload is confirmed.
func StartJob(ctx context.Context, b messaging.Broker, routerQueue, jobID string) error {
	return messaging.SendJSON(ctx, b, routerQueue, domain.Event{
		JobID: jobID,
		Event: domain.EventJobStarted,
	})
}
