package worker

import (
	"context"
	"fmt"
	"time"

	"speechflow/internal/capability"
	"speechflow/internal/domain"
	"speechflow/internal/storage"
)

const previewLimit = 500

func preview(text string) string {
	if len(text) > previewLimit {
		return text[:previewLimit]
	}
	return text
}

// loadAudio resolves a job's raw audio blob. Missing jobs and missing blobs
// are precondition failures, not transient ones.
func loadAudio(ctx context.Context, jobs JobLookup, blobs storage.BlobStore, container, jobID string) ([]byte, error) {
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, &capability.Error{
			Code:    capability.CodeMissingInput,
			Message: fmt.Sprintf("look up job %s: %v", jobID, err),
		}
	}
	if job.AudioFilename == "" {
		return nil, &capability.Error{
			Code:    capability.CodeMissingInput,
			Message: fmt.Sprintf("job %s has no audio file", jobID),
		}
	}
	audio, err := blobs.Download(ctx, container, storage.AudioBlobName(jobID, job.AudioFilename))
	if err != nil {
		return nil, &capability.Error{
			Code:    capability.CodeMissingInput,
			Message: fmt.Sprintf("download audio for job %s: %v", jobID, err),
		}
	}
	return audio, nil
}

// LIDHandler runs the language-identification stage.
type LIDHandler struct {
	Jobs         JobLookup
	Blobs        storage.BlobStore
	RawContainer string
	LID          capability.LID
}

func (h *LIDHandler) StepName(domain.DispatchMessage) domain.StepName { return domain.StepLID }

func (h *LIDHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	audio, err := loadAudio(ctx, h.Jobs, h.Blobs, h.RawContainer, req.Msg.JobID)
	if err != nil {
		return nil, err
	}

	res, err := h.LID.Identify(ctx, audio)
	req.Metrics.SetModel(h.LID.Model())
	if err != nil {
		return nil, err
	}
	req.Metrics.SetLID(res.Language, res.Confidence, res.AudioDurationSeconds)

	name, version := h.LID.Model()
	return &Result{
		Document: map[string]any{
			"job_id":                 req.Msg.JobID,
			"language":               res.Language,
			"confidence":             res.Confidence,
			"audio_duration_seconds": res.AudioDurationSeconds,
			"model_name":             name,
			"model_version":          version,
		},
		Summary: map[string]any{
			"language":   res.Language,
			"confidence": res.Confidence,
		},
	}, nil
}

// TranscribeHandler runs the transcription stage against a whisper inference
// server. The same logic serves the AI stage's English fast path through
// transcribeAudio.
type TranscribeHandler struct {
	Jobs         JobLookup
	Blobs        storage.BlobStore
	RawContainer string
	Transcriber  capability.Transcriber
}

func (h *TranscribeHandler) StepName(domain.DispatchMessage) domain.StepName {
	return domain.StepTranscribe
}

func (h *TranscribeHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	return transcribeAudio(ctx, req, h.Jobs, h.Blobs, h.RawContainer, h.Transcriber)
}

func transcribeAudio(ctx context.Context, req *Request, jobs JobLookup, blobs storage.BlobStore, rawContainer string, t capability.Transcriber) (*Result, error) {
	audio, err := loadAudio(ctx, jobs, blobs, rawContainer, req.Msg.JobID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := t.Transcribe(ctx, audio, req.Msg.Language)
	req.Metrics.SetModel(t.Model())
	if err != nil {
		return nil, err
	}

	rtf := 0.0
	if res.AudioDurationSeconds > 0 {
		rtf = time.Since(start).Seconds() / res.AudioDurationSeconds
	}
	req.Metrics.SetTranscription(res.WordCount, res.CharCount, rtf, res.AudioDurationSeconds)

	return &Result{
		Document: map[string]any{
			"job_id":           req.Msg.JobID,
			"text":             res.Text,
			"segments":         res.Segments,
			"language":         req.Msg.Language,
			"duration_seconds": res.AudioDurationSeconds,
			"word_count":       res.WordCount,
		},
		Summary: map[string]any{
			"text_preview": preview(res.Text),
			"word_count":   res.WordCount,
			"language":     req.Msg.Language,
		},
	}, nil
}

// AIHandler serves the AI-managed queue: summarization, translation, and the
// English transcription fast path.
type AIHandler struct {
	Jobs         JobLookup
	Blobs        storage.BlobStore
	RawContainer string
	AI           capability.AITask
	Transcriber  capability.Transcriber
}

func (h *AIHandler) StepName(msg domain.DispatchMessage) domain.StepName {
	switch msg.Task {
	case domain.TaskTranscribe:
		return domain.StepTranscribe
	case domain.TaskTranslate:
		return domain.StepTranslate
	default:
		return domain.StepSummarize
	}
}

func (h *AIHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	switch req.Msg.Task {
	case domain.TaskTranscribe:
		return transcribeAudio(ctx, req, h.Jobs, h.Blobs, h.RawContainer, h.Transcriber)
	case domain.TaskSummarize:
		return h.runText(ctx, req, domain.TaskSummarize, nil)
	case domain.TaskTranslate:
		return h.runText(ctx, req, domain.TaskTranslate, map[string]string{
			"target_lang": req.Msg.TargetLanguage,
			"source_lang": req.Msg.Language,
		})
	default:
		return nil, &capability.Error{
			Code:    capability.CodeUnknownTask,
			Message: fmt.Sprintf("unknown task %q", req.Msg.Task),
		}
	}
}

func (h *AIHandler) runText(ctx context.Context, req *Request, task string, params map[string]string) (*Result, error) {
	res, err := h.AI.Run(ctx, task, req.Msg.Text, params)
	req.Metrics.SetModel(h.AI.Model())
	if err != nil {
		return nil, err
	}
	req.Metrics.SetTokenUsage(res.PromptTokens, res.CompletionTokens, res.CostUSD)

	doc := map[string]any{
		"job_id":            req.Msg.JobID,
		"task":              task,
		"prompt_tokens":     res.PromptTokens,
		"completion_tokens": res.CompletionTokens,
		"total_tokens":      res.PromptTokens + res.CompletionTokens,
		"cost_usd":          res.CostUSD,
	}
	summary := map[string]any{
		"text_preview": preview(res.Output),
		"total_tokens": res.PromptTokens + res.CompletionTokens,
	}
	switch task {
	case domain.TaskSummarize:
		doc["summary"] = res.Output
	case domain.TaskTranslate:
		doc["translation"] = res.Output
		doc["target_lang"] = req.Msg.TargetLanguage
		summary["target_lang"] = req.Msg.TargetLanguage
	}
	return &Result{Document: doc, Summary: summary}, nil
}
