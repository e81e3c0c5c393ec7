package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"speechflow/internal/domain"
	"speechflow/internal/router"
	"speechflow/internal/storage"
)

type createJobRequest struct {
	CustomerID     string            `json:"customer_id"`
	WorkflowType   string            `json:"workflow_type"`
	AudioFilename  string            `json:"audio_filename"`
	SourceLanguage string            `json:"source_language"`
	TargetLanguage string            `json:"target_language"`
	CallbackURL    string            `json:"callback_url"`
	Metadata       map[string]string `json:"metadata"`
}

// needsAudio reports whether the workflow consumes an uploaded audio file.
// The text-only workflows take their input from metadata instead.
func needsAudio(w domain.WorkflowType) bool {
	switch w {
	case domain.WorkflowFullPipeline, domain.WorkflowTranscribeOnly, domain.WorkflowLIDOnly:
		return true
	}
	return false
}

func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	workflow := domain.WorkflowType(req.WorkflowType)
	if !workflow.Valid() {
		a.error(w, http.StatusBadRequest, "invalid_workflow", "unknown workflow_type")
		return
	}
	if needsAudio(workflow) && req.AudioFilename == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "audio_filename required for this workflow")
		return
	}
	if !needsAudio(workflow) && req.Metadata["text"] == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "metadata.text required for this workflow")
		return
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.NewString(),
		CustomerID:     req.CustomerID,
		WorkflowType:   workflow,
		Status:         domain.JobStatusPendingUpload,
		AudioFilename:  req.AudioFilename,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		CallbackURL:    req.CallbackURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       req.Metadata,
	}
	if err := a.Store.CreateJob(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("api: create job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	resp := map[string]any{
		"id":     job.ID,
		"status": job.Status,
	}
	if needsAudio(workflow) {
		url, err := a.Blobs.UploadURL(r.Context(), a.RawAudioContainer, storage.AudioBlobName(job.ID, job.AudioFilename))
		if err != nil {
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("api: issue upload url failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to issue upload url")
			return
		}
		resp["upload_url"] = url
	}
	a.json(w, http.StatusCreated, resp)
}

// JobsStart confirms the upload and hands the job to the router. This is the
// only place the API emits an event.
func (a *App) JobsStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		a.jobError(w, id, err)
		return
	}
	if job.Status != domain.JobStatusPendingUpload {
		a.error(w, http.StatusConflict, "job_not_startable", "job is not awaiting upload")
		return
	}

	if needsAudio(job.WorkflowType) {
		exists, err := a.Blobs.Exists(r.Context(), a.RawAudioContainer, storage.AudioBlobName(job.ID, job.AudioFilename))
		if err != nil {
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("api: audio check failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to verify upload")
			return
		}
		if !exists {
			a.error(w, http.StatusBadRequest, "audio_missing", "audio has not been uploaded")
			return
		}
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusQueued
	job.QueuedAt = &now
	if err := a.Store.UpdateJob(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("api: queue job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}
	if err := router.StartJob(r.Context(), a.Broker, a.RouterQueue, job.ID); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("api: emit start event failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to start job")
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"id": job.ID, "status": job.Status})
}

func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		a.jobError(w, id, err)
		return
	}
	steps, err := a.Store.ListSteps(r.Context(), id)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", id).Msg("api: list steps failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job steps")
		return
	}
	a.json(w, http.StatusOK, viewJob(job, steps))
}

// JobsResults aggregates the per-stage result documents from blob storage.
// Steps whose results have not landed yet are simply absent.
func (a *App) JobsResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		a.jobError(w, id, err)
		return
	}
	steps, err := a.Store.ListSteps(r.Context(), id)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", id).Msg("api: list steps failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job steps")
		return
	}

	results := map[string]any{}
	for i := range steps {
		step := &steps[i]
		if step.Status != domain.StepStatusCompleted || step.ResultBlobPath == "" {
			continue
		}
		raw, err := a.Blobs.Download(r.Context(), a.ResultsContainer, step.ResultBlobPath)
		if err != nil {
			a.Logger.Warn().Err(err).
				Str("job_id", id).
				Str("step", string(step.StepName)).
				Msg("api: result blob missing")
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", id).Msg("api: malformed result blob")
			continue
		}
		results[stepKey(step.StepName)] = doc
	}

	a.json(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"results": results,
	})
}

func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListJobsFilter{
		Status:       domain.JobStatus(q.Get("status")),
		WorkflowType: domain.WorkflowType(q.Get("workflow_type")),
		Limit:        20,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		filter.Limit = min(v, 100)
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		filter.Offset = v
	}

	jobs, total, err := a.Store.ListJobs(r.Context(), filter)
	if err != nil {
		a.Logger.Error().Err(err).Msg("api: list jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	views := make([]jobSummary, 0, len(jobs))
	for i := range jobs {
		views = append(views, summarizeJob(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": views, "total": total})
}

// JobsCancel moves a non-terminal job to CANCELLED. The router treats any
// event arriving afterwards as a no-op.
func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		a.jobError(w, id, err)
		return
	}
	if job.Status.Terminal() {
		a.error(w, http.StatusConflict, "job_terminal", "job has already finished")
		return
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now
	if err := a.Store.UpdateJob(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("job_id", id).Msg("api: cancel job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"id": job.ID, "status": job.Status})
}

func (a *App) jobError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.Logger.Error().Err(err).Str("job_id", id).Msg("api: load job failed")
	a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
}
