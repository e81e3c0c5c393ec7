package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"speechflow/internal/adapter/repo"
	"speechflow/internal/domain"
	"speechflow/internal/messaging"
)

type stubNotifier struct {
	status string
	jobs   []*domain.Job
}

func (n *stubNotifier) Notify(_ context.Context, job *domain.Job) string {
	n.jobs = append(n.jobs, job)
	return n.status
}

var testQueues = Queues{Router: "events", LID: "lid", Whisper: "whisper", AI: "ai"}

func newTestRouter(notifierStatus string) (*Router, *repo.MemoryStore, *messaging.MemoryBroker, *stubNotifier) {
	store := repo.NewMemoryStore()
	broker := messaging.NewMemoryBroker()
	notifier := &stubNotifier{status: notifierStatus}
	rt := New(store, broker, notifier, testQueues, zerolog.Nop())
	return rt, store, broker, notifier
}

func seedJob(t *testing.T, store *repo.MemoryStore, workflow domain.WorkflowType, mutate func(*domain.Job)) *domain.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &domain.Job{
		ID:            "job-1",
		CustomerID:    "cust-1",
		WorkflowType:  workflow,
		Status:        domain.JobStatusQueued,
		AudioFilename: "call.wav",
		CreatedAt:     now,
		UpdatedAt:     now,
		QueuedAt:      &now,
		Metadata:      map[string]string{},
	}
	if mutate != nil {
		mutate(job)
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func takeDispatch(t *testing.T, broker *messaging.MemoryBroker, queue string) domain.DispatchMessage {
	t.Helper()
	msgs, err := broker.Receive(context.Background(), queue, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("receive from %s: %v", queue, err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message on %s, got %d", queue, len(msgs))
	}
	var dm domain.DispatchMessage
	if err := json.Unmarshal(msgs[0].Body, &dm); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if err := broker.Ack(context.Background(), msgs[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	return dm
}

func handle(t *testing.T, rt *Router, ev domain.Event) {
	t.Helper()
	if err := rt.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle %s: %v", ev.Event, err)
	}
}

func lidMetrics(lang string, confidence float64) *domain.StepMetrics {
	m := &domain.StepMetrics{}
	m.SetLID(lang, confidence, 12.5)
	return m
}

func tokenMetrics(prompt, completion int, cost float64) *domain.StepMetrics {
	m := &domain.StepMetrics{}
	m.SetTokenUsage(prompt, completion, cost)
	return m
}

func TestFullPipeline_HappyPath(t *testing.T) {
	rt, store, broker, notifier := newTestRouter("success")
	job := seedJob(t, store, domain.WorkflowFullPipeline, nil)
	ctx := context.Background()

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got.Status)
	}
	if dm := takeDispatch(t, broker, testQueues.LID); dm.JobID != job.ID {
		t.Fatalf("lid dispatch for wrong job: %s", dm.JobID)
	}

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepLID,
		Result:   map[string]any{"language": "es", "confidence": 0.97, "blob_path": "job-1_lid.json"},
		Metrics:  lidMetrics("es", 0.97),
	})

	dm := takeDispatch(t, broker, testQueues.Whisper)
	if dm.Language != "es" {
		t.Fatalf("expected whisper dispatch in es, got %q", dm.Language)
	}

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepTranscribe,
		Result:   map[string]any{"text_preview": "hola mundo", "word_count": 2, "blob_path": "job-1_transcribe.json"},
	})

	dm = takeDispatch(t, broker, testQueues.AI)
	if dm.Task != domain.TaskSummarize || dm.Text != "hola mundo" {
		t.Fatalf("unexpected summarize dispatch: %+v", dm)
	}

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepSummarize,
		Result:   map[string]any{"text_preview": "resumen", "blob_path": "job-1_summarize.json"},
		Metrics:  tokenMetrics(100, 50, 0.005),
	})

	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.TotalTokensUsed != 150 {
		t.Fatalf("expected 150 tokens, got %d", got.TotalTokensUsed)
	}
	if got.TotalCostUSD != 0.005 {
		t.Fatalf("expected 0.005 cost, got %v", got.TotalCostUSD)
	}
	if got.SourceLanguage != "es" {
		t.Fatalf("expected source language backfilled to es, got %q", got.SourceLanguage)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if got.CallbackStatus != "success" {
		t.Fatalf("expected callback status success, got %q", got.CallbackStatus)
	}
	if len(notifier.jobs) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(notifier.jobs))
	}

	steps, _ := store.ListSteps(ctx, job.ID)
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	order := []domain.StepName{domain.StepLID, domain.StepTranscribe, domain.StepSummarize}
	for i, name := range order {
		if steps[i].StepName != name {
			t.Fatalf("step %d: expected %s, got %s", i, name, steps[i].StepName)
		}
		if steps[i].Status != domain.StepStatusCompleted {
			t.Fatalf("step %s: expected COMPLETED, got %s", name, steps[i].Status)
		}
	}
}

func TestEnglishDetection_RoutesToAIQueue(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowFullPipeline, nil)

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	takeDispatch(t, broker, testQueues.LID)

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepLID,
		Result:   map[string]any{"language": "en", "confidence": 0.99},
		Metrics:  lidMetrics("en", 0.99),
	})

	if broker.Pending(testQueues.Whisper) != 0 {
		t.Fatal("english audio must not go to the whisper queue")
	}
	dm := takeDispatch(t, broker, testQueues.AI)
	if dm.Task != domain.TaskTranscribe || dm.Language != "en" {
		t.Fatalf("unexpected ai dispatch: %+v", dm)
	}
}

func TestLIDOnly_CompletesAfterLID(t *testing.T) {
	rt, store, broker, notifier := newTestRouter("success")
	job := seedJob(t, store, domain.WorkflowLIDOnly, nil)

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	takeDispatch(t, broker, testQueues.LID)

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepLID,
		Result:   map[string]any{"language": "fr", "confidence": 0.91},
		Metrics:  lidMetrics("fr", 0.91),
	})

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.SourceLanguage != "fr" {
		t.Fatalf("expected backfilled source language fr, got %q", got.SourceLanguage)
	}
	if broker.Pending(testQueues.Whisper)+broker.Pending(testQueues.AI) != 0 {
		t.Fatal("lid_only must not dispatch further stages")
	}
	if len(notifier.jobs) != 1 {
		t.Fatalf("expected callback, got %d", len(notifier.jobs))
	}
}

func TestTranscribeOnly_UsesMetadataLanguageFallback(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowTranscribeOnly, func(j *domain.Job) {
		j.Metadata["language"] = "de"
	})

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

	dm := takeDispatch(t, broker, testQueues.Whisper)
	if dm.Language != "de" {
		t.Fatalf("expected metadata language de, got %q", dm.Language)
	}

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepTranscribe,
		Result:   map[string]any{"text_preview": "hallo"},
	})

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if broker.Pending(testQueues.AI) != 0 {
		t.Fatal("transcribe_only must not dispatch summarization")
	}
}

func TestTextOnlyWorkflows_DispatchFromMetadata(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowTranslateOnly, func(j *domain.Job) {
		j.SourceLanguage = "es"
		j.TargetLanguage = "en"
		j.Metadata["text"] = "hola"
	})

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

	dm := takeDispatch(t, broker, testQueues.AI)
	if dm.Task != domain.TaskTranslate || dm.Text != "hola" || dm.TargetLanguage != "en" {
		t.Fatalf("unexpected translate dispatch: %+v", dm)
	}
}

func TestTranslateOnly_SourceLanguageResolution(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Job)
		want   string
	}{
		{"declared source wins", func(j *domain.Job) {
			j.SourceLanguage = "es"
			j.Metadata["language"] = "fr"
		}, "es"},
		{"metadata hint fallback", func(j *domain.Job) {
			j.Metadata["language"] = "fr"
		}, "fr"},
		{"undeclared stays empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt, store, broker, _ := newTestRouter("")
			job := seedJob(t, store, domain.WorkflowTranslateOnly, func(j *domain.Job) {
				j.TargetLanguage = "de"
				j.Metadata["text"] = "hola"
				if tc.mutate != nil {
					tc.mutate(j)
				}
			})

			handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

			dm := takeDispatch(t, broker, testQueues.AI)
			if dm.Language != tc.want {
				t.Fatalf("expected source language %q, got %q", tc.want, dm.Language)
			}
			if dm.TargetLanguage != "de" {
				t.Fatalf("expected target language de, got %q", dm.TargetLanguage)
			}
		})
	}
}

func TestTranslateRetry_KeepsResolvedLanguage(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowTranslateOnly, func(j *domain.Job) {
		j.TargetLanguage = "en"
		j.Metadata["text"] = "bonjour"
		j.Metadata["language"] = "fr"
	})
	ctx := context.Background()

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	takeDispatch(t, broker, testQueues.AI)

	m := &domain.StepMetrics{}
	m.SetError("AI_API_ERROR", "upstream 429")
	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepFailed,
		StepName: domain.StepTranslate,
		Metrics:  m,
		Error:    "upstream 429",
	})

	step, _ := store.GetStep(ctx, job.ID, domain.StepTranslate)
	if step.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", step.RetryCount)
	}
	dm := takeDispatch(t, broker, testQueues.AI)
	if dm.Language != "fr" || dm.Text != "bonjour" || dm.TargetLanguage != "en" {
		t.Fatalf("retry dispatch lost its inputs: %+v", dm)
	}
}

func TestSummarizeOnly_DispatchesMetadataText(t *testing.T) {
	rt, store, broker, notifier := newTestRouter("success")
	job := seedJob(t, store, domain.WorkflowSummarizeOnly, func(j *domain.Job) {
		j.Metadata["text"] = "notes from the weekly call"
	})
	ctx := context.Background()

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

	dm := takeDispatch(t, broker, testQueues.AI)
	if dm.Task != domain.TaskSummarize || dm.Text != "notes from the weekly call" {
		t.Fatalf("unexpected summarize dispatch: %+v", dm)
	}
	if broker.Pending(testQueues.LID)+broker.Pending(testQueues.Whisper) != 0 {
		t.Fatal("summarize_only must not touch audio queues")
	}

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepSummarize,
		Result:   map[string]any{"text_preview": "weekly summary", "blob_path": "job-1_summarize.json"},
		Metrics:  tokenMetrics(80, 40, 0.002),
	})

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.TotalTokensUsed != 120 {
		t.Fatalf("expected 120 tokens, got %d", got.TotalTokensUsed)
	}
	if len(notifier.jobs) != 1 {
		t.Fatalf("expected callback, got %d", len(notifier.jobs))
	}
}

func TestSummarizeOnly_MissingText_FailsWithoutRetry(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowSummarizeOnly, nil)
	ctx := context.Background()

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

	// The dispatch goes out with no text; the stage rejects it as missing
	// input and the failure comes back as an event.
	if dm := takeDispatch(t, broker, testQueues.AI); dm.Text != "" {
		t.Fatalf("expected empty text, got %q", dm.Text)
	}
	m := &domain.StepMetrics{}
	m.SetError("MISSING_INPUT", "no input text provided")
	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepFailed,
		StepName: domain.StepSummarize,
		Metrics:  m,
		Error:    "no input text provided",
	})

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected job FAILED, got %s", got.Status)
	}
	step, _ := store.GetStep(ctx, job.ID, domain.StepSummarize)
	if step.Status != domain.StepStatusFailed {
		t.Fatalf("expected step FAILED, got %s", step.Status)
	}
	if step.RetryCount != 0 {
		t.Fatalf("unrecoverable input must not consume retries, got %d", step.RetryCount)
	}
	if step.ErrorCode != "MISSING_INPUT" {
		t.Fatalf("expected MISSING_INPUT, got %q", step.ErrorCode)
	}
	if broker.Pending(testQueues.AI) != 0 {
		t.Fatal("unrecoverable input must not redispatch")
	}
}

func TestRetry_RedispatchesUntilBound(t *testing.T) {
	rt, store, broker, notifier := newTestRouter("success")
	job := seedJob(t, store, domain.WorkflowFullPipeline, nil)
	ctx := context.Background()

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	takeDispatch(t, broker, testQueues.LID)

	failure := func() domain.Event {
		m := &domain.StepMetrics{}
		m.SetError("LID_INFERENCE_ERROR", "model timeout")
		return domain.Event{
			JobID:    job.ID,
			Event:    domain.EventStepFailed,
			StepName: domain.StepLID,
			Metrics:  m,
			Error:    "model timeout",
		}
	}

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		handle(t, rt, failure())
		step, _ := store.GetStep(ctx, job.ID, domain.StepLID)
		if step.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retry count %d, got %d", attempt, attempt, step.RetryCount)
		}
		if step.Status != domain.StepStatusQueued {
			t.Fatalf("attempt %d: expected QUEUED, got %s", attempt, step.Status)
		}
		takeDispatch(t, broker, testQueues.LID)
	}

	// Retries exhausted: the next failure is terminal.
	handle(t, rt, failure())

	step, _ := store.GetStep(ctx, job.ID, domain.StepLID)
	if step.Status != domain.StepStatusFailed {
		t.Fatalf("expected step FAILED, got %s", step.Status)
	}
	if step.RetryCount != MaxRetries {
		t.Fatalf("expected retry count to stay at %d, got %d", MaxRetries, step.RetryCount)
	}
	if step.ErrorCode != "LID_INFERENCE_ERROR" {
		t.Fatalf("expected classified error code, got %q", step.ErrorCode)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected job FAILED, got %s", got.Status)
	}
	if broker.Pending(testQueues.LID) != 0 {
		t.Fatal("terminal failure must not redispatch")
	}
	if len(notifier.jobs) != 1 {
		t.Fatalf("expected failure callback, got %d", len(notifier.jobs))
	}
}

func TestSummarizeRetry_MissingTranscript_FailsTerminally(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowFullPipeline, nil)
	ctx := context.Background()

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	takeDispatch(t, broker, testQueues.LID)
	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepLID,
		Result:   map[string]any{"language": "es"},
		Metrics:  lidMetrics("es", 0.9),
	})
	takeDispatch(t, broker, testQueues.Whisper)

	// Transcription completed without a usable preview.
	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepTranscribe,
		Result:   map[string]any{"word_count": 0},
	})
	takeDispatch(t, broker, testQueues.AI)

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepFailed,
		StepName: domain.StepSummarize,
		Error:    "no input text provided",
	})

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected job FAILED, got %s", got.Status)
	}
	step, _ := store.GetStep(ctx, job.ID, domain.StepSummarize)
	if step.Status != domain.StepStatusFailed {
		t.Fatalf("expected step FAILED, got %s", step.Status)
	}
	if step.RetryCount != 0 {
		t.Fatalf("missing input must not consume retries, got %d", step.RetryCount)
	}
	if broker.Pending(testQueues.AI) != 0 {
		t.Fatal("missing input must not redispatch")
	}
}

func TestTerminalJob_DropsLateEvents(t *testing.T) {
	rt, store, broker, notifier := newTestRouter("success")
	job := seedJob(t, store, domain.WorkflowFullPipeline, func(j *domain.Job) {
		j.Status = domain.JobStatusCancelled
	})

	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepLID,
		Result:   map[string]any{"language": "es"},
	})

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCancelled {
		t.Fatalf("cancelled job must stay cancelled, got %s", got.Status)
	}
	if broker.Pending(testQueues.Whisper)+broker.Pending(testQueues.AI) != 0 {
		t.Fatal("terminal job must not dispatch")
	}
	if len(notifier.jobs) != 0 {
		t.Fatal("terminal job must not trigger callbacks")
	}
}

func TestUnknownJob_EventDropped(t *testing.T) {
	rt, _, broker, _ := newTestRouter("")

	handle(t, rt, domain.Event{JobID: "missing", Event: domain.EventJobStarted})

	if broker.Pending(testQueues.LID) != 0 {
		t.Fatal("unknown job must not dispatch")
	}
}

func TestDuplicateStart_Ignored(t *testing.T) {
	rt, store, broker, _ := newTestRouter("")
	job := seedJob(t, store, domain.WorkflowFullPipeline, nil)

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})

	if got := broker.Pending(testQueues.LID); got != 1 {
		t.Fatalf("duplicate start must not redispatch, got %d messages", got)
	}
}

func TestCallbackFailure_RecordedWithoutChangingStatus(t *testing.T) {
	rt, store, broker, _ := newTestRouter("failed")
	job := seedJob(t, store, domain.WorkflowLIDOnly, func(j *domain.Job) {
		j.CallbackURL = "https://example.com/hook"
	})

	handle(t, rt, domain.Event{JobID: job.ID, Event: domain.EventJobStarted})
	takeDispatch(t, broker, testQueues.LID)
	handle(t, rt, domain.Event{
		JobID:    job.ID,
		Event:    domain.EventStepCompleted,
		StepName: domain.StepLID,
		Result:   map[string]any{"language": "pt"},
		Metrics:  lidMetrics("pt", 0.88),
	})

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("callback failure must not change job status, got %s", got.Status)
	}
	if got.CallbackStatus != "failed" {
		t.Fatalf("expected callback status failed, got %q", got.CallbackStatus)
	}
	if got.CallbackSentAt == nil {
		t.Fatal("expected callback_sent_at to be set")
	}
}
