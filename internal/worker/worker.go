// Package worker runs one pipeline stage: it consumes dispatch messages from
// a stage queue, invokes the stage's capability, persists the result blob and
// reports the outcome back to the router. The runtime is stage-agnostic;
// everything stage-specific lives behind Handler.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"speechflow/internal/capability"
	"speechflow/internal/domain"
	"speechflow/internal/infra"
	"speechflow/internal/messaging"
	"speechflow/internal/storage"
)

// JobLookup is the read-only slice of the job store a stage needs to locate
// its input audio. Workers never write job state; that is the router's job.
type JobLookup interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// Request is everything a handler gets for one processing attempt. ResultBlob
// is the name the runtime will persist the document under, so handlers can
// reference it in their summaries.
type Request struct {
	Msg        domain.DispatchMessage
	Step       domain.StepName
	ResultBlob string
	Metrics    *domain.StepMetrics
}

// Result is a successful attempt's output. Document is persisted as the
// result blob; Summary is the compact payload carried on the completion
// event for the router to store on the step row.
type Result struct {
	Document map[string]any
	Summary  map[string]any
}

// Handler implements one stage. StepName resolves which step a message is
// for (the AI stage serves several), Process runs the attempt and records
// its measurements on req.Metrics.
type Handler interface {
	StepName(msg domain.DispatchMessage) domain.StepName
	Process(ctx context.Context, req *Request) (*Result, error)
}

// Options wires a Runtime.
type Options struct {
	Queue            string
	RouterQueue      string
	ResultsContainer string
	Broker           messaging.Broker
	Blobs            storage.BlobStore
	Handler          Handler
	Identity         domain.WorkerIdentity
	Logger           infra.Logger
}

// Runtime is the per-stage consume loop. One message is processed at a time;
// a processing failure becomes a STEP_FAILED event, never a crash.
type Runtime struct {
	queue       string
	routerQueue string
	results     string
	broker      messaging.Broker
	blobs       storage.BlobStore
	handler     Handler
	identity    domain.WorkerIdentity
	logger      infra.Logger
	now         func() time.Time
}

// New builds a stage runtime.
func New(opts Options) *Runtime {
	return &Runtime{
		queue:       opts.Queue,
		routerQueue: opts.RouterQueue,
		results:     opts.ResultsContainer,
		broker:      opts.Broker,
		blobs:       opts.Blobs,
		handler:     opts.Handler,
		identity:    opts.Identity,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Run consumes the stage queue until ctx is cancelled. In-flight work
// finishes before the loop exits.
func (w *Runtime) Run(ctx context.Context) error {
	w.logger.Info().
		Str("queue", w.queue).
		Str("worker_id", w.identity.ID).
		Msg("worker: started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str("queue", w.queue).Msg("worker: stopping")
			return ctx.Err()
		default:
		}

		msgs, err := w.broker.Receive(ctx, w.queue, 1, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Error().Err(err).Str("queue", w.queue).Msg("worker: receive failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			// Shutdown is honored between messages only. The in-flight
			// attempt runs under a context detached from the stop signal,
			// so its outcome is processed, reported and acked normally.
			w.handle(context.WithoutCancel(ctx), msg)
		}
	}
}

func (w *Runtime) handle(ctx context.Context, msg *messaging.Message) {
	var dm domain.DispatchMessage
	if err := json.Unmarshal(msg.Body, &dm); err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("worker: malformed dispatch dropped")
		w.ack(ctx, msg)
		return
	}

	step := w.handler.StepName(dm)
	metrics := domain.NewStepMetrics(w.identity, dm.QueuedAt, w.now())
	blobName := storage.ResultBlobName(dm.JobID, step)

	// Result existence is the idempotency signal: a redelivered message whose
	// result already landed is acked without reprocessing or re-reporting.
	exists, err := w.blobs.Exists(ctx, w.results, blobName)
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", dm.JobID).Msg("worker: idempotency check failed, reprocessing")
	} else if exists {
		w.logger.Info().
			Str("job_id", dm.JobID).
			Str("step", string(step)).
			Msg("worker: result already present, skipping")
		w.ack(ctx, msg)
		return
	}

	w.logger.Info().
		Str("job_id", dm.JobID).
		Str("step", string(step)).
		Msg("worker: processing")

	metrics.MarkStarted(w.now())
	res, perr := w.handler.Process(ctx, &Request{
		Msg:        dm,
		Step:       step,
		ResultBlob: blobName,
		Metrics:    metrics,
	})
	metrics.MarkCompleted(w.now())

	if perr == nil {
		perr = w.persist(ctx, blobName, res)
	}
	if perr != nil {
		code := capability.Classify(perr)
		metrics.SetError(code, perr.Error())
		w.logger.Warn().
			Err(perr).
			Str("job_id", dm.JobID).
			Str("step", string(step)).
			Str("error_code", code).
			Msg("worker: step failed")
		if err := w.emit(ctx, domain.Event{
			JobID:    dm.JobID,
			Event:    domain.EventStepFailed,
			StepName: step,
			Metrics:  metrics,
			Error:    perr.Error(),
		}); err != nil {
			w.logger.Error().Err(err).Str("job_id", dm.JobID).Msg("worker: emit failure event failed")
			return // leave unacked for redelivery
		}
		w.ack(ctx, msg)
		return
	}

	summary := res.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	summary["blob_path"] = blobName

	if err := w.emit(ctx, domain.Event{
		JobID:    dm.JobID,
		Event:    domain.EventStepCompleted,
		StepName: step,
		Result:   summary,
		Metrics:  metrics,
	}); err != nil {
		w.logger.Error().Err(err).Str("job_id", dm.JobID).Msg("worker: emit completion event failed")
		return // blob is written; redelivery will skip and ack
	}
	w.ack(ctx, msg)
}

func (w *Runtime) persist(ctx context.Context, blobName string, res *Result) error {
	doc, err := json.Marshal(res.Document)
	if err != nil {
		return fmt.Errorf("encode result document: %w", err)
	}
	if err := w.blobs.Upload(ctx, w.results, blobName, doc); err != nil {
		return fmt.Errorf("upload result document: %w", err)
	}
	return nil
}

func (w *Runtime) emit(ctx context.Context, ev domain.Event) error {
	return messaging.SendJSON(ctx, w.broker, w.routerQueue, ev)
}

func (w *Runtime) ack(ctx context.Context, msg *messaging.Message) {
	if err := w.broker.Ack(ctx, msg); err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("worker: ack failed")
	}
}
