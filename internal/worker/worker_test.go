package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"speechflow/internal/capability"
	"speechflow/internal/domain"
	"speechflow/internal/messaging"
	"speechflow/internal/storage"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) key(container, name string) string { return container + "/" + name }

func (m *memBlobs) Upload(_ context.Context, container, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(container, name)] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) Download(_ context.Context, container, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.key(container, name)]
	if !ok {
		return nil, storage.ErrNoObject
	}
	return data, nil
}

func (m *memBlobs) Exists(_ context.Context, container, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[m.key(container, name)]
	return ok, nil
}

func (m *memBlobs) EnsureContainer(context.Context, string) error { return nil }

func (m *memBlobs) UploadURL(_ context.Context, container, name string) (string, error) {
	return "mem://" + m.key(container, name), nil
}

type stubStage struct {
	step   domain.StepName
	result *Result
	err    error
	calls  int
}

func (h *stubStage) StepName(domain.DispatchMessage) domain.StepName { return h.step }

func (h *stubStage) Process(_ context.Context, req *Request) (*Result, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

const (
	testQueue   = "stage"
	routerQueue = "events"
	resultsCtr  = "results"
)

func newTestRuntime(handler Handler) (*Runtime, *messaging.MemoryBroker, *memBlobs) {
	broker := messaging.NewMemoryBroker()
	blobs := newMemBlobs()
	rt := New(Options{
		Queue:            testQueue,
		RouterQueue:      routerQueue,
		ResultsContainer: resultsCtr,
		Broker:           broker,
		Blobs:            blobs,
		Handler:          handler,
		Identity:         domain.WorkerIdentity{ID: "worker-1", Node: "node-a", NodePool: "gpu"},
		Logger:           zerolog.Nop(),
	})
	return rt, broker, blobs
}

func deliver(t *testing.T, rt *Runtime, broker *messaging.MemoryBroker, msg domain.DispatchMessage) {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode dispatch: %v", err)
	}
	if err := broker.Send(context.Background(), testQueue, body); err != nil {
		t.Fatalf("send dispatch: %v", err)
	}
	msgs, err := broker.Receive(context.Background(), testQueue, 1, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive dispatch: %v (%d messages)", err, len(msgs))
	}
	rt.handle(context.Background(), msgs[0])
}

func takeEvent(t *testing.T, broker *messaging.MemoryBroker) domain.Event {
	t.Helper()
	msgs, err := broker.Receive(context.Background(), routerQueue, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("receive event: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(msgs))
	}
	var ev domain.Event
	if err := json.Unmarshal(msgs[0].Body, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestRuntime_SuccessPersistsAndReports(t *testing.T) {
	handler := &stubStage{
		step: domain.StepLID,
		result: &Result{
			Document: map[string]any{"language": "es", "confidence": 0.97},
			Summary:  map[string]any{"language": "es"},
		},
	}
	rt, broker, blobs := newTestRuntime(handler)

	deliver(t, rt, broker, domain.DispatchMessage{
		JobID:    "job-1",
		QueuedAt: time.Now().Add(-2 * time.Second),
	})

	ev := takeEvent(t, broker)
	if ev.Event != domain.EventStepCompleted || ev.StepName != domain.StepLID {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.JobID != "job-1" {
		t.Fatalf("unexpected job id: %s", ev.JobID)
	}

	wantBlob := storage.ResultBlobName("job-1", domain.StepLID)
	if ev.Result["blob_path"] != wantBlob {
		t.Fatalf("expected blob_path %q, got %v", wantBlob, ev.Result["blob_path"])
	}
	raw, err := blobs.Download(context.Background(), resultsCtr, wantBlob)
	if err != nil {
		t.Fatalf("result blob not persisted: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode result blob: %v", err)
	}
	if doc["language"] != "es" {
		t.Fatalf("unexpected document: %v", doc)
	}

	if ev.Metrics == nil {
		t.Fatal("expected metrics on completion event")
	}
	if ev.Metrics.WorkerID != "worker-1" {
		t.Fatalf("expected worker identity, got %q", ev.Metrics.WorkerID)
	}
	if ev.Metrics.QueueWaitMS == nil || *ev.Metrics.QueueWaitMS < 2000 {
		t.Fatalf("expected queue wait >= 2000ms, got %v", ev.Metrics.QueueWaitMS)
	}
	if ev.Metrics.ProcessingDurationMS == nil {
		t.Fatal("expected processing duration to be measured")
	}
}

func TestRuntime_SkipsWhenResultExists(t *testing.T) {
	handler := &stubStage{step: domain.StepTranscribe, result: &Result{Document: map[string]any{}}}
	rt, broker, blobs := newTestRuntime(handler)

	blobName := storage.ResultBlobName("job-1", domain.StepTranscribe)
	if err := blobs.Upload(context.Background(), resultsCtr, blobName, []byte(`{"text":"done"}`)); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	deliver(t, rt, broker, domain.DispatchMessage{JobID: "job-1"})

	if handler.calls != 0 {
		t.Fatalf("redelivery with existing result must not reprocess, got %d calls", handler.calls)
	}
	if broker.Pending(routerQueue) != 0 {
		t.Fatal("skip must not emit an event")
	}
}

func TestRuntime_FailureEmitsClassifiedEvent(t *testing.T) {
	handler := &stubStage{
		step: domain.StepTranscribe,
		err:  &capability.Error{Code: capability.CodeTranscription, Message: "whisper unavailable"},
	}
	rt, broker, blobs := newTestRuntime(handler)

	deliver(t, rt, broker, domain.DispatchMessage{JobID: "job-2", Language: "fr"})

	ev := takeEvent(t, broker)
	if ev.Event != domain.EventStepFailed {
		t.Fatalf("expected STEP_FAILED, got %s", ev.Event)
	}
	if ev.Error != "whisper unavailable" {
		t.Fatalf("unexpected error message: %q", ev.Error)
	}
	if ev.Metrics == nil || ev.Metrics.ErrorCode != capability.CodeTranscription {
		t.Fatalf("expected classified error code, got %+v", ev.Metrics)
	}

	blobName := storage.ResultBlobName("job-2", domain.StepTranscribe)
	if exists, _ := blobs.Exists(context.Background(), resultsCtr, blobName); exists {
		t.Fatal("failed attempt must not persist a result blob")
	}
}

func TestRuntime_UnclassifiedErrorsGetFallbackCode(t *testing.T) {
	handler := &stubStage{step: domain.StepSummarize, err: context.DeadlineExceeded}
	rt, broker, _ := newTestRuntime(handler)

	deliver(t, rt, broker, domain.DispatchMessage{JobID: "job-3", Task: domain.TaskSummarize})

	ev := takeEvent(t, broker)
	if ev.Metrics == nil || ev.Metrics.ErrorCode != capability.CodeUnclassified {
		t.Fatalf("expected UNCLASSIFIED, got %+v", ev.Metrics)
	}
}

// slowStage holds an attempt open until its context is cancelled or a short
// timer fires, then succeeds. Used to observe shutdown behavior mid-attempt.
type slowStage struct {
	step    domain.StepName
	started chan struct{}
}

func (h *slowStage) StepName(domain.DispatchMessage) domain.StepName { return h.step }

func (h *slowStage) Process(ctx context.Context, _ *Request) (*Result, error) {
	close(h.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	return &Result{
		Document: map[string]any{"language": "de"},
		Summary:  map[string]any{"language": "de"},
	}, nil
}

func TestRuntime_StopSignalLetsInFlightAttemptFinish(t *testing.T) {
	handler := &slowStage{step: domain.StepLID, started: make(chan struct{})}
	rt, broker, blobs := newTestRuntime(handler)

	body, err := json.Marshal(domain.DispatchMessage{JobID: "job-5"})
	if err != nil {
		t.Fatalf("encode dispatch: %v", err)
	}
	if err := broker.Send(context.Background(), testQueue, body); err != nil {
		t.Fatalf("send dispatch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	<-handler.started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from Run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop after cancellation")
	}

	if broker.InFlight() != 0 {
		t.Fatal("finished message must be acked, not left for redelivery")
	}
	ev := takeEvent(t, broker)
	if ev.Event != domain.EventStepCompleted {
		t.Fatalf("in-flight attempt must finish across shutdown, got %s (error=%q)", ev.Event, ev.Error)
	}
	blobName := storage.ResultBlobName("job-5", domain.StepLID)
	if exists, _ := blobs.Exists(context.Background(), resultsCtr, blobName); !exists {
		t.Fatal("result blob must be persisted before the runtime exits")
	}
}

func TestAIHandler_StepNameByTask(t *testing.T) {
	h := &AIHandler{}
	cases := []struct {
		task string
		want domain.StepName
	}{
		{domain.TaskTranscribe, domain.StepTranscribe},
		{domain.TaskTranslate, domain.StepTranslate},
		{domain.TaskSummarize, domain.StepSummarize},
		{"", domain.StepSummarize},
	}
	for _, tc := range cases {
		if got := h.StepName(domain.DispatchMessage{Task: tc.task}); got != tc.want {
			t.Fatalf("task %q: expected %s, got %s", tc.task, tc.want, got)
		}
	}
}
