package domain

import "time"

// EventType enumerates the router's inbound events.
type EventType string

const (
	EventJobStarted    EventType = "JOB_STARTED"
	EventStepCompleted EventType = "STEP_COMPLETED"
	EventStepFailed    EventType = "STEP_FAILED"
)

// Event is the router's inbound message: the initial kick once audio upload
// is confirmed, or a worker reporting a stage outcome.
type Event struct {
	JobID    string         `json:"job_id"`
	Event    EventType      `json:"event"`
	StepName StepName       `json:"step_name,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Metrics  *StepMetrics   `json:"metrics,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// DispatchMessage is the envelope the router sends to a stage queue.
// QueuedAt is stamped at dispatch and used downstream for queue-wait
// measurement.
type DispatchMessage struct {
	JobID          string    `json:"job_id"`
	Task           string    `json:"task,omitempty"`
	Language       string    `json:"language,omitempty"`
	Text           string    `json:"text,omitempty"`
	TargetLanguage string    `json:"target_lang,omitempty"`
	QueuedAt       time.Time `json:"queued_at"`
}

// AI-task names carried in DispatchMessage.Task.
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
	TaskSummarize  = "summarize"
)
