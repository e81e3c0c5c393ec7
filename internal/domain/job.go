package domain

import "time"

// WorkflowType enumerates the stage combinations a job may request.
type WorkflowType string

const (
	WorkflowFullPipeline   WorkflowType = "full_pipeline"
	WorkflowTranscribeOnly WorkflowType = "transcribe_only"
	WorkflowLIDOnly        WorkflowType = "lid_only"
	WorkflowTranslateOnly  WorkflowType = "translate_only"
	WorkflowSummarizeOnly  WorkflowType = "summarize_only"
)

// Valid reports whether the workflow type is one of the known values.
func (w WorkflowType) Valid() bool {
	switch w {
	case WorkflowFullPipeline, WorkflowTranscribeOnly, WorkflowLIDOnly,
		WorkflowTranslateOnly, WorkflowSummarizeOnly:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPendingUpload   JobStatus = "PENDING_UPLOAD"
	JobStatusQueued          JobStatus = "QUEUED"
	JobStatusProcessing      JobStatus = "PROCESSING"
	JobStatusCompleted       JobStatus = "COMPLETED"
	JobStatusPartialComplete JobStatus = "PARTIAL_COMPLETE"
	JobStatusFailed          JobStatus = "FAILED"
	JobStatusCancelled       JobStatus = "CANCELLED"
)

// Terminal reports whether the status can never be exited again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartialComplete, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// StepName enumerates the pipeline stages.
type StepName string

const (
	StepLID        StepName = "LID"
	StepTranscribe StepName = "TRANSCRIBE"
	StepTranslate  StepName = "TRANSLATE"
	StepSummarize  StepName = "SUMMARIZE"
)

// StepStatus enumerates step lifecycle states. A step is QUEUED from dispatch
// until the router observes its completion or failure event; the phases in
// between live in the timing fields, not the status.
type StepStatus string

const (
	StepStatusQueued    StepStatus = "QUEUED"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// Job is one end-to-end audio processing request.
type Job struct {
	ID             string
	CustomerID     string
	WorkflowType   WorkflowType
	Status         JobStatus
	AudioFilename  string
	SourceLanguage string
	TargetLanguage string

	CallbackURL    string
	CallbackStatus string
	CallbackSentAt *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	TotalTokensUsed int
	TotalCostUSD    float64

	// Metadata carries submitter-supplied hints: "language" as the
	// transcription fallback and "text" as the source input of the
	// text-only workflows.
	Metadata map[string]string
}

// JobStep is the latest attempt of one stage within a job. A retry mutates
// the same row (bumping RetryCount and resetting QueuedAt) rather than
// creating a new one, so at most one row exists per (JobID, StepName).
type JobStep struct {
	StepID     string
	JobID      string
	StepName   StepName
	Status     StepStatus
	RetryCount int

	QueuedAt    *time.Time
	DequeuedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	QueueWaitMS          *int
	ProcessingDurationMS *int

	WorkerID       string
	WorkerNode     string
	WorkerNodePool string

	ModelName    string
	ModelVersion string

	DetectedLanguage   string
	LanguageConfidence *float64

	TranscriptWordCount *int
	TranscriptCharCount *int
	TranscriptionRTF    *float64

	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	APICostUSD       *float64

	ErrorCode    string
	ErrorMessage string

	ResultBlobPath string
	ResultPayload  map[string]any
}
