package domain

import "time"

// WorkerIdentity names the process reporting a metrics payload.
type WorkerIdentity struct {
	ID       string
	Node     string
	NodePool string
}

// StepMetrics accumulates everything measured during one processing attempt.
// It travels on STEP_COMPLETED/STEP_FAILED events and is persisted verbatim
// into the step row by the router; it is never stored on its own. Required
// fields (identity, dequeue time) are set at construction; everything else is
// added through the stage-specific setters as the attempt progresses.
type StepMetrics struct {
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	DequeuedAt  *time.Time `json:"dequeued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	QueueWaitMS          *int `json:"queue_wait_ms,omitempty"`
	ProcessingDurationMS *int `json:"processing_duration_ms,omitempty"`

	WorkerID       string `json:"worker_id,omitempty"`
	WorkerNode     string `json:"worker_node,omitempty"`
	WorkerNodePool string `json:"worker_node_pool,omitempty"`

	ModelName    string `json:"model_name,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`

	DetectedLanguage   string   `json:"detected_language,omitempty"`
	LanguageConfidence *float64 `json:"language_confidence,omitempty"`

	TranscriptWordCount  *int     `json:"transcript_word_count,omitempty"`
	TranscriptCharCount  *int     `json:"transcript_char_count,omitempty"`
	TranscriptionRTF     *float64 `json:"transcription_rtf,omitempty"`
	AudioDurationSeconds *float64 `json:"audio_duration_seconds,omitempty"`

	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
	TotalTokens      *int     `json:"total_tokens,omitempty"`
	APICostUSD       *float64 `json:"api_cost_usd,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewStepMetrics starts an accumulator for one attempt. dequeuedAt marks when
// the worker picked the message up; queuedAt is the dispatch timestamp
// carried in the message envelope and may be zero if absent.
func NewStepMetrics(identity WorkerIdentity, queuedAt, dequeuedAt time.Time) *StepMetrics {
	m := &StepMetrics{
		WorkerID:       identity.ID,
		WorkerNode:     identity.Node,
		WorkerNodePool: identity.NodePool,
		DequeuedAt:     timePtr(dequeuedAt),
	}
	if !queuedAt.IsZero() {
		m.QueuedAt = timePtr(queuedAt)
		wait := int(dequeuedAt.Sub(queuedAt).Milliseconds())
		m.QueueWaitMS = &wait
	}
	return m
}

// MarkStarted records the start of capability invocation.
func (m *StepMetrics) MarkStarted(t time.Time) {
	m.StartedAt = timePtr(t)
}

// MarkCompleted records the end of the attempt, successful or not.
func (m *StepMetrics) MarkCompleted(t time.Time) {
	m.CompletedAt = timePtr(t)
	if m.StartedAt != nil {
		d := int(t.Sub(*m.StartedAt).Milliseconds())
		m.ProcessingDurationMS = &d
	}
}

// SetModel records which model served the attempt.
func (m *StepMetrics) SetModel(name, version string) {
	m.ModelName = name
	m.ModelVersion = version
}

// SetLID records the language-identification outcome.
func (m *StepMetrics) SetLID(language string, confidence, audioDurationSeconds float64) {
	m.DetectedLanguage = language
	m.LanguageConfidence = &confidence
	m.AudioDurationSeconds = &audioDurationSeconds
}

// SetTranscription records the transcription outcome.
func (m *StepMetrics) SetTranscription(wordCount, charCount int, rtf, audioDurationSeconds float64) {
	m.TranscriptWordCount = &wordCount
	m.TranscriptCharCount = &charCount
	m.TranscriptionRTF = &rtf
	m.AudioDurationSeconds = &audioDurationSeconds
}

// SetTokenUsage records the AI-task token spend.
func (m *StepMetrics) SetTokenUsage(promptTokens, completionTokens int, costUSD float64) {
	total := promptTokens + completionTokens
	m.PromptTokens = &promptTokens
	m.CompletionTokens = &completionTokens
	m.TotalTokens = &total
	m.APICostUSD = &costUSD
}

// SetError records the failure classification for the attempt.
func (m *StepMetrics) SetError(code, message string) {
	if code != "" {
		m.ErrorCode = code
	}
	m.ErrorMessage = message
}

func timePtr(t time.Time) *time.Time { return &t }

// ApplyMetrics copies a metrics payload verbatim into the step row. Only
// fields the payload carries are written, so a failure's partial metrics
// never blank out what an earlier attempt recorded.
func (s *JobStep) ApplyMetrics(m *StepMetrics) {
	if m == nil {
		return
	}
	if m.DequeuedAt != nil {
		s.DequeuedAt = m.DequeuedAt
	}
	if m.StartedAt != nil {
		s.StartedAt = m.StartedAt
	}
	if m.CompletedAt != nil {
		s.CompletedAt = m.CompletedAt
	}
	if m.QueueWaitMS != nil {
		s.QueueWaitMS = m.QueueWaitMS
	}
	if m.ProcessingDurationMS != nil {
		s.ProcessingDurationMS = m.ProcessingDurationMS
	}
	if m.WorkerID != "" {
		s.WorkerID = m.WorkerID
	}
	if m.WorkerNode != "" {
		s.WorkerNode = m.WorkerNode
	}
	if m.WorkerNodePool != "" {
		s.WorkerNodePool = m.WorkerNodePool
	}
	if m.ModelName != "" {
		s.ModelName = m.ModelName
	}
	if m.ModelVersion != "" {
		s.ModelVersion = m.ModelVersion
	}
	if m.DetectedLanguage != "" {
		s.DetectedLanguage = m.DetectedLanguage
		s.LanguageConfidence = m.LanguageConfidence
	}
	if m.TranscriptWordCount != nil {
		s.TranscriptWordCount = m.TranscriptWordCount
		s.TranscriptCharCount = m.TranscriptCharCount
		s.TranscriptionRTF = m.TranscriptionRTF
	}
	if m.TotalTokens != nil {
		s.PromptTokens = m.PromptTokens
		s.CompletionTokens = m.CompletionTokens
		s.TotalTokens = m.TotalTokens
		s.APICostUSD = m.APICostUSD
	}
	if m.ErrorCode != "" {
		s.ErrorCode = m.ErrorCode
	}
}
